package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

var errMissingOrigin = errors.New("missing origin")

// originPolicy is checked before the upgrade. websocket.Accept runs its own
// check afterwards against patterns, which is derived from the same allowlist.
type originPolicy struct {
	required bool
	any      bool
	exact    map[string]struct{}
	hosts    map[string]struct{}
	patterns []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		exact:    make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*":
			p.any = true
		default:
			p.exact[a] = struct{}{}
			if h := originHost(a); h != "" {
				p.hosts[h] = struct{}{}
			}
		}
	}
	p.patterns = acceptPatterns(allowed)
	return p
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errMissingOrigin
		}
		return nil
	}
	if p.any {
		return nil
	}
	if _, ok := p.exact[origin]; ok {
		return nil
	}
	// Same host on another scheme or port is accepted.
	if h := originHost(origin); h != "" {
		if _, ok := p.hosts[h]; ok {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost lowercases the host of a URL or host[:port] string, dropping the port.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(s)
}

// acceptPatterns turns an allowlist into websocket.AcceptOptions.OriginPatterns.
// Accept matches host[:port], so every host also gets a "host:*" pattern.
func acceptPatterns(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			out = append(out, "*")
			continue
		}
		if h := originHost(a); h != "" {
			out = append(out, h, h+":*")
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
