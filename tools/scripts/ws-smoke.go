// Command ws-smoke drives a running chatd through one full two-user chat
// and exits non-zero on the first deviation. Usernames carry a per-run
// prefix so it can be pointed at a persistent store repeatedly.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatd/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

type options struct {
	url     string
	origin  string
	prefix  string
	text    string
	timeout time.Duration
	verbose bool
}

// peer is one websocket connection; a reader goroutine feeds frames.
type peer struct {
	name   string
	conn   *websocket.Conn
	frames chan v1.Envelope
	failed chan error
}

// run is the state shared across steps.
type run struct {
	opt options

	alice, bob, alice2 *peer
	aliceName, bobName string
	aliceID, bobID     int64
	aliceToken         string
	sent               v1.NewMessagePayload
}

func main() {
	var opt options
	flag.StringVar(&opt.url, "url", "ws://127.0.0.1:3000/ws", "chatd websocket URL")
	flag.StringVar(&opt.origin, "origin", "http://localhost", "Origin header; empty sends none")
	flag.StringVar(&opt.prefix, "prefix", fmt.Sprintf("smoke%d", time.Now().UnixNano()), "username prefix")
	flag.StringVar(&opt.text, "text", "hello chatd 👋", "message content")
	flag.DurationVar(&opt.timeout, "timeout", 7*time.Second, "per-step timeout")
	flag.BoolVar(&opt.verbose, "v", false, "print each step")
	flag.Parse()

	if err := checkURL(opt.url, "ws", "wss"); err != nil {
		fatalf("-url: %v", err)
	}
	if opt.origin != "" {
		if err := checkURL(opt.origin, "http", "https"); err != nil {
			fatalf("-origin: %v", err)
		}
	}

	r := &run{opt: opt, aliceName: opt.prefix + "-alice", bobName: opt.prefix + "-bob"}
	defer r.closeAll()

	steps := []struct {
		name string
		fn   func(context.Context)
	}{
		{"connect", r.connect},
		{"create accounts", r.createAccounts},
		{"reject duplicate username", r.rejectDuplicate},
		{"password auth", r.passwordAuth},
		{"list conversations", r.listConversations},
		{"send message", r.sendMessage},
		{"history", r.history},
		{"token auth on second device", r.tokenAuth},
		{"disconnect", r.disconnect},
	}

	for _, s := range steps {
		if opt.verbose {
			fmt.Printf("-- %s\n", s.name)
		}
		s.fn(context.Background())
	}
	fmt.Printf("OK: alice=%d bob=%d ts=%d\n", r.aliceID, r.bobID, r.sent.Timestamp)
}

func (r *run) connect(ctx context.Context) {
	r.alice = r.dial(ctx, "alice")
	r.bob = r.dial(ctx, "bob")
}

func (r *run) createAccounts(ctx context.Context) {
	for _, c := range []struct {
		p        *peer
		user, pw string
	}{{r.alice, r.aliceName, "pw1"}, {r.bob, r.bobName, "pw2"}} {
		res := request[v1.CreationResultPayload](ctx, r, c.p, v1.TypeCreation, v1.CreationPayload{Username: c.user, Password: c.pw})
		if !res.Success {
			fatalf("%s: creation: %q", c.p.name, res.Msg)
		}
	}
}

// Usernames collide case-insensitively.
func (r *run) rejectDuplicate(ctx context.Context) {
	res := request[v1.CreationResultPayload](ctx, r, r.alice, v1.TypeCreation,
		v1.CreationPayload{Username: strings.ToUpper(r.aliceName), Password: "pw1"})
	if res.Success || res.Msg != "User already exists!" {
		fatalf("duplicate creation: %+v", res)
	}
}

func (r *run) passwordAuth(ctx context.Context) {
	r.aliceToken = r.auth(ctx, r.alice, v1.AuthPayload{Username: r.aliceName, Password: "pw1"})
	r.auth(ctx, r.bob, v1.AuthPayload{Username: r.bobName, Password: "pw2"})
}

func (r *run) listConversations(ctx context.Context) {
	res := request[v1.ConversationsPayload](ctx, r, r.alice, v1.TypeGetConversations, struct{}{})
	if !res.Success {
		fatalf("getConversations: %+v", res)
	}
	for _, c := range res.Conversations {
		switch c.Username {
		case r.aliceName:
			fatalf("getConversations lists the caller")
		case r.bobName:
			r.bobID = c.ID
		}
	}
	if r.bobID == 0 {
		fatalf("getConversations: %s missing", r.bobName)
	}
}

func (r *run) sendMessage(ctx context.Context) {
	r.send(ctx, r.alice, v1.TypeMessage, v1.MessagePayload{Receiver: r.bobID, Content: r.opt.text})

	env := r.expect(ctx, r.bob, v1.TypeNewMessage, false)
	if err := json.Unmarshal(env.Payload, &r.sent); err != nil {
		fatalf("newMessage payload: %v", err)
	}
	nm := r.sent
	if !nm.IsReceiver || nm.To != r.bobID || nm.Content != r.opt.text || nm.Timestamp <= 0 {
		fatalf("newMessage: %+v", nm)
	}
	r.aliceID = nm.From
}

func (r *run) history(ctx context.Context) {
	for _, v := range []struct {
		p          *peer
		other      int64
		isReceiver bool
	}{{r.bob, r.aliceID, true}, {r.alice, r.bobID, false}} {
		res := request[v1.ConversationMessagesPayload](ctx, r, v.p, v1.TypeGetConversationMessages,
			v1.GetConversationMessagesPayload{UserID: v.other})
		if !res.Success || len(res.Messages) != 1 || res.Messages[0].IsReceiver != v.isReceiver {
			fatalf("%s history: %+v", v.p.name, res)
		}
	}
}

func (r *run) tokenAuth(ctx context.Context) {
	r.alice2 = r.dial(ctx, "alice#2")
	if tok := r.auth(ctx, r.alice2, v1.AuthPayload{Token: r.aliceToken}); tok != r.aliceToken {
		fatalf("token auth issued a different token")
	}
}

// disconnect closes alice's first connection; bob must see nothing from it.
func (r *run) disconnect(ctx context.Context) {
	r.send(ctx, r.alice, v1.TypeDisconnect, struct{}{})
	r.awaitClosed(ctx, r.alice)
	r.quiet(ctx, r.bob, 1200*time.Millisecond)
}

// ---- plumbing ----

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	ok := false
	for _, s := range schemes {
		ok = ok || u.Scheme == s
	}
	switch {
	case !ok:
		return fmt.Errorf("scheme %q, want one of %v", u.Scheme, schemes)
	case strings.TrimSpace(u.Host) == "":
		return errors.New("missing host")
	}
	return nil
}

func (r *run) dial(parent context.Context, name string) *peer {
	ctx, cancel := context.WithTimeout(parent, r.opt.timeout)
	defer cancel()

	h := http.Header{}
	if r.opt.origin != "" {
		h.Set("Origin", r.opt.origin)
	}
	conn, resp, err := websocket.Dial(ctx, r.opt.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("%s: dial: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("%s: subprotocol %q, want %q", name, sp, v1.Subprotocol)
	}
	conn.SetReadLimit(1 << 20)

	p := &peer{name: name, conn: conn, frames: make(chan v1.Envelope, 512), failed: make(chan error, 1)}
	go p.read()
	return p
}

func (p *peer) read() {
	defer close(p.frames)
	for {
		_, data, err := p.conn.Read(context.Background())
		if err != nil {
			p.fail(err)
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.fail(fmt.Errorf("bad json: %w", err))
			return
		}
		if err := env.Validate(); err != nil {
			p.fail(fmt.Errorf("bad envelope: %w", err))
			return
		}
		select {
		case p.frames <- env:
		default:
			p.fail(errors.New("frame buffer full"))
			return
		}
	}
}

func (p *peer) fail(err error) {
	select {
	case p.failed <- err:
	default:
	}
}

func (r *run) closeAll() {
	for _, p := range []*peer{r.alice, r.bob, r.alice2} {
		if p != nil {
			_ = p.conn.Close(websocket.StatusNormalClosure, "bye")
		}
	}
}

func (r *run) send(parent context.Context, p *peer, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, r.opt.timeout)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("%s: write %s: %v", p.name, typ, err)
	}
}

func (r *run) auth(ctx context.Context, p *peer, a v1.AuthPayload) string {
	res := request[v1.AuthResultPayload](ctx, r, p, v1.TypeAuth, a)
	if !res.Success || res.Token == "" {
		fatalf("%s: auth: %q", p.name, res.Msg)
	}
	return res.Token
}

// request sends typ and decodes the reply of the same type. Pushed newMessage
// frames arriving in between are skipped.
func request[T any](ctx context.Context, r *run, p *peer, typ string, payload any) T {
	r.send(ctx, p, typ, payload)
	env := r.expect(ctx, p, typ, true)

	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		fatalf("%s: %s payload: %v", p.name, typ, err)
	}
	return out
}

func (r *run) expect(parent context.Context, p *peer, want string, skipPushes bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, r.opt.timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s: timed out waiting for %q", p.name, want)
		case err := <-p.failed:
			fatalf("%s: connection failed waiting for %q: %v", p.name, want, err)
		case env, ok := <-p.frames:
			switch {
			case !ok:
				fatalf("%s: closed waiting for %q", p.name, want)
			case env.Type == want:
				return env
			case env.Type == v1.TypeError:
				failOnError(p, env)
			case skipPushes && env.Type == v1.TypeNewMessage:
			default:
				fatalf("%s: got %q, want %q", p.name, env.Type, want)
			}
		}
	}
}

func (r *run) awaitClosed(parent context.Context, p *peer) {
	ctx, cancel := context.WithTimeout(parent, r.opt.timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s: still open after disconnect", p.name)
		case <-p.failed:
			return
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		}
	}
}

// quiet fails if p receives anything but silence for d.
func (r *run) quiet(parent context.Context, p *peer, d time.Duration) {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-p.failed:
		fatalf("%s: closed unexpectedly: %v", p.name, err)
	case env, ok := <-p.frames:
		if !ok {
			fatalf("%s: closed unexpectedly", p.name)
		}
		if env.Type == v1.TypeError {
			failOnError(p, env)
		}
		fatalf("%s: unexpected %q", p.name, env.Type)
	}
}

func failOnError(p *peer, env v1.Envelope) {
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	fatalf("%s: server error code=%q msg=%q", p.name, ep.Code, ep.Message)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
