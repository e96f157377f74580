package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	prettyDefaultWidth = 100
	prettyMinWidth     = 40
	prettyIndent       = "    "
	prettyEllipsis     = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders records as key=value segments, wrapped to the terminal width.
// Development only; production uses the JSON handler.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := []string{
		"ts=" + applyDim(ts.Format("15:04:05.000"), h.color),
		"lvl=" + levelTag(r.Level, h.color),
		"msg=" + applyBold(r.Message, h.color),
	}

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segs = append(segs, "src="+applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	for _, a := range h.attrs {
		segs = h.appendAttr(segs, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segs = h.appendAttr(segs, a, "")
		return true
	})

	lines := wrapSegments(segs, " ", h.terminalWidth(), prettyIndent)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, strings.Join(lines, "\n")+"\n")
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// terminalWidth prefers CHATD_LOG_WIDTH, then COLUMNS. Values below prettyMinWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"CHATD_LOG_WIDTH", "COLUMNS"} {
		n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
		if err == nil && n >= prettyMinWidth {
			return n
		}
	}
	return prettyDefaultWidth
}

func (h *prettyHandler) appendAttr(segs []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" || a.Equal(slog.Attr{}) {
		return segs
	}

	switch {
	case parent != "":
		key = parent + "." + key
	case len(h.groups) > 0:
		key = strings.Join(h.groups, ".") + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segs = h.appendAttr(segs, ga, key)
		}
		return segs
	}

	label := key
	if alias, ok := prettyKeyAlias[key]; ok {
		label = alias
	}
	return append(segs, label+"="+h.formatValue(key, a.Value))
}

var prettyKeyAlias = map[string]string{
	"status_class": "class",
	"duration_ms":  "duration",
}

// formatValue colours the handful of keys chatd logs on every request or connection.
func (h *prettyHandler) formatValue(key string, v slog.Value) string {
	text := plainValue(v)
	switch key {
	case "method":
		m := strings.ToUpper(strings.TrimSpace(text))
		return paint(m, lookupColor(methodColors, m, ansiMagenta), h.color)
	case "path":
		return paint(text, ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class", "class":
		return colorizeStatusClass(text, h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result", "outcome":
		return colorizeResult(strings.ToLower(text), h.color)
	case "conn_id", "user_id":
		return applyDim(quoteIfNeeded(text), h.color)
	case "err":
		return paint(quoteIfNeeded(text), ansiRed, h.color)
	}
	return quoteIfNeeded(text)
}

func plainValue(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

var (
	methodColors = map[string]string{
		"GET": ansiBlue, "HEAD": ansiBlue,
		"POST": ansiGreen, "PUT": ansiGreen, "PATCH": ansiGreen,
		"DELETE": ansiRed,
	}
	resultColors = map[string]string{
		"success": ansiGreen, "ok": ansiGreen, "delivered": ansiGreen,
		"redirect":     ansiCyan,
		"client_error": ansiYellow, "dropped": ansiYellow, "invalid_token": ansiYellow,
		"bad_credentials": ansiYellow, "exists": ansiYellow,
		"server_error": ansiRed, "error": ansiRed,
	}
)

func lookupColor(table map[string]string, key, def string) string {
	if c, ok := table[key]; ok {
		return c
	}
	return def
}

// threshold picks the colour of the first step whose floor v reaches.
type threshold struct {
	floor int64
	color string
}

var (
	statusSteps   = []threshold{{500, ansiRed}, {400, ansiYellow}, {300, ansiCyan}, {200, ansiGreen}}
	durationSteps = []threshold{{1000, ansiRed}, {250, ansiYellow}}
)

func stepColor(steps []threshold, v int64, def string) string {
	for _, s := range steps {
		if v >= s.floor {
			return s.color
		}
	}
	return def
}

func levelTag(level slog.Level, color bool) string {
	tag, c := "[INFO]", ansiBlue
	switch {
	case level >= slog.LevelError:
		tag, c = "[ERROR]", ansiRed
	case level >= slog.LevelWarn:
		tag, c = "[WARN]", ansiYellow
	case level < slog.LevelInfo:
		tag, c = "[DEBUG]", ansiMagenta
	}
	return paint(tag, c, color)
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), stepColor(statusSteps, int64(code), ansiDim), color)
}

// colorizeStatusClass accepts "1xx".."5xx"; anything else is printed quoted and uncoloured.
func colorizeStatusClass(class string, color bool) string {
	if len(class) == 3 && class[1:] == "xx" && class[0] >= '1' && class[0] <= '5' {
		return paint(class, stepColor(statusSteps, int64(class[0]-'0')*100, ansiDim), color)
	}
	return quoteIfNeeded(class)
}

func colorizeDurationMS(ms int64, color bool) string {
	return paint(strconv.FormatInt(ms, 10)+"ms", stepColor(durationSteps, ms, ansiGreen), color)
}

func colorizeResult(result string, color bool) string {
	c, ok := resultColors[result]
	if !ok {
		return quoteIfNeeded(result)
	}
	return paint(result, c, color)
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string { return paint(s, ansiDim, color) }

func applyBold(s string, color bool) string { return paint(s, ansiBright, color) }

func stripANSI(s string) string { return ansiPattern.ReplaceAllString(s, "") }

// visualLen is the printed width of s in runes, ignoring colour codes.
func visualLen(s string) int { return utf8.RuneCountInString(stripANSI(s)) }

// wrapSegments joins segs with sep, starting a new indented line whenever the next
// segment would exceed width. A segment wider than a whole line is truncated.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	if width <= 0 {
		width = prettyDefaultWidth
	}

	var (
		lines []string
		cur   strings.Builder
		curW  int
	)

	for _, seg := range segs {
		prefix, prefixW := "", 0
		if curW == 0 && len(lines) > 0 {
			prefix, prefixW = indent, visualLen(indent)
		}

		segW := visualLen(seg)
		if room := width - prefixW; segW > room && curW == 0 {
			seg, segW = truncateVisual(seg, room), room
		}

		if curW > 0 && curW+visualLen(sep)+segW > width {
			lines = append(lines, cur.String())
			cur.Reset()
			curW = 0

			prefix, prefixW = indent, visualLen(indent)
			if room := width - prefixW; segW > room {
				seg, segW = truncateVisual(seg, room), room
			}
		}

		if curW > 0 {
			cur.WriteString(sep)
			curW += visualLen(sep)
		}
		cur.WriteString(prefix)
		cur.WriteString(seg)
		curW += prefixW + segW
	}

	if curW > 0 || len(lines) == 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// truncateVisual shortens s to limit runes including the ellipsis. Colour is dropped.
func truncateVisual(s string, limit int) string {
	plain := []rune(stripANSI(s))
	if len(plain) <= limit {
		return string(plain)
	}
	if limit <= 1 {
		return prettyEllipsis
	}
	return string(plain[:limit-1]) + prettyEllipsis
}
