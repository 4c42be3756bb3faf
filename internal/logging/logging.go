// Package logging builds the slog loggers used by roam processes and
// carries child log records over the control channel.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/roam/internal/protocol"
)

// ParseLevel normalizes a textual log level to slog.Level.
func ParseLevel(input string) (slog.Level, string, error) {
	level := strings.ToLower(strings.TrimSpace(input))
	switch level {
	case "", "info":
		return slog.LevelInfo, "info", nil
	case "debug":
		return slog.LevelDebug, "debug", nil
	case "warn", "warning":
		return slog.LevelWarn, "warn", nil
	case "error", "err":
		return slog.LevelError, "error", nil
	default:
		return slog.LevelInfo, "", fmt.Errorf("unsupported log level %q", input)
	}
}

// New returns a text logger writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func levelName(l slog.Level) protocol.LogLevel {
	switch {
	case l >= slog.LevelError:
		return protocol.LogLevelError
	case l >= slog.LevelWarn:
		return protocol.LogLevelWarn
	case l >= slog.LevelInfo:
		return protocol.LogLevelInfo
	default:
		return protocol.LogLevelDebug
	}
}

func slogLevel(l protocol.LogLevel) slog.Level {
	switch l {
	case protocol.LogLevelError:
		return slog.LevelError
	case protocol.LogLevelWarn:
		return slog.LevelWarn
	case protocol.LogLevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// ShipHandler turns records into protocol.Log messages and hands them
// to send. Child processes use it so their supervisor owns the sink.
type ShipHandler struct {
	send  func(protocol.Log) error
	level slog.Leveler
	base  map[string]any
	group string
	mu    *sync.Mutex
}

// NewShipHandler creates a handler that ships records at or above level.
func NewShipHandler(send func(protocol.Log) error, level slog.Leveler) *ShipHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &ShipHandler{send: send, level: level, mu: &sync.Mutex{}}
}

func (h *ShipHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *ShipHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.base)+r.NumAttrs())
	for k, v := range h.base {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		addField(fields, h.group, a)
		return true
	})
	if len(fields) == 0 {
		fields = nil
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.send(protocol.Log{
		Kind:      protocol.MessageKindLog,
		Level:     levelName(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: ts.UTC(),
	})
}

func addField(fields map[string]any, group string, a slog.Attr) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		for _, ga := range v.Group() {
			addField(fields, key, ga)
		}
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			fields[key] = err.Error()
			return
		}
		fields[key] = v.Any()
	default:
		fields[key] = v.Any()
	}
}

func (h *ShipHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.base = make(map[string]any, len(h.base)+len(attrs))
	for k, v := range h.base {
		clone.base[k] = v
	}
	for _, a := range attrs {
		addField(clone.base, h.group, a)
	}
	return &clone
}

func (h *ShipHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}

// Relog writes a shipped record to logger with extra attributes.
func Relog(logger *slog.Logger, msg *protocol.Log, attrs ...any) {
	args := append([]any(nil), attrs...)
	for _, k := range sortedKeys(msg.Fields) {
		args = append(args, k, msg.Fields[k])
	}
	logger.Log(context.Background(), slogLevel(msg.Level), msg.Message, args...)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
