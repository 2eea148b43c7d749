package logging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// String renders the entry as "LEVEL message key=value ...".
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Level)
	b.WriteByte(' ')
	b.WriteString(e.Message)
	for _, k := range sortedKeys(e.Attrs) {
		fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
	}
	return b.String()
}

// Buffer collects log entries for one request. It is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

// Entries returns a copy of the captured entries.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

// Lines returns the captured entries rendered as strings.
func (b *Buffer) Lines() []string {
	entries := b.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
}

// Capture returns a logger that writes to base and also records into a fresh Buffer
// every record at or above level.
func Capture(base *slog.Logger, level slog.Leveler) (*slog.Logger, *Buffer) {
	buf := &Buffer{}
	return slog.New(&teeHandler{next: base.Handler(), buf: buf, level: level}), buf
}

// teeHandler forwards records to next and copies them into buf.
type teeHandler struct {
	next   slog.Handler
	buf    *Buffer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() || h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			attrs[a.Key] = a.Value.Resolve().Any()
		}
		prefix := strings.Join(h.groups, ".")
		r.Attrs(func(a slog.Attr) bool {
			key := a.Key
			if prefix != "" {
				key = prefix + "." + key
			}
			attrs[key] = a.Value.Resolve().Any()
			return true
		})
		if len(attrs) == 0 {
			attrs = nil
		}
		h.buf.add(Entry{Time: r.Time, Level: r.Level.String(), Message: r.Message, Attrs: attrs})
	}

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	merged := append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &teeHandler{next: h.next.WithAttrs(attrs), buf: h.buf, level: h.level, attrs: merged, groups: h.groups}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &teeHandler{next: h.next.WithGroup(name), buf: h.buf, level: h.level, attrs: h.attrs, groups: groups}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
