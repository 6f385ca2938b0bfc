// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// LogEntry is one log line. Level and Logger are filled in from go-log's
// JSON encoding; anything else is kept verbatim as Msg.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

// important reports whether e should outlive routine lines when the
// history is full.
func (e LogEntry) important() bool {
	switch e.Level {
	case "warn", "error", "dpanic", "panic", "fatal":
		return true
	}
	return false
}

// logHistory is a bounded, oldest-first list of entries. When full it drops
// the oldest routine entry, so warnings and errors about a failed call
// survive a burst of debug output. Only when every entry is important does
// the oldest one go.
type logHistory struct {
	max     int
	entries []LogEntry
}

func (h *logHistory) push(e LogEntry) {
	if len(h.entries) < h.max {
		h.entries = append(h.entries, e)
		return
	}
	drop := 0
	for i, old := range h.entries {
		if !old.important() {
			drop = i
			break
		}
	}
	copy(h.entries[drop:], h.entries[drop+1:])
	h.entries[len(h.entries)-1] = e
}

func (h *logHistory) snapshot() []LogEntry {
	return append([]LogEntry(nil), h.entries...)
}

// DefaultLogEntries is the history size used when none is configured.
const DefaultLogEntries = 800

// LogBuffer keeps recent lines written to it and fans new lines out to
// subscribers. It is the io.Writer end of go-log's JSON pipe.
type LogBuffer struct {
	mu      sync.Mutex
	history logHistory

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = DefaultLogEntries
	}
	return &LogBuffer{
		history: logHistory{max: max},
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Write implements io.Writer. Partial lines are held until their newline
// arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := string(data[:i])
		b.partial.Next(i + 1)

		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := b.parse(line)
		b.history.push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

func (b *LogBuffer) parse(line string) LogEntry {
	e := LogEntry{TS: b.now(), Msg: line}
	var j struct {
		Level  string `json:"level"`
		Logger string `json:"logger"`
		Msg    string `json:"msg"`
	}
	if json.Unmarshal([]byte(line), &j) != nil || j.Msg == "" {
		return e
	}
	e.Level, e.Logger, e.Msg = strings.ToLower(j.Level), j.Logger, j.Msg
	return e
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs[?level=warn]
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	entries := b.Snapshot()
	if lvl := strings.ToLower(r.URL.Query().Get("level")); lvl != "" {
		kept := entries[:0]
		for _, e := range entries {
			if e.Level == lvl {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// GET /api/logs/stream  (Server-Sent Events) - tail only (no snapshot)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	b, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}
