// Package logcap converts raw stdout/stderr output of spawned modules into a
// bounded in-memory chunk history plus a durable per-module log file, without
// ever blocking or failing the producing process.
package logcap

import (
	"io"
	"sync"
	"time"

	"github.com/canto-dev/canto/internal/logger"
)

// DefaultBufferChunks is the per-module ring buffer capacity, counted in raw
// output chunks (not lines).
const DefaultBufferChunks = 2000

// Chunk is one raw write observed on a module's stdout or stderr.
type Chunk struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Text   string    `json:"text"`
}

// ring is a fixed-capacity circular chunk buffer.
type ring struct {
	buf   []Chunk
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Chunk, capacity)}
}

func (r *ring) add(c Chunk) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = c
		r.count++
		return
	}
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) tail(n int) []Chunk {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Chunk, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.count-n+i)%len(r.buf)]
	}
	return out
}

type entry struct {
	ring *ring
	file io.WriteCloser
	subs map[uint64]func(Chunk)
}

// Capture owns per-module log state. All failures on the file path are
// swallowed; the in-memory buffer keeps working regardless.
type Capture struct {
	cfg       logger.Config
	bufChunks int

	mu      sync.Mutex
	entries map[string]*entry
	nextSub uint64
}

func New(cfg logger.Config) *Capture {
	return &Capture{
		cfg:       cfg,
		bufChunks: DefaultBufferChunks,
		entries:   make(map[string]*entry),
	}
}

func (c *Capture) entryLocked(id string) *entry {
	e := c.entries[id]
	if e == nil {
		e = &entry{
			ring: newRing(c.bufChunks),
			subs: make(map[uint64]func(Chunk)),
		}
		c.entries[id] = e
	}
	return e
}

// Attach returns stdout and stderr writers for the named module. The backing
// log file is opened once per process lifetime; a reopened module reuses the
// same rotating stream until Close.
func (c *Capture) Attach(id string) (stdout, stderr io.Writer) {
	c.mu.Lock()
	e := c.entryLocked(id)
	if e.file == nil {
		e.file = c.cfg.Writer(id) // nil when no log dir configured
	}
	c.mu.Unlock()
	return &streamWriter{c: c, id: id, stream: "stdout"},
		&streamWriter{c: c, id: id, stream: "stderr"}
}

// LogPath returns the on-disk log file path for the module, or "".
func (c *Capture) LogPath(id string) string { return c.cfg.Path(id) }

// Recent returns up to n most recent chunks for the module, oldest first.
func (c *Capture) Recent(id string, n int) []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil {
		return nil
	}
	return e.ring.tail(n)
}

// Subscribe registers fn for live chunks of the module and returns an
// unsubscribe token. fn is invoked synchronously on the writing goroutine.
func (c *Capture) Subscribe(id string, fn func(Chunk)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	tok := c.nextSub
	c.entryLocked(id).subs[tok] = fn
	return tok
}

// Unsubscribe removes a previously registered subscriber. Unknown tokens are
// ignored.
func (c *Capture) Unsubscribe(id string, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[id]; e != nil {
		delete(e.subs, token)
	}
}

// Close closes the module's file stream. Buffered chunks stay queryable.
func (c *Capture) Close(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[id]; e != nil && e.file != nil {
		_ = e.file.Close()
		e.file = nil
	}
}

// CloseAll closes every open file stream and drops all buffers.
func (c *Capture) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.file != nil {
			_ = e.file.Close()
			e.file = nil
		}
	}
	c.entries = make(map[string]*entry)
}

func (c *Capture) ingest(id, stream string, p []byte) {
	ch := Chunk{Time: time.Now(), Stream: stream, Text: string(p)}

	c.mu.Lock()
	e := c.entryLocked(id)
	e.ring.add(ch)
	file := e.file
	subs := make([]func(Chunk), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if file != nil {
		line := ch.Time.Format(time.RFC3339) + " " + ch.Text
		if len(line) == 0 || line[len(line)-1] != '\n' {
			line += "\n"
		}
		_, _ = file.Write([]byte(line)) // best-effort durability
	}
	for _, fn := range subs {
		fn(ch)
	}
}

// streamWriter adapts one stdio stream of a module to Capture.
type streamWriter struct {
	c      *Capture
	id     string
	stream string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.c.ingest(w.id, w.stream, p)
	return len(p), nil
}
