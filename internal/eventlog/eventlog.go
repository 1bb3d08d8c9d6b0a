// Package eventlog implements the bounded in-memory event ring the
// telemetry status frame can drain, and the append-only black-box JSON
// writer that survives a reset. Every record is tagged with a boot-session
// identifier so records from different runs can be told apart after the
// fact.
package eventlog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring's default size: the original firmware kept
// the last 20 events in memory for the telemetry status dump.
const DefaultCapacity = 20

// Event is one recorded occurrence: a watchdog transition, a shed-stage
// change, a CV update, or a decoded emergency stop.
type Event struct {
	At      time.Time         `json:"at"`
	Session string            `json:"session"`
	Kind    string            `json:"kind"`
	Detail  string            `json:"detail"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Ring is a fixed-capacity circular buffer of Events; once full, the
// oldest event is evicted to make room for a new one.
type Ring struct {
	mu       sync.Mutex
	buf      []Event
	next     int
	count    int
	capacity int
}

// NewRing creates a Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Event, capacity), capacity: capacity}
}

// Push appends e, evicting the oldest event if the ring is full.
func (r *Ring) Push(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Snapshot returns the ring's contents in chronological order (oldest
// first).
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.count)
	start := (r.next - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%r.capacity])
	}
	return out
}

// ShutdownRecord is one forensic episode: the accumulated event ring at
// the moment of an emergency shutdown, the cause that triggered it, and
// the timestamp it happened. The persisted file is the logical
// concatenation of these records as a JSON array; on disk it is written
// one object per line so a partially written file is still parseable up
// to the last complete line, and appending a new episode never requires
// rewriting earlier ones.
type ShutdownRecord struct {
	At      time.Time `json:"t"`
	Session string    `json:"session"`
	Cause   string    `json:"err"`
	Events  []Event   `json:"events"`
}

// BlackBox persists one ShutdownRecord per emergency-shutdown episode. It
// is not a tick-level logger: callers accumulate tick-level occurrences in
// a Ring and hand the ring's Snapshot to RecordShutdown exactly once per
// episode, when the cause is known.
type BlackBox struct {
	mu      sync.Mutex
	f       *os.File
	session string
}

// OpenBlackBox opens (creating if needed) the black-box file at path for
// appending, tagging subsequent records with a fresh boot-session UUID.
func OpenBlackBox(path string) (*BlackBox, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &BlackBox{f: f, session: uuid.NewString()}, nil
}

// Session returns this process's boot-session identifier.
func (b *BlackBox) Session() string { return b.session }

// RecordShutdown appends one shutdown episode: cause is the shutdown-cause
// tag (e.g. "DRY_BOIL", "DCC_LOST") and events is the event ring's
// snapshot at the moment of shutdown.
func (b *BlackBox) RecordShutdown(at time.Time, cause string, events []Event) error {
	rec := ShutdownRecord{At: at, Session: b.session, Cause: cause, Events: events}

	b.mu.Lock()
	defer b.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = b.f.Write(line)
	return err
}

// Close flushes and closes the underlying file.
func (b *BlackBox) Close() error {
	return b.f.Close()
}
