package eventlog

import (
	"sync"
	"time"

	"github.com/user/sandboxd/internal/types"
)

// Log is the single-writer, append-only event sequence for one sandbox.
// Cursors start at 1, never repeat, and are assigned exactly once at append
// time. The log lives in process memory only; durable state is the
// persistence pipeline's job.
type Log struct {
	mu      sync.Mutex
	records []types.Record
	next    int64
	subs    map[int]func(types.Record)
	nextSub int
}

// New creates an empty Log.
func New() *Log {
	return &Log{
		next: 1,
		subs: make(map[int]func(types.Record)),
	}
}

// Append assigns the next cursor, stores the record, and synchronously
// notifies every current subscriber before returning. Subscribers run on the
// appender's goroutine and must not call back into the log.
func (l *Log) Append(ev types.Event) types.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	rec := types.Record{Cursor: l.next, Event: ev}
	l.next++
	l.records = append(l.records, rec)

	for _, fn := range l.subs {
		fn(rec)
	}
	return rec
}

// FromCursor returns every stored record with cursor > c, in append order.
// This is the replay primitive for reconnecting clients.
func (l *Log) FromCursor(c int64) []types.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Cursors are dense (1..N), so the slice offset is direct.
	start := c
	if start < 0 {
		start = 0
	}
	if start >= int64(len(l.records)) {
		return nil
	}
	out := make([]types.Record, len(l.records)-int(start))
	copy(out, l.records[start:])
	return out
}

// LastCursor returns the cursor of the most recent record, or 0 if empty.
func (l *Log) LastCursor() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Subscribe registers a live handler called for every subsequent append. The
// returned unsubscribe function is idempotent and does not affect
// notifications already in flight.
func (l *Log) Subscribe(fn func(types.Record)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}
