package activity

import (
	"sync"
	"time"
)

// Event is one lifecycle transition of a model handle.
type Event struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	State     string    `json:"state"`
	Note      string    `json:"note,omitempty"`
}

// Log is a fixed-size ring of recent events.
type Log struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

func New(size int) *Log {
	if size <= 0 {
		size = 200
	}
	return &Log{
		buf: make([]Event, size),
	}
}

func (l *Log) Add(e Event) {
	if l == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = e
	l.next++
	if l.next >= len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// List returns events oldest first.
func (l *Log) List() []Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full && l.next == 0 {
		return nil
	}

	if l.full {
		out := make([]Event, 0, len(l.buf))
		out = append(out, l.buf[l.next:]...)
		return append(out, l.buf[:l.next]...)
	}
	return append([]Event(nil), l.buf[:l.next]...)
}

// Recent returns at most n events, newest first.
func (l *Log) Recent(n int) []Event {
	all := l.List()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}

// ForRequest returns the events of one request, oldest first.
func (l *Log) ForRequest(id string) []Event {
	var out []Event
	for _, e := range l.List() {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return out
}
