// Package activity keeps the bounded, timestamped log trail shown to
// the user: state transitions, inbound payloads and outbound
// publishes. The log is a circular buffer; once full, every append
// evicts the oldest entry.
package activity

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 2000

// Entry is one log line.
type Entry struct {
	Time time.Time `json:"ts"`
	Text string    `json:"text"`
}

// String renders the entry as "15:04:05 text" in local time.
func (e Entry) String() string {
	return e.Time.Local().Format(time.TimeOnly) + " " + e.Text
}

// Log is a fixed-capacity ring of entries. It is safe for concurrent
// use.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry // circular buffer, pre-allocated
	head     int     // next write position
	count    int     // entries currently stored (≤ len(entries))
	nowFunc  func() time.Time
	onAppend []func(Entry)
}

// New creates a Log holding at most capacity entries. A non-positive
// capacity falls back to [DefaultCapacity].
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]Entry, capacity),
		nowFunc: time.Now,
	}
}

// OnAppend registers fn to be called after every append, outside the
// log's lock.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = append(l.onAppend, fn)
}

// Append records text stamped with the current time.
func (l *Log) Append(text string) Entry {
	return l.AppendAt(time.Time{}, text)
}

// AppendAt records text stamped with ts, or the current time if ts is
// zero.
func (l *Log) AppendAt(ts time.Time, text string) Entry {
	if ts.IsZero() {
		ts = l.nowFunc()
	}
	e := Entry{Time: ts, Text: text}

	l.mu.Lock()
	l.entries[l.head] = e
	l.head = (l.head + 1) % len(l.entries)
	if l.count < len(l.entries) {
		l.count++
	}
	hooks := l.onAppend
	l.mu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
	return e
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Cap returns the capacity.
func (l *Log) Cap() int {
	return len(l.entries)
}

// Entries returns all stored entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, l.count)
	bufLen := len(l.entries)
	start := (l.head - l.count + bufLen) % bufLen
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[(start+i)%bufLen])
	}
	return out
}

// Recent returns up to n entries, newest first. n ≤ 0 returns all.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Entry, 0, n)
	bufLen := len(l.entries)
	// The newest entry is at (head-1) mod bufLen, walking backwards.
	for i := 0; i < n; i++ {
		out = append(out, l.entries[(l.head-1-i+bufLen)%bufLen])
	}
	return out
}
