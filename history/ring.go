// Package history keeps a bounded, in-memory record of published snapshots.
package history

import (
	"sync"
	"time"
)

// Entry is one recorded snapshot.
type Entry struct {
	Seq       uint64
	TagID     int64
	Timestamp time.Time
	Data      []byte
}

// Ring is a fixed-size circular buffer of serialized snapshots.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	size    int
	seq     uint64
}

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 10000

// New creates a ring with the given capacity.
func New(size int) *Ring {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Add records data for tagID, overwriting the oldest entry if full. It
// returns the entry's sequence number.
func (r *Ring) Add(tagID int64, data []byte, ts time.Time) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count == r.size {
		idx = r.head
		r.head = (r.head + 1) % r.size
	} else {
		r.count++
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	r.seq++
	r.entries[idx] = Entry{Seq: r.seq, TagID: tagID, Timestamp: ts, Data: cp}
	return r.seq
}

// Since returns all entries with timestamps strictly after ts, oldest first.
func (r *Ring) Since(ts time.Time) []Entry {
	return r.collect(func(e *Entry) bool { return e.Timestamp.After(ts) })
}

// ForTag returns the entries of one tag recorded strictly after ts, oldest
// first. A zero ts returns everything retained for the tag.
func (r *Ring) ForTag(tagID int64, ts time.Time) []Entry {
	return r.collect(func(e *Entry) bool { return e.TagID == tagID && e.Timestamp.After(ts) })
}

// Drop forgets every entry of a tag.
func (r *Ring) Drop(tagID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		if e := r.entries[(r.head+i)%r.size]; e.TagID != tagID {
			kept = append(kept, e)
		}
	}
	r.entries = make([]Entry, r.size)
	copy(r.entries, kept)
	r.head = 0
	r.count = len(kept)
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring) Cap() int { return r.size }

func (r *Ring) collect(match func(*Entry) bool) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Entry
	for i := 0; i < r.count; i++ {
		e := &r.entries[(r.head+i)%r.size]
		if match(e) {
			result = append(result, *e)
		}
	}
	return result
}
