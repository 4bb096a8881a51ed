package mcp

import "sync"

// eventLog is the append-only record of messages pushed on one session. Entries
// carry gapless sequence numbers starting at 1 and are never mutated after
// append; a client resuming with a cursor receives exactly the retained entries
// with a sequence greater than it, in order.
//
// Retention is bounded by a count cap so an unresumed session cannot grow the
// log without limit. A resume cursor older than the retained window replays
// only what is still held.
type eventLog struct {
	mu       sync.Mutex
	entries  []eventLogEntry
	lastSeq  uint64
	capacity int
}

type eventLogEntry struct {
	seq     uint64
	payload []byte
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{capacity: capacity}
}

// append stores the payload under the next sequence number and returns it.
func (l *eventLog) append(payload []byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	l.entries = append(l.entries, eventLogEntry{seq: l.lastSeq, payload: payload})
	if l.capacity > 0 && len(l.entries) > l.capacity {
		// Drop the oldest entries. The slice is re-allocated so the backing
		// array of the evicted prefix can be collected.
		over := len(l.entries) - l.capacity
		l.entries = append([]eventLogEntry(nil), l.entries[over:]...)
	}
	return l.lastSeq
}

// after returns a copy of every retained entry with a sequence greater than
// cursor, in increasing sequence order.
func (l *eventLog) after(cursor uint64) []eventLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := len(l.entries)
	for i, e := range l.entries {
		if e.seq > cursor {
			idx = i
			break
		}
	}
	res := make([]eventLogEntry, len(l.entries)-idx)
	copy(res, l.entries[idx:])
	return res
}
