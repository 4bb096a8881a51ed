package mcp

import (
	"fmt"
	"testing"
)

func TestEventLogAppend(t *testing.T) {
	log := newEventLog(0)

	for i := 1; i <= 3; i++ {
		seq := log.append([]byte(fmt.Sprintf("payload-%d", i)))
		if seq != uint64(i) {
			t.Errorf("expected sequence %d, got %d", i, seq)
		}
	}

	entries := log.after(0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.seq != uint64(i+1) {
			t.Errorf("expected sequence %d at index %d, got %d", i+1, i, entry.seq)
		}
		want := fmt.Sprintf("payload-%d", i+1)
		if string(entry.payload) != want {
			t.Errorf("expected payload %q, got %q", want, entry.payload)
		}
	}
}

func TestEventLogAfter(t *testing.T) {
	log := newEventLog(0)
	for i := 1; i <= 5; i++ {
		log.append([]byte(fmt.Sprintf("payload-%d", i)))
	}

	testCases := []struct {
		cursor    uint64
		wantCount int
		wantFirst uint64
	}{
		{cursor: 0, wantCount: 5, wantFirst: 1},
		{cursor: 2, wantCount: 3, wantFirst: 3},
		{cursor: 5, wantCount: 0},
		{cursor: 10, wantCount: 0},
	}

	for _, tc := range testCases {
		entries := log.after(tc.cursor)
		if len(entries) != tc.wantCount {
			t.Errorf("cursor %d: expected %d entries, got %d", tc.cursor, tc.wantCount, len(entries))
			continue
		}
		if tc.wantCount > 0 && entries[0].seq != tc.wantFirst {
			t.Errorf("cursor %d: expected first sequence %d, got %d", tc.cursor, tc.wantFirst, entries[0].seq)
		}
	}
}

func TestEventLogRetention(t *testing.T) {
	log := newEventLog(3)
	for i := 1; i <= 5; i++ {
		log.append([]byte(fmt.Sprintf("payload-%d", i)))
	}

	// Entries 1 and 2 are evicted, yet sequence numbers keep counting.
	entries := log.after(0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(entries))
	}
	if entries[0].seq != 3 {
		t.Errorf("expected oldest retained sequence 3, got %d", entries[0].seq)
	}

	seq := log.append([]byte("payload-6"))
	if seq != 6 {
		t.Errorf("expected sequence 6, got %d", seq)
	}
}
