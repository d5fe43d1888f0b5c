package audit

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capture replaces the insert step so tests can observe what the drain
// worker would have written.
type capture struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{}
}

func (c *capture) persist(entry Entry) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func newTestRecorder(t *testing.T, c *capture) *Recorder {
	t.Helper()
	r := NewRecorder(nil, testLogger())
	r.persistFn = c.persist
	t.Cleanup(r.Close)
	return r
}

func TestRecorder_PersistsEntries(t *testing.T) {
	c := &capture{}
	r := newTestRecorder(t, c)

	r.Record(Entry{Caller: "10.0.0.1", Action: "CREATE", Resource: "detection", ResourceID: "batch_1"})
	r.Record(Entry{Caller: "10.0.0.2", Action: "CREATE", Resource: "detection", ResourceID: "batch_2"})
	r.Close()

	if c.count() != 2 {
		t.Fatalf("persisted %d entries, want 2", c.count())
	}
	first := c.entries[0]
	if first.Caller != "10.0.0.1" || first.ResourceID != "batch_1" {
		t.Errorf("unexpected first entry: %+v", first)
	}
}

func TestRecorder_FillsIDAndTimestamp(t *testing.T) {
	c := &capture{}
	r := newTestRecorder(t, c)

	r.Record(Entry{Caller: "10.0.0.1", Action: "CREATE", Resource: "detection"})
	r.Close()

	if c.count() != 1 {
		t.Fatalf("persisted %d entries, want 1", c.count())
	}
	entry := c.entries[0]
	if !strings.HasPrefix(entry.ID, "audit_") {
		t.Errorf("ID = %q, want audit_ prefix", entry.ID)
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt not filled")
	}
}

func TestRecorder_RecordNeverBlocks(t *testing.T) {
	c := &capture{block: make(chan struct{})}
	r := newTestRecorder(t, c)
	defer close(c.block)

	// The worker is stuck on the first entry; everything past the queue
	// capacity must be dropped, not awaited.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueSize+16; i++ {
			r.Record(Entry{Caller: "10.0.0.1", Action: "CREATE", Resource: "detection"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestRecorder_CloseFlushesQueue(t *testing.T) {
	c := &capture{}
	r := newTestRecorder(t, c)

	const n = 50
	for i := 0; i < n; i++ {
		r.Record(Entry{Caller: "10.0.0.1", Action: "CREATE", Resource: "detection"})
	}
	r.Close()

	if c.count() != n {
		t.Fatalf("persisted %d entries after Close, want %d", c.count(), n)
	}
}

func TestRecorder_CloseTwiceSafe(t *testing.T) {
	r := NewRecorder(nil, testLogger())
	r.Close()
	r.Close()
}

func TestRecorder_NilDatabaseDiscards(t *testing.T) {
	r := NewRecorder(nil, testLogger())
	r.Record(Entry{Caller: "10.0.0.1", Action: "CREATE", Resource: "detection"})
	r.Close()
}
