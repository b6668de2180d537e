package flowstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/flow"
)

func testFlow() flow.Flow {
	return flow.Flow{
		ID:   "flow-1",
		Name: "ingest",
		Nodes: []flow.Node{
			{ID: "t1", NodeType: flow.NodeTrigger, Kind: "cron"},
			{ID: "e1", NodeType: flow.NodeExecutor, Kind: "agent", Label: "E01"},
		},
		Edges: []flow.Edge{
			{ID: "ed1", Source: "t1", Target: "e1"},
		},
	}
}

func TestApplyEmitsMonotonicSignals(t *testing.T) {
	s := New(testFlow(), nil, nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	origins := []Origin{OriginCanvas, OriginEditor, OriginServer, OriginCanvas}
	for i, origin := range origins {
		label := string(rune('a' + i))
		if _, err := s.Apply(func(f *flow.Flow) { f.Name = label }, origin); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	var last uint64
	for i, origin := range origins {
		sig := <-ch
		if sig.Counter <= last {
			t.Fatalf("signal %d: counter %d not greater than %d", i, sig.Counter, last)
		}
		if sig.Source != origin {
			t.Fatalf("signal %d: source %s, want %s", i, sig.Source, origin)
		}
		last = sig.Counter
	}
}

func TestApplyRejectsInvalidPatchWithoutSignal(t *testing.T) {
	s := New(testFlow(), nil, nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	before := s.Get()
	_, err := s.Apply(func(f *flow.Flow) {
		f.Edges = append(f.Edges, flow.Edge{ID: "bad", Source: "e1", Target: "t1"})
	}, OriginCanvas)
	if err == nil {
		t.Fatalf("expected adjacency violation to be rejected")
	}

	select {
	case sig := <-ch:
		t.Fatalf("unexpected signal %+v for rejected patch", sig)
	default:
	}

	after := s.Get()
	if len(after.Edges) != len(before.Edges) {
		t.Fatalf("canonical state mutated by rejected patch")
	}
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	s := New(testFlow(), nil, nil)
	a := s.Get()
	a.Nodes[0].Label = "mutated"
	if s.Get().Nodes[0].Label == "mutated" {
		t.Fatalf("Get leaked a shared reference to canonical state")
	}
}

type recordingRemote struct {
	mu    sync.Mutex
	saves []flow.Flow
}

func (r *recordingRemote) SaveFlow(_ context.Context, f flow.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, f)
	return nil
}

func (r *recordingRemote) snapshot() []flow.Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flow.Flow(nil), r.saves...)
}

func TestDebouncedSaveCollapsesBurst(t *testing.T) {
	remote := &recordingRemote{}
	saver := NewSaver(remote, 40*time.Millisecond, nil)
	s := New(testFlow(), saver, nil)

	// Three edits inside one debounce window.
	for _, name := range []string{"one", "two", "three"} {
		if _, err := s.Apply(func(f *flow.Flow) { f.Name = name }, OriginCanvas); err != nil {
			t.Fatalf("apply: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), time.Second)
	defer cancelCtx()
	if err := saver.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	saves := remote.snapshot()
	if len(saves) != 1 {
		t.Fatalf("expected exactly 1 persistence write, got %d", len(saves))
	}
	if saves[0].Name != "three" {
		t.Fatalf("expected final state %q persisted, got %q", "three", saves[0].Name)
	}
}

func TestInitReplaceDoesNotPersist(t *testing.T) {
	remote := &recordingRemote{}
	saver := NewSaver(remote, 10*time.Millisecond, nil)
	s := New(testFlow(), saver, nil)

	next := testFlow()
	next.ID = "flow-2"
	s.Replace(next)

	time.Sleep(50 * time.Millisecond)
	if n := len(remote.snapshot()); n != 0 {
		t.Fatalf("Replace scheduled %d persistence writes, want 0", n)
	}
}

func TestSaverSerializesInflightWrites(t *testing.T) {
	block := make(chan struct{})
	remote := &blockingRemote{release: block}
	saver := NewSaver(remote, time.Millisecond, nil)

	f := testFlow()
	f.Name = "first"
	saver.Schedule(f)
	time.Sleep(20 * time.Millisecond) // first write is now in flight and blocked

	f.Name = "second"
	saver.Schedule(f)
	f.Name = "third"
	saver.Schedule(f)
	time.Sleep(20 * time.Millisecond)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := saver.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	names := remote.names()
	if len(names) != 2 {
		t.Fatalf("expected 2 writes (in-flight + collapsed newest), got %d: %v", len(names), names)
	}
	if names[0] != "first" || names[1] != "third" {
		t.Fatalf("unexpected write order %v", names)
	}
}

type blockingRemote struct {
	mu      sync.Mutex
	saved   []string
	release chan struct{}
	first   sync.Once
}

func (r *blockingRemote) SaveFlow(_ context.Context, f flow.Flow) error {
	var block bool
	r.first.Do(func() { block = true })
	if block {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, f.Name)
	return nil
}

func (r *blockingRemote) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saved...)
}

// The adapters call Get on every signal, so a delivery that blocks on a full
// subscriber buffer must not hold the state lock: a subscriber parked in Get
// and an Apply parked on the send would otherwise wait on each other forever.
func TestBurstDeliveryDoesNotDeadlockSubscriberReadback(t *testing.T) {
	s := New(testFlow(), nil, nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	total := subscriberBuffer + 2
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ch
		// Re-enter the store before draining the rest of the burst, while
		// Apply is blocked on this subscriber's full buffer.
		time.Sleep(20 * time.Millisecond)
		_ = s.Get()
		for i := 1; i < total; i++ {
			<-ch
		}
	}()

	applied := make(chan struct{})
	go func() {
		defer close(applied)
		for i := 0; i < total; i++ {
			if _, err := s.Apply(func(f *flow.Flow) { f.Description = "d" }, OriginCanvas); err != nil {
				t.Errorf("apply %d: %v", i, err)
				return
			}
		}
	}()

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("Apply burst deadlocked against a subscriber calling Get")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never drained the burst")
	}
}

type gatedRemote struct {
	mu      sync.Mutex
	saved   []string
	started chan struct{} // closed when the first write enters
	release chan struct{}
	first   sync.Once
}

func (r *gatedRemote) SaveFlow(_ context.Context, f flow.Flow) error {
	var gate bool
	r.first.Do(func() { gate = true })
	if gate {
		close(r.started)
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, f.Name)
	return nil
}

func (r *gatedRemote) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saved...)
}

// A Schedule during an in-flight write arms a fresh debounce timer; the
// landing relaunch then consumes the pending state before that timer fires.
// The timer must still settle the idle channel, or a later Flush on the
// fully quiescent saver hangs until its context expires.
func TestFlushReturnsAfterScheduleDuringFlight(t *testing.T) {
	remote := &gatedRemote{started: make(chan struct{}), release: make(chan struct{})}
	saver := NewSaver(remote, 100*time.Millisecond, nil)

	f := testFlow()
	f.Name = "first"
	saver.Schedule(f)

	select {
	case <-remote.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first write never launched")
	}

	// Mid-flight reschedule: arms a new timer that outlives the flight.
	f.Name = "second"
	saver.Schedule(f)

	close(remote.release)
	time.Sleep(250 * time.Millisecond) // both writes land, rescheduled timer fires

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := saver.Flush(ctx); err != nil {
		t.Fatalf("Flush hung on a quiescent saver: %v", err)
	}

	names := remote.names()
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Fatalf("unexpected write sequence %v", names)
	}
}
