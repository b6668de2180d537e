package canvas

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/flow"
	"github.com/flowdeck/flowdeck/internal/flowstore"
)

func testFlow() flow.Flow {
	return flow.Flow{
		ID:   "flow-1",
		Name: "ingest",
		Nodes: []flow.Node{
			{ID: "t1", NodeType: flow.NodeTrigger, Kind: "cron", Label: "Hourly"},
			{ID: "s1", NodeType: flow.NodeSource, Kind: "rss", Label: "Feed"},
			{ID: "e1", NodeType: flow.NodeExecutor, Kind: "agent", Label: "E01"},
		},
		Edges: []flow.Edge{
			{ID: "ed1", Source: "t1", Target: "s1"},
			{ID: "ed2", Source: "s1", Target: "e1"},
		},
	}
}

// warnRecorder captures slog warnings so tests can assert on rejection logs.
type warnRecorder struct {
	mu    sync.Mutex
	warns []string
}

func (w *warnRecorder) Enabled(context.Context, slog.Level) bool { return true }
func (w *warnRecorder) Handle(_ context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		w.mu.Lock()
		w.warns = append(w.warns, r.Message)
		w.mu.Unlock()
	}
	return nil
}
func (w *warnRecorder) WithAttrs([]slog.Attr) slog.Handler { return w }
func (w *warnRecorder) WithGroup(string) slog.Handler      { return w }

func (w *warnRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.warns)
}

func newAdapter(t *testing.T) (*Adapter, *flowstore.Store, *warnRecorder) {
	t.Helper()
	rec := &warnRecorder{}
	logger := slog.New(rec)
	store := flowstore.New(testFlow(), nil, logger)
	a, cancel := New(store, logger)
	t.Cleanup(cancel)
	return a, store, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestConnectEnforcesAdjacency(t *testing.T) {
	a, store, rec := newAdapter(t)

	if ok := a.Connect("e1", "t1"); ok {
		t.Fatalf("executor -> trigger connection should be rejected")
	}
	if rec.count() == 0 {
		t.Fatalf("rejected connection should log a warning")
	}
	if got := len(store.Get().Edges); got != 2 {
		t.Fatalf("edge set mutated by rejected connection: %d edges", got)
	}

	if ok := a.Connect("t1", "e1"); !ok {
		t.Fatalf("trigger -> executor connection should be accepted")
	}
	if got := len(store.Get().Edges); got != 3 {
		t.Fatalf("accepted connection missing from canonical state: %d edges", got)
	}
}

func TestMergeFromIsIdempotentAndPreservesLayout(t *testing.T) {
	a, _, _ := newAdapter(t)

	a.SetMeasured("t1", 180, 64)

	f := testFlow()
	f.Nodes[0].Position = flow.Position{X: 100, Y: 50}
	f.Nodes[0].Label = "Renamed"

	a.MergeFrom(f.Nodes, f.Edges)
	first := a.Nodes()
	a.MergeFrom(f.Nodes, f.Edges)
	second := a.Nodes()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("double merge changed the graph:\n%+v\nvs\n%+v", first, second)
	}
	if len(second) != 3 {
		t.Fatalf("merge duplicated nodes: %d", len(second))
	}
	if second[0].Width != 180 || second[0].Height != 64 {
		t.Fatalf("merge destroyed measured layout: %+v", second[0])
	}
	if second[0].Label != "Renamed" || second[0].Position.X != 100 {
		t.Fatalf("merge did not copy data fields: %+v", second[0])
	}
}

func TestMergeFromRemovesMissingNodes(t *testing.T) {
	a, _, _ := newAdapter(t)

	f := testFlow()
	f.Nodes = f.Nodes[:2] // drop e1
	f.Edges = f.Edges[:1]
	a.MergeFrom(f.Nodes, f.Edges)

	nodes := a.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes after merge, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.ID == "e1" {
			t.Fatalf("removed node survived the merge")
		}
	}
}

func TestAddAtNamesExecutorsSequentially(t *testing.T) {
	a, store, _ := newAdapter(t)

	id, err := a.AddAt(flow.NodeExecutor, "agent", "", flow.Position{X: 10, Y: 10})
	if err != nil {
		t.Fatalf("add executor: %v", err)
	}
	fl := store.Get()
	n := fl.Node(id)
	if n == nil || n.Label != "E02" {
		t.Fatalf("expected second executor named E02, got %+v", n)
	}

	// Deleting the first executor renumbers the next addition.
	if err := a.DeleteNode("e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := a.DeleteNode(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	id2, err := a.AddAt(flow.NodeExecutor, "agent", "", flow.Position{})
	if err != nil {
		t.Fatalf("add executor: %v", err)
	}
	fl2 := store.Get()
	if n := fl2.Node(id2); n == nil || n.Label != "E01" {
		t.Fatalf("expected numbering to restart at E01, got %+v", n)
	}
}

func TestUpdateNodeDataKeepsPositionOnLabelOnlyUpdate(t *testing.T) {
	a, store, _ := newAdapter(t)

	moved := flow.Position{X: 320, Y: 140}
	if err := a.UpdateNodeData("s1", flow.Node{Position: moved}); err != nil {
		t.Fatalf("move: %v", err)
	}

	if err := a.UpdateNodeData("s1", flow.Node{Label: "Renamed feed"}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	fl := store.Get()
	n := fl.Node("s1")
	if n == nil || n.Label != "Renamed feed" {
		t.Fatalf("label update lost: %+v", n)
	}
	if n.Position != moved {
		t.Fatalf("label-only update moved the node to %+v", n.Position)
	}
	for _, g := range a.Nodes() {
		if g.ID == "s1" && g.Position != moved {
			t.Fatalf("local projection snapped to %+v", g.Position)
		}
	}
}

func TestDeleteNodeRemovesDanglingEdges(t *testing.T) {
	a, store, _ := newAdapter(t)

	if err := a.DeleteNode("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f := store.Get()
	for _, e := range f.Edges {
		if e.Source == "s1" || e.Target == "s1" {
			t.Fatalf("dangling edge %s survived node deletion", e.ID)
		}
	}
	if len(f.Edges) != 0 {
		t.Fatalf("expected all edges removed, got %d", len(f.Edges))
	}
}

func TestServerOriginSignalReprojectsWithoutEcho(t *testing.T) {
	a, store, _ := newAdapter(t)
	a.SetMeasured("t1", 200, 80)

	// A server-origin change must reach the canvas...
	_, err := store.Apply(func(f *flow.Flow) {
		f.Node("t1").Label = "From server"
	}, flowstore.OriginServer)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	waitFor(t, func() bool {
		for _, n := range a.Nodes() {
			if n.ID == "t1" && n.Label == "From server" {
				return true
			}
		}
		return false
	})

	// ...while preserving the measured layout through the merge.
	for _, n := range a.Nodes() {
		if n.ID == "t1" && (n.Width != 200 || n.Height != 80) {
			t.Fatalf("server merge destroyed measured layout: %+v", n)
		}
	}

	// A canvas-origin edit echoes back a signal, which the adapter skips:
	// the local projection it already updated must not be rebuilt (the seed
	// marker below would be lost by a wholesale reprojection).
	if _, err := a.AddAt(flow.NodeSink, "webhook", "Out", flow.Position{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	a.SetMeasured("t1", 1, 1)
	time.Sleep(20 * time.Millisecond)
	for _, n := range a.Nodes() {
		if n.ID == "t1" && (n.Width != 1 || n.Height != 1) {
			t.Fatalf("own-origin echo reprojected the graph: %+v", n)
		}
	}
}
