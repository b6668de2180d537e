package flow

import (
	"errors"
	"testing"
)

func testFlow() Flow {
	return Flow{
		ID:   "flow-1",
		Name: "ingest",
		Nodes: []Node{
			{ID: "t1", NodeType: NodeTrigger, Kind: "cron", Label: "Every hour"},
			{ID: "s1", NodeType: NodeSource, Kind: "rss", Label: "Feed"},
			{ID: "e1", NodeType: NodeExecutor, Kind: "agent", Label: "E01"},
			{ID: "k1", NodeType: NodeSink, Kind: "webhook", Label: "Notify"},
		},
		Edges: []Edge{
			{ID: "ed1", Source: "t1", Target: "s1"},
			{ID: "ed2", Source: "s1", Target: "e1"},
			{ID: "ed3", Source: "e1", Target: "k1"},
		},
	}
}

func TestValidateAcceptsWellFormedFlow(t *testing.T) {
	f := testFlow()
	if err := Validate(&f); err != nil {
		t.Fatalf("expected valid flow, got %v", err)
	}
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	f := testFlow()
	f.Edges = append(f.Edges, Edge{ID: "ed4", Source: "t1", Target: "ghost"})
	err := Validate(&f)
	if !errors.Is(err, ErrDanglingEdge) {
		t.Fatalf("expected ErrDanglingEdge, got %v", err)
	}
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	f := testFlow()
	f.Nodes = append(f.Nodes, Node{ID: "t1", NodeType: NodeSink, Kind: "webhook"})
	err := Validate(&f)
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestAdjacencyTable(t *testing.T) {
	allowed := []struct{ src, dst NodeType }{
		{NodeTrigger, NodeSource},
		{NodeTrigger, NodeExecutor},
		{NodeSource, NodeExecutor},
		{NodeExecutor, NodeSink},
	}
	for _, pair := range allowed {
		if !CanConnect(pair.src, pair.dst) {
			t.Fatalf("expected %s -> %s to be allowed", pair.src, pair.dst)
		}
	}

	types := []NodeType{NodeTrigger, NodeSource, NodeFilter, NodeExecutor, NodeSink}
	allowedSet := map[[2]NodeType]bool{}
	for _, pair := range allowed {
		allowedSet[[2]NodeType{pair.src, pair.dst}] = true
	}
	for _, src := range types {
		for _, dst := range types {
			if allowedSet[[2]NodeType{src, dst}] {
				continue
			}
			if CanConnect(src, dst) {
				t.Fatalf("expected %s -> %s to be rejected", src, dst)
			}
		}
	}
}

func TestValidateRejectsAdjacencyBreach(t *testing.T) {
	f := testFlow()
	f.Edges = append(f.Edges, Edge{ID: "ed4", Source: "k1", Target: "t1"})
	err := Validate(&f)
	if !errors.Is(err, ErrInvalidConnection) {
		t.Fatalf("expected ErrInvalidConnection, got %v", err)
	}
}

func TestExecutorNameDerivedFromNodeSet(t *testing.T) {
	f := testFlow()
	if got := ExecutorName(f.Nodes); got != "E02" {
		t.Fatalf("expected E02 with one executor present, got %s", got)
	}

	// Numbering follows the live count, so removing the executor resets it.
	var without []Node
	for _, n := range f.Nodes {
		if n.NodeType != NodeExecutor {
			without = append(without, n)
		}
	}
	if got := ExecutorName(without); got != "E01" {
		t.Fatalf("expected E01 after deletion, got %s", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := testFlow()
	f.Nodes[0].Config = map[string]any{"schedule": "0 * * * *"}

	c := f.Clone()
	c.Nodes[0].Config["schedule"] = "changed"
	c.Nodes[1].Label = "changed"
	c.Edges[0].Target = "changed"

	if f.Nodes[0].Config["schedule"] != "0 * * * *" {
		t.Fatalf("clone shares config map with original")
	}
	if f.Nodes[1].Label == "changed" || f.Edges[0].Target == "changed" {
		t.Fatalf("clone shares slices with original")
	}
}
