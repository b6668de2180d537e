// Package canvas maintains the graphical node/edge projection of a Flow.
// It owns adapter-local layout state (measured node sizes) that must survive
// updates coming from the other views, which is why incoming state is
// spread-merged instead of replacing the graph wholesale.
package canvas

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/flow"
	"github.com/flowdeck/flowdeck/internal/flowstore"
)

// GraphNode is the canvas-side projection of a flow.Node plus layout state
// measured by the renderer. Width/Height are expensive to recompute, so
// MergeFrom never touches them.
type GraphNode struct {
	flow.Node
	Width  float64
	Height float64
}

// Adapter projects the canonical Flow into a mutable graph and pushes local
// edits back through the store tagged origin=canvas.
type Adapter struct {
	store  *flowstore.Store
	logger *slog.Logger

	mu          sync.Mutex
	nodes       map[string]*GraphNode
	order       []string // insertion order, stable across merges
	edges       []flow.Edge
	lastApplied uint64
}

// New creates an Adapter seeded from the store's current Flow and wires it to
// the update signal bus. Call Close to detach.
func New(store *flowstore.Store, logger *slog.Logger) (*Adapter, func()) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		store:  store,
		logger: logger,
		nodes:  make(map[string]*GraphNode),
	}
	a.Seed(store.Get())
	a.setLastApplied(store.Counter())

	ch, cancel := store.Subscribe()
	go func() {
		for sig := range ch {
			a.onSignal(sig)
		}
	}()
	return a, cancel
}

// onSignal applies a non-canvas-origin signal by re-projecting canonical
// state into the graph. Own-origin signals are echoes of local edits and are
// skipped even though their counter advanced.
func (a *Adapter) onSignal(sig flowstore.UpdateSignal) {
	a.mu.Lock()
	if sig.Counter <= a.lastApplied {
		a.mu.Unlock()
		return
	}
	a.lastApplied = sig.Counter
	own := sig.Source == flowstore.OriginCanvas
	a.mu.Unlock()
	if own {
		return
	}

	f := a.store.Get()
	if sig.Source == flowstore.OriginInit {
		a.Seed(f)
		return
	}
	a.MergeFrom(f.Nodes, f.Edges)
}

// Seed replaces the graph wholesale. Only used when switching to a different
// Flow identity; within one Flow, MergeFrom preserves layout state.
func (a *Adapter) Seed(f flow.Flow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes = make(map[string]*GraphNode, len(f.Nodes))
	a.order = a.order[:0]
	for _, n := range f.Nodes {
		a.nodes[n.ID] = &GraphNode{Node: n}
		a.order = append(a.order, n.ID)
	}
	a.edges = append([]flow.Edge(nil), f.Edges...)
}

// MergeFrom folds incoming canonical nodes/edges into the graph. For a node
// that already exists, only position, label, kind, and config are copied;
// measured layout fields keep their values. Nodes absent from the incoming
// set are removed, new ones appended. Applying the same input twice leaves
// the graph observably unchanged.
func (a *Adapter) MergeFrom(nodes []flow.Node, edges []flow.Edge) {
	a.mu.Lock()
	defer a.mu.Unlock()

	incoming := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		incoming[n.ID] = true
		if existing, ok := a.nodes[n.ID]; ok {
			existing.Position = n.Position
			existing.Label = n.Label
			existing.Kind = n.Kind
			existing.Config = n.Config
			existing.NodeType = n.NodeType
			continue
		}
		a.nodes[n.ID] = &GraphNode{Node: n}
		a.order = append(a.order, n.ID)
	}

	kept := a.order[:0]
	for _, id := range a.order {
		if incoming[id] {
			kept = append(kept, id)
		} else {
			delete(a.nodes, id)
		}
	}
	a.order = kept
	a.edges = append(a.edges[:0], edges...)
}

// Connect adds an edge if the node types satisfy the adjacency table.
// Disallowed pairs are rejected with a logged warning and no mutation.
func (a *Adapter) Connect(sourceID, targetID string) bool {
	a.mu.Lock()
	src, okS := a.nodes[sourceID]
	dst, okT := a.nodes[targetID]
	a.mu.Unlock()

	if !okS || !okT {
		a.logger.Warn("connect refers to unknown node", "source", sourceID, "target", targetID)
		return false
	}
	if !flow.CanConnect(src.NodeType, dst.NodeType) {
		a.logger.Warn("connection violates adjacency rules",
			"source_type", src.NodeType, "target_type", dst.NodeType)
		return false
	}

	edge := flow.Edge{ID: uuid.New().String(), Source: sourceID, Target: targetID}
	_, err := a.store.Apply(func(f *flow.Flow) {
		f.Edges = append(f.Edges, edge)
	}, flowstore.OriginCanvas)
	if err != nil {
		a.logger.Warn("connect rejected by store", "error", err)
		return false
	}

	a.mu.Lock()
	a.edges = append(a.edges, edge)
	a.mu.Unlock()
	return true
}

// AddAt creates a node at the given position. Executors get a sequential
// display name derived from the current executor count.
func (a *Adapter) AddAt(nodeType flow.NodeType, kind, label string, pos flow.Position) (string, error) {
	a.mu.Lock()
	if nodeType == flow.NodeExecutor {
		label = flow.ExecutorName(a.flowNodesLocked())
	}
	a.mu.Unlock()

	node := flow.Node{
		ID:       uuid.New().String(),
		NodeType: nodeType,
		Kind:     kind,
		Label:    label,
		Position: pos,
	}
	_, err := a.store.Apply(func(f *flow.Flow) {
		f.Nodes = append(f.Nodes, node)
	}, flowstore.OriginCanvas)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.nodes[node.ID] = &GraphNode{Node: node}
	a.order = append(a.order, node.ID)
	a.mu.Unlock()
	return node.ID, nil
}

// UpdateNodeData merges updates into a node's data fields in place.
// Zero-valued fields are left untouched, so a label-only update does
// not move the node.
func (a *Adapter) UpdateNodeData(id string, updates flow.Node) error {
	_, err := a.store.Apply(func(f *flow.Flow) {
		n := f.Node(id)
		if n == nil {
			return
		}
		if updates.Label != "" {
			n.Label = updates.Label
		}
		if updates.Kind != "" {
			n.Kind = updates.Kind
		}
		if updates.Config != nil {
			n.Config = updates.Config
		}
		if updates.Position != (flow.Position{}) {
			n.Position = updates.Position
		}
	}, flowstore.OriginCanvas)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if local, ok := a.nodes[id]; ok {
		if updates.Label != "" {
			local.Label = updates.Label
		}
		if updates.Kind != "" {
			local.Kind = updates.Kind
		}
		if updates.Config != nil {
			local.Config = updates.Config
		}
		if updates.Position != (flow.Position{}) {
			local.Position = updates.Position
		}
	}
	a.mu.Unlock()
	return nil
}

// DeleteNode removes a node and every edge touching it.
func (a *Adapter) DeleteNode(id string) error {
	_, err := a.store.Apply(func(f *flow.Flow) {
		kept := f.Nodes[:0]
		for _, n := range f.Nodes {
			if n.ID != id {
				kept = append(kept, n)
			}
		}
		f.Nodes = kept

		edges := f.Edges[:0]
		for _, e := range f.Edges {
			if e.Source != id && e.Target != id {
				edges = append(edges, e)
			}
		}
		f.Edges = edges
	}, flowstore.OriginCanvas)
	if err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.nodes, id)
	order := a.order[:0]
	for _, nid := range a.order {
		if nid != id {
			order = append(order, nid)
		}
	}
	a.order = order
	edges := a.edges[:0]
	for _, e := range a.edges {
		if e.Source != id && e.Target != id {
			edges = append(edges, e)
		}
	}
	a.edges = edges
	a.mu.Unlock()
	return nil
}

// SetMeasured records renderer-measured dimensions for a node. This is the
// adapter-local state MergeFrom is careful to preserve.
func (a *Adapter) SetMeasured(id string, width, height float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.nodes[id]; ok {
		n.Width = width
		n.Height = height
	}
}

// Nodes returns the graph nodes in stable order.
func (a *Adapter) Nodes() []GraphNode {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]GraphNode, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.nodes[id])
	}
	return out
}

// Edges returns a copy of the graph's edge set.
func (a *Adapter) Edges() []flow.Edge {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]flow.Edge(nil), a.edges...)
}

func (a *Adapter) flowNodesLocked() []flow.Node {
	out := make([]flow.Node, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.nodes[id].Node)
	}
	return out
}

func (a *Adapter) setLastApplied(counter uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastApplied = counter
}
