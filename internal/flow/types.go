package flow

// NodeType classifies a node's role in the pipeline.
type NodeType string

const (
	NodeTrigger  NodeType = "trigger"
	NodeSource   NodeType = "source"
	NodeFilter   NodeType = "filter"
	NodeExecutor NodeType = "executor"
	NodeSink     NodeType = "sink"
)

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is a single stage of a Flow.
type Node struct {
	ID       string         `json:"id" yaml:"id" validate:"required"`
	NodeType NodeType       `json:"node_type" yaml:"node_type" validate:"required,oneof=trigger source filter executor sink"`
	Kind     string         `json:"kind" yaml:"kind"`
	Label    string         `json:"label" yaml:"label"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position Position       `json:"position" yaml:"position"`
}

// Edge is a directed connection between two nodes of a Flow.
type Edge struct {
	ID     string `json:"id" yaml:"id" validate:"required"`
	Source string `json:"source" yaml:"source" validate:"required"`
	Target string `json:"target" yaml:"target" validate:"required"`
}

// Flow is the persisted pipeline definition. The canonical in-memory copy
// lives in flowstore; adapters hold projections only.
type Flow struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Nodes       []Node `json:"nodes" yaml:"nodes" validate:"dive"`
	Edges       []Edge `json:"edges" yaml:"edges" validate:"dive"`
	Version     int64  `json:"version" yaml:"version"`
}

// Node returns the node with the given id, or nil.
func (f *Flow) Node(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the Flow. Config maps are copied one level
// deep, which covers every config shape the server emits.
func (f *Flow) Clone() Flow {
	out := *f
	out.Nodes = make([]Node, len(f.Nodes))
	for i, n := range f.Nodes {
		cn := n
		if n.Config != nil {
			cn.Config = make(map[string]any, len(n.Config))
			for k, v := range n.Config {
				cn.Config[k] = v
			}
		}
		out.Nodes[i] = cn
	}
	out.Edges = append([]Edge(nil), f.Edges...)
	return out
}
