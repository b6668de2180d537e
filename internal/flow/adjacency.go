package flow

import "fmt"

// adjacency lists the permitted source→target node-type pairs. Anything not
// listed is an invalid connection.
var adjacency = map[NodeType][]NodeType{
	NodeTrigger:  {NodeSource, NodeExecutor},
	NodeSource:   {NodeExecutor},
	NodeExecutor: {NodeSink},
}

// CanConnect reports whether an edge from a node of type src to a node of
// type dst is permitted.
func CanConnect(src, dst NodeType) bool {
	for _, t := range adjacency[src] {
		if t == dst {
			return true
		}
	}
	return false
}

// ExecutorName derives the sequential display name (E01, E02, ...) for the
// next executor given the current node set. It is a pure function of the
// nodes so the numbering stays consistent after deletions; no counter is
// stored anywhere.
func ExecutorName(nodes []Node) string {
	count := 0
	for _, n := range nodes {
		if n.NodeType == NodeExecutor {
			count++
		}
	}
	return fmt.Sprintf("E%02d", count+1)
}
