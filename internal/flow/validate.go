package flow

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors for programmatic checks via errors.Is().
var (
	// ErrDanglingEdge indicates an edge referencing an unknown node id.
	ErrDanglingEdge = errors.New("dangling edge")

	// ErrInvalidConnection indicates an edge violating the adjacency table.
	ErrInvalidConnection = errors.New("invalid connection")

	// ErrDuplicateNode indicates two nodes sharing an id.
	ErrDuplicateNode = errors.New("duplicate node id")
)

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a Flow for field-level and structural violations: required
// fields, duplicate node ids, dangling edges, and adjacency-table breaches.
// The first violation found is returned; a valid Flow returns nil.
func Validate(f *Flow) error {
	if err := structValidate.Struct(f); err != nil {
		return fmt.Errorf("flow fields: %w", err)
	}

	byID := make(map[string]NodeType, len(f.Nodes))
	for _, n := range f.Nodes {
		if _, ok := byID[n.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
		}
		byID[n.ID] = n.NodeType
	}

	for _, e := range f.Edges {
		src, ok := byID[e.Source]
		if !ok {
			return fmt.Errorf("%w: %s references unknown node %q", ErrDanglingEdge, e.ID, e.Source)
		}
		dst, ok := byID[e.Target]
		if !ok {
			return fmt.Errorf("%w: %s references unknown node %q", ErrDanglingEdge, e.ID, e.Target)
		}
		if !CanConnect(src, dst) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidConnection, src, dst)
		}
	}
	return nil
}
