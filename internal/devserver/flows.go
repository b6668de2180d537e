package devserver

import (
	"sync"

	"github.com/flowdeck/flowdeck/internal/flow"
)

// flowStore is the devserver's in-memory flow table. Saves bump the version
// the way the real server does.
type flowStore struct {
	mu    sync.Mutex
	flows map[string]flow.Flow
}

func newFlowStore() *flowStore {
	return &flowStore{flows: map[string]flow.Flow{}}
}

func (s *flowStore) put(f flow.Flow) flow.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.flows[f.ID]; ok {
		f.Version = existing.Version + 1
	} else {
		f.Version = 1
	}
	s.flows[f.ID] = f.Clone()
	return f
}

func (s *flowStore) get(id string) (flow.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return flow.Flow{}, false
	}
	return f.Clone(), true
}

func (s *flowStore) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return false
	}
	delete(s.flows, id)
	return true
}
