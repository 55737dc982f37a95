package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// MemoryStore keeps everything in process memory. Records are cloned on the
// way in and out so callers never share slices or maps with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	consensus     map[string]model.ConsensusResult
	interventions map[string]model.ManualIntervention
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consensus:     make(map[string]model.ConsensusResult),
		interventions: make(map[string]model.ManualIntervention),
	}
}

func (s *MemoryStore) StoreConsensus(_ context.Context, c model.ConsensusResult) error {
	if c.ID == "" {
		return fmt.Errorf("storage: store consensus: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensus[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetConsensus(_ context.Context, id string) (model.ConsensusResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consensus[id]
	if !ok {
		return model.ConsensusResult{}, fmt.Errorf("storage: consensus %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListConsensusByConversation(_ context.Context, conversationID string) ([]model.ConsensusResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.ConsensusResult{}
	for _, c := range s.consensus {
		if c.ConversationID == conversationID {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.ConsensusResult) int {
		if n := b.StartedAt.Compare(a.StartedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) StoreManualIntervention(_ context.Context, m model.ManualIntervention) error {
	if m.ID == "" {
		return fmt.Errorf("storage: store intervention: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interventions[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetManualIntervention(_ context.Context, id string) (model.ManualIntervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.interventions[id]
	if !ok {
		return model.ManualIntervention{}, fmt.Errorf("storage: intervention %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetPendingInterventions(_ context.Context, limit int) ([]model.ManualIntervention, error) {
	out := s.filterInterventions(func(m model.ManualIntervention) bool {
		return m.Status == model.InterventionPending
	})
	slices.SortFunc(out, func(a, b model.ManualIntervention) int {
		if n := a.TriggeredAt.Compare(b.TriggeredAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit = pendingLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetInterventionsByConversation(_ context.Context, conversationID string, status model.InterventionStatus) ([]model.ManualIntervention, error) {
	out := s.filterInterventions(func(m model.ManualIntervention) bool {
		return m.ConversationID == conversationID && (status == "" || m.Status == status)
	})
	slices.SortFunc(out, func(a, b model.ManualIntervention) int {
		if n := b.TriggeredAt.Compare(a.TriggeredAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) filterInterventions(keep func(model.ManualIntervention) bool) []model.ManualIntervention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.ManualIntervention{}
	for _, m := range s.interventions {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close(context.Context) {}
