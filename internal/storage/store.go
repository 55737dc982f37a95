package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// DefaultPendingLimit caps GetPendingInterventions when no limit is given.
const DefaultPendingLimit = 50

// Store persists consensus processes and manual interventions. All writes
// are upserts by id. Implementations: MemoryStore, SQLiteStore, and DB
// (Postgres).
type Store interface {
	StoreConsensus(ctx context.Context, c model.ConsensusResult) error
	// GetConsensus returns ErrNotFound for unknown ids.
	GetConsensus(ctx context.Context, id string) (model.ConsensusResult, error)
	// ListConsensusByConversation returns newest first.
	ListConsensusByConversation(ctx context.Context, conversationID string) ([]model.ConsensusResult, error)

	StoreManualIntervention(ctx context.Context, m model.ManualIntervention) error
	// GetManualIntervention returns ErrNotFound for unknown ids.
	GetManualIntervention(ctx context.Context, id string) (model.ManualIntervention, error)
	// GetPendingInterventions returns pending interventions, oldest first.
	GetPendingInterventions(ctx context.Context, limit int) ([]model.ManualIntervention, error)
	// GetInterventionsByConversation returns newest first. An empty status
	// matches every status.
	GetInterventionsByConversation(ctx context.Context, conversationID string, status model.InterventionStatus) ([]model.ManualIntervention, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// Backend names accepted by configuration.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// marshalList encodes a string list as a JSON array, never "null".
func marshalList(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}

// unmarshalList decodes a JSON array into a non-nil slice.
func unmarshalList(b []byte) ([]string, error) {
	out := []string{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("storage: decode list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// marshalObject encodes a free-form map, never "null".
func marshalObject(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalObject(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("storage: decode object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func pendingLimit(limit int) int {
	if limit <= 0 {
		return DefaultPendingLimit
	}
	return limit
}
