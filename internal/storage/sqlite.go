package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// SQLiteStore is a single-node Store backed by an embedded SQLite file.
// Each record is kept as its JSON document next to the columns needed for
// filtering and ordering, which keeps the round trip lossless.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS consensus_results (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	started_at      INTEGER NOT NULL,
	document        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consensus_conversation
	ON consensus_results (conversation_id, started_at);

CREATE TABLE IF NOT EXISTS manual_interventions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	triggered_at    INTEGER NOT NULL,
	document        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interventions_status
	ON manual_interventions (status, triggered_at);
CREATE INDEX IF NOT EXISTS idx_interventions_conversation
	ON manual_interventions (conversation_id, triggered_at);
`

// OpenSQLite opens (creating if needed) the database file at path and
// ensures the schema exists. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: sqlite %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) StoreConsensus(ctx context.Context, c model.ConsensusResult) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: encode consensus %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consensus_results (id, conversation_id, status, started_at, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			status = excluded.status,
			started_at = excluded.started_at,
			document = excluded.document`,
		c.ID, c.ConversationID, string(c.Status), c.StartedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("storage: upsert consensus %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConsensus(ctx context.Context, id string) (model.ConsensusResult, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM consensus_results WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConsensusResult{}, fmt.Errorf("storage: consensus %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ConsensusResult{}, fmt.Errorf("storage: get consensus %s: %w", id, err)
	}
	var c model.ConsensusResult
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return model.ConsensusResult{}, fmt.Errorf("storage: decode consensus %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConsensusByConversation(ctx context.Context, conversationID string) ([]model.ConsensusResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM consensus_results
		WHERE conversation_id = ?
		ORDER BY started_at DESC, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list consensus: %w", err)
	}
	return scanDocuments[model.ConsensusResult](rows)
}

func (s *SQLiteStore) StoreManualIntervention(ctx context.Context, m model.ManualIntervention) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: encode intervention %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manual_interventions (id, conversation_id, status, triggered_at, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			status = excluded.status,
			triggered_at = excluded.triggered_at,
			document = excluded.document`,
		m.ID, m.ConversationID, string(m.Status), m.TriggeredAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("storage: upsert intervention %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetManualIntervention(ctx context.Context, id string) (model.ManualIntervention, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM manual_interventions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ManualIntervention{}, fmt.Errorf("storage: intervention %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ManualIntervention{}, fmt.Errorf("storage: get intervention %s: %w", id, err)
	}
	var m model.ManualIntervention
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return model.ManualIntervention{}, fmt.Errorf("storage: decode intervention %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) GetPendingInterventions(ctx context.Context, limit int) ([]model.ManualIntervention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM manual_interventions
		WHERE status = ?
		ORDER BY triggered_at ASC, id
		LIMIT ?`, string(model.InterventionPending), pendingLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: pending interventions: %w", err)
	}
	return scanDocuments[model.ManualIntervention](rows)
}

func (s *SQLiteStore) GetInterventionsByConversation(ctx context.Context, conversationID string, status model.InterventionStatus) ([]model.ManualIntervention, error) {
	query := `SELECT document FROM manual_interventions WHERE conversation_id = ?`
	args := []any{conversationID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY triggered_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: interventions by conversation: %w", err)
	}
	return scanDocuments[model.ManualIntervention](rows)
}

func scanDocuments[T any](rows *sql.Rows) ([]T, error) {
	defer func() { _ = rows.Close() }()
	out := []T{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("storage: decode document: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate documents: %w", err)
	}
	return out, nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLiteStore) Close(context.Context) {
	if err := s.db.Close(); err != nil && s.logger != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}
