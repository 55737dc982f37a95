package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

const interventionColumns = `id, conversation_id, consensus_id, trigger_reason, intervention_type,
	original_decision, human_decision, human_rationale, intervener_id, intervener_role,
	status, triggered_at, resolved_at, affected_roles, override_data, metadata`

// StoreManualIntervention upserts m. Audit entries are append-only: entries
// already stored are kept as they are and only new trailing entries are
// inserted.
func (db *DB) StoreManualIntervention(ctx context.Context, m model.ManualIntervention) error {
	return WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		return db.storeIntervention(ctx, m)
	})
}

func (db *DB) storeIntervention(ctx context.Context, m model.ManualIntervention) error {
	affected, err := marshalList(m.AffectedRoles)
	if err != nil {
		return err
	}
	override, err := marshalObject(m.OverrideData)
	if err != nil {
		return err
	}
	metadata, err := marshalObject(m.Metadata)
	if err != nil {
		return err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin store intervention tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO manual_interventions (`+interventionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id = EXCLUDED.conversation_id,
			consensus_id = EXCLUDED.consensus_id,
			trigger_reason = EXCLUDED.trigger_reason,
			intervention_type = EXCLUDED.intervention_type,
			original_decision = EXCLUDED.original_decision,
			human_decision = EXCLUDED.human_decision,
			human_rationale = EXCLUDED.human_rationale,
			intervener_id = EXCLUDED.intervener_id,
			intervener_role = EXCLUDED.intervener_role,
			status = EXCLUDED.status,
			triggered_at = EXCLUDED.triggered_at,
			resolved_at = EXCLUDED.resolved_at,
			affected_roles = EXCLUDED.affected_roles,
			override_data = EXCLUDED.override_data,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		m.ID, m.ConversationID, m.ConsensusID, string(m.TriggerReason), string(m.InterventionType),
		m.OriginalDecision, m.HumanDecision, m.HumanRationale, m.IntervenerID, m.IntervenerRole,
		string(m.Status), m.TriggeredAt, m.ResolvedAt, affected, override, metadata,
	); err != nil {
		return fmt.Errorf("storage: upsert intervention %s: %w", m.ID, err)
	}

	for i, e := range m.AuditTrail {
		if _, err := tx.Exec(ctx, `
			INSERT INTO intervention_audit (intervention_id, seq, at, action, details, actor)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (intervention_id, seq) DO NOTHING`,
			m.ID, i, e.Timestamp, e.Action, e.Details, e.Actor,
		); err != nil {
			return fmt.Errorf("storage: append audit for %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit intervention %s: %w", m.ID, err)
	}
	return nil
}

// GetManualIntervention loads an intervention with its audit trail.
func (db *DB) GetManualIntervention(ctx context.Context, id string) (model.ManualIntervention, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+interventionColumns+` FROM manual_interventions WHERE id = $1`, id)
	m, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ManualIntervention{}, fmt.Errorf("storage: intervention %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ManualIntervention{}, fmt.Errorf("storage: get intervention %s: %w", id, err)
	}
	out := []model.ManualIntervention{m}
	if err := db.attachAudit(ctx, out); err != nil {
		return model.ManualIntervention{}, err
	}
	return out[0], nil
}

// GetPendingInterventions returns pending interventions, oldest first.
func (db *DB) GetPendingInterventions(ctx context.Context, limit int) ([]model.ManualIntervention, error) {
	return db.queryInterventions(ctx, `SELECT `+interventionColumns+`
		FROM manual_interventions WHERE status = 'pending'
		ORDER BY triggered_at ASC, id LIMIT $1`, pendingLimit(limit))
}

// GetInterventionsByConversation returns the conversation's interventions,
// newest first, optionally filtered by status.
func (db *DB) GetInterventionsByConversation(ctx context.Context, conversationID string, status model.InterventionStatus) ([]model.ManualIntervention, error) {
	if status == "" {
		return db.queryInterventions(ctx, `SELECT `+interventionColumns+`
			FROM manual_interventions WHERE conversation_id = $1
			ORDER BY triggered_at DESC, id`, conversationID)
	}
	return db.queryInterventions(ctx, `SELECT `+interventionColumns+`
		FROM manual_interventions WHERE conversation_id = $1 AND status = $2
		ORDER BY triggered_at DESC, id`, conversationID, string(status))
}

func (db *DB) queryInterventions(ctx context.Context, query string, args ...any) ([]model.ManualIntervention, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query interventions: %w", err)
	}
	defer rows.Close()

	out := []model.ManualIntervention{}
	for rows.Next() {
		m, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan intervention: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query interventions: %w", err)
	}
	if err := db.attachAudit(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) attachAudit(ctx context.Context, items []model.ManualIntervention) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	index := make(map[string]int, len(items))
	for i, m := range items {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := db.pool.Query(ctx, `
		SELECT intervention_id, at, action, details, actor
		FROM intervention_audit WHERE intervention_id = ANY($1)
		ORDER BY intervention_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("storage: query audit: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			e  model.AuditEntry
		)
		if err := rows.Scan(&id, &e.Timestamp, &e.Action, &e.Details, &e.Actor); err != nil {
			return fmt.Errorf("storage: scan audit: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		i := index[id]
		items[i].AuditTrail = append(items[i].AuditTrail, e)
	}
	return rows.Err()
}

func scanIntervention(row pgx.Row) (model.ManualIntervention, error) {
	var (
		m                            model.ManualIntervention
		affected, override, metadata []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.ConsensusID, &m.TriggerReason, &m.InterventionType,
		&m.OriginalDecision, &m.HumanDecision, &m.HumanRationale, &m.IntervenerID, &m.IntervenerRole,
		&m.Status, &m.TriggeredAt, &m.ResolvedAt, &affected, &override, &metadata); err != nil {
		return model.ManualIntervention{}, err
	}
	var err error
	if m.AffectedRoles, err = unmarshalList(affected); err != nil {
		return model.ManualIntervention{}, err
	}
	if m.OverrideData, err = unmarshalObject(override); err != nil {
		return model.ManualIntervention{}, err
	}
	if m.Metadata, err = unmarshalObject(metadata); err != nil {
		return model.ManualIntervention{}, err
	}
	m.TriggeredAt = m.TriggeredAt.UTC()
	m.ResolvedAt = utcPtr(m.ResolvedAt)
	m.AuditTrail = []model.AuditEntry{}
	return m, nil
}
