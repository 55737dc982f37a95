package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

const consensusColumns = `id, conversation_id, status, threshold, achieved_score, decision, rationale,
	dissenting_concerns, required_roles, participating_roles, started_at, completed_at,
	iterations, max_iterations`

// StoreConsensus upserts c and replaces its vote set in one transaction.
func (db *DB) StoreConsensus(ctx context.Context, c model.ConsensusResult) error {
	return WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		return db.storeConsensus(ctx, c)
	})
}

func (db *DB) storeConsensus(ctx context.Context, c model.ConsensusResult) error {
	dissent, err := marshalList(c.DissentingConcerns)
	if err != nil {
		return err
	}
	required, err := marshalList(c.RequiredRoles)
	if err != nil {
		return err
	}
	participating, err := marshalList(c.ParticipatingRoles)
	if err != nil {
		return err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin store consensus tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO consensus_results (`+consensusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id = EXCLUDED.conversation_id,
			status = EXCLUDED.status,
			threshold = EXCLUDED.threshold,
			achieved_score = EXCLUDED.achieved_score,
			decision = EXCLUDED.decision,
			rationale = EXCLUDED.rationale,
			dissenting_concerns = EXCLUDED.dissenting_concerns,
			required_roles = EXCLUDED.required_roles,
			participating_roles = EXCLUDED.participating_roles,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			iterations = EXCLUDED.iterations,
			max_iterations = EXCLUDED.max_iterations,
			updated_at = now()`,
		c.ID, c.ConversationID, string(c.Status), c.Threshold, c.AchievedScore, c.Decision, c.Rationale,
		dissent, required, participating, c.StartedAt, c.CompletedAt,
		c.Iterations, c.MaxIterations,
	); err != nil {
		return fmt.Errorf("storage: upsert consensus %s: %w", c.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM role_votes WHERE consensus_id = $1`, c.ID); err != nil {
		return fmt.Errorf("storage: clear votes for %s: %w", c.ID, err)
	}

	if len(c.Votes) > 0 {
		columns := []string{"id", "consensus_id", "ordinal", "role_name", "participant_id", "position",
			"confidence", "weight", "rationale", "concerns", "suggestions", "created_at"}
		rows := make([][]any, len(c.Votes))
		for i, v := range c.Votes {
			concerns, err := marshalList(v.Concerns)
			if err != nil {
				return err
			}
			suggestions, err := marshalList(v.Suggestions)
			if err != nil {
				return err
			}
			rows[i] = []any{
				v.ID, c.ID, i, v.RoleName, v.ParticipantID, string(v.Position),
				v.Confidence, v.Weight, v.Rationale, concerns, suggestions, v.CreatedAt,
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"role_votes"}, columns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("storage: copy votes for %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit consensus %s: %w", c.ID, err)
	}
	return nil
}

// GetConsensus loads a consensus process with its votes.
func (db *DB) GetConsensus(ctx context.Context, id string) (model.ConsensusResult, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+consensusColumns+` FROM consensus_results WHERE id = $1`, id)
	c, err := scanConsensus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ConsensusResult{}, fmt.Errorf("storage: consensus %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ConsensusResult{}, fmt.Errorf("storage: get consensus %s: %w", id, err)
	}
	votes, err := db.votesFor(ctx, []string{id})
	if err != nil {
		return model.ConsensusResult{}, err
	}
	c.Votes = votes[id]
	if c.Votes == nil {
		c.Votes = []model.RoleVote{}
	}
	return c, nil
}

// ListConsensusByConversation returns the conversation's processes, newest first.
func (db *DB) ListConsensusByConversation(ctx context.Context, conversationID string) ([]model.ConsensusResult, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+consensusColumns+`
		FROM consensus_results WHERE conversation_id = $1
		ORDER BY started_at DESC, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list consensus: %w", err)
	}
	defer rows.Close()

	out := []model.ConsensusResult{}
	var ids []string
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan consensus: %w", err)
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list consensus: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	votes, err := db.votesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Votes = votes[out[i].ID]
		if out[i].Votes == nil {
			out[i].Votes = []model.RoleVote{}
		}
	}
	return out, nil
}

func (db *DB) votesFor(ctx context.Context, consensusIDs []string) (map[string][]model.RoleVote, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT consensus_id, id, role_name, participant_id, position, confidence, weight,
		       rationale, concerns, suggestions, created_at
		FROM role_votes WHERE consensus_id = ANY($1)
		ORDER BY consensus_id, ordinal`, consensusIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: query votes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.RoleVote, len(consensusIDs))
	for rows.Next() {
		var (
			consensusID           string
			v                     model.RoleVote
			concerns, suggestions []byte
		)
		if err := rows.Scan(&consensusID, &v.ID, &v.RoleName, &v.ParticipantID, &v.Position,
			&v.Confidence, &v.Weight, &v.Rationale, &concerns, &suggestions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan vote: %w", err)
		}
		if v.Concerns, err = unmarshalList(concerns); err != nil {
			return nil, err
		}
		if v.Suggestions, err = unmarshalList(suggestions); err != nil {
			return nil, err
		}
		v.CreatedAt = v.CreatedAt.UTC()
		out[consensusID] = append(out[consensusID], v)
	}
	return out, rows.Err()
}

func scanConsensus(row pgx.Row) (model.ConsensusResult, error) {
	var (
		c                               model.ConsensusResult
		dissent, required, participating []byte
	)
	if err := row.Scan(&c.ID, &c.ConversationID, &c.Status, &c.Threshold, &c.AchievedScore,
		&c.Decision, &c.Rationale, &dissent, &required, &participating,
		&c.StartedAt, &c.CompletedAt, &c.Iterations, &c.MaxIterations); err != nil {
		return model.ConsensusResult{}, err
	}
	var err error
	if c.DissentingConcerns, err = unmarshalList(dissent); err != nil {
		return model.ConsensusResult{}, err
	}
	if c.RequiredRoles, err = unmarshalList(required); err != nil {
		return model.ConsensusResult{}, err
	}
	if c.ParticipatingRoles, err = unmarshalList(participating); err != nil {
		return model.ConsensusResult{}, err
	}
	c.StartedAt = c.StartedAt.UTC()
	c.CompletedAt = utcPtr(c.CompletedAt)
	return c, nil
}
