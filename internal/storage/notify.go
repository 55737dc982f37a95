package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// ChannelInterventions carries intervention lifecycle events.
const ChannelInterventions = "storyteller_interventions"

// InterventionEvent is the NOTIFY payload for ChannelInterventions. It stays
// small because Postgres caps payloads at 8000 bytes; listeners load the full
// record by id.
type InterventionEvent struct {
	Event          string                   `json:"event"`
	InterventionID string                   `json:"intervention_id"`
	ConsensusID    string                   `json:"consensus_id"`
	ConversationID string                   `json:"conversation_id"`
	Status         model.InterventionStatus `json:"status"`
	TriggerReason  model.TriggerReason      `json:"trigger_reason"`
}

// NewInterventionEvent summarizes m for a notification.
func NewInterventionEvent(event string, m model.ManualIntervention) InterventionEvent {
	return InterventionEvent{
		Event:          event,
		InterventionID: m.ID,
		ConsensusID:    m.ConsensusID,
		ConversationID: m.ConversationID,
		Status:         m.Status,
		TriggerReason:  m.TriggerReason,
	}
}

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// NotifyIntervention publishes an intervention event on ChannelInterventions
// so every replica's subscribers hear about it.
func (db *DB) NotifyIntervention(ctx context.Context, event string, m model.ManualIntervention) error {
	payload, err := json.Marshal(NewInterventionEvent(event, m))
	if err != nil {
		return fmt.Errorf("storage: encode intervention event: %w", err)
	}
	return db.Notify(ctx, ChannelInterventions, string(payload))
}
