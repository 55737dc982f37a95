// Package intervention hands stalled consensus processes to humans and
// records how they were unblocked.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

// ErrPersistence is returned by Trigger when the store rejected the new
// intervention. The intervention is not considered triggered; callers retry
// the whole operation.
var ErrPersistence = errors.New("intervention: persistence failure")

// DefaultIntervenerRole is recorded when a resolver gives no role.
const DefaultIntervenerRole = "project-manager"

// Store is the persistence the workflow needs. GetManualIntervention returns
// an error wrapping storage.ErrNotFound for unknown ids.
type Store interface {
	StoreManualIntervention(ctx context.Context, m model.ManualIntervention) error
	GetManualIntervention(ctx context.Context, id string) (model.ManualIntervention, error)
}

// Notifier is told about every persisted state change. Event is one of the
// model.AuditIntervention* actions. Failures are logged and never fail the
// workflow.
type Notifier interface {
	NotifyIntervention(ctx context.Context, event string, m model.ManualIntervention) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event string, m model.ManualIntervention) error

// NotifyIntervention calls f.
func (f NotifierFunc) NotifyIntervention(ctx context.Context, event string, m model.ManualIntervention) error {
	return f(ctx, event, m)
}

// Workflow drives the trigger, resolve and cancel transitions.
type Workflow struct {
	store     Store
	notifiers []Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorkflow creates a workflow backed by store.
func NewWorkflow(store Store, logger *slog.Logger, notifiers ...Notifier) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: store, notifiers: notifiers, logger: logger, now: model.Now}
}

// AddNotifier registers an additional notifier. Not safe to call while the
// workflow is in use.
func (w *Workflow) AddNotifier(n Notifier) {
	w.notifiers = append(w.notifiers, n)
}

// Trigger escalates c to a human. It snapshots the decision and the
// participating roles, opens the audit trail and persists the record.
// An empty reason defaults to failed_consensus and an empty type to decision.
func (w *Workflow) Trigger(ctx context.Context, c *model.ConsensusResult, conversationID string, reason model.TriggerReason, typ model.InterventionType, metadata map[string]any) (string, error) {
	if reason == "" {
		reason = model.TriggerFailedConsensus
	}
	if typ == "" {
		typ = model.InterventionDecision
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := w.now().UTC()
	m := model.ManualIntervention{
		ID:               model.NewInterventionID(),
		ConversationID:   conversationID,
		ConsensusID:      c.ID,
		TriggerReason:    reason,
		InterventionType: typ,
		OriginalDecision: c.Decision,
		Status:           model.InterventionPending,
		TriggeredAt:      now,
		AffectedRoles:    append([]string{}, c.ParticipatingRoles...),
		OverrideData:     map[string]any{},
		AuditTrail:       []model.AuditEntry{},
		Metadata:         maps.Clone(metadata),
	}
	m.AddAuditEntry(now, model.AuditInterventionTriggered,
		fmt.Sprintf("Manual intervention triggered due to %s", reason), model.ActorSystem)

	if err := w.store.StoreManualIntervention(ctx, m); err != nil {
		w.logger.Error("intervention: store failed",
			"consensus_id", c.ID, "reason", reason, "error", err)
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	w.logger.Info("intervention: triggered",
		"intervention_id", m.ID,
		"consensus_id", c.ID,
		"conversation_id", conversationID,
		"reason", reason,
	)
	w.notify(ctx, model.AuditInterventionTriggered, m)
	return m.ID, nil
}

// Resolve records a human decision on a pending intervention. It returns
// false, without error, when the intervention is unknown or not pending, or
// when persisting the resolution failed; the reason is logged. overrideData
// keys are merged into the existing override data.
func (w *Workflow) Resolve(ctx context.Context, id, humanDecision, humanRationale, intervenerID, intervenerRole string, overrideData map[string]any) bool {
	m, ok := w.loadPending(ctx, id, "resolve")
	if !ok {
		return false
	}
	if intervenerRole == "" {
		intervenerRole = DefaultIntervenerRole
	}

	now := w.now().UTC()
	m.HumanDecision = humanDecision
	m.HumanRationale = humanRationale
	m.IntervenerID = intervenerID
	m.IntervenerRole = intervenerRole
	m.Status = model.InterventionResolved
	m.ResolvedAt = &now
	if len(overrideData) > 0 {
		if m.OverrideData == nil {
			m.OverrideData = map[string]any{}
		}
		maps.Copy(m.OverrideData, overrideData)
	}
	m.AddAuditEntry(now, model.AuditInterventionResolved,
		fmt.Sprintf("Manual intervention resolved with decision: %s", humanDecision),
		intervenerRole+":"+intervenerID)

	if err := w.store.StoreManualIntervention(ctx, m); err != nil {
		w.logger.Error("intervention: failed to persist resolution", "intervention_id", id, "error", err)
		return false
	}
	w.logger.Info("intervention: resolved",
		"intervention_id", id, "intervener", intervenerRole+":"+intervenerID)
	w.notify(ctx, model.AuditInterventionResolved, m)
	return true
}

// Cancel withdraws a pending intervention. Like Resolve it reports failure as
// false plus a log line.
func (w *Workflow) Cancel(ctx context.Context, id, actor, reason string) bool {
	m, ok := w.loadPending(ctx, id, "cancel")
	if !ok {
		return false
	}
	if actor == "" {
		actor = model.ActorSystem
	}
	details := "Manual intervention cancelled"
	if reason != "" {
		details += ": " + reason
	}

	m.Status = model.InterventionCancelled
	m.AddAuditEntry(w.now().UTC(), model.AuditInterventionCancelled, details, actor)

	if err := w.store.StoreManualIntervention(ctx, m); err != nil {
		w.logger.Error("intervention: failed to persist cancellation", "intervention_id", id, "error", err)
		return false
	}
	w.logger.Info("intervention: cancelled", "intervention_id", id, "actor", actor)
	w.notify(ctx, model.AuditInterventionCancelled, m)
	return true
}

func (w *Workflow) loadPending(ctx context.Context, id, op string) (model.ManualIntervention, bool) {
	m, err := w.store.GetManualIntervention(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn("intervention: not found", "op", op, "intervention_id", id)
		return model.ManualIntervention{}, false
	}
	if err != nil {
		w.logger.Error("intervention: load failed", "op", op, "intervention_id", id, "error", err)
		return model.ManualIntervention{}, false
	}
	if m.Status != model.InterventionPending {
		w.logger.Warn("intervention: not pending", "op", op, "intervention_id", id, "status", m.Status)
		return model.ManualIntervention{}, false
	}
	return m, true
}

func (w *Workflow) notify(ctx context.Context, event string, m model.ManualIntervention) {
	for _, n := range w.notifiers {
		if err := n.NotifyIntervention(ctx, event, m); err != nil {
			w.logger.Warn("intervention: notify failed",
				"event", event, "intervention_id", m.ID, "error", err)
		}
	}
}
