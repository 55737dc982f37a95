package consensus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	engine "github.com/wtfzdotnet/storyteller-sub002/internal/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/intervention"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// Escalate hands a consensus process to a human. With an empty reason the
// reason is derived from the process state, and ErrNoInterventionNeeded is
// returned when the state does not call for one.
func (s *Service) Escalate(ctx context.Context, consensusID string, req model.EscalateRequest) (model.ManualIntervention, error) {
	if req.InterventionType != "" && !req.InterventionType.Valid() {
		return model.ManualIntervention{}, fmt.Errorf("%w: unknown intervention_type %q", engine.ErrInvalidInput, req.InterventionType)
	}
	if len(req.Reason) > model.MaxIDLen {
		return model.ManualIntervention{}, fmt.Errorf("%w: reason exceeds maximum length of %d characters", engine.ErrInvalidInput, model.MaxIDLen)
	}

	unlock := s.locks.Lock(consensusID)
	defer unlock()

	c, err := s.store.GetConsensus(ctx, consensusID)
	if err != nil {
		return model.ManualIntervention{}, fmt.Errorf("consensus: escalate: %w", err)
	}

	reason := req.Reason
	if reason == "" {
		needed, derived := s.engine.CheckRequiresIntervention(&c)
		if !needed {
			return model.ManualIntervention{}, fmt.Errorf("%w: %s is %s", ErrNoInterventionNeeded, c.ID, c.Status)
		}
		reason = derived
	}

	id, err := s.workflow.Trigger(ctx, &c, c.ConversationID, reason, req.InterventionType, req.Metadata)
	if err != nil {
		return model.ManualIntervention{}, fmt.Errorf("consensus: escalate: %w", err)
	}
	s.interventions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", model.AuditInterventionTriggered),
		attribute.String("reason", string(reason)),
	))
	return s.GetIntervention(ctx, id)
}

// ResolveIntervention records op's decision on a pending intervention.
// op.Role is used as the intervener role.
func (s *Service) ResolveIntervention(ctx context.Context, id string, req model.ResolveInterventionRequest, op model.Operator) (model.ManualIntervention, error) {
	if err := req.Validate(); err != nil {
		return model.ManualIntervention{}, fmt.Errorf("%w: %s", engine.ErrInvalidInput, err.Error())
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.checkPending(ctx, id); err != nil {
		return model.ManualIntervention{}, err
	}
	if !s.workflow.Resolve(ctx, id, req.HumanDecision, req.HumanRationale, op.ID, op.Role, req.OverrideData) {
		return model.ManualIntervention{}, fmt.Errorf("consensus: resolve %s: %w", id, intervention.ErrPersistence)
	}
	s.interventions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", model.AuditInterventionResolved)))
	return s.GetIntervention(ctx, id)
}

// CancelIntervention withdraws a pending intervention on behalf of actor.
func (s *Service) CancelIntervention(ctx context.Context, id, actor, reason string) (model.ManualIntervention, error) {
	if len(reason) > model.MaxRationaleLen {
		return model.ManualIntervention{}, fmt.Errorf("%w: reason exceeds maximum length of %d bytes", engine.ErrInvalidInput, model.MaxRationaleLen)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.checkPending(ctx, id); err != nil {
		return model.ManualIntervention{}, err
	}
	if !s.workflow.Cancel(ctx, id, actor, reason) {
		return model.ManualIntervention{}, fmt.Errorf("consensus: cancel %s: %w", id, intervention.ErrPersistence)
	}
	s.interventions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", model.AuditInterventionCancelled)))
	return s.GetIntervention(ctx, id)
}

func (s *Service) checkPending(ctx context.Context, id string) error {
	m, err := s.store.GetManualIntervention(ctx, id)
	if err != nil {
		return fmt.Errorf("consensus: intervention %s: %w", id, err)
	}
	if m.Status != model.InterventionPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, m.Status)
	}
	return nil
}

// GetIntervention returns a stored intervention.
func (s *Service) GetIntervention(ctx context.Context, id string) (model.ManualIntervention, error) {
	m, err := s.store.GetManualIntervention(ctx, id)
	if err != nil {
		return model.ManualIntervention{}, fmt.Errorf("consensus: get intervention: %w", err)
	}
	return m, nil
}

// PendingInterventions returns pending interventions, oldest first. A
// non-positive limit uses the store default.
func (s *Service) PendingInterventions(ctx context.Context, limit int) ([]model.ManualIntervention, error) {
	out, err := s.store.GetPendingInterventions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("consensus: pending interventions: %w", err)
	}
	return out, nil
}

// InterventionsForConversation returns a conversation's interventions, newest
// first, optionally filtered by status.
func (s *Service) InterventionsForConversation(ctx context.Context, conversationID string, status model.InterventionStatus) ([]model.ManualIntervention, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", engine.ErrInvalidInput, status)
	}
	out, err := s.store.GetInterventionsByConversation(ctx, conversationID, status)
	if err != nil {
		return nil, fmt.Errorf("consensus: interventions for conversation: %w", err)
	}
	return out, nil
}
