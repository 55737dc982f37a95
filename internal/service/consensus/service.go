// Package consensus provides the business logic shared by the HTTP API and
// the MCP server: it drives the consensus engine over stored records and
// hands failed processes to the intervention workflow.
//
// Every mutation of a consensus record runs under a per-id lock, so each
// process has a single logical writer even when votes arrive concurrently.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	engine "github.com/wtfzdotnet/storyteller-sub002/internal/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/intervention"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
	"github.com/wtfzdotnet/storyteller-sub002/internal/telemetry"
)

var (
	// ErrNoInterventionNeeded is returned by Escalate when no reason was given
	// and the consensus state does not call for a human.
	ErrNoInterventionNeeded = errors.New("consensus: no intervention needed")

	// ErrConsensusClosed is returned when a vote or iteration targets a
	// process whose outcome is already final.
	ErrConsensusClosed = errors.New("consensus: process already completed")

	// ErrNotPending is returned when resolving or cancelling an intervention
	// that is no longer pending.
	ErrNotPending = errors.New("consensus: intervention is not pending")
)

// Options tunes service behaviour.
type Options struct {
	// AutoEscalate triggers an intervention as soon as a process becomes
	// failed or times out.
	AutoEscalate bool
}

// Service encapsulates consensus business logic shared by HTTP and MCP handlers.
type Service struct {
	engine   *engine.Engine
	store    storage.Store
	workflow *intervention.Workflow
	logger   *slog.Logger
	opts     Options

	locks   *keyedMutex
	reports singleflight.Group

	votesSubmitted metric.Int64Counter
	evaluations    metric.Int64Counter
	interventions  metric.Int64Counter
	scoreHistogram metric.Float64Histogram
}

// New creates a consensus Service.
func New(eng *engine.Engine, store storage.Store, workflow *intervention.Workflow, logger *slog.Logger, opts Options) *Service {
	meter := telemetry.Meter("storyteller/consensus")
	votes, _ := meter.Int64Counter("storyteller.votes.submitted",
		metric.WithDescription("Votes accepted, by position"),
	)
	evals, _ := meter.Int64Counter("storyteller.consensus.evaluations",
		metric.WithDescription("Status evaluations, by resulting status"),
	)
	interventions, _ := meter.Int64Counter("storyteller.interventions",
		metric.WithDescription("Intervention lifecycle events"),
	)
	scores, _ := meter.Float64Histogram("storyteller.consensus.score",
		metric.WithDescription("Weighted agreement score after each evaluation"),
	)
	return &Service{
		engine:         eng,
		store:          store,
		workflow:       workflow,
		logger:         logger,
		opts:           opts,
		locks:          newKeyedMutex(),
		votesSubmitted: votes,
		evaluations:    evals,
		interventions:  interventions,
		scoreHistogram: scores,
	}
}

// Engine returns the underlying consensus engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Initiate starts a new consensus process and stores it.
func (s *Service) Initiate(ctx context.Context, req model.InitiateConsensusRequest) (model.ConsensusResult, error) {
	if err := req.Validate(); err != nil {
		return model.ConsensusResult{}, fmt.Errorf("%w: %s", engine.ErrInvalidInput, err.Error())
	}
	var threshold float64
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	var maxIterations int
	if req.MaxIterations != nil {
		maxIterations = *req.MaxIterations
	}

	c := s.engine.Create(req.ConversationID, req.DecisionTopic, dedupe(req.RequiredRoles), threshold, maxIterations)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("storyteller.consensus_id", c.ID),
		attribute.String("storyteller.conversation_id", c.ConversationID),
	)
	if err := s.store.StoreConsensus(ctx, *c); err != nil {
		return model.ConsensusResult{}, fmt.Errorf("consensus: initiate: %w", err)
	}
	return *c, nil
}

// SubmitVote records a vote, replacing any earlier vote from the same role,
// and re-evaluates the status.
func (s *Service) SubmitVote(ctx context.Context, consensusID string, req model.SubmitVoteRequest) (model.ConsensusResult, error) {
	if err := req.Validate(); err != nil {
		return model.ConsensusResult{}, fmt.Errorf("%w: %s", engine.ErrInvalidInput, err.Error())
	}
	position, err := model.ParsePosition(req.Position)
	if err != nil {
		return model.ConsensusResult{}, fmt.Errorf("%w: %s", engine.ErrInvalidInput, err.Error())
	}

	unlock := s.locks.Lock(consensusID)
	defer unlock()

	c, err := s.store.GetConsensus(ctx, consensusID)
	if err != nil {
		return model.ConsensusResult{}, fmt.Errorf("consensus: submit vote: %w", err)
	}
	if c.Status.Terminal() {
		return model.ConsensusResult{}, fmt.Errorf("%w: %s is %s", ErrConsensusClosed, c.ID, c.Status)
	}

	prev := c.Status
	vote, err := s.engine.AddVote(&c, engine.VoteInput{
		RoleName:      req.RoleName,
		ParticipantID: req.ParticipantID,
		Position:      position,
		Confidence:    req.ConfidenceOrDefault(),
		Rationale:     req.Rationale,
		Concerns:      req.Concerns,
		Suggestions:   req.Suggestions,
	})
	if err != nil {
		return model.ConsensusResult{}, err
	}
	s.votesSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("position", string(vote.Position))))

	s.evaluate(ctx, &c)
	if err := s.store.StoreConsensus(ctx, c); err != nil {
		return model.ConsensusResult{}, fmt.Errorf("consensus: submit vote: %w", err)
	}
	s.maybeAutoEscalate(ctx, &c, prev)
	return c, nil
}

// Iterate advances a process by one round. The returned bool reports whether
// the process should keep going.
func (s *Service) Iterate(ctx context.Context, consensusID string) (bool, model.ConsensusResult, error) {
	unlock := s.locks.Lock(consensusID)
	defer unlock()

	c, err := s.store.GetConsensus(ctx, consensusID)
	if err != nil {
		return false, model.ConsensusResult{}, fmt.Errorf("consensus: iterate: %w", err)
	}
	if c.Status.Terminal() {
		return false, model.ConsensusResult{}, fmt.Errorf("%w: %s is %s", ErrConsensusClosed, c.ID, c.Status)
	}

	prev := c.Status
	cont := s.engine.Iterate(&c)
	s.record(ctx, &c)
	if err := s.store.StoreConsensus(ctx, c); err != nil {
		return false, model.ConsensusResult{}, fmt.Errorf("consensus: iterate: %w", err)
	}
	s.maybeAutoEscalate(ctx, &c, prev)
	return cont, c, nil
}

// AutoResolve rewrites minor objections to abstentions and re-evaluates the
// status. It reports whether any vote changed.
func (s *Service) AutoResolve(ctx context.Context, consensusID string) (bool, model.ConsensusResult, error) {
	unlock := s.locks.Lock(consensusID)
	defer unlock()

	c, err := s.store.GetConsensus(ctx, consensusID)
	if err != nil {
		return false, model.ConsensusResult{}, fmt.Errorf("consensus: auto-resolve: %w", err)
	}
	if c.Status.Terminal() {
		return false, c, nil
	}

	prev := c.Status
	changed := s.engine.AutoResolveMinorConflicts(&c)
	if !changed {
		return false, c, nil
	}
	s.evaluate(ctx, &c)
	if err := s.store.StoreConsensus(ctx, c); err != nil {
		return false, model.ConsensusResult{}, fmt.Errorf("consensus: auto-resolve: %w", err)
	}
	s.maybeAutoEscalate(ctx, &c, prev)
	return true, c, nil
}

// Status returns the stored process.
func (s *Service) Status(ctx context.Context, consensusID string) (model.ConsensusResult, error) {
	c, err := s.store.GetConsensus(ctx, consensusID)
	if err != nil {
		return model.ConsensusResult{}, fmt.Errorf("consensus: status: %w", err)
	}
	return c, nil
}

// Report generates a report and stores the refreshed rationale. Concurrent
// requests for the same process share one generation.
func (s *Service) Report(ctx context.Context, consensusID string) (engine.Report, error) {
	// Shared by every waiter: a cancelled first caller must not fail the rest.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.reports.Do(consensusID, func() (any, error) {
		unlock := s.locks.Lock(consensusID)
		defer unlock()

		c, err := s.store.GetConsensus(shared, consensusID)
		if err != nil {
			return nil, err
		}
		r := s.engine.GenerateReport(&c)
		if err := s.store.StoreConsensus(shared, c); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return engine.Report{}, fmt.Errorf("consensus: report: %w", err)
	}
	return v.(engine.Report), nil
}

// ListForConversation returns a conversation's processes, newest first.
func (s *Service) ListForConversation(ctx context.Context, conversationID string) ([]model.ConsensusResult, error) {
	out, err := s.store.ListConsensusByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("consensus: list: %w", err)
	}
	return out, nil
}

// evaluate re-derives the status and records metrics.
func (s *Service) evaluate(ctx context.Context, c *model.ConsensusResult) {
	s.engine.EvaluateStatus(c)
	s.record(ctx, c)
}

func (s *Service) record(ctx context.Context, c *model.ConsensusResult) {
	s.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(c.Status))))
	s.scoreHistogram.Record(ctx, c.AchievedScore)
	s.logger.Debug("consensus: evaluated",
		"consensus_id", c.ID,
		"status", c.Status,
		"score", c.AchievedScore,
		"iterations", c.Iterations,
	)
}

// maybeAutoEscalate triggers an intervention when auto-escalation is on and
// c has just entered a state that needs a human.
func (s *Service) maybeAutoEscalate(ctx context.Context, c *model.ConsensusResult, prev model.ConsensusStatus) {
	if !s.opts.AutoEscalate || c.Status == prev {
		return
	}
	if c.Status != model.ConsensusFailed && c.Status != model.ConsensusTimeout {
		return
	}
	needed, reason := s.engine.CheckRequiresIntervention(c)
	if !needed {
		return
	}
	id, err := s.workflow.Trigger(ctx, c, c.ConversationID, reason, model.InterventionDecision,
		map[string]any{"auto_escalated": true})
	if err != nil {
		s.logger.Error("consensus: auto-escalation failed",
			"consensus_id", c.ID, "reason", reason, "error", err)
		return
	}
	s.interventions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", model.AuditInterventionTriggered),
		attribute.String("reason", string(reason)),
	))
	s.logger.Info("consensus: auto-escalated", "consensus_id", c.ID, "intervention_id", id, "reason", reason)
}

// dedupe drops blank and repeated roles, keeping first occurrence order.
func dedupe(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
