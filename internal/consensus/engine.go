// Package consensus implements weighted voting across roles: scoring, the
// consensus status state machine, automatic conflict resolution, escalation
// checks, and reporting.
//
// The engine is pure compute over caller-owned records. It holds no mutable
// state of its own; callers must serialize mutations of a single
// ConsensusResult.
package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// ErrInvalidInput is returned when a vote carries an out-of-range confidence
// or an unknown position. No vote is recorded.
var ErrInvalidInput = errors.New("consensus: invalid input")

// Defaults applied when Config leaves a field unset.
const (
	DefaultThreshold     = 0.70
	DefaultMaxIterations = 10
)

// Thresholds used by status evaluation and escalation.
const (
	disagreementFactor        = 0.5
	strongDisagreeConfidence  = 0.7
	failedScoreCeiling        = 0.3
	expertConfidence          = 0.8
	weakDisagreeConfidence    = 0.4
	stalledIterationsFloor    = 2
	stalledScoreCeiling       = 0.4
	maxRationaleConcerns      = 3
	highWeightFloor           = 1.0
	clarificationResolvedNote = " [Auto-resolved: clarification provided via suggestions]"
	weakDisagreeResolvedNote  = " [Auto-resolved: low confidence disagreement without specific concerns]"
)

// Config holds engine-scoped defaults.
type Config struct {
	// Threshold is the default fraction in (0, 1] a score must reach.
	Threshold float64
	// MaxIterations is the default iteration limit before TIMEOUT.
	MaxIterations int
	Weights       RoleWeights
}

// Engine evaluates consensus processes.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. Zero-valued config fields take the package
// defaults.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger, now: model.Now}
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Weights returns the engine's role weight table.
func (e *Engine) Weights() RoleWeights { return e.cfg.Weights }

// Create builds a PENDING consensus process. A threshold or maxIterations of
// zero or less takes the engine default, so an explicit 0 threshold cannot be
// requested; a threshold above 1 is clamped to 1.
func (e *Engine) Create(conversationID, decisionTopic string, requiredRoles []string, threshold float64, maxIterations int) *model.ConsensusResult {
	if threshold <= 0 {
		threshold = e.cfg.Threshold
	}
	threshold = min(threshold, 1)
	if maxIterations <= 0 {
		maxIterations = e.cfg.MaxIterations
	}
	required := []string{}
	required = append(required, requiredRoles...)

	c := &model.ConsensusResult{
		ID:                 model.NewConsensusID(),
		ConversationID:     conversationID,
		Status:             model.ConsensusPending,
		Threshold:          threshold,
		Votes:              []model.RoleVote{},
		Decision:           decisionTopic,
		DissentingConcerns: []string{},
		RequiredRoles:      required,
		ParticipatingRoles: []string{},
		StartedAt:          e.now().UTC(),
		MaxIterations:      maxIterations,
	}
	e.logger.Info("consensus: created",
		"consensus_id", c.ID,
		"conversation_id", conversationID,
		"threshold", threshold,
		"max_iterations", maxIterations,
	)
	return c
}

// VoteInput is the structured tuple a vote source submits.
type VoteInput struct {
	RoleName      string
	ParticipantID string
	Position      model.Position
	Confidence    float64
	Rationale     string
	Concerns      []string
	Suggestions   []string
}

// AddVote records a vote on c, replacing any earlier vote from the same role.
// The weight comes from the role weight table.
func (e *Engine) AddVote(c *model.ConsensusResult, in VoteInput) (model.RoleVote, error) {
	if !model.ValidConfidence(in.Confidence) {
		return model.RoleVote{}, fmt.Errorf("%w: confidence %v must be between 0.0 and 1.0", ErrInvalidInput, in.Confidence)
	}
	if !in.Position.Valid() {
		return model.RoleVote{}, fmt.Errorf("%w: invalid voting position %q", ErrInvalidInput, in.Position)
	}
	weight, listed := e.cfg.Weights.Lookup(in.RoleName)
	if !listed {
		e.logger.Debug("consensus: role not in weight table, using default",
			"role", in.RoleName, "weight", weight)
	}

	v := model.RoleVote{
		ID:            model.NewVoteID(),
		RoleName:      in.RoleName,
		ParticipantID: in.ParticipantID,
		Position:      in.Position,
		Confidence:    in.Confidence,
		Weight:        weight,
		Rationale:     in.Rationale,
		Concerns:      append([]string{}, in.Concerns...),
		Suggestions:   append([]string{}, in.Suggestions...),
		CreatedAt:     e.now().UTC(),
	}
	c.PutVote(v)

	e.logger.Info("consensus: vote added",
		"consensus_id", c.ID, "role", v.RoleName, "position", v.Position)
	return v, nil
}

// CalculateWeightedScore recomputes the weighted agreement score and stores it
// on c.AchievedScore. Disagreement counts at half strength; abstentions and
// clarification requests only add to the total weight. The result is clamped
// to [0, 1]; an empty vote set scores 0.
func (e *Engine) CalculateWeightedScore(c *model.ConsensusResult) float64 {
	c.AchievedScore = weightedScore(c.Votes)
	return c.AchievedScore
}

func weightedScore(votes []model.RoleVote) float64 {
	if len(votes) == 0 {
		return 0
	}
	var total, agreement float64
	for _, v := range votes {
		total += v.Weight
		switch v.Position {
		case model.PositionAgree:
			agreement += v.Weight * v.Confidence
		case model.PositionDisagree:
			agreement -= v.Weight * v.Confidence * disagreementFactor
		}
	}
	if total <= 0 {
		return 0
	}
	return clamp(agreement/total, 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	return max(lo, min(hi, x))
}

// IsReached reports whether the score meets the threshold and every required
// role has voted. It refreshes c.AchievedScore.
func (e *Engine) IsReached(c *model.ConsensusResult) bool {
	score := e.CalculateWeightedScore(c)
	if score < c.Threshold {
		return false
	}
	return len(c.MissingRequiredRoles()) == 0
}

// EvaluateStatus derives the status from the current votes and iteration
// counter and stores it on c. Checks run in order: timeout, reached, empty,
// failed, in progress.
func (e *Engine) EvaluateStatus(c *model.ConsensusResult) model.ConsensusStatus {
	now := e.now()
	switch {
	case c.Iterations >= c.MaxIterations:
		c.SetStatus(model.ConsensusTimeout, now)
	case e.IsReached(c):
		c.SetStatus(model.ConsensusReached, now)
	case len(c.Votes) == 0:
		c.SetStatus(model.ConsensusPending, now)
	case hasStrongDisagreement(c.Votes) && c.AchievedScore < failedScoreCeiling:
		c.SetStatus(model.ConsensusFailed, now)
	default:
		c.SetStatus(model.ConsensusInProgress, now)
	}
	return c.Status
}

func hasStrongDisagreement(votes []model.RoleVote) bool {
	for _, v := range votes {
		if v.Position == model.PositionDisagree && v.Confidence > strongDisagreeConfidence {
			return true
		}
	}
	return false
}

// Iterate advances the iteration counter and re-evaluates. It returns false
// when the process should stop: the iteration limit was hit (TIMEOUT) or the
// status is terminal.
func (e *Engine) Iterate(c *model.ConsensusResult) bool {
	c.Iterations++
	if c.Iterations >= c.MaxIterations {
		c.SetStatus(model.ConsensusTimeout, e.now())
		e.logger.Info("consensus: iteration limit reached",
			"consensus_id", c.ID, "iterations", c.Iterations)
		return false
	}
	return !e.EvaluateStatus(c).Terminal()
}
