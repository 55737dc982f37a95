package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtfzdotnet/storyteller-sub002/internal/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/intervention"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

// base is microsecond-aligned so records survive Postgres timestamptz
// precision unchanged.
var base = time.Date(2025, 4, 2, 8, 30, 0, 123456000, time.UTC)

func sampleConsensus(conversationID string, startedAt time.Time) model.ConsensusResult {
	done := startedAt.Add(time.Minute)
	return model.ConsensusResult{
		ID:             model.NewConsensusID(),
		ConversationID: conversationID,
		Status:         model.ConsensusReached,
		Threshold:      0.7,
		AchievedScore:  0.92,
		Votes: []model.RoleVote{
			{
				ID:            model.NewVoteID(),
				RoleName:      "system-architect",
				ParticipantID: "arch-1",
				Position:      model.PositionAgree,
				Confidence:    1,
				Weight:        1.5,
				Rationale:     "sound",
				Concerns:      []string{},
				Suggestions:   []string{"document the outbox"},
				CreatedAt:     startedAt,
			},
			{
				ID:            model.NewVoteID(),
				RoleName:      "backend-developer",
				ParticipantID: "be-1",
				Position:      model.PositionAgree,
				Confidence:    0.8,
				Weight:        1,
				Rationale:     "",
				Concerns:      []string{},
				Suggestions:   []string{},
				CreatedAt:     startedAt.Add(time.Second),
			},
		},
		Decision:           "adopt the outbox pattern",
		Rationale:          "Consensus Score: 0.92",
		DissentingConcerns: []string{},
		RequiredRoles:      []string{"system-architect"},
		ParticipatingRoles: []string{"system-architect", "backend-developer"},
		StartedAt:          startedAt,
		CompletedAt:        &done,
		Iterations:         1,
		MaxIterations:      10,
	}
}

func sampleIntervention(conversationID string, triggeredAt time.Time, status model.InterventionStatus) model.ManualIntervention {
	m := model.ManualIntervention{
		ID:               model.NewInterventionID(),
		ConversationID:   conversationID,
		ConsensusID:      model.NewConsensusID(),
		TriggerReason:    model.TriggerFailedConsensus,
		InterventionType: model.InterventionDecision,
		OriginalDecision: "adopt the outbox pattern",
		Status:           status,
		TriggeredAt:      triggeredAt,
		AffectedRoles:    []string{"tech-lead", "qa-engineer"},
		OverrideData:     map[string]any{},
		AuditTrail:       []model.AuditEntry{},
		Metadata:         map[string]any{"source": "contract-test"},
	}
	m.AddAuditEntry(triggeredAt, model.AuditInterventionTriggered,
		"Manual intervention triggered due to failed_consensus", model.ActorSystem)
	return m
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("consensus round trip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		c := sampleConsensus("conv-rt-"+t.Name(), base)

		require.NoError(t, s.StoreConsensus(ctx, c))
		got, err := s.GetConsensus(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	})

	t.Run("engine and workflow records round trip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		e := consensus.NewEngine(consensus.Config{Weights: consensus.DefaultRoleWeights()}, nil)
		c := e.Create("conv-engine-"+t.Name(), "split the billing service", []string{"security-expert"}, 0, 0)
		_, err := e.AddVote(c, consensus.VoteInput{
			RoleName:   "security-expert",
			Position:   model.PositionDisagree,
			Confidence: 0.9,
			Concerns:   []string{"token scope unclear"},
		})
		require.NoError(t, err)
		_, err = e.AddVote(c, consensus.VoteInput{RoleName: "tech-lead", Position: model.PositionAgree, Confidence: 0.8})
		require.NoError(t, err)
		e.EvaluateStatus(c)

		require.NoError(t, s.StoreConsensus(ctx, *c))
		got, err := s.GetConsensus(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, *c, got)

		w := intervention.NewWorkflow(s, nil)
		id, err := w.Trigger(ctx, c, c.ConversationID, model.TriggerManualRequest, model.InterventionDecision, nil)
		require.NoError(t, err)
		require.True(t, w.Resolve(ctx, id, "ship behind a flag", "contained", "alice", "project-manager", nil))

		m, err := s.GetManualIntervention(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, m.TriggeredAt, m.TriggeredAt.Truncate(time.Microsecond))
		require.NotNil(t, m.ResolvedAt)
		assert.Equal(t, *m.ResolvedAt, m.ResolvedAt.Truncate(time.Microsecond))
		for _, a := range m.AuditTrail {
			assert.Equal(t, a.Timestamp, a.Timestamp.Truncate(time.Microsecond))
		}
	})

	t.Run("consensus without completed_at", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		c := sampleConsensus("conv-open-"+t.Name(), base)
		c.Status = model.ConsensusPending
		c.CompletedAt = nil
		c.Votes = []model.RoleVote{}
		c.ParticipatingRoles = []string{}

		require.NoError(t, s.StoreConsensus(ctx, c))
		got, err := s.GetConsensus(ctx, c.ID)
		require.NoError(t, err)
		assert.Nil(t, got.CompletedAt)
		assert.Equal(t, c, got)
	})

	t.Run("consensus upsert replaces votes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		c := sampleConsensus("conv-upsert-"+t.Name(), base)
		require.NoError(t, s.StoreConsensus(ctx, c))

		c.Votes = c.Votes[1:]
		c.ParticipatingRoles = []string{"backend-developer"}
		c.Iterations = 2
		require.NoError(t, s.StoreConsensus(ctx, c))

		got, err := s.GetConsensus(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	})

	t.Run("consensus not found", func(t *testing.T) {
		_, err := newStore(t).GetConsensus(context.Background(), "consensus_missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("consensus by conversation newest first", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		conv := "conv-list-" + t.Name()
		older := sampleConsensus(conv, base)
		newer := sampleConsensus(conv, base.Add(time.Hour))
		other := sampleConsensus("someone-else-"+t.Name(), base)
		for _, c := range []model.ConsensusResult{older, newer, other} {
			require.NoError(t, s.StoreConsensus(ctx, c))
		}

		got, err := s.ListConsensusByConversation(ctx, conv)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newer.ID, got[0].ID)
		assert.Equal(t, older.ID, got[1].ID)
		assert.Len(t, got[0].Votes, 2)

		none, err := s.ListConsensusByConversation(ctx, "nobody-"+t.Name())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("intervention round trip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		m := sampleIntervention("conv-irt-"+t.Name(), base, model.InterventionPending)

		require.NoError(t, s.StoreManualIntervention(ctx, m))
		got, err := s.GetManualIntervention(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		assert.Nil(t, got.ResolvedAt)

		resolvedAt := base.Add(2 * time.Hour)
		m.Status = model.InterventionResolved
		m.ResolvedAt = &resolvedAt
		m.HumanDecision = "go"
		m.HumanRationale = "risk accepted"
		m.IntervenerID = "alice"
		m.IntervenerRole = "project-manager"
		m.OverrideData = map[string]any{"priority": "high"}
		m.AddAuditEntry(resolvedAt, model.AuditInterventionResolved,
			"Manual intervention resolved with decision: go", "project-manager:alice")
		require.NoError(t, s.StoreManualIntervention(ctx, m))

		got, err = s.GetManualIntervention(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		require.Len(t, got.AuditTrail, 2)
		assert.Equal(t, model.ActorSystem, got.AuditTrail[0].Actor)
	})

	t.Run("intervention not found", func(t *testing.T) {
		_, err := newStore(t).GetManualIntervention(context.Background(), "intervention_missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("pending oldest first with limit", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		conv := "conv-pending-" + t.Name()
		var pending []model.ManualIntervention
		for i := range 3 {
			m := sampleIntervention(conv, base.Add(time.Duration(3-i)*time.Minute), model.InterventionPending)
			pending = append(pending, m)
			require.NoError(t, s.StoreManualIntervention(ctx, m))
		}
		require.NoError(t, s.StoreManualIntervention(ctx,
			sampleIntervention(conv, base, model.InterventionResolved)))

		got, err := s.GetPendingInterventions(ctx, 0)
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, m := range got {
			if m.ConversationID == conv {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, model.InterventionPending, m.Status)
		}
		assert.Equal(t, []string{pending[2].ID, pending[1].ID, pending[0].ID}, ids)

		limited, err := s.GetPendingInterventions(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("by conversation newest first with status filter", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		conv := "conv-by-" + t.Name()
		first := sampleIntervention(conv, base, model.InterventionResolved)
		second := sampleIntervention(conv, base.Add(time.Minute), model.InterventionPending)
		third := sampleIntervention(conv, base.Add(2*time.Minute), model.InterventionCancelled)
		for _, m := range []model.ManualIntervention{first, second, third} {
			require.NoError(t, s.StoreManualIntervention(ctx, m))
		}

		all, err := s.GetInterventionsByConversation(ctx, conv, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{third.ID, second.ID, first.ID},
			[]string{all[0].ID, all[1].ID, all[2].ID})

		resolved, err := s.GetInterventionsByConversation(ctx, conv, model.InterventionResolved)
		require.NoError(t, err)
		require.Len(t, resolved, 1)
		assert.Equal(t, first.ID, resolved[0].ID)

		none, err := s.GetInterventionsByConversation(ctx, fmt.Sprintf("missing-%s", t.Name()), "")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}
