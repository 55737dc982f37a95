package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtfzdotnet/storyteller-sub002/internal/auth"
	engine "github.com/wtfzdotnet/storyteller-sub002/internal/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/ctxutil"
	"github.com/wtfzdotnet/storyteller-sub002/internal/intervention"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/service/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
	"github.com/wtfzdotnet/storyteller-sub002/internal/testutil"
)

// newTestServer returns an MCP server over a fresh in-memory store.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testutil.TestLogger()
	store := storage.NewMemoryStore()
	wf := intervention.NewWorkflow(store, logger)
	eng := engine.NewEngine(engine.Config{Weights: engine.DefaultRoleWeights()}, logger)
	svc := consensus.New(eng, store, wf, logger, consensus.Options{})
	return New(svc, logger, "test")
}

func ctxAs(id, role string, access model.AccessLevel) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		OperatorID: id,
		Role:       role,
		Access:     access,
	})
}

func voterCtx() context.Context {
	return ctxAs("agent-1", "system-architect", model.AccessVoter)
}

func readerCtx() context.Context {
	return ctxAs("observer", "observer", model.AccessReader)
}

func intervenerCtx() context.Context {
	return ctxAs("pm-1", "project-manager", model.AccessIntervener)
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func decodeResult(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, "tool returned error: %s", parseToolText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}

func mustInitiate(t *testing.T, s *Server, requiredRoles ...string) string {
	t.Helper()
	roles := make([]any, 0, len(requiredRoles))
	for _, r := range requiredRoles {
		roles = append(roles, r)
	}
	result, err := s.handleInitiate(voterCtx(), toolRequest("consensus_initiate", map[string]any{
		"conversation_id": "conv-1",
		"decision_topic":  "adopt event sourcing for the ledger",
		"required_roles":  roles,
	}))
	require.NoError(t, err)
	return decodeResult(t, result)["id"].(string)
}

func mustVote(t *testing.T, s *Server, consensusID string, args map[string]any) map[string]any {
	t.Helper()
	args["consensus_id"] = consensusID
	result, err := s.handleVote(voterCtx(), toolRequest("consensus_vote", args))
	require.NoError(t, err)
	return decodeResult(t, result)
}

func TestHandleInitiate(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleInitiate(voterCtx(), toolRequest("consensus_initiate", map[string]any{
		"conversation_id": "conv-1",
		"decision_topic":  "adopt event sourcing",
		"required_roles":  []any{"system-architect", "security-expert"},
		"threshold":       0.8,
		"max_iterations":  3,
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)

	assert.Equal(t, string(model.ConsensusPending), out["status"])
	assert.Equal(t, 0.8, out["threshold"])
	assert.Equal(t, float64(3), out["max_iterations"])
	assert.ElementsMatch(t, []any{"system-architect", "security-expert"}, out["missing_required_roles"])
}

func TestHandleInitiate_Validation(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleInitiate(voterCtx(), toolRequest("consensus_initiate", map[string]any{
		"conversation_id": "conv-1",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "decision_topic is required")
}

func TestToolsRequireAccess(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleInitiate(context.Background(), toolRequest("consensus_initiate", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "authentication required")

	result, err = s.handleInitiate(readerCtx(), toolRequest("consensus_initiate", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "insufficient permissions")

	result, err = s.handleResolve(voterCtx(), toolRequest("intervention_resolve", map[string]any{
		"intervention_id": "intervention_x",
		"human_decision":  "ship it",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "intervener access required")
}

func TestHandleVote_ReachesConsensus(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s, "system-architect")

	out := mustVote(t, s, id, map[string]any{
		"role_name":  "system-architect",
		"position":   "agree",
		"confidence": 0.9,
		"rationale":  "fits the audit requirements",
	})

	assert.Equal(t, string(model.ConsensusReached), out["status"])
	assert.Contains(t, out["note"], "consensus_status", "voting blind should be nudged")

	votes := out["votes"].([]any)
	require.Len(t, votes, 1)
	assert.Equal(t, 0.9, votes[0].(map[string]any)["confidence"])

	// The process is closed to further votes.
	result, err := s.handleVote(voterCtx(), toolRequest("consensus_vote", map[string]any{
		"consensus_id": id,
		"role_name":    "qa-engineer",
		"position":     "disagree",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "already completed")
}

func TestHandleVote_NoNudgeAfterStatus(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s, "system-architect", "security-expert")

	result, err := s.handleStatus(voterCtx(), toolRequest("consensus_status", map[string]any{"consensus_id": id}))
	require.NoError(t, err)
	decodeResult(t, result)

	out := mustVote(t, s, id, map[string]any{
		"role_name": "system-architect",
		"position":  "agree",
	})
	_, hasNote := out["note"]
	assert.False(t, hasNote, "no nudge expected after consensus_status")
	assert.Equal(t, string(model.ConsensusInProgress), out["status"])

	c, err := s.svc.Status(context.Background(), id)
	require.NoError(t, err)
	v, ok := c.VoteFor("system-architect")
	require.True(t, ok)
	assert.Equal(t, model.DefaultVoteConfidence, v.Confidence)
	assert.Equal(t, "agent-1", v.ParticipantID, "participant defaults to the caller")
}

func TestHandleVote_InvalidInput(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s)

	result, err := s.handleVote(voterCtx(), toolRequest("consensus_vote", map[string]any{
		"consensus_id": id,
		"role_name":    "qa-engineer",
		"position":     "maybe",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "vote failed")

	result, err = s.handleVote(voterCtx(), toolRequest("consensus_vote", map[string]any{
		"role_name": "qa-engineer",
		"position":  "agree",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "consensus_id is required")
}

func TestHandleStatus_NotFound(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStatus(readerCtx(), toolRequest("consensus_status", map[string]any{"consensus_id": "consensus_missing"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, "status failed: not found", parseToolText(t, result))
}

func TestHandleStatus_RequiresIntervention(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s)

	out := mustVote(t, s, id, map[string]any{
		"role_name":  "system-architect",
		"position":   "disagree",
		"confidence": 0.9,
		"concerns":   []any{"replay cost is unbounded"},
	})
	assert.Equal(t, string(model.ConsensusFailed), out["status"])
	assert.Equal(t, []any{"replay cost is unbounded"}, out["dissenting_concerns"])

	result, err := s.handleStatus(readerCtx(), toolRequest("consensus_status", map[string]any{"consensus_id": id}))
	require.NoError(t, err)
	status := decodeResult(t, result)
	assert.Equal(t, true, status["requires_intervention"])
	assert.Equal(t, string(model.TriggerFailedConsensus), status["intervention_reason"])
	assert.Contains(t, status["next_step"], "consensus_escalate")
}

func TestHandleIterate_AutoResolve(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s)

	mustVote(t, s, id, map[string]any{
		"role_name":  "system-architect",
		"position":   "agree",
		"confidence": 0.9,
	})
	mustVote(t, s, id, map[string]any{
		"role_name":   "qa-engineer",
		"position":    "needs_clarification",
		"confidence":  0.5,
		"suggestions": []any{"document the snapshot interval"},
	})

	result, err := s.handleIterate(voterCtx(), toolRequest("consensus_iterate", map[string]any{
		"consensus_id": id,
		"auto_resolve": true,
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, true, out["continue"])
	assert.Equal(t, true, out["resolved_any"])

	c := out["consensus"].(map[string]any)
	assert.Equal(t, float64(1), c["iterations"])

	stored, err := s.svc.Status(context.Background(), id)
	require.NoError(t, err)
	v, ok := stored.VoteFor("qa-engineer")
	require.True(t, ok)
	assert.Equal(t, model.PositionAbstain, v.Position)
}

func TestHandleReport(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s)
	mustVote(t, s, id, map[string]any{
		"role_name": "security-expert",
		"position":  "agree",
	})

	result, err := s.handleReport(readerCtx(), toolRequest("consensus_report", map[string]any{"consensus_id": id}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, id, out["consensus_id"])
	metrics := out["metrics"].(map[string]any)
	assert.Equal(t, float64(1), metrics["total_votes"])
}

func TestHandleEscalate_NotNeeded(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s)

	result, err := s.handleEscalate(voterCtx(), toolRequest("consensus_escalate", map[string]any{"consensus_id": id}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no intervention needed")
}

func TestEscalateListResolve(t *testing.T) {
	s := newTestServer(t)
	id := mustInitiate(t, s)
	mustVote(t, s, id, map[string]any{
		"role_name":  "system-architect",
		"position":   "disagree",
		"confidence": 0.9,
	})

	result, err := s.handleEscalate(voterCtx(), toolRequest("consensus_escalate", map[string]any{"consensus_id": id}))
	require.NoError(t, err)
	escalated := decodeResult(t, result)
	assert.Equal(t, string(model.TriggerFailedConsensus), escalated["trigger_reason"])
	assert.Equal(t, string(model.InterventionPending), escalated["status"])
	interventionID := escalated["id"].(string)

	result, err = s.handleListPending(readerCtx(), toolRequest("intervention_list_pending", map[string]any{}))
	require.NoError(t, err)
	listed := decodeResult(t, result)
	assert.Equal(t, float64(1), listed["total"])

	result, err = s.handleResolve(intervenerCtx(), toolRequest("intervention_resolve", map[string]any{
		"intervention_id": interventionID,
		"human_decision":  "adopt event sourcing for billing only",
		"human_rationale": "limits replay cost to one bounded context",
		"override_data":   map[string]any{"scope": "billing"},
	}))
	require.NoError(t, err)
	resolved := decodeResult(t, result)
	assert.Equal(t, string(model.InterventionResolved), resolved["status"])
	assert.Equal(t, "pm-1", resolved["intervener_id"])
	assert.Equal(t, "project-manager", resolved["intervener_role"])
	assert.Equal(t, model.AuditInterventionResolved, resolved["last_action"])

	stored, err := s.svc.GetIntervention(context.Background(), interventionID)
	require.NoError(t, err)
	assert.Equal(t, "billing", stored.OverrideData["scope"])

	// Resolving twice is a conflict.
	result, err = s.handleResolve(intervenerCtx(), toolRequest("intervention_resolve", map[string]any{
		"intervention_id": interventionID,
		"human_decision":  "again",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not pending")

	result, err = s.handleListPending(readerCtx(), toolRequest("intervention_list_pending", map[string]any{"limit": 10}))
	require.NoError(t, err)
	assert.Equal(t, float64(0), decodeResult(t, result)["total"])
}

func TestHandleResolve_BadOverrideData(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleResolve(intervenerCtx(), toolRequest("intervention_resolve", map[string]any{
		"intervention_id": "intervention_x",
		"human_decision":  "ship it",
		"override_data":   "not an object",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "override_data must be an object")
}
