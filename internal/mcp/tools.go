package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

func (s *Server) registerTools() {
	// consensus_initiate: open a new consensus process.
	s.mcpServer.AddTool(
		mcplib.NewTool("consensus_initiate",
			mcplib.WithDescription(`Start a weighted consensus process for a decision within a conversation.

WHEN TO USE: when a decision needs sign-off from several expert roles
(architect, security-expert, qa-engineer, ...). Roles then vote with
consensus_vote until the process reaches consensus, fails, or times out.

Omit threshold and max_iterations to use the server defaults.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("conversation_id",
				mcplib.Description("Conversation the decision belongs to"),
				mcplib.Required(),
			),
			mcplib.WithString("decision_topic",
				mcplib.Description("What is being decided, stated as a proposal the roles can agree or disagree with"),
				mcplib.Required(),
			),
			mcplib.WithArray("required_roles",
				mcplib.Description("Roles that must vote before consensus can be reached"),
				mcplib.WithStringItems(),
			),
			mcplib.WithNumber("threshold",
				mcplib.Description("Weighted agreement needed, in (0, 1]"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("max_iterations",
				mcplib.Description("Iterations allowed before the process times out"),
				mcplib.Min(1),
			),
		),
		s.handleInitiate,
	)

	// consensus_vote: cast or replace a role's vote.
	s.mcpServer.AddTool(
		mcplib.NewTool("consensus_vote",
			mcplib.WithDescription(`Cast a role's vote on an open consensus process.

WHEN TO USE: after reading the process with consensus_status. Each role has
one vote; voting again replaces the role's earlier vote.

Positions: agree, disagree, abstain, needs_clarification. Disagreements with
confidence of 0.7 or more block consensus outright, so list concrete concerns
and suggestions when you disagree.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("consensus_id",
				mcplib.Description("Consensus process to vote on"),
				mcplib.Required(),
			),
			mcplib.WithString("role_name",
				mcplib.Description("Role casting the vote, e.g. architect or security-expert"),
				mcplib.Required(),
			),
			mcplib.WithString("position",
				mcplib.Description("Vote position"),
				mcplib.Enum(string(model.PositionAgree), string(model.PositionDisagree), string(model.PositionAbstain), string(model.PositionNeedsClarification)),
				mcplib.Required(),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("Certainty in the position, 0.0-1.0"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(model.DefaultVoteConfidence),
			),
			mcplib.WithString("rationale",
				mcplib.Description("Why the role takes this position"),
			),
			mcplib.WithArray("concerns",
				mcplib.Description("Specific concerns behind a disagreement"),
				mcplib.WithStringItems(),
			),
			mcplib.WithArray("suggestions",
				mcplib.Description("Changes that would address the concerns"),
				mcplib.WithStringItems(),
			),
			mcplib.WithString("participant_id",
				mcplib.Description("Identity of the voter; defaults to the caller"),
			),
		),
		s.handleVote,
	)

	// consensus_status: read the current state of a process.
	s.mcpServer.AddTool(
		mcplib.NewTool("consensus_status",
			mcplib.WithDescription(`Read the current state of a consensus process: votes, score, missing
roles, and whether it needs a human.

WHEN TO USE: before voting, and whenever you need to know what happens next.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("consensus_id",
				mcplib.Description("Consensus process to read"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// consensus_iterate: advance a process by one iteration.
	s.mcpServer.AddTool(
		mcplib.NewTool("consensus_iterate",
			mcplib.WithDescription(`Advance an in-progress consensus process by one iteration and re-evaluate it.

Returns continue=false once the process reached a final status. Set
auto_resolve to first settle minor conflicts (clarification requests answered
by suggestions, low-confidence disagreements without concerns).`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("consensus_id",
				mcplib.Description("Consensus process to advance"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("auto_resolve",
				mcplib.Description("Auto-resolve minor conflicts before iterating"),
			),
		),
		s.handleIterate,
	)

	// consensus_report: full report of a process.
	s.mcpServer.AddTool(
		mcplib.NewTool("consensus_report",
			mcplib.WithDescription("Generate a report of a consensus process: score, vote distribution, role analysis, conflict resolution, and rationale."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("consensus_id",
				mcplib.Description("Consensus process to report on"),
				mcplib.Required(),
			),
		),
		s.handleReport,
	)

	// consensus_escalate: hand a process to a human.
	s.mcpServer.AddTool(
		mcplib.NewTool("consensus_escalate",
			mcplib.WithDescription(`Escalate a consensus process to a human intervener.

Without a reason the process must actually need a human (failed, timed out,
stalled, or blocked by confident experts); with a reason, e.g.
manual_request, escalation always happens.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("consensus_id",
				mcplib.Description("Consensus process to escalate"),
				mcplib.Required(),
			),
			mcplib.WithString("reason",
				mcplib.Description("Trigger reason; derived from the process state when omitted"),
			),
			mcplib.WithString("intervention_type",
				mcplib.Description("Kind of human action requested"),
				mcplib.Enum(string(model.InterventionDecision), string(model.InterventionOverride), string(model.InterventionEscalation)),
			),
		),
		s.handleEscalate,
	)

	// intervention_list_pending: the human work queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("intervention_list_pending",
			mcplib.WithDescription("List pending manual interventions, oldest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of interventions to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(storage.DefaultPendingLimit),
			),
		),
		s.handleListPending,
	)

	// intervention_resolve: record the human decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("intervention_resolve",
			mcplib.WithDescription(`Resolve a pending intervention with a human decision. The caller is
recorded as the intervener. Requires intervener access.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("intervention_id",
				mcplib.Description("Intervention to resolve"),
				mcplib.Required(),
			),
			mcplib.WithString("human_decision",
				mcplib.Description("The decision taken"),
				mcplib.Required(),
			),
			mcplib.WithString("human_rationale",
				mcplib.Description("Why it was taken"),
			),
			mcplib.WithObject("override_data",
				mcplib.Description("Structured data merged into the intervention's override data"),
			),
		),
		s.handleResolve,
	)
}

func (s *Server) handleInitiate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := requireAccess(ctx, model.AccessVoter); denied != nil {
		return denied, nil
	}

	req := model.InitiateConsensusRequest{
		ConversationID: request.GetString("conversation_id", ""),
		DecisionTopic:  request.GetString("decision_topic", ""),
		RequiredRoles:  request.GetStringSlice("required_roles", nil),
	}
	args := request.GetArguments()
	if _, ok := args["threshold"]; ok {
		th := request.GetFloat("threshold", 0)
		req.Threshold = &th
	}
	if _, ok := args["max_iterations"]; ok {
		mi := request.GetInt("max_iterations", 0)
		req.MaxIterations = &mi
	}

	c, err := s.svc.Initiate(ctx, req)
	if err != nil {
		return toolError("initiate failed", err), nil
	}
	return jsonResult(compactConsensus(c))
}

func (s *Server) handleVote(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := requireAccess(ctx, model.AccessVoter)
	if denied != nil {
		return denied, nil
	}

	consensusID := request.GetString("consensus_id", "")
	if consensusID == "" {
		return errorResult("consensus_id is required"), nil
	}
	req := model.SubmitVoteRequest{
		RoleName:      request.GetString("role_name", ""),
		ParticipantID: request.GetString("participant_id", claims.OperatorID),
		Position:      request.GetString("position", ""),
		Rationale:     request.GetString("rationale", ""),
		Concerns:      request.GetStringSlice("concerns", nil),
		Suggestions:   request.GetStringSlice("suggestions", nil),
	}
	if _, ok := request.GetArguments()["confidence"]; ok {
		conf := request.GetFloat("confidence", model.DefaultVoteConfidence)
		req.Confidence = &conf
	}

	c, err := s.svc.SubmitVote(ctx, consensusID, req)
	if err != nil {
		return toolError("vote failed", err), nil
	}

	resp := compactConsensus(c)
	if !s.tracker.WasChecked(claims.OperatorID, consensusID) {
		resp["note"] = "You voted without calling consensus_status on this process recently. Read the other roles' concerns first so your vote addresses them."
	}
	return jsonResult(resp)
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := requireAccess(ctx, model.AccessReader)
	if denied != nil {
		return denied, nil
	}
	consensusID := request.GetString("consensus_id", "")
	if consensusID == "" {
		return errorResult("consensus_id is required"), nil
	}

	c, err := s.svc.Status(ctx, consensusID)
	if err != nil {
		return toolError("status failed", err), nil
	}
	s.tracker.Record(claims.OperatorID, consensusID)

	resp := compactConsensus(c)
	needs, reason := s.svc.Engine().CheckRequiresIntervention(&c)
	resp["requires_intervention"] = needs
	if needs {
		resp["intervention_reason"] = reason
	}
	return jsonResult(resp)
}

func (s *Server) handleIterate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := requireAccess(ctx, model.AccessVoter); denied != nil {
		return denied, nil
	}
	consensusID := request.GetString("consensus_id", "")
	if consensusID == "" {
		return errorResult("consensus_id is required"), nil
	}

	resolvedAny := false
	if request.GetBool("auto_resolve", false) {
		var err error
		resolvedAny, _, err = s.svc.AutoResolve(ctx, consensusID)
		if err != nil {
			return toolError("auto-resolve failed", err), nil
		}
	}

	cont, c, err := s.svc.Iterate(ctx, consensusID)
	if err != nil {
		return toolError("iterate failed", err), nil
	}
	return jsonResult(map[string]any{
		"continue":     cont,
		"resolved_any": resolvedAny,
		"consensus":    compactConsensus(c),
	})
}

func (s *Server) handleReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := requireAccess(ctx, model.AccessReader); denied != nil {
		return denied, nil
	}
	consensusID := request.GetString("consensus_id", "")
	if consensusID == "" {
		return errorResult("consensus_id is required"), nil
	}

	report, err := s.svc.Report(ctx, consensusID)
	if err != nil {
		return toolError("report failed", err), nil
	}
	return jsonResult(report)
}

func (s *Server) handleEscalate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := requireAccess(ctx, model.AccessVoter); denied != nil {
		return denied, nil
	}
	consensusID := request.GetString("consensus_id", "")
	if consensusID == "" {
		return errorResult("consensus_id is required"), nil
	}

	m, err := s.svc.Escalate(ctx, consensusID, model.EscalateRequest{
		Reason:           model.TriggerReason(request.GetString("reason", "")),
		InterventionType: model.InterventionType(request.GetString("intervention_type", "")),
		Metadata:         map[string]any{"source": "mcp"},
	})
	if err != nil {
		return toolError("escalate failed", err), nil
	}
	return jsonResult(compactIntervention(m))
}

func (s *Server) handleListPending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := requireAccess(ctx, model.AccessReader); denied != nil {
		return denied, nil
	}

	pending, err := s.svc.PendingInterventions(ctx, request.GetInt("limit", storage.DefaultPendingLimit))
	if err != nil {
		return toolError("list failed", err), nil
	}
	out := make([]map[string]any, 0, len(pending))
	for _, m := range pending {
		out = append(out, compactIntervention(m))
	}
	return jsonResult(map[string]any{
		"interventions": out,
		"total":         len(out),
	})
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := requireAccess(ctx, model.AccessIntervener)
	if denied != nil {
		return denied, nil
	}
	id := request.GetString("intervention_id", "")
	if id == "" {
		return errorResult("intervention_id is required"), nil
	}

	req := model.ResolveInterventionRequest{
		HumanDecision:  request.GetString("human_decision", ""),
		HumanRationale: request.GetString("human_rationale", ""),
	}
	if raw, ok := request.GetArguments()["override_data"]; ok && raw != nil {
		data, ok := raw.(map[string]any)
		if !ok {
			return errorResult("override_data must be an object"), nil
		}
		req.OverrideData = data
	}

	m, err := s.svc.ResolveIntervention(ctx, id, req, claims.Operator())
	if err != nil {
		return toolError("resolve failed", err), nil
	}
	return jsonResult(compactIntervention(m))
}

// toolError maps a service error to an error result.
func toolError(action string, err error) *mcplib.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("%s: not found", action))
	}
	return errorResult(fmt.Sprintf("%s: %v", action, err))
}
