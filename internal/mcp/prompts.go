package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// cast-vote: walks a role agent through reading the process and voting.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("cast-vote",
			mcplib.WithPromptDescription("Read a consensus process and cast a well-formed vote for your role"),
			mcplib.WithArgument("consensus_id",
				mcplib.ArgumentDescription("The consensus process to vote on"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("role_name",
				mcplib.ArgumentDescription("The role you are voting as (e.g., architect, security-expert, qa-engineer)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleCastVotePrompt,
	)

	// resolve-intervention: guides a human through deciding an escalation.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("resolve-intervention",
			mcplib.WithPromptDescription("Review a pending intervention and record a human decision"),
			mcplib.WithArgument("intervention_id",
				mcplib.ArgumentDescription("The pending intervention to resolve"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleResolveInterventionPrompt,
	)
}

func (s *Server) handleCastVotePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	consensusID := request.Params.Arguments["consensus_id"]
	roleName := request.Params.Arguments["role_name"]
	if consensusID == "" || roleName == "" {
		return nil, fmt.Errorf("consensus_id and role_name arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Cast the %s vote on %s", roleName, consensusID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You are voting as the %s role on consensus process %s.

1. CALL consensus_status with consensus_id="%s".
   Read the decision topic, the other roles' votes, and any dissenting concerns.

2. DECIDE your position from your role's expertise:
   - agree: the proposal is sound from your role's point of view.
   - disagree: it is not. List concrete concerns, and suggestions that would fix them.
   - needs_clarification: you cannot judge yet. Say what is missing.
   - abstain: the decision is outside your role's expertise.

3. CALL consensus_vote with:
   - consensus_id: "%s"
   - role_name: "%s"
   - position and confidence (0.0-1.0). Be honest: a confident disagreement
     (0.7 or more) blocks consensus, a weak one without concerns may be
     auto-resolved.
   - rationale: why your role takes this position.
   - concerns and suggestions when you disagree or need clarification.`,
						roleName, consensusID, consensusID, consensusID, roleName),
				},
			},
		},
	}, nil
}

func (s *Server) handleResolveInterventionPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["intervention_id"]
	if id == "" {
		return nil, fmt.Errorf("intervention_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Resolve intervention %s", id),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Intervention %s is waiting for a human decision.

1. CALL intervention_list_pending and find %s. Note the trigger reason,
   the original decision, and the affected roles.

2. If you need the full vote history, CALL consensus_report with the
   intervention's consensus_id.

3. CALL intervention_resolve with:
   - intervention_id: "%s"
   - human_decision: what was decided, stated so the affected roles can act on it.
   - human_rationale: why, addressing the concerns that blocked consensus.
   - override_data: optional structured changes the roles should apply.`, id, id, id),
				},
			},
		},
	}, nil
}
