package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotEmpty(t, result.Messages, "expected at least one message")
	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	return tc.Text
}

func TestCastVotePrompt(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleCastVotePrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "cast-vote",
			Arguments: map[string]string{"consensus_id": "consensus_1", "role_name": "security-expert"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Description, "security-expert")

	text := promptText(t, result)
	assert.Contains(t, text, "consensus_status", "prompt should read the process first")
	assert.Contains(t, text, "consensus_vote")
	assert.Contains(t, text, `consensus_id: "consensus_1"`)
}

func TestCastVotePrompt_MissingArguments(t *testing.T) {
	s := newTestServer(t)

	_, err := s.handleCastVotePrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "cast-vote",
			Arguments: map[string]string{"consensus_id": "consensus_1"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role_name")
}

func TestResolveInterventionPrompt(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleResolveInterventionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "resolve-intervention",
			Arguments: map[string]string{"intervention_id": "intervention_9"},
		},
	})
	require.NoError(t, err)
	text := promptText(t, result)
	assert.Contains(t, text, "intervention_resolve")
	assert.Contains(t, text, "intervention_9")

	_, err = s.handleResolveInterventionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "resolve-intervention"},
	})
	require.Error(t, err)
}
