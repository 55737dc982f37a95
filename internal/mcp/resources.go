package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

const (
	pendingInterventionsURI = "storyteller://interventions/pending"
	consensusURIPrefix      = "storyteller://consensus/"
)

func (s *Server) registerResources() {
	// storyteller://interventions/pending: the human work queue.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			pendingInterventionsURI,
			"Pending Interventions",
			mcplib.WithResourceDescription("Manual interventions waiting for a human decision, oldest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingInterventions,
	)

	// storyteller://consensus/{id}: a single consensus process.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			consensusURIPrefix+"{id}",
			"Consensus Process",
			mcplib.WithTemplateDescription("Current state of a consensus process"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleConsensusResource,
	)
}

func (s *Server) handlePendingInterventions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending, err := s.svc.PendingInterventions(ctx, storage.DefaultPendingLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: pending interventions: %w", err)
	}
	out := make([]map[string]any, 0, len(pending))
	for _, m := range pending {
		out = append(out, compactIntervention(m))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal interventions: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      pendingInterventionsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleConsensusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseConsensusURI(uri)
	if err != nil {
		return nil, err
	}

	c, err := s.svc.Status(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: consensus %s: %w", id, err)
	}

	data, err := json.MarshalIndent(compactConsensus(c), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal consensus: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseConsensusURI extracts the id from storyteller://consensus/{id}.
func parseConsensusURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, consensusURIPrefix) {
		return "", fmt.Errorf("mcp: invalid consensus URI: %s", uri)
	}
	id := strings.TrimPrefix(uri, consensusURIPrefix)
	if id == "" {
		return "", fmt.Errorf("mcp: invalid consensus URI: empty consensus id")
	}
	if strings.ContainsAny(id, "/?#") {
		return "", fmt.Errorf("mcp: invalid consensus URI: %s", uri)
	}
	return id, nil
}
