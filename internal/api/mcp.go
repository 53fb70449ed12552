package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        *storage.Store
	Engine       Matcher
	Explanations ExplainService
}

// NewMCPServer creates an MCP server with the matchd tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"matchd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("matchd: candidate-job matching engine with semantic fit scoring and explanations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("match_candidate",
			mcp.WithDescription("Compute the fit score between a candidate and a job variant, with per-requirement analysis."),
			mcp.WithString("candidate_id", mcp.Description("Candidate ID"), mcp.Required()),
			mcp.WithString("job_variant_id", mcp.Description("Job variant ID"), mcp.Required()),
		),
		mcpMatchCandidate(deps),
	)

	s.AddTool(
		mcp.NewTool("find_candidates",
			mcp.WithDescription("Search for candidates matching a job variant, ranked by fit score."),
			mcp.WithString("job_variant_id", mcp.Description("Job variant ID"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithNumber("min_fit_score", mcp.Description("Minimum fit score, 0-100 (default 0)")),
		),
		mcpFindCandidates(deps),
	)

	s.AddTool(
		mcp.NewTool("get_explanation",
			mcp.WithDescription("Fetch the stored match explanation for an application."),
			mcp.WithString("application_id", mcp.Description("Application ID"), mcp.Required()),
		),
		mcpGetExplanation(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"matchd://queue",
			"Job Queue",
			mcp.WithResourceDescription("Fit score job counts by status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpMatchCandidate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		candidateID, err := req.RequireString("candidate_id")
		if err != nil {
			return mcpError("candidate_id is required"), nil
		}
		jobVariantID, err := req.RequireString("job_variant_id")
		if err != nil {
			return mcpError("job_variant_id is required"), nil
		}

		result, err := deps.Engine.Match(ctx, candidateID, jobVariantID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("candidate or job variant not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("match failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindCandidates(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobVariantID, err := req.RequireString("job_variant_id")
		if err != nil {
			return mcpError("job_variant_id is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		minFit := req.GetFloat("min_fit_score", 0)

		results, err := deps.Engine.FindMatchingCandidates(ctx, jobVariantID, matching.FindOptions{
			MinFitScore: minFit,
			MaxResults:  limit,
		})
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("job variant not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("candidate search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetExplanation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		applicationID, err := req.RequireString("application_id")
		if err != nil {
			return mcpError("application_id is required"), nil
		}

		exp, err := deps.Explanations.Get(applicationID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("explanation not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get explanation: %v", err)), nil
		}

		b, err := json.Marshal(toExplanationResponse(exp))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal explanation: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Store.CountJobs()
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}

		b, err := json.Marshal(counts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal counts: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
