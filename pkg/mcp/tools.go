package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/baatcheet/keyrouter/pkg/models"
)

type providerArgs struct {
	Provider string `json:"provider"`
}

type usageArgs struct {
	Provider string `json:"provider"`
	Since    string `json:"since"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"keyrouter_health":          handleHealth,
	"keyrouter_provider_health": handleProviderHealth,
	"keyrouter_key_details":     handleKeyDetails,
	"keyrouter_usage":           handleUsage,
}

var providerSchema = map[string]any{
	"type":     "object",
	"required": []string{"provider"},
	"properties": map[string]any{
		"provider": map[string]any{
			"type":        "string",
			"description": "Provider name, e.g. groq or gemini",
		},
	},
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "keyrouter_health",
		Description: "Show overall routing health: per-provider key counts, capacity and usage in the current window.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "keyrouter_provider_health",
		Description: "Show aggregated key health for a single provider.",
		InputSchema: providerSchema,
	},
	{
		Name:        "keyrouter_key_details",
		Description: "Show per-key diagnostics for a provider. Secrets are never included.",
		InputSchema: providerSchema,
	},
	{
		Name:        "keyrouter_usage",
		Description: "Show dispatch outcomes per provider key from the usage ledger.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"description": "Filter by provider (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional, defaults to the last 24 hours)",
				},
			},
		},
	},
}

func handleHealth(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatHealthReport(s.reporter.Snapshot()))
}

func handleProviderHealth(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args providerArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Provider == "" {
		return errorResult("provider is required")
	}
	h, err := s.reporter.ProviderHealth(models.Provider(args.Provider))
	if err != nil {
		return errorResult("Error fetching provider health: " + err.Error())
	}
	return textResult(formatProviderHealth([]models.ProviderHealth{h}))
}

func handleKeyDetails(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args providerArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Provider == "" {
		return errorResult("provider is required")
	}
	details, err := s.reporter.KeyDetails(models.Provider(args.Provider))
	if err != nil {
		return errorResult("Error fetching key details: " + err.Error())
	}
	return textResult(formatKeyDetails(models.Provider(args.Provider), details))
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.usage == nil {
		return textResult("Usage ledger is not configured.")
	}
	var args usageArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	since := s.now().UTC().Add(-24 * time.Hour)
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		since = t
	}

	rows, err := s.usage.Summary(ctx, models.Provider(args.Provider), since)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatUsage(rows))
}
