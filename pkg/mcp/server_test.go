package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/baatcheet/keyrouter/pkg/health"
	"github.com/baatcheet/keyrouter/pkg/keystore"
	"github.com/baatcheet/keyrouter/pkg/models"
)

// fakeUsage implements UsageSummarizer for testing.
type fakeUsage struct {
	rows     []models.UsageSummary
	err      error
	provider models.Provider
	since    time.Time
}

func (f *fakeUsage) Summary(_ context.Context, provider models.Provider, since time.Time) ([]models.UsageSummary, error) {
	f.provider = provider
	f.since = since
	return f.rows, f.err
}

func newReporter(t *testing.T) (*health.Reporter, *keystore.Store) {
	t.Helper()
	store := keystore.New([]models.ProviderKeys{
		{Provider: models.ProviderGroq, Keys: []models.KeySpec{
			{Secret: "gsk-mcp-secret-aaaaaaaa", DailyCapacity: 10},
			{Secret: "gsk-mcp-secret-bbbbbbbb", DailyCapacity: 10},
		}},
		{Provider: models.ProviderGemini, Keys: []models.KeySpec{
			{Secret: "AIza-mcp-secret-cccccc", DailyCapacity: 5},
		}},
	})
	return health.NewReporter(store, nil), store
}

func newTestServer(t *testing.T, usage UsageSummarizer) (*Server, *keystore.Store) {
	t.Helper()
	reporter, store := newReporter(t)
	return New(reporter, usage, "test", nil), store
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`10`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "keyrouter" || result.ServerInfo.Version != "test" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
	if !strings.Contains(string(data), `"capabilities":{"tools":{}}`) {
		t.Errorf("expected tools capability, got %s", data)
	}
}

func TestToolsList(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"keyrouter_health", "keyrouter_provider_health", "keyrouter_key_details", "keyrouter_usage"} {
		if !names[want] {
			t.Errorf("missing tool: %s", want)
		}
	}
	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, %d handlers", len(result.Tools), len(toolHandlers))
	}
}

func TestToolCallHealth(t *testing.T) {
	srv, store := newTestServer(t, nil)
	_, _ = store.MarkUsed(models.ProviderGroq, 0)

	result := callTool(t, srv, "keyrouter_health", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "Status: healthy") || !strings.Contains(text, "groq") || !strings.Contains(text, "gemini") {
		t.Errorf("unexpected health output: %s", text)
	}
	if !strings.Contains(text, "Used today: 1 of 25") {
		t.Errorf("expected usage totals, got: %s", text)
	}
}

func TestToolCallProviderHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	result := callTool(t, srv, "keyrouter_provider_health", `{"provider":"gemini"}`)
	if result.IsError || !strings.Contains(result.Content[0].Text, "gemini") {
		t.Errorf("unexpected output: %+v", result)
	}

	result = callTool(t, srv, "keyrouter_provider_health", `{"provider":"acme"}`)
	if !result.IsError {
		t.Error("expected isError for unknown provider")
	}

	result = callTool(t, srv, "keyrouter_provider_health", `{}`)
	if !result.IsError {
		t.Error("expected isError for missing provider")
	}
}

func TestToolCallKeyDetails(t *testing.T) {
	srv, store := newTestServer(t, nil)
	_, _ = store.MarkExhausted(models.ProviderGroq, 1, "vendor quota exceeded")

	result := callTool(t, srv, "keyrouter_key_details", `{"provider":"groq"}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "vendor quota exceeded") {
		t.Errorf("expected exhaustion reason, got: %s", text)
	}
	if strings.Contains(text, "gsk-mcp-secret") {
		t.Errorf("secret leaked: %s", text)
	}
}

func TestToolCallUsage(t *testing.T) {
	usage := &fakeUsage{rows: []models.UsageSummary{
		{Provider: models.ProviderGroq, KeyIndex: 1, Successes: 40, QuotaExceeded: 1, Total: 41},
	}}
	srv, _ := newTestServer(t, usage)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	result := callTool(t, srv, "keyrouter_usage", `{"provider":"groq"}`)
	if !strings.Contains(result.Content[0].Text, "41") {
		t.Errorf("expected totals in output, got: %s", result.Content[0].Text)
	}
	if usage.provider != models.ProviderGroq || !usage.since.Equal(now.Add(-24*time.Hour)) {
		t.Errorf("unexpected query: %s since %v", usage.provider, usage.since)
	}

	callTool(t, srv, "keyrouter_usage", `{"since":"2026-03-01"}`)
	if !usage.since.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected parsed since, got %v", usage.since)
	}

	if r := callTool(t, srv, "keyrouter_usage", `{"since":"yesterday"}`); !r.IsError {
		t.Error("expected isError for bad date")
	}

	usage.err = errors.New("db closed")
	if r := callTool(t, srv, "keyrouter_usage", `{}`); !r.IsError {
		t.Error("expected isError on ledger failure")
	}
}

func TestToolCallUsageNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	result := callTool(t, srv, "keyrouter_usage", `{}`)
	if !strings.Contains(result.Content[0].Text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", result.Content[0].Text)
	}
}

func TestUnknownTool(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if r := callTool(t, srv, "keyrouter_teleport", `{}`); !r.IsError {
		t.Error("expected isError for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestParseErrorAndVersion(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var out bytes.Buffer
	_ = srv.Run(context.Background(), strings.NewReader("{not json\n"), &out)
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}

	resp = sendAndReceive(t, srv, Request{JSONRPC: "1.0", ID: json.RawMessage(`3`), Method: "initialize"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request, got %+v", resp)
	}
}
