package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/baatcheet/keyrouter/pkg/health"
	"github.com/baatcheet/keyrouter/pkg/models"
	"github.com/baatcheet/keyrouter/pkg/observability"
)

// UsageSummarizer reports ledger aggregates, usually a *ledger.Ledger.
type UsageSummarizer interface {
	Summary(ctx context.Context, provider models.Provider, since time.Time) ([]models.UsageSummary, error)
}

// Server answers keyrouter diagnostics over stdio using JSON-RPC 2.0.
type Server struct {
	reporter *health.Reporter
	usage    UsageSummarizer
	version  string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Server. usage may be nil when the ledger is disabled.
func New(reporter *health.Reporter, usage UsageSummarizer, version string, logger *slog.Logger) *Server {
	return &Server{
		reporter: reporter,
		usage:    usage,
		version:  version,
		logger:   observability.OrDefault(logger),
		now:      time.Now,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, (&Request{}).fail(CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != "2.0" {
			s.writeResponse(w, req.fail(CodeInvalidRequest, "jsonrpc must be 2.0"))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return req.reply(InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "keyrouter", Version: s.version},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return req.reply(map[string]any{})
	case "tools/list":
		return req.reply(ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return req.fail(CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return req.fail(CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return req.reply(errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	return req.reply(handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal failed", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp write failed", "error", err)
	}
}
