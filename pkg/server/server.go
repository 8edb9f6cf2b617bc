package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baatcheet/keyrouter/pkg/config"
	"github.com/baatcheet/keyrouter/pkg/health"
	"github.com/baatcheet/keyrouter/pkg/identity"
	"github.com/baatcheet/keyrouter/pkg/models"
	"github.com/baatcheet/keyrouter/pkg/observability"
	"github.com/baatcheet/keyrouter/pkg/router"
)

// Response headers describing how a request was served.
const (
	HeaderProvider = "X-Keyrouter-Provider"
	HeaderKey      = "X-Keyrouter-Key"
	HeaderAttempts = "X-Keyrouter-Attempts"
)

// maxRequestBytes caps inbound payloads.
const maxRequestBytes = 32 << 20

// Server is the keyrouter HTTP API.
type Server struct {
	cfg      *config.Config
	router   *router.Router
	reporter *health.Reporter
	resolver identity.Resolver
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithResolver sets the identity resolver for /v1 and /keys routes.
func WithResolver(r identity.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithMetrics sets the HTTP metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGatherer sets the registry exposed on /metrics. Defaults to the
// global Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, rt *router.Router, reporter *health.Reporter, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		router:   rt,
		reporter: reporter,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrDefault(s.logger)
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/health", s.handleHealth)
	r.Get("/health/{provider}", s.handleProviderHealth)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(s.resolver, s.cfg.Identity.Required, func(w http.ResponseWriter, err error) {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		}))

		r.Get("/keys/{provider}", s.handleKeyDetails)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", s.handleChatCompletions)
			r.Post("/{capability}", s.handleCapability)
		})
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("keyrouter listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	capability, err := models.ParseCapability(chi.URLParam(r, "capability"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	s.route(w, r, capability, models.Payload{
		Model:       requestModel(r, body),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	model := r.URL.Query().Get("model")
	if model == "" {
		model = req.Model
	}
	s.route(w, r, models.CapabilityChat, models.Payload{
		Model:       model,
		ContentType: "application/json",
		Body:        body,
	})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, capability models.Capability, payload models.Payload) {
	ctx := r.Context()
	if timeout := s.cfg.Router.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := s.router.Route(ctx, capability, payload)
	if err != nil {
		s.writeRouteError(w, r, capability, err)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(HeaderProvider, string(resp.Provider))
	w.Header().Set(HeaderKey, strconv.Itoa(resp.KeyIndex))
	w.Header().Set(HeaderAttempts, strconv.Itoa(resp.Attempts))
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// writeRouteError maps routing failures to HTTP responses. Vendor bodies
// are never forwarded on fatal rejections.
func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, capability models.Capability, err error) {
	var rerr *router.RoutingError
	var fatal *router.VendorFatalError

	switch {
	case errors.Is(err, router.ErrUnknownCapability):
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("capability %q is not routed", capability))

	case errors.As(err, &fatal):
		s.logger.Warn("vendor rejected request", "capability", capability, "provider", fatal.Provider,
			"key", fatal.KeyIndex, "status", fatal.StatusCode, "request_id", middleware.GetReqID(r.Context()))
		w.Header().Set(HeaderProvider, string(fatal.Provider))
		writeJSONError(w, http.StatusBadGateway, "upstream provider rejected the request")

	case errors.As(err, &rerr):
		w.Header().Set(HeaderAttempts, strconv.Itoa(rerr.Attempts))
		if rerr.Kind == router.KindNoCapacity {
			if rerr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rerr.RetryAfter.Seconds()))))
			}
			writeJSONError(w, http.StatusServiceUnavailable, "all providers exhausted")
			return
		}
		writeJSONError(w, http.StatusServiceUnavailable, "all providers failing")

	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "request timed out")

	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusServiceUnavailable, "request canceled")

	default:
		s.logger.Error("route failed", "capability", capability, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.reporter.Snapshot()
	code := http.StatusOK
	if report.Status == health.StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.reporter.ProviderHealth(models.Provider(chi.URLParam(r, "provider")))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleKeyDetails(w http.ResponseWriter, r *http.Request) {
	provider := models.Provider(chi.URLParam(r, "provider"))
	details, err := s.reporter.KeyDetails(provider)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": provider,
		"keys":     details,
	})
}

// requestModel takes the model from the query string, else from a JSON body.
func requestModel(r *http.Request, body []byte) string {
	if m := r.URL.Query().Get("model"); m != "" {
		return m
	}
	var probe struct {
		Model string `json:"model"`
	}
	if json.Unmarshal(body, &probe) == nil {
		return probe.Model
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"keyrouter_error","code":%d}}`, message, code)
}
