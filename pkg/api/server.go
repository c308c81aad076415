// Package api is the HTTP adapter: an Echo server exposing sessions,
// command validation, the event log, expert coordination, pair sessions,
// and the shadow tree, plus the /ws stream endpoint. Handlers validate
// wire shape only; identity, authorization, and logging live in the
// service layer, and an adapter never synthesizes an identity.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lighthouse-hq/lighthouse/pkg/config"
	"github.com/lighthouse-hq/lighthouse/pkg/events"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/redact"
	"github.com/lighthouse-hq/lighthouse/pkg/services"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

const apiPrefix = "/api/v1"

// Options carries the server's collaborators.
type Options struct {
	Sessions *services.SessionService
	Commands *services.CommandService
	Events   *services.EventService
	Experts  *services.ExpertService
	Pairs    *services.PairService
	Shadow   *services.ShadowService

	// Stream serves /ws subscriptions. Nil disables the endpoint.
	Stream *events.ConnectionManager
	// Store backs the health check.
	Store *store.Store

	Metrics *metrics.Metrics
	// Gatherer backs /metrics. Nil falls back to the process default.
	Gatherer prometheus.Gatherer
	CORS     config.CORSConfig
	Logger   *slog.Logger
}

// Server is the HTTP adapter over the service layer.
type Server struct {
	echo *echo.Echo
	http *http.Server

	sessions *services.SessionService
	commands *services.CommandService
	events   *services.EventService
	experts  *services.ExpertService
	pairs    *services.PairService
	shadow   *services.ShadowService

	connManager *events.ConnectionManager
	store       *store.Store
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	cors        config.CORSConfig
	redactor    *redact.Redactor
	logger      *slog.Logger
}

// NewServer builds the Echo app, wires middleware, and registers routes.
// It does not start listening; call Start.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		echo:        echo.New(),
		sessions:    opts.Sessions,
		commands:    opts.Commands,
		events:      opts.Events,
		experts:     opts.Experts,
		pairs:       opts.Pairs,
		shadow:      opts.Shadow,
		connManager: opts.Stream,
		store:       opts.Store,
		metrics:     opts.Metrics,
		gatherer:    gatherer,
		cors:        opts.CORS,
		redactor:    redact.NewRedactor(logger),
		logger:      logger.With("component", "api"),
	}

	s.echo.Use(securityHeaders())
	s.echo.Use(corsMiddleware(s.cors))
	s.registerRoutes()

	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	// Probe, scrape, and upgrade endpoints stay out of the request metrics;
	// the stream has its own connection gauge.
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", s.metricsHandler)
	s.echo.GET("/ws", s.wsHandler)

	// Session create is the one unauthenticated API route: it is the login.
	s.handle(http.MethodPost, apiPrefix+"/sessions", s.createSessionHandler)

	s.protected(http.MethodGet, apiPrefix+"/sessions/current", s.currentSessionHandler)
	s.protected(http.MethodDelete, apiPrefix+"/sessions/current", s.revokeSessionHandler)
	s.protected(http.MethodDelete, apiPrefix+"/agents/:id/sessions", s.revokeAgentSessionsHandler)

	s.protected(http.MethodPost, apiPrefix+"/commands/validate", s.validateCommandHandler)

	s.protected(http.MethodPost, apiPrefix+"/events", s.appendEventHandler)
	s.protected(http.MethodGet, apiPrefix+"/events", s.queryEventsHandler)
	s.protected(http.MethodGet, apiPrefix+"/events/integrity", s.verifyIntegrityHandler)

	s.protected(http.MethodPost, apiPrefix+"/experts/challenge", s.expertChallengeHandler)
	s.protected(http.MethodPost, apiPrefix+"/experts/register", s.registerExpertHandler)
	s.protected(http.MethodPost, apiPrefix+"/experts/delegate", s.delegateHandler)
	s.protected(http.MethodPost, apiPrefix+"/experts/:id/quarantine", s.quarantineExpertHandler)

	s.protected(http.MethodPost, apiPrefix+"/pairs", s.requestPairHandler)
	s.protected(http.MethodGet, apiPrefix+"/pairs/:id", s.getPairHandler)
	s.protected(http.MethodPost, apiPrefix+"/pairs/:id/accept", s.acceptPairHandler)
	s.protected(http.MethodPost, apiPrefix+"/pairs/:id/suggestions", s.pairSuggestionHandler)
	s.protected(http.MethodPost, apiPrefix+"/pairs/:id/comments", s.pairCommentHandler)
	s.protected(http.MethodPost, apiPrefix+"/pairs/:id/close", s.closePairHandler)

	s.protected(http.MethodPost, apiPrefix+"/snapshots", s.createSnapshotHandler)
	s.protected(http.MethodGet, apiPrefix+"/shadow/search", s.shadowSearchHandler)
	s.protected(http.MethodPost, apiPrefix+"/shadow/annotations", s.annotateHandler)
	s.protected(http.MethodGet, apiPrefix+"/shadow/state", s.shadowStateHandler)
}

// protected registers a route behind the bearer-token gate.
func (s *Server) protected(method, path string, h echo.HandlerFunc) {
	s.handle(method, path, requireBearer(h))
}

// handle registers one instrumented route. The literal route template is the
// metrics path label, which keeps label cardinality fixed.
func (s *Server) handle(method, path string, h echo.HandlerFunc) {
	h = s.instrument(method, path, h)
	switch method {
	case http.MethodGet:
		s.echo.GET(path, h)
	case http.MethodPost:
		s.echo.POST(path, h)
	case http.MethodDelete:
		s.echo.DELETE(path, h)
	}
}

// instrument records request count and latency. Handlers answer 200 on
// success, so the status label is derived from the returned error alone.
func (s *Server) instrument(method, path string, next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		start := time.Now()
		err := next(c)

		status := http.StatusOK
		if err != nil {
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.Code
			} else {
				status = http.StatusInternalServerError
			}
		}
		if s.metrics != nil {
			s.metrics.RecordHTTP(method, path, strconv.Itoa(status), time.Since(start).Seconds())
		}
		return err
	}
}

func (s *Server) metricsHandler(c *echo.Context) error {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}

// Start listens on addr and blocks until the listener fails or Shutdown is
// called. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info("http server listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener serves on an existing listener. Tests use it to bind an
// OS-assigned port before the server goroutine races the first request.
func (s *Server) StartWithListener(ln net.Listener) error {
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
