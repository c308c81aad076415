// Package e2e boots the full server stack on a real listener and drives it
// the way deployed agents do: HTTP requests, websocket subscriptions, and
// scripted expert endpoints behind real TCP connections.
package e2e

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/api"
	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/config"
	"github.com/lighthouse-hq/lighthouse/pkg/events"
	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/pair"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
	"github.com/lighthouse-hq/lighthouse/pkg/services"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/speed"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

var e2eSecret = []byte("e2e-auth-secret")

// testUserAgent is sent on every request. Sessions bind to the client
// user agent, so the login and everything after it must present the same
// one.
const testUserAgent = "lighthouse-e2e/1.0"

// appConfig collects the knobs tests tune through TestAppOption values.
type appConfig struct {
	bootstrap   config.BootstrapConfig
	policyRules string
	consensusN  int
	tauApprove  float64
	tauDeny     float64
	pageSize    int
	session     session.Config
}

// TestAppOption adjusts the stack before it boots.
type TestAppOption func(*appConfig)

// WithBootstrap seeds the first identity on the empty log, the way a fresh
// deployment does.
func WithBootstrap(agentID string, role models.Role, credential string) TestAppOption {
	return func(c *appConfig) {
		c.bootstrap = config.BootstrapConfig{AgentID: agentID, Role: string(role), Credential: credential}
	}
}

// WithPolicyRules writes the YAML rule set the speed layer loads at boot.
func WithPolicyRules(rules string) TestAppOption {
	return func(c *appConfig) { c.policyRules = rules }
}

// WithConsensusN sets how many experts a delegation consults.
func WithConsensusN(n int) TestAppOption {
	return func(c *appConfig) { c.consensusN = n }
}

// WithShadowPageSize bounds shadow search responses.
func WithShadowPageSize(n int) TestAppOption {
	return func(c *appConfig) { c.pageSize = n }
}

// TestApp is one booted server plus handles on its internals for direct
// seeding and state assertions.
type TestApp struct {
	Store       *store.Store
	Identities  *auth.Registry
	Panel       *experts.Registry
	Aggregate   *projection.Aggregate
	Sessions    *session.Manager
	Coordinator *experts.Coordinator
	Layer       *speed.Layer

	DataDir string
	BaseURL string
	WSURL   string

	server *api.Server
	client *http.Client
}

// NewTestApp assembles the stack the way the server binary does, serves it
// on an OS-assigned port, and tears everything down when the test ends.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := appConfig{
		consensusN: 1,
		tauApprove: 0.6,
		tauDeny:    0.6,
		session: session.Config{
			MaxConcurrentPerAgent: 8,
			IdleTimeout:           time.Hour,
			AbsoluteTimeout:       24 * time.Hour,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := slog.Default()
	ctx := context.Background()
	dataDir := t.TempDir()

	st, err := store.Open(ctx, store.Options{
		DataDir: filepath.Join(dataDir, "events"),
		Secret:  e2eSecret,
		Logger:  logger,
	})
	require.NoError(t, err)

	identities := auth.NewRegistry(e2eSecret, logger)
	require.NoError(t, identities.Load(ctx, st))
	panel := experts.NewRegistry(logger)
	require.NoError(t, panel.Load(ctx, st))
	aggregate := projection.NewAggregate(st, st, logger)
	require.NoError(t, aggregate.Load(ctx))

	if cfg.bootstrap.Enabled() {
		require.NoError(t, services.Bootstrap(ctx, st, identities, e2eSecret, cfg.bootstrap, logger))
	}

	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)
	gate := ratelimit.NewAgentGate(0, 0)
	sessions := session.NewManager(identities, st, gate, e2eSecret, cfg.session, logger)

	keysDir := filepath.Join(dataDir, "keys")
	require.NoError(t, os.MkdirAll(filepath.Join(keysDir, "experts"), 0o755))
	coordinator := experts.NewCoordinator(panel, experts.NewFileSecretSource(keysDir),
		experts.NewHTTPCaller(logger), st,
		experts.Config{
			ConsensusN:   cfg.consensusN,
			TauApprove:   cfg.tauApprove,
			TauDeny:      cfg.tauDeny,
			SafetyMargin: 50 * time.Millisecond,
			ChallengeTTL: time.Minute,
		}, logger)

	rulesPath := ""
	if cfg.policyRules != "" {
		rulesPath = filepath.Join(dataDir, "policy.yaml")
		require.NoError(t, os.WriteFile(rulesPath, []byte(cfg.policyRules), 0o600))
	}
	rules, err := speed.LoadRules(rulesPath)
	require.NoError(t, err)
	layer, err := speed.NewLayer(speed.Options{
		Rules:        rules,
		Escalator:    services.NewEscalationBridge(coordinator, m),
		ExpertBudget: 5 * time.Second,
		Logger:       logger,
	})
	require.NoError(t, err)

	server := api.NewServer(api.Options{
		Sessions: services.NewSessionService(sessions, m, logger),
		Commands: services.NewCommandService(sessions, layer, gate, m, logger),
		Events:   services.NewEventService(sessions, st, identities, aggregate, gate, m, logger),
		Experts:  services.NewExpertService(sessions, coordinator, m, logger),
		Pairs:    services.NewPairService(sessions, pair.NewManager(st, aggregate, logger), logger),
		Shadow:   services.NewShadowService(sessions, st, aggregate, cfg.pageSize, m, logger),
		Stream:   events.NewConnectionManager(st, m, 10*time.Second, 0, logger),
		Store:    st,
		Metrics:  m,
		Gatherer: promReg,
		Logger:   logger,
	})

	feedCtx, feedCancel := context.WithCancel(context.Background())
	go runFoldFeed(feedCtx, st, aggregate, identities, panel, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := server.StartWithListener(ln); err != nil {
			logger.Error("test server stopped", "error", err)
		}
	}()

	t.Cleanup(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
		feedCancel()
		coordinator.Stop()
		_ = st.Close()
	})

	addr := ln.Addr().String()
	return &TestApp{
		Store:       st,
		Identities:  identities,
		Panel:       panel,
		Aggregate:   aggregate,
		Sessions:    sessions,
		Coordinator: coordinator,
		Layer:       layer,
		DataDir:     dataDir,
		BaseURL:     "http://" + addr,
		WSURL:       "ws://" + addr,
		server:      server,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// runFoldFeed mirrors the binary's live fold loop: deliver every append to
// the derived read models until the feed context ends.
func runFoldFeed(ctx context.Context, st *store.Store, aggregate *projection.Aggregate,
	identities *auth.Registry, panel *experts.Registry, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		start := aggregate.AppliedSequence()
		if folded := identities.FoldedTo(); folded < start {
			start = folded
		}
		sub, err := st.Subscribe(ctx, models.EventFilter{FromSequence: start + 1}, 64)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		for event := range sub.Events() {
			aggregate.Apply(event)
			identities.Apply(event)
			panel.Apply(event)
		}
		if ctx.Err() != nil {
			return
		}
		if err := sub.Err(); err != nil {
			logger.Warn("test fold feed interrupted, resubscribing", "error", err)
		}
	}
}

// SeedIdentity appends identity.created directly and folds it, the way
// provisioning tooling would on a running deployment.
func (app *TestApp) SeedIdentity(t *testing.T, agentID string, role models.Role, credential string, capabilities ...string) *models.Event {
	t.Helper()
	payload, err := models.EncodePayload(&models.IdentityCreatedPayload{
		AgentID:       agentID,
		Role:          role,
		CredentialMAC: auth.ComputeCredentialMAC(e2eSecret, agentID, credential),
		Capabilities:  capabilities,
	})
	require.NoError(t, err)
	event, err := app.Store.Append(t.Context(), &models.EventDraft{
		EventType:   models.EventIdentityCreated,
		AggregateID: "agent:" + agentID,
		AgentID:     agentID,
		Payload:     payload,
	})
	require.NoError(t, err)
	app.Identities.Apply(event)
	return event
}

// ProvisionExpertKey drops a delegation secret into the keys directory, the
// out-of-band step an operator performs before an expert may register.
func (app *TestApp) ProvisionExpertKey(t *testing.T, expertID, key string) {
	t.Helper()
	path := filepath.Join(app.DataDir, "keys", "experts", expertID+".key")
	require.NoError(t, os.WriteFile(path, []byte(key+"\n"), 0o600))
}

// PadLogTo appends shadow writes directly until the head reaches seq.
// Sequences must land on exact numbers for the snapshot scenarios.
func (app *TestApp) PadLogTo(t *testing.T, agentID string, seq uint64) {
	t.Helper()
	for app.Store.Head() < seq {
		n := app.Store.Head() + 1
		payload, err := models.EncodePayload(&models.FileWrittenPayload{
			Path:        filePathAt(n),
			ContentHash: hashAt(n),
			SizeBytes:   int64(100 + n),
		})
		require.NoError(t, err)
		_, err = app.Store.Append(t.Context(), &models.EventDraft{
			EventType:   models.EventFileWritten,
			AggregateID: "file:" + filePathAt(n),
			AgentID:     agentID,
			Payload:     payload,
		})
		require.NoError(t, err)
	}
	require.Equal(t, seq, app.Store.Head())
}
