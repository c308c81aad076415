package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

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

var apiSecret = []byte("api-test-secret")

const (
	testUA        = "lighthouse-cli/1.0"
	testExpertKey = "api-expert-provisioned-key"
)

// testAPI is a full server over real components: store in a temp dir,
// session manager, speed layer, expert coordinator with a scripted caller,
// and the stream manager.
type testAPI struct {
	server   *Server
	store    *store.Store
	registry *auth.Registry
	caller   *scriptedCaller
}

// scriptedCaller answers every expert vote with a fixed verdict.
type scriptedCaller struct {
	verdict    models.Verdict
	confidence float64
}

func (c *scriptedCaller) Call(_ context.Context, _ *experts.Expert, _ *experts.VoteRequest) (*models.ExpertVote, error) {
	return &models.ExpertVote{Verdict: c.verdict, Confidence: c.confidence}, nil
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.Default()

	st, err := store.Open(t.Context(), store.Options{
		DataDir: t.TempDir(),
		Secret:  apiSecret,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := auth.NewRegistry(apiSecret, logger)
	sessions := session.NewManager(registry, st, ratelimit.NewAgentGate(0, 0), apiSecret, session.Config{
		MaxConcurrentPerAgent: 4,
		IdleTimeout:           time.Hour,
		AbsoluteTimeout:       24 * time.Hour,
	}, logger)
	aggregate := projection.NewAggregate(st, st, logger)
	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)

	rulesPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(`
rules:
  - id: deny-secrets
    target: "**/secrets/**"
    verdict: deny
  - id: approve-src
    target: "src/**"
    verdict: approve
`), 0o600))
	rules, err := speed.LoadRules(rulesPath)
	require.NoError(t, err)
	layer, err := speed.NewLayer(speed.Options{Rules: rules, Logger: logger})
	require.NoError(t, err)

	keysDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(keysDir, "experts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(keysDir, "experts", "sec-expert.key"), []byte(testExpertKey+"\n"), 0o600))
	caller := &scriptedCaller{verdict: models.VerdictApprove, confidence: 0.9}
	coordinator := experts.NewCoordinator(
		experts.NewRegistry(logger),
		experts.NewFileSecretSource(keysDir),
		caller, st,
		experts.Config{ConsensusN: 1, TauApprove: 0.6, TauDeny: 0.6, SafetyMargin: 50 * time.Millisecond, ChallengeTTL: time.Minute},
		logger)
	t.Cleanup(coordinator.Stop)

	server := NewServer(Options{
		Sessions: services.NewSessionService(sessions, m, logger),
		Commands: services.NewCommandService(sessions, layer, ratelimit.NewAgentGate(0, 0), m, logger),
		Events:   services.NewEventService(sessions, st, registry, aggregate, ratelimit.NewAgentGate(0, 0), m, logger),
		Experts:  services.NewExpertService(sessions, coordinator, m, logger),
		Pairs:    services.NewPairService(sessions, pair.NewManager(st, aggregate, logger), logger),
		Shadow:   services.NewShadowService(sessions, st, aggregate, 0, m, logger),
		Stream:   events.NewConnectionManager(st, m, 5*time.Second, 0, logger),
		Store:    st,
		Metrics:  m,
		Gatherer: promReg,
		CORS:     config.CORSConfig{AllowOrigins: []string{"https://app.lighthouse.dev"}},
		Logger:   logger,
	})

	return &testAPI{server: server, store: st, registry: registry, caller: caller}
}

// seedIdentity appends identity.created directly, the way bootstrap would
func (a *testAPI) seedIdentity(t *testing.T, agentID, credential string, role models.Role, capabilities ...string) {
	t.Helper()
	payload, err := models.EncodePayload(&models.IdentityCreatedPayload{
		AgentID:       agentID,
		Role:          role,
		CredentialMAC: auth.ComputeCredentialMAC(apiSecret, agentID, credential),
		Capabilities:  capabilities,
	})
	require.NoError(t, err)
	event, err := a.store.Append(t.Context(), &models.EventDraft{
		EventType:   models.EventIdentityCreated,
		AggregateID: "agent:" + agentID,
		AgentID:     agentID,
		Payload:     payload,
	})
	require.NoError(t, err)
	a.registry.Apply(event)
}

// reqOption mutates a request before it is served
type reqOption func(*http.Request)

func withHeader(key, value string) reqOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// do sends one request through the full middleware and routing stack.
func (a *testAPI) do(t *testing.T, method, target, token string, body any, opts ...reqOption) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testUA)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	a.server.echo.ServeHTTP(rec, req)
	return rec
}

// login opens a session over the wire and returns the bearer token
func (a *testAPI) login(t *testing.T, agentID, credential string) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/sessions", "", &createSessionRequest{AgentID: agentID, Credential: credential})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// decodeBody unmarshals a JSON response body into out
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func uintString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
