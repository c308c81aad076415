package services

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/pair"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

var serviceSecret = []byte("service-test-secret")

const (
	testIP = "10.1.2.3"
	testUA = "lighthouse-cli/1.0"
)

// testCore is the real component stack the services run over in tests: a
// store in a temp dir, the identity registry, the session manager, and the
// project aggregate folding from that store.
type testCore struct {
	store     *store.Store
	registry  *auth.Registry
	sessions  *session.Manager
	aggregate *projection.Aggregate
	pairs     *pair.Manager
	metrics   *metrics.Metrics
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	logger := slog.Default()

	st, err := store.Open(t.Context(), store.Options{
		DataDir: t.TempDir(),
		Secret:  serviceSecret,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := auth.NewRegistry(serviceSecret, logger)
	sessions := session.NewManager(registry, st, ratelimit.NewAgentGate(0, 0), serviceSecret, session.Config{
		MaxConcurrentPerAgent: 4,
		IdleTimeout:           time.Hour,
		AbsoluteTimeout:       24 * time.Hour,
	}, logger)
	aggregate := projection.NewAggregate(st, st, logger)

	return &testCore{
		store:     st,
		registry:  registry,
		sessions:  sessions,
		aggregate: aggregate,
		pairs:     pair.NewManager(st, aggregate, logger),
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
}

// seedIdentity appends identity.created directly, the way bootstrap or an
// admin append would
func (c *testCore) seedIdentity(t *testing.T, agentID, credential string, role models.Role, capabilities ...string) {
	t.Helper()
	payload, err := models.EncodePayload(&models.IdentityCreatedPayload{
		AgentID:       agentID,
		Role:          role,
		CredentialMAC: auth.ComputeCredentialMAC(serviceSecret, agentID, credential),
		Capabilities:  capabilities,
	})
	require.NoError(t, err)
	event, err := c.store.Append(t.Context(), &models.EventDraft{
		EventType:   models.EventIdentityCreated,
		AggregateID: "agent:" + agentID,
		AgentID:     agentID,
		Payload:     payload,
	})
	require.NoError(t, err)
	c.registry.Apply(event)
}

// login opens a session for the agent and returns the bearer token
func (c *testCore) login(t *testing.T, agentID, credential string) string {
	t.Helper()
	token, _, err := c.sessions.Create(t.Context(), agentID, credential, testIP, testUA)
	require.NoError(t, err)
	return token
}

func (c *testCore) eventService() *EventService {
	return NewEventService(c.sessions, c.store, c.registry, c.aggregate, ratelimit.NewAgentGate(0, 0), c.metrics, slog.Default())
}

func (c *testCore) shadowService() *ShadowService {
	return NewShadowService(c.sessions, c.store, c.aggregate, 0, c.metrics, slog.Default())
}

func (c *testCore) pairService() *PairService {
	return NewPairService(c.sessions, c.pairs, slog.Default())
}

// fileWritten builds a valid append request for one shadow write
func fileWritten(path, hash string) AppendRequest {
	return AppendRequest{
		EventType:   models.EventFileWritten,
		AggregateID: "file:" + path,
		Payload:     mustEncode(&models.FileWrittenPayload{Path: path, ContentHash: hash}),
	}
}

func mustEncode(p models.Payload) json.RawMessage {
	raw, err := models.EncodePayload(p)
	if err != nil {
		panic(err)
	}
	return raw
}
