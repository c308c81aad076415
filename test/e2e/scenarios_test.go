package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/speed"
)

func TestBootstrapSeedsFirstIdentity(t *testing.T) {
	app := NewTestApp(t, WithBootstrap("alice", models.RoleAgent, "wonderland"))

	// Exactly one event before anyone logs in: the bootstrap identity.
	require.Equal(t, uint64(1), app.Store.Head())
	page, err := app.Store.Query(t.Context(), models.EventFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	first := page.Events[0]
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, models.EventIdentityCreated, first.EventType)
	assert.Equal(t, "agent:alice", first.AggregateID)
	assert.Equal(t, "alice", first.AgentID)
	require.NotEmpty(t, first.IntegrityTag)
	assert.NotEqual(t, make([]byte, len(first.IntegrityTag)), first.IntegrityTag,
		"genesis tag must be chained, not zero")

	// The folded identity authenticates over the wire.
	token := app.Login(t, "alice", "wonderland")

	// Identity and session events carry credentials, so a plain agent viewer
	// gets an empty result over the same range.
	asAgent := app.QueryEvents(t, token, nil)
	assert.Empty(t, asAgent.Events)

	app.SeedIdentity(t, "ops", models.RoleSystemAdmin, "ops-secret")
	opsToken := app.Login(t, "ops", "ops-secret")
	asAdmin := app.QueryEvents(t, opsToken, url.Values{"to_sequence": {"1"}})
	require.Len(t, asAdmin.Events, 1)
	assert.Equal(t, uint64(1), asAdmin.Events[0].Sequence)
	assert.Equal(t, models.EventIdentityCreated, asAdmin.Events[0].EventType)
}

func TestDuplicateDraftsAppendDistinctSequences(t *testing.T) {
	app := NewTestApp(t, WithBootstrap("alice", models.RoleAgent, "wonderland"))
	token := app.Login(t, "alice", "wonderland")

	head := app.Store.Head()
	first := app.AppendFileWritten(t, token, "a.txt", "h-a")
	second := app.AppendFileWritten(t, token, "a.txt", "h-a")

	// The same draft twice lands twice: positions are assigned, never
	// deduplicated.
	assert.Equal(t, head+1, first.Sequence)
	assert.Equal(t, head+2, second.Sequence)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.NotEqual(t, first.IntegrityTag, second.IntegrityTag)

	verified := app.VerifyIntegrity(t, token)
	assert.True(t, verified.Ok)
	assert.Equal(t, head+2, verified.VerifiedThrough)
}

func TestSessionBindingRejectsForeignOrigin(t *testing.T) {
	app := NewTestApp(t, WithBootstrap("alice", models.RoleAgent, "wonderland"))
	token := app.Login(t, "alice", "wonderland")

	app.getJSON(t, "/api/v1/sessions/current", token, nil, http.StatusOK)

	// The same token from another address is rejected and the session dies.
	status, raw := app.do(t, http.MethodGet, "/api/v1/sessions/current", token, nil,
		withHeader("X-Forwarded-For", "10.0.0.2"))
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "session binding mismatch", errorMessage(t, raw))

	status, raw = app.do(t, http.MethodGet, "/api/v1/sessions/current", token, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid token", errorMessage(t, raw),
		"a mismatched session must be revoked, not resumed from the original origin")

	// The revocation is on the log with its reason.
	page, err := app.Store.Query(t.Context(),
		models.EventFilter{EventTypes: []models.EventType{models.EventSessionRevoked}}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	var revoked models.SessionRevokedPayload
	require.NoError(t, json.Unmarshal(page.Events[0].Payload, &revoked))
	assert.Equal(t, "alice", revoked.AgentID)
	assert.Equal(t, "bound_mismatch", revoked.Reason)

	// A fresh login from the original origin still works.
	app.Login(t, "alice", "wonderland")
}

func TestUnknownAgentCannotOpenSession(t *testing.T) {
	app := NewTestApp(t)

	status, raw := app.do(t, http.MethodPost, "/api/v1/sessions", "",
		map[string]string{"agent_id": "mallory", "credential": "hunter2"})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", errorMessage(t, raw))

	// A failed login must not create anything: no identity, no session event.
	assert.Zero(t, app.Store.Head())
}

func TestExpertScopeStopsFilesystemWrites(t *testing.T) {
	app := NewTestApp(t, WithBootstrap("alice", models.RoleAgent, "wonderland"))
	app.SeedIdentity(t, "eve-reviewer", models.RoleExpert, "review-secret")
	token := app.Login(t, "eve-reviewer", "review-secret")

	head := app.Store.Head()
	payload, err := json.Marshal(&models.FileWrittenPayload{Path: "src/main.go", ContentHash: "h1"})
	require.NoError(t, err)
	status, raw := app.do(t, http.MethodPost, "/api/v1/events", token, map[string]any{
		"event_type":   string(models.EventFileWritten),
		"aggregate_id": "file:src/main.go",
		"payload":      json.RawMessage(payload),
	})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "scope violation", errorMessage(t, raw))
	assert.Equal(t, head, app.Store.Head())
}

func TestPolicyDenyDecidesWithoutExperts(t *testing.T) {
	app := NewTestApp(t,
		WithBootstrap("alice", models.RoleAgent, "wonderland"),
		WithPolicyRules(`
rules:
  - id: deny-destructive
    kind: '^rm\b'
    verdict: deny
    reason: destructive command
`))

	// An expert that would approve anything, to prove it is never asked.
	stub := NewExpertStub(t, "sec-1", models.VerdictApprove, 0.99)
	app.RegisterExpert(t, stub, "sec-credential", "sec-delegation-key", "security")

	token := app.Login(t, "alice", "wonderland")
	head := app.Store.Head()

	result := app.ValidateCommand(t, token, models.Command{Kind: "rm -rf /", TargetPath: "/"})
	assert.Equal(t, models.VerdictDeny, result.Verdict)
	assert.Equal(t, speed.TierPolicy, result.Tier)
	assert.Equal(t, "deny-destructive", result.RuleID)

	// Same command again is answered from the memory tier.
	again := app.ValidateCommand(t, token, models.Command{Kind: "rm -rf /", TargetPath: "/"})
	assert.Equal(t, models.VerdictDeny, again.Verdict)
	assert.Equal(t, speed.TierMemory, again.Tier)

	assert.Zero(t, stub.Calls(), "policy deny must not consult experts")
	assert.Equal(t, head, app.Store.Head(), "validation must not append")
}

func TestExpertConsensusApprovesAndLogsDecision(t *testing.T) {
	app := NewTestApp(t,
		WithBootstrap("alice", models.RoleAgent, "wonderland"),
		WithConsensusN(3))

	stubs := []*ExpertStub{
		NewExpertStub(t, "arch-1", models.VerdictApprove, 0.9),
		NewExpertStub(t, "arch-2", models.VerdictApprove, 0.8),
		NewExpertStub(t, "arch-3", models.VerdictAbstain, 0.5),
	}
	for i, stub := range stubs {
		app.RegisterExpert(t, stub,
			fmt.Sprintf("arch-credential-%d", i), fmt.Sprintf("arch-delegation-key-%d", i),
			"architecture")
	}

	token := app.Login(t, "alice", "wonderland")
	result := app.ValidateCommand(t, token, models.Command{Kind: "refactor module X"})

	require.Equal(t, models.VerdictApprove, result.Verdict)
	assert.Equal(t, speed.TierEscalation, result.Tier)
	assert.InDelta(t, 0.85, result.Confidence, 1e-9, "confidence is the mean of the agreeing votes")
	require.True(t, strings.HasPrefix(result.Reason, "expert consensus "), result.Reason)
	delegationID := strings.TrimPrefix(result.Reason, "expert consensus ")

	for _, stub := range stubs {
		assert.EqualValues(t, 1, stub.Calls(), "expert %s", stub.ID)
	}

	// The delegation and its decision are both on the log, causally linked.
	delegated := app.QueryEvents(t, token, url.Values{"event_types": {string(models.EventExpertDelegated)}})
	require.Len(t, delegated.Events, 1)
	assert.Equal(t, delegationID, delegated.Events[0].EventID)
	assert.Equal(t, "delegation:"+delegationID, delegated.Events[0].AggregateID)

	decisions := app.QueryEvents(t, token, url.Values{"event_types": {string(models.EventExpertDecision)}})
	require.Len(t, decisions.Events, 1)
	assert.Equal(t, delegationID, decisions.Events[0].CausationID)

	var decision models.ExpertDecisionPayload
	require.NoError(t, json.Unmarshal(decisions.Events[0].Payload, &decision))
	assert.Equal(t, delegationID, decision.DelegationID)
	assert.Equal(t, models.VerdictApprove, decision.Verdict)
	assert.Len(t, decision.Votes, 3)
}

func TestAllAbstentionsFailClosed(t *testing.T) {
	app := NewTestApp(t,
		WithBootstrap("alice", models.RoleAgent, "wonderland"),
		WithConsensusN(3))

	for i := range 3 {
		stub := NewExpertStub(t, fmt.Sprintf("arch-shrug-%d", i), models.VerdictAbstain, 0.5)
		app.RegisterExpert(t, stub,
			fmt.Sprintf("shrug-credential-%d", i), fmt.Sprintf("shrug-delegation-key-%d", i),
			"architecture")
	}

	token := app.Login(t, "alice", "wonderland")
	result := app.ValidateCommand(t, token, models.Command{Kind: "restructure billing"})

	assert.Equal(t, models.VerdictDeny, result.Verdict)
	assert.Equal(t, speed.TierEscalation, result.Tier)
	assert.Zero(t, result.Confidence)

	decisions := app.QueryEvents(t, token, url.Values{"event_types": {string(models.EventExpertDecision)}})
	require.Len(t, decisions.Events, 1)
	var decision models.ExpertDecisionPayload
	require.NoError(t, json.Unmarshal(decisions.Events[0].Payload, &decision))
	assert.Equal(t, models.VerdictDeny, decision.Verdict)
}

func TestSnapshotMatchesStateAtSameSequence(t *testing.T) {
	app := NewTestApp(t, WithBootstrap("alice", models.RoleAgent, "wonderland"))
	token := app.Login(t, "alice", "wonderland")

	app.PadLogTo(t, "alice", 100)
	snap := app.CreateSnapshot(t, token, "rc-1", 100)
	assert.Equal(t, uint64(101), snap.Sequence)

	for i := range 10 {
		app.AppendFileWritten(t, token, fmt.Sprintf("src/after/f%d.go", i), fmt.Sprintf("h-after-%d", i))
	}
	require.Equal(t, uint64(111), app.Store.Head())

	// The named snapshot and the sequence-bounded refold serve identical
	// bytes even though the log has moved on.
	atSequence := app.ShadowStateRaw(t, token, "?at_sequence=100")
	viaSnapshot := app.ShadowStateRaw(t, token, "?snapshot=rc-1")
	assert.Equal(t, string(atSequence), string(viaSnapshot))

	var state projection.State
	require.NoError(t, json.Unmarshal(atSequence, &state))
	assert.Equal(t, uint64(100), state.Applied)
	assert.Len(t, state.Files, 98, "1 identity + 1 session + 98 writes reach sequence 100")
	assert.NotContains(t, state.Files, "src/after/f0.go")

	var current projection.State
	require.NoError(t, json.Unmarshal(app.ShadowStateRaw(t, token, ""), &current))
	assert.Equal(t, uint64(111), current.Applied)
	assert.Len(t, current.Files, 108)
	assert.Contains(t, current.Snapshots, "rc-1")
}

func TestShadowSearchHonorsPageBound(t *testing.T) {
	app := NewTestApp(t,
		WithBootstrap("alice", models.RoleAgent, "wonderland"),
		WithShadowPageSize(5))
	token := app.Login(t, "alice", "wonderland")

	for i := range 8 {
		app.AppendFileWritten(t, token, fmt.Sprintf("src/app/handler%d.go", i), fmt.Sprintf("h%d", i))
	}

	var page projection.Page
	app.getJSON(t, "/api/v1/shadow/search?path_glob="+url.QueryEscape("src/app/**"),
		token, &page, http.StatusOK)
	assert.Len(t, page.Results, 5)
	assert.True(t, page.Truncated)
}
