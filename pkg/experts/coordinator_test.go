package experts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

type coordAppender struct {
	mu     sync.Mutex
	seq    uint64
	drafts []*models.EventDraft
}

func (a *coordAppender) Append(_ context.Context, draft *models.EventDraft) (*models.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	eventID := draft.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}
	a.drafts = append(a.drafts, draft)
	return &models.Event{
		Sequence:    a.seq,
		EventID:     eventID,
		EventType:   draft.EventType,
		AggregateID: draft.AggregateID,
		AgentID:     draft.AgentID,
		Timestamp:   time.Now().UTC(),
		CausationID: draft.CausationID,
		Payload:     draft.Payload,
	}, nil
}

func (a *coordAppender) byType(eventType models.EventType) []*models.EventDraft {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.EventDraft
	for _, d := range a.drafts {
		if d.EventType == eventType {
			out = append(out, d)
		}
	}
	return out
}

// fakeCaller scripts per-expert votes, delays, and failures
type fakeCaller struct {
	mu    sync.Mutex
	votes map[string]models.ExpertVote
	delay map[string]time.Duration
	errs  map[string]error
	calls []string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		votes: make(map[string]models.ExpertVote),
		delay: make(map[string]time.Duration),
		errs:  make(map[string]error),
	}
}

func (f *fakeCaller) Call(ctx context.Context, expert *Expert, _ *VoteRequest) (*models.ExpertVote, error) {
	f.mu.Lock()
	f.calls = append(f.calls, expert.ID)
	delay := f.delay[expert.ID]
	err := f.errs[expert.ID]
	scripted, ok := f.votes[expert.ID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", models.ErrTimeout, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no scripted vote for %s", expert.ID)
	}
	return &scripted, nil
}

func (f *fakeCaller) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestCoordinator(t *testing.T, n int, secrets mapSecretSource) (*Coordinator, *fakeCaller, *coordAppender) {
	t.Helper()
	registry := NewRegistry(slog.Default())
	caller := newFakeCaller()
	appender := &coordAppender{}
	coordinator := NewCoordinator(registry, secrets, caller, appender, Config{
		ConsensusN: n,
		TauApprove: 0.6,
		TauDeny:    0.5,
	}, slog.Default())
	return coordinator, caller, appender
}

func seedExpert(t *testing.T, c *Coordinator, id string, capabilities ...string) {
	t.Helper()
	c.registry.Apply(registeredEvent(t, id, capabilities, "http://"+id+"/vote"))
}

func delegationRequest(budget time.Duration) *DelegationRequest {
	return &DelegationRequest{
		Fingerprint: "fp-1234",
		RequesterID: "agent-1",
		Command:     &models.Command{Kind: "shell.exec", Args: []string{"make", "deploy"}},
		Budget:      budget,
	}
}

func TestRegisterWithChallenge(t *testing.T) {
	secrets := mapSecretSource{"sec-9": "sec-9-key"}
	coordinator, _, appender := newTestCoordinator(t, 3, secrets)

	nonce := coordinator.IssueChallenge("sec-9")
	response := ChallengeResponse([]byte("sec-9-key"), nonce)

	expert, err := coordinator.Register(t.Context(), "sec-9", []string{"security"}, "http://sec-9/vote", nonce, response)
	require.NoError(t, err)
	assert.Equal(t, models.ExpertActive, expert.Status)
	assert.Equal(t, []string{"security"}, expert.Capabilities)

	registered := appender.byType(models.EventExpertRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, "expert:sec-9", registered[0].AggregateID)
	assert.Equal(t, "sec-9", registered[0].AgentID)
}

func TestRegisterRejectsBadChallengeResponse(t *testing.T) {
	secrets := mapSecretSource{"sec-9": "sec-9-key"}
	coordinator, _, appender := newTestCoordinator(t, 3, secrets)

	nonce := coordinator.IssueChallenge("sec-9")
	_, err := coordinator.Register(t.Context(), "sec-9", []string{"security"}, "", nonce, ChallengeResponse([]byte("wrong-key"), nonce))
	require.ErrorIs(t, err, models.ErrUnauthenticated)
	assert.Empty(t, appender.drafts)
	assert.Equal(t, 0, coordinator.registry.Count())
}

func TestRegisterRequiresCapabilities(t *testing.T) {
	secrets := mapSecretSource{"sec-9": "k"}
	coordinator, _, _ := newTestCoordinator(t, 3, secrets)

	nonce := coordinator.IssueChallenge("sec-9")
	_, err := coordinator.Register(t.Context(), "sec-9", nil, "", nonce, ChallengeResponse([]byte("k"), nonce))
	require.ErrorIs(t, err, models.ErrSchemaInvalid)
}

func TestQuarantineUnknownExpert(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, 3, nil)
	err := coordinator.Quarantine(t.Context(), "ghost", "never seen")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestDelegateUnanimousApproval(t *testing.T) {
	coordinator, caller, appender := newTestCoordinator(t, 3, nil)
	for _, id := range []string{"a", "b", "c"} {
		seedExpert(t, coordinator, id, "shell")
		caller.votes[id] = vote(id, models.VerdictApprove, 0.9)
	}

	result, err := coordinator.Delegate(t.Context(), delegationRequest(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApprove, result.Verdict)
	assert.Len(t, result.Votes, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, caller.called())

	dispatched := appender.byType(models.EventExpertDelegated)
	require.Len(t, dispatched, 1)
	assert.Equal(t, result.DelegationID, dispatched[0].EventID)
	assert.Equal(t, "delegation:"+result.DelegationID, dispatched[0].AggregateID)
	decoded, err := models.DecodePayload(models.EventExpertDelegated, dispatched[0].Payload)
	require.NoError(t, err)
	dispatchPayload, ok := decoded.(*models.ExpertDelegatedPayload)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, dispatchPayload.ExpertIDs)

	decisions := appender.byType(models.EventExpertDecision)
	require.Len(t, decisions, 1)
	assert.Equal(t, result.DelegationID, decisions[0].CausationID)
	decoded, err = models.DecodePayload(models.EventExpertDecision, decisions[0].Payload)
	require.NoError(t, err)
	decisionPayload, ok := decoded.(*models.ExpertDecisionPayload)
	require.True(t, ok)
	assert.Equal(t, models.VerdictApprove, decisionPayload.Verdict)
	assert.Len(t, decisionPayload.Votes, 3)
}

func TestDelegateConfidentDenyConcludes(t *testing.T) {
	coordinator, caller, _ := newTestCoordinator(t, 3, nil)
	seedExpert(t, coordinator, "a", "shell")
	seedExpert(t, coordinator, "b", "shell")
	seedExpert(t, coordinator, "c", "shell")
	caller.votes["a"] = vote("a", models.VerdictApprove, 0.9)
	caller.votes["b"] = vote("b", models.VerdictApprove, 0.9)
	caller.votes["c"] = vote("c", models.VerdictDeny, 0.8)

	result, err := coordinator.Delegate(t.Context(), delegationRequest(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictDeny, result.Verdict)
}

func TestDelegateNoEligibleExperts(t *testing.T) {
	coordinator, _, appender := newTestCoordinator(t, 3, nil)

	result, err := coordinator.Delegate(t.Context(), delegationRequest(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictDeny, result.Verdict)
	assert.Empty(t, result.Votes)
	assert.Empty(t, appender.drafts, "nothing dispatched means nothing logged")
}

func TestDelegateSkipsQuarantined(t *testing.T) {
	coordinator, caller, _ := newTestCoordinator(t, 3, nil)
	seedExpert(t, coordinator, "good", "shell")
	seedExpert(t, coordinator, "bad", "shell")
	coordinator.registry.Apply(quarantinedEvent(t, "bad"))
	caller.votes["good"] = vote("good", models.VerdictApprove, 0.9)

	_, err := coordinator.Delegate(t.Context(), delegationRequest(time.Second))
	require.NoError(t, err)
	assert.NotContains(t, caller.called(), "bad")
}

func TestDelegateFiltersByCapability(t *testing.T) {
	coordinator, caller, _ := newTestCoordinator(t, 1, nil)
	seedExpert(t, coordinator, "db-1", "database")
	seedExpert(t, coordinator, "sec-1", "security")
	caller.votes["sec-1"] = vote("sec-1", models.VerdictApprove, 0.9)

	req := delegationRequest(time.Second)
	req.RequiredCapabilities = []string{"security"}
	result, err := coordinator.Delegate(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApprove, result.Verdict)
	assert.Equal(t, []string{"sec-1"}, caller.called())
}

func TestDelegateShortPanelKeepsConfiguredBar(t *testing.T) {
	// One enthusiastic expert cannot carry a panel sized for three
	coordinator, caller, _ := newTestCoordinator(t, 3, nil)
	seedExpert(t, coordinator, "only", "shell")
	caller.votes["only"] = vote("only", models.VerdictApprove, 0.99)

	result, err := coordinator.Delegate(t.Context(), delegationRequest(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictDeny, result.Verdict)
}

func TestDelegateTimeoutsCountAsAbstain(t *testing.T) {
	coordinator, caller, _ := newTestCoordinator(t, 3, nil)
	seedExpert(t, coordinator, "a-ok", "shell")
	seedExpert(t, coordinator, "b-slow", "shell")
	seedExpert(t, coordinator, "c-slow", "shell")
	caller.votes["a-ok"] = vote("a-ok", models.VerdictApprove, 0.9)
	caller.delay["b-slow"] = time.Second
	caller.delay["c-slow"] = time.Second

	result, err := coordinator.Delegate(t.Context(), delegationRequest(300*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictDeny, result.Verdict)

	timeouts := 0
	for _, v := range result.Votes {
		if v.Verdict == models.VerdictTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 2, timeouts)
}

func TestDelegateReplacesTimedOutExpert(t *testing.T) {
	coordinator, caller, _ := newTestCoordinator(t, 1, nil)
	seedExpert(t, coordinator, "alpha-slow", "shell")
	seedExpert(t, coordinator, "beta-fast", "shell")
	caller.delay["alpha-slow"] = 500 * time.Millisecond
	caller.votes["beta-fast"] = vote("beta-fast", models.VerdictApprove, 0.9)

	result, err := coordinator.Delegate(t.Context(), delegationRequest(400*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApprove, result.Verdict)
	assert.Equal(t, []string{"alpha-slow", "beta-fast"}, caller.called())

	require.Len(t, result.Votes, 1)
	assert.Equal(t, "beta-fast", result.Votes[0].ExpertID)
}

func TestDelegateReplacementFailureLeavesAbstain(t *testing.T) {
	coordinator, caller, _ := newTestCoordinator(t, 1, nil)
	seedExpert(t, coordinator, "alpha", "shell")
	seedExpert(t, coordinator, "beta", "shell")
	caller.errs["alpha"] = fmt.Errorf("connection refused")
	caller.errs["beta"] = fmt.Errorf("connection refused")

	result, err := coordinator.Delegate(t.Context(), delegationRequest(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictDeny, result.Verdict)
	require.Len(t, result.Votes, 1)
	assert.Equal(t, models.VerdictAbstain, result.Votes[0].Verdict)
}

func TestDelegateBudgetSwallowedByMargin(t *testing.T) {
	registry := NewRegistry(slog.Default())
	coordinator := NewCoordinator(registry, nil, newFakeCaller(), &coordAppender{}, Config{
		ConsensusN:   3,
		TauApprove:   0.6,
		TauDeny:      0.5,
		SafetyMargin: 500 * time.Millisecond,
	}, slog.Default())

	_, err := coordinator.Delegate(t.Context(), delegationRequest(100*time.Millisecond))
	require.ErrorIs(t, err, models.ErrTimeout)
}

func TestSelectionPrefersIdleExperts(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, 1, nil)
	seedExpert(t, coordinator, "busy-a", "shell")
	seedExpert(t, coordinator, "idle-b", "shell")
	coordinator.addInFlight("busy-a", 1)

	selected := coordinator.selectExperts(nil, 1, &usedSet{ids: make(map[string]bool)})
	require.Len(t, selected, 1)
	assert.Equal(t, "idle-b", selected[0].ID)
}

func TestStoppedCoordinatorRefusesDelegations(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, 3, nil)
	coordinator.Stop()

	_, err := coordinator.Delegate(t.Context(), delegationRequest(time.Second))
	require.ErrorIs(t, err, models.ErrIO)
}
