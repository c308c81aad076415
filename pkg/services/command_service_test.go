package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
	"github.com/lighthouse-hq/lighthouse/pkg/speed"
)

const testRules = `
rules:
  - id: deny-destructive
    priority: 1
    kind: "^delete"
    verdict: deny
    reason: destructive command
  - id: approve-format
    priority: 2
    kind: "^format$"
    verdict: approve
    reason: formatting is safe
`

// recordingEscalator answers escalations with a fixed decision and keeps
// what it was asked
type recordingEscalator struct {
	mu       sync.Mutex
	seen     []*speed.Escalation
	decision *speed.Decision
	err      error
}

func (e *recordingEscalator) Escalate(_ context.Context, esc *speed.Escalation) (*speed.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, esc)
	if e.err != nil {
		return nil, e.err
	}
	return e.decision, nil
}

func newTestCommandService(t *testing.T, core *testCore, escalator speed.Escalator) *CommandService {
	t.Helper()
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(testRules), 0o600))
	rules, err := speed.LoadRules(rulesPath)
	require.NoError(t, err)

	layer, err := speed.NewLayer(speed.Options{
		Rules:     rules,
		Escalator: escalator,
		Logger:    slog.Default(),
	})
	require.NoError(t, err)
	return NewCommandService(core.sessions, layer, ratelimit.NewAgentGate(0, 0), core.metrics, slog.Default())
}

func TestCommandService_PolicyDeny(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	token := core.login(t, "alice", "hunter2")
	escalator := &recordingEscalator{}
	svc := newTestCommandService(t, core, escalator)

	result, err := svc.Validate(t.Context(), token, testIP, testUA, &models.Command{Kind: "delete_file", TargetPath: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictDeny, result.Verdict)
	assert.Equal(t, speed.TierPolicy, result.Tier)
	assert.Equal(t, "deny-destructive", result.RuleID)
	assert.NotEmpty(t, result.Fingerprint)
	assert.Empty(t, escalator.seen, "settled verdicts must not reach the experts")
}

func TestCommandService_MemoryTierOnRepeat(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	token := core.login(t, "alice", "hunter2")
	svc := newTestCommandService(t, core, &recordingEscalator{})

	cmd := &models.Command{Kind: "format", TargetPath: "main.go"}
	first, err := svc.Validate(t.Context(), token, testIP, testUA, cmd)
	require.NoError(t, err)
	assert.Equal(t, speed.TierPolicy, first.Tier)

	second, err := svc.Validate(t.Context(), token, testIP, testUA, cmd)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApprove, second.Verdict)
	assert.Equal(t, speed.TierMemory, second.Tier)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestCommandService_EscalatesUndecided(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	token := core.login(t, "alice", "hunter2")
	escalator := &recordingEscalator{decision: &speed.Decision{
		Verdict:    models.VerdictApprove,
		Confidence: 0.9,
		Reason:     "expert consensus d-1",
	}}
	svc := newTestCommandService(t, core, escalator)

	cmd := &models.Command{Kind: "exec_shell", Args: []string{"ls"}}
	result, err := svc.Validate(t.Context(), token, testIP, testUA, cmd)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApprove, result.Verdict)
	assert.Equal(t, speed.TierEscalation, result.Tier)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)

	require.Len(t, escalator.seen, 1)
	esc := escalator.seen[0]
	assert.Equal(t, "alice", esc.AgentID)
	assert.Equal(t, models.RoleAgent, esc.Role)
	assert.Equal(t, result.Fingerprint, esc.Fingerprint)
	assert.Positive(t, esc.Budget)
}

func TestCommandService_EscalationFailureIsAnError(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	token := core.login(t, "alice", "hunter2")
	escalator := &recordingEscalator{err: errors.New("experts down")}
	svc := newTestCommandService(t, core, escalator)

	result, err := svc.Validate(t.Context(), token, testIP, testUA, &models.Command{Kind: "exec_shell"})
	require.Error(t, err)
	assert.Nil(t, result, "a failed escalation is an error, not a verdict")
}

func TestCommandService_RejectsBadInput(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	token := core.login(t, "alice", "hunter2")
	svc := newTestCommandService(t, core, &recordingEscalator{})

	t.Run("missing kind", func(t *testing.T) {
		_, err := svc.Validate(t.Context(), token, testIP, testUA, &models.Command{})
		require.True(t, models.IsValidationError(err))
	})

	t.Run("nil command", func(t *testing.T) {
		_, err := svc.Validate(t.Context(), token, testIP, testUA, nil)
		require.True(t, models.IsValidationError(err))
	})

	t.Run("bad token", func(t *testing.T) {
		_, err := svc.Validate(t.Context(), "garbage", testIP, testUA, &models.Command{Kind: "format"})
		require.ErrorIs(t, err, models.ErrInvalidToken)
	})
}

func TestCommandService_RateLimited(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	token := core.login(t, "alice", "hunter2")

	rules, err := speed.LoadRules("")
	require.NoError(t, err)
	layer, err := speed.NewLayer(speed.Options{Rules: rules, Logger: slog.Default()})
	require.NoError(t, err)
	svc := NewCommandService(core.sessions, layer, ratelimit.NewAgentGate(0.001, 1), core.metrics, slog.Default())

	// The first call consumes the only token; whether it decides or fails
	// closed does not matter here.
	_, _ = svc.Validate(t.Context(), token, testIP, testUA, &models.Command{Kind: "format"})
	_, err = svc.Validate(t.Context(), token, testIP, testUA, &models.Command{Kind: "format"})
	require.ErrorIs(t, err, models.ErrRateLimited)
}
