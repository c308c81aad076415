package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

func TestPairService_FullFlow(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	core.seedIdentity(t, "sec-expert", "expertpw", models.RoleExpert)
	svc := core.pairService()

	aliceToken := core.login(t, "alice", "hunter2")
	expertToken := core.login(t, "sec-expert", "expertpw")

	pairID, err := svc.Request(t.Context(), aliceToken, testIP, testUA, "review the retry loop", []string{"security"})
	require.NoError(t, err)
	require.NotEmpty(t, pairID)

	thread, err := svc.Get(t.Context(), aliceToken, testIP, testUA, pairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairRequested, thread.State)
	assert.Equal(t, "alice", thread.BuilderID)

	require.NoError(t, svc.Accept(t.Context(), expertToken, testIP, testUA, pairID))
	require.NoError(t, svc.Suggest(t.Context(), expertToken, testIP, testUA, pairID, 42, "use backoff with jitter"))
	require.NoError(t, svc.Comment(t.Context(), aliceToken, testIP, testUA, pairID, "good catch, fixing"))
	require.NoError(t, svc.Close(t.Context(), aliceToken, testIP, testUA, pairID, "done"))

	thread, err = svc.Get(t.Context(), aliceToken, testIP, testUA, pairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairClosed, thread.State)
	assert.Equal(t, "sec-expert", thread.ExpertID)
	assert.Equal(t, "done", thread.CloseReason)
	require.Len(t, thread.Suggestions, 1)
	assert.Equal(t, "sec-expert", thread.Suggestions[0].Author)
	assert.Equal(t, 42, thread.Suggestions[0].Line)
	require.Len(t, thread.Comments, 1)
	assert.Equal(t, "alice", thread.Comments[0].Author)

	// A closed pair takes no more traffic
	err = svc.Comment(t.Context(), aliceToken, testIP, testUA, pairID, "one more thing")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestPairService_RequestGates(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	core.seedIdentity(t, "sec-expert", "expertpw", models.RoleExpert)
	core.seedIdentity(t, "guest-1", "guestpw", models.RoleGuest)
	svc := core.pairService()

	t.Run("expert cannot open a pair", func(t *testing.T) {
		token := core.login(t, "sec-expert", "expertpw")
		_, err := svc.Request(t.Context(), token, testIP, testUA, "task", nil)
		require.ErrorIs(t, err, models.ErrPermissionDenied)
	})

	t.Run("guest cannot open a pair", func(t *testing.T) {
		token := core.login(t, "guest-1", "guestpw")
		_, err := svc.Request(t.Context(), token, testIP, testUA, "task", nil)
		require.ErrorIs(t, err, models.ErrPermissionDenied)
	})

	t.Run("task is required", func(t *testing.T) {
		token := core.login(t, "alice", "hunter2")
		_, err := svc.Request(t.Context(), token, testIP, testUA, "", nil)
		require.True(t, models.IsValidationError(err))
	})
}

func TestPairService_ParticipantsOnly(t *testing.T) {
	core := newTestCore(t)
	core.seedIdentity(t, "alice", "hunter2", models.RoleAgent)
	core.seedIdentity(t, "bob", "bobpw", models.RoleAgent)
	core.seedIdentity(t, "sec-expert", "expertpw", models.RoleExpert)
	core.seedIdentity(t, "root", "rootpw", models.RoleSystemAdmin)
	svc := core.pairService()

	aliceToken := core.login(t, "alice", "hunter2")
	bobToken := core.login(t, "bob", "bobpw")
	expertToken := core.login(t, "sec-expert", "expertpw")

	pairID, err := svc.Request(t.Context(), aliceToken, testIP, testUA, "review", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Accept(t.Context(), expertToken, testIP, testUA, pairID))

	t.Run("outsider cannot post", func(t *testing.T) {
		err := svc.Comment(t.Context(), bobToken, testIP, testUA, pairID, "let me in")
		require.ErrorIs(t, err, models.ErrScopeViolation)
	})

	t.Run("outsider cannot read the thread", func(t *testing.T) {
		_, err := svc.Get(t.Context(), bobToken, testIP, testUA, pairID)
		require.ErrorIs(t, err, models.ErrScopeViolation)
	})

	t.Run("admin can read any thread", func(t *testing.T) {
		adminToken := core.login(t, "root", "rootpw")
		thread, err := svc.Get(t.Context(), adminToken, testIP, testUA, pairID)
		require.NoError(t, err)
		assert.Equal(t, models.PairActive, thread.State)
	})

	t.Run("outsider cannot close", func(t *testing.T) {
		err := svc.Close(t.Context(), bobToken, testIP, testUA, pairID, "hijack")
		require.ErrorIs(t, err, models.ErrScopeViolation)
	})

	t.Run("builder cannot accept their own request", func(t *testing.T) {
		otherID, err := svc.Request(t.Context(), bobToken, testIP, testUA, "another", nil)
		require.NoError(t, err)
		err = svc.Accept(t.Context(), bobToken, testIP, testUA, otherID)
		require.ErrorIs(t, err, models.ErrConflict)
	})
}
