package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/services"
)

// registerSecExpert walks the challenge handshake over the wire
func registerSecExpert(t *testing.T, app *testAPI, token string) {
	t.Helper()
	rec := app.do(t, http.MethodPost, "/api/v1/experts/challenge", token, &expertChallengeRequest{ExpertID: "sec-expert"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var challenge challengeResponse
	decodeBody(t, rec, &challenge)
	require.NotEmpty(t, challenge.Nonce)

	rec = app.do(t, http.MethodPost, "/api/v1/experts/register", token, &services.RegisterExpertRequest{
		ExpertID:     "sec-expert",
		Capabilities: []string{"security"},
		Endpoint:     "http://sec-expert.internal/vote",
		Nonce:        challenge.Nonce,
		Response:     experts.ChallengeResponse([]byte(testExpertKey), challenge.Nonce),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestExpertChallengeHandler(t *testing.T) {
	app := newTestAPI(t)
	app.seedIdentity(t, "sec-expert", "expert-pw", models.RoleExpert, "security")
	app.seedIdentity(t, "alice", "alice-pw", models.RoleAgent)

	t.Run("expert challenges itself", func(t *testing.T) {
		token := app.login(t, "sec-expert", "expert-pw")
		rec := app.do(t, http.MethodPost, "/api/v1/experts/challenge", token, &expertChallengeRequest{ExpertID: "sec-expert"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var challenge challengeResponse
		decodeBody(t, rec, &challenge)
		assert.Equal(t, "sec-expert", challenge.ExpertID)
		assert.NotEmpty(t, challenge.Nonce)
	})

	t.Run("agent cannot start an expert handshake", func(t *testing.T) {
		token := app.login(t, "alice", "alice-pw")
		rec := app.do(t, http.MethodPost, "/api/v1/experts/challenge", token, &expertChallengeRequest{ExpertID: "sec-expert"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("expert id is required", func(t *testing.T) {
		token := app.login(t, "sec-expert", "expert-pw")
		rec := app.do(t, http.MethodPost, "/api/v1/experts/challenge", token, &expertChallengeRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRegisterExpertHandler(t *testing.T) {
	app := newTestAPI(t)
	app.seedIdentity(t, "sec-expert", "expert-pw", models.RoleExpert, "security")
	token := app.login(t, "sec-expert", "expert-pw")

	t.Run("correct response activates the expert", func(t *testing.T) {
		registerSecExpert(t, app, token)
	})

	t.Run("wrong response is rejected", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/api/v1/experts/challenge", token, &expertChallengeRequest{ExpertID: "sec-expert"})
		require.Equal(t, http.StatusOK, rec.Code)
		var challenge challengeResponse
		decodeBody(t, rec, &challenge)

		rec = app.do(t, http.MethodPost, "/api/v1/experts/register", token, &services.RegisterExpertRequest{
			ExpertID:     "sec-expert",
			Capabilities: []string{"security"},
			Nonce:        challenge.Nonce,
			Response:     experts.ChallengeResponse([]byte("wrong-secret"), challenge.Nonce),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestDelegateHandler(t *testing.T) {
	app := newTestAPI(t)
	app.seedIdentity(t, "sec-expert", "expert-pw", models.RoleExpert, "security")
	app.seedIdentity(t, "alice", "alice-pw", models.RoleAgent)
	registerSecExpert(t, app, app.login(t, "sec-expert", "expert-pw"))
	token := app.login(t, "alice", "alice-pw")

	t.Run("consensus approves through the wire", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/api/v1/experts/delegate", token, &delegateRequest{
			Command:      models.Command{Kind: "exec_shell", Args: []string{"make", "test"}},
			Capabilities: []string{"security"},
			BudgetMs:     2000,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var result experts.DelegationResult
		decodeBody(t, rec, &result)
		assert.Equal(t, models.VerdictApprove, result.Verdict)
		assert.Equal(t, []string{"sec-expert"}, result.ExpertIDs)
		assert.NotEmpty(t, result.DelegationID)
		require.Len(t, result.Votes, 1)
		assert.InDelta(t, 0.9, result.Votes[0].Confidence, 1e-9)
	})

	t.Run("command kind is required", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/api/v1/experts/delegate", token, &delegateRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQuarantineExpertHandler(t *testing.T) {
	app := newTestAPI(t)
	app.seedIdentity(t, "sec-expert", "expert-pw", models.RoleExpert, "security")
	app.seedIdentity(t, "alice", "alice-pw", models.RoleAgent)
	app.seedIdentity(t, "root", "root-pw", models.RoleSystemAdmin)
	registerSecExpert(t, app, app.login(t, "sec-expert", "expert-pw"))

	t.Run("only admin may quarantine", func(t *testing.T) {
		token := app.login(t, "alice", "alice-pw")
		rec := app.do(t, http.MethodPost, "/api/v1/experts/sec-expert/quarantine", token, &quarantineRequest{Reason: "drift"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown expert is not found", func(t *testing.T) {
		admin := app.login(t, "root", "root-pw")
		rec := app.do(t, http.MethodPost, "/api/v1/experts/ghost/quarantine", admin, &quarantineRequest{})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("quarantined expert leaves the selection pool", func(t *testing.T) {
		admin := app.login(t, "root", "root-pw")
		rec := app.do(t, http.MethodPost, "/api/v1/experts/sec-expert/quarantine", admin, &quarantineRequest{Reason: "bad votes"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var ack ackResponse
		decodeBody(t, rec, &ack)
		assert.Equal(t, "quarantined", ack.Status)

		token := app.login(t, "alice", "alice-pw")
		rec = app.do(t, http.MethodPost, "/api/v1/experts/delegate", token, &delegateRequest{
			Command: models.Command{Kind: "exec_shell"}, Capabilities: []string{"security"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var result experts.DelegationResult
		decodeBody(t, rec, &result)
		assert.Equal(t, models.VerdictDeny, result.Verdict)
		assert.Empty(t, result.ExpertIDs)
	})
}
