package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/services"
)

// appendResult mirrors the append endpoint's response body.
type appendResult struct {
	Sequence     uint64 `json:"sequence"`
	EventID      string `json:"event_id"`
	IntegrityTag string `json:"integrity_tag"`
}

// integrityResult mirrors the integrity endpoint's response body.
type integrityResult struct {
	VerifiedThrough uint64 `json:"verified_through"`
	Ok              bool   `json:"ok"`
}

// errorBody is the fixed-phrase error envelope every failed call answers
// with.
type errorBody struct {
	Message string `json:"message"`
}

// reqOption mutates a request before it is sent.
type reqOption func(*http.Request)

func withHeader(key, value string) reqOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// do sends one request over the wire and returns the status and raw body.
func (app *TestApp) do(t *testing.T, method, path, token string, body any, opts ...reqOption) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testUserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := app.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// postJSON posts a body and decodes the response into out when the status
// matches.
func (app *TestApp) postJSON(t *testing.T, path, token string, body, out any, expectStatus int, opts ...reqOption) []byte {
	t.Helper()
	status, raw := app.do(t, http.MethodPost, path, token, body, opts...)
	require.Equal(t, expectStatus, status, "POST %s: %s", path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
	return raw
}

// getJSON fetches a path and decodes the response into out when the status
// matches.
func (app *TestApp) getJSON(t *testing.T, path, token string, out any, expectStatus int, opts ...reqOption) []byte {
	t.Helper()
	status, raw := app.do(t, http.MethodGet, path, token, nil, opts...)
	require.Equal(t, expectStatus, status, "GET %s: %s", path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
	return raw
}

// Login opens a session over the wire and returns the bearer token.
func (app *TestApp) Login(t *testing.T, agentID, credential string) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	app.postJSON(t, "/api/v1/sessions", "",
		map[string]string{"agent_id": agentID, "credential": credential}, &resp, http.StatusOK)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// AppendFileWritten appends one shadow write through the API.
func (app *TestApp) AppendFileWritten(t *testing.T, token, path, contentHash string) appendResult {
	t.Helper()
	payload, err := json.Marshal(&models.FileWrittenPayload{
		Path:        path,
		ContentHash: contentHash,
		SizeBytes:   64,
	})
	require.NoError(t, err)

	var out appendResult
	app.postJSON(t, "/api/v1/events", token, map[string]any{
		"event_type":   string(models.EventFileWritten),
		"aggregate_id": "file:" + path,
		"payload":      json.RawMessage(payload),
	}, &out, http.StatusOK)
	return out
}

// QueryEvents reads a page of the log through the API.
func (app *TestApp) QueryEvents(t *testing.T, token string, query url.Values) *models.EventPage {
	t.Helper()
	path := "/api/v1/events"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var page models.EventPage
	app.getJSON(t, path, token, &page, http.StatusOK)
	return &page
}

// ValidateCommand runs one command through the speed layer via the API.
func (app *TestApp) ValidateCommand(t *testing.T, token string, cmd models.Command) *services.ValidationResult {
	t.Helper()
	var out services.ValidationResult
	app.postJSON(t, "/api/v1/commands/validate", token, &cmd, &out, http.StatusOK)
	return &out
}

// RegisterExpert walks the whole onboarding path for a scripted expert:
// provision the delegation key, seed the identity, log in, answer the
// challenge, and register the endpoint. Returns the expert's session token.
func (app *TestApp) RegisterExpert(t *testing.T, stub *ExpertStub, credential, key string, capabilities ...string) string {
	t.Helper()
	app.ProvisionExpertKey(t, stub.ID, key)
	app.SeedIdentity(t, stub.ID, models.RoleExpert, credential)
	token := app.Login(t, stub.ID, credential)

	var challenge struct {
		ExpertID string `json:"expert_id"`
		Nonce    string `json:"nonce"`
	}
	app.postJSON(t, "/api/v1/experts/challenge", token,
		map[string]string{"expert_id": stub.ID}, &challenge, http.StatusOK)
	require.NotEmpty(t, challenge.Nonce)

	var registered experts.Expert
	app.postJSON(t, "/api/v1/experts/register", token, map[string]any{
		"expert_id":    stub.ID,
		"capabilities": capabilities,
		"endpoint":     stub.Endpoint(),
		"nonce":        challenge.Nonce,
		"response":     experts.ChallengeResponse([]byte(key), challenge.Nonce),
	}, &registered, http.StatusOK)
	require.Equal(t, models.ExpertActive, registered.Status)
	return token
}

// CreateSnapshot names the shadow tree at a sequence through the API.
func (app *TestApp) CreateSnapshot(t *testing.T, token, name string, atSequence uint64) appendResult {
	t.Helper()
	var out appendResult
	app.postJSON(t, "/api/v1/snapshots", token, map[string]any{
		"name":        name,
		"at_sequence": atSequence,
	}, &out, http.StatusOK)
	return out
}

// ShadowStateRaw fetches a shadow state view and returns the exact bytes
// served, for equivalence assertions between views.
func (app *TestApp) ShadowStateRaw(t *testing.T, token, query string) []byte {
	t.Helper()
	status, raw := app.do(t, http.MethodGet, "/api/v1/shadow/state"+query, token, nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	return raw
}

// VerifyIntegrity reruns the full chain verification through the API.
func (app *TestApp) VerifyIntegrity(t *testing.T, token string) integrityResult {
	t.Helper()
	var out integrityResult
	app.getJSON(t, "/api/v1/events/integrity", token, &out, http.StatusOK)
	return out
}

// errorMessage decodes the fixed phrase out of an error response body.
func errorMessage(t *testing.T, raw []byte) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return body.Message
}

func filePathAt(seq uint64) string {
	return fmt.Sprintf("src/pad/f%04d.go", seq)
}

func hashAt(seq uint64) string {
	return fmt.Sprintf("sha256:%04d", seq)
}
