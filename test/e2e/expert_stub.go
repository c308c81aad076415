package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// ExpertStub plays one scripted expert behind a real HTTP endpoint. Every
// vote request gets the same verdict; the call count tells tests whether
// the coordinator consulted it at all.
type ExpertStub struct {
	ID         string
	Verdict    models.Verdict
	Confidence float64

	calls  atomic.Int64
	server *httptest.Server
}

// NewExpertStub serves the scripted voter on a loopback listener until the
// test ends.
func NewExpertStub(t *testing.T, id string, verdict models.Verdict, confidence float64) *ExpertStub {
	t.Helper()
	stub := &ExpertStub{ID: id, Verdict: verdict, Confidence: confidence}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.vote))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *ExpertStub) vote(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	var req experts.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad vote request", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&models.ExpertVote{
		ExpertID:   s.ID,
		Verdict:    s.Verdict,
		Confidence: s.Confidence,
	})
}

// Endpoint is the URL the expert registers with.
func (s *ExpertStub) Endpoint() string {
	return s.server.URL
}

// Calls reports how many vote requests the stub has served.
func (s *ExpertStub) Calls() int64 {
	return s.calls.Load()
}
