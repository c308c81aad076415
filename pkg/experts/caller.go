package experts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// Caller delivers a delegation to one expert and returns its vote
type Caller interface {
	Call(ctx context.Context, expert *Expert, req *VoteRequest) (*models.ExpertVote, error)
}

// HTTPCaller POSTs delegations to the endpoint each expert registered
type HTTPCaller struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPCaller creates the production expert transport. Per-call deadlines
// come from the context; the client timeout is only a backstop.
func NewHTTPCaller(logger *slog.Logger) *HTTPCaller {
	return &HTTPCaller{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger.With("component", "expert_caller"),
	}
}

func (c *HTTPCaller) Call(ctx context.Context, expert *Expert, vreq *VoteRequest) (*models.ExpertVote, error) {
	if expert.Endpoint == "" {
		return nil, fmt.Errorf("expert %s registered no endpoint", expert.ID)
	}

	body, err := json.Marshal(vreq)
	if err != nil {
		return nil, fmt.Errorf("encode vote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, expert.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create vote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: expert %s did not answer in time", models.ErrTimeout, expert.ID)
		}
		return nil, fmt.Errorf("calling expert %s: %w", expert.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("expert %s returned HTTP %d", expert.ID, resp.StatusCode)
	}

	var vote models.ExpertVote
	if err := json.NewDecoder(resp.Body).Decode(&vote); err != nil {
		return nil, fmt.Errorf("decode vote from %s: %w", expert.ID, err)
	}
	return &vote, nil
}
