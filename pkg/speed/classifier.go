package speed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// Classifier is the tier-3 learned-pattern classifier: a pure function from
// command features to a verdict and confidence.
type Classifier interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error)
}

// ClassifyRequest carries the features the classifier scores
type ClassifyRequest struct {
	Fingerprint string      `json:"fingerprint"`
	Kind        string      `json:"kind"`
	Args        []string    `json:"args,omitempty"`
	TargetPath  string      `json:"target_path,omitempty"`
	Role        models.Role `json:"role"`
}

// ClassifyResponse is the classifier's verdict for one request
type ClassifyResponse struct {
	Verdict    models.Verdict `json:"verdict"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason,omitempty"`
}

// HTTPClassifier calls an externally hosted classifier endpoint
type HTTPClassifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClassifier creates a classifier client for the given endpoint
func NewHTTPClassifier(url string, logger *slog.Logger) *HTTPClassifier {
	return &HTTPClassifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "pattern_classifier"),
	}
}

// Classify posts the features and decodes the verdict
func (c *HTTPClassifier) Classify(ctx context.Context, creq *ClassifyRequest) (*ClassifyResponse, error) {
	body, err := json.Marshal(creq)
	if err != nil {
		return nil, fmt.Errorf("encode classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", creq.Fingerprint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned HTTP %d", resp.StatusCode)
	}

	var out ClassifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	switch out.Verdict {
	case models.VerdictApprove, models.VerdictDeny, models.VerdictAbstain, models.VerdictEscalate:
	default:
		return nil, fmt.Errorf("classifier returned unknown verdict %q", out.Verdict)
	}
	return &out, nil
}
