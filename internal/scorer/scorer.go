// Package scorer calls an external ML model service for a fraud
// probability. The evaluation engine scales the probability into score
// points and enforces its own timeout; a slow or absent model never
// blocks a decision.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HTTPScorer posts the transaction context to POST {base}/score and
// expects a JSON body normalized into scoreResponse.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

// scoreResponse is the model service wire format.
type scoreResponse struct {
	Score float64 `json:"score"`
}

// NewHTTPScorer creates a scorer for a base URL. The caller's context
// deadline bounds each call; pass a client only to customize transport.
func NewHTTPScorer(baseURL string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPScorer{baseURL: baseURL, client: client}
}

// Score returns the model's fraud probability for one transaction.
func (s *HTTPScorer) Score(ctx context.Context, tx *domain.TransactionContext) (float64, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/score", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model service returned %d", resp.StatusCode)
	}

	var body scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("model service: malformed response: %w", err)
	}

	if body.Score < 0 || body.Score > 1 {
		return 0, fmt.Errorf("model score %f outside [0,1]", body.Score)
	}
	return body.Score, nil
}
