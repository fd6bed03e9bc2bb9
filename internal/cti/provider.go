package cti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/retry"
)

// Provider is a single external reputation source.
type Provider interface {
	Name() string
	CheckIP(ctx context.Context, ip string) (domain.ThreatResult, error)
}

// HTTPProvider queries a reputation service over HTTP. The provider is
// expected to answer GET {base}/check?ip=... with a JSON body normalized
// into providerResponse.
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

// providerResponse is the provider-specific wire format.
type providerResponse struct {
	IsThreat    bool    `json:"is_threat"`
	ThreatLevel string  `json:"threat_level"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// NewHTTPProvider creates a provider for a base URL. The client's timeout
// bounds each individual call.
func NewHTTPProvider(name, baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{name: name, baseURL: baseURL, client: client}
}

// Name returns the provider identifier used in ThreatResult.Source.
func (p *HTTPProvider) Name() string { return p.name }

// CheckIP queries the provider for one IP. Transport and 5xx errors are
// marked transient so the connector's retry policy reattempts them;
// context cancellation and non-5xx statuses propagate immediately.
func (p *HTTPProvider) CheckIP(ctx context.Context, ip string) (domain.ThreatResult, error) {
	u := fmt.Sprintf("%s/check?ip=%s", p.baseURL, url.QueryEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.ThreatResult{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Cancellation is the caller giving up, not a provider fault;
		// retrying it would only burn the remaining deadline.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.ThreatResult{}, err
		}
		return domain.ThreatResult{}, retry.MarkTransient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return domain.ThreatResult{}, retry.MarkTransient(fmt.Errorf("provider %s returned %d", p.name, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ThreatResult{}, fmt.Errorf("provider %s returned %d", p.name, resp.StatusCode)
	}

	var body providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.ThreatResult{}, fmt.Errorf("provider %s: malformed response: %w", p.name, err)
	}

	return domain.ThreatResult{
		IsThreat:        body.IsThreat,
		Level:           normalizeLevel(body.ThreatLevel),
		Source:          p.name,
		ConfidenceScore: body.Confidence,
		Description:     body.Description,
	}, nil
}

func normalizeLevel(s string) domain.ThreatLevel {
	switch s {
	case "low":
		return domain.ThreatLevelLow
	case "medium":
		return domain.ThreatLevelMedium
	case "high":
		return domain.ThreatLevelHigh
	case "critical":
		return domain.ThreatLevelCritical
	default:
		return domain.ThreatLevelNone
	}
}
