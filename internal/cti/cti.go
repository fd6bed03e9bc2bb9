// Package cti implements the threat-intelligence connector: provider
// fan-out with per-call timeouts, retries for transient failures, and a
// neutral fallback when every provider is down.
package cti

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/retry"
)

// Connector queries one or more reputation providers and merges their
// verdicts. A failed provider degrades the check instead of failing it.
type Connector struct {
	providers []Provider
	policy    *retry.Policy
	timeout   time.Duration
}

// New creates a connector from configuration.
func New(cfg domain.CTIConfig) *Connector {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	providers := make([]Provider, 0, len(cfg.ProviderURLs))
	for i, u := range cfg.ProviderURLs {
		providers = append(providers, NewHTTPProvider(fmt.Sprintf("provider-%d", i+1), u, client))
	}

	policy := retry.NewPolicy(cfg.MaxAttempts, cfg.BaseDelay)
	policy.Retryable = retry.IsTransient

	return &Connector{
		providers: providers,
		policy:    policy,
		timeout:   timeout,
	}
}

// NewWithProviders creates a connector over explicit providers. Tests and
// custom integrations use this.
func NewWithProviders(providers []Provider, policy *retry.Policy, timeout time.Duration) *Connector {
	if policy == nil {
		policy = retry.NewPolicy(3, 100*time.Millisecond)
		policy.Retryable = retry.IsTransient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Connector{providers: providers, policy: policy, timeout: timeout}
}

// CheckIP queries every provider concurrently and returns the verdict with
// the highest confidence among those reporting a threat, or the highest
// confidence clean verdict otherwise. If every provider fails, a neutral
// fallback with the Degraded flag is returned instead of an error.
func (c *Connector) CheckIP(ctx context.Context, ip string) domain.ThreatResult {
	if len(c.providers) == 0 {
		return domain.NeutralThreatResult()
	}

	type outcome struct {
		result domain.ThreatResult
		err    error
	}

	results := make([]outcome, len(c.providers))
	var wg sync.WaitGroup

	for i, p := range c.providers {
		wg.Add(1)
		go func(idx int, prov Provider) {
			defer wg.Done()

			var res domain.ThreatResult
			err := c.policy.Do(ctx, func(ctx context.Context) error {
				callCtx, cancel := context.WithTimeout(ctx, c.timeout)
				defer cancel()

				var callErr error
				res, callErr = prov.CheckIP(callCtx, ip)
				return callErr
			})
			results[idx] = outcome{result: res, err: err}
		}(i, p)
	}

	wg.Wait()

	var best domain.ThreatResult
	anySuccess := false
	anyFailure := false

	for i, out := range results {
		if out.err != nil {
			anyFailure = true
			slog.Warn("cti provider failed",
				"provider", c.providers[i].Name(),
				"ip", ip,
				"error", out.err,
			)
			continue
		}

		if !anySuccess {
			best = out.result
			anySuccess = true
			continue
		}

		// A threat verdict beats a clean one; among equals, higher
		// confidence wins.
		if out.result.IsThreat != best.IsThreat {
			if out.result.IsThreat {
				best = out.result
			}
			continue
		}
		if out.result.ConfidenceScore > best.ConfidenceScore {
			best = out.result
		}
	}

	if !anySuccess {
		return domain.NeutralThreatResult()
	}

	best.Degraded = anyFailure
	return best
}
