// Package rules implements the detection rule engine: a TTL-cached
// snapshot of compiled rules evaluated concurrently per transaction.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates the active rule set against transactions. Rules are
// loaded from the repository into an immutable snapshot swapped with an
// atomic pointer, so evaluation never blocks behind a reload.
type Engine struct {
	repo  domain.Repository
	cache domain.Cache
	deny  DenyChecker
	geo   Geolocator

	env      *cel.Env
	cacheTTL time.Duration
	workers  int

	snapshot atomic.Pointer[ruleSnapshot]
	loadMu   sync.Mutex
}

// DenyChecker answers membership queries against the deny-list. The
// blacklist manager satisfies this.
type DenyChecker interface {
	Check(ctx context.Context, typ domain.BlacklistType, value string) (*domain.BlacklistEntry, error)
}

// Geolocator resolves an IP address to coordinates for LOCATION rules.
type Geolocator interface {
	Locate(ctx context.Context, ip string) (lat, lon float64, err error)
}

// compiledRule pairs a validated rule with its pre-compiled CEL program
// (nil for non-expression rules).
type compiledRule struct {
	rule    *domain.DetectionRule
	program cel.Program
}

type ruleSnapshot struct {
	rules    []*compiledRule
	loadedAt time.Time
}

// NewEngine creates a rule engine. geo may be nil; LOCATION rules are
// then skipped as not triggered.
func NewEngine(repo domain.Repository, cache domain.Cache, deny DenyChecker, geo Geolocator, cacheTTL time.Duration, workers int) (*Engine, error) {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if workers <= 0 {
		workers = 10
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	return &Engine{
		repo:     repo,
		cache:    cache,
		deny:     deny,
		geo:      geo,
		env:      env,
		cacheTTL: cacheTTL,
		workers:  workers,
	}, nil
}

// LoadActiveRules refreshes the rule snapshot from the repository. When
// force is false and the snapshot is younger than the cache TTL, the
// call is a no-op. A failed reload keeps the previous snapshot.
func (e *Engine) LoadActiveRules(ctx context.Context, force bool) error {
	if !force {
		if snap := e.snapshot.Load(); snap != nil && time.Since(snap.loadedAt) < e.cacheTTL {
			return nil
		}
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	// Another caller may have reloaded while we waited for the lock.
	if !force {
		if snap := e.snapshot.Load(); snap != nil && time.Since(snap.loadedAt) < e.cacheTTL {
			return nil
		}
	}

	rules, err := e.repo.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}

	compiled := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}

		cr := &compiledRule{rule: r}
		if r.Type == domain.RuleTypeExpression {
			prog, err := e.compileExpression(r)
			if err != nil {
				return err
			}
			cr.program = prog
		}
		compiled = append(compiled, cr)
	}

	// Priority descending, rule ID ascending for deterministic order.
	sort.Slice(compiled, func(i, j int) bool {
		a, b := compiled[i].rule, compiled[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	e.snapshot.Store(&ruleSnapshot{rules: compiled, loadedAt: time.Now()})
	slog.Info("rule snapshot loaded", "rules", len(compiled), "forced", force)
	return nil
}

// HasGeolocator reports whether LOCATION rules can be evaluated.
func (e *Engine) HasGeolocator() bool {
	return e.geo != nil
}

// InvalidateCache drops the snapshot so the next evaluation reloads
// immediately instead of waiting out the TTL.
func (e *Engine) InvalidateCache() {
	e.snapshot.Store(nil)
	slog.Info("rule snapshot invalidated")
}

// ActiveRules returns the rules in the current snapshot, priority order.
func (e *Engine) ActiveRules() []*domain.DetectionRule {
	snap := e.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]*domain.DetectionRule, len(snap.rules))
	for i, cr := range snap.rules {
		out[i] = cr.rule
	}
	return out
}

// RulesCount returns the number of rules in the current snapshot.
func (e *Engine) RulesCount() int {
	snap := e.snapshot.Load()
	if snap == nil {
		return 0
	}
	return len(snap.rules)
}

// EvaluateTransaction runs every rule in the snapshot against the
// transaction concurrently. variant customizes weights and disabled
// rules for A/B groups; nil means defaults. One misbehaving rule never
// fails the batch, it reports an untriggered result with a reason.
func (e *Engine) EvaluateTransaction(ctx context.Context, tx *domain.TransactionContext, variant *domain.GroupConfig) ([]domain.RuleEvaluationResult, error) {
	if err := e.LoadActiveRules(ctx, false); err != nil {
		// Stale rules beat no rules. Fail only when nothing was ever loaded.
		if e.snapshot.Load() == nil {
			return nil, err
		}
		slog.Warn("rule reload failed, using stale snapshot", "error", err)
	}

	snap := e.snapshot.Load()
	if snap == nil || len(snap.rules) == 0 {
		return nil, nil
	}

	active := make([]*compiledRule, 0, len(snap.rules))
	for _, cr := range snap.rules {
		if variant != nil && variant.DisablesRule(cr.rule.ID) {
			continue
		}
		active = append(active, cr)
	}

	results := make([]domain.RuleEvaluationResult, len(active))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, cr := range active {
		wg.Add(1)
		go func(idx int, cr *compiledRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = e.evaluateOne(ctx, cr, tx, variant)
		}(i, cr)
	}
	wg.Wait()

	for _, res := range results {
		if res.Triggered {
			e.recordTrigger(res.RuleID)
		}
	}
	return results, nil
}

// evaluateOne dispatches on the rule type and stamps timing.
func (e *Engine) evaluateOne(ctx context.Context, cr *compiledRule, tx *domain.TransactionContext, variant *domain.GroupConfig) domain.RuleEvaluationResult {
	start := time.Now()
	rule := cr.rule

	res := domain.RuleEvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		RuleType: rule.Type,
		Priority: rule.Priority,
	}

	var (
		triggered bool
		reason    string
		meta      map[string]any
		err       error
	)

	switch rule.Type {
	case domain.RuleTypeThreshold:
		triggered, reason, meta = evalThreshold(rule.Condition.Threshold, tx)
	case domain.RuleTypeVelocity:
		triggered, reason, meta, err = e.evalVelocity(ctx, rule.Condition.Velocity, tx)
	case domain.RuleTypeBlacklist:
		triggered, reason, meta, err = e.evalBlacklist(ctx, rule.Condition.Blacklist, tx)
	case domain.RuleTypeLocation:
		triggered, reason, meta, err = e.evalLocation(ctx, rule.Condition.Location, tx)
	case domain.RuleTypeTimePattern:
		triggered, reason, meta = evalTimePattern(rule.Condition.TimePattern, tx)
	case domain.RuleTypeDevicePattern:
		triggered, reason, meta, err = e.evalDevicePattern(ctx, rule.Condition.DevicePattern, tx)
	case domain.RuleTypeExpression:
		triggered, reason, err = evalExpression(cr.program, tx)
	}

	if err != nil {
		slog.Warn("rule evaluation failed",
			"rule_id", rule.ID,
			"rule_type", rule.Type,
			"transaction_id", tx.TransactionID,
			"error", err,
		)
		res.Reason = fmt.Sprintf("evaluation error: %v", err)
		res.ProcessMs = time.Since(start).Milliseconds()
		return res
	}

	res.Triggered = triggered
	res.Reason = reason
	res.Metadata = meta
	if triggered {
		res.Score = e.weightFor(rule, variant)
	}
	res.ProcessMs = time.Since(start).Milliseconds()
	return res
}

func (e *Engine) weightFor(rule *domain.DetectionRule, variant *domain.GroupConfig) float64 {
	if variant != nil {
		if w, ok := variant.RuleWeightOverrides[rule.ID]; ok {
			return w
		}
	}
	return rule.RiskScoreWeight
}

// recordTrigger bumps the persistent trigger counter without blocking
// the evaluation path.
func (e *Engine) recordTrigger(ruleID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.repo.IncrementRuleTriggerCount(ctx, ruleID); err != nil {
			slog.Warn("failed to record rule trigger", "rule_id", ruleID, "error", err)
		}
	}()
}
