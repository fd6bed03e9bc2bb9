package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/abtest"
	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/reviewqueue"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// stubCTI returns a canned threat result.
type stubCTI struct {
	res domain.ThreatResult
}

func (s *stubCTI) CheckIP(ctx context.Context, ip string) domain.ThreatResult {
	return s.res
}

// stubScorer returns a fixed probability or error.
type stubScorer struct {
	prob float64
	err  error
}

func (s *stubScorer) Score(ctx context.Context, tx *domain.TransactionContext) (float64, error) {
	return s.prob, s.err
}

type fixture struct {
	engine *Engine
	repo   domain.Repository
	rules  *rules.Engine
	deny   *blacklist.Manager
	review *reviewqueue.Service
	tests  *abtest.Service
	cfg    domain.EvaluationConfig
}

type fixtureOpts struct {
	cti    ThreatChecker
	scorer Scorer
	cfg    *domain.EvaluationConfig
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-engine-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := cache.NewMemoryCache(10000)
	deny := blacklist.NewManager(store)

	ruleEngine, err := rules.NewEngine(repo, store, deny, nil, 5*time.Minute, 4)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	cfg := domain.EvaluationConfig{
		Thresholds:       domain.DefaultThresholds(),
		RuleCacheTTL:     5 * time.Minute,
		ModelTimeout:     100 * time.Millisecond,
		ModelWeight:      30,
		VelocityWindow:   10 * time.Minute,
		VelocityMaxCount: 1000,
		VelocityWeight:   40,
	}
	if opts.cfg != nil {
		cfg = *opts.cfg
	}

	review := reviewqueue.NewService(repo)
	tests := abtest.NewService(repo)

	eng := New(ruleEngine, opts.cti, store, deny, opts.scorer, tests, review, repo, nil, cfg)
	return &fixture{
		engine: eng,
		repo:   repo,
		rules:  ruleEngine,
		deny:   deny,
		review: review,
		tests:  tests,
		cfg:    cfg,
	}
}

func amountRule(id string, weight float64, threshold float64) *domain.DetectionRule {
	return &domain.DetectionRule{
		ID:       id,
		Name:     "high amount",
		Type:     domain.RuleTypeThreshold,
		Enabled:  true,
		Priority: 50,
		Condition: domain.Condition{
			Threshold: &domain.ThresholdCondition{Field: "amount", Operator: domain.OpGreaterThan, Value: threshold},
		},
		RiskScoreWeight: weight,
	}
}

func evalTx(id, userID string) *domain.TransactionContext {
	return &domain.TransactionContext{
		TransactionID: id,
		UserID:        userID,
		Amount:        5000,
		IPAddress:     "203.0.113.7",
		Timestamp:     time.Now().UTC(),
	}
}

func TestRiskLevelBoundaries(t *testing.T) {
	cases := []struct {
		weight   float64
		level    domain.RiskLevel
		decision domain.Decision
	}{
		{39.9, domain.RiskLevelLow, domain.DecisionApprove},
		{40, domain.RiskLevelMedium, domain.DecisionAdditionalAuth},
		{79.9, domain.RiskLevelMedium, domain.DecisionAdditionalAuth},
		{80, domain.RiskLevelHigh, domain.DecisionBlocked},
	}

	for _, tc := range cases {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()

		f.repo.SaveRule(ctx, amountRule("r-1", tc.weight, 1000))

		result, err := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if result.RiskScore != tc.weight {
			t.Errorf("weight %.1f: score %.1f", tc.weight, result.RiskScore)
		}
		if result.RiskLevel != tc.level {
			t.Errorf("score %.1f: level %s, want %s", tc.weight, result.RiskLevel, tc.level)
		}
		if result.Decision != tc.decision {
			t.Errorf("score %.1f: decision %s, want %s", tc.weight, result.Decision, tc.decision)
		}
	}
}

func TestDecisionSideEffects(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.repo.SaveRule(ctx, amountRule("r-1", 50, 1000))
	result, _ := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))

	if !result.RequiresVerification {
		t.Error("MEDIUM must set requiresVerification")
	}
	if result.RecommendedAction.ManualReviewRequired {
		t.Error("MEDIUM must not require manual review")
	}

	f2 := newFixture(t, fixtureOpts{})
	f2.repo.SaveRule(ctx, amountRule("r-1", 90, 1000))
	blocked, _ := f2.engine.Evaluate(ctx, evalTx("tx-2", "u-2"))

	if blocked.RequiresVerification {
		t.Error("BLOCKED sets manual review, not verification")
	}
	if !blocked.RecommendedAction.ManualReviewRequired {
		t.Error("BLOCKED must require manual review")
	}
}

func TestScoreClampedAt100(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.repo.SaveRule(ctx, amountRule("r-1", 80, 1000))
	f.repo.SaveRule(ctx, amountRule("r-2", 80, 2000))

	result, _ := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))
	if result.RiskScore != 100 {
		t.Errorf("expected clamped score 100, got %.1f", result.RiskScore)
	}
}

func TestCTIOverrideForcesBlock(t *testing.T) {
	cti := &stubCTI{res: domain.ThreatResult{
		IsThreat:        true,
		Level:           domain.ThreatLevelCritical,
		Source:          "intel-a",
		ConfidenceScore: 95,
		Description:     "botnet node",
	}}
	f := newFixture(t, fixtureOpts{cti: cti})
	ctx := context.Background()

	// No rules at all: the CTI verdict alone must block.
	result, err := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.RiskScore < 80 {
		t.Errorf("confidence 95 threat must force score >= 80, got %.1f", result.RiskScore)
	}
	if result.Decision != domain.DecisionBlocked {
		t.Errorf("expected BLOCKED, got %s", result.Decision)
	}

	entry, err := f.review.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("expected review entry after block: %v", err)
	}
	if entry.Status != domain.ReviewPending {
		t.Errorf("expected PENDING review entry, got %s", entry.Status)
	}
}

func TestSubOverrideThreatIsAdditive(t *testing.T) {
	cti := &stubCTI{res: domain.ThreatResult{
		IsThreat:        true,
		Level:           domain.ThreatLevelMedium,
		Source:          "intel-a",
		ConfidenceScore: 60,
	}}
	f := newFixture(t, fixtureOpts{cti: cti})

	result, _ := f.engine.Evaluate(context.Background(), evalTx("tx-1", "u-1"))
	if result.RiskScore < 17.9 || result.RiskScore > 18.1 {
		t.Errorf("confidence 60 should contribute ~18 points, got %.2f", result.RiskScore)
	}
	if result.Decision != domain.DecisionApprove {
		t.Errorf("expected APPROVE for score 18, got %s", result.Decision)
	}
}

func TestDegradedCTIFallback(t *testing.T) {
	cti := &stubCTI{res: domain.NeutralThreatResult()}
	f := newFixture(t, fixtureOpts{cti: cti})

	result, err := f.engine.Evaluate(context.Background(), evalTx("tx-1", "u-1"))
	if err != nil {
		t.Fatalf("degraded CTI must not fail the evaluation: %v", err)
	}
	if !result.Metadata.Degraded {
		t.Error("degraded CTI must be recorded in metadata")
	}
	if result.Decision != domain.DecisionApprove {
		t.Errorf("neutral fallback must not raise the score, got %s", result.Decision)
	}
}

func TestMediumThenHighCompounding(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.repo.SaveRule(ctx, amountRule("r-amount", 50, 1000000))
	f.repo.SaveRule(ctx, &domain.DetectionRule{
		ID:       "r-vel",
		Name:     "rapid repeat",
		Type:     domain.RuleTypeVelocity,
		Enabled:  true,
		Priority: 40,
		Condition: domain.Condition{
			Velocity: &domain.VelocityCondition{WindowSecs: 600, MaxCount: 1, Scope: domain.ScopeUser},
		},
		RiskScoreWeight: 40,
	})

	tx := evalTx("tx-1", "u-1")
	tx.Amount = 5000000

	first, err := f.engine.Evaluate(ctx, tx)
	if err != nil {
		t.Fatalf("first Evaluate failed: %v", err)
	}
	if first.RiskScore != 50 {
		t.Errorf("first call: expected score 50, got %.1f", first.RiskScore)
	}
	if first.Decision != domain.DecisionAdditionalAuth {
		t.Errorf("first call: expected ADDITIONAL_AUTH_REQUIRED, got %s", first.Decision)
	}
	if _, err := f.review.Get(ctx, "tx-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("no review entry expected after the first call")
	}

	tx2 := evalTx("tx-2", "u-1")
	tx2.Amount = 5000000

	second, err := f.engine.Evaluate(ctx, tx2)
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}
	if second.RiskScore != 90 {
		t.Errorf("second call: expected score 90, got %.1f", second.RiskScore)
	}
	if second.Decision != domain.DecisionBlocked {
		t.Errorf("second call: expected BLOCKED, got %s", second.Decision)
	}
	if _, err := f.review.Get(ctx, "tx-2"); err != nil {
		t.Errorf("expected review entry after the second call: %v", err)
	}
}

func TestDisabledRuleRemovedAfterInvalidation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.repo.SaveRule(ctx, amountRule("r-1", 50, 1000))

	first, _ := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))
	if first.RiskScore != 50 {
		t.Fatalf("expected rule to trigger initially, score %.1f", first.RiskScore)
	}

	f.repo.SetRuleEnabled(ctx, "r-1", false)
	f.rules.InvalidateCache()

	second, _ := f.engine.Evaluate(ctx, evalTx("tx-2", "u-2"))
	if second.RiskScore != 0 {
		t.Errorf("disabled rule still contributing: score %.1f", second.RiskScore)
	}
}

func TestBlacklistedIPBlocksAlone(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.deny.Add(ctx, &domain.BlacklistEntry{
		Type:   domain.BlacklistIP,
		Value:  "203.0.113.7",
		Reason: "fraud ring",
	})

	result, _ := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))
	if result.Decision != domain.DecisionBlocked {
		t.Errorf("deny-listed IP alone should block, got %s score %.1f", result.Decision, result.RiskScore)
	}
}

func TestStandingVelocityCheck(t *testing.T) {
	cfg := domain.EvaluationConfig{
		Thresholds:       domain.DefaultThresholds(),
		RuleCacheTTL:     5 * time.Minute,
		ModelTimeout:     100 * time.Millisecond,
		ModelWeight:      30,
		VelocityWindow:   10 * time.Minute,
		VelocityMaxCount: 2,
		VelocityWeight:   40,
	}
	f := newFixture(t, fixtureOpts{cfg: &cfg})
	ctx := context.Background()

	var last *domain.EvaluationResult
	for i := 0; i < 2; i++ {
		last, _ = f.engine.Evaluate(ctx, evalTx("tx-n", "u-1"))
		if last.RiskScore != 0 {
			t.Fatalf("call %d should stay under the standing limit, score %.1f", i+1, last.RiskScore)
		}
	}

	last, _ = f.engine.Evaluate(ctx, evalTx("tx-n", "u-1"))
	if last.RiskScore != 40 {
		t.Errorf("third call should trip the standing velocity check, score %.1f", last.RiskScore)
	}
}

func TestModelContribution(t *testing.T) {
	f := newFixture(t, fixtureOpts{scorer: &stubScorer{prob: 1.0}})

	result, _ := f.engine.Evaluate(context.Background(), evalTx("tx-1", "u-1"))
	if result.RiskScore != 30 {
		t.Errorf("probability 1.0 at weight 30 should score 30, got %.1f", result.RiskScore)
	}
}

func TestModelFailureDegrades(t *testing.T) {
	f := newFixture(t, fixtureOpts{scorer: &stubScorer{err: errors.New("model down")}})

	result, err := f.engine.Evaluate(context.Background(), evalTx("tx-1", "u-1"))
	if err != nil {
		t.Fatalf("model failure must not fail the evaluation: %v", err)
	}
	if !result.Metadata.Degraded {
		t.Error("model failure must mark the evaluation degraded")
	}
	if result.RiskScore != 0 {
		t.Errorf("failed model must contribute nothing, got %.1f", result.RiskScore)
	}
}

func TestABTestVariantApplied(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.repo.SaveRule(ctx, amountRule("r-1", 50, 1000))

	// Split 100 sends every transaction to group A, which disables the rule.
	f.repo.SaveABTest(ctx, &domain.ABTest{
		ID:                     "exp-1",
		Name:                   "rule off trial",
		Status:                 domain.ABTestRunning,
		TrafficSplitPercentage: 100,
		GroupAConfig:           domain.GroupConfig{DisabledRuleIDs: []string{"r-1"}},
	})

	result, err := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.RiskScore != 0 {
		t.Errorf("group A disables the rule, expected score 0, got %.1f", result.RiskScore)
	}
	if result.Metadata.ABTestID != "exp-1" || result.Metadata.ABGroup != domain.GroupA {
		t.Errorf("experiment metadata missing: %+v", result.Metadata)
	}
}

func TestABTestWeightOverride(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.repo.SaveRule(ctx, amountRule("r-1", 50, 1000))
	f.repo.SaveABTest(ctx, &domain.ABTest{
		ID:                     "exp-1",
		Name:                   "weight trial",
		Status:                 domain.ABTestRunning,
		TrafficSplitPercentage: 100,
		GroupAConfig:           domain.GroupConfig{RuleWeightOverrides: map[string]float64{"r-1": 85}},
	})

	result, _ := f.engine.Evaluate(ctx, evalTx("tx-1", "u-1"))
	if result.RiskScore != 85 {
		t.Errorf("expected overridden weight 85, got %.1f", result.RiskScore)
	}
	if result.Decision != domain.DecisionBlocked {
		t.Errorf("expected BLOCKED at 85, got %s", result.Decision)
	}
}

func TestMetadataTimings(t *testing.T) {
	cti := &stubCTI{res: domain.ThreatResult{IsThreat: false, ConfidenceScore: 10, Source: "intel-a"}}
	f := newFixture(t, fixtureOpts{cti: cti})

	result, _ := f.engine.Evaluate(context.Background(), evalTx("tx-1", "u-1"))
	if result.Metadata.EvaluationTimeMs < 0 {
		t.Error("evaluation time must be recorded")
	}
	if result.Metadata.Timestamp.IsZero() {
		t.Error("metadata timestamp must be set")
	}
	if result.Metadata.EngineVersion != EngineVersion {
		t.Errorf("engine version missing, got %q", result.Metadata.EngineVersion)
	}
}
