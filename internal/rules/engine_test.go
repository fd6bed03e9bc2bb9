package rules

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// stubRepo serves a fixed rule set and records trigger counts.
type stubRepo struct {
	mu        sync.Mutex
	rules     []*domain.DetectionRule
	triggers  map[string]int
	listCalls int32
	listErr   error
}

func newStubRepo(rules ...*domain.DetectionRule) *stubRepo {
	return &stubRepo{rules: rules, triggers: make(map[string]int)}
}

func (s *stubRepo) ListActiveRules(ctx context.Context) ([]*domain.DetectionRule, error) {
	atomic.AddInt32(&s.listCalls, 1)
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.DetectionRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubRepo) IncrementRuleTriggerCount(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[ruleID]++
	return nil
}

func (s *stubRepo) GetRule(ctx context.Context, id string) (*domain.DetectionRule, error) {
	return nil, domain.ErrNotFound
}
func (s *stubRepo) SaveRule(ctx context.Context, r *domain.DetectionRule) error { return nil }
func (s *stubRepo) SetRuleEnabled(ctx context.Context, id string, e bool) error { return nil }
func (s *stubRepo) SaveEvaluation(ctx context.Context, e *domain.EvaluationResult) error {
	return nil
}
func (s *stubRepo) GetEvaluation(ctx context.Context, id string) (*domain.EvaluationResult, error) {
	return nil, domain.ErrNotFound
}
func (s *stubRepo) InsertReviewEntry(ctx context.Context, e *domain.ReviewQueueEntry) error {
	return nil
}
func (s *stubRepo) GetReviewEntry(ctx context.Context, txID string) (*domain.ReviewQueueEntry, error) {
	return nil, domain.ErrNotFound
}
func (s *stubRepo) ListReviewEntries(ctx context.Context, st domain.ReviewStatus, n int) ([]*domain.ReviewQueueEntry, error) {
	return nil, nil
}
func (s *stubRepo) UpdateReviewEntry(ctx context.Context, e *domain.ReviewQueueEntry) error {
	return nil
}
func (s *stubRepo) SaveABTest(ctx context.Context, t *domain.ABTest) error { return nil }
func (s *stubRepo) GetABTest(ctx context.Context, id string) (*domain.ABTest, error) {
	return nil, domain.ErrNotFound
}
func (s *stubRepo) ListABTests(ctx context.Context, st domain.ABTestStatus) ([]*domain.ABTest, error) {
	return nil, nil
}
func (s *stubRepo) UpdateABTestStats(ctx context.Context, id string, a, b domain.GroupStats) error {
	return nil
}
func (s *stubRepo) Ping(ctx context.Context) error { return nil }
func (s *stubRepo) Close() error                   { return nil }

// fixedGeo always resolves to one point.
type fixedGeo struct{ lat, lon float64 }

func (g fixedGeo) Locate(ctx context.Context, ip string) (float64, float64, error) {
	return g.lat, g.lon, nil
}

func thresholdRule(id string, weight float64, priority int) *domain.DetectionRule {
	return &domain.DetectionRule{
		ID:       id,
		Name:     "high amount",
		Type:     domain.RuleTypeThreshold,
		Enabled:  true,
		Priority: priority,
		Condition: domain.Condition{
			Threshold: &domain.ThresholdCondition{Field: "amount", Operator: domain.OpGreaterThan, Value: 1000},
		},
		RiskScoreWeight: weight,
	}
}

func newTestEngine(t *testing.T, repo *stubRepo) *Engine {
	t.Helper()
	store := cache.NewMemoryCache(1000)
	eng, err := NewEngine(repo, store, blacklist.NewManager(store), nil, 5*time.Minute, 4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return eng
}

func baseTx() *domain.TransactionContext {
	return &domain.TransactionContext{
		TransactionID: "tx-1",
		UserID:        "u-1",
		Amount:        1500,
		IPAddress:     "203.0.113.7",
		Email:         "buyer@mailinator.com",
		Payment:       domain.PaymentInfo{Method: "card", CardBIN: "411111", CardLastFour: "1111"},
		Timestamp:     time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC),
	}
}

func TestThresholdRuleTriggers(t *testing.T) {
	repo := newStubRepo(thresholdRule("r-1", 25, 50))
	eng := newTestEngine(t, repo)

	results, err := eng.EvaluateTransaction(context.Background(), baseTx(), nil)
	if err != nil {
		t.Fatalf("EvaluateTransaction failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Triggered {
		t.Error("expected threshold rule to trigger for 1500 > 1000")
	}
	if results[0].Score != 25 {
		t.Errorf("expected score 25, got %.1f", results[0].Score)
	}
}

func TestThresholdRuleNotTriggered(t *testing.T) {
	repo := newStubRepo(thresholdRule("r-1", 25, 50))
	eng := newTestEngine(t, repo)

	tx := baseTx()
	tx.Amount = 999
	results, _ := eng.EvaluateTransaction(context.Background(), tx, nil)
	if results[0].Triggered {
		t.Error("expected no trigger for 999")
	}
	if results[0].Score != 0 {
		t.Errorf("untriggered rule must score 0, got %.1f", results[0].Score)
	}
}

func TestVelocityRule(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-vel",
		Name:    "rapid fire",
		Type:    domain.RuleTypeVelocity,
		Enabled: true,
		Condition: domain.Condition{
			Velocity: &domain.VelocityCondition{WindowSecs: 60, MaxCount: 2, Scope: domain.ScopeUser},
		},
		RiskScoreWeight: 40,
	}
	eng := newTestEngine(t, newStubRepo(rule))
	ctx := context.Background()

	// First two transactions stay under the limit.
	for i := 0; i < 2; i++ {
		results, _ := eng.EvaluateTransaction(ctx, baseTx(), nil)
		if results[0].Triggered {
			t.Fatalf("transaction %d should not trigger", i+1)
		}
	}

	// The third exceeds maxCount=2.
	results, _ := eng.EvaluateTransaction(ctx, baseTx(), nil)
	if !results[0].Triggered {
		t.Error("third transaction in window should trigger")
	}
}

func TestBlacklistRule(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-bl",
		Name:    "deny-listed ip",
		Type:    domain.RuleTypeBlacklist,
		Enabled: true,
		Condition: domain.Condition{
			Blacklist: &domain.BlacklistCondition{Scope: domain.BlacklistIP},
		},
		RiskScoreWeight: 60,
	}

	repo := newStubRepo(rule)
	store := cache.NewMemoryCache(1000)
	deny := blacklist.NewManager(store)
	eng, err := NewEngine(repo, store, deny, nil, 5*time.Minute, 4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	deny.Add(ctx, &domain.BlacklistEntry{Type: domain.BlacklistIP, Value: "203.0.113.7", Reason: "fraud ring"})

	results, _ := eng.EvaluateTransaction(ctx, baseTx(), nil)
	if !results[0].Triggered {
		t.Error("expected blacklist rule to trigger for deny-listed IP")
	}

	tx := baseTx()
	tx.IPAddress = "198.51.100.1"
	results, _ = eng.EvaluateTransaction(ctx, tx, nil)
	if results[0].Triggered {
		t.Error("clean IP should not trigger")
	}
}

func TestLocationRule(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-loc",
		Name:    "far shipping",
		Type:    domain.RuleTypeLocation,
		Enabled: true,
		Condition: domain.Condition{
			Location: &domain.LocationCondition{MaxDistanceKm: 500},
		},
		RiskScoreWeight: 30,
	}

	repo := newStubRepo(rule)
	store := cache.NewMemoryCache(1000)
	// IP resolves to Berlin, shipping is Lisbon: ~2300 km apart.
	eng, err := NewEngine(repo, store, blacklist.NewManager(store), fixedGeo{52.52, 13.405}, 5*time.Minute, 4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	tx := baseTx()
	tx.Shipping = domain.ShippingInfo{Latitude: 38.7223, Longitude: -9.1393}
	results, _ := eng.EvaluateTransaction(context.Background(), tx, nil)
	if !results[0].Triggered {
		t.Error("expected location rule to trigger for Berlin vs Lisbon")
	}

	// Shipping near the IP location stays quiet.
	tx.Shipping = domain.ShippingInfo{Latitude: 52.5, Longitude: 13.4}
	results, _ = eng.EvaluateTransaction(context.Background(), tx, nil)
	if results[0].Triggered {
		t.Error("nearby shipping should not trigger")
	}
}

func TestLocationRuleSkippedWithoutGeo(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-loc",
		Name:    "far shipping",
		Type:    domain.RuleTypeLocation,
		Enabled: true,
		Condition: domain.Condition{
			Location: &domain.LocationCondition{MaxDistanceKm: 500},
		},
		RiskScoreWeight: 30,
	}
	eng := newTestEngine(t, newStubRepo(rule))

	tx := baseTx()
	tx.Shipping = domain.ShippingInfo{Latitude: 38.7, Longitude: -9.1}
	results, _ := eng.EvaluateTransaction(context.Background(), tx, nil)
	if results[0].Triggered {
		t.Error("location rule without a geolocator must not trigger")
	}
}

func TestTimePatternWrapsMidnight(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-time",
		Name:    "night orders",
		Type:    domain.RuleTypeTimePattern,
		Enabled: true,
		Condition: domain.Condition{
			TimePattern: &domain.TimePatternCondition{StartHour: 23, EndHour: 5},
		},
		RiskScoreWeight: 15,
	}
	eng := newTestEngine(t, newStubRepo(rule))
	ctx := context.Background()

	cases := []struct {
		hour      int
		triggered bool
	}{
		{3, true},
		{23, true},
		{5, true},
		{12, false},
		{22, false},
		{6, false},
	}
	for _, tc := range cases {
		tx := baseTx()
		tx.Timestamp = time.Date(2026, 3, 14, tc.hour, 30, 0, 0, time.UTC)
		results, _ := eng.EvaluateTransaction(ctx, tx, nil)
		if results[0].Triggered != tc.triggered {
			t.Errorf("hour %d: triggered=%v, want %v", tc.hour, results[0].Triggered, tc.triggered)
		}
	}
}

func TestDevicePatternRule(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-dev",
		Name:    "device churn",
		Type:    domain.RuleTypeDevicePattern,
		Enabled: true,
		Condition: domain.Condition{
			DevicePattern: &domain.DevicePatternCondition{WindowSecs: 3600, MaxDevices: 2},
		},
		RiskScoreWeight: 35,
	}
	eng := newTestEngine(t, newStubRepo(rule))
	ctx := context.Background()

	for i, fp := range []string{"dev-a", "dev-b"} {
		tx := baseTx()
		tx.DeviceFingerprint = fp
		results, _ := eng.EvaluateTransaction(ctx, tx, nil)
		if results[0].Triggered {
			t.Fatalf("device %d should not trigger", i+1)
		}
	}

	tx := baseTx()
	tx.DeviceFingerprint = "dev-c"
	results, _ := eng.EvaluateTransaction(ctx, tx, nil)
	if !results[0].Triggered {
		t.Error("third distinct device should trigger")
	}

	// A repeat of a known device does not raise the cardinality.
	tx.DeviceFingerprint = "dev-a"
	results, _ = eng.EvaluateTransaction(ctx, tx, nil)
	if !results[0].Triggered {
		t.Error("cardinality already above limit, repeat device still triggers")
	}
}

func TestExpressionRule(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-expr",
		Name:    "big night order",
		Type:    domain.RuleTypeExpression,
		Enabled: true,
		Condition: domain.Condition{
			Expression: &domain.ExpressionCondition{Expression: `amount > 1000.0 && hour < 6`},
		},
		RiskScoreWeight: 45,
	}
	eng := newTestEngine(t, newStubRepo(rule))

	results, err := eng.EvaluateTransaction(context.Background(), baseTx(), nil)
	if err != nil {
		t.Fatalf("EvaluateTransaction failed: %v", err)
	}
	if !results[0].Triggered {
		t.Error("expected expression to match amount=1500, hour=3")
	}
}

func TestExpressionMustBeBoolean(t *testing.T) {
	rule := &domain.DetectionRule{
		ID:      "r-bad",
		Name:    "bad",
		Type:    domain.RuleTypeExpression,
		Enabled: true,
		Condition: domain.Condition{
			Expression: &domain.ExpressionCondition{Expression: `amount + 1.0`},
		},
		RiskScoreWeight: 10,
	}
	eng := newTestEngine(t, newStubRepo(rule))

	err := eng.LoadActiveRules(context.Background(), true)
	if !errors.Is(err, domain.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for non-boolean expression, got: %v", err)
	}
}

func TestSnapshotTTLAndInvalidation(t *testing.T) {
	repo := newStubRepo(thresholdRule("r-1", 25, 50))
	eng := newTestEngine(t, repo)
	ctx := context.Background()

	eng.EvaluateTransaction(ctx, baseTx(), nil)
	eng.EvaluateTransaction(ctx, baseTx(), nil)
	if got := atomic.LoadInt32(&repo.listCalls); got != 1 {
		t.Errorf("expected 1 repository load within TTL, got %d", got)
	}

	eng.InvalidateCache()
	eng.EvaluateTransaction(ctx, baseTx(), nil)
	if got := atomic.LoadInt32(&repo.listCalls); got != 2 {
		t.Errorf("expected reload after invalidation, got %d loads", got)
	}
}

func TestStaleSnapshotSurvivesReloadFailure(t *testing.T) {
	repo := newStubRepo(thresholdRule("r-1", 25, 50))
	store := cache.NewMemoryCache(1000)
	eng, err := NewEngine(repo, store, blacklist.NewManager(store), nil, time.Nanosecond, 4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()

	if _, err := eng.EvaluateTransaction(ctx, baseTx(), nil); err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}

	// TTL of 1ns forces a reload attempt, which now fails.
	repo.listErr = errors.New("database down")
	results, err := eng.EvaluateTransaction(ctx, baseTx(), nil)
	if err != nil {
		t.Fatalf("evaluation with stale snapshot failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected stale rules to keep serving, got %d results", len(results))
	}
}

func TestDeterministicOrdering(t *testing.T) {
	repo := newStubRepo(
		thresholdRule("r-b", 10, 50),
		thresholdRule("r-a", 10, 50),
		thresholdRule("r-c", 10, 90),
	)
	eng := newTestEngine(t, repo)

	results, _ := eng.EvaluateTransaction(context.Background(), baseTx(), nil)
	ids := []string{results[0].RuleID, results[1].RuleID, results[2].RuleID}
	want := []string{"r-c", "r-a", "r-b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order %v, want %v", ids, want)
		}
	}
}

func TestVariantOverridesAndDisables(t *testing.T) {
	repo := newStubRepo(
		thresholdRule("r-1", 25, 50),
		thresholdRule("r-2", 30, 40),
	)
	eng := newTestEngine(t, repo)

	variant := &domain.GroupConfig{
		RuleWeightOverrides: map[string]float64{"r-1": 70},
		DisabledRuleIDs:     []string{"r-2"},
	}

	results, _ := eng.EvaluateTransaction(context.Background(), baseTx(), variant)
	if len(results) != 1 {
		t.Fatalf("expected disabled rule to be excluded, got %d results", len(results))
	}
	if results[0].RuleID != "r-1" || results[0].Score != 70 {
		t.Errorf("expected r-1 with overridden weight 70, got %s score %.1f", results[0].RuleID, results[0].Score)
	}
}

func TestTriggerCountRecorded(t *testing.T) {
	repo := newStubRepo(thresholdRule("r-1", 25, 50))
	eng := newTestEngine(t, repo)

	eng.EvaluateTransaction(context.Background(), baseTx(), nil)

	// The increment is asynchronous.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		repo.mu.Lock()
		n := repo.triggers["r-1"]
		repo.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected trigger count to be recorded")
}
