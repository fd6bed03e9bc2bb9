// Package abtest provides deterministic experiment group assignment and
// per-group outcome aggregation.
package abtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service manages experiments. Stats updates are serialized per test so
// concurrent evaluations never lose counter increments.
type Service struct {
	repo domain.Repository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates an A/B test service backed by the repository.
func NewService(repo domain.Repository) *Service {
	return &Service{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

// AssignGroup deterministically buckets a transaction into group A or B.
// The bucket is a pure function of (test id, transaction id, split), so
// a transaction always lands in the same group for the test's lifetime.
func AssignGroup(test *domain.ABTest, transactionID string) string {
	// Create validates the split, but a test written through the
	// repository directly may carry any value; a negative split must not
	// wrap around in the unsigned comparison below.
	split := test.TrafficSplitPercentage
	if split < 0 {
		split = 0
	} else if split > 100 {
		split = 100
	}

	h := fnv.New64a()
	h.Write([]byte(test.ID + ":" + transactionID))
	if h.Sum64()%100 < uint64(split) {
		return domain.GroupA
	}
	return domain.GroupB
}

// Create validates and persists a new experiment in DRAFT status.
func (s *Service) Create(ctx context.Context, test *domain.ABTest) error {
	if test.Name == "" {
		return fmt.Errorf("%w: test name is required", domain.ErrInvalidInput)
	}
	if test.TrafficSplitPercentage < 0 || test.TrafficSplitPercentage > 100 {
		return fmt.Errorf("%w: traffic split must be in [0,100]", domain.ErrInvalidInput)
	}

	if test.ID == "" {
		test.ID = uuid.NewString()
	}
	if test.Status == "" {
		test.Status = domain.ABTestDraft
	}
	return s.repo.SaveABTest(ctx, test)
}

// Get returns one experiment.
func (s *Service) Get(ctx context.Context, testID string) (*domain.ABTest, error) {
	return s.repo.GetABTest(ctx, testID)
}

// List returns experiments, optionally filtered by status.
func (s *Service) List(ctx context.Context, status domain.ABTestStatus) ([]*domain.ABTest, error) {
	return s.repo.ListABTests(ctx, status)
}

// SetStatus moves an experiment through its lifecycle. Starting stamps
// StartedAt, completing stamps EndedAt.
func (s *Service) SetStatus(ctx context.Context, testID string, status domain.ABTestStatus) (*domain.ABTest, error) {
	switch status {
	case domain.ABTestDraft, domain.ABTestRunning, domain.ABTestPaused, domain.ABTestCompleted:
	default:
		return nil, fmt.Errorf("%w: unknown test status %q", domain.ErrInvalidInput, status)
	}

	test, err := s.repo.GetABTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if status == domain.ABTestRunning && test.StartedAt.IsZero() {
		test.StartedAt = now
	}
	if status == domain.ABTestCompleted {
		test.EndedAt = &now
	}
	test.Status = status

	if err := s.repo.SaveABTest(ctx, test); err != nil {
		return nil, err
	}
	slog.Info("ab test status changed", "test_id", testID, "status", status)
	return test, nil
}

// ActiveTest returns the running experiment a transaction participates
// in, or nil when none is running. With several running tests the one
// with the smallest id wins, keeping assignment stable across instances.
func (s *Service) ActiveTest(ctx context.Context) (*domain.ABTest, error) {
	tests, err := s.repo.ListABTests(ctx, domain.ABTestRunning)
	if err != nil {
		return nil, err
	}
	if len(tests) == 0 {
		return nil, nil
	}

	active := tests[0]
	for _, t := range tests[1:] {
		if t.ID < active.ID {
			active = t
		}
	}
	return active, nil
}

// RecordResult folds one evaluation outcome into the group's running
// stats. The average latency is updated incrementally:
// avg += (x - avg) / n.
func (s *Service) RecordResult(ctx context.Context, testID, group string, outcome domain.OutcomeFlags, evalTimeMs float64) error {
	lock := s.testLock(testID)
	lock.Lock()
	defer lock.Unlock()

	test, err := s.repo.GetABTest(ctx, testID)
	if err != nil {
		return err
	}

	stats := &test.GroupAStats
	if group == domain.GroupB {
		stats = &test.GroupBStats
	}

	stats.Total++
	switch {
	case outcome.TruePositive:
		stats.TruePositives++
	case outcome.FalsePositive:
		stats.FalsePositives++
	case outcome.TrueNegative:
		stats.TrueNegatives++
	case outcome.FalseNegative:
		stats.FalseNegatives++
	}
	stats.AvgEvalTimeMs += (evalTimeMs - stats.AvgEvalTimeMs) / float64(stats.Total)

	return s.repo.UpdateABTestStats(ctx, testID, test.GroupAStats, test.GroupBStats)
}

func (s *Service) testLock(testID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[testID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[testID] = lock
	}
	return lock
}
