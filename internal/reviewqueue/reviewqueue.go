// Package reviewqueue routes blocked transactions to manual review with
// at-most-once insertion per transaction.
package reviewqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service wraps the repository's review-queue tables with lifecycle
// rules. Deduplication is delegated to the store's unique constraint,
// never to a check-then-insert race.
type Service struct {
	repo domain.Repository
}

// NewService creates a review queue service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// Add queues a transaction for manual review. A transaction already in
// the queue is left untouched and Add returns (nil, nil), so callers on
// the evaluation hot path never fail on a duplicate.
func (s *Service) Add(ctx context.Context, transactionID string, riskScore float64, reasons []string) (*domain.ReviewQueueEntry, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}

	entry := &domain.ReviewQueueEntry{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Status:        domain.ReviewPending,
		RiskScore:     riskScore,
		Reasons:       reasons,
		AddedAt:       time.Now().UTC(),
	}

	if err := s.repo.InsertReviewEntry(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrAlreadyQueued) {
			slog.Debug("transaction already queued for review", "transaction_id", transactionID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to queue transaction for review: %w", err)
	}

	slog.Info("transaction queued for review",
		"transaction_id", transactionID,
		"risk_score", riskScore,
	)
	return entry, nil
}

// Get returns the review entry for a transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (*domain.ReviewQueueEntry, error) {
	return s.repo.GetReviewEntry(ctx, transactionID)
}

// List returns entries, optionally filtered by status. limit <= 0 means
// no limit.
func (s *Service) List(ctx context.Context, status domain.ReviewStatus, limit int) ([]*domain.ReviewQueueEntry, error) {
	if status != "" {
		switch status {
		case domain.ReviewPending, domain.ReviewInReview, domain.ReviewResolved:
		default:
			return nil, fmt.Errorf("%w: unknown review status %q", domain.ErrInvalidInput, status)
		}
	}
	return s.repo.ListReviewEntries(ctx, status, limit)
}

// Claim assigns a pending entry to a reviewer and moves it IN_REVIEW.
func (s *Service) Claim(ctx context.Context, transactionID, reviewer string) (*domain.ReviewQueueEntry, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", domain.ErrInvalidInput)
	}

	entry, err := s.repo.GetReviewEntry(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.ReviewPending {
		return nil, fmt.Errorf("%w: entry for %s is %s, not PENDING", domain.ErrInvalidInput, transactionID, entry.Status)
	}

	entry.Status = domain.ReviewInReview
	entry.AssignedTo = reviewer
	if err := s.repo.UpdateReviewEntry(ctx, entry); err != nil {
		return nil, err
	}

	slog.Info("review entry claimed", "transaction_id", transactionID, "reviewer", reviewer)
	return entry, nil
}

// Resolve closes an entry. Pending entries may be resolved directly
// without a claim.
func (s *Service) Resolve(ctx context.Context, transactionID string) (*domain.ReviewQueueEntry, error) {
	entry, err := s.repo.GetReviewEntry(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.ReviewResolved {
		return nil, fmt.Errorf("%w: entry for %s is already resolved", domain.ErrInvalidInput, transactionID)
	}

	now := time.Now().UTC()
	entry.Status = domain.ReviewResolved
	entry.ResolvedAt = &now
	if err := s.repo.UpdateReviewEntry(ctx, entry); err != nil {
		return nil, err
	}

	slog.Info("review entry resolved", "transaction_id", transactionID)
	return entry, nil
}
