// Package engine implements the evaluation orchestrator: concurrent
// signal fan-out, score combination, decision mapping, and the
// review-queue hand-off for blocked transactions.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/abtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/reviewqueue"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// EngineVersion is stamped into every evaluation's metadata.
const EngineVersion = "1.0"

// ctiScale converts sub-override provider confidence into score points.
// An override-confidence threat bypasses this entirely.
const ctiScale = 0.3

// ThreatChecker is the CTI connector surface the orchestrator needs.
type ThreatChecker interface {
	CheckIP(ctx context.Context, ip string) domain.ThreatResult
}

// Scorer is the external ML model collaborator: an opaque probability
// in [0,1]. Implementations own their transport; the engine only
// enforces the timeout.
type Scorer interface {
	Score(ctx context.Context, tx *domain.TransactionContext) (float64, error)
}

// Engine is the top-level evaluation entry point. All collaborators are
// injected at construction; the engine owns none of their lifecycles.
type Engine struct {
	rules  *rules.Engine
	cti    ThreatChecker
	cache  domain.Cache
	deny   rules.DenyChecker
	scorer Scorer
	tests  *abtest.Service
	review *reviewqueue.Service
	repo   domain.Repository
	bus    domain.EventBus
	cfg    domain.EvaluationConfig
	tracer trace.Tracer
}

// New creates an evaluation engine. scorer, tests, and bus may be nil;
// the corresponding signals are then skipped.
func New(
	ruleEngine *rules.Engine,
	cti ThreatChecker,
	cache domain.Cache,
	deny rules.DenyChecker,
	scorer Scorer,
	tests *abtest.Service,
	review *reviewqueue.Service,
	repo domain.Repository,
	bus domain.EventBus,
	cfg domain.EvaluationConfig,
) *Engine {
	return &Engine{
		rules:  ruleEngine,
		cti:    cti,
		cache:  cache,
		deny:   deny,
		scorer: scorer,
		tests:  tests,
		review: review,
		repo:   repo,
		bus:    bus,
		cfg:    cfg,
		tracer: otel.Tracer("kestrel/engine"),
	}
}

// signals collects the fan-out outputs before combination.
type signals struct {
	ruleResults []domain.RuleEvaluationResult
	ruleErr     error

	cti    domain.ThreatResult
	ctiMs  int64
	hasCTI bool

	velocityCount int64
	velocityErr   error

	denyEntry *domain.BlacklistEntry
	denyErr   error

	modelScore float64
	modelErr   error
	hasModel   bool
}

// Evaluate scores one transaction and returns the decision. Only a
// fully unreachable rule source surfaces as an error; every other
// signal failure degrades the evaluation and is recorded in metadata.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.TransactionContext) (*domain.EvaluationResult, error) {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.TransactionID),
			attribute.Float64("transaction.amount", tx.Amount),
		),
	)
	defer span.End()

	test, group, variant := e.resolveVariant(ctx, tx)
	useModel := e.scorer != nil
	if variant != nil {
		useModel = useModel && variant.UseModel
	}

	sig := e.fanOut(ctx, tx, variant, useModel)
	if sig.ruleErr != nil {
		return nil, fmt.Errorf("rule evaluation unavailable: %w", sig.ruleErr)
	}

	result := e.combine(tx, sig)
	result.Metadata.EvaluationTimeMs = time.Since(start).Milliseconds()
	result.Metadata.CTICheckTimeMs = sig.ctiMs
	if test != nil {
		result.Metadata.ABTestID = test.ID
		result.Metadata.ABGroup = group
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		result.Metadata.TraceID = sc.TraceID().String()
	}

	span.SetAttributes(
		attribute.Float64("risk.score", result.RiskScore),
		attribute.String("risk.decision", string(result.Decision)),
	)

	if result.Decision == domain.DecisionBlocked {
		e.handOffToReview(ctx, result)
	}
	e.archive(result)

	slog.Info("transaction evaluated",
		"transaction_id", tx.TransactionID,
		"risk_score", result.RiskScore,
		"risk_level", result.RiskLevel,
		"decision", result.Decision,
		"duration_ms", result.Metadata.EvaluationTimeMs,
		"degraded", result.Metadata.Degraded,
	)
	return result, nil
}

// resolveVariant assigns the transaction to a running experiment group,
// if any. Experiment lookup failures never block the evaluation.
func (e *Engine) resolveVariant(ctx context.Context, tx *domain.TransactionContext) (*domain.ABTest, string, *domain.GroupConfig) {
	if e.tests == nil {
		return nil, "", nil
	}

	test, err := e.tests.ActiveTest(ctx)
	if err != nil {
		slog.Warn("ab test lookup failed", "error", err)
		return nil, "", nil
	}
	if test == nil {
		return nil, "", nil
	}

	group := abtest.AssignGroup(test, tx.TransactionID)
	variant := test.ConfigFor(group)
	return test, group, &variant
}

// fanOut runs every signal concurrently and waits for all of them.
func (e *Engine) fanOut(ctx context.Context, tx *domain.TransactionContext, variant *domain.GroupConfig, useModel bool) *signals {
	sig := &signals{}
	done := make(chan struct{})
	n := 0

	run := func(fn func()) {
		n++
		go func() {
			fn()
			done <- struct{}{}
		}()
	}

	run(func() {
		sig.ruleResults, sig.ruleErr = e.rules.EvaluateTransaction(ctx, tx, variant)
	})

	if e.cti != nil && tx.IPAddress != "" {
		sig.hasCTI = true
		run(func() {
			ctiStart := time.Now()
			sig.cti = e.cti.CheckIP(ctx, tx.IPAddress)
			sig.ctiMs = time.Since(ctiStart).Milliseconds()
		})
	}

	if tx.UserID != "" && e.cfg.VelocityMaxCount > 0 {
		run(func() {
			key := fmt.Sprintf("svel:user:%s", tx.UserID)
			sig.velocityCount, sig.velocityErr = e.cache.IncrementCounter(ctx, key, e.cfg.VelocityWindow)
		})
	}

	if e.deny != nil && tx.IPAddress != "" {
		run(func() {
			sig.denyEntry, sig.denyErr = e.deny.Check(ctx, domain.BlacklistIP, tx.IPAddress)
		})
	}

	if useModel {
		sig.hasModel = true
		run(func() {
			modelCtx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
			defer cancel()
			sig.modelScore, sig.modelErr = e.scorer.Score(modelCtx, tx)
		})
	}

	for i := 0; i < n; i++ {
		<-done
	}
	return sig
}

// combine folds all signals into the final score and decision.
func (e *Engine) combine(tx *domain.TransactionContext, sig *signals) *domain.EvaluationResult {
	t := e.cfg.Thresholds
	var factors []domain.RiskFactor
	degraded := false
	score := 0.0

	// Triggered rules arrive in priority order from the rule engine.
	for _, rr := range sig.ruleResults {
		if !rr.Triggered {
			continue
		}
		score += rr.Score
		factors = append(factors, domain.RiskFactor{
			FactorType:  "rule:" + string(rr.RuleType),
			FactorScore: rr.Score,
			Description: fmt.Sprintf("%s: %s", rr.RuleName, rr.Reason),
			Metadata:    rr.Metadata,
		})
	}

	// Standing velocity check, independent of any VELOCITY rule.
	if sig.velocityErr != nil {
		slog.Warn("standing velocity check failed", "transaction_id", tx.TransactionID, "error", sig.velocityErr)
		degraded = true
	} else if sig.velocityCount > e.cfg.VelocityMaxCount {
		score += e.cfg.VelocityWeight
		factors = append(factors, domain.RiskFactor{
			FactorType:  "velocity",
			FactorScore: e.cfg.VelocityWeight,
			Description: fmt.Sprintf("%d transactions for user within %s", sig.velocityCount, e.cfg.VelocityWindow),
			Metadata: map[string]any{
				"count":     sig.velocityCount,
				"max_count": e.cfg.VelocityMaxCount,
			},
		})
	}

	// An explicit deny-list hit alone reaches the blocking boundary.
	if sig.denyErr != nil {
		slog.Warn("blacklist check failed", "transaction_id", tx.TransactionID, "error", sig.denyErr)
		degraded = true
	} else if sig.denyEntry != nil {
		score += t.HighScore
		factors = append(factors, domain.RiskFactor{
			FactorType:  "blacklisted_ip",
			FactorScore: t.HighScore,
			Description: fmt.Sprintf("IP %s is deny-listed: %s", tx.IPAddress, sig.denyEntry.Reason),
		})
	}

	ctiOverride := false
	if sig.hasCTI {
		if sig.cti.Degraded {
			degraded = true
		}
		if sig.cti.IsThreat {
			contribution := sig.cti.ConfidenceScore * ctiScale
			if sig.cti.ConfidenceScore >= t.CTIOverrideConfidence {
				ctiOverride = true
				contribution = t.HighScore
			}
			score += contribution
			factors = append(factors, domain.RiskFactor{
				FactorType:  "suspicious_ip",
				FactorScore: contribution,
				Description: fmt.Sprintf("threat intel: %s (%s, confidence %.0f)", sig.cti.Description, sig.cti.Source, sig.cti.ConfidenceScore),
				Metadata: map[string]any{
					"source":     sig.cti.Source,
					"level":      string(sig.cti.Level),
					"confidence": sig.cti.ConfidenceScore,
				},
			})
		}
	}

	if sig.hasModel {
		if sig.modelErr != nil {
			slog.Warn("model score unavailable", "transaction_id", tx.TransactionID, "error", sig.modelErr)
			degraded = true
		} else {
			contribution := sig.modelScore * e.cfg.ModelWeight
			score += contribution
			if contribution > 0 {
				factors = append(factors, domain.RiskFactor{
					FactorType:  "model_score",
					FactorScore: contribution,
					Description: fmt.Sprintf("model probability %.3f", sig.modelScore),
				})
			}
		}
	}

	if score > t.MaxScore {
		score = t.MaxScore
	}
	if score < 0 {
		score = 0
	}

	// A high-confidence malicious verdict forces the blocking boundary
	// regardless of other signals.
	if ctiOverride && score < t.HighScore {
		score = t.HighScore
	}

	level := t.Level(score)
	decision := domain.DecisionFor(level)

	return &domain.EvaluationResult{
		ID:                   uuid.NewString(),
		TransactionID:        tx.TransactionID,
		RiskScore:            score,
		RiskLevel:            level,
		Decision:             decision,
		RiskFactors:          factors,
		RequiresVerification: decision == domain.DecisionAdditionalAuth,
		RecommendedAction: domain.RecommendedAction{
			Action:               decision,
			ManualReviewRequired: decision == domain.DecisionBlocked,
			NotifyUser:           decision != domain.DecisionApprove,
		},
		Metadata: domain.EvaluationMetadata{
			RulesEvaluated: len(sig.ruleResults),
			Degraded:       degraded,
			EngineVersion:  EngineVersion,
			Timestamp:      time.Now().UTC(),
		},
	}
}

// handOffToReview queues a blocked transaction for manual review. The
// decision already stands; a queue failure is logged, never surfaced.
func (e *Engine) handOffToReview(ctx context.Context, result *domain.EvaluationResult) {
	if e.review == nil {
		return
	}

	reasons := make([]string, 0, len(result.RiskFactors))
	for _, f := range result.RiskFactors {
		reasons = append(reasons, f.Description)
	}

	entry, err := e.review.Add(ctx, result.TransactionID, result.RiskScore, reasons)
	if err != nil {
		slog.Error("review queue hand-off failed",
			"transaction_id", result.TransactionID,
			"error", err,
		)
		return
	}
	if entry == nil {
		return
	}

	if e.bus != nil {
		payload := []byte(fmt.Sprintf(`{"transactionId":%q,"riskScore":%.1f}`, result.TransactionID, result.RiskScore))
		if err := e.bus.Publish(ctx, domain.TopicReviewQueued, payload); err != nil {
			slog.Warn("failed to publish review event", "transaction_id", result.TransactionID, "error", err)
		}
	}
}

// archive persists the evaluation off the hot path.
func (e *Engine) archive(result *domain.EvaluationResult) {
	if e.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.repo.SaveEvaluation(ctx, result); err != nil {
			slog.Warn("failed to archive evaluation", "evaluation_id", result.ID, "error", err)
		}
	}()
}
