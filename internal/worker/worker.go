// Package worker provides async transaction evaluation from the event
// bus for callers that cannot wait on the synchronous API.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Worker consumes ingested transactions from the bus, evaluates them,
// and publishes the decision. Blocked transactions additionally raise
// an alert.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async evaluation worker.
func NewWorker(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("evaluation worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// Stop unsubscribes and cancels in-flight work.
func (w *Worker) Stop() {
	w.cancel()
	for _, sub := range w.subscriptions {
		_ = sub.Unsubscribe()
	}
	w.subscriptions = nil
	slog.Info("evaluation worker stopped")
}

// DecisionMessage is the payload published to the decision topic.
type DecisionMessage struct {
	TransactionID string             `json:"transactionId"`
	EvaluationID  string             `json:"evaluationId"`
	RiskScore     float64            `json:"riskScore"`
	RiskLevel     domain.RiskLevel   `json:"riskLevel"`
	Decision      domain.Decision    `json:"decision"`
	RiskFactors   []domain.RiskFactor `json:"riskFactors,omitempty"`
	Degraded      bool               `json:"degraded"`
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.EvaluateRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("malformed transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil // not retryable, drop it
	}
	if req.TransactionID == "" {
		slog.Error("transaction message without id", "message_id", msg.ID)
		return nil
	}

	result, err := w.engine.Evaluate(ctx, req.ToContext())
	if err != nil {
		slog.Error("async evaluation failed",
			"transaction_id", req.TransactionID,
			"error", err,
		)
		return err
	}

	decision := DecisionMessage{
		TransactionID: result.TransactionID,
		EvaluationID:  result.ID,
		RiskScore:     result.RiskScore,
		RiskLevel:     result.RiskLevel,
		Decision:      result.Decision,
		RiskFactors:   result.RiskFactors,
		Degraded:      result.Metadata.Degraded,
	}
	payload, _ := json.Marshal(decision)

	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"transaction_id", result.TransactionID,
			"error", err,
		)
	}

	if result.Decision == domain.DecisionBlocked {
		if err := w.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"transaction_id", result.TransactionID,
				"error", err,
			)
		}
	}

	slog.Debug("transaction processed from bus",
		"transaction_id", result.TransactionID,
		"decision", result.Decision,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
