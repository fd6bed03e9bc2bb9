package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/abtest"
	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/reviewqueue"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	eval       *engine.Engine
	ruleEngine *rules.Engine
	deny       *blacklist.Manager
	review     *reviewqueue.Service
	tests      *abtest.Service
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eval *engine.Engine, ruleEngine *rules.Engine, deny *blacklist.Manager, review *reviewqueue.Service, tests *abtest.Service, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		eval:       eval,
		ruleEngine: ruleEngine,
		deny:       deny,
		review:     review,
		tests:      tests,
		version:    version,
	}
}

// Evaluate handles POST /evaluate requests. The evaluation runs
// synchronously; the full result, including the risk factor breakdown,
// is returned in the response body.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.TransactionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactionId is required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}

	result, err := h.eval.Evaluate(ctx, req.ToContext())
	if err != nil {
		slog.Error("evaluation failed", "transaction_id", req.TransactionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	evalID := chi.URLParam(r, "id")

	eval, err := h.repo.GetEvaluation(ctx, evalID)
	if err != nil {
		writeError(w, err, "evaluation not found")
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the rules currently loaded in the engine.
// Rules are cached with a TTL and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if err := h.ruleEngine.LoadActiveRules(r.Context(), false); err != nil {
		slog.Warn("rule load failed, serving cached snapshot", "error", err)
	}
	loadedRules := h.ruleEngine.ActiveRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the repository.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(r.Context(), ruleID)
	if err != nil {
		writeError(w, err, "rule not found")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and persists a new detection rule.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.DetectionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := rule.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Without a geolocation provider a LOCATION rule would never fire.
	// Reject it up front instead of accepting a rule that cannot run.
	if rule.Type == domain.RuleTypeLocation && !h.ruleEngine.HasGeolocator() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "no geolocation provider configured; LOCATION rules are unavailable",
		})
		return
	}

	// CEL expressions are compiled at load time; reject ones that will
	// not compile before they reach the database.
	if rule.Type == domain.RuleTypeExpression {
		if err := h.ruleEngine.ValidateExpression(&rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid expression: " + err.Error(),
			})
			return
		}
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := h.repo.SaveRule(ctx, &rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "type", rule.Type)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// SetRuleEnabled toggles a rule and invalidates the engine's rule cache
// so the change takes effect on the next evaluation.
func (h *Handler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.repo.SetRuleEnabled(ctx, ruleID, req.Enabled); err != nil {
		writeError(w, err, "rule not found")
		return
	}
	h.ruleEngine.InvalidateCache()

	slog.Info("rule toggled", "id", ruleID, "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      ruleID,
		"enabled": req.Enabled,
	})
}

// ReloadRules forces a reload of active rules from the database into the
// engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	h.ruleEngine.InvalidateCache()
	if err := h.ruleEngine.LoadActiveRules(r.Context(), true); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	count := h.ruleEngine.RulesCount()
	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// AddBlacklistRequest is the request body for adding a deny-list entry.
type AddBlacklistRequest struct {
	Type       domain.BlacklistType `json:"type"`
	Value      string               `json:"value"`
	Reason     string               `json:"reason,omitempty"`
	AddedBy    string               `json:"addedBy,omitempty"`
	TTLSeconds int64                `json:"ttlSeconds,omitempty"`
}

// AddBlacklistEntry adds or refreshes a deny-list entry.
func (h *Handler) AddBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	var req AddBlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	entry := &domain.BlacklistEntry{
		Type:    req.Type,
		Value:   req.Value,
		Reason:  req.Reason,
		AddedBy: req.AddedBy,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	}
	if err := h.deny.Add(r.Context(), entry); err != nil {
		writeError(w, err, "failed to add blacklist entry")
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// ListBlacklist returns active deny-list entries, optionally filtered by
// type via ?type=.
func (h *Handler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	typ := domain.BlacklistType(r.URL.Query().Get("type"))

	entries, err := h.deny.List(r.Context(), typ)
	if err != nil {
		writeError(w, err, "failed to list blacklist entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// RemoveBlacklistEntry deletes one deny-list entry.
func (h *Handler) RemoveBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	typ := domain.BlacklistType(chi.URLParam(r, "type"))
	value := chi.URLParam(r, "value")

	if err := h.deny.Remove(r.Context(), typ, value); err != nil {
		writeError(w, err, "failed to remove blacklist entry")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "entry removed",
	})
}

// ListReviewQueue returns review entries, oldest first. Supports
// ?status= and ?limit= filters.
func (h *Handler) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	status := domain.ReviewStatus(r.URL.Query().Get("status"))

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	entries, err := h.review.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err, "failed to list review queue")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetReviewEntry returns the review entry for a transaction.
func (h *Handler) GetReviewEntry(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "transactionId")

	entry, err := h.review.Get(r.Context(), txID)
	if err != nil {
		writeError(w, err, "review entry not found")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// ClaimReviewEntry assigns a pending entry to a reviewer.
func (h *Handler) ClaimReviewEntry(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "transactionId")

	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	entry, err := h.review.Claim(r.Context(), txID, req.Reviewer)
	if err != nil {
		writeError(w, err, "failed to claim review entry")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// ResolveReviewEntry closes a review entry.
func (h *Handler) ResolveReviewEntry(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "transactionId")

	entry, err := h.review.Resolve(r.Context(), txID)
	if err != nil {
		writeError(w, err, "failed to resolve review entry")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// CreateABTest creates a new experiment in DRAFT status.
func (h *Handler) CreateABTest(w http.ResponseWriter, r *http.Request) {
	var test domain.ABTest
	if err := json.NewDecoder(r.Body).Decode(&test); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.tests.Create(r.Context(), &test); err != nil {
		writeError(w, err, "failed to create ab test")
		return
	}

	writeJSON(w, http.StatusCreated, test)
}

// ListABTests returns experiments, optionally filtered by ?status=.
func (h *Handler) ListABTests(w http.ResponseWriter, r *http.Request) {
	status := domain.ABTestStatus(r.URL.Query().Get("status"))

	tests, err := h.tests.List(r.Context(), status)
	if err != nil {
		writeError(w, err, "failed to list ab tests")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tests": tests,
		"count": len(tests),
	})
}

// GetABTest returns one experiment including its running group stats.
func (h *Handler) GetABTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")

	test, err := h.tests.Get(r.Context(), testID)
	if err != nil {
		writeError(w, err, "ab test not found")
		return
	}

	writeJSON(w, http.StatusOK, test)
}

// SetABTestStatus moves an experiment through its lifecycle.
func (h *Handler) SetABTestStatus(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")

	var req struct {
		Status domain.ABTestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	test, err := h.tests.SetStatus(r.Context(), testID, req.Status)
	if err != nil {
		writeError(w, err, "failed to update ab test status")
		return
	}

	writeJSON(w, http.StatusOK, test)
}

// RecordResultRequest is the outcome-feedback body for an experiment.
// Ground-truth labels arrive from chargeback and dispute feeds well
// after the evaluation, so this is a separate endpoint rather than part
// of the evaluation hot path.
type RecordResultRequest struct {
	Group      string              `json:"group"`
	Outcome    domain.OutcomeFlags `json:"outcome"`
	EvalTimeMs float64             `json:"evalTimeMs"`
}

// RecordABTestResult folds one labeled outcome into a group's stats.
func (h *Handler) RecordABTestResult(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")

	var req RecordResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Group != domain.GroupA && req.Group != domain.GroupB {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "group must be A or B",
		})
		return
	}

	if err := h.tests.RecordResult(r.Context(), testID, req.Group, req.Outcome, req.EvalTimeMs); err != nil {
		writeError(w, err, "failed to record result")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "result recorded",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps sentinel errors onto HTTP statuses. Unknown errors
// are logged and hidden behind the fallback message.
func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fallback})
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidRule):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyQueued):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fallback})
	}
}
