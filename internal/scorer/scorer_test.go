package scorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestHTTPScorerScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/score" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var tx domain.TransactionContext
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			t.Errorf("failed to decode transaction: %v", err)
		}
		if tx.TransactionID != "tx-score-1" {
			t.Errorf("unexpected transaction id %q", tx.TransactionID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score":0.87}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, nil)
	score, err := s.Score(context.Background(), &domain.TransactionContext{
		TransactionID: "tx-score-1",
		Amount:        250,
	})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 0.87 {
		t.Errorf("expected score 0.87, got %f", score)
	}
}

func TestHTTPScorerRejectsOutOfRangeScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score":1.5}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, nil)
	if _, err := s.Score(context.Background(), &domain.TransactionContext{TransactionID: "tx-1"}); err == nil {
		t.Fatal("expected error for score outside [0,1]")
	}
}

func TestHTTPScorerServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, nil)
	if _, err := s.Score(context.Background(), &domain.TransactionContext{TransactionID: "tx-1"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
