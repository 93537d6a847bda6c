package judge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMockJudgeVerdictTiers(t *testing.T) {
	m := NewMockJudge()
	ctx := context.Background()

	res, err := m.Judge(ctx, Request{UserTranscript: "um", ExchangeCount: 1})
	if err != nil {
		t.Fatalf("Judge() error = %v", err)
	}
	if res.Ready || res.Mastery != LevelNovice {
		t.Fatalf("short reply verdict = %+v, want not-ready novice", res)
	}

	res, err = m.Judge(ctx, Request{
		UserTranscript: "water evaporates from the ocean then condenses into clouds and falls as rain",
		ExchangeCount:  2,
	})
	if err != nil {
		t.Fatalf("Judge() error = %v", err)
	}
	if !res.Ready || res.SuggestedAction != ActionAdvance {
		t.Fatalf("substantive reply verdict = %+v, want ready advance", res)
	}
}

func TestMockJudgeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockJudge().Judge(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestHTTPJudgeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SessionID != "s1" || req.TurnID != "t1" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(Result{
			Ready:           true,
			Mastery:         LevelProficient,
			Confidence:      140,
			SuggestedAction: ActionAdvanceWithoutReward,
		})
	}))
	defer srv.Close()

	j := NewHTTPJudge(srv.URL, "key", time.Second)
	res, err := j.Judge(context.Background(), Request{SessionID: "s1", TurnID: "t1"})
	if err != nil {
		t.Fatalf("Judge() error = %v", err)
	}
	if !res.Ready || res.SuggestedAction != ActionAdvanceWithoutReward {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Confidence != 100 {
		t.Fatalf("Confidence = %d, want clamped to 100", res.Confidence)
	}
}

func TestHTTPJudgeStatusErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	j := NewHTTPJudge(srv.URL, "", time.Second)
	_, err := j.Judge(context.Background(), Request{SessionID: "s1", TurnID: "t1"})

	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("error = %T, want *StatusError", err)
	}
	if status.Code != http.StatusServiceUnavailable || !status.Retryable() {
		t.Fatalf("status error = %+v, want retryable 503", status)
	}
}
