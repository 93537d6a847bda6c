package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avolpe/preceptor/internal/reliability"
)

// HTTPJudge forwards judgement requests to an external scoring endpoint.
type HTTPJudge struct {
	url    string
	apiKey string
	client *http.Client
}

// StatusError reports a non-2xx judge response together with whether a retry
// is worthwhile.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("judge http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

func NewHTTPJudge(url, apiKey string, timeout time.Duration) *HTTPJudge {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPJudge{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
	}
}

func (j *HTTPJudge) Judge(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	res, err := j.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send judge request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Result{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out Result
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode judge response: %w", err)
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 100 {
		out.Confidence = 100
	}
	if out.SuggestedAction == "" {
		out.SuggestedAction = ActionContinue
	}
	return out, nil
}
