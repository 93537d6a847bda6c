package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avolpe/preceptor/internal/config"
	"github.com/avolpe/preceptor/internal/observability"
	"github.com/avolpe/preceptor/internal/protocol"
	"github.com/avolpe/preceptor/internal/session"
	"github.com/avolpe/preceptor/internal/turn"
)

// echoEngine acknowledges every inbound payload with a turn_started event.
type echoEngine struct{}

func (echoEngine) RunConnection(ctx context.Context, sessionID string, inbound <-chan []byte, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-inbound:
			if !ok {
				return nil
			}
			outbound <- protocol.TurnStarted{
				Type:      protocol.TypeTurnStarted,
				SessionID: sessionID,
				TurnID:    "turn-1",
				CardID:    "card-1",
			}
		}
	}
}

func newTestServer(t *testing.T, name string) (*Server, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(2*time.Minute, 2, func(sessionID string) session.Runtime {
		return session.Runtime{Ledger: turn.NewLedger(sessionID, turn.Config{}, turn.Hooks{})}
	})
	metrics := observability.NewMetrics("test_httpapi_" + name + "_" + time.Now().Format("150405000"))
	return New(config.Config{}, registry, echoEngine{}, metrics, observability.NewLatencyWindow(32)), registry
}

func TestCreateStatsAndEndSession(t *testing.T) {
	srv, _ := newTestServer(t, "lifecycle")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"learner_id": "learner-1",
		"card_id":    "card-1",
	})
	res, err := http.Post(ts.URL+"/v1/tutor/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}

	statsRes, err := http.Get(ts.URL + "/v1/tutor/session/" + sessionID + "/stats")
	if err != nil {
		t.Fatalf("stats request error = %v", err)
	}
	defer statsRes.Body.Close()
	if statsRes.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", statsRes.StatusCode, http.StatusOK)
	}
	var stats map[string]any
	if err := json.NewDecoder(statsRes.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats response: %v", err)
	}
	if stats["current_card_id"] != "card-1" {
		t.Fatalf("current_card_id = %v, want card-1", stats["current_card_id"])
	}

	endRes, err := http.Post(ts.URL+"/v1/tutor/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestCreateSessionRequiresCard(t *testing.T) {
	srv, _ := newTestServer(t, "nocard")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/tutor/session", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestStatsUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "unknown")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/tutor/session/nope/stats")
	if err != nil {
		t.Fatalf("stats request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("stats status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestPerfLatencyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "perf")
	srv.window.Observe("event_apply", 3)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("latency request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latency status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode latency response: %v", err)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "event_apply" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	srv, registry := newTestServer(t, "ws")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess := registry.Create("learner-1", "card-1")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tutor/session/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	entry := protocol.TranscriptEntry{
		Type:      protocol.TypeTranscriptEntry,
		SessionID: sess.ID,
		CardID:    "card-1",
		Role:      protocol.RoleUser,
		Text:      "hello",
		Final:     true,
	}
	if err := conn.WriteJSON(entry); err != nil {
		t.Fatalf("write ws: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got protocol.TurnStarted
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	if got.Type != protocol.TypeTurnStarted || got.SessionID != sess.ID {
		t.Fatalf("unexpected ws event: %+v", got)
	}
}

func TestSessionWSUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "wsmissing")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/tutor/session/ws?session_id=nope")
	if err != nil {
		t.Fatalf("ws request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("ws status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
