package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avolpe/preceptor/internal/archive"
	"github.com/avolpe/preceptor/internal/config"
	"github.com/avolpe/preceptor/internal/engine"
	"github.com/avolpe/preceptor/internal/evaluation"
	"github.com/avolpe/preceptor/internal/httpapi"
	"github.com/avolpe/preceptor/internal/judge"
	"github.com/avolpe/preceptor/internal/observability"
	"github.com/avolpe/preceptor/internal/reliability"
	"github.com/avolpe/preceptor/internal/session"
	"github.com/avolpe/preceptor/internal/staleness"
	"github.com/avolpe/preceptor/internal/transport"
	"github.com/avolpe/preceptor/internal/turn"
)

func main() {
	// Local development convenience; a missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewLatencyWindow(256)

	ctx := context.Background()
	store, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}
	defer store.Close()

	scorer := buildJudge(cfg)

	breakerCfg := reliability.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MonitoringPeriod: cfg.BreakerMonitoringPeriod,
		ResetTimeout:     cfg.BreakerResetTimeout,
		CloseJitterMax:   cfg.BreakerCloseJitterMax,
		OnStateChange: func(_, to reliability.BreakerState) {
			metrics.BreakerTransitions.WithLabelValues(string(to)).Inc()
		},
	}
	retryCfg := reliability.RetryConfig{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		JitterFraction: cfg.RetryJitterFraction,
		AttemptTimeout: cfg.RetryAttemptTimeout,
	}

	registry := session.NewRegistry(cfg.SessionInactivityTimeout, cfg.AssessmentMinExchanges, func(sessionID string) session.Runtime {
		ledger := turn.NewLedger(sessionID, turn.Config{
			HistoryLimit:      cfg.TurnHistoryLimit,
			PendingLimit:      cfg.PendingTurnLimit,
			PendingExpiry:     cfg.PendingTurnExpiry,
			EvaluationTimeout: cfg.EvaluationTimeout,
		}, turn.Hooks{
			TurnArchived: func(t turn.Turn) {
				archiveTurn(store, sessionID, t)
			},
			EvaluationTimeout: func(turnID string) {
				metrics.JudgeErrors.WithLabelValues("timeout").Inc()
			},
		})
		scheduler := evaluation.NewScheduler(sessionID, evaluation.Config{
			Debounce:          cfg.EvaluationDebounce,
			MinUserExchanges:  cfg.MinUserExchanges,
			MinTutorExchanges: cfg.MinTutorExchanges,
			MinReplyWords:     cfg.MinReplyWords,
			StruggleThreshold: cfg.StruggleThreshold,
			ExchangeCeiling:   cfg.ExchangeCeiling,
			Breaker:           breakerCfg,
			Retry:             retryCfg,
		}, ledger, scorer)
		return session.Runtime{Ledger: ledger, Scheduler: scheduler}
	})
	registry.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(registry.ActiveCount()))
	})

	eng := engine.New(registry, metrics, window, engine.Config{
		Staleness: staleness.Config{
			MaxAge:              cfg.StalenessMaxAge,
			SkewTolerance:       cfg.StalenessSkew,
			CalibrationInterval: cfg.ClockRecalibration,
		},
		Monitor: transport.MonitorConfig{
			CheckInterval:   cfg.LivenessCheckInterval,
			ActivityTimeout: cfg.ActivityTimeout,
		},
	})

	api := httpapi.New(cfg, registry, eng, metrics, window)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, 5*time.Second)

	if cfg.SpeechTransportURL != "" {
		go runSpeechLink(runCtx, cfg, eng)
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// runSpeechLink dials the upstream speech-conversation service and feeds
// its multiplexed event stream through the per-session pipelines. The link
// keeps itself alive with keepalives and redials within a bounded budget.
func runSpeechLink(ctx context.Context, cfg config.Config, eng *engine.Engine) {
	var header http.Header
	if cfg.SpeechTransportAPIKey != "" {
		header = http.Header{"Authorization": {"Bearer " + cfg.SpeechTransportAPIKey}}
	}
	link := transport.NewLink("speech-upstream", transport.LinkConfig{
		URL:    cfg.SpeechTransportURL,
		Header: header,
		Monitor: transport.MonitorConfig{
			CheckInterval:   cfg.LivenessCheckInterval,
			ActivityTimeout: cfg.ActivityTimeout,
		},
		Heartbeat: transport.HeartbeatConfig{
			Period: cfg.HeartbeatPeriod,
			Grace:  cfg.HeartbeatGrace,
		},
		Reconnect: transport.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
		},
	})

	go func() {
		if err := link.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("speech transport link down: %v", err)
		}
	}()
	log.Printf("speech transport link dialing %s", cfg.SpeechTransportURL)
	if err := eng.RunUpstream(ctx, link); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("speech transport bridge stopped: %v", err)
	}
}

func buildJudge(cfg config.Config) judge.Judge {
	mode := strings.ToLower(strings.TrimSpace(cfg.JudgeProvider))
	switch mode {
	case "http":
		log.Printf("judge provider: http (%s)", cfg.JudgeURL)
		return judge.NewHTTPJudge(cfg.JudgeURL, cfg.JudgeAPIKey, cfg.JudgeTimeout)
	case "mock":
		log.Printf("judge provider: mock")
		return judge.NewMockJudge()
	default: // auto
		if strings.TrimSpace(cfg.JudgeURL) != "" {
			log.Printf("judge provider: http (%s)", cfg.JudgeURL)
			return judge.NewHTTPJudge(cfg.JudgeURL, cfg.JudgeAPIKey, cfg.JudgeTimeout)
		}
		log.Printf("judge provider: mock (JUDGE_URL not set)")
		return judge.NewMockJudge()
	}
}

// archiveTurn persists a finished turn best-effort; the live pipeline never
// blocks on the archive.
func archiveTurn(store archive.Store, sessionID string, t turn.Turn) {
	rec := archive.TurnRecord{
		ID:              t.ID,
		SessionID:       sessionID,
		CardID:          t.CardID,
		Status:          string(t.Status),
		UserTranscript:  t.UserTranscript,
		TutorTranscript: t.TutorTranscript,
		StartedAt:       t.StartedAt,
	}
	if t.Evaluation != nil {
		rec.EvaluationLevel = string(t.Evaluation.Mastery)
		rec.EvaluationNote = string(t.Evaluation.SuggestedAction)
		rec.Confidence = t.Evaluation.Confidence
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveTurn(ctx, rec); err != nil {
		log.Printf("archive save failed: session=%s turn=%s err=%v", sessionID, t.ID, err)
	}
}
