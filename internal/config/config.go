package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the tutoring session engine.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Event freshness.
	StalenessMaxAge    time.Duration
	StalenessSkew      time.Duration
	ClockRecalibration time.Duration

	// Outbound speech-transport link. An empty URL disables the dialed
	// link; sessions are then driven over the host websocket only.
	SpeechTransportURL    string
	SpeechTransportAPIKey string

	// Silent-link watchdog and keepalive.
	LivenessCheckInterval time.Duration
	ActivityTimeout       time.Duration
	HeartbeatPeriod       time.Duration
	HeartbeatGrace        time.Duration

	// Reconnection budget.
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Judge circuit breaker.
	BreakerFailureThreshold int
	BreakerMonitoringPeriod time.Duration
	BreakerResetTimeout     time.Duration
	BreakerCloseJitterMax   time.Duration

	// Judge retry policy.
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryJitterFraction float64
	RetryAttemptTimeout time.Duration

	// Turn ledger.
	TurnHistoryLimit  int
	PendingTurnLimit  int
	PendingTurnExpiry time.Duration
	EvaluationTimeout time.Duration

	// Evaluation scheduling.
	EvaluationDebounce time.Duration
	MinUserExchanges   int
	MinTutorExchanges  int
	MinReplyWords      int
	StruggleThreshold  int
	ExchangeCeiling    int

	// Mastery gating.
	AssessmentMinExchanges int

	// Judge backend selection: auto, http, or mock.
	JudgeProvider string
	JudgeURL      string
	JudgeAPIKey   string
	JudgeTimeout  time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "preceptor"),
		AllowAnyOrigin:   false,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,

		SpeechTransportURL:    stringsTrimSpace("SPEECH_TRANSPORT_URL"),
		SpeechTransportAPIKey: stringsTrimSpace("SPEECH_TRANSPORT_API_KEY"),

		StalenessMaxAge:    5 * time.Second,
		StalenessSkew:      time.Second,
		ClockRecalibration: time.Minute,

		LivenessCheckInterval: 5 * time.Second,
		ActivityTimeout:       15 * time.Second,
		HeartbeatPeriod:       30 * time.Second,
		HeartbeatGrace:        5 * time.Second,

		ReconnectMaxAttempts: 5,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Second,

		BreakerFailureThreshold: 3,
		BreakerMonitoringPeriod: time.Minute,
		BreakerResetTimeout:     30 * time.Second,
		BreakerCloseJitterMax:   5 * time.Second,

		RetryMaxAttempts:    5,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
		RetryJitterFraction: 0.25,
		RetryAttemptTimeout: 10 * time.Second,

		TurnHistoryLimit:  10,
		PendingTurnLimit:  4,
		PendingTurnExpiry: 30 * time.Second,
		EvaluationTimeout: 15 * time.Second,

		EvaluationDebounce: 8 * time.Second,
		MinUserExchanges:   2,
		MinTutorExchanges:  2,
		MinReplyWords:      8,
		StruggleThreshold:  3,
		ExchangeCeiling:    12,

		AssessmentMinExchanges: 2,

		JudgeProvider: envOrDefault("JUDGE_PROVIDER", "auto"),
		JudgeURL:      stringsTrimSpace("JUDGE_URL"),
		JudgeAPIKey:   stringsTrimSpace("JUDGE_API_KEY"),
		JudgeTimeout:  30 * time.Second,

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	for _, f := range []struct {
		key  string
		dest *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"STALENESS_MAX_AGE", &cfg.StalenessMaxAge},
		{"STALENESS_SKEW_TOLERANCE", &cfg.StalenessSkew},
		{"CLOCK_RECALIBRATION_INTERVAL", &cfg.ClockRecalibration},
		{"LIVENESS_CHECK_INTERVAL", &cfg.LivenessCheckInterval},
		{"ACTIVITY_TIMEOUT", &cfg.ActivityTimeout},
		{"HEARTBEAT_PERIOD", &cfg.HeartbeatPeriod},
		{"HEARTBEAT_GRACE", &cfg.HeartbeatGrace},
		{"RECONNECT_BASE_DELAY", &cfg.ReconnectBaseDelay},
		{"RECONNECT_MAX_DELAY", &cfg.ReconnectMaxDelay},
		{"BREAKER_MONITORING_PERIOD", &cfg.BreakerMonitoringPeriod},
		{"BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
		{"BREAKER_CLOSE_JITTER_MAX", &cfg.BreakerCloseJitterMax},
		{"RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"RETRY_ATTEMPT_TIMEOUT", &cfg.RetryAttemptTimeout},
		{"PENDING_TURN_EXPIRY", &cfg.PendingTurnExpiry},
		{"EVALUATION_TIMEOUT", &cfg.EvaluationTimeout},
		{"EVALUATION_DEBOUNCE", &cfg.EvaluationDebounce},
		{"JUDGE_TIMEOUT", &cfg.JudgeTimeout},
	} {
		*f.dest, err = durationFromEnv(f.key, *f.dest)
		if err != nil {
			return Config{}, err
		}
	}

	for _, f := range []struct {
		key  string
		dest *int
	}{
		{"RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts},
		{"BREAKER_FAILURE_THRESHOLD", &cfg.BreakerFailureThreshold},
		{"RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts},
		{"TURN_HISTORY_LIMIT", &cfg.TurnHistoryLimit},
		{"PENDING_TURN_LIMIT", &cfg.PendingTurnLimit},
		{"MIN_USER_EXCHANGES", &cfg.MinUserExchanges},
		{"MIN_TUTOR_EXCHANGES", &cfg.MinTutorExchanges},
		{"MIN_REPLY_WORDS", &cfg.MinReplyWords},
		{"STRUGGLE_THRESHOLD", &cfg.StruggleThreshold},
		{"EXCHANGE_CEILING", &cfg.ExchangeCeiling},
		{"ASSESSMENT_MIN_EXCHANGES", &cfg.AssessmentMinExchanges},
	} {
		*f.dest, err = intFromEnv(f.key, *f.dest)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.RetryJitterFraction, err = floatFromEnv("RETRY_JITTER_FRACTION", cfg.RetryJitterFraction)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.StalenessMaxAge <= 0 {
		return Config{}, fmt.Errorf("STALENESS_MAX_AGE must be positive")
	}
	if cfg.SpeechTransportURL != "" &&
		!strings.HasPrefix(cfg.SpeechTransportURL, "ws://") &&
		!strings.HasPrefix(cfg.SpeechTransportURL, "wss://") {
		return Config{}, fmt.Errorf("SPEECH_TRANSPORT_URL must be a ws:// or wss:// URL")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return Config{}, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	if cfg.RetryJitterFraction < 0 || cfg.RetryJitterFraction > 1 {
		return Config{}, fmt.Errorf("RETRY_JITTER_FRACTION must be in [0, 1]")
	}
	if cfg.TurnHistoryLimit <= 0 {
		return Config{}, fmt.Errorf("TURN_HISTORY_LIMIT must be positive")
	}
	if cfg.PendingTurnLimit <= 0 {
		return Config{}, fmt.Errorf("PENDING_TURN_LIMIT must be positive")
	}
	if cfg.ExchangeCeiling < cfg.MinUserExchanges {
		return Config{}, fmt.Errorf("EXCHANGE_CEILING must be at least MIN_USER_EXCHANGES")
	}
	switch cfg.JudgeProvider {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("JUDGE_PROVIDER must be one of auto, http, mock")
	}
	if cfg.JudgeProvider == "http" && cfg.JudgeURL == "" {
		return Config{}, fmt.Errorf("JUDGE_URL is required when JUDGE_PROVIDER=http")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
