package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Session struct {
	ID                string    `json:"session_id"`
	LearnerID         string    `json:"learner_id"`
	Status            Status    `json:"status"`
	CurrentCardID     string    `json:"current_card_id"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	LearnerID string `json:"learner_id"`
	CardID    string `json:"card_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	LearnerID       string    `json:"learner_id"`
	Status          Status    `json:"status"`
	CurrentCardID   string    `json:"current_card_id"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// Stats is a point-in-time snapshot of a session's coordination state,
// served to the host over HTTP.
type Stats struct {
	SessionID         string    `json:"session_id"`
	Status            Status    `json:"status"`
	CurrentCardID     string    `json:"current_card_id"`
	TurnsCompleted    int       `json:"turns_completed"`
	PendingTurns      int       `json:"pending_turns"`
	InterruptionCount int       `json:"interruption_count"`
	Evaluations       int       `json:"evaluations"`
	BreakerState      string    `json:"breaker_state"`
	Phase             string    `json:"phase"`
	Exchanges         int       `json:"exchanges"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}
