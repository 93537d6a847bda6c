package archive

import (
	"context"
	"time"
)

// TurnRecord is a finished turn as durably stored: its transcripts,
// terminal status, and evaluation outcome if one was applied.
type TurnRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	CardID          string    `json:"card_id"`
	Status          string    `json:"status"`
	UserTranscript  string    `json:"user_transcript"`
	TutorTranscript string    `json:"tutor_transcript"`
	EvaluationLevel string    `json:"evaluation_level,omitempty"`
	EvaluationNote  string    `json:"evaluation_note,omitempty"`
	Confidence      int       `json:"confidence"`
	StartedAt       time.Time `json:"started_at"`
	ArchivedAt      time.Time `json:"archived_at"`
}

// Store persists finished turns beyond the ledger's bounded history.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
