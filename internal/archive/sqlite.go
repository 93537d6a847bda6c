package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists finished turns in a local SQLite file. Useful for
// single-host deployments that want durability without a database server.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; one connection avoids lock
	// contention errors under concurrent archiving.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archived_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			card_id TEXT NOT NULL,
			status TEXT NOT NULL,
			user_transcript TEXT NOT NULL DEFAULT '',
			tutor_transcript TEXT NOT NULL DEFAULT '',
			evaluation_level TEXT NOT NULL DEFAULT '',
			evaluation_note TEXT NOT NULL DEFAULT '',
			confidence INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			archived_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_turns_session_archived ON archived_turns (session_id, archived_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archived_turns
		 (id, session_id, card_id, status, user_transcript, tutor_transcript,
		  evaluation_level, evaluation_note, confidence, started_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SessionID,
		record.CardID,
		record.Status,
		record.UserTranscript,
		record.TutorTranscript,
		record.EvaluationLevel,
		record.EvaluationNote,
		record.Confidence,
		record.StartedAt,
		record.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, card_id, status, user_transcript, tutor_transcript,
		        evaluation_level, evaluation_note, confidence, started_at, archived_at
		 FROM archived_turns WHERE session_id=? ORDER BY archived_at DESC LIMIT ?`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CardID, &r.Status, &r.UserTranscript,
			&r.TutorTranscript, &r.EvaluationLevel, &r.EvaluationNote, &r.Confidence,
			&r.StartedAt, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
