package archive

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.SaveTurn(ctx, TurnRecord{
			SessionID:       "s1",
			CardID:          "card-1",
			Status:          "complete",
			UserTranscript:  "the mitochondria makes energy",
			TutorTranscript: "close, tell me more",
			StartedAt:       time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentTurns() returned %d records, want 2", len(got))
	}
	for _, r := range got {
		if r.ID == "" {
			t.Fatalf("record missing generated ID")
		}
		if r.ArchivedAt.IsZero() {
			t.Fatalf("record missing archived timestamp")
		}
	}
}

func TestInMemoryStoreIsolatesSessions(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.SaveTurn(ctx, TurnRecord{SessionID: "s1", CardID: "c", Status: "complete"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	got, err := s.RecentTurns(ctx, "s2", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("RecentTurns() for empty session returned %d records", len(got))
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(\"\") = %T, want *InMemoryStore", s)
	}
}

func TestNewStorePicksSQLiteForFilePath(t *testing.T) {
	path := t.TempDir() + "/archive.db"
	s, err := NewStore(context.Background(), path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("NewStore(path) = %T, want *SQLiteStore", s)
	}

	ctx := context.Background()
	err = s.SaveTurn(ctx, TurnRecord{
		SessionID:       "s1",
		CardID:          "card-1",
		Status:          "interrupted",
		UserTranscript:  "wait, go back",
		EvaluationLevel: "",
		StartedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	got, err := s.RecentTurns(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 1 || got[0].Status != "interrupted" {
		t.Fatalf("RecentTurns() = %+v, want one interrupted record", got)
	}
}
