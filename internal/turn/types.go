package turn

import (
	"time"

	"github.com/avolpe/preceptor/internal/judge"
)

// Status tracks where a turn sits in its lifecycle.
type Status string

const (
	StatusActive      Status = "active"
	StatusEvaluating  Status = "evaluating"
	StatusComplete    Status = "complete"
	StatusStale       Status = "stale"
	StatusInterrupted Status = "interrupted"
)

// live reports whether a turn in this status may still be mutated.
func (s Status) live() bool {
	return s == StatusActive || s == StatusEvaluating
}

// Turn is one cycle of conversational ownership between learner and tutor.
type Turn struct {
	ID              string        `json:"turn_id"`
	CardID          string        `json:"card_id"`
	Status          Status        `json:"status"`
	UserTranscript  string        `json:"user_transcript"`
	TutorTranscript string        `json:"tutor_transcript"`
	Evaluation      *judge.Result `json:"evaluation,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	InterruptedAt   time.Time     `json:"interrupted_at,omitempty"`
}

func clone(t *Turn) Turn {
	c := *t
	if t.Evaluation != nil {
		ev := *t.Evaluation
		c.Evaluation = &ev
	}
	return c
}
