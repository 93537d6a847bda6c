package judge

import (
	"context"
	"strings"
)

// Level is the judged mastery of the current card.
type Level string

const (
	LevelNovice     Level = "novice"
	LevelDeveloping Level = "developing"
	LevelProficient Level = "proficient"
	LevelMastered   Level = "mastered"
)

// Action is what the judge suggests the lesson flow should do next.
type Action string

const (
	ActionContinue             Action = "continue"
	ActionAdvance              Action = "advance"
	ActionAdvanceWithoutReward Action = "advance_without_reward"
)

// Result is the structured verdict returned by the judgement service. The
// engine never inspects the judge's reasoning, only this shape.
type Result struct {
	Ready           bool   `json:"ready"`
	Mastery         Level  `json:"mastery_level"`
	Confidence      int    `json:"confidence"`
	SuggestedAction Action `json:"suggested_action"`
	PointsAwarded   int    `json:"points_awarded,omitempty"`
}

// Fallback is what callers surface when the judge is unreachable: not ready,
// keep the conversation going.
func Fallback() Result {
	return Result{
		Ready:           false,
		Mastery:         LevelNovice,
		Confidence:      0,
		SuggestedAction: ActionContinue,
	}
}

// Request carries the full turn context for one judgement call.
type Request struct {
	SessionID       string `json:"session_id"`
	TurnID          string `json:"turn_id"`
	CardID          string `json:"card_id"`
	UserTranscript  string `json:"user_transcript"`
	TutorTranscript string `json:"tutor_transcript"`
	ExchangeCount   int    `json:"exchange_count"`
	Forced          bool   `json:"forced,omitempty"`
}

// Judge scores how well the learner understands the current card.
type Judge interface {
	Judge(ctx context.Context, req Request) (Result, error)
}

// MockJudge produces deterministic verdicts from transcript shape alone.
// Used when no judge endpoint is configured, and in tests.
type MockJudge struct{}

func NewMockJudge() *MockJudge { return &MockJudge{} }

func (m *MockJudge) Judge(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	words := len(strings.Fields(req.UserTranscript))
	switch {
	case req.ExchangeCount >= 4 && words >= 24:
		return Result{Ready: true, Mastery: LevelMastered, Confidence: 90, SuggestedAction: ActionAdvance, PointsAwarded: 10}, nil
	case req.ExchangeCount >= 2 && words >= 12:
		return Result{Ready: true, Mastery: LevelProficient, Confidence: 75, SuggestedAction: ActionAdvance, PointsAwarded: 5}, nil
	case words >= 4:
		return Result{Ready: false, Mastery: LevelDeveloping, Confidence: 55, SuggestedAction: ActionContinue}, nil
	default:
		return Result{Ready: false, Mastery: LevelNovice, Confidence: 30, SuggestedAction: ActionContinue}, nil
	}
}
