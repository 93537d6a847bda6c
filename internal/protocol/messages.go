package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies transport payload variants.
type MessageType string

const (
	// Inbound from the speech transport.
	TypeConnectionOpen   MessageType = "connection_open"
	TypeConnectionClose  MessageType = "connection_close"
	TypeTranscriptEntry  MessageType = "transcript_entry"
	TypeToolCall         MessageType = "tool_call"
	TypeEvaluationResult MessageType = "evaluation_result"

	// Outbound to the host UI.
	TypeTurnStarted     MessageType = "turn_started"
	TypeTurnInterrupted MessageType = "turn_interrupted"
	TypeEvaluationReady MessageType = "evaluation_ready"
	TypeConnectionStale MessageType = "connection_stale"
	TypeErrorEvent      MessageType = "error_event"
)

// Role tags a transcript entry with its speaking party.
type Role string

const (
	RoleUser  Role = "user"
	RoleTutor Role = "tutor"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

type ConnectionOpen struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms"`
}

type ConnectionClose struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type TranscriptEntry struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	CardID    string      `json:"card_id"`
	Role      Role        `json:"role"`
	Text      string      `json:"text"`
	Final     bool        `json:"final"`
	TSMs      int64       `json:"ts_ms"`
}

type ToolCall struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Name      string      `json:"name"`
	Arguments string      `json:"arguments,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type EvaluationResult struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	TurnID          string      `json:"turn_id"`
	Ready           bool        `json:"ready"`
	MasteryLevel    string      `json:"mastery_level"`
	Confidence      int         `json:"confidence"`
	SuggestedAction string      `json:"suggested_action"`
	PointsAwarded   int         `json:"points_awarded,omitempty"`
	TSMs            int64       `json:"ts_ms"`
}

type TurnStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	CardID    string      `json:"card_id"`
}

type TurnInterrupted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
}

type EvaluationReady struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	TurnID          string      `json:"turn_id"`
	Ready           bool        `json:"ready"`
	MasteryLevel    string      `json:"mastery_level"`
	Confidence      int         `json:"confidence"`
	SuggestedAction string      `json:"suggested_action"`
	PointsAwarded   int         `json:"points_awarded,omitempty"`
}

type ConnectionStale struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	IdleForMS int64       `json:"idle_for_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseMessage decodes an inbound transport payload into its tagged variant.
func ParseMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnectionOpen:
		var msg ConnectionOpen
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid connection_open")
		}
		return msg, nil
	case TypeConnectionClose:
		var msg ConnectionClose
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid connection_close")
		}
		return msg, nil
	case TypeTranscriptEntry:
		var msg TranscriptEntry
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.CardID == "" || msg.Text == "" {
			return nil, errors.New("invalid transcript_entry")
		}
		if msg.Role != RoleUser && msg.Role != RoleTutor {
			return nil, fmt.Errorf("invalid transcript_entry role %q", msg.Role)
		}
		return msg, nil
	case TypeToolCall:
		var msg ToolCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Name == "" {
			return nil, errors.New("invalid tool_call")
		}
		return msg, nil
	case TypeEvaluationResult:
		var msg EvaluationResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.TurnID == "" {
			return nil, errors.New("invalid evaluation_result")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of a known protocol variant.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ConnectionOpen:
		return m.Type, true
	case ConnectionClose:
		return m.Type, true
	case TranscriptEntry:
		return m.Type, true
	case ToolCall:
		return m.Type, true
	case EvaluationResult:
		return m.Type, true
	case TurnStarted:
		return m.Type, true
	case TurnInterrupted:
		return m.Type, true
	case EvaluationReady:
		return m.Type, true
	case ConnectionStale:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// TimestampMSOf extracts the transport timestamp from inbound variants.
func TimestampMSOf(v any) (int64, bool) {
	switch m := v.(type) {
	case ConnectionOpen:
		return m.TSMs, true
	case ConnectionClose:
		return m.TSMs, true
	case TranscriptEntry:
		return m.TSMs, true
	case ToolCall:
		return m.TSMs, true
	case EvaluationResult:
		return m.TSMs, true
	default:
		return 0, false
	}
}
