// Package protocol defines the wire framing shared by the control plane (JSON response
// envelopes) and the event plane (typed JSON messages over WebSocket).
package protocol

import (
	"encoding/json"
	"fmt"

	"study-game-service/internal/domain"
)

// Response is the envelope every control-plane endpoint returns.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// OK wraps data in a successful envelope.
func OK(data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, err
	}
	return Response{Success: true, Data: raw}, nil
}

// Fail builds a failure envelope carrying the taxonomy code of err.
func Fail(err error) Response {
	return Response{Success: false, Message: err.Error(), Code: domain.Code(err)}
}

// Message is the event-plane frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent frames a server event.
func EncodeEvent(e domain.Event) ([]byte, error) {
	return encode(string(e.Kind()), e)
}

// EncodeAction frames a client action.
func EncodeAction(a domain.Action) ([]byte, error) {
	return encode(string(a.ActionKind()), a)
}

func encode(typ string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(Message{Type: typ, Payload: payload})
}

// DecodeEvent parses a frame into its concrete event. Unknown types are errors.
func DecodeEvent(data []byte) (domain.Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: event frame: %v", domain.ErrDecode, err)
	}
	switch domain.EventKind(msg.Type) {
	case domain.EventParticipantJoined:
		return decodeEvent[domain.ParticipantJoined](msg)
	case domain.EventParticipantLeft:
		return decodeEvent[domain.ParticipantLeft](msg)
	case domain.EventRoomSnapshot:
		return decodeEvent[domain.RoomSnapshot](msg)
	case domain.EventCountdownTick:
		return decodeEvent[domain.CountdownTick](msg)
	case domain.EventRoundStarted:
		return decodeEvent[domain.RoundStarted](msg)
	case domain.EventAnswerResult:
		return decodeEvent[domain.AnswerResult](msg)
	case domain.EventScoreUpdate:
		return decodeEvent[domain.ScoreUpdate](msg)
	case domain.EventSessionFinished:
		return decodeEvent[domain.SessionFinished](msg)
	case domain.EventChatMessage:
		return decodeEvent[domain.ChatMessage](msg)
	case domain.EventError:
		return decodeEvent[domain.ErrorEvent](msg)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", domain.ErrDecode, msg.Type)
	}
}

// DecodeAction parses a frame into its concrete action. Unknown types are errors.
func DecodeAction(data []byte) (domain.Action, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: action frame: %v", domain.ErrDecode, err)
	}
	switch domain.ActionKind(msg.Type) {
	case domain.ActionReady:
		return decodeAction[domain.ReadyToggle](msg)
	case domain.ActionStartCountdown:
		return domain.StartCountdown{}, nil
	case domain.ActionAnswer:
		return decodeAction[domain.SubmitAnswer](msg)
	case domain.ActionSelfGrade:
		return decodeAction[domain.SelfGrade](msg)
	case domain.ActionMatch:
		return decodeAction[domain.SubmitMatch](msg)
	case domain.ActionChat:
		return decodeAction[domain.ChatSend](msg)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", domain.ErrDecode, msg.Type)
	}
}

func decodeAs[T any](msg Message) (T, error) {
	var v T
	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return v, fmt.Errorf("%w: %s without payload", domain.ErrDecode, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s payload: %v", domain.ErrDecode, msg.Type, err)
	}
	return v, nil
}

func decodeEvent[T domain.Event](msg Message) (domain.Event, error) {
	v, err := decodeAs[T](msg)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeAction[T domain.Action](msg Message) (domain.Action, error) {
	v, err := decodeAs[T](msg)
	if err != nil {
		return nil, err
	}
	return v, nil
}
