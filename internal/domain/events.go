package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventKind names an inbound event-plane notification.
type EventKind string

const (
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventRoomSnapshot      EventKind = "room_snapshot"
	EventCountdownTick     EventKind = "countdown_tick"
	EventRoundStarted      EventKind = "round_started"
	EventAnswerResult      EventKind = "answer_result"
	EventScoreUpdate       EventKind = "score_update"
	EventSessionFinished   EventKind = "session_finished"
	EventChatMessage       EventKind = "chat_message"
	EventError             EventKind = "error"
)

// Event is the closed set of server-pushed notifications.
type Event interface {
	Kind() EventKind
	isEvent()
}

type ParticipantJoined struct {
	Participant Participant `json:"participant"`
}

type ParticipantLeft struct {
	UserID string `json:"userId"`
	// HostID is the host after the departure; it changes when the host leaves.
	HostID string `json:"hostId"`
}

// RoomSnapshot is the server's canonical view and replaces participant state wholesale.
type RoomSnapshot struct {
	Session Session `json:"session"`
}

type CountdownTick struct {
	Remaining int `json:"remaining"`
}

type RoundStarted struct {
	Round Round `json:"round"`
}

type AnswerResult struct {
	Submission AnswerSubmission `json:"submission"`
	Accepted   bool             `json:"accepted"`
	Code       string           `json:"code,omitempty"`
	Message    string           `json:"message,omitempty"`
}

type ScoreUpdate struct {
	UserID   string    `json:"userId"`
	RoundSeq int       `json:"roundSeq"`
	Delta    int       `json:"delta"`
	Total    int       `json:"total"`
	ScoredAt time.Time `json:"scoredAt"`
}

type SessionFinished struct {
	Results Results `json:"results"`
}

type ChatMessage struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ParticipantJoined) Kind() EventKind { return EventParticipantJoined }
func (ParticipantLeft) Kind() EventKind   { return EventParticipantLeft }
func (RoomSnapshot) Kind() EventKind      { return EventRoomSnapshot }
func (CountdownTick) Kind() EventKind     { return EventCountdownTick }
func (RoundStarted) Kind() EventKind      { return EventRoundStarted }
func (AnswerResult) Kind() EventKind      { return EventAnswerResult }
func (ScoreUpdate) Kind() EventKind       { return EventScoreUpdate }
func (SessionFinished) Kind() EventKind   { return EventSessionFinished }
func (ChatMessage) Kind() EventKind       { return EventChatMessage }
func (ErrorEvent) Kind() EventKind        { return EventError }

func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (RoomSnapshot) isEvent()      {}
func (CountdownTick) isEvent()     {}
func (RoundStarted) isEvent()      {}
func (AnswerResult) isEvent()      {}
func (ScoreUpdate) isEvent()       {}
func (SessionFinished) isEvent()   {}
func (ChatMessage) isEvent()       {}
func (ErrorEvent) isEvent()        {}

// ActionKind names an outbound player action.
type ActionKind string

const (
	ActionReady          ActionKind = "ready_toggle"
	ActionStartCountdown ActionKind = "start_countdown_request"
	ActionAnswer         ActionKind = "answer_submit"
	ActionSelfGrade      ActionKind = "flashcard_self_grade"
	ActionMatch          ActionKind = "match_pair_submit"
	ActionChat           ActionKind = "chat_send"
)

// MaxChatLength bounds chat-send text.
const MaxChatLength = 500

// Action is the closed set of player actions carried on the event plane.
type Action interface {
	ActionKind() ActionKind
	isAction()
}

type ReadyToggle struct {
	Ready bool `json:"ready"`
}

// StartCountdown is advisory; the authoritative start goes through the control plane.
type StartCountdown struct{}

type SubmitAnswer struct {
	RoundSeq    int   `json:"roundSeq"`
	OptionIndex int   `json:"optionIndex"`
	ElapsedMs   int64 `json:"elapsedMs"`
}

type SelfGrade struct {
	RoundSeq  int   `json:"roundSeq"`
	KnewIt    bool  `json:"knewIt"`
	ElapsedMs int64 `json:"elapsedMs"`
}

type SubmitMatch struct {
	RoundSeq  int     `json:"roundSeq"`
	Matches   []Match `json:"matches"`
	ElapsedMs int64   `json:"elapsedMs"`
}

type ChatSend struct {
	Text string `json:"text"`
}

func (ReadyToggle) ActionKind() ActionKind    { return ActionReady }
func (StartCountdown) ActionKind() ActionKind { return ActionStartCountdown }
func (SubmitAnswer) ActionKind() ActionKind   { return ActionAnswer }
func (SelfGrade) ActionKind() ActionKind      { return ActionSelfGrade }
func (SubmitMatch) ActionKind() ActionKind    { return ActionMatch }
func (ChatSend) ActionKind() ActionKind       { return ActionChat }

func (ReadyToggle) isAction()    {}
func (StartCountdown) isAction() {}
func (SubmitAnswer) isAction()   {}
func (SelfGrade) isAction()      {}
func (SubmitMatch) isAction()    {}
func (ChatSend) isAction()       {}

// ValidateAction rejects actions whose shape does not fit the session variant.
func ValidateAction(a Action, variant GameType) error {
	switch act := a.(type) {
	case ReadyToggle, StartCountdown:
		return nil
	case ChatSend:
		text := strings.TrimSpace(act.Text)
		if text == "" || len(text) > MaxChatLength {
			return fmt.Errorf("%w: chat text must be 1-%d characters", ErrInvalid, MaxChatLength)
		}
		return nil
	case SubmitAnswer, SelfGrade, SubmitMatch:
		sub, _ := SubmissionFromAction("-", a)
		if sub.Kind != variant {
			return fmt.Errorf("%w: %s is not valid in a %s session", ErrInvalid, a.ActionKind(), variant)
		}
		return sub.Validate()
	default:
		return fmt.Errorf("%w: unsupported action %T", ErrInvalid, a)
	}
}

// SubmissionFromAction converts an answer-bearing action into a submission for userID.
func SubmissionFromAction(userID string, a Action) (AnswerSubmission, bool) {
	switch act := a.(type) {
	case SubmitAnswer:
		return AnswerSubmission{UserID: userID, RoundSeq: act.RoundSeq, Kind: GameQuiz, OptionIndex: act.OptionIndex, ElapsedMs: act.ElapsedMs}, true
	case SelfGrade:
		return AnswerSubmission{UserID: userID, RoundSeq: act.RoundSeq, Kind: GameFlashcard, KnewIt: act.KnewIt, ElapsedMs: act.ElapsedMs}, true
	case SubmitMatch:
		return AnswerSubmission{UserID: userID, RoundSeq: act.RoundSeq, Kind: GameSpeedMatch, Matches: append([]Match(nil), act.Matches...), ElapsedMs: act.ElapsedMs}, true
	}
	return AnswerSubmission{}, false
}

// ActionFromSubmission is the inverse of SubmissionFromAction.
func ActionFromSubmission(sub AnswerSubmission) (Action, error) {
	switch sub.Kind {
	case GameQuiz:
		return SubmitAnswer{RoundSeq: sub.RoundSeq, OptionIndex: sub.OptionIndex, ElapsedMs: sub.ElapsedMs}, nil
	case GameFlashcard:
		return SelfGrade{RoundSeq: sub.RoundSeq, KnewIt: sub.KnewIt, ElapsedMs: sub.ElapsedMs}, nil
	case GameSpeedMatch:
		return SubmitMatch{RoundSeq: sub.RoundSeq, Matches: append([]Match(nil), sub.Matches...), ElapsedMs: sub.ElapsedMs}, nil
	}
	return nil, fmt.Errorf("%w: unknown submission kind %q", ErrInvalid, sub.Kind)
}
