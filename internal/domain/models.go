package domain

import (
	"fmt"
	"time"
)

// GameType is the session variant.
type GameType string

const (
	GameQuiz       GameType = "quiz"
	GameFlashcard  GameType = "flashcard"
	GameSpeedMatch GameType = "speed_match"
)

// Valid reports whether g is one of the supported variants.
func (g GameType) Valid() bool {
	switch g {
	case GameQuiz, GameFlashcard, GameSpeedMatch:
		return true
	}
	return false
}

// ConnectionStatus tracks a participant's presence on the event plane.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusLeft         ConnectionStatus = "left"
)

const (
	DefaultMaxParticipants = 8
	DefaultCountdown       = 3
	DefaultRoundSeconds    = 30
)

// GameConfig holds the host-chosen session settings.
type GameConfig struct {
	QuestionCount    int  `json:"questionCount"`
	RoundSeconds     int  `json:"roundSeconds"`
	TeamMode         bool `json:"teamMode"`
	MaxParticipants  int  `json:"maxParticipants"`
	CountdownSeconds int  `json:"countdownSeconds"`
}

// WithDefaults fills zero-valued optional fields. A zero countdown means none.
func (c GameConfig) WithDefaults() GameConfig {
	if c.RoundSeconds == 0 {
		c.RoundSeconds = DefaultRoundSeconds
	}
	if c.MaxParticipants == 0 {
		c.MaxParticipants = DefaultMaxParticipants
	}
	return c
}

// Validate checks the configured ranges.
func (c GameConfig) Validate() error {
	switch {
	case c.QuestionCount < 1 || c.QuestionCount > 50:
		return fmt.Errorf("%w: question count must be between 1 and 50", ErrInvalid)
	case c.RoundSeconds < 5 || c.RoundSeconds > 300:
		return fmt.Errorf("%w: round seconds must be between 5 and 300", ErrInvalid)
	case c.MaxParticipants < 2 || c.MaxParticipants > 50:
		return fmt.Errorf("%w: participant cap must be between 2 and 50", ErrInvalid)
	case c.CountdownSeconds < 0 || c.CountdownSeconds > 10:
		return fmt.Errorf("%w: countdown must be between 0 and 10", ErrInvalid)
	}
	return nil
}

// Participant represents a session member and their running score.
type Participant struct {
	UserID      string           `json:"userId"`
	DisplayName string           `json:"displayName"`
	Status      ConnectionStatus `json:"status"`
	Ready       bool             `json:"ready"`
	Score       int              `json:"score"`
	// ScoreSeq is the highest round with an accepted answer reflected in Score, -1 if none.
	ScoreSeq int       `json:"scoreSeq"`
	TeamID   string    `json:"teamId,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
	ScoredAt time.Time `json:"scoredAt"`
}

// Active reports whether the participant still takes part in rounds.
func (p Participant) Active() bool {
	return p.Status != StatusLeft
}

// Question is a multiple-choice round payload.
type Question struct {
	ID           string   `json:"id"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

// Flashcard is a free-recall round payload, graded by the player.
type Flashcard struct {
	ID    string `json:"id"`
	Front string `json:"front"`
	Back  string `json:"back"`
}

// Pair is one term/definition couple in a speed-match pool.
type Pair struct {
	TermID       string `json:"termId"`
	Term         string `json:"term"`
	DefinitionID string `json:"definitionId"`
	Definition   string `json:"definition"`
}

// PairPool is the set of pairs contested in one speed-match round.
type PairPool struct {
	Pairs []Pair `json:"pairs"`
}

// Find returns the pair keyed by termID.
func (p PairPool) Find(termID string) (Pair, bool) {
	for _, pair := range p.Pairs {
		if pair.TermID == termID {
			return pair, true
		}
	}
	return Pair{}, false
}

// Round is one timed unit of gameplay. Exactly one payload is set, matching Kind.
type Round struct {
	Seq       int        `json:"seq"`
	Kind      GameType   `json:"kind"`
	Question  *Question  `json:"question,omitempty"`
	Flashcard *Flashcard `json:"flashcard,omitempty"`
	Pool      *PairPool  `json:"pool,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	Deadline  time.Time  `json:"deadline"`
}

// Duration is the time allotted to the round.
func (r Round) Duration() time.Duration {
	if r.Deadline.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.Deadline.Sub(r.StartedAt)
}

// Validate checks that the payload matches the round kind.
func (r Round) Validate() error {
	switch r.Kind {
	case GameQuiz:
		if r.Question == nil || len(r.Question.Options) == 0 {
			return fmt.Errorf("%w: quiz round %d has no question", ErrInvalid, r.Seq)
		}
		if r.Question.CorrectIndex < 0 || r.Question.CorrectIndex >= len(r.Question.Options) {
			return fmt.Errorf("%w: quiz round %d correct index out of range", ErrInvalid, r.Seq)
		}
	case GameFlashcard:
		if r.Flashcard == nil {
			return fmt.Errorf("%w: flashcard round %d has no card", ErrInvalid, r.Seq)
		}
	case GameSpeedMatch:
		if r.Pool == nil || len(r.Pool.Pairs) == 0 {
			return fmt.Errorf("%w: speed-match round %d has no pairs", ErrInvalid, r.Seq)
		}
	default:
		return fmt.Errorf("%w: unknown round kind %q", ErrInvalid, r.Kind)
	}
	return nil
}

func (r Round) clone() Round {
	out := r
	if r.Question != nil {
		q := *r.Question
		q.Options = append([]string(nil), r.Question.Options...)
		out.Question = &q
	}
	if r.Flashcard != nil {
		f := *r.Flashcard
		out.Flashcard = &f
	}
	if r.Pool != nil {
		out.Pool = &PairPool{Pairs: append([]Pair(nil), r.Pool.Pairs...)}
	}
	return out
}

// Match is a single term-to-definition claim inside a speed-match submission.
type Match struct {
	TermID       string `json:"termId"`
	DefinitionID string `json:"definitionId"`
}

// AnswerSubmission is a player's answer for one round.
type AnswerSubmission struct {
	UserID      string   `json:"userId"`
	RoundSeq    int      `json:"roundSeq"`
	Kind        GameType `json:"kind"`
	OptionIndex int      `json:"optionIndex"`
	KnewIt      bool     `json:"knewIt"`
	Matches     []Match  `json:"matches,omitempty"`
	ElapsedMs   int64    `json:"elapsedMs"`
}

// Elapsed is the client-measured answer time.
func (s AnswerSubmission) Elapsed() time.Duration {
	return time.Duration(s.ElapsedMs) * time.Millisecond
}

// Validate checks the submission shape for its kind.
func (s AnswerSubmission) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: submission without user", ErrInvalid)
	}
	if s.ElapsedMs < 0 {
		return fmt.Errorf("%w: negative elapsed time", ErrInvalid)
	}
	switch s.Kind {
	case GameQuiz:
		if s.OptionIndex < 0 {
			return fmt.Errorf("%w: negative option index", ErrInvalid)
		}
	case GameFlashcard:
	case GameSpeedMatch:
		if len(s.Matches) == 0 {
			return fmt.Errorf("%w: speed-match submission without matches", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown submission kind %q", ErrInvalid, s.Kind)
	}
	return nil
}

// ScoreEvent records the outcome of exactly one accepted submission.
type ScoreEvent struct {
	UserID   string    `json:"userId"`
	RoundSeq int       `json:"roundSeq"`
	Correct  bool      `json:"correct"`
	Delta    int       `json:"delta"`
	Total    int       `json:"total"`
	At       time.Time `json:"at"`
}

// Session is the shared view of one game session.
type Session struct {
	ID           string        `json:"id"`
	GroupID      string        `json:"groupId"`
	DocumentID   string        `json:"documentId,omitempty"`
	DocumentName string        `json:"documentName,omitempty"`
	HostID       string        `json:"hostId"`
	GameType     GameType      `json:"gameType"`
	Config       GameConfig    `json:"config"`
	Phase        Phase         `json:"phase"`
	Participants []Participant `json:"participants"`
	CurrentRound *Round        `json:"currentRound,omitempty"`
	RoundCount   int           `json:"roundCount"`
	Countdown    int           `json:"countdown"`
	// Version increases on every server-side mutation.
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Participant looks up a member by user id.
func (s Session) Participant(userID string) (Participant, bool) {
	if i := s.participantIndex(userID); i >= 0 {
		return s.Participants[i], true
	}
	return Participant{}, false
}

func (s Session) participantIndex(userID string) int {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return i
		}
	}
	return -1
}

// IsHost reports whether userID is the session host.
func (s Session) IsHost(userID string) bool {
	return userID != "" && s.HostID == userID
}

// ActiveCount counts participants that have not left.
func (s Session) ActiveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Active() {
			n++
		}
	}
	return n
}

// UpsertParticipant replaces the member with the same user id or appends it.
func (s *Session) UpsertParticipant(p Participant) {
	if i := s.participantIndex(p.UserID); i >= 0 {
		s.Participants[i] = p
		return
	}
	s.Participants = append(s.Participants, p)
}

// UpdateParticipant applies fn to the member with userID, reporting whether it exists.
func (s *Session) UpdateParticipant(userID string, fn func(*Participant)) bool {
	i := s.participantIndex(userID)
	if i < 0 {
		return false
	}
	fn(&s.Participants[i])
	return true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Session) Clone() Session {
	out := s
	out.Participants = append([]Participant(nil), s.Participants...)
	if s.CurrentRound != nil {
		r := s.CurrentRound.clone()
		out.CurrentRound = &r
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}

// UserStats aggregates a user's finished sessions.
type UserStats struct {
	UserID       string  `json:"userId"`
	GamesPlayed  int     `json:"gamesPlayed"`
	Wins         int     `json:"wins"`
	TotalScore   int     `json:"totalScore"`
	BestScore    int     `json:"bestScore"`
	AverageScore float64 `json:"averageScore"`
}

// HistoryEntry is one finished session from a user's perspective.
type HistoryEntry struct {
	SessionID  string    `json:"sessionId"`
	GroupID    string    `json:"groupId"`
	GameType   GameType  `json:"gameType"`
	Score      int       `json:"score"`
	Rank       int       `json:"rank"`
	Players    int       `json:"players"`
	FinishedAt time.Time `json:"finishedAt"`
}

// GroupStanding is one row of a group-wide leaderboard.
type GroupStanding struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	TotalScore  int    `json:"totalScore"`
	GamesPlayed int    `json:"gamesPlayed"`
	Wins        int    `json:"wins"`
}
