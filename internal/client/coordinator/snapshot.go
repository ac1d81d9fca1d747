package coordinator

import (
	"study-game-service/internal/domain"
	"study-game-service/internal/scoring"
)

// chatBacklog is how many chat messages a snapshot keeps.
const chatBacklog = 50

// OpState tracks a request from issue to server verdict.
type OpState string

const (
	OpPending  OpState = "pending"
	OpAccepted OpState = "accepted"
	OpRejected OpState = "rejected"
)

// Connection is the event-plane status shown to consumers.
type Connection string

const (
	ConnDisconnected Connection = "disconnected"
	ConnConnected    Connection = "connected"
	ConnReconnecting Connection = "reconnecting"
	ConnFailed       Connection = "failed"
)

// Failure is the last error surfaced to the user.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func failureOf(err error) *Failure {
	return &Failure{Code: domain.Code(err), Message: err.Error()}
}

// OpStatus is the outcome of a join or leave request.
type OpStatus struct {
	State OpState  `json:"state"`
	Error *Failure `json:"error,omitempty"`
}

// CommandStatus is the outcome of the latest host command.
type CommandStatus struct {
	Command domain.Command `json:"command"`
	State   OpState        `json:"state"`
	Error   *Failure       `json:"error,omitempty"`
}

// AnswerStatus is the local participant's submission for one round.
type AnswerStatus struct {
	Submission domain.AnswerSubmission `json:"submission"`
	State      OpState                 `json:"state"`
	// Points is the locally evaluated delta once accepted.
	Points int      `json:"points"`
	Error  *Failure `json:"error,omitempty"`
}

// Snapshot is an immutable, versioned view of one session as seen by one participant.
// Consumers must treat every field as read-only.
type Snapshot struct {
	Revision   uint64         `json:"revision"`
	UserID     string         `json:"userId"`
	Session    domain.Session `json:"session"`
	LastSeq    int            `json:"lastSeq"`
	Connection Connection     `json:"connection"`
	// Epoch identifies the event-plane connection whose events are being applied.
	Epoch int `json:"epoch"`

	Join     *OpStatus            `json:"join,omitempty"`
	Leave    *OpStatus            `json:"leave,omitempty"`
	Command  *CommandStatus       `json:"command,omitempty"`
	Answers  map[int]AnswerStatus `json:"answers,omitempty"`
	ScoreLog []domain.ScoreUpdate `json:"scoreLog,omitempty"`
	Chat     []domain.ChatMessage `json:"chat,omitempty"`
	Results  *domain.Results      `json:"results,omitempty"`
	Left     bool                 `json:"left"`

	LastError *Failure `json:"lastError,omitempty"`

	claims scoring.ClaimBook
}

// Initial is the snapshot before anything has been applied.
func Initial(groupID, sessionID, userID string) Snapshot {
	return Snapshot{
		UserID:     userID,
		Session:    domain.Session{ID: sessionID, GroupID: groupID},
		LastSeq:    -1,
		Connection: ConnDisconnected,
	}
}

// Self returns the local participant.
func (s Snapshot) Self() (domain.Participant, bool) {
	return s.Session.Participant(s.UserID)
}

// IsHost reports whether the local participant is the host.
func (s Snapshot) IsHost() bool {
	return s.Session.IsHost(s.UserID)
}

// Answered reports whether an answer for seq is pending or accepted.
func (s Snapshot) Answered(seq int) bool {
	a, ok := s.Answers[seq]
	return ok && a.State != OpRejected
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Session = s.Session.Clone()
	if s.Answers != nil {
		out.Answers = make(map[int]AnswerStatus, len(s.Answers))
		for k, v := range s.Answers {
			out.Answers[k] = v
		}
	}
	out.ScoreLog = append([]domain.ScoreUpdate(nil), s.ScoreLog...)
	out.Chat = append([]domain.ChatMessage(nil), s.Chat...)
	if s.Results != nil {
		r := *s.Results
		r.Entries = append([]domain.LeaderboardEntry(nil), s.Results.Entries...)
		out.Results = &r
	}
	// Pointer statuses are replaced, never mutated, so sharing them is safe.
	return out
}
