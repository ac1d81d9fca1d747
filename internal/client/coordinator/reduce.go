package coordinator

import (
	"errors"
	"fmt"

	"study-game-service/internal/domain"
	"study-game-service/internal/scoring"
)

// Input is anything the coordinator applies to its snapshot.
type Input interface{ isInput() }

// EventReceived is an event from the connection identified by Epoch.
type EventReceived struct {
	Epoch int
	Event domain.Event
}

// Resynced carries a fresh control-plane read taken when connection Epoch was established.
type Resynced struct {
	Epoch   int
	Session domain.Session
}

type ConnectionChanged struct {
	Status Connection
	Err    error
}

type CommandIssued struct{ Command domain.Command }

type CommandCompleted struct {
	Command domain.Command
	Session domain.Session
	Err     error
}

type JoinIssued struct{}

type JoinCompleted struct {
	Session domain.Session
	Err     error
}

type LeaveIssued struct{}

type LeaveCompleted struct {
	Session domain.Session
	Err     error
}

type AnswerIssued struct{ Submission domain.AnswerSubmission }

// AnswerFailed means the submission never reached the server or was refused locally.
type AnswerFailed struct {
	Submission domain.AnswerSubmission
	Err        error
}

// LocalRejected records a request refused before any network call.
type LocalRejected struct{ Err error }

func (EventReceived) isInput()     {}
func (Resynced) isInput()          {}
func (ConnectionChanged) isInput() {}
func (CommandIssued) isInput()     {}
func (CommandCompleted) isInput()  {}
func (JoinIssued) isInput()        {}
func (JoinCompleted) isInput()     {}
func (LeaveIssued) isInput()       {}
func (LeaveCompleted) isInput()    {}
func (AnswerIssued) isInput()      {}
func (AnswerFailed) isInput()      {}
func (LocalRejected) isInput()     {}

// Reducer applies inputs to snapshots. It holds no state of its own.
type Reducer struct {
	Engine scoring.Engine
}

// Reduce returns the next snapshot and whether in changed anything. s is never modified;
// when nothing changed s itself is returned and the revision stays put.
func (r Reducer) Reduce(s Snapshot, in Input) (Snapshot, bool) {
	next := s.clone()
	var changed bool

	switch in := in.(type) {
	case EventReceived:
		if s.Left || in.Epoch != s.Epoch {
			return s, false
		}
		changed = r.applyEvent(&next, in.Event)

	case Resynced:
		next.Epoch = in.Epoch
		next.Connection = ConnConnected
		changed = replaceSession(&next, in.Session)
		reconcileAnswers(&next)

	case ConnectionChanged:
		changed = next.Connection != in.Status
		next.Connection = in.Status
		if in.Err != nil {
			next.LastError = failureOf(in.Err)
			changed = true
		}

	case CommandIssued:
		next.Command = &CommandStatus{Command: in.Command, State: OpPending}
		changed = true

	case CommandCompleted:
		if in.Err != nil {
			next.Command = &CommandStatus{Command: in.Command, State: OpRejected, Error: failureOf(in.Err)}
			next.LastError = failureOf(in.Err)
		} else {
			next.Command = &CommandStatus{Command: in.Command, State: OpAccepted}
			mergeSession(&next, in.Session)
		}
		changed = true

	case JoinIssued:
		next.Join = &OpStatus{State: OpPending}
		changed = true

	case JoinCompleted:
		if in.Err != nil {
			next.Join = &OpStatus{State: OpRejected, Error: failureOf(in.Err)}
			next.LastError = failureOf(in.Err)
		} else {
			next.Join = &OpStatus{State: OpAccepted}
			next.Left = false
			next.Leave = nil
			mergeSession(&next, in.Session)
		}
		changed = true

	case LeaveIssued:
		next.Leave = &OpStatus{State: OpPending}
		changed = true

	case LeaveCompleted:
		if in.Err != nil {
			// The participant stays until the server confirms the departure.
			next.Leave = &OpStatus{State: OpRejected, Error: failureOf(in.Err)}
			next.LastError = failureOf(in.Err)
		} else {
			next.Leave = &OpStatus{State: OpAccepted}
			next.Left = true
			mergeSession(&next, in.Session)
			next.Session.UpdateParticipant(next.UserID, func(p *domain.Participant) {
				p.Status = domain.StatusLeft
				p.Ready = false
			})
		}
		changed = true

	case AnswerIssued:
		if next.Answered(in.Submission.RoundSeq) {
			return s, false
		}
		next.setAnswer(AnswerStatus{Submission: in.Submission, State: OpPending})
		changed = true

	case AnswerFailed:
		if a, ok := next.Answers[in.Submission.RoundSeq]; ok && a.State == OpAccepted {
			return s, false
		}
		next.setAnswer(AnswerStatus{Submission: in.Submission, State: OpRejected, Error: failureOf(in.Err)})
		next.LastError = failureOf(in.Err)
		changed = true

	case LocalRejected:
		next.LastError = failureOf(in.Err)
		changed = true
	}

	if !changed {
		return s, false
	}
	next.Revision = s.Revision + 1
	return next, true
}

func (r Reducer) applyEvent(s *Snapshot, ev domain.Event) bool {
	finished := s.Session.Phase == domain.PhaseFinished

	switch ev := ev.(type) {
	case domain.RoomSnapshot:
		// The server's canonical view replaces everything it covers, unless it is older
		// than what has already been applied.
		if ev.Session.Version <= s.Session.Version && s.Session.Version != 0 {
			return false
		}
		return replaceSession(s, ev.Session)

	case domain.ParticipantJoined:
		p := ev.Participant
		if cur, ok := s.Session.Participant(p.UserID); ok {
			if cur.Active() && cur.Status == p.Status && cur.DisplayName == p.DisplayName {
				return false
			}
			if cur.ScoreSeq > p.ScoreSeq {
				p.Score, p.ScoreSeq, p.ScoredAt = cur.Score, cur.ScoreSeq, cur.ScoredAt
			}
		}
		s.Session.UpsertParticipant(p)
		return true

	case domain.ParticipantLeft:
		cur, ok := s.Session.Participant(ev.UserID)
		if !ok || !cur.Active() {
			return false
		}
		s.Session.UpdateParticipant(ev.UserID, func(p *domain.Participant) {
			p.Status = domain.StatusLeft
			p.Ready = false
		})
		if ev.HostID != "" {
			s.Session.HostID = ev.HostID
		}
		if ev.UserID == s.UserID {
			s.Left = true
			s.Leave = &OpStatus{State: OpAccepted}
		}
		return true

	case domain.CountdownTick:
		if finished || s.Session.Phase == domain.PhaseInProgress {
			return false
		}
		s.Session.Phase = domain.PhaseStarting
		s.Session.Countdown = ev.Remaining
		return true

	case domain.RoundStarted:
		if finished || ev.Round.Seq <= s.LastSeq {
			return false
		}
		round := ev.Round
		s.Session.CurrentRound = &round
		s.Session.Phase = domain.PhaseInProgress
		s.Session.Countdown = 0
		s.LastSeq = round.Seq
		return true

	case domain.AnswerResult:
		if finished {
			return false
		}
		return r.applyAnswerResult(s, ev)

	case domain.ScoreUpdate:
		return applyScore(s, ev)

	case domain.SessionFinished:
		if finished && s.Results != nil {
			return false
		}
		res := ev.Results
		res.Entries = append([]domain.LeaderboardEntry(nil), ev.Results.Entries...)
		s.Results = &res
		s.Session.Phase = domain.PhaseFinished
		s.Session.CurrentRound = nil
		s.Session.Countdown = 0
		if res.FinishedAt != nil {
			t := *res.FinishedAt
			s.Session.EndedAt = &t
		}
		for _, e := range res.Entries {
			s.Session.UpdateParticipant(e.UserID, func(p *domain.Participant) { p.Score = e.Score })
		}
		return true

	case domain.ChatMessage:
		s.Chat = append(s.Chat, ev)
		if len(s.Chat) > chatBacklog {
			s.Chat = append([]domain.ChatMessage(nil), s.Chat[len(s.Chat)-chatBacklog:]...)
		}
		return true

	case domain.ErrorEvent:
		s.LastError = &Failure{Code: ev.Code, Message: ev.Message}
		return true
	}
	return false
}

// applyAnswerResult scores accepted submissions locally, in arrival order, so speed-match
// claims resolve the same way the server resolved them.
func (r Reducer) applyAnswerResult(s *Snapshot, ev domain.AnswerResult) bool {
	sub := ev.Submission
	own := sub.UserID == s.UserID

	if !ev.Accepted {
		if !own {
			return false
		}
		if a, ok := s.Answers[sub.RoundSeq]; ok && a.State == OpAccepted {
			// The server refused a duplicate of an answer it already took.
			return false
		}
		failure := &Failure{Code: ev.Code, Message: ev.Message}
		s.setAnswer(AnswerStatus{Submission: sub, State: OpRejected, Error: failure})
		s.LastError = failure
		return true
	}

	p, ok := s.Session.Participant(sub.UserID)
	if !ok || (sub.RoundSeq <= p.ScoreSeq && !own) {
		return false
	}
	if own {
		if a, ok := s.Answers[sub.RoundSeq]; ok && a.State == OpAccepted {
			return false
		}
	}

	points := 0
	if round := s.Session.CurrentRound; round != nil && round.Seq == sub.RoundSeq {
		delta, err := r.Engine.Evaluate(*round, sub, s.claims)
		switch {
		case err == nil:
			points = delta.Points
			s.claims = s.claims.With(round.Seq, sub.UserID, delta.Claimed)
		case errors.Is(err, domain.ErrAlreadyClaimed):
			// Local claims lag the server after a reconnect; the score update corrects it.
		}
	}

	if sub.RoundSeq > p.ScoreSeq {
		s.Session.UpdateParticipant(sub.UserID, func(p *domain.Participant) {
			p.Score += points
			p.ScoreSeq = sub.RoundSeq
		})
	}
	if own {
		s.setAnswer(AnswerStatus{Submission: sub, State: OpAccepted, Points: points})
	}
	return true
}

// applyScore installs the server's running total. Totals are absolute, so replays are harmless.
func applyScore(s *Snapshot, ev domain.ScoreUpdate) bool {
	p, ok := s.Session.Participant(ev.UserID)
	if !ok || ev.RoundSeq < p.ScoreSeq {
		return false
	}
	logged := false
	for _, l := range s.ScoreLog {
		if l.UserID == ev.UserID && l.RoundSeq == ev.RoundSeq {
			logged = true
			break
		}
	}
	if logged && p.Score == ev.Total && p.ScoreSeq == ev.RoundSeq {
		return false
	}
	s.Session.UpdateParticipant(ev.UserID, func(p *domain.Participant) {
		p.Score = ev.Total
		p.ScoreSeq = ev.RoundSeq
		if ev.Delta > 0 {
			p.ScoredAt = ev.ScoredAt
		}
	})
	if !logged {
		s.ScoreLog = append(s.ScoreLog, ev)
	}
	return true
}

// replaceSession installs a canonical server view wholesale.
func replaceSession(s *Snapshot, sess domain.Session) bool {
	if s.Session.ID != "" && sess.ID != s.Session.ID {
		return false
	}
	s.Session = sess.Clone()
	settle(s)
	return true
}

// mergeSession applies a control-plane reply, which may be older than events already
// applied: per participant the higher score sequence wins, a newer round is kept, and
// a finished session stays finished.
func mergeSession(s *Snapshot, sess domain.Session) {
	if sess.ID == "" || (s.Session.ID != "" && sess.ID != s.Session.ID) {
		return
	}
	if sess.Version <= s.Session.Version && s.Session.Version != 0 {
		return
	}
	prev := s.Session
	next := sess.Clone()

	for i := range next.Participants {
		if cur, ok := prev.Participant(next.Participants[i].UserID); ok && cur.ScoreSeq > next.Participants[i].ScoreSeq {
			next.Participants[i].Score = cur.Score
			next.Participants[i].ScoreSeq = cur.ScoreSeq
			next.Participants[i].ScoredAt = cur.ScoredAt
		}
	}
	if prev.CurrentRound != nil && (next.CurrentRound == nil || next.CurrentRound.Seq < prev.CurrentRound.Seq) && !next.Phase.Terminal() {
		r := *prev.CurrentRound
		next.CurrentRound = &r
		next.Phase = prev.Phase
	}
	if prev.Phase.Terminal() {
		next.Phase = prev.Phase
		next.CurrentRound = nil
	}
	s.Session = next
	settle(s)
}

// reconcileAnswers resolves answers still pending against a resynced view. A score
// recorded for the round means the answer landed; otherwise it was lost with the old
// connection and may be sent again.
func reconcileAnswers(s *Snapshot) {
	self, ok := s.Self()
	for seq, a := range s.Answers {
		if a.State != OpPending {
			continue
		}
		if ok && self.ScoreSeq >= seq {
			a.State = OpAccepted
			for _, l := range s.ScoreLog {
				if l.UserID == s.UserID && l.RoundSeq == seq {
					a.Points = l.Delta
				}
			}
		} else {
			a.State = OpRejected
			a.Error = failureOf(fmt.Errorf("%w: answer for round %d lost while reconnecting", domain.ErrNetwork, seq))
		}
		s.Answers[seq] = a
	}
}

func settle(s *Snapshot) {
	if r := s.Session.CurrentRound; r != nil && r.Seq > s.LastSeq {
		s.LastSeq = r.Seq
	}
	if p, ok := s.Self(); ok && p.Status == domain.StatusLeft {
		s.Left = true
	}
	if s.Session.Phase == domain.PhaseFinished && s.Results == nil {
		res := domain.ResultsFor(s.Session)
		s.Results = &res
	}
}

func (s *Snapshot) setAnswer(a AnswerStatus) {
	if s.Answers == nil {
		s.Answers = make(map[int]AnswerStatus)
	}
	s.Answers[a.Submission.RoundSeq] = a
}
