package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"study-game-service/internal/domain"
	"study-game-service/internal/scoring"
)

const subscriberBuffer = 64

type answerKey struct {
	userID string
	seq    int
}

type subscriber struct {
	userID string
	ch     chan domain.Event
}

// sessionHooks run after the session lock is released.
type sessionHooks struct {
	persist  func(domain.Session)
	finished func(domain.Results)
	// release drops a finished session with no streams left from the live store.
	release func(sessionID string)
}

// Session is the authoritative in-memory state of one game. All mutations go through
// its mutex; timers re-enter through fire and are discarded once superseded.
type Session struct {
	mu     sync.Mutex
	state  domain.Session
	rounds []domain.Round

	answered map[answerKey]bool
	claims   scoring.ClaimBook
	engine   scoring.Engine
	clock    clockwork.Clock

	timer     clockwork.Timer
	timerGen  int
	remaining time.Duration // round time left while paused

	subscribers map[*subscriber]struct{}
	hooks       sessionHooks

	dirty    bool
	finished *domain.Results
	release  bool
}

func newSession(state domain.Session, rounds []domain.Round, engine scoring.Engine, clock clockwork.Clock, hooks sessionHooks) *Session {
	return &Session{
		state:       state,
		rounds:      rounds,
		answered:    make(map[answerKey]bool),
		claims:      scoring.ClaimBook{},
		engine:      engine,
		clock:       clock,
		subscribers: make(map[*subscriber]struct{}),
		hooks:       hooks,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.state.ID
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Session) groupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GroupID
}

// unlock releases the mutex and then runs persistence and result hooks for whatever
// changed while it was held.
func (s *Session) unlock() {
	var snap *domain.Session
	if s.dirty {
		c := s.state.Clone()
		snap = &c
		s.dirty = false
	}
	res := s.finished
	s.finished = nil
	release := s.release
	s.release = false
	id := s.state.ID
	s.mu.Unlock()

	if snap != nil && s.hooks.persist != nil {
		s.hooks.persist(*snap)
	}
	if res != nil && s.hooks.finished != nil {
		s.hooks.finished(*res)
	}
	if release && s.hooks.release != nil {
		s.hooks.release(id)
	}
}

func (s *Session) touchLocked() {
	s.state.Version++
	s.dirty = true
}

func (s *Session) join(userID, displayName string, now time.Time) (domain.Session, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Phase.Terminal() {
		return domain.Session{}, fmt.Errorf("%w: session %s has finished", domain.ErrClosed, s.state.ID)
	}
	existing, ok := s.state.Participant(userID)
	if ok && existing.Active() {
		return s.state.Clone(), nil
	}
	if s.state.ActiveCount() >= s.state.Config.MaxParticipants {
		return domain.Session{}, fmt.Errorf("%w: session %s is at capacity", domain.ErrFull, s.state.ID)
	}

	p := domain.Participant{
		UserID:      userID,
		DisplayName: displayName,
		Status:      domain.StatusDisconnected,
		ScoreSeq:    -1,
		JoinedAt:    now,
	}
	if ok {
		// Rejoin keeps the score earned before leaving.
		p.Score, p.ScoreSeq, p.ScoredAt, p.JoinedAt = existing.Score, existing.ScoreSeq, existing.ScoredAt, existing.JoinedAt
	}
	s.state.UpsertParticipant(p)
	s.touchLocked()
	s.broadcastLocked(domain.ParticipantJoined{Participant: p})
	return s.state.Clone(), nil
}

// leave soft-removes userID and returns the resulting snapshot. A finished session is
// returned unchanged.
func (s *Session) leave(userID string) domain.Session {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Phase.Terminal() {
		return s.state.Clone()
	}
	p, ok := s.state.Participant(userID)
	if !ok || !p.Active() {
		return s.state.Clone()
	}
	s.state.UpdateParticipant(userID, func(p *domain.Participant) {
		p.Status = domain.StatusLeft
		p.Ready = false
	})
	if s.state.HostID == userID {
		s.state.HostID = s.nextHostLocked()
	}
	s.touchLocked()
	s.broadcastLocked(domain.ParticipantLeft{UserID: userID, HostID: s.state.HostID})
	s.closeSubscribersLocked(userID)

	switch {
	case s.state.ActiveCount() == 0:
		log.Info().Str("session_id", s.state.ID).Msg("last participant left, ending session")
		s.finishLocked()
	case s.state.Phase == domain.PhaseInProgress && s.allAnsweredLocked():
		s.advanceLocked()
	}
	return s.state.Clone()
}

// nextHostLocked picks the earliest-joined active participant.
func (s *Session) nextHostLocked() string {
	var next *domain.Participant
	for i := range s.state.Participants {
		p := &s.state.Participants[i]
		if !p.Active() {
			continue
		}
		if next == nil || p.JoinedAt.Before(next.JoinedAt) {
			next = p
		}
	}
	if next == nil {
		return ""
	}
	return next.UserID
}

func (s *Session) command(cmd domain.Command, callerID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.unlock()

	if _, err := domain.CheckCommand(s.state, cmd, callerID); err != nil {
		return domain.Session{}, err
	}

	switch cmd {
	case domain.CmdStart:
		s.startLocked()
	case domain.CmdPause:
		s.pauseLocked()
	case domain.CmdResume:
		s.resumeLocked()
	case domain.CmdEnd:
		s.finishLocked()
	}
	return s.state.Clone(), nil
}

func (s *Session) startLocked() {
	now := s.clock.Now()
	s.state.Phase = domain.PhaseStarting
	s.state.StartedAt = &now
	s.state.Countdown = s.state.Config.CountdownSeconds
	s.touchLocked()
	s.broadcastLocked(domain.RoomSnapshot{Session: s.state.Clone()})

	if s.state.Countdown <= 0 {
		s.beginRoundLocked(0)
		return
	}
	s.broadcastLocked(domain.CountdownTick{Remaining: s.state.Countdown})
	s.armLocked(time.Second, s.tickLocked)
}

func (s *Session) tickLocked() {
	if s.state.Phase != domain.PhaseStarting {
		return
	}
	s.state.Countdown--
	s.touchLocked()
	s.broadcastLocked(domain.CountdownTick{Remaining: s.state.Countdown})
	if s.state.Countdown <= 0 {
		s.beginRoundLocked(0)
		return
	}
	s.armLocked(time.Second, s.tickLocked)
}

func (s *Session) pauseLocked() {
	s.stopTimerLocked()
	if r := s.state.CurrentRound; r != nil {
		s.remaining = r.Deadline.Sub(s.clock.Now())
		if s.remaining < 0 {
			s.remaining = 0
		}
	}
	s.state.Phase = domain.PhasePaused
	s.touchLocked()
	s.broadcastLocked(domain.RoomSnapshot{Session: s.state.Clone()})
}

func (s *Session) resumeLocked() {
	r := s.state.CurrentRound
	if r == nil {
		// Paused before the first round began (restored mid-countdown).
		s.beginRoundLocked(0)
		return
	}
	now := s.clock.Now()
	length := r.Duration()
	r.Deadline = now.Add(s.remaining)
	r.StartedAt = r.Deadline.Add(-length)
	s.state.Phase = domain.PhaseInProgress
	s.touchLocked()
	s.broadcastLocked(domain.RoomSnapshot{Session: s.state.Clone()})
	s.armLocked(s.remaining, s.closeRoundLocked)
}

func (s *Session) beginRoundLocked(seq int) {
	if seq >= len(s.rounds) {
		s.finishLocked()
		return
	}
	now := s.clock.Now()
	round := s.rounds[seq]
	round.Seq = seq
	round.StartedAt = now
	round.Deadline = now.Add(time.Duration(s.state.Config.RoundSeconds) * time.Second)

	s.state.Phase = domain.PhaseInProgress
	s.state.Countdown = 0
	s.state.CurrentRound = &round
	s.touchLocked()

	announced := s.state.Clone()
	s.broadcastLocked(domain.RoundStarted{Round: *announced.CurrentRound})
	s.armLocked(round.Deadline.Sub(now), s.closeRoundLocked)
}

func (s *Session) closeRoundLocked() {
	if s.state.Phase != domain.PhaseInProgress {
		return
	}
	s.advanceLocked()
}

func (s *Session) advanceLocked() {
	next := 0
	if s.state.CurrentRound != nil {
		next = s.state.CurrentRound.Seq + 1
	}
	s.beginRoundLocked(next)
}

func (s *Session) finishLocked() {
	if s.state.Phase.Terminal() {
		return
	}
	s.stopTimerLocked()
	now := s.clock.Now()
	played := s.state.StartedAt != nil
	s.state.Phase = domain.PhaseFinished
	s.state.EndedAt = &now
	s.state.CurrentRound = nil
	s.state.Countdown = 0
	s.touchLocked()

	res := domain.ResultsFor(s.state)
	s.broadcastLocked(domain.SessionFinished{Results: res})
	if played {
		s.finished = &res
	}
	s.releaseLocked()
}

func (s *Session) releaseLocked() {
	if s.state.Phase.Terminal() && len(s.subscribers) == 0 {
		s.release = true
	}
}

func (s *Session) allAnsweredLocked() bool {
	r := s.state.CurrentRound
	if r == nil {
		return false
	}
	for _, p := range s.state.Participants {
		if p.Active() && !s.answered[answerKey{p.UserID, r.Seq}] {
			return false
		}
	}
	return true
}

func (s *Session) submit(sub domain.AnswerSubmission) (domain.ScoreEvent, error) {
	s.mu.Lock()
	defer s.unlock()

	ev, err := s.submitLocked(sub)
	if err != nil {
		s.sendToLocked(sub.UserID, domain.AnswerResult{
			Submission: sub,
			Accepted:   false,
			Code:       domain.Code(err),
			Message:    err.Error(),
		})
	}
	return ev, err
}

func (s *Session) submitLocked(sub domain.AnswerSubmission) (domain.ScoreEvent, error) {
	if err := sub.Validate(); err != nil {
		return domain.ScoreEvent{}, err
	}
	if s.state.Phase != domain.PhaseInProgress {
		return domain.ScoreEvent{}, fmt.Errorf("%w: answers are accepted only while a round is running", domain.ErrInvalidPhase)
	}
	p, ok := s.state.Participant(sub.UserID)
	if !ok || !p.Active() {
		return domain.ScoreEvent{}, fmt.Errorf("%w: %s is not in session %s", domain.ErrNotFound, sub.UserID, s.state.ID)
	}
	round := s.state.CurrentRound
	if round == nil || round.Seq != sub.RoundSeq {
		return domain.ScoreEvent{}, fmt.Errorf("%w: round %d is not active", domain.ErrInvalidPhase, sub.RoundSeq)
	}
	key := answerKey{sub.UserID, sub.RoundSeq}
	if s.answered[key] {
		return domain.ScoreEvent{}, fmt.Errorf("%w: already answered round %d", domain.ErrConflict, sub.RoundSeq)
	}
	now := s.clock.Now()
	if now.After(round.Deadline) {
		return domain.ScoreEvent{}, fmt.Errorf("%w: round %d deadline passed", domain.ErrClosed, sub.RoundSeq)
	}

	delta, err := s.engine.Evaluate(*round, sub, s.claims)
	if err != nil {
		return domain.ScoreEvent{}, err
	}

	s.answered[key] = true
	s.claims = s.claims.With(round.Seq, sub.UserID, delta.Claimed)
	var total int
	s.state.UpdateParticipant(sub.UserID, func(p *domain.Participant) {
		p.Score += delta.Points
		p.ScoreSeq = sub.RoundSeq
		if delta.Points > 0 {
			p.ScoredAt = now
		}
		total = p.Score
	})
	s.touchLocked()

	ev := domain.ScoreEvent{
		UserID:   sub.UserID,
		RoundSeq: sub.RoundSeq,
		Correct:  delta.Correct,
		Delta:    delta.Points,
		Total:    total,
		At:       now,
	}
	s.broadcastLocked(domain.AnswerResult{Submission: sub, Accepted: true})
	s.broadcastLocked(domain.ScoreUpdate{UserID: sub.UserID, RoundSeq: sub.RoundSeq, Delta: delta.Points, Total: total, ScoredAt: now})

	if s.allAnsweredLocked() {
		s.advanceLocked()
	}
	return ev, nil
}

func (s *Session) setReady(userID string, ready bool) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Phase.Terminal() {
		return fmt.Errorf("%w: session %s has finished", domain.ErrClosed, s.state.ID)
	}
	p, ok := s.state.Participant(userID)
	if !ok || !p.Active() {
		return fmt.Errorf("%w: %s is not in session %s", domain.ErrNotFound, userID, s.state.ID)
	}
	if p.Ready == ready {
		return nil
	}
	s.state.UpdateParticipant(userID, func(p *domain.Participant) { p.Ready = ready })
	s.touchLocked()
	s.broadcastLocked(domain.RoomSnapshot{Session: s.state.Clone()})
	return nil
}

func (s *Session) chat(userID, text string) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Phase.Terminal() {
		return fmt.Errorf("%w: session %s has finished", domain.ErrClosed, s.state.ID)
	}
	p, ok := s.state.Participant(userID)
	if !ok || !p.Active() {
		return fmt.Errorf("%w: %s is not in session %s", domain.ErrNotFound, userID, s.state.ID)
	}
	s.broadcastLocked(domain.ChatMessage{UserID: userID, DisplayName: p.DisplayName, Text: text, SentAt: s.clock.Now()})
	return nil
}

// subscribe attaches an event stream for userID. The first event is always a room snapshot.
func (s *Session) subscribe(userID string) (<-chan domain.Event, func(), error) {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Phase.Terminal() {
		return nil, nil, fmt.Errorf("%w: session %s has finished", domain.ErrClosed, s.state.ID)
	}
	p, ok := s.state.Participant(userID)
	if !ok || !p.Active() {
		return nil, nil, fmt.Errorf("%w: %s is not in session %s", domain.ErrNotFound, userID, s.state.ID)
	}

	s.setStatusLocked(userID, domain.StatusConnected)
	sub := &subscriber{userID: userID, ch: make(chan domain.Event, subscriberBuffer)}
	s.subscribers[sub] = struct{}{}
	sub.ch <- domain.RoomSnapshot{Session: s.state.Clone()}

	cancel := func() {
		s.mu.Lock()
		defer s.unlock()
		if _, ok := s.subscribers[sub]; !ok {
			return
		}
		delete(s.subscribers, sub)
		close(sub.ch)
		if !s.hasSubscriberLocked(userID) {
			s.setStatusLocked(userID, domain.StatusDisconnected)
		}
		s.releaseLocked()
	}
	return sub.ch, cancel, nil
}

func (s *Session) setStatusLocked(userID string, status domain.ConnectionStatus) {
	if s.state.Phase.Terminal() {
		return
	}
	p, ok := s.state.Participant(userID)
	if !ok || p.Status == domain.StatusLeft || p.Status == status {
		return
	}
	s.state.UpdateParticipant(userID, func(p *domain.Participant) { p.Status = status })
	s.touchLocked()
	s.broadcastLocked(domain.RoomSnapshot{Session: s.state.Clone()})
}

func (s *Session) hasSubscriberLocked(userID string) bool {
	for sub := range s.subscribers {
		if sub.userID == userID {
			return true
		}
	}
	return false
}

// broadcastLocked fans out to every subscriber whose participant has not left.
// A subscriber whose buffer is full is dropped so one slow client cannot stall the session.
func (s *Session) broadcastLocked(ev domain.Event) {
	for sub := range s.subscribers {
		if p, ok := s.state.Participant(sub.userID); ok && !p.Active() {
			continue
		}
		s.deliverLocked(sub, ev)
	}
}

func (s *Session) sendToLocked(userID string, ev domain.Event) {
	for sub := range s.subscribers {
		if sub.userID == userID {
			s.deliverLocked(sub, ev)
		}
	}
}

func (s *Session) deliverLocked(sub *subscriber, ev domain.Event) {
	select {
	case sub.ch <- ev:
	default:
		log.Warn().Str("session_id", s.state.ID).Str("user_id", sub.userID).Msg("dropping slow subscriber")
		delete(s.subscribers, sub)
		close(sub.ch)
		s.releaseLocked()
	}
}

func (s *Session) closeSubscribersLocked(userID string) {
	for sub := range s.subscribers {
		if sub.userID == userID {
			delete(s.subscribers, sub)
			close(sub.ch)
		}
	}
}

// armLocked replaces any pending timer. Stale fires are recognised by generation.
func (s *Session) armLocked(d time.Duration, fn func()) {
	s.stopTimerLocked()
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen, fn) })
}

func (s *Session) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) fire(gen int, fn func()) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.timerGen {
		return
	}
	s.timer = nil
	fn()
}

// shutdown stops timers and closes every stream.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		close(sub.ch)
	}
}

// NewSession wraps a snapshot without rounds or timers. It is exported for
// infrastructure layers and tests that need a stand-alone session.
func NewSession(state domain.Session) *Session {
	return newSession(state.Clone(), nil, scoring.NewEngine(scoring.DefaultRules()), clockwork.NewRealClock(), sessionHooks{})
}
