package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"study-game-service/internal/domain"
	"study-game-service/internal/scoring"
)

// SessionRepository abstracts how live sessions are kept (in-memory, Redis-backed, etc).
type SessionRepository interface {
	// Put stores session unless one with the same id exists, and returns the stored one.
	Put(session *Session) *Session
	Get(sessionID string) (*Session, bool)
	All() []*Session
	// Delete drops the live session. Its persisted snapshot must stay loadable.
	Delete(sessionID string)
	// SessionIDs lists the unfinished sessions recorded for a group, live or persisted.
	SessionIDs(ctx context.Context, groupID string) ([]string, error)
	// Save persists a snapshot. Implementations must ignore snapshots older than the stored one.
	Save(ctx context.Context, snapshot domain.Session) error
	// Load returns a persisted snapshot, or domain.ErrNotFound.
	Load(ctx context.Context, sessionID string) (domain.Session, error)
}

// DeckRepository loads study content (from cache/backing store).
type DeckRepository interface {
	GetDeck(ctx context.Context, deckID string) (domain.Deck, error)
}

// ResultStore keeps finished-session results and the read models derived from them.
type ResultStore interface {
	SaveResults(ctx context.Context, results domain.Results) error
	Results(ctx context.Context, sessionID string) (domain.Results, error)
	UserStats(ctx context.Context, userID string) (domain.UserStats, error)
	UserHistory(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error)
	GroupLeaderboard(ctx context.Context, groupID string, gameType domain.GameType, limit int) ([]domain.GroupStanding, error)
}

// CreateRequest carries the host's choices for a new session.
type CreateRequest struct {
	GroupID    string
	HostID     string
	HostName   string
	GameType   domain.GameType
	DocumentID string
	Config     domain.GameConfig
}

const hookTimeout = 5 * time.Second

// GameService contains the core game-session use cases.
type GameService struct {
	sessions SessionRepository
	decks    DeckRepository
	results  ResultStore
	engine   scoring.Engine
	clock    clockwork.Clock
	defaults domain.GameConfig

	// createMu serialises creation so the one-active-session-per-host check holds.
	createMu sync.Mutex
}

// Option customises a GameService.
type Option func(*GameService)

// WithClock overrides the wall clock, for deterministic timers in tests.
func WithClock(c clockwork.Clock) Option {
	return func(g *GameService) { g.clock = c }
}

// WithGameDefaults sets the round length, participant cap and countdown used when a host
// leaves them unset.
func WithGameDefaults(d domain.GameConfig) Option {
	return func(g *GameService) { g.defaults = d }
}

// WithRules sets the scoring table.
func WithRules(r scoring.Rules) Option {
	return func(g *GameService) { g.engine = scoring.NewEngine(r) }
}

func NewGameService(store SessionRepository, decks DeckRepository, results ResultStore, opts ...Option) *GameService {
	g := &GameService{
		sessions: store,
		decks:    decks,
		results:  results,
		engine:   scoring.NewEngine(scoring.DefaultRules()),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create opens a waiting session with the caller as host. Creating again while the same
// host already has an unfinished session in the group returns that session.
func (g *GameService) Create(ctx context.Context, req CreateRequest) (domain.Session, error) {
	if req.GroupID == "" || req.HostID == "" {
		return domain.Session{}, fmt.Errorf("%w: group and host are required", domain.ErrInvalid)
	}
	if !req.GameType.Valid() {
		return domain.Session{}, fmt.Errorf("%w: unknown game type %q", domain.ErrInvalid, req.GameType)
	}
	cfg := req.Config
	if cfg.RoundSeconds == 0 {
		cfg.RoundSeconds = g.defaults.RoundSeconds
	}
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = g.defaults.MaxParticipants
	}
	if cfg.CountdownSeconds == 0 {
		cfg.CountdownSeconds = g.defaults.CountdownSeconds
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return domain.Session{}, err
	}

	g.createMu.Lock()
	defer g.createMu.Unlock()

	active, err := g.List(ctx, req.GroupID)
	if err != nil {
		return domain.Session{}, err
	}
	for _, snap := range active {
		if snap.HostID == req.HostID {
			return snap, nil
		}
	}
	if len(active) > 0 {
		return domain.Session{}, fmt.Errorf("%w: group %s already has an active session", domain.ErrConflict, req.GroupID)
	}

	deck, err := g.decks.GetDeck(ctx, req.DocumentID)
	if err != nil {
		return domain.Session{}, err
	}
	rounds := deck.Rounds(req.GameType, cfg.QuestionCount)
	if len(rounds) == 0 {
		return domain.Session{}, fmt.Errorf("%w: document %s has no %s content", domain.ErrInvalid, req.DocumentID, req.GameType)
	}

	now := g.clock.Now()
	hostName := strings.TrimSpace(req.HostName)
	if hostName == "" {
		hostName = req.HostID
	}
	state := domain.Session{
		ID:           uuid.NewString(),
		GroupID:      req.GroupID,
		DocumentID:   deck.ID,
		DocumentName: deck.Name,
		HostID:       req.HostID,
		GameType:     req.GameType,
		Config:       cfg,
		Phase:        domain.PhaseWaiting,
		Participants: []domain.Participant{{
			UserID:      req.HostID,
			DisplayName: hostName,
			Status:      domain.StatusDisconnected,
			ScoreSeq:    -1,
			JoinedAt:    now,
		}},
		RoundCount: len(rounds),
		Version:    1,
		CreatedAt:  now,
	}

	session := newSession(state, rounds, g.engine, g.clock, g.hooks())
	g.sessions.Put(session)
	g.persist(state)

	log.Info().
		Str("session_id", state.ID).
		Str("group_id", state.GroupID).
		Str("game_type", string(state.GameType)).
		Int("rounds", len(rounds)).
		Msg("session created")
	return state.Clone(), nil
}

// Get returns the current snapshot of a session in the group.
func (g *GameService) Get(ctx context.Context, groupID, sessionID string) (domain.Session, error) {
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	return s.Snapshot(), nil
}

// List returns the unfinished sessions of a group.
func (g *GameService) List(ctx context.Context, groupID string) ([]domain.Session, error) {
	ids, err := g.sessions.SessionIDs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(ids))
	for _, id := range ids {
		s, err := g.lookup(ctx, groupID, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if snap := s.Snapshot(); !snap.Phase.Terminal() {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Join adds userID to the session. Joining twice returns the current snapshot unchanged.
func (g *GameService) Join(ctx context.Context, groupID, sessionID, userID, displayName string) (domain.Session, error) {
	if userID == "" {
		return domain.Session{}, fmt.Errorf("%w: user id is required", domain.ErrInvalid)
	}
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = userID
	}
	return s.join(userID, name, g.clock.Now())
}

// Leave marks userID as left and returns the resulting snapshot. Leaving a session one is
// not in, or one that has finished, changes nothing.
func (g *GameService) Leave(ctx context.Context, groupID, sessionID, userID string) (domain.Session, error) {
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	return s.leave(userID), nil
}

// Command applies a host lifecycle command.
func (g *GameService) Command(ctx context.Context, groupID, sessionID, callerID string, cmd domain.Command) (domain.Session, error) {
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	snap, err := s.command(cmd, callerID)
	if err != nil {
		return domain.Session{}, err
	}
	log.Info().Str("session_id", sessionID).Str("command", string(cmd)).Str("phase", string(snap.Phase)).Msg("session command applied")
	return snap, nil
}

func (g *GameService) Start(ctx context.Context, groupID, sessionID, callerID string) (domain.Session, error) {
	return g.Command(ctx, groupID, sessionID, callerID, domain.CmdStart)
}

func (g *GameService) Pause(ctx context.Context, groupID, sessionID, callerID string) (domain.Session, error) {
	return g.Command(ctx, groupID, sessionID, callerID, domain.CmdPause)
}

func (g *GameService) Resume(ctx context.Context, groupID, sessionID, callerID string) (domain.Session, error) {
	return g.Command(ctx, groupID, sessionID, callerID, domain.CmdResume)
}

func (g *GameService) End(ctx context.Context, groupID, sessionID, callerID string) (domain.Session, error) {
	return g.Command(ctx, groupID, sessionID, callerID, domain.CmdEnd)
}

// SubmitAnswer scores a submission. Rejections are also reported to the submitter's streams.
func (g *GameService) SubmitAnswer(ctx context.Context, groupID, sessionID string, sub domain.AnswerSubmission) (domain.ScoreEvent, error) {
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return domain.ScoreEvent{}, err
	}
	return s.submit(sub)
}

// Subscribe attaches an event stream for a participant. The caller must invoke the
// returned cancel function to avoid leaks.
func (g *GameService) Subscribe(ctx context.Context, groupID, sessionID, userID string) (<-chan domain.Event, func(), error) {
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return s.subscribe(userID)
}

// HandleAction applies an event-plane action from userID. Answer rejections are
// delivered as answer results; other failures are returned.
func (g *GameService) HandleAction(ctx context.Context, groupID, sessionID, userID string, action domain.Action) error {
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	if err := domain.ValidateAction(action, snap.GameType); err != nil {
		return err
	}

	switch a := action.(type) {
	case domain.ReadyToggle:
		return s.setReady(userID, a.Ready)
	case domain.StartCountdown:
		if !snap.IsHost(userID) {
			return fmt.Errorf("%w: only the host can request a countdown", domain.ErrForbidden)
		}
		log.Debug().Str("session_id", sessionID).Msg("advisory countdown request")
		return nil
	case domain.ChatSend:
		return s.chat(userID, strings.TrimSpace(a.Text))
	default:
		sub, ok := domain.SubmissionFromAction(userID, action)
		if !ok {
			return fmt.Errorf("%w: unsupported action %s", domain.ErrInvalid, action.ActionKind())
		}
		_, err := s.submit(sub)
		if err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Str("user_id", userID).Msg("answer rejected")
		}
		return nil
	}
}

// Results returns the stored results of a finished session, or the live ranking.
func (g *GameService) Results(ctx context.Context, groupID, sessionID string) (domain.Results, error) {
	if g.results != nil {
		res, err := g.results.Results(ctx, sessionID)
		if err == nil {
			if res.GroupID != groupID {
				return domain.Results{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
			}
			return res, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Results{}, err
		}
	}
	s, err := g.lookup(ctx, groupID, sessionID)
	if err != nil {
		return domain.Results{}, err
	}
	return domain.ResultsFor(s.Snapshot()), nil
}

func (g *GameService) UserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	if g.results == nil {
		return domain.UserStats{UserID: userID}, nil
	}
	return g.results.UserStats(ctx, userID)
}

func (g *GameService) UserHistory(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	if g.results == nil {
		return nil, nil
	}
	return g.results.UserHistory(ctx, userID, limit)
}

// GroupLeaderboard ranks a group's players across finished sessions. An empty gameType
// includes every variant.
func (g *GameService) GroupLeaderboard(ctx context.Context, groupID string, gameType domain.GameType, limit int) ([]domain.GroupStanding, error) {
	if g.results == nil {
		return nil, nil
	}
	return g.results.GroupLeaderboard(ctx, groupID, gameType, limit)
}

// lookup finds a live session, rehydrating it from the persisted snapshot after a restart.
// A finished snapshot is served read-only and never re-enters the live store.
func (g *GameService) lookup(ctx context.Context, groupID, sessionID string) (*Session, error) {
	if s, ok := g.sessions.Get(sessionID); ok {
		if s.groupID() != groupID {
			return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		return s, nil
	}

	snap, err := g.sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		return nil, err
	}
	if snap.GroupID != groupID {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	if snap.Phase.Terminal() {
		return g.restore(snap, nil), nil
	}
	deck, err := g.decks.GetDeck(ctx, snap.DocumentID)
	if err != nil {
		return nil, err
	}

	s := g.sessions.Put(g.restore(snap, deck.Rounds(snap.GameType, snap.Config.QuestionCount)))
	log.Info().Str("session_id", sessionID).Str("phase", string(s.Snapshot().Phase)).Msg("session rehydrated")
	return s, nil
}

// restore rebuilds a session from a snapshot. Timers do not survive a restart, so a
// running game comes back paused and every participant comes back disconnected.
func (g *GameService) restore(snap domain.Session, rounds []domain.Round) *Session {
	state := snap.Clone()
	for i := range state.Participants {
		if state.Participants[i].Status == domain.StatusConnected {
			state.Participants[i].Status = domain.StatusDisconnected
		}
	}

	s := newSession(state, rounds, g.engine, g.clock, g.hooks())
	switch state.Phase {
	case domain.PhaseInProgress, domain.PhaseStarting:
		s.state.Phase = domain.PhasePaused
		s.state.Countdown = 0
		s.state.Version++
		fallthrough
	case domain.PhasePaused:
		if r := s.state.CurrentRound; r != nil {
			s.remaining = r.Duration()
		}
	}
	if r := s.state.CurrentRound; r != nil {
		for _, p := range s.state.Participants {
			if p.ScoreSeq >= r.Seq {
				s.answered[answerKey{p.UserID, r.Seq}] = true
			}
		}
	}
	return s
}

func (g *GameService) hooks() sessionHooks {
	return sessionHooks{persist: g.persist, finished: g.saveResults, release: g.release}
}

func (g *GameService) release(sessionID string) {
	g.sessions.Delete(sessionID)
	log.Debug().Str("session_id", sessionID).Msg("finished session released")
}

func (g *GameService) persist(snap domain.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := g.sessions.Save(ctx, snap); err != nil {
		log.Error().Err(err).Str("session_id", snap.ID).Int64("version", snap.Version).Msg("failed to persist session")
	}
}

func (g *GameService) saveResults(res domain.Results) {
	if g.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := g.results.SaveResults(ctx, res); err != nil {
		log.Error().Err(err).Str("session_id", res.SessionID).Msg("failed to save results")
		return
	}
	ev := log.Info().Str("session_id", res.SessionID).Int("players", len(res.Entries))
	if w, ok := res.Winner(); ok {
		ev = ev.Str("winner", w.UserID).Int("winning_score", w.Score)
	}
	ev.Msg("results saved")
}

// Shutdown stops every live session's timers and streams.
func (g *GameService) Shutdown() {
	for _, s := range g.sessions.All() {
		s.shutdown()
	}
}
