// Package coordinator owns the client-side view of one game session. Every event-plane
// delivery and control-plane result is funnelled into a single goroutine that applies it
// with Reducer and publishes an immutable Snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"study-game-service/internal/domain"
	"study-game-service/internal/scoring"
)

// ControlPlane is the subset of the control-plane client the coordinator drives.
type ControlPlane interface {
	JoinSession(ctx context.Context, groupID, sessionID, userID, displayName string) (domain.Session, error)
	LeaveSession(ctx context.Context, groupID, sessionID, userID string) (domain.Session, error)
	Command(ctx context.Context, groupID, sessionID, callerID string, cmd domain.Command) (domain.Session, error)
}

// Channel is one event-plane connection.
type Channel interface {
	Events() <-chan domain.Event
	Send(ctx context.Context, action domain.Action) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// errDuplicate marks a submission dropped because the round is already answered.
var errDuplicate = errors.New("round already answered")

type msg interface{ isMsg() }

type applyMsg struct{ in Input }

// claimAnswerMsg atomically checks and marks a round as answered.
type claimAnswerMsg struct {
	sub   domain.AnswerSubmission
	reply chan error
}

// claimLeaveMsg marks a leave as pending unless one is already underway.
type claimLeaveMsg struct{ reply chan bool }

func (applyMsg) isMsg()       {}
func (claimAnswerMsg) isMsg() {}
func (claimLeaveMsg) isMsg()  {}

// Coordinator is the single writer of a session Snapshot.
type Coordinator struct {
	cp        ControlPlane
	groupID   string
	sessionID string
	userID    string
	reducer   Reducer

	inbox   chan msg
	current atomic.Pointer[Snapshot]

	// subMu orders publication with subscription so no subscriber sees a revision twice.
	subMu    sync.Mutex
	outboxes map[chan Snapshot]struct{}
	closed   bool

	chMu    sync.Mutex
	channel Channel
	epoch   int

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

type Option func(*Coordinator)

// WithRules sets the scoring table used to evaluate accepted answers locally.
func WithRules(r scoring.Rules) Option {
	return func(c *Coordinator) { c.reducer = Reducer{Engine: scoring.NewEngine(r)} }
}

// New starts a coordinator for userID in one session. It stops when parent is cancelled
// or Close is called.
func New(parent context.Context, cp ControlPlane, groupID, sessionID, userID string, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		cp:        cp,
		groupID:   groupID,
		sessionID: sessionID,
		userID:    userID,
		reducer:   Reducer{Engine: scoring.NewEngine(scoring.DefaultRules())},
		inbox:     make(chan msg, 64),
		outboxes:  make(map[chan Snapshot]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	initial := Initial(groupID, sessionID, userID)
	c.current.Store(&initial)

	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.stopped)
	for {
		select {
		case <-c.ctx.Done():
			c.subMu.Lock()
			c.closed = true
			for outbox := range c.outboxes {
				close(outbox)
				delete(c.outboxes, outbox)
			}
			c.subMu.Unlock()
			return

		case m := <-c.inbox:
			switch m := m.(type) {
			case applyMsg:
				c.apply(m.in)

			case claimAnswerMsg:
				m.reply <- c.claimAnswer(m.sub)

			case claimLeaveMsg:
				cur := c.current.Load()
				if cur.Left || (cur.Leave != nil && cur.Leave.State == OpPending) {
					m.reply <- false
					break
				}
				c.apply(LeaveIssued{})
				m.reply <- true
			}
		}
	}
}

func (c *Coordinator) apply(in Input) {
	cur := c.current.Load()
	next, changed := c.reducer.Reduce(*cur, in)
	if !changed {
		if ev, ok := in.(EventReceived); ok {
			log.Debug().Str("session_id", c.sessionID).Str("user_id", c.userID).Str("event", string(ev.Event.Kind())).Int("epoch", ev.Epoch).Msg("event discarded")
		}
		return
	}
	c.subMu.Lock()
	c.current.Store(&next)
	c.publish(next)
	c.subMu.Unlock()
}

// publish hands the latest snapshot to every subscriber. A subscriber that has not
// consumed the previous one only ever sees the newest.
func (c *Coordinator) publish(s Snapshot) {
	for outbox := range c.outboxes {
		select {
		case outbox <- s:
		default:
			select {
			case <-outbox:
			default:
			}
			outbox <- s
		}
	}
}

func (c *Coordinator) claimAnswer(sub domain.AnswerSubmission) error {
	cur := c.current.Load()
	if cur.Left {
		return fmt.Errorf("%w: already left the session", domain.ErrClosed)
	}
	if cur.Answered(sub.RoundSeq) {
		return errDuplicate
	}
	round := cur.Session.CurrentRound
	if cur.Session.Phase != domain.PhaseInProgress || round == nil || round.Seq != sub.RoundSeq {
		err := fmt.Errorf("%w: round %d is not active", domain.ErrInvalidPhase, sub.RoundSeq)
		c.apply(LocalRejected{Err: err})
		return err
	}
	c.apply(AnswerIssued{Submission: sub})
	return nil
}

// send posts m to the loop, giving up once the coordinator has stopped.
func (c *Coordinator) send(m msg) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Coordinator) submit(in Input) {
	c.send(applyMsg{in: in})
}

// Current returns the latest published snapshot.
func (c *Coordinator) Current() Snapshot {
	return *c.current.Load()
}

// Subscribe streams snapshots, starting with the current one. Slow readers skip
// intermediate revisions. The channel closes when the coordinator stops.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	outbox := make(chan Snapshot, 1)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		close(outbox)
		return outbox, func() {}
	}
	outbox <- *c.current.Load()
	c.outboxes[outbox] = struct{}{}

	return outbox, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.outboxes[outbox]; ok {
			delete(c.outboxes, outbox)
			close(outbox)
		}
	}
}

// Join enters the session through the control plane.
func (c *Coordinator) Join(ctx context.Context, displayName string) (domain.Session, error) {
	c.submit(JoinIssued{})
	snap, err := c.cp.JoinSession(ctx, c.groupID, c.sessionID, c.userID, displayName)
	c.submit(JoinCompleted{Session: snap, Err: err})
	return snap, err
}

func (c *Coordinator) Start(ctx context.Context) (domain.Session, error) {
	return c.Command(ctx, domain.CmdStart)
}

func (c *Coordinator) Pause(ctx context.Context) (domain.Session, error) {
	return c.Command(ctx, domain.CmdPause)
}

func (c *Coordinator) Resume(ctx context.Context) (domain.Session, error) {
	return c.Command(ctx, domain.CmdResume)
}

func (c *Coordinator) End(ctx context.Context) (domain.Session, error) {
	return c.Command(ctx, domain.CmdEnd)
}

// Command issues a host command. Commands that cannot succeed from the locally known
// phase are refused without a round trip; the server's verdict is final otherwise.
func (c *Coordinator) Command(ctx context.Context, cmd domain.Command) (domain.Session, error) {
	if _, err := domain.CheckCommand(c.Current().Session, cmd, c.userID); err != nil {
		c.submit(LocalRejected{Err: err})
		return domain.Session{}, err
	}
	c.submit(CommandIssued{Command: cmd})
	snap, err := c.cp.Command(ctx, c.groupID, c.sessionID, c.userID, cmd)
	c.submit(CommandCompleted{Command: cmd, Session: snap, Err: err})
	if err != nil {
		log.Info().Err(err).Str("session_id", c.sessionID).Str("command", string(cmd)).Msg("command rejected")
	}
	return snap, err
}

// Submit sends an answer for the current round. A second submission for a round that
// already has a pending or accepted answer is dropped silently.
func (c *Coordinator) Submit(ctx context.Context, sub domain.AnswerSubmission) error {
	sub.UserID = c.userID
	action, err := domain.ActionFromSubmission(sub)
	if err != nil {
		c.submit(LocalRejected{Err: err})
		return err
	}

	reply := make(chan error, 1)
	if !c.send(claimAnswerMsg{sub: sub, reply: reply}) {
		return fmt.Errorf("%w: coordinator stopped", domain.ErrClosed)
	}
	select {
	case err = <-reply:
	case <-c.stopped:
		return fmt.Errorf("%w: coordinator stopped", domain.ErrClosed)
	}
	if err != nil {
		if errors.Is(err, errDuplicate) {
			log.Debug().Str("session_id", c.sessionID).Int("round", sub.RoundSeq).Msg("duplicate answer dropped")
			return nil
		}
		return err
	}

	if err := c.sendAction(ctx, action); err != nil {
		c.submit(AnswerFailed{Submission: sub, Err: err})
		return err
	}
	return nil
}

// SetReady toggles the local participant's ready flag.
func (c *Coordinator) SetReady(ctx context.Context, ready bool) error {
	return c.sendAction(ctx, domain.ReadyToggle{Ready: ready})
}

// Chat relays a message to the session.
func (c *Coordinator) Chat(ctx context.Context, text string) error {
	return c.sendAction(ctx, domain.ChatSend{Text: text})
}

// RequestCountdown asks for a countdown. It is advisory; Start is authoritative.
func (c *Coordinator) RequestCountdown(ctx context.Context) error {
	if !c.Current().IsHost() {
		err := fmt.Errorf("%w: only the host can request a countdown", domain.ErrForbidden)
		c.submit(LocalRejected{Err: err})
		return err
	}
	return c.sendAction(ctx, domain.StartCountdown{})
}

func (c *Coordinator) sendAction(ctx context.Context, action domain.Action) error {
	c.chMu.Lock()
	ch := c.channel
	c.chMu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: event channel not connected", domain.ErrNetwork)
	}
	return ch.Send(ctx, action)
}

// Leave exits the session. The local participant is only removed once the server
// confirms; on success inbound events stop and the connection is released.
func (c *Coordinator) Leave(ctx context.Context) error {
	reply := make(chan bool, 1)
	if !c.send(claimLeaveMsg{reply: reply}) {
		return nil
	}
	select {
	case ok := <-reply:
		if !ok {
			return nil
		}
	case <-c.stopped:
		return nil
	}

	snap, err := c.cp.LeaveSession(ctx, c.groupID, c.sessionID, c.userID)
	c.submit(LeaveCompleted{Session: snap, Err: err})
	if err != nil {
		return err
	}
	c.detach()
	log.Info().Str("session_id", c.sessionID).Str("user_id", c.userID).Msg("left session")
	return nil
}

// Attach installs a freshly dialled channel together with the control-plane read taken
// for it. Events from any earlier channel are ignored from here on.
func (c *Coordinator) Attach(ch Channel, snap domain.Session) {
	if c.Current().Left {
		_ = ch.Close()
		return
	}

	c.chMu.Lock()
	c.epoch++
	epoch := c.epoch
	c.channel = ch
	c.chMu.Unlock()

	c.submit(Resynced{Epoch: epoch, Session: snap})
	go c.pump(epoch, ch)
}

func (c *Coordinator) pump(epoch int, ch Channel) {
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			if !c.send(applyMsg{in: EventReceived{Epoch: epoch, Event: ev}}) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// SetConnection records an event-plane status change reported by the supervisor.
func (c *Coordinator) SetConnection(status Connection, err error) {
	if status != ConnConnected {
		c.chMu.Lock()
		c.channel = nil
		c.chMu.Unlock()
	}
	c.submit(ConnectionChanged{Status: status, Err: err})
}

func (c *Coordinator) detach() {
	c.chMu.Lock()
	ch := c.channel
	c.channel = nil
	c.epoch++
	c.chMu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	c.submit(ConnectionChanged{Status: ConnDisconnected})
}

// Done is closed once the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// Close stops the loop and releases the current channel.
func (c *Coordinator) Close() {
	c.chMu.Lock()
	ch := c.channel
	c.channel = nil
	c.chMu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	c.cancel()
	<-c.stopped
}
