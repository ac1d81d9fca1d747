package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"study-game-service/internal/client/coordinator"
	"study-game-service/internal/domain"
)

type fakeChannel struct {
	events chan domain.Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan domain.Event), done: make(chan struct{})}
}

func (f *fakeChannel) Events() <-chan domain.Event               { return f.events }
func (f *fakeChannel) Done() <-chan struct{}                     { return f.done }
func (f *fakeChannel) Send(context.Context, domain.Action) error { return nil }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// drop ends the channel the way a lost connection does.
func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		f.err = err
		close(f.done)
	}
}

func (f *fakeChannel) Close() error {
	f.drop(nil)
	return nil
}

type dialResult struct {
	ch  *fakeChannel
	err error
}

// script hands out dial results in order and records when each dial happened.
type script struct {
	clock clockwork.Clock

	mu      sync.Mutex
	results []dialResult
	dials   []time.Time
	dialed  chan struct{}
}

func newScript(clock clockwork.Clock, results ...dialResult) *script {
	return &script{clock: clock, results: results, dialed: make(chan struct{}, 64)}
}

func (s *script) add(r dialResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *script) dial(context.Context) (coordinator.Channel, error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.dialed <- struct{}{}
	}()
	s.dials = append(s.dials, s.clock.Now())
	if len(s.results) == 0 {
		return nil, domain.ErrNetwork
	}
	r := s.results[0]
	s.results = s.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.ch, nil
}

func (s *script) dialTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.dials...)
}

type staticReader struct {
	mu   sync.Mutex
	sess domain.Session
	err  error
}

func (r *staticReader) GetSession(context.Context, string, string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Clone(), r.err
}

type status struct {
	conn coordinator.Connection
	err  error
}

type recordingTarget struct {
	mu       sync.Mutex
	attached []coordinator.Channel
	statuses []status

	// managerStatus, when set, is sampled on every Attach.
	managerStatus func() coordinator.Connection
	atAttach      []coordinator.Connection
}

func (r *recordingTarget) Attach(ch coordinator.Channel, _ domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = append(r.attached, ch)
	if r.managerStatus != nil {
		r.atAttach = append(r.atAttach, r.managerStatus())
	}
}

func (r *recordingTarget) statusAtAttach(i int) coordinator.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.atAttach[i]
}

func (r *recordingTarget) SetConnection(c coordinator.Connection, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status{conn: c, err: err})
}

func (r *recordingTarget) attachCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached)
}

func (r *recordingTarget) last() (status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return status{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

var epoch = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

func run(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *script) awaitDial(t *testing.T) {
	t.Helper()
	select {
	case <-s.dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never happened")
	}
}

func advance(t *testing.T, clock *clockwork.FakeClock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("manager never waited: %v", err)
	}
	clock.Advance(d)
}

func TestFirstConnectIsImmediate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	ch := newFakeChannel()
	sc := newScript(clock, dialResult{ch: ch})
	target := &recordingTarget{}
	m := New(sc.dial, &staticReader{}, target, "G1", "s1", WithClock(clock))
	target.managerStatus = m.Status

	run(t, m)
	sc.awaitDial(t)
	waitFor(t, "attach", func() bool { return target.attachCount() == 1 })

	if got := sc.dialTimes()[0]; !got.Equal(epoch) {
		t.Fatalf("first dial waited until %s", got)
	}
	if got := target.statusAtAttach(0); got != coordinator.ConnConnected {
		t.Fatalf("expected connected by the time the channel is attached, got %s", got)
	}
}

func TestReconnectFollowsCappedDoublingSchedule(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	first := newFakeChannel()
	sc := newScript(clock, dialResult{ch: first})
	for i := 0; i < 5; i++ {
		sc.add(dialResult{err: domain.ErrNetwork})
	}
	second := newFakeChannel()
	sc.add(dialResult{ch: second})

	target := &recordingTarget{}
	m := New(sc.dial, &staticReader{}, target, "G1", "s1", WithClock(clock), WithMaxAttempts(6))
	target.managerStatus = m.Status
	run(t, m)
	sc.awaitDial(t)
	waitFor(t, "first attach", func() bool { return target.attachCount() == 1 })

	first.drop(errors.New("connection reset"))
	waitFor(t, "reconnecting", func() bool {
		s, ok := target.last()
		return ok && s.conn == coordinator.ConnReconnecting && s.err != nil
	})

	schedule := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second}
	for _, wait := range schedule {
		advance(t, clock, wait-time.Millisecond)
		select {
		case <-sc.dialed:
			t.Fatalf("dialled before the %s wait elapsed", wait)
		case <-time.After(20 * time.Millisecond):
		}
		clock.Advance(time.Millisecond)
		sc.awaitDial(t)
	}

	waitFor(t, "second attach", func() bool { return target.attachCount() == 2 })
	times := sc.dialTimes()
	for i, wait := range schedule {
		if gap := times[i+1].Sub(times[i]); gap != wait {
			t.Fatalf("attempt %d waited %s, want %s", i+1, gap, wait)
		}
	}
	if got := target.statusAtAttach(1); got != coordinator.ConnConnected {
		t.Fatalf("expected connected by the second attach, got %s", got)
	}
}

func TestFailsAfterMaxAttemptsUntilRetried(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	first := newFakeChannel()
	sc := newScript(clock, dialResult{ch: first}, dialResult{err: domain.ErrNetwork}, dialResult{err: domain.ErrNetwork})
	target := &recordingTarget{}
	m := New(sc.dial, &staticReader{}, target, "G1", "s1", WithClock(clock), WithMaxAttempts(2))

	run(t, m)
	sc.awaitDial(t)
	first.drop(domain.ErrNetwork)

	advance(t, clock, time.Second)
	sc.awaitDial(t)
	advance(t, clock, 2*time.Second)
	sc.awaitDial(t)

	waitFor(t, "failed", func() bool { return m.Status() == coordinator.ConnFailed })
	s, _ := target.last()
	if !errors.Is(s.err, domain.ErrNetwork) {
		t.Fatalf("expected the last cause to be surfaced, got %v", s.err)
	}

	// No further attempts happen on their own.
	clock.Advance(time.Minute)
	select {
	case <-sc.dialed:
		t.Fatal("failed manager kept dialling")
	case <-time.After(20 * time.Millisecond):
	}

	sc.add(dialResult{ch: newFakeChannel()})
	m.Retry()
	sc.awaitDial(t)
	waitFor(t, "connected after retry", func() bool { return m.Status() == coordinator.ConnConnected })
	if target.attachCount() != 2 {
		t.Fatalf("expected a second attach, got %d", target.attachCount())
	}
}

func TestTerminalErrorsFailWithoutBackoff(t *testing.T) {
	for _, err := range []error{domain.ErrNotFound, domain.ErrClosed, domain.ErrForbidden} {
		t.Run(domain.Code(err), func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			sc := newScript(clock, dialResult{err: err})
			target := &recordingTarget{}
			m := New(sc.dial, &staticReader{}, target, "G1", "s1", WithClock(clock))

			run(t, m)
			waitFor(t, "failed", func() bool { return m.Status() == coordinator.ConnFailed })
			if n := len(sc.dialTimes()); n != 1 {
				t.Fatalf("expected a single attempt, got %d", n)
			}
		})
	}
}

func TestResyncFailureClosesFreshChannel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	ch := newFakeChannel()
	sc := newScript(clock, dialResult{ch: ch})
	target := &recordingTarget{}
	reader := &staticReader{err: domain.ErrNotFound}
	m := New(sc.dial, reader, target, "G1", "s1", WithClock(clock))

	run(t, m)
	waitFor(t, "failed", func() bool { return m.Status() == coordinator.ConnFailed })
	select {
	case <-ch.Done():
	default:
		t.Fatal("channel without a resync was left open")
	}
	if target.attachCount() != 0 {
		t.Fatal("channel attached without a fresh session read")
	}
}

func TestLocalCloseEndsSupervision(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	ch := newFakeChannel()
	sc := newScript(clock, dialResult{ch: ch})
	m := New(sc.dial, &staticReader{}, &recordingTarget{}, "G1", "s1", WithClock(clock))

	_, errc := run(t, m)
	sc.awaitDial(t)
	_ = ch.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manager kept running after a local close")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	ch := newFakeChannel()
	sc := newScript(clock, dialResult{ch: ch})
	target := &recordingTarget{}
	m := New(sc.dial, &staticReader{}, target, "G1", "s1", WithClock(clock))

	cancel, errc := run(t, m)
	waitFor(t, "attach", func() bool { return target.attachCount() == 1 })
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatal("channel left open after cancel")
	}
}

type noopControlPlane struct{}

func (noopControlPlane) JoinSession(context.Context, string, string, string, string) (domain.Session, error) {
	return domain.Session{}, nil
}

func (noopControlPlane) LeaveSession(context.Context, string, string, string) (domain.Session, error) {
	return domain.Session{}, nil
}

func (noopControlPlane) Command(context.Context, string, string, string, domain.Command) (domain.Session, error) {
	return domain.Session{}, nil
}

func TestResyncReplacesViewAfterReconnect(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	lobby := domain.Session{
		ID:       "s1",
		GroupID:  "G1",
		HostID:   "host",
		GameType: domain.GameQuiz,
		Phase:    domain.PhaseWaiting,
		Version:  2,
		Participants: []domain.Participant{
			{UserID: "host", Status: domain.StatusConnected, ScoreSeq: -1},
			{UserID: "me", Status: domain.StatusConnected, ScoreSeq: -1},
			{UserID: "p2", Status: domain.StatusConnected, ScoreSeq: -1},
		},
	}
	reader := &staticReader{sess: lobby}

	first, second := newFakeChannel(), newFakeChannel()
	sc := newScript(clock, dialResult{ch: first}, dialResult{ch: second})

	c := coordinator.New(context.Background(), noopControlPlane{}, "G1", "s1", "me")
	t.Cleanup(c.Close)
	m := New(sc.dial, reader, c, "G1", "s1", WithClock(clock))
	run(t, m)

	waitFor(t, "connected", func() bool { return c.Current().Connection == coordinator.ConnConnected })
	first.events <- domain.ChatMessage{UserID: "p2", Text: "brb"}
	waitFor(t, "chat", func() bool { return len(c.Current().Chat) == 1 })
	before := c.Current().Revision

	// p2 leaves while this client is offline.
	reader.mu.Lock()
	gone := lobby.Clone()
	gone.Version = 5
	gone.UpdateParticipant("p2", func(p *domain.Participant) { p.Status = domain.StatusLeft })
	reader.sess = gone
	reader.mu.Unlock()

	first.drop(domain.ErrNetwork)
	waitFor(t, "reconnecting", func() bool { return c.Current().Connection == coordinator.ConnReconnecting })
	advance(t, clock, time.Second)

	s := c.Current()
	waitFor(t, "resync", func() bool {
		s = c.Current()
		return s.Connection == coordinator.ConnConnected && s.Session.Version == 5
	})
	if s.Revision <= before {
		t.Fatalf("revision %d did not advance past %d", s.Revision, before)
	}
	if p, _ := s.Session.Participant("p2"); p.Status == domain.StatusConnected {
		t.Fatal("participant that left during the gap is still shown as connected")
	}
}
