package controlplane

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"study-game-service/internal/app"
	"study-game-service/internal/domain"
	"study-game-service/internal/infra/memory"
	transport "study-game-service/internal/transport/http"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newWrappedServer(t, func(h http.Handler) http.Handler { return h })
}

// newWrappedServer serves the real router behind wrap.
func newWrappedServer(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	decks := memory.NewDeckRepository(memory.NewStaticDeckLoader(map[string]domain.Deck{
		memory.SampleDeckID: memory.SampleDeck(),
	}), time.Minute)
	service := app.NewGameService(memory.NewSessionStore(), decks, memory.NewResultStore())
	server := httptest.NewServer(wrap(transport.NewRouter(service, transport.DefaultWSConfig())))
	t.Cleanup(func() {
		server.Close()
		service.Shutdown()
	})
	return server
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)
	c := New(server.URL, WithBackOff(noWait))

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	snap, err := c.CreateSession(ctx, "G1", CreateRequest{HostID: "host", HostName: "Host", GameType: domain.GameQuiz, DocumentID: memory.SampleDeckID, Config: domain.GameConfig{QuestionCount: 3}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	joined, err := c.JoinSession(ctx, "G1", snap.ID, "p1", "Player One")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	again, err := c.JoinSession(ctx, "G1", snap.ID, "p1", "Player One")
	if err != nil || again.Version != joined.Version {
		t.Fatalf("expected idempotent join, got version %d vs %d (%v)", again.Version, joined.Version, err)
	}

	_, err = c.PauseSession(ctx, "G1", snap.ID, "p1")
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	var cpErr *Error
	if !errors.As(err, &cpErr) || cpErr.Kind != KindServerRejected || cpErr.Status != http.StatusForbidden {
		t.Fatalf("expected server rejection, got %#v", err)
	}
	if _, err := c.PauseSession(ctx, "G1", snap.ID, "host"); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}

	started, err := c.StartSession(ctx, "G1", snap.ID, "host")
	if err != nil || started.Phase == domain.PhaseWaiting {
		t.Fatalf("start: %v phase=%s", err, started.Phase)
	}
	list, err := c.ListSessions(ctx, "G1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %d", err, len(list))
	}
	got, err := c.GetSession(ctx, "G1", snap.ID)
	if err != nil || got.ID != snap.ID {
		t.Fatalf("get: %v", err)
	}

	left, err := c.LeaveSession(ctx, "G1", snap.ID, "p1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if p, _ := left.Participant("p1"); p.Status != domain.StatusLeft {
		t.Fatalf("expected p1 left, got %s", p.Status)
	}
	if _, err := c.LeaveSession(ctx, "G1", snap.ID, "p1"); err != nil {
		t.Fatalf("second leave should be a no-op, got %v", err)
	}

	if _, err := c.EndSession(ctx, "G1", snap.ID, "host"); err != nil {
		t.Fatalf("end: %v", err)
	}
	res, err := c.GetResults(ctx, "G1", snap.ID)
	if err != nil || len(res.Entries) != 2 {
		t.Fatalf("results: %v %+v", err, res)
	}

	if _, err := c.JoinSession(ctx, "G1", "nope", "p2", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadModelsDefaultWhenEmpty(t *testing.T) {
	ctx := context.Background()
	c := New(newServer(t).URL, WithBackOff(noWait))

	stats, err := c.GetUserStats(ctx, "ghost")
	if err != nil || stats.GamesPlayed != 0 {
		t.Fatalf("stats: %v %+v", err, stats)
	}
	history, err := c.GetUserHistory(ctx, "ghost", 5)
	if err != nil || history == nil || len(history) != 0 {
		t.Fatalf("history: %v %v", err, history)
	}
	board, err := c.GetLeaderboard(ctx, "G1", domain.GameSpeedMatch, 10)
	if err != nil || len(board) != 0 {
		t.Fatalf("leaderboard: %v %v", err, board)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"status":"ok"}}`))
	}))
	defer server.Close()

	c := New(server.URL, WithBackOff(noWait), WithMaxRetries(3))
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(server.URL, WithBackOff(noWait), WithMaxRetries(2))
	err := c.Health(context.Background())
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", calls.Load())
	}
}

func TestRejectionsAndDecodeFailuresAreNotRetried(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
		want error
	}{
		{name: "conflict", body: `{"success":false,"message":"taken","code":"conflict"}`, code: http.StatusConflict, want: domain.ErrConflict},
		{name: "invalid phase", body: `{"success":false,"message":"nope","code":"invalid_phase"}`, code: http.StatusConflict, want: domain.ErrInvalidPhase},
		{name: "garbage body", body: `<html>`, code: http.StatusOK, want: domain.ErrDecode},
		{name: "wrong data shape", body: `{"success":true,"data":"text"}`, code: http.StatusOK, want: domain.ErrDecode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			c := New(server.URL, WithBackOff(noWait))
			_, err := c.GetSession(context.Background(), "G1", "s1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if calls.Load() != 1 {
				t.Fatalf("expected a single attempt, got %d", calls.Load())
			}
		})
	}
}

// failFirst makes the first request whose path ends in suffix fail with 503. When apply is
// set the request still reaches the router first, as if only the reply were lost.
func failFirst(suffix string, apply bool) func(http.Handler) http.Handler {
	var failed atomic.Bool
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, suffix) && failed.CompareAndSwap(false, true) {
				if apply {
					next.ServeHTTP(httptest.NewRecorder(), r)
				}
				http.Error(w, "reply lost", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestRetriedCommandThatAlreadyLandedSucceeds(t *testing.T) {
	ctx := context.Background()
	server := newWrappedServer(t, failFirst("/start", true))
	c := New(server.URL, WithBackOff(noWait))

	snap, err := c.CreateSession(ctx, "G1", CreateRequest{HostID: "host", GameType: domain.GameQuiz, DocumentID: memory.SampleDeckID, Config: domain.GameConfig{QuestionCount: 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	started, err := c.StartSession(ctx, "G1", snap.ID, "host")
	if err != nil {
		t.Fatalf("expected the applied start to be reported as success, got %v", err)
	}
	if started.StartedAt == nil || started.Phase == domain.PhaseWaiting {
		t.Fatalf("expected a started session, got phase %s", started.Phase)
	}
}

func TestRetriedCommandStillRejectedWhenNotApplied(t *testing.T) {
	ctx := context.Background()
	server := newWrappedServer(t, failFirst("/pause", false))
	c := New(server.URL, WithBackOff(noWait))

	snap, err := c.CreateSession(ctx, "G1", CreateRequest{HostID: "host", GameType: domain.GameQuiz, DocumentID: memory.SampleDeckID, Config: domain.GameConfig{QuestionCount: 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.PauseSession(ctx, "G1", snap.ID, "host"); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase for a pause while waiting, got %v", err)
	}
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := New(url, WithBackOff(noWait), WithMaxRetries(1))
	err := c.Health(context.Background())
	var cpErr *Error
	if !errors.As(err, &cpErr) || cpErr.Kind != KindNetwork || !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestEventURL(t *testing.T) {
	c := New("https://games.example.com/")
	want := "wss://games.example.com/groups/G1/sessions/s%201/ws?userId=u1"
	if got := c.EventURL("G1", "s 1", "u1"); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
