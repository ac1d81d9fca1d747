package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"study-game-service/internal/app"
	"study-game-service/internal/domain"
	"study-game-service/internal/infra/memory"
	pgstore "study-game-service/internal/infra/postgres"
	pgmigrations "study-game-service/internal/infra/postgres/migrations"
	infraredis "study-game-service/internal/infra/redis"
)

const group = "G-int"

type backends struct {
	pool  *pgxpool.Pool
	redis *goredis.Client
}

func setup(t *testing.T) backends {
	t.Helper()
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	t.Cleanup(pgCleanup)
	redisURL, redisCleanup := startRedis(t, ctx)
	t.Cleanup(redisCleanup)

	migrateSchema(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pgstore.NewDeckLoader(pool).SaveDeck(ctx, memory.SampleDeck()); err != nil {
		t.Fatalf("seed deck: %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = redisClient.Close() })
	return backends{pool: pool, redis: redisClient}
}

func (b backends) service(t *testing.T, clock clockwork.Clock) *app.GameService {
	t.Helper()
	decks := infraredis.NewDeckRepository(b.redis, pgstore.NewDeckLoader(b.pool), 5*time.Minute)
	store := infraredis.NewSessionStore(b.redis, 5*time.Minute)
	svc := app.NewGameService(store, decks, pgstore.NewResultStore(b.pool), app.WithClock(clock))
	t.Cleanup(svc.Shutdown)
	return svc
}

func TestQuizResultsReachPostgres(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	svc := b.service(t, clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)))

	snap, err := svc.Create(ctx, app.CreateRequest{
		GroupID:    group,
		HostID:     "u1",
		HostName:   "Alice",
		GameType:   domain.GameQuiz,
		DocumentID: memory.SampleDeckID,
		Config:     domain.GameConfig{QuestionCount: 1, RoundSeconds: 30},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Join(ctx, group, snap.ID, "u2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	started, err := svc.Start(ctx, group, snap.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Phase != domain.PhaseInProgress {
		t.Fatalf("expected immediate start without countdown, got %s", started.Phase)
	}

	correct := started.CurrentRound.Question.CorrectIndex
	if _, err := svc.SubmitAnswer(ctx, group, snap.ID, domain.AnswerSubmission{UserID: "u2", Kind: domain.GameQuiz, OptionIndex: correct}); err != nil {
		t.Fatalf("submit u2: %v", err)
	}
	if _, err := svc.SubmitAnswer(ctx, group, snap.ID, domain.AnswerSubmission{UserID: "u1", Kind: domain.GameQuiz, OptionIndex: correct + 1}); err != nil {
		t.Fatalf("submit u1: %v", err)
	}

	results := pgstore.NewResultStore(b.pool)
	deadline := time.Now().Add(10 * time.Second)
	var res domain.Results
	for {
		res, err = results.Results(ctx, snap.ID)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("results never saved: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(res.Entries) != 2 || res.Entries[0].UserID != "u2" || res.Entries[0].Score != 1000 {
		t.Fatalf("expected bob leading with 1000, got %+v", res.Entries)
	}

	stats, err := results.UserStats(ctx, "u2")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.GamesPlayed != 1 || stats.Wins != 1 || stats.BestScore != 1000 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	board, err := results.GroupLeaderboard(ctx, group, domain.GameQuiz, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 || board[0].UserID != "u2" {
		t.Fatalf("unexpected group leaderboard %+v", board)
	}
}

func TestRunningSessionComesBackPausedAfterRestart(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC))
	first := b.service(t, clock)

	snap, err := first.Create(ctx, app.CreateRequest{
		GroupID:    group,
		HostID:     "u1",
		GameType:   domain.GameFlashcard,
		DocumentID: memory.SampleDeckID,
		Config:     domain.GameConfig{QuestionCount: 2, RoundSeconds: 30},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := first.Join(ctx, group, snap.ID, "u2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := first.Start(ctx, group, snap.ID, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := first.SubmitAnswer(ctx, group, snap.ID, domain.AnswerSubmission{UserID: "u2", Kind: domain.GameFlashcard, KnewIt: true}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	first.Shutdown()

	// A fresh process shares only Redis and Postgres with the first one.
	second := b.service(t, clock)
	got, err := second.Get(ctx, group, snap.ID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got.Phase != domain.PhasePaused {
		t.Fatalf("expected paused after restart, got %s", got.Phase)
	}
	if p, _ := got.Participant("u2"); p.Score != 500 || p.Status != domain.StatusDisconnected {
		t.Fatalf("unexpected participant after restart %+v", p)
	}

	_, err = second.SubmitAnswer(ctx, group, snap.ID, domain.AnswerSubmission{UserID: "u2", Kind: domain.GameFlashcard, KnewIt: true})
	if err == nil {
		t.Fatal("answer accepted while paused")
	}
	if _, err := second.Resume(ctx, group, snap.ID, "u1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	_, err = second.SubmitAnswer(ctx, group, snap.ID, domain.AnswerSubmission{UserID: "u2", Kind: domain.GameFlashcard, KnewIt: true})
	if domain.Code(err) != "conflict" {
		t.Fatalf("expected a second answer for the round to conflict, got %v", err)
	}

	active, err := second.List(ctx, group)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != snap.ID {
		t.Fatalf("expected the restored session listed, got %d", len(active))
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "game", "POSTGRES_PASSWORD": "gamepass", "POSTGRES_DB": "gamedb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://game:gamepass@%s:%s/gamedb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
