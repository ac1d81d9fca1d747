package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"study-game-service/internal/app"
	"study-game-service/internal/config"
	"study-game-service/internal/domain"
	"study-game-service/internal/infra/memory"
	pgstore "study-game-service/internal/infra/postgres"
	redisstore "study-game-service/internal/infra/redis"
	transport "study-game-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 30*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.DeckLoader = memory.NewStaticDeckLoader(map[string]domain.Deck{memory.SampleDeckID: memory.SampleDeck()})
	var results app.ResultStore = memory.NewResultStore()
	if pool != nil {
		loader = pgstore.NewDeckLoader(pool)
		results = pgstore.NewResultStore(pool)
	}

	deckTTL := config.TTLDuration(cfg.Deck.TTL, 10*time.Minute)
	var decks app.DeckRepository
	var store app.SessionRepository
	if redisClient != nil {
		decks = redisstore.NewDeckRepository(redisClient, loader, deckTTL)
		store = redisstore.NewSessionStore(redisClient, redisTTL)
	} else {
		decks = memory.NewDeckRepository(loader, deckTTL)
		store = memory.NewSessionStore()
	}

	service := app.NewGameService(store, decks, results,
		app.WithRules(cfg.Scoring),
		app.WithGameDefaults(domain.GameConfig{
			RoundSeconds:     cfg.Game.RoundSeconds,
			MaxParticipants:  cfg.Game.MaxParticipants,
			CountdownSeconds: cfg.Game.CountdownSeconds,
		}),
	)
	wsCfg := transport.DefaultWSConfig()
	wsCfg.PingInterval = config.TTLDuration(cfg.Server.PingInterval, wsCfg.PingInterval)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(service, wsCfg),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Bool("redis", redisClient != nil).Bool("postgres", pool != nil).Msg("starting game service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		service.Shutdown()
		return err
	})
	return g.Wait()
}
