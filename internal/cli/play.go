package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"study-game-service/internal/client/controlplane"
	"study-game-service/internal/client/coordinator"
	"study-game-service/internal/client/eventchannel"
	"study-game-service/internal/client/reconnect"
	"study-game-service/internal/config"
	"study-game-service/internal/domain"
	"study-game-service/internal/infra/memory"
)

type playOptions struct {
	baseURL    string
	groupID    string
	sessionID  string
	userID     string
	name       string
	host       bool
	gameType   string
	deckID     string
	questions  int
	start      bool
	autoAnswer bool
}

// NewPlayCmd joins a session as a client and prints every snapshot as a JSON line.
func NewPlayCmd(configPath *string) *cobra.Command {
	opts := playOptions{}
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join (or host) a session and stream its state as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if opts.baseURL == "" {
				opts.baseURL = cfg.Client.BaseURL
			}
			return runPlay(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "url", "", "server base URL (defaults to client.base_url)")
	f.StringVar(&opts.groupID, "group", "", "study group id")
	f.StringVar(&opts.sessionID, "session", "", "session id to join")
	f.StringVar(&opts.userID, "user", "", "user id")
	f.StringVar(&opts.name, "name", "", "display name")
	f.BoolVar(&opts.host, "host", false, "create the session as host")
	f.StringVar(&opts.gameType, "game", string(domain.GameQuiz), "game type when hosting: quiz, flashcard, speed_match")
	f.StringVar(&opts.deckID, "deck", memory.SampleDeckID, "document id when hosting")
	f.IntVar(&opts.questions, "questions", 3, "round count when hosting")
	f.BoolVar(&opts.start, "start", false, "start the session right after connecting (host only)")
	f.BoolVar(&opts.autoAnswer, "auto-answer", false, "answer every round automatically")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runPlay(ctx context.Context, cfg config.Config, opts playOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp := controlplane.New(opts.baseURL, controlplane.WithMaxRetries(cfg.Client.MaxRetries))
	if opts.name == "" {
		opts.name = opts.userID
	}

	if opts.host {
		sess, err := cp.CreateSession(ctx, opts.groupID, controlplane.CreateRequest{
			HostID:     opts.userID,
			HostName:   opts.name,
			GameType:   domain.GameType(opts.gameType),
			DocumentID: opts.deckID,
			Config:     domain.GameConfig{QuestionCount: opts.questions},
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		opts.sessionID = sess.ID
		log.Info().Str("session_id", sess.ID).Str("game_type", string(sess.GameType)).Msg("session created")
	}
	if opts.sessionID == "" {
		return fmt.Errorf("%w: --session is required unless --host is set", domain.ErrInvalid)
	}

	// The coordinator outlives ctx so a final leave can still go through on interrupt.
	coord := coordinator.New(context.Background(), cp, opts.groupID, opts.sessionID, opts.userID, coordinator.WithRules(cfg.Scoring))
	defer coord.Close()

	joined, err := coord.Join(ctx, opts.name)
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}

	eventURL := cp.EventURL(opts.groupID, opts.sessionID, opts.userID)
	dial := func(ctx context.Context) (coordinator.Channel, error) {
		ch, err := eventchannel.Dial(ctx, eventURL, joined.GameType, eventchannel.DefaultConfig())
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	mgr := reconnect.New(dial, cp, coord, opts.groupID, opts.sessionID,
		reconnect.WithMaxAttempts(cfg.Client.ReconnectAttempts),
		reconnect.WithBackOff(reconnect.DefaultInitialInterval, config.TTLDuration(cfg.Client.MaxBackoff, reconnect.DefaultMaxInterval)),
	)

	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(playCtx)

	g.Go(func() error {
		err := mgr.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	snaps, unsubscribe := coord.Subscribe()
	g.Go(func() error {
		defer unsubscribe()
		return playLoop(gctx, coord, snaps, opts, cancel)
	})

	err = g.Wait()

	if cur := coord.Current(); !cur.Left && cur.Session.Phase != domain.PhaseFinished {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		if lerr := coord.Leave(leaveCtx); lerr != nil {
			log.Warn().Err(lerr).Str("session_id", opts.sessionID).Msg("leave failed")
		}
	}
	return err
}

// playLoop prints snapshots and drives the optional host start and auto-answers. It
// returns once the session has finished.
func playLoop(ctx context.Context, coord *coordinator.Coordinator, snaps <-chan coordinator.Snapshot, opts playOptions, done context.CancelFunc) error {
	enc := json.NewEncoder(os.Stdout)
	started := false
	answered := make(map[int]bool)
	var conn coordinator.Connection

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if err := enc.Encode(snap); err != nil {
				return err
			}

			if opts.start && !started && snap.IsHost() && snap.Connection == coordinator.ConnConnected && snap.Session.Phase == domain.PhaseWaiting {
				started = true
				if _, err := coord.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("start failed")
				}
			}

			if round := snap.Session.CurrentRound; opts.autoAnswer && round != nil && snap.Session.Phase == domain.PhaseInProgress && !snap.Answered(round.Seq) {
				if !answered[round.Seq] {
					answered[round.Seq] = true
					sub := autoAnswer(*round)
					if err := coord.Submit(ctx, sub); err != nil {
						log.Warn().Err(err).Int("round", round.Seq).Msg("auto answer failed")
					}
				}
			}

			if snap.Session.Phase == domain.PhaseFinished && snap.Results != nil {
				done()
				return nil
			}
			if snap.Connection == coordinator.ConnFailed && conn != coordinator.ConnFailed {
				log.Error().Str("session_id", opts.sessionID).Msg("connection failed; re-run play to rejoin")
			}
			conn = snap.Connection
		}
	}
}

// autoAnswer produces a correct submission for round, for smoke tests.
func autoAnswer(round domain.Round) domain.AnswerSubmission {
	sub := domain.AnswerSubmission{RoundSeq: round.Seq, Kind: round.Kind, ElapsedMs: 500}
	switch round.Kind {
	case domain.GameQuiz:
		sub.OptionIndex = round.Question.CorrectIndex
	case domain.GameFlashcard:
		sub.KnewIt = true
	case domain.GameSpeedMatch:
		for _, p := range round.Pool.Pairs {
			sub.Matches = append(sub.Matches, domain.Match{TermID: p.TermID, DefinitionID: p.DefinitionID})
		}
	}
	return sub
}
