package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"study-game-service/internal/domain"
)

// ResultStore persists finished-session leaderboards and serves the stats read models.
type ResultStore struct {
	pool *pgxpool.Pool
}

func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// SaveResults writes a session's results. Saving the same session again replaces its entries.
func (s *ResultStore) SaveResults(ctx context.Context, results domain.Results) error {
	finished := time.Now().UTC()
	if results.FinishedAt != nil {
		finished = *results.FinishedAt
	}

	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO session_results (session_id, group_id, game_type, players, finished_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id) DO UPDATE SET players=EXCLUDED.players, finished_at=EXCLUDED.finished_at`,
			results.SessionID, results.GroupID, string(results.GameType), len(results.Entries), finished)
		if err != nil {
			return fmt.Errorf("save session result: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM result_entries WHERE session_id=$1`, results.SessionID); err != nil {
			return fmt.Errorf("clear result entries: %w", err)
		}

		batch := &pgx.Batch{}
		for _, e := range results.Entries {
			var scoredAt *time.Time
			if !e.ScoredAt.IsZero() {
				t := e.ScoredAt
				scoredAt = &t
			}
			batch.Queue(`
				INSERT INTO result_entries (session_id, user_id, display_name, rank, score, scored_at, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				results.SessionID, e.UserID, e.DisplayName, e.Rank, e.Score, scoredAt, string(e.Status))
		}
		br := tx.SendBatch(ctx, batch)
		for range results.Entries {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("save result entry: %w", err)
			}
		}
		return br.Close()
	})
}

func (s *ResultStore) Results(ctx context.Context, sessionID string) (domain.Results, error) {
	res := domain.Results{SessionID: sessionID}
	var gameType string
	var finished time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT group_id, game_type, finished_at FROM session_results WHERE session_id=$1`, sessionID).
		Scan(&res.GroupID, &gameType, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Results{}, fmt.Errorf("%w: results for %s", domain.ErrNotFound, sessionID)
	}
	if err != nil {
		return domain.Results{}, fmt.Errorf("load results: %w", err)
	}
	res.GameType = domain.GameType(gameType)
	res.FinishedAt = &finished

	rows, err := s.pool.Query(ctx, `
		SELECT rank, user_id, display_name, score, scored_at, status
		FROM result_entries WHERE session_id=$1 ORDER BY rank`, sessionID)
	if err != nil {
		return domain.Results{}, fmt.Errorf("load result entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.LeaderboardEntry
		var scoredAt *time.Time
		var status string
		if err := rows.Scan(&e.Rank, &e.UserID, &e.DisplayName, &e.Score, &scoredAt, &status); err != nil {
			return domain.Results{}, fmt.Errorf("scan result entry: %w", err)
		}
		if scoredAt != nil {
			e.ScoredAt = *scoredAt
		}
		e.Status = domain.ConnectionStatus(status)
		res.Entries = append(res.Entries, e)
	}
	return res, rows.Err()
}

func (s *ResultStore) UserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	stats := domain.UserStats{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE rank = 1),
		       COALESCE(sum(score), 0),
		       COALESCE(max(score), 0)
		FROM result_entries WHERE user_id=$1`, userID).
		Scan(&stats.GamesPlayed, &stats.Wins, &stats.TotalScore, &stats.BestScore)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("load user stats: %w", err)
	}
	if stats.GamesPlayed > 0 {
		stats.AverageScore = float64(stats.TotalScore) / float64(stats.GamesPlayed)
	}
	return stats, nil
}

// UserHistory returns the user's games, newest first. limit <= 0 means no limit.
func (s *ResultStore) UserHistory(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.session_id, r.group_id, r.game_type, e.score, e.rank, r.players, r.finished_at
		FROM result_entries e JOIN session_results r USING (session_id)
		WHERE e.user_id=$1
		ORDER BY r.finished_at DESC, r.session_id
		LIMIT $2`, userID, lim)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var gameType string
		if err := rows.Scan(&h.SessionID, &h.GroupID, &gameType, &h.Score, &h.Rank, &h.Players, &h.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.GameType = domain.GameType(gameType)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *ResultStore) GroupLeaderboard(ctx context.Context, groupID string, gameType domain.GameType, limit int) ([]domain.GroupStanding, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT e.user_id,
		       (array_agg(e.display_name ORDER BY r.finished_at DESC))[1],
		       sum(e.score),
		       count(*),
		       count(*) FILTER (WHERE e.rank = 1)
		FROM result_entries e JOIN session_results r USING (session_id)
		WHERE r.group_id=$1 AND ($2 = '' OR r.game_type = $2)
		GROUP BY e.user_id
		ORDER BY sum(e.score) DESC, count(*) FILTER (WHERE e.rank = 1) DESC, e.user_id
		LIMIT $3`, groupID, string(gameType), lim)
	if err != nil {
		return nil, fmt.Errorf("load group leaderboard: %w", err)
	}
	defer rows.Close()

	var out []domain.GroupStanding
	for rows.Next() {
		var st domain.GroupStanding
		if err := rows.Scan(&st.UserID, &st.DisplayName, &st.TotalScore, &st.GamesPlayed, &st.Wins); err != nil {
			return nil, fmt.Errorf("scan standing: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
