package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"study-game-service/internal/domain"
)

// ResultStore keeps finished-session results in memory and derives stats from them.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]domain.Results
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]domain.Results)}
}

func (s *ResultStore) SaveResults(_ context.Context, results domain.Results) error {
	if results.SessionID == "" {
		return fmt.Errorf("%w: results without session id", domain.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	results.Entries = append([]domain.LeaderboardEntry(nil), results.Entries...)
	s.results[results.SessionID] = results
	return nil
}

func (s *ResultStore) Results(_ context.Context, sessionID string) (domain.Results, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[sessionID]
	if !ok {
		return domain.Results{}, fmt.Errorf("%w: results for %s", domain.ErrNotFound, sessionID)
	}
	res.Entries = append([]domain.LeaderboardEntry(nil), res.Entries...)
	return res, nil
}

func (s *ResultStore) UserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	history, err := s.UserHistory(ctx, userID, 0)
	if err != nil {
		return domain.UserStats{}, err
	}
	stats := domain.UserStats{UserID: userID, GamesPlayed: len(history)}
	for _, h := range history {
		stats.TotalScore += h.Score
		if h.Score > stats.BestScore {
			stats.BestScore = h.Score
		}
		if h.Rank == 1 {
			stats.Wins++
		}
	}
	if stats.GamesPlayed > 0 {
		stats.AverageScore = float64(stats.TotalScore) / float64(stats.GamesPlayed)
	}
	return stats, nil
}

// UserHistory returns the user's games, newest first. limit <= 0 means no limit.
func (s *ResultStore) UserHistory(_ context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.HistoryEntry
	for _, res := range s.results {
		for _, e := range res.Entries {
			if e.UserID != userID {
				continue
			}
			out = append(out, domain.HistoryEntry{
				SessionID:  res.SessionID,
				GroupID:    res.GroupID,
				GameType:   res.GameType,
				Score:      e.Score,
				Rank:       e.Rank,
				Players:    len(res.Entries),
				FinishedAt: finishedAt(res),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.After(out[j].FinishedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GroupLeaderboard aggregates finished sessions in the group by total score.
func (s *ResultStore) GroupLeaderboard(_ context.Context, groupID string, gameType domain.GameType, limit int) ([]domain.GroupStanding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[string]*domain.GroupStanding)
	for _, res := range s.results {
		if res.GroupID != groupID || (gameType != "" && res.GameType != gameType) {
			continue
		}
		for _, e := range res.Entries {
			st, ok := byUser[e.UserID]
			if !ok {
				st = &domain.GroupStanding{UserID: e.UserID}
				byUser[e.UserID] = st
			}
			st.DisplayName = e.DisplayName
			st.TotalScore += e.Score
			st.GamesPlayed++
			if e.Rank == 1 {
				st.Wins++
			}
		}
	}

	out := make([]domain.GroupStanding, 0, len(byUser))
	for _, st := range byUser {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		return a.UserID < b.UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func finishedAt(res domain.Results) time.Time {
	if res.FinishedAt == nil {
		return time.Time{}
	}
	return *res.FinishedAt
}
