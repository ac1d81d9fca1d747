package domain

import (
	"sort"
	"time"
)

// LeaderboardEntry is a ranked, snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	Rank        int              `json:"rank"`
	UserID      string           `json:"userId"`
	DisplayName string           `json:"displayName"`
	Score       int              `json:"score"`
	ScoredAt    time.Time        `json:"scoredAt"`
	Status      ConnectionStatus `json:"status"`
}

// Results is the final (or current) ranking of a session.
type Results struct {
	SessionID  string             `json:"sessionId"`
	GroupID    string             `json:"groupId"`
	GameType   GameType           `json:"gameType"`
	Entries    []LeaderboardEntry `json:"entries"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
}

// Winner returns the top entry, if any.
func (r Results) Winner() (LeaderboardEntry, bool) {
	if len(r.Entries) == 0 {
		return LeaderboardEntry{}, false
	}
	return r.Entries[0], true
}

// Rank orders participants by score desc, then by who reached that score first,
// then display name and user id. Participants that have left are kept.
func Rank(participants []Participant) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		entries = append(entries, LeaderboardEntry{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Score:       p.Score,
			ScoredAt:    p.ScoredAt,
			Status:      p.Status,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		// Zero ScoredAt means "never scored" and sorts last.
		if !a.ScoredAt.Equal(b.ScoredAt) {
			if a.ScoredAt.IsZero() {
				return false
			}
			if b.ScoredAt.IsZero() {
				return true
			}
			return a.ScoredAt.Before(b.ScoredAt)
		}
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.UserID < b.UserID
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// ResultsFor ranks the session's participants.
func ResultsFor(s Session) Results {
	res := Results{
		SessionID: s.ID,
		GroupID:   s.GroupID,
		GameType:  s.GameType,
		Entries:   Rank(s.Participants),
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		res.FinishedAt = &t
	}
	return res
}
