// Package scoring evaluates answer submissions against a round's answer key.
// Everything here is pure: callers own claim state and apply results in arrival order.
package scoring

import (
	"fmt"
	"time"

	"study-game-service/internal/domain"
)

// Rules are the point values used by Engine.
type Rules struct {
	QuizBase        int `yaml:"quiz_base"`
	QuizFloor       int `yaml:"quiz_floor"`
	FlashcardPoints int `yaml:"flashcard_points"`
	PairPoints      int `yaml:"pair_points"`
	FirstClaimBonus int `yaml:"first_claim_bonus"`
}

// DefaultRules returns the standard point table.
func DefaultRules() Rules {
	return Rules{
		QuizBase:        1000,
		QuizFloor:       100,
		FlashcardPoints: 500,
		PairPoints:      100,
		FirstClaimBonus: 50,
	}
}

// Delta is the outcome of evaluating one submission.
type Delta struct {
	Correct bool
	Points  int
	// Claimed lists term ids won by a speed-match submission.
	Claimed []string
}

// ClaimBook maps round seq -> term id -> claiming user id.
type ClaimBook map[int]map[string]string

// Owner returns who holds termID in round seq.
func (c ClaimBook) Owner(seq int, termID string) (string, bool) {
	owner, ok := c[seq][termID]
	return owner, ok
}

// ClaimCount is the number of claimed pairs in round seq.
func (c ClaimBook) ClaimCount(seq int) int {
	return len(c[seq])
}

// With returns a copy of c with the delta's claims recorded for userID.
func (c ClaimBook) With(seq int, userID string, termIDs []string) ClaimBook {
	out := c.Clone()
	if len(termIDs) == 0 {
		return out
	}
	if out[seq] == nil {
		out[seq] = make(map[string]string, len(termIDs))
	}
	for _, id := range termIDs {
		out[seq][id] = userID
	}
	return out
}

// Clone deep-copies the book.
func (c ClaimBook) Clone() ClaimBook {
	out := make(ClaimBook, len(c))
	for seq, claims := range c {
		inner := make(map[string]string, len(claims))
		for k, v := range claims {
			inner[k] = v
		}
		out[seq] = inner
	}
	return out
}

// Engine scores submissions with a fixed rule set.
type Engine struct {
	rules Rules
}

func NewEngine(rules Rules) Engine {
	return Engine{rules: rules}
}

// Rules exposes the active point table.
func (e Engine) Rules() Rules {
	return e.rules
}

// Evaluate scores sub against round. claims must reflect every submission accepted
// before this one, in arrival order.
func (e Engine) Evaluate(round domain.Round, sub domain.AnswerSubmission, claims ClaimBook) (Delta, error) {
	if sub.RoundSeq != round.Seq {
		return Delta{}, fmt.Errorf("%w: submission for round %d evaluated against round %d", domain.ErrInvalid, sub.RoundSeq, round.Seq)
	}
	if sub.Kind != round.Kind {
		return Delta{}, fmt.Errorf("%w: %s submission for %s round", domain.ErrInvalid, sub.Kind, round.Kind)
	}
	if err := round.Validate(); err != nil {
		return Delta{}, err
	}

	switch round.Kind {
	case domain.GameQuiz:
		return e.quiz(round, sub), nil
	case domain.GameFlashcard:
		return e.flashcard(sub), nil
	default:
		return e.speedMatch(round, sub, claims)
	}
}

func (e Engine) quiz(round domain.Round, sub domain.AnswerSubmission) Delta {
	if sub.OptionIndex != round.Question.CorrectIndex {
		return Delta{}
	}
	return Delta{Correct: true, Points: e.decayed(sub.Elapsed(), round.Duration())}
}

// decayed interpolates linearly from QuizBase at zero elapsed to QuizFloor at the deadline.
func (e Engine) decayed(elapsed, limit time.Duration) int {
	base, floor := e.rules.QuizBase, e.rules.QuizFloor
	if floor > base {
		floor = base
	}
	if floor < 0 {
		floor = 0
	}
	if elapsed <= 0 || limit <= 0 {
		return base
	}
	if elapsed >= limit {
		return floor
	}
	span := float64(base - floor)
	points := base - int(span*float64(elapsed)/float64(limit))
	if points < floor {
		return floor
	}
	return points
}

func (e Engine) flashcard(sub domain.AnswerSubmission) Delta {
	if !sub.KnewIt {
		return Delta{}
	}
	return Delta{Correct: true, Points: e.rules.FlashcardPoints}
}

// speedMatch awards PairPoints per correct match. The first participant to claim any
// pair in the round also earns FirstClaimBonus per pair. A correct match on a pair held
// by someone else rejects the whole submission.
func (e Engine) speedMatch(round domain.Round, sub domain.AnswerSubmission, claims ClaimBook) (Delta, error) {
	seen := make(map[string]bool, len(sub.Matches))
	var won []string
	for _, m := range sub.Matches {
		if seen[m.TermID] {
			return Delta{}, fmt.Errorf("%w: term %s matched twice", domain.ErrInvalid, m.TermID)
		}
		seen[m.TermID] = true

		pair, ok := round.Pool.Find(m.TermID)
		if !ok || pair.DefinitionID != m.DefinitionID {
			continue
		}
		if owner, taken := claims.Owner(round.Seq, m.TermID); taken && owner != sub.UserID {
			return Delta{}, fmt.Errorf("%w: %s held by %s", domain.ErrAlreadyClaimed, m.TermID, owner)
		}
		won = append(won, m.TermID)
	}
	if len(won) == 0 {
		return Delta{}, nil
	}

	per := e.rules.PairPoints
	if claims.ClaimCount(round.Seq) == 0 {
		per += e.rules.FirstClaimBonus
	}
	return Delta{Correct: true, Points: per * len(won), Claimed: won}, nil
}
