package scoring

import (
	"errors"
	"testing"
	"time"

	"study-game-service/internal/domain"
)

func quizRound() domain.Round {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return domain.Round{
		Seq:  0,
		Kind: domain.GameQuiz,
		Question: &domain.Question{
			ID:           "q1",
			Prompt:       "What is 2 + 2?",
			Options:      []string{"3", "4", "5"},
			CorrectIndex: 1,
		},
		StartedAt: start,
		Deadline:  start.Add(30 * time.Second),
	}
}

func matchRound() domain.Round {
	return domain.Round{
		Seq:  2,
		Kind: domain.GameSpeedMatch,
		Pool: &domain.PairPool{Pairs: []domain.Pair{
			{TermID: "t1", Term: "H2O", DefinitionID: "d1", Definition: "water"},
			{TermID: "t2", Term: "NaCl", DefinitionID: "d2", Definition: "salt"},
		}},
	}
}

func TestQuizScoring(t *testing.T) {
	engine := NewEngine(DefaultRules())
	round := quizRound()

	cases := []struct {
		name    string
		option  int
		elapsed time.Duration
		want    int
		correct bool
	}{
		{name: "correct at zero elapsed earns base", option: 1, elapsed: 0, want: 1000, correct: true},
		{name: "correct at half time decays linearly", option: 1, elapsed: 15 * time.Second, want: 550, correct: true},
		{name: "correct after deadline earns floor", option: 1, elapsed: 45 * time.Second, want: 100, correct: true},
		{name: "wrong answer earns nothing", option: 0, elapsed: 0, want: 0},
		{name: "wrong answer late earns nothing", option: 2, elapsed: 29 * time.Second, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := domain.AnswerSubmission{UserID: "u1", RoundSeq: 0, Kind: domain.GameQuiz, OptionIndex: tc.option, ElapsedMs: tc.elapsed.Milliseconds()}
			delta, err := engine.Evaluate(round, sub, nil)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if delta.Points != tc.want || delta.Correct != tc.correct {
				t.Fatalf("got points=%d correct=%v, want points=%d correct=%v", delta.Points, delta.Correct, tc.want, tc.correct)
			}
		})
	}
}

func TestQuizFloorNeverNegative(t *testing.T) {
	engine := NewEngine(Rules{QuizBase: 10, QuizFloor: -5})
	sub := domain.AnswerSubmission{UserID: "u1", Kind: domain.GameQuiz, OptionIndex: 1, ElapsedMs: time.Hour.Milliseconds()}
	delta, err := engine.Evaluate(quizRound(), sub, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if delta.Points != 0 {
		t.Fatalf("expected floor clamped to 0, got %d", delta.Points)
	}
}

func TestFlashcardSelfGrade(t *testing.T) {
	engine := NewEngine(DefaultRules())
	round := domain.Round{Seq: 1, Kind: domain.GameFlashcard, Flashcard: &domain.Flashcard{ID: "f1", Front: "mitochondria", Back: "powerhouse"}}

	knew, err := engine.Evaluate(round, domain.AnswerSubmission{UserID: "u1", RoundSeq: 1, Kind: domain.GameFlashcard, KnewIt: true}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if knew.Points != 500 {
		t.Fatalf("expected 500, got %d", knew.Points)
	}

	missed, _ := engine.Evaluate(round, domain.AnswerSubmission{UserID: "u1", RoundSeq: 1, Kind: domain.GameFlashcard}, nil)
	if missed.Points != 0 || missed.Correct {
		t.Fatalf("expected no points, got %+v", missed)
	}
}

func TestSpeedMatchClaimsResolveByArrivalOrder(t *testing.T) {
	engine := NewEngine(DefaultRules())
	round := matchRound()
	claim := []domain.Match{{TermID: "t1", DefinitionID: "d1"}}

	first := domain.AnswerSubmission{UserID: "alice", RoundSeq: 2, Kind: domain.GameSpeedMatch, Matches: claim}
	second := domain.AnswerSubmission{UserID: "bob", RoundSeq: 2, Kind: domain.GameSpeedMatch, Matches: claim, ElapsedMs: 1}

	// Replaying the same arrival order twice must give the same winner.
	for i := 0; i < 2; i++ {
		claims := ClaimBook{}
		d1, err := engine.Evaluate(round, first, claims)
		if err != nil {
			t.Fatalf("first claim: %v", err)
		}
		if d1.Points != 150 || len(d1.Claimed) != 1 {
			t.Fatalf("expected pair points plus bonus, got %+v", d1)
		}
		claims = claims.With(round.Seq, first.UserID, d1.Claimed)

		_, err = engine.Evaluate(round, second, claims)
		if !errors.Is(err, domain.ErrAlreadyClaimed) {
			t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
		}
	}
}

func TestSpeedMatchBonusOnlyForFirstClaimant(t *testing.T) {
	engine := NewEngine(DefaultRules())
	round := matchRound()
	claims := ClaimBook{}.With(round.Seq, "alice", []string{"t1"})

	sub := domain.AnswerSubmission{UserID: "bob", RoundSeq: 2, Kind: domain.GameSpeedMatch, Matches: []domain.Match{
		{TermID: "t2", DefinitionID: "d2"},
		{TermID: "t1", DefinitionID: "d2"}, // wrong definition, ignored
	}}
	delta, err := engine.Evaluate(round, sub, claims)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if delta.Points != 100 || len(delta.Claimed) != 1 || delta.Claimed[0] != "t2" {
		t.Fatalf("unexpected delta %+v", delta)
	}
}

func TestEvaluateRejectsMismatchedRound(t *testing.T) {
	engine := NewEngine(DefaultRules())
	_, err := engine.Evaluate(quizRound(), domain.AnswerSubmission{UserID: "u1", RoundSeq: 3, Kind: domain.GameQuiz}, nil)
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for wrong seq, got %v", err)
	}
	_, err = engine.Evaluate(quizRound(), domain.AnswerSubmission{UserID: "u1", Kind: domain.GameFlashcard}, nil)
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for wrong kind, got %v", err)
	}
}

func TestClaimBookWithDoesNotMutate(t *testing.T) {
	base := ClaimBook{}.With(0, "alice", []string{"t1"})
	next := base.With(0, "bob", []string{"t2"})
	if base.ClaimCount(0) != 1 {
		t.Fatalf("expected original book untouched, got %d claims", base.ClaimCount(0))
	}
	if next.ClaimCount(0) != 2 {
		t.Fatalf("expected 2 claims in copy, got %d", next.ClaimCount(0))
	}
}
