package cli

import (
	"testing"

	"study-game-service/internal/domain"
	"study-game-service/internal/infra/memory"
	"study-game-service/internal/scoring"
)

func TestAutoAnswerScoresEveryVariant(t *testing.T) {
	engine := scoring.NewEngine(scoring.DefaultRules())
	deck := memory.SampleDeck()

	for _, gt := range []domain.GameType{domain.GameQuiz, domain.GameFlashcard, domain.GameSpeedMatch} {
		t.Run(string(gt), func(t *testing.T) {
			rounds := deck.Rounds(gt, 1)
			if len(rounds) == 0 {
				t.Fatalf("sample deck has no %s rounds", gt)
			}
			sub := autoAnswer(rounds[0])
			sub.UserID = "bot"
			if err := domain.ValidateAction(mustAction(t, sub), gt); err != nil {
				t.Fatalf("auto answer is not a valid %s action: %v", gt, err)
			}
			delta, err := engine.Evaluate(rounds[0], sub, nil)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if !delta.Correct || delta.Points == 0 {
				t.Fatalf("expected a scoring answer, got %+v", delta)
			}
		})
	}
}

func mustAction(t *testing.T, sub domain.AnswerSubmission) domain.Action {
	t.Helper()
	a, err := domain.ActionFromSubmission(sub)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	return a
}
