package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"study-game-service/internal/domain"
)

func TestDeckRepositoryCaches(t *testing.T) {
	loader := &countingLoader{DeckLoader: NewStaticDeckLoader(map[string]domain.Deck{"deck-1": SampleDeck()})}
	repo := NewDeckRepository(loader, time.Minute)

	if _, err := repo.GetDeck(context.Background(), "deck-1"); err != nil {
		t.Fatalf("get deck: %v", err)
	}
	if _, err := repo.GetDeck(context.Background(), "deck-1"); err != nil {
		t.Fatalf("get deck 2: %v", err)
	}
	if n := loader.calls.Load(); n != 1 {
		t.Fatalf("expected cache hit, loader calls %d", n)
	}
}

func TestDeckRepositoryExpires(t *testing.T) {
	loader := &countingLoader{DeckLoader: NewStaticDeckLoader(map[string]domain.Deck{"deck-1": SampleDeck()})}
	repo := NewDeckRepository(loader, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.clock = func() time.Time { return now }

	_, _ = repo.GetDeck(context.Background(), "deck-1")
	now = now.Add(2 * time.Minute)
	_, _ = repo.GetDeck(context.Background(), "deck-1")
	if n := loader.calls.Load(); n != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", n)
	}
}

func TestDeckRepositoryMissingDeck(t *testing.T) {
	repo := NewDeckRepository(NewStaticDeckLoader(nil), time.Minute)
	_, err := repo.GetDeck(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type countingLoader struct {
	DeckLoader
	calls atomic.Int32
}

func (l *countingLoader) LoadDeck(ctx context.Context, deckID string) (domain.Deck, error) {
	l.calls.Add(1)
	return l.DeckLoader.LoadDeck(ctx, deckID)
}
