package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"study-game-service/internal/domain"
)

// DeckLoader fetches study content from a backing store (e.g., document DB).
type DeckLoader interface {
	LoadDeck(ctx context.Context, deckID string) (domain.Deck, error)
}

// DeckRepository caches decks with TTL to avoid repeated DB hits.
type DeckRepository struct {
	loader DeckLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedDeck
}

type cachedDeck struct {
	deck      domain.Deck
	expiresAt time.Time
}

func NewDeckRepository(loader DeckLoader, ttl time.Duration) *DeckRepository {
	return &DeckRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedDeck),
	}
}

func (r *DeckRepository) GetDeck(ctx context.Context, deckID string) (domain.Deck, error) {
	if deck, ok := r.cached(deckID); ok {
		return deck, nil
	}

	result, err, _ := r.sf.Do(deckID, func() (interface{}, error) {
		if deck, ok := r.cached(deckID); ok {
			return deck, nil
		}
		deck, err := r.loader.LoadDeck(ctx, deckID)
		if err != nil {
			return domain.Deck{}, err
		}

		r.mu.Lock()
		r.cache[deckID] = cachedDeck{deck: deck, expiresAt: r.clock().Add(r.ttlWithJitterLocked())}
		r.mu.Unlock()
		return deck, nil
	})
	if err != nil {
		return domain.Deck{}, err
	}
	return result.(domain.Deck), nil
}

func (r *DeckRepository) cached(deckID string) (domain.Deck, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[deckID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return domain.Deck{}, false
	}
	return entry.deck, true
}

// add up to 10% jitter to spread expirations
func (r *DeckRepository) ttlWithJitterLocked() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticDeckLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticDeckLoader struct {
	decks map[string]domain.Deck
}

func NewStaticDeckLoader(decks map[string]domain.Deck) *StaticDeckLoader {
	return &StaticDeckLoader{decks: decks}
}

func (l *StaticDeckLoader) LoadDeck(_ context.Context, deckID string) (domain.Deck, error) {
	if deck, ok := l.decks[deckID]; ok {
		return deck, nil
	}
	return domain.Deck{}, fmt.Errorf("%w: document %s", domain.ErrNotFound, deckID)
}
