package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"study-game-service/internal/domain"
)

// DeckLoader fetches study content from a backing store (e.g., document DB).
type DeckLoader interface {
	LoadDeck(ctx context.Context, deckID string) (domain.Deck, error)
}

// DeckRepository caches decks in Redis as JSON under deck:{id} and falls back to a
// loader on cache miss.
type DeckRepository struct {
	client *redis.Client
	loader DeckLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewDeckRepository(client *redis.Client, loader DeckLoader, ttl time.Duration) *DeckRepository {
	return &DeckRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *DeckRepository) GetDeck(ctx context.Context, deckID string) (domain.Deck, error) {
	if deck, ok := r.cached(ctx, deckID); ok {
		return deck, nil
	}

	result, err, _ := r.sf.Do(deckID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if deck, ok := r.cached(ctx, deckID); ok {
			return deck, nil
		}
		deck, err := r.loader.LoadDeck(ctx, deckID)
		if err != nil {
			return domain.Deck{}, err
		}

		raw, err := json.Marshal(deck)
		if err == nil {
			err = r.client.Set(ctx, r.key(deckID), raw, r.ttlWithJitter()).Err()
		}
		if err != nil {
			log.Warn().Err(err).Str("deck_id", deckID).Msg("failed to cache deck")
		}
		return deck, nil
	})
	if err != nil {
		return domain.Deck{}, err
	}
	return result.(domain.Deck), nil
}

func (r *DeckRepository) cached(ctx context.Context, deckID string) (domain.Deck, bool) {
	raw, err := r.client.Get(ctx, r.key(deckID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("deck_id", deckID).Msg("deck cache read failed")
		}
		return domain.Deck{}, false
	}
	var deck domain.Deck
	if err := json.Unmarshal(raw, &deck); err != nil {
		log.Warn().Err(err).Str("deck_id", deckID).Msg("discarding undecodable cached deck")
		return domain.Deck{}, false
	}
	return deck, true
}

func (r *DeckRepository) key(deckID string) string {
	return "deck:" + deckID
}

func (r *DeckRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
