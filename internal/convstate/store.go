package convstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinyteams/booking-agent/internal/availability"
)

// contextTTL is the rolling expiry applied on every write. A conversation
// idle for this long starts over from an empty snapshot.
const contextTTL = 24 * time.Hour

// Store persists conversation snapshots, disambiguation caches, and the
// latest availability result in Redis.
type Store struct {
	redis  *redis.Client
	tracer trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store. The Redis client is required.
func NewStore(rdb *redis.Client, tracer trace.Tracer) *Store {
	if rdb == nil {
		panic("convstate: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("booking.internal.convstate")
	}
	return &Store{
		redis:  rdb,
		tracer: tracer,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Lock serializes turn processing for one conversation within this process.
// The returned function releases the lock.
func (s *Store) Lock(conversationID string) func() {
	s.mu.Lock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func contextKey(id string) string {
	return fmt.Sprintf("booking_context:%s", id)
}

func disambiguationKey(id string) string {
	return fmt.Sprintf("disambiguation:%s", id)
}

func availabilityKey(id string) string {
	return fmt.Sprintf("availability:%s", id)
}

// Load returns the snapshot for a conversation, or a fresh empty snapshot
// when none is stored.
func (s *Store) Load(ctx context.Context, conversationID string) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "convstate.load")
	defer span.End()

	data, err := s.redis.Get(ctx, contextKey(conversationID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return &Snapshot{ConversationID: conversationID}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("convstate: failed to load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("convstate: failed to decode snapshot: %w", err)
	}
	snap.ConversationID = conversationID
	return &snap, nil
}

// Save persists the snapshot and renews the rolling TTL.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "convstate.save")
	defer span.End()

	snap.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("convstate: failed to marshal snapshot: %w", err)
	}
	if err := s.redis.Set(ctx, contextKey(snap.ConversationID), data, contextTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("convstate: failed to persist snapshot: %w", err)
	}
	return nil
}

// SaveDisambiguation stores a pending "which professional?" offer. A nil
// cache deletes any pending offer.
func (s *Store) SaveDisambiguation(ctx context.Context, conversationID string, cache *DisambiguationCache) error {
	ctx, span := s.tracer.Start(ctx, "convstate.save_disambiguation")
	defer span.End()

	if cache == nil {
		if err := s.redis.Del(ctx, disambiguationKey(conversationID)).Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("convstate: failed to delete disambiguation cache: %w", err)
		}
		return nil
	}
	if cache.TurnsLeft <= 0 {
		cache.TurnsLeft = DefaultDisambiguationTurns
	}
	data, err := json.Marshal(cache)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("convstate: failed to marshal disambiguation cache: %w", err)
	}
	if err := s.redis.Set(ctx, disambiguationKey(conversationID), data, contextTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("convstate: failed to persist disambiguation cache: %w", err)
	}
	return nil
}

// LoadDisambiguation returns the pending offer, or nil when none is stored.
func (s *Store) LoadDisambiguation(ctx context.Context, conversationID string) (*DisambiguationCache, error) {
	ctx, span := s.tracer.Start(ctx, "convstate.load_disambiguation")
	defer span.End()

	data, err := s.redis.Get(ctx, disambiguationKey(conversationID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("convstate: failed to load disambiguation cache: %w", err)
	}
	var cache DisambiguationCache
	if err := json.Unmarshal(data, &cache); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("convstate: failed to decode disambiguation cache: %w", err)
	}
	return &cache, nil
}

// TickDisambiguation decrements the offer's remaining turns, deleting it when
// the countdown reaches zero. Returns the surviving cache, or nil.
func (s *Store) TickDisambiguation(ctx context.Context, conversationID string) (*DisambiguationCache, error) {
	cache, err := s.LoadDisambiguation(ctx, conversationID)
	if err != nil || cache == nil {
		return nil, err
	}
	cache.TurnsLeft--
	if cache.TurnsLeft <= 0 {
		return nil, s.SaveDisambiguation(ctx, conversationID, nil)
	}
	if err := s.SaveDisambiguation(ctx, conversationID, cache); err != nil {
		return nil, err
	}
	return cache, nil
}

// SaveAvailability stores the latest slot set shown to the user. The booking
// step checks the picked slot against this set before creating anything.
func (s *Store) SaveAvailability(ctx context.Context, conversationID string, set *availability.SlotSet) error {
	ctx, span := s.tracer.Start(ctx, "convstate.save_availability")
	defer span.End()

	if set == nil {
		if err := s.redis.Del(ctx, availabilityKey(conversationID)).Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("convstate: failed to delete availability: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("convstate: failed to marshal availability: %w", err)
	}
	if err := s.redis.Set(ctx, availabilityKey(conversationID), data, contextTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("convstate: failed to persist availability: %w", err)
	}
	return nil
}

// LoadAvailability returns the latest stored slot set, or nil when none.
func (s *Store) LoadAvailability(ctx context.Context, conversationID string) (*availability.SlotSet, error) {
	ctx, span := s.tracer.Start(ctx, "convstate.load_availability")
	defer span.End()

	data, err := s.redis.Get(ctx, availabilityKey(conversationID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("convstate: failed to load availability: %w", err)
	}
	var set availability.SlotSet
	if err := json.Unmarshal(data, &set); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("convstate: failed to decode availability: %w", err)
	}
	return &set, nil
}

// Reset deletes all state for a conversation.
func (s *Store) Reset(ctx context.Context, conversationID string) error {
	ctx, span := s.tracer.Start(ctx, "convstate.reset")
	defer span.End()

	err := s.redis.Del(ctx,
		contextKey(conversationID),
		disambiguationKey(conversationID),
		availabilityKey(conversationID),
	).Err()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("convstate: failed to reset conversation: %w", err)
	}
	return nil
}
