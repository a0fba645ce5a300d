package cosigner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// ErrSessionNotFound is returned for unknown or purged sessions.
var ErrSessionNotFound = errors.New("session not found")

// Record is the cosigner-side state of one session. Scratch carries
// protocol intermediates (hex-encoded scalars and points) between rounds.
type Record struct {
	ID         string              `json:"id"`
	WalletID   string              `json:"wallet_id"`
	Type       wire.SessionType    `json:"type"`
	Algorithm  string              `json:"algorithm"`
	Status     wire.SessionStatus  `json:"status"`
	Round      int                 `json:"round"`
	Outbox     []*wire.Envelope    `json:"outbox,omitempty"`
	Result     *wire.SessionResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	Scratch    map[string]string   `json:"scratch,omitempty"`
	HoldRounds int                 `json:"hold_rounds"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
}

// SessionStore persists session records for the cosigner.
type SessionStore interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the default in-process session store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Record
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Record)}
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.sessions[rec.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// RedisStore keeps session records in redis with a TTL, for cosigner
// deployments with more than one replica.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a redis-backed session store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(id string) string {
	return "cosigner:session:" + id
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal session record")
	}
	if err := s.client.Set(ctx, redisKey(rec.ID), raw, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "write session record")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session record")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode session record")
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, redisKey(id)).Err()
}
