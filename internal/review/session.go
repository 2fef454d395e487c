// Package review drives the per-user blunder review loop.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionStale is returned when an action refers to a session or card
// that no longer exists.
var ErrSessionStale = errors.New("review session is no longer available")

// State is the position of a session in the review protocol.
type State string

const (
	StatePresenting State = "presenting"  // a card has been shown
	StateWaitAnswer State = "wait_answer" // expecting an exact guess of the best move
	StateWaitFix    State = "wait_fix"    // expecting a move scored by the engine
)

// Session is the transient review state of one user.
type Session struct {
	ID        string       `json:"id"`
	UserID    int64        `json:"user_id"`
	Blunders  []uint       `json:"blunders"` // snapshot taken at start
	Cursor    int          `json:"cursor"`
	State     State        `json:"state"`
	Attempts  map[uint]int `json:"attempts"`
	StartedAt time.Time    `json:"started_at"`
}

// Current returns the blunder under the cursor.
func (s *Session) Current() (uint, error) {
	if s.Cursor < 0 || s.Cursor >= len(s.Blunders) {
		return 0, ErrSessionStale
	}
	return s.Blunders[s.Cursor], nil
}

// SessionStore keeps one session per user.
type SessionStore interface {
	Get(ctx context.Context, userID int64) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID int64) error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// NewMemoryStore creates a store; ttl 0 keeps sessions until deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]memoryEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	if ok && m.ttl > 0 && m.now().After(e.expires) {
		delete(m.sessions, userID)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionStale
	}
	return decodeSession(e.data)
}

// Save stores a copy of s so later mutations of s are not shared.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[s.UserID] = memoryEntry{data: data, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

const keyPrefix = "chesshelper"

func sessionKey(userID int64) string {
	return fmt.Sprintf("%s:review:%d", keyPrefix, userID)
}

// RedisStore keeps sessions as JSON values with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionStale
		}
		return nil, err
	}
	return decodeSession(data)
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionKey(s.UserID), data, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, sessionKey(userID)).Err()
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Attempts == nil {
		s.Attempts = make(map[uint]int)
	}
	return &s, nil
}
