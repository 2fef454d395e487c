package review

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func sampleSession() *Session {
	return &Session{
		ID:        "s-1",
		UserID:    7,
		Blunders:  []uint{3, 1, 2},
		Cursor:    1,
		State:     StateWaitFix,
		Attempts:  map[uint]int{1: 2},
		StartedAt: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
}

func TestSessionCurrent(t *testing.T) {
	s := sampleSession()
	id, err := s.Current()
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	s.Cursor = 3
	_, err = s.Current()
	assert.ErrorIs(t, err, ErrSessionStale)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	m := NewMemoryStore(time.Minute)
	m.now = func() time.Time { return now }

	_, err := m.Get(ctx, 7)
	assert.ErrorIs(t, err, ErrSessionStale)

	orig := sampleSession()
	require.NoError(t, m.Save(ctx, orig))
	orig.Cursor = 2

	got, err := m.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cursor)
	assert.Equal(t, 2, got.Attempts[1])
	assert.Equal(t, StateWaitFix, got.State)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, 7)
	assert.ErrorIs(t, err, ErrSessionStale)

	require.NoError(t, m.Save(ctx, orig))
	require.NoError(t, m.Delete(ctx, 7))
	_, err = m.Get(ctx, 7)
	assert.ErrorIs(t, err, ErrSessionStale)
}

func TestMemoryStoreWithoutTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore(0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Save(ctx, sampleSession()))
	now = now.Add(24 * time.Hour)
	_, err := m.Get(ctx, 7)
	assert.NoError(t, err)
}

type RedisStoreSuite struct {
	suite.Suite
	mini  *miniredis.Miniredis
	store *RedisStore
	ctx   context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupTest() {
	s.mini = miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: s.mini.Addr()})
	s.store = NewRedisStoreWithClient(client, time.Hour)
	s.ctx = context.Background()
}

func (s *RedisStoreSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.mini != nil {
		s.mini.Close()
	}
}

func (s *RedisStoreSuite) TestSaveAndGet() {
	s.Require().NoError(s.store.Save(s.ctx, sampleSession()))
	s.True(s.mini.Exists("chesshelper:review:7"))

	got, err := s.store.Get(s.ctx, 7)
	s.Require().NoError(err)
	s.Equal("s-1", got.ID)
	s.Equal([]uint{3, 1, 2}, got.Blunders)
	s.Equal(2, got.Attempts[1])
	s.True(got.StartedAt.Equal(sampleSession().StartedAt))
}

func (s *RedisStoreSuite) TestMissingIsStale() {
	_, err := s.store.Get(s.ctx, 42)
	s.ErrorIs(err, ErrSessionStale)
}

func (s *RedisStoreSuite) TestTTLExpiry() {
	s.Require().NoError(s.store.Save(s.ctx, sampleSession()))
	s.Equal(time.Hour, s.mini.TTL("chesshelper:review:7"))

	s.mini.FastForward(2 * time.Hour)
	_, err := s.store.Get(s.ctx, 7)
	s.ErrorIs(err, ErrSessionStale)
}

func (s *RedisStoreSuite) TestDelete() {
	s.Require().NoError(s.store.Save(s.ctx, sampleSession()))
	s.Require().NoError(s.store.Delete(s.ctx, 7))
	_, err := s.store.Get(s.ctx, 7)
	s.ErrorIs(err, ErrSessionStale)
	s.NoError(s.store.Delete(s.ctx, 7))
}

func (s *RedisStoreSuite) TestCorruptValue() {
	s.Require().NoError(s.mini.Set("chesshelper:review:7", "{not json"))
	_, err := s.store.Get(s.ctx, 7)
	s.Error(err)
	s.NotErrorIs(err, ErrSessionStale)
}

func (s *RedisStoreSuite) TestNewRedisStore() {
	st, err := NewRedisStore("redis://"+s.mini.Addr(), time.Minute)
	s.Require().NoError(err)
	defer st.Close()

	_, err = NewRedisStore("not a url", time.Minute)
	s.Error(err)
}

func (s *RedisStoreSuite) TestNewRedisStoreUnreachable() {
	down := miniredis.RunT(s.T())
	addr := down.Addr()
	down.Close()

	st, err := NewRedisStore("redis://"+addr, time.Minute)
	s.Error(err)
	s.Nil(st)
	s.Contains(err.Error(), "redis ping")
}
