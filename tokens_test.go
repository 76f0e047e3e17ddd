package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- helpers ----

func pairExpiring(in time.Duration) *TokenPair {
	return &TokenPair{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(in).UnixMilli(),
		Type:         TokenTypeBearer,
	}
}

// countingRefresh returns a RefreshFunc that counts invocations and hands
// out the given pair (or failure).
func countingRefresh(count *atomic.Int64, next *TokenPair, err error, delay time.Duration) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*TokenPair, error) {
		count.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		return next, err
	}
}

// failingStore errors on every write but remembers nothing.
type failingStore struct{}

func (failingStore) Get(string) (string, bool, error) { return "", false, nil }
func (failingStore) Set(string, string) error         { return errors.New("disk full") }
func (failingStore) Remove(string) error              { return errors.New("disk full") }

// ---- tests ----

func TestManager_AccessToken_NoToken(t *testing.T) {
	var count atomic.Int64
	m := NewManager(NewMemoryStore(), countingRefresh(&count, nil, nil, 0))

	assert.Equal(t, "", m.AccessToken(context.Background()))
	assert.False(t, m.Valid())
	assert.Equal(t, int64(0), count.Load(), "no token means nothing to refresh")
}

func TestManager_AccessToken_ValidTokenNoRefresh(t *testing.T) {
	var count atomic.Int64
	m := NewManager(NewMemoryStore(), countingRefresh(&count, nil, nil, 0))
	m.SetTokens(pairExpiring(6 * time.Minute))

	assert.Equal(t, "old-access", m.AccessToken(context.Background()))
	assert.True(t, m.Valid())
	assert.Equal(t, int64(0), count.Load(), "six minutes out is outside the buffer")
}

func TestManager_AccessToken_RefreshInsideBuffer(t *testing.T) {
	var count atomic.Int64
	next := &TokenPair{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Type:         TokenTypeBearer,
	}
	m := NewManager(NewMemoryStore(), countingRefresh(&count, next, nil, 0))
	m.SetTokens(pairExpiring(4 * time.Minute))

	assert.Equal(t, "new-access", m.AccessToken(context.Background()))
	assert.Equal(t, int64(1), count.Load(), "four minutes out is inside the buffer")
}

func TestManager_AtMostOneConcurrentRefresh(t *testing.T) {
	var count atomic.Int64
	next := &TokenPair{
		AccessToken: "new-access",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
		Type:        TokenTypeBearer,
	}
	m := NewManager(NewMemoryStore(), countingRefresh(&count, next, nil, 50*time.Millisecond))
	m.SetTokens(pairExpiring(-time.Minute))

	const callers = 25
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = m.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), count.Load(), "concurrent callers must share one refresh")
	for i := 0; i < callers; i++ {
		assert.Equal(t, "new-access", tokens[i])
	}
}

func TestManager_FailedRefreshClearsTokens(t *testing.T) {
	var count atomic.Int64
	store := NewMemoryStore()
	m := NewManager(store, countingRefresh(&count, nil, errors.New("revoked"), 0))
	m.SetTokens(pairExpiring(-time.Minute))

	assert.Equal(t, "", m.AccessToken(context.Background()))
	assert.False(t, m.Valid())
	_, ok, err := store.Get(TokensKey)
	require.NoError(t, err)
	assert.False(t, ok, "failed refresh must clear durable storage")
}

func TestManager_RefreshRejectedByServer(t *testing.T) {
	// nil pair with nil error means the server said no.
	var count atomic.Int64
	m := NewManager(NewMemoryStore(), countingRefresh(&count, nil, nil, 0))
	m.SetTokens(pairExpiring(-time.Minute))

	assert.Equal(t, "", m.AccessToken(context.Background()))
	assert.Equal(t, int64(1), count.Load())
}

func TestManager_ForceRefresh(t *testing.T) {
	var count atomic.Int64
	next := &TokenPair{
		AccessToken: "forced-access",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
		Type:        TokenTypeBearer,
	}
	m := NewManager(NewMemoryStore(), countingRefresh(&count, next, nil, 0))
	m.SetTokens(pairExpiring(time.Hour))

	assert.Equal(t, "forced-access", m.ForceRefresh(context.Background()))
	assert.Equal(t, int64(1), count.Load(), "force refresh runs even for a healthy token")
}

func TestManager_SetTokens_PersistsAndReloads(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil)
	m.SetTokens(pairExpiring(time.Hour))

	raw, ok, err := store.Get(TokensKey)
	require.NoError(t, err)
	require.True(t, ok)
	var stored TokenPair
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "old-access", stored.AccessToken)

	// A new manager over the same store picks the pair up.
	m2 := NewManager(store, nil)
	assert.True(t, m2.Valid())
	assert.Equal(t, "old-access", m2.AccessToken(context.Background()))
}

func TestManager_LoadDiscardsInvalidStoredValue(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(TokensKey, "{not json"))

	m := NewManager(store, nil)
	assert.False(t, m.Valid())
	_, ok, err := store.Get(TokensKey)
	require.NoError(t, err)
	assert.False(t, ok, "structurally invalid stored value must be cleared")
}

func TestManager_StoreWriteFailureIsNonFatal(t *testing.T) {
	m := NewManager(failingStore{}, nil)
	m.SetTokens(pairExpiring(time.Hour))

	assert.Equal(t, "old-access", m.AccessToken(context.Background()),
		"in-memory token stays usable when durability fails")
}

func TestManager_ClearIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil)
	m.SetTokens(pairExpiring(time.Hour))

	m.Clear()
	m.Clear()
	assert.False(t, m.Valid())
	assert.Equal(t, "", m.AccessToken(context.Background()))
}

func TestManager_BufferBoundary(t *testing.T) {
	base := time.Now()
	var count atomic.Int64
	next := &TokenPair{
		AccessToken: "new-access",
		ExpiresAt:   base.Add(time.Hour).UnixMilli(),
		Type:        TokenTypeBearer,
	}

	m := NewManager(NewMemoryStore(), countingRefresh(&count, next, nil, 0),
		WithManagerClock(func() time.Time { return base }))

	m.SetTokens(&TokenPair{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    base.Add(6 * time.Minute).UnixMilli(),
		Type:         TokenTypeBearer,
	})
	assert.Equal(t, "old-access", m.AccessToken(context.Background()))
	assert.Equal(t, int64(0), count.Load())

	m.SetTokens(&TokenPair{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    base.Add(4 * time.Minute).UnixMilli(),
		Type:         TokenTypeBearer,
	})
	assert.Equal(t, "new-access", m.AccessToken(context.Background()))
	assert.Equal(t, int64(1), count.Load())
}
