package resilient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultExpiryBuffer is how long before expiry a token is treated as
// unusable and refreshed.
const DefaultExpiryBuffer = 5 * time.Minute

// singleflight key; the manager holds at most one refresh in flight.
const refreshKey = "refresh"

// RefreshFunc exchanges the current refresh token for a new pair. It is
// supplied once by the authentication flow; the manager knows nothing
// about the protocol behind it. Returning a nil pair with a nil error
// means the server rejected the refresh.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenPair, error)

// Manager owns the token pair for one process. It decides when a refresh
// is needed, de-duplicates concurrent refresh attempts, and persists
// results through its Store. The application root creates exactly one
// Manager and shares it; external code never touches the pair directly.
type Manager struct {
	mu      sync.Mutex
	pair    *TokenPair
	store   Store
	refresh RefreshFunc
	group   singleflight.Group
	buffer  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithExpiryBuffer overrides the expiry buffer.
func WithExpiryBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) { m.buffer = d }
}

// WithManagerLogger sets the logger used for non-fatal storage and
// refresh failures.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithManagerClock substitutes the time source (for tests).
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager and loads any persisted pair from the
// store. A stored value that fails to parse or is structurally invalid is
// cleared rather than surfaced.
func NewManager(store Store, refresh RefreshFunc, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		refresh: refresh,
		buffer:  DefaultExpiryBuffer,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load()
	return m
}

func (m *Manager) load() {
	raw, ok, err := m.store.Get(TokensKey)
	if err != nil {
		m.logger.Warn("reading stored tokens failed", "err", err)
		return
	}
	if !ok {
		return
	}
	var pair TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil || !pair.wellFormed() {
		m.logger.Warn("discarding invalid stored tokens", "err", err)
		if rerr := m.store.Remove(TokensKey); rerr != nil {
			m.logger.Warn("removing invalid stored tokens failed", "err", rerr)
		}
		return
	}
	m.pair = &pair
}

// SetTokens replaces the in-memory pair and persists it. A store write
// failure is logged, not raised: token usability in the current process
// is preserved even if durability is not.
func (m *Manager) SetTokens(pair *TokenPair) {
	p := *pair
	p.inferExpiry()

	m.mu.Lock()
	m.pair = &p
	m.mu.Unlock()

	data, err := json.Marshal(&p)
	if err != nil {
		m.logger.Warn("serializing tokens failed", "err", err)
		return
	}
	if err := m.store.Set(TokensKey, string(data)); err != nil {
		m.logger.Warn("persisting tokens failed", "err", err)
	}
}

// AccessToken returns a usable access token, refreshing first if the
// current one is missing, expired, or inside the expiry buffer. It
// returns the empty string when no token exists or a required refresh
// fails; callers treat that as "re-authenticate", not as a transient
// fault.
func (m *Manager) AccessToken(ctx context.Context) string {
	m.mu.Lock()
	pair := m.pair
	m.mu.Unlock()

	if pair == nil {
		return ""
	}
	if !pair.ExpiresWithin(m.now(), m.buffer) {
		return pair.AccessToken
	}
	return m.sharedRefresh(ctx, false)
}

// Valid reports whether a token exists and is outside the expiry buffer.
// It never performs I/O and never triggers a refresh.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair == nil {
		return false
	}
	return !m.pair.ExpiresWithin(m.now(), m.buffer)
}

// ForceRefresh discards any in-flight refresh bookkeeping and performs a
// new refresh unconditionally, returning the resulting access token or
// the empty string.
func (m *Manager) ForceRefresh(ctx context.Context) string {
	m.group.Forget(refreshKey)
	return m.sharedRefresh(ctx, true)
}

// Clear wipes the pair from memory and durable storage. It is
// idempotent.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.pair = nil
	m.mu.Unlock()

	if err := m.store.Remove(TokensKey); err != nil {
		m.logger.Warn("clearing stored tokens failed", "err", err)
	}
}

// sharedRefresh runs one refresh per token lifetime no matter how many
// callers need it concurrently; late arrivals attach to the outstanding
// attempt and observe the same outcome. Redundant refreshes would spend a
// refresh token servers treat as single-use, breaking every other caller.
func (m *Manager) sharedRefresh(ctx context.Context, force bool) string {
	v, _, _ := m.group.Do(refreshKey, func() (any, error) {
		return m.doRefresh(ctx, force), nil
	})
	token, _ := v.(string)
	return token
}

// doRefresh performs exactly one refresh attempt. A failure is terminal
// for the attempt and clears the pair; the manager never retries a
// refresh internally, because the common cause (a revoked refresh token)
// cannot be fixed by retrying.
func (m *Manager) doRefresh(ctx context.Context, force bool) string {
	m.mu.Lock()
	pair := m.pair
	m.mu.Unlock()

	if pair == nil {
		return ""
	}
	// A caller that decided to refresh against a stale read may arrive
	// after another flight already replaced the pair; hand out the fresh
	// token instead of spending the refresh token again.
	if !force && !pair.ExpiresWithin(m.now(), m.buffer) {
		return pair.AccessToken
	}
	if m.refresh == nil || !pair.HasRefreshToken() {
		m.logger.Info("token expiring with no way to refresh, clearing")
		m.Clear()
		return ""
	}

	next, err := m.refresh(ctx, pair.RefreshToken)
	if err != nil || next == nil {
		m.logger.Warn("token refresh failed, clearing tokens", "err", err)
		m.Clear()
		return ""
	}

	m.SetTokens(next)
	return next.AccessToken
}
