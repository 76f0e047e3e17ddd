package resilient

import "sync"

// Storage keys. Each manager owns exactly one key and never reads the
// other's.
const (
	TokensKey = "@tokens"
	QueueKey  = "@offline_queue"
)

// Store is the durable key/value collaborator shared by the token manager
// and the offline queue. Implementations must be safe for concurrent use.
// Both managers treat a read at construction time as the authoritative
// reconciliation point after a restart.
type Store interface {
	// Get retrieves the value stored under key. ok is false when the key
	// is absent; err is reserved for I/O failures.
	Get(key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
}

// MemoryStore is an in-process Store. Contents do not survive a restart;
// it exists for tests and for callers that explicitly opt out of
// durability.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
