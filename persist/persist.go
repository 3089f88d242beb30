// Package persist stores the small amount of state the circuit client keeps
// across restarts: learned circuit build timeouts and fallback directory
// health. State is a set of opaque values under string keys.
package persist

import (
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrReadOnly is returned when storing to a store that is not allowed to
// write.
var ErrReadOnly = errors.New("state store is read-only")

// Store is a key-value store for persistent client state.
type Store interface {
	// Load returns the value stored under key, if any.
	Load(key string) (fn.Option[[]byte], error)

	// Store replaces the value stored under key.
	Store(key string, value []byte) error

	// CanStore returns true if this store may be written to. A store
	// opened read-only by a second process can only be loaded from.
	CanStore() bool
}

// Locker is a Store whose write access is owned by at most one client at a
// time. A store that does not own its state can only be loaded from, and may
// take ownership once the previous owner let go of it.
type Locker interface {
	Store

	// TryLock tries to take ownership of the state without waiting for
	// the current owner. It returns true if the store may be written to
	// afterwards.
	TryLock() (bool, error)

	// Unlock gives up ownership. The store stays readable.
	Unlock() error
}

// memState is the content of a MemStore and of all of its views.
type memState struct {
	mu     sync.Mutex
	values map[string][]byte

	// owned is set while some handle holds the lock.
	owned bool
}

// MemStore is an in-memory Locker. Views created from a store share its
// contents and its lock.
type MemStore struct {
	state *memState

	// locked is set while this handle owns the state. It is guarded by
	// state.mu.
	locked bool

	// readOnly handles never take the lock.
	readOnly bool
}

// A compile-time check that MemStore implements Locker.
var _ Locker = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store that owns its state.
func NewMemStore() *MemStore {
	return &MemStore{
		state: &memState{
			values: make(map[string][]byte),
			owned:  true,
		},
		locked: true,
	}
}

// ReadOnlyView returns a store sharing this store's contents that refuses
// writes and never takes the lock.
func (m *MemStore) ReadOnlyView() *MemStore {
	return &MemStore{
		state:    m.state,
		readOnly: true,
	}
}

// UnlockedView returns a store sharing this store's contents that may write
// once it took the lock.
func (m *MemStore) UnlockedView() *MemStore {
	return &MemStore{
		state: m.state,
	}
}

// Load returns a copy of the value stored under key.
func (m *MemStore) Load(key string) (fn.Option[[]byte], error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	v, ok := m.state.values[key]
	if !ok {
		return fn.None[[]byte](), nil
	}

	return fn.Some(append([]byte(nil), v...)), nil
}

// Store saves a copy of value under key.
func (m *MemStore) Store(key string, value []byte) error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	if !m.locked {
		return ErrReadOnly
	}

	m.state.values[key] = append([]byte(nil), value...)

	return nil
}

// CanStore returns true while this handle owns the state.
func (m *MemStore) CanStore() bool {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	return m.locked
}

// TryLock takes the lock if no other handle holds it. Read-only views never
// do.
func (m *MemStore) TryLock() (bool, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	switch {
	case m.locked:
		return true, nil

	case m.readOnly || m.state.owned:
		return false, nil
	}

	m.state.owned = true
	m.locked = true

	return true, nil
}

// Unlock releases the lock if this handle holds it.
func (m *MemStore) Unlock() error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	if m.locked {
		m.locked = false
		m.state.owned = false
	}

	return nil
}
