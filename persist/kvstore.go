package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"go.etcd.io/bbolt"
)

const (
	// DefaultDBFileName is the name of the bolt file holding client
	// state.
	DefaultDBFileName = "state.db"

	// DefaultLockFileName is the name of the bolt file whose write lock
	// marks the client owning the state.
	DefaultLockFileName = "state.lock"

	// DefaultLockTimeout is how long TryLock waits for the owner lock.
	DefaultLockTimeout = 250 * time.Millisecond
)

var (
	// stateBucket is the top-level bucket under which all client state
	// lives.
	stateBucket = []byte("torcirc-state")
)

// BoltConfig locates and configures the bolt files behind a KVStore.
type BoltConfig struct {
	// Dir is the directory holding the database files.
	Dir string

	// ReadOnly makes the store never take ownership of the state, so
	// that it only follows what another client saves.
	ReadOnly bool

	// DBTimeout is how long a single load or store waits for another
	// process that is using the state file.
	DBTimeout time.Duration

	// LockTimeout is how long TryLock waits for the owner lock.
	LockTimeout time.Duration
}

// KVStore is a Locker backed by bolt files in a state directory. The state
// file is only open for the duration of a load or store, so that clients
// which do not own it can still read it. Ownership is the write lock of a
// separate lock file, held from TryLock until Unlock.
type KVStore struct {
	cfg      BoltConfig
	path     string
	lockPath string

	mu sync.Mutex

	// lock is the open lock file while this store owns the state.
	lock kvdb.Backend
}

// A compile-time check that KVStore implements Locker.
var _ Locker = (*KVStore)(nil)

// OpenBoltStore returns the bolt backed state store described by cfg. Unless
// cfg.ReadOnly is set it tries to take ownership right away; if another
// client owns the state, the store starts out read-only and TryLock may be
// retried later. The returned store must be closed.
func OpenBoltStore(cfg *BoltConfig) (*KVStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, err
	}

	s := &KVStore{
		cfg:      *cfg,
		path:     filepath.Join(cfg.Dir, DefaultDBFileName),
		lockPath: filepath.Join(cfg.Dir, DefaultLockFileName),
	}
	if s.cfg.DBTimeout == 0 {
		s.cfg.DBTimeout = kvdb.DefaultDBTimeout
	}
	if s.cfg.LockTimeout == 0 {
		s.cfg.LockTimeout = DefaultLockTimeout
	}

	if cfg.ReadOnly {
		log.Infof("Opened state store at %v (read_only=true)", s.path)
		return s, nil
	}

	locked, err := s.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		log.Warnf("State at %v is owned by another client, not "+
			"saving state until it exits", cfg.Dir)
	}

	log.Infof("Opened state store at %v (owner=%v)", s.path, locked)

	return s, nil
}

// TryLock takes the owner lock if no other client holds it. A store opened
// read-only never takes it.
func (s *KVStore) TryLock() (bool, error) {
	if s.cfg.ReadOnly {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock != nil {
		return true, nil
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, s.lockPath, true, s.cfg.LockTimeout,
		false,
	)
	switch {
	case errors.Is(err, bbolt.ErrTimeout):
		log.Tracef("State lock at %v is held elsewhere", s.lockPath)
		return false, nil

	case err != nil:
		return false, fmt.Errorf("unable to open state lock at %v: %w",
			s.lockPath, err)
	}

	s.lock = db
	log.Debugf("Acquired state lock at %v", s.lockPath)

	return true, nil
}

// Unlock releases the owner lock if this store holds it.
func (s *KVStore) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil {
		return nil
	}

	err := s.lock.Close()
	s.lock = nil
	log.Debugf("Released state lock at %v", s.lockPath)

	return err
}

// Load returns the value stored under key. Nothing is returned before the
// first store.
func (s *KVStore) Load(key string) (fn.Option[[]byte], error) {
	db, err := kvdb.Open(
		kvdb.BoltBackendName, s.path, true, s.cfg.DBTimeout, true,
	)
	switch {
	case errors.Is(err, kvdb.ErrDbDoesNotExist):
		return fn.None[[]byte](), nil

	case err != nil:
		return fn.None[[]byte](), fmt.Errorf("unable to open state "+
			"db at %v: %w", s.path, err)
	}
	defer db.Close()

	var value []byte
	err = kvdb.View(db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(stateBucket)
		if bucket == nil {
			return nil
		}

		v := bucket.Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}

		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return fn.None[[]byte](), err
	}

	if value == nil {
		return fn.None[[]byte](), nil
	}

	return fn.Some(value), nil
}

// Store replaces the value stored under key. Only the owner may store.
func (s *KVStore) Store(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil {
		return ErrReadOnly
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, s.path, true, s.cfg.DBTimeout, false,
	)
	if err != nil {
		return fmt.Errorf("unable to open state db at %v: %w", s.path,
			err)
	}
	defer db.Close()

	return kvdb.Update(db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(stateBucket)
		if err != nil {
			return err
		}

		return bucket.Put([]byte(key), value)
	}, func() {})
}

// CanStore returns true while the store owns the state.
func (s *KVStore) CanStore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lock != nil
}

// Close releases the owner lock.
func (s *KVStore) Close() error {
	return s.Unlock()
}
