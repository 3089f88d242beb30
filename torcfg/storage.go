package torcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultStateDirname is the name of the state directory below the
	// client's data directory.
	DefaultStateDirname = "state"

	// DefaultDBTimeout is how long to wait for the state database lock.
	DefaultDBTimeout = 60 * time.Second
)

// Storage configures where learned state is kept.
type Storage struct {
	StateDir  string        `long:"statedir" description:"The directory to keep circuit timeout and fallback state in"`
	ReadOnly  bool          `long:"readonly" description:"Only read state kept by another client process, never write it"`
	DBTimeout time.Duration `long:"dbtimeout" description:"How long to wait for the state database lock"`
}

// DefaultStorage returns the default storage configuration using stateDir.
func DefaultStorage(stateDir string) *Storage {
	return &Storage{
		StateDir:  stateDir,
		DBTimeout: DefaultDBTimeout,
	}
}

// Validate checks the storage configuration.
func (s *Storage) Validate() error {
	if s.StateDir == "" {
		return fmt.Errorf("storage.statedir must be set")
	}
	if s.DBTimeout <= 0 {
		return fmt.Errorf("storage.dbtimeout must be positive, got %v",
			s.DBTimeout)
	}

	return nil
}
