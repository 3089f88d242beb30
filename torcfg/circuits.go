package torcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxDirtiness is how long a circuit may be handed out for new
	// requests after it was first used.
	DefaultMaxDirtiness = 10 * time.Minute

	// DefaultRequestTimeout bounds a whole circuit request, retries
	// included.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultFlushInterval is how often learned state is saved.
	DefaultFlushInterval = 60 * time.Second

	// DefaultExpiryInterval is how often dirty circuits are retired.
	DefaultExpiryInterval = 30 * time.Second
)

// CircuitTiming configures how long circuits are used and how often the
// circuit manager does its housekeeping.
type CircuitTiming struct {
	MaxDirtiness   time.Duration `long:"maxdirtiness" description:"Stop handing out a circuit for new requests this long after its first use"`
	RequestTimeout time.Duration `long:"requesttimeout" description:"Give up on a circuit request after this long"`
	FlushInterval  time.Duration `long:"flushinterval" description:"How often to save circuit timeout and guard state"`
	ExpiryInterval time.Duration `long:"expiryinterval" description:"How often to look for circuits to retire"`
}

// DefaultCircuitTiming returns the default circuit timing.
func DefaultCircuitTiming() *CircuitTiming {
	return &CircuitTiming{
		MaxDirtiness:   DefaultMaxDirtiness,
		RequestTimeout: DefaultRequestTimeout,
		FlushInterval:  DefaultFlushInterval,
		ExpiryInterval: DefaultExpiryInterval,
	}
}

// Validate checks the circuit timing.
func (c *CircuitTiming) Validate() error {
	switch {
	case c.MaxDirtiness <= 0:
		return fmt.Errorf("circuits.maxdirtiness must be positive, "+
			"got %v", c.MaxDirtiness)

	case c.RequestTimeout <= 0:
		return fmt.Errorf("circuits.requesttimeout must be positive, "+
			"got %v", c.RequestTimeout)

	case c.FlushInterval <= 0:
		return fmt.Errorf("circuits.flushinterval must be positive, "+
			"got %v", c.FlushInterval)

	case c.ExpiryInterval <= 0:
		return fmt.Errorf("circuits.expiryinterval must be positive, "+
			"got %v", c.ExpiryInterval)
	}

	return nil
}
