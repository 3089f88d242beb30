package chanmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ConnStatus summarises what our channel launches have taught us about our
// ability to reach the network. Each field is None until an attempt has
// told us something.
type ConnStatus struct {
	// Online is true once any TCP connection to a relay succeeded, and
	// false while every attempt so far failed to connect.
	Online fn.Option[bool]

	// TLSWorks is true once a TLS handshake with a relay succeeded, and
	// false if a connection was made but TLS failed.
	TLSWorks fn.Option[bool]
}

// Usable returns true if we have seen a working connection.
func (c ConnStatus) Usable() bool {
	return c.Online.UnwrapOr(false) && c.TLSWorks.UnwrapOr(false)
}

// Frac returns how far along the connection stage of bootstrapping we are.
func (c ConnStatus) Frac() float64 {
	switch {
	case c.Usable():
		return 1
	case c.Online.UnwrapOr(false):
		return 0.5
	default:
		return 0
	}
}

// Blockage describes why we cannot reach the network, or returns "" if
// nothing seems wrong.
func (c ConnStatus) Blockage() string {
	switch {
	case c.Online.IsSome() && !c.Online.UnwrapOr(false):
		return "unable to connect to the internet"
	case c.TLSWorks.IsSome() && !c.TLSWorks.UnwrapOr(false):
		return "TLS connections are failing, maybe they are " +
			"being intercepted"
	default:
		return ""
	}
}

// String returns a human readable description of the status.
func (c ConnStatus) String() string {
	if b := c.Blockage(); b != "" {
		return b
	}

	return fmt.Sprintf("connecting: %.0f%%", c.Frac()*100)
}

// statusTracker folds channel launch outcomes into a ConnStatus.
type statusTracker struct {
	mu     sync.Mutex
	status ConnStatus
}

// noteOutcome records the outcome of one launch and returns the new status
// and whether it changed.
func (s *statusTracker) noteOutcome(err error) (ConnStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.status

	var (
		connErr *ConnectError
		tlsErr  *TLSError
	)
	switch {
	case err == nil:
		s.status.Online = fn.Some(true)
		s.status.TLSWorks = fn.Some(true)

	case errors.As(err, &tlsErr):
		s.status.Online = fn.Some(true)
		if !s.status.TLSWorks.UnwrapOr(false) {
			s.status.TLSWorks = fn.Some(false)
		}

	case errors.As(err, &connErr):
		if !s.status.Online.UnwrapOr(false) {
			s.status.Online = fn.Some(false)
		}

	default:
		// The link handshake failed after TLS worked.
		s.status.Online = fn.Some(true)
		s.status.TLSWorks = fn.Some(true)
	}

	return s.status, s.status != prev
}

func (s *statusTracker) current() ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}
