package netdir

import (
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/subscribe"
)

// DirEvent announces a change of the network view.
type DirEvent uint8

const (
	// NewConsensus is sent when a new consensus, and with it new network
	// parameters, has been installed.
	NewConsensus DirEvent = iota

	// NewDescriptors is sent when more relay descriptors became
	// available for the current consensus.
	NewDescriptors
)

// String returns the name of the event.
func (e DirEvent) String() string {
	switch e {
	case NewConsensus:
		return "NewConsensus"
	case NewDescriptors:
		return "NewDescriptors"
	default:
		return "Unknown"
	}
}

// Provider gives access to the latest network view and to notifications
// about its changes.
type Provider interface {
	// LatestNetDir returns the current network view, if one is known.
	LatestNetDir() fn.Option[*NetDir]

	// Events subscribes to network view changes.
	Events() (*subscribe.Client[DirEvent], error)
}

// MutableProvider is a Provider whose view is replaced by whoever fetches
// the consensus.
type MutableProvider struct {
	mu      sync.RWMutex
	current *NetDir

	events *subscribe.Server[DirEvent]
}

// A compile-time check that MutableProvider implements Provider.
var _ Provider = (*MutableProvider)(nil)

// NewMutableProvider returns a provider with no network view.
func NewMutableProvider() *MutableProvider {
	return &MutableProvider{
		events: subscribe.NewServer[DirEvent](),
	}
}

// Start starts delivering events.
func (m *MutableProvider) Start() error {
	return m.events.Start()
}

// Stop stops delivering events.
func (m *MutableProvider) Stop() error {
	return m.events.Stop()
}

// LatestNetDir returns the current network view.
func (m *MutableProvider) LatestNetDir() fn.Option[*NetDir] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return fn.None[*NetDir]()
	}

	return fn.Some(m.current)
}

// Events subscribes to network view changes.
func (m *MutableProvider) Events() (*subscribe.Client[DirEvent], error) {
	return m.events.Subscribe()
}

// SetNetDir installs nd as the current view and announces a new consensus.
func (m *MutableProvider) SetNetDir(nd *NetDir) error {
	m.mu.Lock()
	m.current = nd
	m.mu.Unlock()

	log.Infof("Installed network view with %d relays, valid until %v",
		len(nd.Relays()), nd.Lifetime().ValidUntil)

	return m.send(NewConsensus)
}

// NoteNewDescriptors announces that more descriptors are available for the
// current view.
func (m *MutableProvider) NoteNewDescriptors() error {
	return m.send(NewDescriptors)
}

// send announces event. Without a started event server there is nobody to
// tell, which is not an error.
func (m *MutableProvider) send(event DirEvent) error {
	err := m.events.SendUpdate(event)
	if errors.Is(err, subscribe.ErrServerNotStarted) {
		return nil
	}

	return err
}
