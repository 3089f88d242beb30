package torcfg

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultMaxUnusedChannel is how long a channel may carry no circuits
	// before it is closed.
	DefaultMaxUnusedChannel = 180 * time.Second

	// DefaultConnectTimeout bounds the TCP connect to a relay.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultPadding is the default channel padding level.
	DefaultPadding = "normal"
)

// Channels configures how channels to relays are opened and kept.
type Channels struct {
	MaxUnused      time.Duration `long:"maxunused" description:"Close a channel once it has carried no circuits for this long"`
	ConnectTimeout time.Duration `long:"connecttimeout" description:"Give up connecting to a relay address after this long"`
	Padding        string        `long:"padding" description:"Channel padding level" choice:"normal" choice:"reduced" choice:"none"`
	SOCKS          string        `long:"socks" description:"The host:port of an upstream SOCKS5 proxy to reach relays through; relays are dialed directly if unset"`
}

// DefaultChannels returns the default channel configuration.
func DefaultChannels() *Channels {
	return &Channels{
		MaxUnused:      DefaultMaxUnusedChannel,
		ConnectTimeout: DefaultConnectTimeout,
		Padding:        DefaultPadding,
	}
}

// Validate checks the channel configuration.
func (c *Channels) Validate() error {
	if c.MaxUnused <= 0 {
		return fmt.Errorf("channels.maxunused must be positive, got %v",
			c.MaxUnused)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("channels.connecttimeout must be positive, "+
			"got %v", c.ConnectTimeout)
	}

	switch c.Padding {
	case "normal", "reduced", "none":
	default:
		return fmt.Errorf("unknown channels.padding level %q",
			c.Padding)
	}

	if c.SOCKS != "" {
		if _, _, err := net.SplitHostPort(c.SOCKS); err != nil {
			return fmt.Errorf("invalid channels.socks address "+
				"%q: %w", c.SOCKS, err)
		}
	}

	return nil
}
