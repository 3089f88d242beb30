package chanmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/lightningnetwork/lnd/tor"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/proto"
)

// DefaultConnectTimeout bounds each TCP connection attempt.
const DefaultConnectTimeout = 10 * time.Second

// Dialer opens TCP connections. Both tor.ClearNet and tor.ProxyNet
// implement it.
type Dialer interface {
	Dial(network, address string, timeout time.Duration) (net.Conn, error)
}

// NewDialer returns a dialer connecting directly, or through the SOCKS5
// proxy at socksAddr if it is set.
func NewDialer(socksAddr string) Dialer {
	if socksAddr == "" {
		return &tor.ClearNet{}
	}

	return &tor.ProxyNet{
		SOCKS: socksAddr,
	}
}

// ChanBuilderConfig holds the dependencies of a ChanBuilder.
type ChanBuilderConfig struct {
	// Net opens TCP connections.
	Net Dialer

	// Handshaker runs the link handshake over TLS.
	Handshaker proto.Handshaker

	// ConnectTimeout bounds each TCP connection attempt.
	ConnectTimeout time.Duration

	// TLSConfig is used for the TLS client. Relays present self-signed
	// certificates and prove their identity in the link handshake, so
	// the default skips certificate verification.
	TLSConfig *tls.Config
}

// ChanBuilder is the default ChannelFactory: it tries the addresses of a
// relay in order, wraps the first connection made in TLS and hands it to the
// protocol engine.
type ChanBuilder struct {
	cfg ChanBuilderConfig
}

// A compile-time check that ChanBuilder implements ChannelFactory.
var _ ChannelFactory = (*ChanBuilder)(nil)

// NewChanBuilder returns a ChanBuilder.
func NewChanBuilder(cfg ChanBuilderConfig) *ChanBuilder {
	if cfg.Net == nil {
		cfg.Net = &tor.ClearNet{}
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{
			//nolint:gosec
			InsecureSkipVerify: true,
		}
	}

	return &ChanBuilder{cfg: cfg}
}

// BuildChannel connects to target and performs the link handshake.
func (b *ChanBuilder) BuildChannel(ctx context.Context,
	target *linkspec.OwnedChanTarget) (proto.Channel, error) {

	addrs := target.Addrs()
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	var (
		conn      net.Conn
		connected netip.AddrPort
		dialErrs  []error
	)
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := b.cfg.Net.Dial(
			"tcp", addr.String(), b.cfg.ConnectTimeout,
		)
		if err != nil {
			log.Debugf("Unable to connect to %v: %v", addr, err)
			dialErrs = append(dialErrs, &ConnectError{
				Addr: addr,
				Err:  err,
			})

			continue
		}

		conn, connected = c, addr

		break
	}
	if conn == nil {
		return nil, errors.Join(dialErrs...)
	}

	tlsConn := tls.Client(conn, b.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()

		return nil, &TLSError{Addr: connected, Err: err}
	}

	ch, err := b.cfg.Handshaker.Handshake(ctx, tlsConn, target)
	if err != nil {
		_ = tlsConn.Close()

		return nil, err
	}

	return ch, nil
}
