package fallback

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/lightningnetwork/torcirc/linkspec"
)

// ParseDir parses a fallback directory given as
// <ed25519 hex>:<rsa hex>@<addr>[,<addr>...], where every address is an
// ip:port pair.
func ParseDir(s string) (*Dir, error) {
	idPart, addrPart, ok := strings.Cut(s, "@")
	if !ok {
		return nil, fmt.Errorf("fallback %q: missing '@' between "+
			"identities and addresses", s)
	}

	edHex, rsaHex, ok := strings.Cut(idPart, ":")
	if !ok {
		return nil, fmt.Errorf("fallback %q: identities must be "+
			"given as <ed25519>:<rsa>", s)
	}

	edBytes, err := hex.DecodeString(edHex)
	if err != nil {
		return nil, fmt.Errorf("fallback %q: bad ed25519 identity: %w",
			s, err)
	}
	rsaBytes, err := hex.DecodeString(rsaHex)
	if err != nil {
		return nil, fmt.Errorf("fallback %q: bad rsa identity: %w", s,
			err)
	}

	var ids linkspec.RelayIDs
	if ids.Ed25519, err = linkspec.Ed25519IDFromBytes(edBytes); err != nil {
		return nil, fmt.Errorf("fallback %q: %w", s, err)
	}
	if ids.RSA, err = linkspec.RSAIDFromBytes(rsaBytes); err != nil {
		return nil, fmt.Errorf("fallback %q: %w", s, err)
	}

	var addrs []netip.AddrPort
	for _, a := range strings.Split(addrPart, ",") {
		addr, err := netip.ParseAddrPort(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}

	return NewDir(ids, addrs), nil
}
