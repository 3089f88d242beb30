package fallback

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/stretchr/testify/require"
)

// TestParseDir checks the accepted fallback syntax and a few ways of getting
// it wrong.
func TestParseDir(t *testing.T) {
	t.Parallel()

	ed := strings.Repeat("ab", linkspec.Ed25519IDLen)
	rsa := strings.Repeat("cd", linkspec.RSAIDLen)

	dir, err := ParseDir(ed + ":" + rsa + "@10.0.0.1:9001, [::1]:443")
	require.NoError(t, err)
	require.Equal(t, byte(0xab), dir.IDs().Ed25519[0])
	require.Equal(t, byte(0xcd), dir.IDs().RSA[linkspec.RSAIDLen-1])
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:9001"),
		netip.MustParseAddrPort("[::1]:443"),
	}, dir.Addrs())

	bad := []string{
		ed + ":" + rsa,
		ed + "@10.0.0.1:9001",
		"zz:" + rsa + "@10.0.0.1:9001",
		ed + ":" + rsa[2:] + "@10.0.0.1:9001",
		ed + ":" + rsa + "@10.0.0.1",
	}
	for _, s := range bad {
		_, err := ParseDir(s)
		require.Error(t, err, s)
	}

	_, err = ParseDir(ed[2:] + ":" + rsa + "@10.0.0.1:9001")
	require.ErrorIs(t, err, linkspec.ErrBadIDLength)
}
