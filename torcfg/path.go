package torcfg

import (
	"fmt"
	"math"

	"github.com/lightningnetwork/torcirc/netdir"
)

// Path configures path selection.
type Path struct {
	IPv4Subnet int `long:"ipv4subnet" description:"Never put two relays whose IPv4 addresses share a prefix of this many bits on one circuit; more than 32 disables the check"`
	IPv6Subnet int `long:"ipv6subnet" description:"Never put two relays whose IPv6 addresses share a prefix of this many bits on one circuit; more than 128 disables the check"`
}

// DefaultPath returns the default path selection configuration.
func DefaultPath() *Path {
	subnets := netdir.DefaultSubnetConfig()

	return &Path{
		IPv4Subnet: int(subnets.SubnetsFamilyV4),
		IPv6Subnet: int(subnets.SubnetsFamilyV6),
	}
}

// Validate checks that both prefix lengths are in range.
func (p *Path) Validate() error {
	if p.IPv4Subnet < 0 || p.IPv4Subnet > math.MaxUint8 {
		return fmt.Errorf("path.ipv4subnet out of range: %d",
			p.IPv4Subnet)
	}
	if p.IPv6Subnet < 0 || p.IPv6Subnet > math.MaxUint8 {
		return fmt.Errorf("path.ipv6subnet out of range: %d",
			p.IPv6Subnet)
	}

	return nil
}

// SubnetConfig returns the subnet configuration for path selection.
func (p *Path) SubnetConfig() netdir.SubnetConfig {
	return netdir.SubnetConfig{
		SubnetsFamilyV4: uint8(p.IPv4Subnet),
		SubnetsFamilyV6: uint8(p.IPv6Subnet),
	}
}
