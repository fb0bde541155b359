// Package ipam allocates VPN addresses from the configured subnet and
// validates operator-supplied AllowedIP ranges for overlap, using a
// sequential-scan allocator that recomputes the used set from the store
// on every call rather than caching it in memory.
package ipam

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/anvil-lab/wgctl/internal/store"
	"github.com/anvil-lab/wgctl/internal/vpnerr"
	"github.com/google/uuid"
)

// Store is the subset of the store gateway IPAM needs.
type Store interface {
	AllUsedNetworks(ctx context.Context) ([]store.UsedNetwork, error)
}

// UsedNetworkView is an alias kept for callers that build fixtures without
// a real store.
type UsedNetworkView = store.UsedNetwork

// IPAM allocates and validates addresses against a configured subnet.
type IPAM struct {
	subnet *net.IPNet
	store  Store
}

func New(subnetCIDR string, store Store) (*IPAM, error) {
	_, subnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid VPN subnet %q: %w", subnetCIDR, err)
	}
	return &IPAM{subnet: subnet, store: store}, nil
}

// Gateway is the first host address of the subnet, reserved and never
// allocated to a peer.
func (i *IPAM) Gateway() net.IP {
	gw := cloneIP(i.subnet.IP)
	incrementIP(gw)
	return gw
}

// Subnet returns the configured VPN subnet.
func (i *IPAM) Subnet() *net.IPNet { return i.subnet }

// Next allocates the lowest-free host address in the subnet, excluding the
// network and broadcast addresses, the gateway, and every already-assigned
// peer address.
func (i *IPAM) Next(ctx context.Context) (string, error) {
	used, err := i.store.AllUsedNetworks(ctx)
	if err != nil {
		return "", fmt.Errorf("enumerate used addresses: %w", err)
	}

	usedSet := map[string]bool{i.Gateway().String(): true}
	for _, u := range used {
		if u.IsAddress {
			ip, _, err := net.ParseCIDR(u.CIDR)
			if err == nil {
				usedSet[ip.String()] = true
			}
		}
	}

	candidate := cloneIP(i.subnet.IP)
	incrementIP(candidate) // skip network address
	incrementIP(candidate) // skip gateway

	broadcast := cloneIP(i.subnet.IP)
	for j := range broadcast {
		broadcast[j] |= ^i.subnet.Mask[j]
	}

	for i.subnet.Contains(candidate) && !candidate.Equal(broadcast) {
		if !usedSet[candidate.String()] {
			return candidate.String(), nil
		}
		incrementIP(candidate)
	}

	return "", vpnerr.SubnetExhausted(fmt.Sprintf("no free host address in %s", i.subnet))
}

// ValidateMultipleAllowedIPs checks every candidate AllowedIP against:
// subnet overlap, overlap with any other peer's address/AllowedIPs
// (excluding the peer being edited), and overlap amongst the candidates
// themselves. It returns every violation found, not just the first.
func (i *IPAM) ValidateMultipleAllowedIPs(ctx context.Context, editingPeer uuid.UUID, candidates []string) ([]string, error) {
	var violations []string

	parsed := make([]*net.IPNet, len(candidates))
	for idx, c := range candidates {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%q is not a valid CIDR", c))
			continue
		}
		parsed[idx] = n

		if overlaps(n, i.subnet) {
			violations = append(violations, fmt.Sprintf("%s overlaps the VPN subnet %s", c, i.subnet))
		}
	}

	used, err := i.store.AllUsedNetworks(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate used networks: %w", err)
	}

	for idx, n := range parsed {
		if n == nil {
			continue
		}
		for _, u := range used {
			if u.PeerID == editingPeer {
				continue
			}
			_, other, err := net.ParseCIDR(u.CIDR)
			if err != nil {
				continue
			}
			if overlaps(n, other) {
				violations = append(violations, fmt.Sprintf("%s overlaps %s's %s", candidates[idx], u.PeerName, u.CIDR))
			}
		}
	}

	for a := 0; a < len(parsed); a++ {
		for b := a + 1; b < len(parsed); b++ {
			if parsed[a] == nil || parsed[b] == nil {
				continue
			}
			if overlaps(parsed[a], parsed[b]) {
				violations = append(violations, fmt.Sprintf("%s overlaps %s in this submission", candidates[a], candidates[b]))
			}
		}
	}

	sort.Strings(violations)
	return violations, nil
}

func overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

// incrementIP increments an IP address by 1, byte-carrying from the
// last octet.
func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

// PeerAsUsedNetwork adapts a models.Peer for callers outside this package
// that need to build a UsedNetworkView from a fully loaded peer (e.g.
// tests constructing fixtures without a real store).
func PeerAsUsedNetwork(p models.Peer) UsedNetworkView {
	return UsedNetworkView{PeerID: p.ID, PeerName: p.Name, CIDR: p.AssignedIP + "/32", IsAddress: true}
}
