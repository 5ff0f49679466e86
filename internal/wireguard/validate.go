package wireguard

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var ifacePattern = regexp.MustCompile(`^[A-Za-z0-9_=+.-]{1,15}$`)

// peerNamePattern keeps names safe inside a "# Name" comment line.
var peerNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Validate checks the structural invariants of an Interface: a client has at
// most one peer, and a server's peers have unique names, unique public keys
// and pairwise-disjoint allowed IPs.
func Validate(iface Interface) error {
	if !ifacePattern.MatchString(iface.Name) {
		return fmt.Errorf("invalid interface name %q", iface.Name)
	}
	switch iface.Role {
	case RoleServer, RoleClient:
	default:
		return fmt.Errorf("interface %s: invalid role %q", iface.Name, iface.Role)
	}
	if !iface.Address.IsValid() {
		return fmt.Errorf("interface %s: address is required", iface.Name)
	}
	if iface.ListenPort < 0 || iface.ListenPort > 65535 {
		return fmt.Errorf("interface %s: listen port %d out of range", iface.Name, iface.ListenPort)
	}
	if iface.Role == RoleClient && iface.ListenPort != 0 {
		return fmt.Errorf("interface %s: listen port is only valid for the server role", iface.Name)
	}
	if iface.MTU != 0 && (iface.MTU < 576 || iface.MTU > 65535) {
		return fmt.Errorf("interface %s: mtu %d out of range", iface.Name, iface.MTU)
	}
	if iface.Role == RoleClient && len(iface.Peers) > 1 {
		return fmt.Errorf("interface %s: client role allows at most one peer, got %d", iface.Name, len(iface.Peers))
	}

	names := make(map[string]struct{}, len(iface.Peers))
	keys := make(map[string]string, len(iface.Peers))
	for idx, peer := range iface.Peers {
		if err := validatePeer(peer); err != nil {
			return fmt.Errorf("interface %s: peer %d: %w", iface.Name, idx, err)
		}
		if peer.Name != "" {
			if _, dup := names[peer.Name]; dup {
				return fmt.Errorf("interface %s: duplicate peer name %q", iface.Name, peer.Name)
			}
			names[peer.Name] = struct{}{}
		}
		key := peer.PublicKey.String()
		if other, dup := keys[key]; dup {
			return fmt.Errorf("interface %s: peers %q and %q share a public key", iface.Name, other, peer.Name)
		}
		keys[key] = peer.Name
	}

	if iface.Role == RoleServer {
		if a, b, ok := overlappingPeers(iface.Peers); ok {
			return fmt.Errorf("interface %s: allowed IPs of peers %q and %q overlap", iface.Name, a, b)
		}
	}
	return nil
}

func validatePeer(peer Peer) error {
	if peer.Name != "" && !peerNamePattern.MatchString(peer.Name) {
		return fmt.Errorf("invalid peer name %q", peer.Name)
	}
	if isZeroKey(peer.PublicKey) {
		return fmt.Errorf("public key is required")
	}
	if len(peer.AllowedIPs) == 0 {
		return fmt.Errorf("no allowed IPs")
	}
	for _, p := range peer.AllowedIPs {
		if !p.IsValid() {
			return fmt.Errorf("invalid allowed IP")
		}
		if p != p.Masked() {
			return fmt.Errorf("allowed IP %s has host bits set", p)
		}
	}
	if peer.PersistentKeepalive < 0 || peer.PersistentKeepalive > 65535 {
		return fmt.Errorf("keepalive %d out of range", peer.PersistentKeepalive)
	}
	if peer.Endpoint != "" {
		host, port, err := net.SplitHostPort(peer.Endpoint)
		if err != nil || strings.TrimSpace(host) == "" || port == "" {
			return fmt.Errorf("invalid endpoint %q", peer.Endpoint)
		}
	}
	return nil
}

// overlappingPeers returns the first pair of peers whose allowed IPs overlap.
func overlappingPeers(peers []Peer) (string, string, bool) {
	for i := range peers {
		for j := i + 1; j < len(peers); j++ {
			for _, a := range peers[i].AllowedIPs {
				for _, b := range peers[j].AllowedIPs {
					if a.Overlaps(b) {
						return peers[i].Name, peers[j].Name, true
					}
				}
			}
		}
	}
	return "", "", false
}
