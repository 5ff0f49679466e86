package wireguard

import (
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Role is the part an Interface plays in the tunnel pair.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Field is a key/value the renderer does not understand. It is kept in its
// original order and written back unchanged.
type Field struct {
	Key   string
	Value string
}

// Interface is the desired state of one tunnel interface.
type Interface struct {
	Name       string
	Role       Role
	Address    netip.Prefix // interface address with host bits, e.g. 10.200.0.1/24
	ListenPort int          // server only; 0 lets the kernel pick
	MTU        int          // 0 keeps the kernel default
	PrivateKey wgtypes.Key
	DNS        []string // client only, passed through for wg-quick
	Peers      []Peer
	Extra      []Field
}

// Peer is a remote endpoint attached to an Interface.
type Peer struct {
	Name                string
	PublicKey           wgtypes.Key
	AllowedIPs          []netip.Prefix
	Endpoint            string // host:port, optional
	PersistentKeepalive int    // seconds, 0 disables
	Extra               []Field
}

// PeerIndex returns the position of the named peer, or -1.
func (i *Interface) PeerIndex(name string) int {
	for idx := range i.Peers {
		if i.Peers[idx].Name == name {
			return idx
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (i Interface) Clone() Interface {
	out := i
	out.DNS = cloneSlice(i.DNS)
	out.Extra = cloneSlice(i.Extra)
	if i.Peers != nil {
		out.Peers = make([]Peer, len(i.Peers))
		for idx, p := range i.Peers {
			out.Peers[idx] = p.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the peer.
func (p Peer) Clone() Peer {
	out := p
	out.AllowedIPs = cloneSlice(p.AllowedIPs)
	out.Extra = cloneSlice(p.Extra)
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
