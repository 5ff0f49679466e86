package tunnel

import (
	"context"
	"net/netip"

	"frameworks/api_tunnel/internal/wireguard"
)

// Activation step names, in order.
const (
	StepLink       = "link"
	StepDevice     = "device"
	StepAddress    = "address"
	StepUp         = "up"
	StepRoutes     = "routes"
	StepForwarding = "forwarding"
	StepNAT        = "nat"
	StepQdisc      = "qdisc"
)

type step struct {
	name string
	up   func(ctx context.Context) error
	down func(ctx context.Context) error
}

// plan builds the ordered activation sequence for iface. Teardown runs the
// same plan's down actions in reverse.
func (m *Manager) plan(iface wireguard.Interface) []step {
	h := m.host
	name := iface.Name
	family := familyOf(iface.Address)

	steps := []step{
		{
			name: StepLink,
			up:   func(ctx context.Context) error { return h.EnsureLink(ctx, name, iface.MTU) },
			down: func(ctx context.Context) error { return h.DeleteLink(ctx, name) },
		},
		{
			name: StepDevice,
			up: func(ctx context.Context) error {
				cfg, err := wireguard.DeviceConfig(iface)
				if err != nil {
					return err
				}
				return h.ConfigureDevice(ctx, name, cfg)
			},
			down: func(ctx context.Context) error {
				cleared, err := wireguard.DeviceConfig(wireguard.Interface{})
				if err != nil {
					return err
				}
				return h.ConfigureDevice(ctx, name, cleared)
			},
		},
		{
			name: StepAddress,
			up:   func(ctx context.Context) error { return h.ReplaceAddress(ctx, name, iface.Address) },
			down: func(ctx context.Context) error {
				if !iface.Address.IsValid() {
					return nil
				}
				return h.DeleteAddress(ctx, name, iface.Address)
			},
		},
		{
			name: StepUp,
			up:   func(ctx context.Context) error { return h.SetLinkUp(ctx, name) },
			down: func(ctx context.Context) error { return h.SetLinkDown(ctx, name) },
		},
		{
			name: StepRoutes,
			up: func(ctx context.Context) error {
				for _, dst := range peerRoutes(iface) {
					if err := h.ReplaceRoute(ctx, name, dst); err != nil {
						return err
					}
				}
				return nil
			},
			down: func(ctx context.Context) error {
				routes := peerRoutes(iface)
				for i := len(routes) - 1; i >= 0; i-- {
					if err := h.DeleteRoute(ctx, name, routes[i]); err != nil && !isNotPresent(err) {
						return err
					}
				}
				return nil
			},
		},
	}

	if iface.Role == wireguard.RoleServer {
		forward := forwardRules(iface, family)
		nat := natRule(iface, family, m.egress)
		steps = append(steps,
			step{
				name: StepForwarding,
				up: func(ctx context.Context) error {
					if err := h.EnableForwarding(ctx, family); err != nil {
						return err
					}
					for _, r := range forward {
						if err := h.EnsureRule(ctx, r); err != nil {
							return err
						}
					}
					return nil
				},
				// ip_forward is host-wide and stays on; only our rules go.
				down: func(ctx context.Context) error {
					for i := len(forward) - 1; i >= 0; i-- {
						if err := h.DeleteRule(ctx, forward[i]); err != nil && !isNotPresent(err) {
							return err
						}
					}
					return nil
				},
			},
			step{
				name: StepNAT,
				up:   func(ctx context.Context) error { return h.EnsureRule(ctx, nat) },
				down: func(ctx context.Context) error { return h.DeleteRule(ctx, nat) },
			},
		)
	}

	if m.qdisc != "" {
		kind := m.qdisc
		steps = append(steps, step{
			name: StepQdisc,
			up:   func(ctx context.Context) error { return h.ReplaceQdisc(ctx, name, kind) },
			down: func(ctx context.Context) error { return h.DeleteQdisc(ctx, name, kind) },
		})
	}
	return steps
}

func forwardRules(iface wireguard.Interface, family Family) []Rule {
	return []Rule{
		{Family: family, Table: "filter", Chain: "FORWARD", Args: []string{"-i", iface.Name, "-j", "ACCEPT"}},
		{Family: family, Table: "filter", Chain: "FORWARD", Args: []string{"-o", iface.Name, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}
}

func natRule(iface wireguard.Interface, family Family, egress string) Rule {
	return Rule{
		Family: family,
		Table:  "nat",
		Chain:  "POSTROUTING",
		Args:   []string{"-s", iface.Address.Masked().String(), "-o", egress, "-j", "MASQUERADE"},
	}
}

// peerRoutes returns the peer prefixes that need an explicit route: those
// outside the interface's own subnet. Default routes are skipped; capturing
// the default route needs policy routing, which is left to the operator.
func peerRoutes(iface wireguard.Interface) []netip.Prefix {
	subnet := iface.Address.Masked()
	var out []netip.Prefix
	for _, p := range iface.Peers {
		for _, dst := range p.AllowedIPs {
			if dst.Bits() == 0 {
				continue
			}
			if dst.Addr().Is4() != subnet.Addr().Is4() {
				continue
			}
			if subnet.Bits() <= dst.Bits() && subnet.Contains(dst.Addr()) {
				continue
			}
			out = append(out, dst)
		}
	}
	return out
}

func familyOf(p netip.Prefix) Family {
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		return FamilyIPv6
	}
	return FamilyIPv4
}
