package wireguard

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DeviceConfig converts iface into the kernel device view. ReplacePeers is
// set, so applying it is a full sync: any peer or key not listed here stops
// being authorized the moment the device accepts the config.
func DeviceConfig(iface Interface) (wgtypes.Config, error) {
	cfg := wgtypes.Config{
		ReplacePeers: true,
		Peers:        make([]wgtypes.PeerConfig, 0, len(iface.Peers)),
	}
	if !isZeroKey(iface.PrivateKey) {
		key := iface.PrivateKey
		cfg.PrivateKey = &key
	}
	if iface.ListenPort != 0 {
		port := iface.ListenPort
		cfg.ListenPort = &port
	}

	for _, p := range iface.Peers {
		pc := wgtypes.PeerConfig{
			PublicKey:         p.PublicKey,
			ReplaceAllowedIPs: true,
			AllowedIPs:        make([]net.IPNet, 0, len(p.AllowedIPs)),
		}
		for _, prefix := range p.AllowedIPs {
			pc.AllowedIPs = append(pc.AllowedIPs, net.IPNet{
				IP:   net.IP(prefix.Addr().AsSlice()),
				Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
			})
		}
		if p.Endpoint != "" {
			addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return wgtypes.Config{}, fmt.Errorf("resolve endpoint %s for peer %s: %w", p.Endpoint, p.Name, err)
			}
			pc.Endpoint = addr
		}
		if p.PersistentKeepalive > 0 {
			ka := time.Duration(p.PersistentKeepalive) * time.Second
			pc.PersistentKeepaliveInterval = &ka
		}
		cfg.Peers = append(cfg.Peers, pc)
	}
	return cfg, nil
}
