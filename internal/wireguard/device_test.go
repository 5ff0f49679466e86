package wireguard

import (
	"net/netip"
	"testing"
	"time"
)

func TestDeviceConfigReplacesPeers(t *testing.T) {
	iface := serverInterface(t)
	cfg, err := DeviceConfig(iface)
	if err != nil {
		t.Fatalf("device config: %v", err)
	}
	if !cfg.ReplacePeers {
		t.Fatal("device config must replace peers so removed keys lose access")
	}
	if cfg.PrivateKey == nil || *cfg.PrivateKey != iface.PrivateKey {
		t.Fatal("private key not carried over")
	}
	if cfg.ListenPort == nil || *cfg.ListenPort != 51820 {
		t.Fatal("listen port not carried over")
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}

	phone := cfg.Peers[0]
	if phone.PublicKey != iface.Peers[0].PublicKey || !phone.ReplaceAllowedIPs {
		t.Fatalf("unexpected phone peer: %+v", phone)
	}
	if phone.PersistentKeepaliveInterval == nil || *phone.PersistentKeepaliveInterval != 25*time.Second {
		t.Fatal("keepalive not converted")
	}
	if got := phone.AllowedIPs[0].String(); got != "10.200.0.10/32" {
		t.Fatalf("allowed ip = %s", got)
	}

	laptop := cfg.Peers[1]
	if laptop.Endpoint == nil || laptop.Endpoint.Port != 51820 {
		t.Fatalf("endpoint not resolved: %+v", laptop.Endpoint)
	}
}

func TestDeviceConfigIPv6(t *testing.T) {
	iface := Interface{
		Name:    "wg1",
		Role:    RoleClient,
		Address: netip.MustParsePrefix("fd00::2/128"),
		Peers: []Peer{{
			PublicKey:  mustKey(t).PublicKey(),
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("::/0")},
		}},
	}
	cfg, err := DeviceConfig(iface)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenPort != nil {
		t.Fatal("client should not set a listen port")
	}
	if got := cfg.Peers[0].AllowedIPs[0].String(); got != "::/0" {
		t.Fatalf("allowed ip = %s", got)
	}
}
