package manager

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"frameworks/api_tunnel/internal/settings"
	"frameworks/api_tunnel/internal/tunnel"
)

// fakeHost tracks link existence and state; everything else succeeds.
type fakeHost struct {
	mu      sync.Mutex
	links   map[string]bool // name -> up
	devices map[string]wgtypes.Config
}

func newFakeHost() *fakeHost {
	return &fakeHost{links: map[string]bool{}, devices: map[string]wgtypes.Config{}}
}

func (h *fakeHost) EnsureLink(_ context.Context, name string, _ int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[name]; !ok {
		h.links[name] = false
	}
	return nil
}

func (h *fakeHost) DeleteLink(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[name]; !ok {
		return tunnel.ErrNotPresent
	}
	delete(h.links, name)
	return nil
}

func (h *fakeHost) ConfigureDevice(_ context.Context, name string, cfg wgtypes.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[name] = cfg
	return nil
}

func (h *fakeHost) SetLinkUp(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links[name] = true
	return nil
}

func (h *fakeHost) SetLinkDown(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[name]; !ok {
		return tunnel.ErrNotPresent
	}
	h.links[name] = false
	return nil
}

func (h *fakeHost) ReplaceAddress(context.Context, string, netip.Prefix) error { return nil }
func (h *fakeHost) DeleteAddress(context.Context, string, netip.Prefix) error  { return nil }
func (h *fakeHost) ReplaceRoute(context.Context, string, netip.Prefix) error   { return nil }
func (h *fakeHost) DeleteRoute(context.Context, string, netip.Prefix) error    { return nil }
func (h *fakeHost) EnableForwarding(context.Context, tunnel.Family) error      { return nil }
func (h *fakeHost) EnsureRule(context.Context, tunnel.Rule) error              { return nil }
func (h *fakeHost) DeleteRule(context.Context, tunnel.Rule) error              { return nil }
func (h *fakeHost) ReplaceQdisc(context.Context, string, string) error         { return nil }
func (h *fakeHost) DeleteQdisc(context.Context, string, string) error          { return nil }
func (h *fakeHost) Close() error                                               { return nil }

func (h *fakeHost) LinkState(_ context.Context, name string) (bool, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	up, ok := h.links[name]
	return ok, up, nil
}

// fakeCounters returns per-interface counters set by the test.
type fakeCounters struct {
	mu   sync.Mutex
	vals map[string][2]uint64
}

func (c *fakeCounters) set(name string, rx, tx uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vals == nil {
		c.vals = map[string][2]uint64{}
	}
	c.vals[name] = [2]uint64{rx, tx}
}

func (c *fakeCounters) Counters(_ context.Context, name string) (uint64, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vals[name]
	if !ok {
		return 0, 0, errors.New("link not found")
	}
	return v[0], v[1], nil
}

type fakeOps struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (o *fakeOps) CPUs(context.Context) ([]int, error) { return []int{0, 1}, nil }

func (o *fakeOps) SetGovernor(context.Context, int, string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.err
}

func (o *fakeOps) NetworkIRQs(context.Context) ([]int, error)     { return nil, nil }
func (o *fakeOps) SetIRQAffinity(context.Context, int, int) error { return nil }

func (o *fakeOps) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type fakeAddress struct {
	addr string
	err  error
}

func (a fakeAddress) Lookup(context.Context) (string, error) { return a.addr, a.err }

func testSettings(dir string) settings.Settings {
	return settings.Settings{
		StateDir: dir,
		Server: settings.Server{
			Interface:       "wg0",
			Address:         "10.200.0.1/24",
			ListenPort:      51820,
			MTU:             1420,
			EgressInterface: "eth0",
			Qdisc:           "fq",
		},
		Client: settings.Client{
			Interface: "wg1",
			Config:    dir + "/client/wg1.conf",
		},
		ClientAllowedIPs:  []string{"0.0.0.0/0"},
		Keepalive:         25,
		Optimizer:         settings.Optimizer{ThresholdBytes: 1000, Governor: "performance"},
		MonitorInterval:   20 * time.Millisecond,
		StatusInterval:    10 * time.Millisecond,
		PrivilegedTimeout: time.Second,
	}
}
