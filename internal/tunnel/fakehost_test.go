package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type fakeLink struct {
	mtu    int
	up     bool
	peers  []wgtypes.PeerConfig
	addrs  map[netip.Prefix]struct{}
	routes map[netip.Prefix]struct{}
	qdisc  string
}

// fakeHost is an in-memory Host. fail injects an error per method name;
// block makes a method wait for ctx.
type fakeHost struct {
	mu         sync.Mutex
	links      map[string]*fakeLink
	rules      map[string]Rule
	ruleAdds   int
	forwarding map[Family]bool
	fail       map[string]error
	block      map[string]bool
	calls      []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		links:      make(map[string]*fakeLink),
		rules:      make(map[string]Rule),
		forwarding: make(map[Family]bool),
		fail:       make(map[string]error),
		block:      make(map[string]bool),
	}
}

func (f *fakeHost) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err := f.fail[method]
	block := f.block[method]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeHost) link(name string) (*fakeLink, error) {
	l, ok := f.links[name]
	if !ok {
		return nil, fmt.Errorf("link %s: %w", name, ErrNotPresent)
	}
	return l, nil
}

func (f *fakeHost) EnsureLink(ctx context.Context, name string, mtu int) error {
	if err := f.enter(ctx, "EnsureLink"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		l = &fakeLink{addrs: map[netip.Prefix]struct{}{}, routes: map[netip.Prefix]struct{}{}}
		f.links[name] = l
	}
	if mtu > 0 {
		l.mtu = mtu
	}
	return nil
}

func (f *fakeHost) DeleteLink(ctx context.Context, name string) error {
	if err := f.enter(ctx, "DeleteLink"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.link(name); err != nil {
		return err
	}
	delete(f.links, name)
	return nil
}

func (f *fakeHost) ConfigureDevice(ctx context.Context, name string, cfg wgtypes.Config) error {
	if err := f.enter(ctx, "ConfigureDevice"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	if cfg.ReplacePeers {
		l.peers = append([]wgtypes.PeerConfig(nil), cfg.Peers...)
	}
	return nil
}

func (f *fakeHost) SetLinkUp(ctx context.Context, name string) error {
	return f.setUp(ctx, "SetLinkUp", name, true)
}

func (f *fakeHost) SetLinkDown(ctx context.Context, name string) error {
	return f.setUp(ctx, "SetLinkDown", name, false)
}

func (f *fakeHost) setUp(ctx context.Context, method, name string, up bool) error {
	if err := f.enter(ctx, method); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	l.up = up
	return nil
}

func (f *fakeHost) ReplaceAddress(ctx context.Context, name string, addr netip.Prefix) error {
	if err := f.enter(ctx, "ReplaceAddress"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	l.addrs[addr] = struct{}{}
	return nil
}

func (f *fakeHost) DeleteAddress(ctx context.Context, name string, addr netip.Prefix) error {
	if err := f.enter(ctx, "DeleteAddress"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	if _, ok := l.addrs[addr]; !ok {
		return ErrNotPresent
	}
	delete(l.addrs, addr)
	return nil
}

func (f *fakeHost) ReplaceRoute(ctx context.Context, name string, dst netip.Prefix) error {
	if err := f.enter(ctx, "ReplaceRoute"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	l.routes[dst] = struct{}{}
	return nil
}

func (f *fakeHost) DeleteRoute(ctx context.Context, name string, dst netip.Prefix) error {
	if err := f.enter(ctx, "DeleteRoute"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	if _, ok := l.routes[dst]; !ok {
		return ErrNotPresent
	}
	delete(l.routes, dst)
	return nil
}

func (f *fakeHost) EnableForwarding(ctx context.Context, family Family) error {
	if err := f.enter(ctx, "EnableForwarding"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarding[family] = true
	return nil
}

func ruleKey(r Rule) string {
	return fmt.Sprintf("%d %s", r.Family, r.String())
}

func (f *fakeHost) EnsureRule(ctx context.Context, rule Rule) error {
	if err := f.enter(ctx, "EnsureRule"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[ruleKey(rule)]; ok {
		return nil
	}
	f.rules[ruleKey(rule)] = rule
	f.ruleAdds++
	return nil
}

func (f *fakeHost) DeleteRule(ctx context.Context, rule Rule) error {
	if err := f.enter(ctx, "DeleteRule"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[ruleKey(rule)]; !ok {
		return ErrNotPresent
	}
	delete(f.rules, ruleKey(rule))
	return nil
}

func (f *fakeHost) ReplaceQdisc(ctx context.Context, name, kind string) error {
	if err := f.enter(ctx, "ReplaceQdisc"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	l.qdisc = kind
	return nil
}

func (f *fakeHost) DeleteQdisc(ctx context.Context, name, kind string) error {
	if err := f.enter(ctx, "DeleteQdisc"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(name)
	if err != nil {
		return err
	}
	if l.qdisc != kind {
		return ErrNotPresent
	}
	l.qdisc = ""
	return nil
}

func (f *fakeHost) LinkState(ctx context.Context, name string) (bool, bool, error) {
	if err := f.enter(ctx, "LinkState"); err != nil {
		return false, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return false, false, nil
	}
	return true, l.up, nil
}

func (f *fakeHost) Close() error { return nil }

func (f *fakeHost) ruleList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rules))
	for k := range f.rules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *fakeHost) hasLink(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.links[name]
	return ok
}

func (f *fakeHost) setFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}
