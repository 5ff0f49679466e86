package tunnel

import (
	"context"
	"errors"
	"net/netip"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrNotPresent is returned by Host removal methods when the object is
// already gone. Teardown treats it as success.
var ErrNotPresent = errors.New("not present")

// Family selects iptables or ip6tables.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Rule is one packet filter rule.
type Rule struct {
	Family Family
	Table  string
	Chain  string
	Args   []string
}

func (r Rule) String() string {
	return r.Table + "/" + r.Chain + " " + strings.Join(r.Args, " ")
}

// Host is the privileged system surface the Manager drives. Every method
// must be safe to call repeatedly with the same arguments: Ensure/Replace
// methods converge on the requested state, Delete methods return
// ErrNotPresent when there is nothing to remove.
type Host interface {
	EnsureLink(ctx context.Context, name string, mtu int) error
	DeleteLink(ctx context.Context, name string) error
	ConfigureDevice(ctx context.Context, name string, cfg wgtypes.Config) error
	SetLinkUp(ctx context.Context, name string) error
	SetLinkDown(ctx context.Context, name string) error
	ReplaceAddress(ctx context.Context, name string, addr netip.Prefix) error
	DeleteAddress(ctx context.Context, name string, addr netip.Prefix) error
	ReplaceRoute(ctx context.Context, name string, dst netip.Prefix) error
	DeleteRoute(ctx context.Context, name string, dst netip.Prefix) error
	EnableForwarding(ctx context.Context, family Family) error
	EnsureRule(ctx context.Context, rule Rule) error
	DeleteRule(ctx context.Context, rule Rule) error
	ReplaceQdisc(ctx context.Context, name, kind string) error
	DeleteQdisc(ctx context.Context, name, kind string) error
	LinkState(ctx context.Context, name string) (exists bool, up bool, err error)
	Close() error
}
