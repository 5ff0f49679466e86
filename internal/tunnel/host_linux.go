//go:build linux

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"frameworks/api_tunnel/pkg/logging"
)

type linuxHost struct {
	wg     *wgctrl.Client
	logger logging.Logger
}

// NewHost returns the Linux host backed by netlink, wgctrl and iptables.
func NewHost(logger logging.Logger) (Host, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control client: %w", err)
	}
	return &linuxHost{wg: client, logger: logger}, nil
}

func (h *linuxHost) Close() error {
	return h.wg.Close()
}

// netlink calls are not context-aware; the caller bounds them.
func linkByName(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("link %s: %w", name, ErrNotPresent)
		}
		return nil, fmt.Errorf("lookup link %s: %w", name, err)
	}
	return link, nil
}

func (h *linuxHost) EnsureLink(_ context.Context, name string, mtu int) error {
	link, err := linkByName(name)
	if errors.Is(err, ErrNotPresent) {
		attrs := netlink.NewLinkAttrs()
		attrs.Name = name
		if mtu > 0 {
			attrs.MTU = mtu
		}
		if err := netlink.LinkAdd(&netlink.Wireguard{LinkAttrs: attrs}); err != nil {
			return fmt.Errorf("create wireguard link %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if link.Type() != "wireguard" {
		return fmt.Errorf("link %s exists with type %s, not wireguard", name, link.Type())
	}
	if mtu > 0 && link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set mtu on %s: %w", name, err)
		}
	}
	return nil
}

func (h *linuxHost) DeleteLink(_ context.Context, name string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete link %s: %w", name, err)
	}
	return nil
}

func (h *linuxHost) ConfigureDevice(_ context.Context, name string, cfg wgtypes.Config) error {
	if err := h.wg.ConfigureDevice(name, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("device %s: %w", name, ErrNotPresent)
		}
		return fmt.Errorf("configure device %s: %w", name, err)
	}
	return nil
}

func (h *linuxHost) SetLinkUp(_ context.Context, name string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (h *linuxHost) SetLinkDown(_ context.Context, name string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetDown(link)
}

func (h *linuxHost) ReplaceAddress(_ context.Context, name string, addr netip.Prefix) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: toIPNet(addr)}); err != nil {
		return fmt.Errorf("set address %s on %s: %w", addr, name, err)
	}
	return nil
}

func (h *linuxHost) DeleteAddress(_ context.Context, name string, addr netip.Prefix) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.AddrDel(link, &netlink.Addr{IPNet: toIPNet(addr)}); err != nil {
		if errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ENOENT) {
			return ErrNotPresent
		}
		return fmt.Errorf("remove address %s from %s: %w", addr, name, err)
	}
	return nil
}

func (h *linuxHost) ReplaceRoute(_ context.Context, name string, dst netip.Prefix) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: toIPNet(dst)}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("route %s via %s: %w", dst, name, err)
	}
	return nil
}

func (h *linuxHost) DeleteRoute(_ context.Context, name string, dst netip.Prefix) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: toIPNet(dst)}
	if err := netlink.RouteDel(route); err != nil {
		if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENOENT) {
			return ErrNotPresent
		}
		return fmt.Errorf("remove route %s via %s: %w", dst, name, err)
	}
	return nil
}

func (h *linuxHost) EnableForwarding(_ context.Context, family Family) error {
	path := "/proc/sys/net/ipv4/ip_forward"
	if family == FamilyIPv6 {
		path = "/proc/sys/net/ipv6/conf/all/forwarding"
	}
	if current, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(current)) == "1" {
		return nil
	}
	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		return fmt.Errorf("enable forwarding: %w", err)
	}
	return nil
}

func (h *linuxHost) EnsureRule(ctx context.Context, rule Rule) error {
	present, err := h.ruleExists(ctx, rule)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	return h.iptables(ctx, rule, "-A")
}

func (h *linuxHost) DeleteRule(ctx context.Context, rule Rule) error {
	present, err := h.ruleExists(ctx, rule)
	if err != nil {
		return err
	}
	if !present {
		return ErrNotPresent
	}
	return h.iptables(ctx, rule, "-D")
}

func (h *linuxHost) ruleExists(ctx context.Context, rule Rule) (bool, error) {
	exit, _, stderr, err := run(ctx, iptablesBinary(rule.Family), ruleArgs(rule, "-C"))
	switch {
	case err == nil:
		return true, nil
	case deniedByIptables(stderr):
		return false, iptablesError("check rule", rule, err, stderr)
	case exit == 1:
		// iptables -C exits 1 when the rule is absent.
		return false, nil
	default:
		return false, iptablesError("check rule", rule, err, stderr)
	}
}

func (h *linuxHost) iptables(ctx context.Context, rule Rule, op string) error {
	if _, _, stderr, err := run(ctx, iptablesBinary(rule.Family), ruleArgs(rule, op)); err != nil {
		return iptablesError("iptables "+op, rule, err, stderr)
	}
	return nil
}

func deniedByIptables(stderr string) bool {
	return strings.Contains(stderr, "Permission denied") || strings.Contains(stderr, "you must be root")
}

// iptablesError maps a refused invocation to os.ErrPermission so callers
// classify it as a privilege failure.
func iptablesError(what string, rule Rule, err error, stderr string) error {
	if deniedByIptables(stderr) {
		return fmt.Errorf("%s %s: %w", what, rule, os.ErrPermission)
	}
	return fmt.Errorf("%s %s: %w: %s", what, rule, err, strings.TrimSpace(stderr))
}

func (h *linuxHost) ReplaceQdisc(_ context.Context, name, kind string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.QdiscReplace(rootQdisc(link, kind)); err != nil {
		return fmt.Errorf("set %s qdisc on %s: %w", kind, name, err)
	}
	return nil
}

func (h *linuxHost) DeleteQdisc(_ context.Context, name, kind string) error {
	link, err := linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.QdiscDel(rootQdisc(link, kind)); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EINVAL) {
			return ErrNotPresent
		}
		return fmt.Errorf("remove %s qdisc from %s: %w", kind, name, err)
	}
	return nil
}

func (h *linuxHost) LinkState(_ context.Context, name string) (bool, bool, error) {
	link, err := linkByName(name)
	if errors.Is(err, ErrNotPresent) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, link.Attrs().Flags&net.FlagUp != 0, nil
}

func rootQdisc(link netlink.Link, kind string) netlink.Qdisc {
	return &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netlink.MakeHandle(1, 0),
			Parent:    netlink.HANDLE_ROOT,
		},
		QdiscType: kind,
	}
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func iptablesBinary(f Family) string {
	if f == FamilyIPv6 {
		return "ip6tables"
	}
	return "iptables"
}

func ruleArgs(rule Rule, op string) []string {
	args := []string{"-w", "-t", rule.Table, op, rule.Chain}
	return append(args, rule.Args...)
}

// run executes a command and returns its exit code, stdout and stderr.
func run(ctx context.Context, cmd string, args []string) (int, string, string, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf
	err := c.Run()
	exit := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit = ee.ExitCode()
		} else {
			exit = -1
		}
	}
	if ctx.Err() != nil {
		return exit, outBuf.String(), errBuf.String(), fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
	return exit, outBuf.String(), errBuf.String(), err
}
