//go:build linux

package traffic

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"
)

// LinkCounters reads counters from the kernel link statistics.
type LinkCounters struct{}

func (LinkCounters) Counters(_ context.Context, name string) (uint64, uint64, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup link: %w", err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, 0, fmt.Errorf("link %s reports no statistics", name)
	}
	return stats.RxBytes, stats.TxBytes, nil
}
