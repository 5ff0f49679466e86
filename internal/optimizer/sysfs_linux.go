//go:build linux

package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// DefaultIRQPattern matches /proc/interrupts device names of common NIC
// drivers and virtio queues.
const DefaultIRQPattern = `^(eth|en[a-z0-9]|wl|mlx|ixgbe|i40e|ice|igb|bnxt|virtio[0-9]+-(input|output)|ena|gve)`

type sysfsOps struct {
	sysRoot  string
	procRoot string
	irqMatch *regexp.Regexp
}

// NewSysfsOps returns the Linux implementation reading /sys and /proc.
// pattern selects network IRQs by device name; empty uses
// DefaultIRQPattern.
func NewSysfsOps(pattern string) (PrivilegedOps, error) {
	return newSysfsOps("/sys", procfs.DefaultMountPoint, pattern)
}

func newSysfsOps(sysRoot, procRoot, pattern string) (*sysfsOps, error) {
	if pattern == "" {
		pattern = DefaultIRQPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid irq pattern: %w", err)
	}
	return &sysfsOps{sysRoot: sysRoot, procRoot: procRoot, irqMatch: re}, nil
}

func (s *sysfsOps) CPUs(_ context.Context) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(s.sysRoot, "devices/system/cpu/online"))
	if err != nil {
		return nil, err
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

// SetGovernor is a no-op on CPUs without cpufreq (common in VMs).
func (s *sysfsOps) SetGovernor(_ context.Context, cpu int, governor string) error {
	path := filepath.Join(s.sysRoot, "devices/system/cpu", "cpu"+strconv.Itoa(cpu), "cpufreq/scaling_governor")
	current, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && strings.TrimSpace(string(current)) == governor {
		return nil
	}
	return os.WriteFile(path, []byte(governor), 0o644)
}

func (s *sysfsOps) NetworkIRQs(_ context.Context) ([]int, error) {
	pfs, err := procfs.NewFS(s.procRoot)
	if err != nil {
		return nil, err
	}
	self, err := pfs.Self()
	if err != nil {
		return nil, err
	}
	interrupts, err := self.Interrupts()
	if err != nil {
		return nil, err
	}

	var irqs []int
	for key, irq := range interrupts {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue // NMI, LOC and other per-cpu lines
		}
		for _, dev := range strings.Split(irq.Devices, ",") {
			if s.irqMatch.MatchString(strings.TrimSpace(dev)) {
				irqs = append(irqs, n)
				break
			}
		}
	}
	return irqs, nil
}

func (s *sysfsOps) SetIRQAffinity(_ context.Context, irq, cpu int) error {
	path := filepath.Join(s.procRoot, "irq", strconv.Itoa(irq), "smp_affinity_list")
	return os.WriteFile(path, []byte(strconv.Itoa(cpu)), 0o644)
}

// parseCPUList parses the kernel cpu list format, e.g. "0-3,6,8-9".
func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q", s)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("invalid cpu list %q", s)
			}
		}
		for c := start; c <= end; c++ {
			out = append(out, c)
		}
	}
	return out, nil
}
