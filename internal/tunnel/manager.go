// Package tunnel applies and tears down tunnel interfaces on the host.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/wireguard"
	"frameworks/api_tunnel/pkg/logging"
)

const (
	defaultTimeout = 10 * time.Second
	defaultQdisc   = "fq"
)

// Config configures a Manager.
type Config struct {
	Host            Host
	ConfigDir       string        // <ConfigDir>/<iface>.conf, <iface>.lock
	EgressInterface string        // NAT egress for the server role
	Timeout         time.Duration // bound on every host call
	Qdisc           string        // root qdisc kind; "none" disables the step
	Logger          logging.Logger
}

// Manager applies Interfaces: it owns the config files and drives the host
// through an ordered, idempotent activation sequence.
type Manager struct {
	host      Host
	configDir string
	egress    string
	timeout   time.Duration
	qdisc     string
	logger    logging.Logger
	locks     *Locker
	files     *configFiles
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("tunnel manager requires a host")
	}
	if cfg.ConfigDir == "" {
		return nil, fmt.Errorf("tunnel manager requires a config directory")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch cfg.Qdisc {
	case "":
		cfg.Qdisc = defaultQdisc
	case "none":
		cfg.Qdisc = ""
	}
	if cfg.EgressInterface == "" {
		cfg.EgressInterface = "eth0"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}

	return &Manager{
		host:      cfg.Host,
		configDir: cfg.ConfigDir,
		egress:    cfg.EgressInterface,
		timeout:   cfg.Timeout,
		qdisc:     cfg.Qdisc,
		logger:    cfg.Logger,
		locks:     NewLocker(cfg.ConfigDir),
		files:     newConfigFiles(cfg.Logger),
	}, nil
}

// ConfigPath is where the rendered config for name lives.
func (m *Manager) ConfigPath(name string) string {
	return filepath.Join(m.configDir, name+".conf")
}

// Lock serializes mutation of one interface's config across goroutines and
// processes. The returned func releases it.
func (m *Manager) Lock(ctx context.Context, name string) (func(), error) {
	return m.locks.Lock(ctx, name)
}

// ReadConfig loads the persisted config for name. A missing file is a
// NotFoundError.
func (m *Manager) ReadConfig(name string) (wireguard.Interface, error) {
	return m.files.read(name, m.ConfigPath(name))
}

// WriteConfig renders iface and atomically replaces its config file.
func (m *Manager) WriteConfig(iface wireguard.Interface) error {
	data, err := wireguard.Render(iface)
	if err != nil {
		return err
	}
	return m.files.write(m.ConfigPath(iface.Name), data)
}

// Apply writes iface's config and activates it. Re-applying an unchanged
// Interface is a no-op on the host. If a step fails, the steps that already
// ran are undone in reverse and an InterfaceApplyError is returned.
func (m *Manager) Apply(ctx context.Context, iface wireguard.Interface) error {
	if err := m.WriteConfig(iface); err != nil {
		return err
	}
	return m.Activate(ctx, iface)
}

// Activate runs the activation sequence without touching the config file.
func (m *Manager) Activate(ctx context.Context, iface wireguard.Interface) error {
	if err := wireguard.Validate(iface); err != nil {
		return err
	}
	log := m.logger.WithFields(logging.Fields{"interface": iface.Name, "role": iface.Role})

	steps := m.plan(iface)
	for i, s := range steps {
		if err := m.bounded(ctx, s.up); err != nil {
			cause := apperr.Privileged(s.name, err)
			log.WithError(cause).WithField("step", s.name).Error("Activation step failed; rolling back")
			if rbErr := m.rollback(ctx, iface.Name, steps[:i]); rbErr != nil {
				log.WithError(rbErr).Warn("Rollback incomplete")
			}
			return &apperr.InterfaceApplyError{Interface: iface.Name, Step: s.name, Cause: cause}
		}
		log.WithField("step", s.name).Debug("Activation step applied")
	}
	log.WithField("peers", len(iface.Peers)).Info("Interface applied")
	return nil
}

// Teardown undoes the activation sequence in reverse. Objects that are
// already gone count as removed. The config file is kept: it is the
// desired state for the next start.
func (m *Manager) Teardown(ctx context.Context, iface wireguard.Interface) error {
	err := m.rollback(ctx, iface.Name, m.plan(iface))
	if err == nil {
		m.logger.WithField("interface", iface.Name).Info("Interface torn down")
	}
	return err
}

// IsUp reports whether the interface exists and is administratively up.
func (m *Manager) IsUp(ctx context.Context, name string) (bool, error) {
	var up bool
	err := m.bounded(ctx, func(ctx context.Context) error {
		exists, isUp, err := m.host.LinkState(ctx, name)
		up = exists && isUp
		return err
	})
	return up, err
}

func (m *Manager) rollback(ctx context.Context, name string, steps []step) error {
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		err := m.bounded(ctx, s.down)
		if err == nil || isNotPresent(err) {
			continue
		}
		errs = append(errs, fmt.Errorf("undo %s on %s: %w", s.name, name, apperr.Privileged(s.name, err)))
	}
	return errors.Join(errs...)
}

// bounded runs fn with the per-call timeout. A call that overruns returns
// an error wrapping context.DeadlineExceeded even if fn ignores ctx.
func (m *Manager) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	return apperr.RunBounded(ctx, m.timeout, fn)
}

func isNotPresent(err error) bool {
	return errors.Is(err, ErrNotPresent)
}
