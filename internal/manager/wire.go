package manager

import (
	"errors"
	"fmt"

	"frameworks/api_tunnel/internal/keystore"
	"frameworks/api_tunnel/internal/optimizer"
	"frameworks/api_tunnel/internal/peers"
	"frameworks/api_tunnel/internal/settings"
	"frameworks/api_tunnel/internal/traffic"
	"frameworks/api_tunnel/internal/tunnel"
	"frameworks/api_tunnel/pkg/logging"
	"frameworks/api_tunnel/pkg/monitoring"
	"frameworks/api_tunnel/pkg/version"
)

// Options are the host-facing parts of Build that tests replace.
type Options struct {
	Host      tunnel.Host
	Counters  traffic.CounterSource
	Ops       optimizer.PrivilegedOps
	Address   AddressLookup
	LogOutput *logging.BufferedOutput
}

// Build wires every component from s. Nil options get the Linux
// implementations. The returned func releases host handles and the
// optimization log.
func Build(s settings.Settings, logger logging.Logger, opts Options) (*Facade, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Facade, func() error, error) {
		_ = closeAll()
		return nil, nil, err
	}

	if opts.Host == nil {
		host, err := tunnel.NewHost(logger)
		if err != nil {
			return fail(err)
		}
		opts.Host = host
		closers = append(closers, host.Close)
	}
	if opts.Counters == nil {
		opts.Counters = traffic.LinkCounters{}
	}
	if opts.Ops == nil {
		ops, err := optimizer.NewSysfsOps(s.Optimizer.IRQPattern)
		if err != nil {
			return fail(err)
		}
		opts.Ops = ops
	}
	if opts.Address == nil {
		if s.Server.Endpoint != "" {
			opts.Address = staticAddress(s.Server.Endpoint)
		} else {
			opts.Address = NewExternalAddress("", logger)
		}
	}

	metrics := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	health := monitoring.NewHealthChecker(serviceName, version.Version)

	tun, err := tunnel.NewManager(tunnel.Config{
		Host:            opts.Host,
		ConfigDir:       s.ConfigDir(),
		EgressInterface: s.Server.EgressInterface,
		Timeout:         s.PrivilegedTimeout,
		Qdisc:           s.Server.Qdisc,
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}

	keys := keystore.New(s.KeyDir())
	allowed, err := s.AllowedIPs()
	if err != nil {
		return fail(err)
	}
	registry, err := peers.NewRegistry(peers.Config{
		Tunnel:           tun,
		Keys:             keys,
		Interface:        s.Server.Interface,
		BundleDir:        s.BundleDir(),
		Bootstrap:        serverConfig(s, keys, logger),
		Endpoint:         s.Server.Endpoint,
		ResolveEndpoint:  opts.Address.Lookup,
		ClientInterface:  s.Client.Interface,
		ClientAllowedIPs: allowed,
		ClientDNS:        s.ClientDNS,
		Keepalive:        s.Keepalive,
		Logger:           logger,
	})
	if err != nil {
		return fail(err)
	}

	actionLog, err := optimizer.OpenActionLog(s.OptimizerLog())
	if err != nil {
		return fail(fmt.Errorf("optimization log: %w", err))
	}
	closers = append(closers, actionLog.Close)

	opt, err := optimizer.New(optimizer.Config{
		Ops:       opts.Ops,
		Log:       actionLog,
		Threshold: s.Optimizer.ThresholdBytes,
		Governor:  s.Optimizer.Governor,
		Timeout:   s.PrivilegedTimeout,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fail(err)
	}

	facade, err := New(Deps{
		Settings:  s,
		Tunnel:    tun,
		Keys:      keys,
		Peers:     registry,
		Traffic:   traffic.NewMonitor(opts.Counters, metrics),
		Optimizer: opt,
		ActionLog: actionLog,
		Address:   opts.Address,
		Health:    health,
		Metrics:   metrics,
		Logger:    logger,
		LogOutput: opts.LogOutput,
	})
	if err != nil {
		return fail(err)
	}
	return facade, closeAll, nil
}
