package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/pkg/logging"
	"frameworks/api_tunnel/pkg/monitoring"
	"frameworks/api_tunnel/pkg/server"
)

const serviceName = "coxswain"

// Monitor samples traffic every monitor_interval and feeds the optimizer
// until ctx is cancelled. Traffic read errors and failed optimization
// actions are logged and the loop continues; privilege and config write
// failures stop it. Buffered log output is flushed on return.
func (f *Facade) Monitor(ctx context.Context) error {
	log := f.Logger.WithField("run_id", uuid.NewString())
	defer f.flushLogs()

	var lastTick atomic.Int64
	if f.Health != nil {
		interval := f.Settings.MonitorInterval
		f.Health.AddCheck("monitor", func() monitoring.CheckResult {
			last := time.Unix(0, lastTick.Load())
			if lastTick.Load() == 0 || time.Since(last) <= 2*interval+time.Minute {
				return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "sampling"}
			}
			return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "no tick since " + last.Format(time.RFC3339)}
		})
		f.Health.AddCheck("optimizer", func() monitoring.CheckResult {
			return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: string(f.Optimizer.State().Phase)}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := f.Settings.MetricsAddr; addr != "" && f.Health != nil && f.Metrics != nil {
		router := server.SetupServiceRouter(f.Logger, f.Health, f.Metrics)
		g.Go(func() error {
			return server.Run(gctx, server.DefaultConfig(serviceName, addr), router, f.Logger)
		})
	}
	g.Go(func() error {
		return f.loop(gctx, log, &lastTick)
	})

	err := g.Wait()
	if err != nil {
		log.WithError(err).Error("Monitor stopped")
		return err
	}
	log.Info("Monitor stopped")
	return nil
}

func (f *Facade) loop(ctx context.Context, log *logging.Entry, lastTick *atomic.Int64) error {
	log.WithFields(logging.Fields{
		"monitor_interval": f.Settings.MonitorInterval.String(),
		"status_interval":  f.Settings.StatusInterval.String(),
		"threshold_bytes":  f.Optimizer.State().ThresholdBytes,
	}).Info("Monitor started")

	// Baseline so the first tick measures one interval of traffic.
	if err := f.tick(ctx, log); err != nil {
		return err
	}
	lastTick.Store(time.Now().UnixNano())

	ticker := time.NewTicker(f.Settings.MonitorInterval)
	defer ticker.Stop()

	var statusC <-chan time.Time
	if f.Settings.StatusInterval > 0 {
		statusTicker := time.NewTicker(f.Settings.StatusInterval)
		defer statusTicker.Stop()
		statusC = statusTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.tick(ctx, log); err != nil {
				return err
			}
			lastTick.Store(time.Now().UnixNano())
		case <-statusC:
			f.logStatus(ctx, log)
		}
	}
}

// tick samples every configured interface and feeds the summed delta to
// the optimizer. Only fatal sampling errors are returned.
func (f *Facade) tick(ctx context.Context, log *logging.Entry) error {
	var total uint64
	for _, name := range f.monitoredInterfaces() {
		sample, err := f.Traffic.Sample(ctx, name)
		if err != nil {
			if fatal(err) {
				return err
			}
			log.WithError(err).WithField("interface", name).Warn("Traffic sample failed")
			continue
		}
		total += f.tracker.Observe(sample)
	}

	// Optimization failures, permission errors included, are recorded by
	// the optimizer and never stop the loop; the next crossing retries.
	if _, err := f.Optimizer.Observe(ctx, total); err != nil {
		log.WithError(err).Debug("Continuing after optimization failure")
	}
	return nil
}

// monitoredInterfaces are the interfaces that have a config, so an unused
// client role does not produce a warning every tick.
func (f *Facade) monitoredInterfaces() []string {
	var out []string
	for _, name := range []string{f.Settings.Server.Interface, f.Settings.Client.Interface} {
		if _, err := f.Tunnel.ReadConfig(name); err == nil {
			out = append(out, name)
		}
	}
	return out
}

func (f *Facade) logStatus(ctx context.Context, log *logging.Entry) {
	st, err := f.status(ctx, false)
	if err != nil {
		log.WithError(err).Warn("Status unavailable")
		return
	}
	log.WithFields(statusFields(st)).Info("Status")
	f.flushLogs()
}

func (f *Facade) flushLogs() {
	if f.LogOutput != nil {
		_ = f.LogOutput.Flush()
	}
}

// fatal reports whether the monitor loop cannot safely continue after err.
func fatal(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindPrivilege, apperr.KindConfigWrite:
		return true
	}
	return false
}
