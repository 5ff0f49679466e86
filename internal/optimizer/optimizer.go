// Package optimizer reacts to sustained tunnel traffic by switching CPUs to
// the performance governor and spreading network interrupts across cores.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/pkg/logging"
	"frameworks/api_tunnel/pkg/monitoring"
)

const (
	DefaultThreshold uint64 = 1 << 30
	DefaultGovernor         = "performance"
	defaultTimeout          = 10 * time.Second
)

// Phase is the optimizer's state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOptimizing Phase = "optimizing"
)

// State is a read-only snapshot.
type State struct {
	Phase                Phase     `json:"phase" yaml:"phase"`
	BytesSinceLastAction uint64    `json:"bytes_since_last_action" yaml:"bytes_since_last_action"`
	ThresholdBytes       uint64    `json:"threshold_bytes" yaml:"threshold_bytes"`
	LastAction           time.Time `json:"last_action,omitempty" yaml:"last_action,omitempty"`
}

// PrivilegedOps are the host adjustments the optimizer makes.
type PrivilegedOps interface {
	CPUs(ctx context.Context) ([]int, error)
	SetGovernor(ctx context.Context, cpu int, governor string) error
	NetworkIRQs(ctx context.Context) ([]int, error)
	SetIRQAffinity(ctx context.Context, irq, cpu int) error
}

// Config configures an Optimizer.
type Config struct {
	Ops       PrivilegedOps
	Log       *ActionLog // optional
	Threshold uint64
	Governor  string
	Timeout   time.Duration // bound on every privileged call
	Logger    logging.Logger
	Metrics   *monitoring.MetricsCollector // optional
}

// Optimizer owns the optimization state. Only Observe changes it.
type Optimizer struct {
	ops      PrivilegedOps
	log      *ActionLog
	governor string
	timeout  time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu    sync.Mutex
	state State

	actions *prometheus.CounterVec
	pending *prometheus.GaugeVec
}

// New returns an Idle optimizer.
func New(cfg Config) (*Optimizer, error) {
	if cfg.Ops == nil {
		return nil, fmt.Errorf("optimizer requires privileged ops")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Governor == "" {
		cfg.Governor = DefaultGovernor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}

	o := &Optimizer{
		ops:      cfg.Ops,
		log:      cfg.Log,
		governor: cfg.Governor,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		now:      time.Now,
		state:    State{Phase: PhaseIdle, ThresholdBytes: cfg.Threshold},
	}
	if cfg.Log != nil {
		if last, ok, err := cfg.Log.Last(); err == nil && ok {
			o.state.LastAction = last.Time
		}
	}
	if cfg.Metrics != nil {
		o.actions = cfg.Metrics.NewCounter("optimizer_actions_total", "Optimization actions by result", []string{"result"})
		o.pending = cfg.Metrics.NewGauge("optimizer_bytes_since_last_action", "Tunnel bytes accumulated toward the optimization threshold", nil)
	}
	return o, nil
}

// State returns a snapshot of the current state.
func (o *Optimizer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Observe adds bytes to the running total. Once the total reaches the
// threshold the optimization action runs exactly once and the total starts
// again from zero, whether or not the action succeeded. The returned bool
// reports whether the action ran. A failed action is returned as an error;
// it is a PrivilegeError when the process lacks the rights to act.
func (o *Optimizer) Observe(ctx context.Context, bytes uint64) (bool, error) {
	o.mu.Lock()
	if o.state.Phase != PhaseIdle {
		o.state.BytesSinceLastAction += bytes
		o.mu.Unlock()
		return false, nil
	}
	o.state.BytesSinceLastAction += bytes
	total := o.state.BytesSinceLastAction
	o.setPending(total)
	if total < o.state.ThresholdBytes {
		o.mu.Unlock()
		return false, nil
	}
	o.state.Phase = PhaseOptimizing
	o.mu.Unlock()

	log := o.logger.WithFields(logging.Fields{"bytes": total, "threshold": o.state.ThresholdBytes})
	log.Info("Traffic threshold reached; optimizing")

	record, err := o.act(ctx)
	record.Time = o.now()
	record.Bytes = total
	record.Threshold = o.state.ThresholdBytes

	o.mu.Lock()
	o.state.Phase = PhaseIdle
	o.state.BytesSinceLastAction = 0
	o.state.LastAction = record.Time
	o.setPending(0)
	o.mu.Unlock()

	if o.actions != nil {
		o.actions.WithLabelValues(record.Result).Inc()
	}
	if o.log != nil {
		if logErr := o.log.Append(record); logErr != nil {
			o.logger.WithError(logErr).Warn("Failed to append optimization record")
		}
	}

	if err != nil {
		log.WithError(err).Error("Optimization action failed")
		return true, err
	}
	log.WithFields(logging.Fields{"cpus": len(record.CPUs), "irqs": len(record.IRQs)}).Info("Optimization applied")
	return true, nil
}

func (o *Optimizer) setPending(v uint64) {
	if o.pending != nil {
		o.pending.WithLabelValues().Set(float64(v))
	}
}

// act sets the governor on every CPU and assigns network IRQs to CPUs
// round-robin. Every step is attempted; the first failures are joined.
func (o *Optimizer) act(ctx context.Context) (Action, error) {
	record := Action{Governor: o.governor, Result: ResultOK}

	cpus, err := o.list(ctx, o.ops.CPUs)
	if err != nil {
		return record.fail(apperr.Privileged("list cpus", err))
	}
	sort.Ints(cpus)
	if len(cpus) == 0 {
		return record.fail(errors.New("no online cpus"))
	}

	var errs []error
	for _, cpu := range cpus {
		err := o.bounded(ctx, func(ctx context.Context) error {
			return o.ops.SetGovernor(ctx, cpu, o.governor)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("cpu %d governor: %w", cpu, apperr.Privileged("set governor", err)))
			continue
		}
		record.CPUs = append(record.CPUs, cpu)
	}

	irqs, err := o.list(ctx, o.ops.NetworkIRQs)
	if err != nil {
		errs = append(errs, fmt.Errorf("list network irqs: %w", apperr.Privileged("list irqs", err)))
	}
	sort.Ints(irqs)
	for i, irq := range irqs {
		cpu := cpus[i%len(cpus)]
		err := o.bounded(ctx, func(ctx context.Context) error {
			return o.ops.SetIRQAffinity(ctx, irq, cpu)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("irq %d affinity: %w", irq, apperr.Privileged("set irq affinity", err)))
			continue
		}
		if record.IRQs == nil {
			record.IRQs = make(map[int]int, len(irqs))
		}
		record.IRQs[irq] = cpu
	}

	if len(errs) > 0 {
		return record.fail(errors.Join(errs...))
	}
	return record, nil
}

// list runs a bounded lookup. The result is handed over on a channel so a
// call that outlives its deadline never races with the caller.
func (o *Optimizer) list(ctx context.Context, fn func(context.Context) ([]int, error)) ([]int, error) {
	ch := make(chan []int, 1)
	err := o.bounded(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		ch <- v
		return err
	})
	if err != nil {
		return nil, err
	}
	return <-ch, nil
}

func (o *Optimizer) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	return apperr.RunBounded(ctx, o.timeout, fn)
}
