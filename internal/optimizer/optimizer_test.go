package optimizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/pkg/monitoring"
)

type fakeOps struct {
	mu        sync.Mutex
	cpus      []int
	irqs      []int
	governors map[int]string
	affinity  map[int]int
	govErr    error
	irqErr    error
	block     bool
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		cpus:      []int{0, 1},
		irqs:      []int{40, 41, 42},
		governors: map[int]string{},
		affinity:  map[int]int{},
	}
}

func (f *fakeOps) CPUs(ctx context.Context) ([]int, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.cpus, nil
}

func (f *fakeOps) SetGovernor(_ context.Context, cpu int, governor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.govErr != nil {
		return f.govErr
	}
	f.governors[cpu] = governor
	return nil
}

func (f *fakeOps) NetworkIRQs(context.Context) ([]int, error) {
	return f.irqs, nil
}

func (f *fakeOps) SetIRQAffinity(_ context.Context, irq, cpu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.irqErr != nil {
		return f.irqErr
	}
	f.affinity[irq] = cpu
	return nil
}

func (f *fakeOps) actions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.governors)
}

func newTestOptimizer(t *testing.T, ops PrivilegedOps, threshold uint64) (*Optimizer, *ActionLog) {
	t.Helper()
	log, err := OpenActionLog(filepath.Join(t.TempDir(), "optimizer.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	o, err := New(Config{Ops: ops, Log: log, Threshold: threshold, Timeout: time.Second})
	require.NoError(t, err)
	return o, log
}

func TestDefaults(t *testing.T) {
	o, err := New(Config{Ops: newFakeOps()})
	require.NoError(t, err)
	s := o.State()
	require.Equal(t, PhaseIdle, s.Phase)
	require.Equal(t, uint64(1<<30), s.ThresholdBytes)
	require.Zero(t, s.BytesSinceLastAction)

	_, err = New(Config{})
	require.Error(t, err)
}

func TestThresholdCrossedExactlyOnce(t *testing.T) {
	ops := newFakeOps()
	o, log := newTestOptimizer(t, ops, 1000)
	ctx := context.Background()

	transitions := 0
	for _, b := range []uint64{400, 300, 300} {
		acted, err := o.Observe(ctx, b)
		require.NoError(t, err)
		if acted {
			transitions++
		}
	}
	require.Equal(t, 1, transitions, "total equal to the threshold triggers once")
	require.Equal(t, State{Phase: PhaseIdle, ThresholdBytes: 1000, LastAction: o.State().LastAction}, o.State())
	require.False(t, o.State().LastAction.IsZero())

	// Accumulation restarts from zero.
	acted, err := o.Observe(ctx, 999)
	require.NoError(t, err)
	require.False(t, acted)
	require.Equal(t, uint64(999), o.State().BytesSinceLastAction)

	recs, err := ReadActions(log.Path())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, ResultOK, recs[0].Result)
	require.Equal(t, uint64(1000), recs[0].Bytes)
	require.Equal(t, "performance", recs[0].Governor)
	require.Equal(t, []int{0, 1}, recs[0].CPUs)
}

func TestActionSetsGovernorsAndRoundRobinsIRQs(t *testing.T) {
	ops := newFakeOps()
	ops.cpus = []int{1, 0}
	o, _ := newTestOptimizer(t, ops, 10)

	acted, err := o.Observe(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, acted)
	require.Equal(t, map[int]string{0: "performance", 1: "performance"}, ops.governors)
	require.Equal(t, map[int]int{40: 0, 41: 1, 42: 0}, ops.affinity)
}

func TestActionFailureStaysIdleWithoutRetry(t *testing.T) {
	ops := newFakeOps()
	ops.irqErr = errors.New("input/output error")
	o, log := newTestOptimizer(t, ops, 100)
	ctx := context.Background()

	acted, err := o.Observe(ctx, 150)
	require.True(t, acted)
	require.Error(t, err)
	require.NotEqual(t, apperr.KindPrivilege, apperr.KindOf(err))
	require.Equal(t, PhaseIdle, o.State().Phase)
	require.Zero(t, o.State().BytesSinceLastAction)

	// Below the threshold again: no retry.
	acted, err = o.Observe(ctx, 50)
	require.NoError(t, err)
	require.False(t, acted)

	recs, err := ReadActions(log.Path())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, ResultFailed, recs[0].Result)
	require.Contains(t, recs[0].Error, "input/output error")
}

func TestPermissionFailureIsPrivilegeError(t *testing.T) {
	ops := newFakeOps()
	ops.govErr = os.ErrPermission
	o, _ := newTestOptimizer(t, ops, 1)

	_, err := o.Observe(context.Background(), 1)
	require.Equal(t, apperr.KindPrivilege, apperr.KindOf(err))
	require.Equal(t, PhaseIdle, o.State().Phase)
}

func TestPrivilegedCallsAreBounded(t *testing.T) {
	ops := newFakeOps()
	ops.block = true
	o, err := New(Config{Ops: ops, Threshold: 1, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = o.Observe(context.Background(), 1)
	require.True(t, apperr.IsTimeout(err))
	require.Zero(t, ops.actions())
}

func TestMetrics(t *testing.T) {
	mc := monitoring.NewMetricsCollector("coxswain", "test", "abc")
	o, err := New(Config{Ops: newFakeOps(), Threshold: 100, Metrics: mc})
	require.NoError(t, err)

	_, err = o.Observe(context.Background(), 60)
	require.NoError(t, err)
	require.Equal(t, float64(60), testutil.ToFloat64(o.pending.WithLabelValues()))

	_, err = o.Observe(context.Background(), 60)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(o.actions.WithLabelValues(ResultOK)))
	require.Zero(t, testutil.ToFloat64(o.pending.WithLabelValues()))
}

func TestLastActionRestoredFromLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.log")
	log, err := OpenActionLog(path)
	require.NoError(t, err)
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(Action{Time: when, Bytes: 5, Result: ResultOK, IRQs: map[int]int{40: 1}}))

	o, err := New(Config{Ops: newFakeOps(), Log: log})
	require.NoError(t, err)
	require.True(t, when.Equal(o.State().LastAction))

	last, ok, err := log.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[int]int{40: 1}, last.IRQs)
	require.NoError(t, log.Close())
}

func TestReadActionsSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.log")
	data := "not json\n" + `{"time":"2026-01-01T00:00:00Z","bytes":1,"result":"ok"}` + "\n\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	recs, err := ReadActions(path)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = ReadActions(filepath.Join(t.TempDir(), "missing.log"))
	require.NoError(t, err)
	require.Empty(t, recs)
}
