package traffic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/pkg/monitoring"
)

type fakeCounters struct {
	rx, tx uint64
	err    error
}

func (f *fakeCounters) Counters(context.Context, string) (uint64, uint64, error) {
	return f.rx, f.tx, f.err
}

func TestDelta(t *testing.T) {
	cases := []struct {
		name           string
		prev, curr     Sample
		wantRx, wantTx uint64
	}{
		{"growth", Sample{RxBytes: 100, TxBytes: 50}, Sample{RxBytes: 300, TxBytes: 80}, 200, 30},
		{"unchanged", Sample{RxBytes: 7, TxBytes: 7}, Sample{RxBytes: 7, TxBytes: 7}, 0, 0},
		{"rx reset", Sample{RxBytes: 500, TxBytes: 10}, Sample{RxBytes: 10, TxBytes: 20}, 10, 10},
		{"both reset", Sample{RxBytes: 500, TxBytes: 500}, Sample{RxBytes: 0, TxBytes: 3}, 0, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rx, tx := Delta(tc.prev, tc.curr)
			require.Equal(t, tc.wantRx, rx)
			require.Equal(t, tc.wantTx, tx)
		})
	}
}

func TestSample(t *testing.T) {
	src := &fakeCounters{rx: 1000, tx: 2000}
	mc := monitoring.NewMetricsCollector("coxswain", "test", "abc")
	m := NewMonitor(src, mc)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	s, err := m.Sample(context.Background(), "wg0")
	require.NoError(t, err)
	require.Equal(t, Sample{Interface: "wg0", Timestamp: fixed, RxBytes: 1000, TxBytes: 2000}, s)
	require.Equal(t, float64(1000), testutil.ToFloat64(m.rxBytes.WithLabelValues("wg0")))
}

func TestSampleFailureIsTrafficReadError(t *testing.T) {
	m := NewMonitor(&fakeCounters{err: errors.New("link not found")}, nil)
	_, err := m.Sample(context.Background(), "wg0")
	var tr *apperr.TrafficReadError
	require.ErrorAs(t, err, &tr)
	require.Equal(t, "wg0", tr.Interface)
	require.Equal(t, 16, apperr.ExitCode(err))
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	require.Equal(t, uint64(0), tr.Observe(Sample{Interface: "wg0", RxBytes: 100, TxBytes: 100}))
	require.Equal(t, uint64(50), tr.Observe(Sample{Interface: "wg0", RxBytes: 130, TxBytes: 120}))
	// Other interfaces are tracked separately.
	require.Equal(t, uint64(0), tr.Observe(Sample{Interface: "wg1", RxBytes: 9, TxBytes: 9}))
	// Reset after link recreation.
	require.Equal(t, uint64(15), tr.Observe(Sample{Interface: "wg0", RxBytes: 10, TxBytes: 5}))
}
