package manager

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"frameworks/api_tunnel/pkg/logging"
)

// startResolver serves handler on a loopback UDP port and returns its address.
func startResolver(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestExternalAddressLookup(t *testing.T) {
	addr := startResolver(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   net.ParseIP("198.51.100.23"),
		})
		_ = w.WriteMsg(m)
	})

	got, err := NewExternalAddress(addr, logging.NewDiscardLogger()).Lookup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "198.51.100.23", got)
}

func TestExternalAddressOpensBreaker(t *testing.T) {
	var queries atomic.Int32
	addr := startResolver(t, func(w dns.ResponseWriter, r *dns.Msg) {
		queries.Add(1)
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
	})

	lookup := NewExternalAddress(addr, logging.NewDiscardLogger())
	for i := 0; i < 3; i++ {
		_, err := lookup.Lookup(context.Background())
		require.ErrorContains(t, err, "SERVFAIL")
	}
	_, err := lookup.Lookup(context.Background())
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	require.Equal(t, int32(3), queries.Load())
}

func TestStaticAddressStripsPort(t *testing.T) {
	got, err := staticAddress("vpn.example.net:51820").Lookup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "vpn.example.net", got)

	got, err = staticAddress("203.0.113.9").Lookup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", got)
}
