package manager

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/miekg/dns"

	"frameworks/api_tunnel/pkg/logging"
)

const (
	openDNSResolver = "208.67.222.222:53"
	openDNSQuery    = "myip.opendns.com."
	extAddrTimeout  = 3 * time.Second
)

// AddressLookup discovers the host's public address.
type AddressLookup interface {
	Lookup(ctx context.Context) (string, error)
}

// ExternalAddress asks an OpenDNS resolver for myip.opendns.com. Repeated
// failures open a circuit breaker so a status loop on an offline host does
// not wait on every tick.
type ExternalAddress struct {
	resolver string
	timeout  time.Duration
	client   *dns.Client
	breaker  circuitbreaker.CircuitBreaker[any]
}

// NewExternalAddress returns a lookup against resolver ("" for OpenDNS).
func NewExternalAddress(resolver string, logger logging.Logger) *ExternalAddress {
	if resolver == "" {
		resolver = openDNSResolver
	}
	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(3).
		WithDelay(time.Minute).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"circuit_breaker": "external_address",
				"from_state":      stateName(e.OldState),
				"to_state":        stateName(e.NewState),
			}).Warn("circuit breaker state change")
		}).
		Build()
	return &ExternalAddress{
		resolver: resolver,
		timeout:  extAddrTimeout,
		client:   &dns.Client{Net: "udp", Timeout: extAddrTimeout},
		breaker:  breaker,
	}
}

func (e *ExternalAddress) Lookup(ctx context.Context) (string, error) {
	addr, err := failsafe.With[any](e.breaker).Get(func() (any, error) {
		return e.query(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("external address: %w", err)
	}
	return addr.(string), nil
}

func (e *ExternalAddress) query(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(openDNSQuery, dns.TypeA)
	resp, _, err := e.client.ExchangeContext(ctx, msg, e.resolver)
	if err != nil {
		return "", err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("resolver answered %s", dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok && a.A != nil {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("no A record in answer")
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// staticAddress is used when the endpoint is configured.
type staticAddress string

func (s staticAddress) Lookup(context.Context) (string, error) {
	host := string(s)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host, nil
}
