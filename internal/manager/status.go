package manager

import (
	"context"
	"errors"
	"time"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/optimizer"
	"frameworks/api_tunnel/internal/traffic"
	"frameworks/api_tunnel/internal/wireguard"
	"frameworks/api_tunnel/pkg/logging"
)

// Status is the aggregated view printed by the status command.
type Status struct {
	Interfaces      []InterfaceStatus `json:"interfaces" yaml:"interfaces"`
	Optimizer       optimizer.State   `json:"optimizer" yaml:"optimizer"`
	LastAction      *optimizer.Action `json:"last_action,omitempty" yaml:"last_action,omitempty"`
	ExternalAddress string            `json:"external_address" yaml:"external_address"`
}

// InterfaceStatus describes one tunnel interface.
type InterfaceStatus struct {
	Name       string          `json:"name" yaml:"name"`
	Role       string          `json:"role" yaml:"role"`
	Configured bool            `json:"configured" yaml:"configured"`
	Up         bool            `json:"up" yaml:"up"`
	Address    string          `json:"address,omitempty" yaml:"address,omitempty"`
	PeerCount  int             `json:"peer_count" yaml:"peer_count"`
	Peers      []PeerView      `json:"peers,omitempty" yaml:"peers,omitempty"`
	LastSample *traffic.Sample `json:"last_sample,omitempty" yaml:"last_sample,omitempty"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// PeerView is a peer as shown to operators.
type PeerView struct {
	Name       string   `json:"name" yaml:"name"`
	PublicKey  string   `json:"public_key" yaml:"public_key"`
	AllowedIPs []string `json:"allowed_ips" yaml:"allowed_ips"`
	Endpoint   string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

func peerView(p wireguard.Peer) PeerView {
	ips := make([]string, len(p.AllowedIPs))
	for i, ip := range p.AllowedIPs {
		ips[i] = ip.String()
	}
	return PeerView{Name: p.Name, PublicKey: p.PublicKey.String(), AllowedIPs: ips, Endpoint: p.Endpoint}
}

// Status aggregates interface, optimizer and address state. Only failures
// that make the whole report meaningless (privilege) are returned; per
// interface problems are reported inline.
func (f *Facade) Status(ctx context.Context) (Status, error) {
	return f.status(ctx, true)
}

func (f *Facade) status(ctx context.Context, withAddress bool) (Status, error) {
	st := Status{Optimizer: f.Optimizer.State()}

	for _, ref := range []struct {
		name string
		role wireguard.Role
	}{
		{f.Settings.Server.Interface, wireguard.RoleServer},
		{f.Settings.Client.Interface, wireguard.RoleClient},
	} {
		is, err := f.interfaceStatus(ctx, ref.name, ref.role)
		if err != nil {
			return Status{}, err
		}
		st.Interfaces = append(st.Interfaces, is)
	}

	if f.ActionLog != nil {
		if last, ok, err := f.ActionLog.Last(); err != nil {
			f.Logger.WithError(err).Warn("Failed to read optimization log")
		} else if ok {
			st.LastAction = &last
			if st.Optimizer.LastAction.IsZero() || last.Time.After(st.Optimizer.LastAction) {
				st.Optimizer.LastAction = last.Time
			}
		}
	}

	if withAddress {
		st.ExternalAddress = f.externalAddress(ctx)
	}
	return st, nil
}

func (f *Facade) interfaceStatus(ctx context.Context, name string, role wireguard.Role) (InterfaceStatus, error) {
	is := InterfaceStatus{Name: name, Role: string(role)}

	iface, err := f.Tunnel.ReadConfig(name)
	var nf *apperr.NotFoundError
	switch {
	case err == nil:
		is.Configured = true
		is.Role = string(iface.Role)
		is.Address = iface.Address.String()
		peers := iface.Peers
		if name == f.Settings.Server.Interface {
			listed, err := f.Peers.List(ctx)
			switch {
			case err == nil:
				peers = listed
			case apperr.IsPrivilege(err):
				return InterfaceStatus{}, err
			default:
				is.Error = err.Error()
			}
		}
		is.PeerCount = len(peers)
		for _, p := range peers {
			is.Peers = append(is.Peers, peerView(p))
		}
	case errors.As(err, &nf):
	case apperr.IsPrivilege(err):
		return InterfaceStatus{}, err
	default:
		is.Error = err.Error()
	}

	up, err := f.Tunnel.IsUp(ctx, name)
	if err != nil {
		if apperr.IsPrivilege(err) {
			return InterfaceStatus{}, err
		}
		is.Error = err.Error()
		return is, nil
	}
	is.Up = up
	if !up {
		return is, nil
	}

	sample, err := f.Traffic.Sample(ctx, name)
	if err != nil {
		is.Error = err.Error()
		return is, nil
	}
	is.LastSample = &sample
	return is, nil
}

// statusFields flattens Status for the monitor's periodic log line.
func statusFields(st Status) logging.Fields {
	fields := logging.Fields{
		"phase":           st.Optimizer.Phase,
		"bytes_pending":   st.Optimizer.BytesSinceLastAction,
		"threshold_bytes": st.Optimizer.ThresholdBytes,
	}
	if !st.Optimizer.LastAction.IsZero() {
		fields["last_action"] = st.Optimizer.LastAction.Format(time.RFC3339)
	}
	for _, is := range st.Interfaces {
		fields[is.Name+"_up"] = is.Up
		fields[is.Name+"_peers"] = is.PeerCount
		if is.LastSample != nil {
			fields[is.Name+"_rx_bytes"] = is.LastSample.RxBytes
			fields[is.Name+"_tx_bytes"] = is.LastSample.TxBytes
		}
	}
	return fields
}
