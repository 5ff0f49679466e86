// Package manager is the single entry point for every coxswain command. It
// dispatches a typed Command to the tunnel, peer, traffic and optimizer
// components and aggregates their state for status.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/keystore"
	"frameworks/api_tunnel/internal/optimizer"
	"frameworks/api_tunnel/internal/peers"
	"frameworks/api_tunnel/internal/settings"
	"frameworks/api_tunnel/internal/traffic"
	"frameworks/api_tunnel/internal/tunnel"
	"frameworks/api_tunnel/internal/wireguard"
	"frameworks/api_tunnel/pkg/logging"
	"frameworks/api_tunnel/pkg/monitoring"
)

// Deps are the components a Facade drives.
type Deps struct {
	Settings  settings.Settings
	Tunnel    *tunnel.Manager
	Keys      *keystore.Store
	Peers     *peers.Registry
	Traffic   *traffic.Monitor
	Optimizer *optimizer.Optimizer
	ActionLog *optimizer.ActionLog // optional
	Address   AddressLookup        // optional
	Health    *monitoring.HealthChecker
	Metrics   *monitoring.MetricsCollector
	Logger    logging.Logger
	// LogOutput is flushed when the monitor loop exits.
	LogOutput *logging.BufferedOutput
}

// Facade dispatches commands.
type Facade struct {
	Deps
	tracker *traffic.Tracker
}

// New checks deps and returns a Facade.
func New(deps Deps) (*Facade, error) {
	if deps.Tunnel == nil || deps.Keys == nil || deps.Peers == nil {
		return nil, fmt.Errorf("manager requires tunnel, key store and peer registry")
	}
	if deps.Traffic == nil || deps.Optimizer == nil {
		return nil, fmt.Errorf("manager requires traffic monitor and optimizer")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDiscardLogger()
	}
	return &Facade{Deps: deps, tracker: traffic.NewTracker()}, nil
}

// Run executes req.
func (f *Facade) Run(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	res := Result{Command: req.Command.String()}

	var err error
	switch req.Command {
	case CommandStatus:
		var st Status
		st, err = f.Status(ctx)
		res.Status = &st
	case CommandAddPeer:
		err = f.addPeer(ctx, req, &res)
	case CommandRotate:
		err = f.rotate(ctx, req, &res)
	case CommandRevoke:
		err = f.Peers.Revoke(ctx, req.Name)
		res.Message = fmt.Sprintf("peer %s revoked", req.Name)
	case CommandMonitor:
		err = f.Monitor(ctx)
		res.Message = "monitor stopped"
	case CommandStartServer:
		err = f.startServer(ctx)
		res.Message = fmt.Sprintf("server interface %s up", f.Settings.Server.Interface)
	case CommandStopServer:
		err = f.stopServer(ctx)
		res.Message = fmt.Sprintf("server interface %s down", f.Settings.Server.Interface)
	case CommandStartClient:
		err = f.startClient(ctx)
		res.Message = fmt.Sprintf("client interface %s up", f.Settings.Client.Interface)
	case CommandStopClient:
		err = f.stopClient(ctx)
		res.Message = fmt.Sprintf("client interface %s down", f.Settings.Client.Interface)
	default:
		err = &apperr.UsageError{Msg: fmt.Sprintf("unsupported command %s", req.Command)}
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (f *Facade) addPeer(ctx context.Context, req Request, res *Result) error {
	peer, err := f.Peers.AddPeer(ctx, req.Name, req.AllowedIP)
	if err != nil {
		return err
	}
	view := peerView(peer)
	res.Peer = &view
	res.Bundle = f.Peers.BundlePath(req.Name)
	res.Message = fmt.Sprintf("peer %s added", req.Name)
	return nil
}

func (f *Facade) rotate(ctx context.Context, req Request, res *Result) error {
	peer, err := f.Peers.Rotate(ctx, req.Name)
	if err != nil {
		return err
	}
	view := peerView(peer)
	res.Peer = &view
	res.Bundle = f.Peers.BundlePath(req.Name)
	res.Message = fmt.Sprintf("peer %s rotated", req.Name)
	return nil
}

// startServer bootstraps the server identity and config on first use, then
// applies the persisted config.
func (f *Facade) startServer(ctx context.Context) error {
	name := f.Settings.Server.Interface
	unlock, err := f.Tunnel.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	iface, err := f.Tunnel.ReadConfig(name)
	var nf *apperr.NotFoundError
	switch {
	case errors.As(err, &nf):
		f.Logger.WithField("interface", name).Info("No server config yet; creating one from settings")
		iface, err = serverConfig(f.Settings, f.Keys, f.Logger)(ctx)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		kp, err := serverKey(f.Keys, name, f.Logger)
		if err != nil {
			return err
		}
		iface.PrivateKey = kp.PrivateKey
	}
	return f.Tunnel.Apply(ctx, iface)
}

// serverConfig returns a builder for the server config described by s,
// keyed with the server identity. It is shared by start-server and the
// peer registry, so whichever runs first on a fresh host creates the same
// config.
func serverConfig(s settings.Settings, keys *keystore.Store, logger logging.Logger) func(context.Context) (wireguard.Interface, error) {
	return func(context.Context) (wireguard.Interface, error) {
		kp, err := serverKey(keys, s.Server.Interface, logger)
		if err != nil {
			return wireguard.Interface{}, err
		}
		iface := defaultServer(s)
		iface.PrivateKey = kp.PrivateKey
		return iface, nil
	}
}

// serverKey loads the server identity, generating it on first use.
func serverKey(keys *keystore.Store, name string, logger logging.Logger) (keystore.KeyPair, error) {
	kp, err := keys.Load(name)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		logger.WithField("identity", name).Info("Generating server key pair")
		return keys.Generate(name, false)
	}
	return kp, err
}

func defaultServer(s settings.Settings) wireguard.Interface {
	return wireguard.Interface{
		Name:       s.Server.Interface,
		Role:       wireguard.RoleServer,
		Address:    s.ServerAddress(),
		ListenPort: s.Server.ListenPort,
		MTU:        s.Server.MTU,
	}
}

func (f *Facade) stopServer(ctx context.Context) error {
	name := f.Settings.Server.Interface
	unlock, err := f.Tunnel.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	iface, err := f.Tunnel.ReadConfig(name)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		// Tear down whatever settings would have created.
		iface = defaultServer(f.Settings)
	} else if err != nil {
		return err
	}
	return f.Tunnel.Teardown(ctx, iface)
}

// startClient applies the bundle received out of band at client.config.
func (f *Facade) startClient(ctx context.Context) error {
	name := f.Settings.Client.Interface
	path := f.Settings.Client.Config

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &apperr.NotFoundError{Resource: "client config", Name: path}
		}
		return apperr.Privileged("read client config", err)
	}
	iface, err := wireguard.ParseNamed(name, data)
	if err != nil {
		return &apperr.UsageError{Msg: fmt.Sprintf("client config %s: %v", path, err)}
	}
	iface.Name = name
	if iface.Role != wireguard.RoleClient {
		return &apperr.UsageError{Msg: fmt.Sprintf("client config %s has role %s", path, iface.Role)}
	}

	unlock, err := f.Tunnel.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return f.Tunnel.Apply(ctx, iface)
}

func (f *Facade) stopClient(ctx context.Context) error {
	name := f.Settings.Client.Interface
	unlock, err := f.Tunnel.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	iface, err := f.Tunnel.ReadConfig(name)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		// Never started: only a stray link could exist.
		iface = wireguard.Interface{Name: name, Role: wireguard.RoleClient}
	} else if err != nil {
		return err
	}
	return f.Tunnel.Teardown(ctx, iface)
}

// externalAddress is best-effort: failures yield "".
func (f *Facade) externalAddress(ctx context.Context) string {
	if f.Address == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, extAddrTimeout)
	defer cancel()
	addr, err := f.Address.Lookup(ctx)
	if err != nil {
		f.Logger.WithError(err).Debug("External address unavailable")
		return ""
	}
	return addr
}
