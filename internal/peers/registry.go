// Package peers manages the server interface's peer list: adding peers with
// fresh key pairs, rotating their keys and revoking them. Every mutation is
// a locked read-modify-apply of the whole server config.
package peers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/keystore"
	"frameworks/api_tunnel/internal/tunnel"
	"frameworks/api_tunnel/internal/wireguard"
	"frameworks/api_tunnel/pkg/logging"
)

const bundleFileMode fs.FileMode = 0o600

// Tunnel is the part of tunnel.Manager the registry needs.
type Tunnel interface {
	Lock(ctx context.Context, name string) (func(), error)
	ReadConfig(name string) (wireguard.Interface, error)
	WriteConfig(iface wireguard.Interface) error
	Apply(ctx context.Context, iface wireguard.Interface) error
	IsUp(ctx context.Context, name string) (bool, error)
}

// Keys is the part of keystore.Store the registry needs.
type Keys interface {
	Generate(name string, force bool) (keystore.KeyPair, error)
	Archive(name string) (string, error)
}

// EndpointFunc resolves the public host clients should dial when no
// endpoint is configured.
type EndpointFunc func(ctx context.Context) (string, error)

// Config configures a Registry.
type Config struct {
	Tunnel    Tunnel
	Keys      Keys
	Interface string // server interface name
	BundleDir string

	// Bootstrap builds the server config when none exists yet. It runs
	// under the interface lock. Without it a missing config is NotFound.
	Bootstrap func(ctx context.Context) (wireguard.Interface, error)

	Endpoint         string // host or host:port; empty means ResolveEndpoint
	ResolveEndpoint  EndpointFunc
	ClientInterface  string
	ClientAllowedIPs []netip.Prefix
	ClientDNS        []string
	Keepalive        int

	Logger logging.Logger
}

// Registry owns the peers of one server interface.
type Registry struct {
	cfg    Config
	logger logging.Logger
}

// NewRegistry returns a Registry for cfg.Interface.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Tunnel == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("peer registry requires a tunnel manager and a key store")
	}
	if cfg.Interface == "" {
		return nil, fmt.Errorf("peer registry requires a server interface name")
	}
	if cfg.BundleDir == "" {
		return nil, fmt.Errorf("peer registry requires a bundle directory")
	}
	if cfg.ClientInterface == "" {
		cfg.ClientInterface = "wg1"
	}
	if len(cfg.ClientAllowedIPs) == 0 {
		cfg.ClientAllowedIPs = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// BundlePath is where the client config for name is written.
func (r *Registry) BundlePath(name string) string {
	return filepath.Join(r.cfg.BundleDir, name+".conf")
}

// List returns the server's peers in config order.
func (r *Registry) List(_ context.Context) ([]wireguard.Peer, error) {
	iface, err := r.cfg.Tunnel.ReadConfig(r.cfg.Interface)
	if err != nil {
		return nil, err
	}
	return iface.Clone().Peers, nil
}

// AddPeer creates an identity for name, authorizes it on the server for
// allowedIP and writes its client bundle. A bare address is treated as a
// single host.
func (r *Registry) AddPeer(ctx context.Context, name, allowedIP string) (wireguard.Peer, error) {
	if err := keystore.ValidateName(name); err != nil {
		return wireguard.Peer{}, err
	}
	prefix, err := wireguard.ParseAllowedIP(allowedIP)
	if err != nil {
		return wireguard.Peer{}, &apperr.UsageError{Msg: err.Error()}
	}

	var (
		added  wireguard.Peer
		kp     keystore.KeyPair
		server wireguard.Interface
	)
	err = r.mutate(ctx, func(iface *wireguard.Interface) (func(), error) {
		if err := checkUnique(*iface, name, prefix); err != nil {
			return nil, err
		}

		kp, err = r.cfg.Keys.Generate(name, false)
		if err != nil {
			return nil, err
		}
		added = wireguard.Peer{
			Name:       name,
			PublicKey:  kp.PublicKey,
			AllowedIPs: []netip.Prefix{prefix},
		}
		iface.Peers = append(iface.Peers, added)
		server = *iface

		// The identity is unusable if the server never authorized it.
		return func() {
			if _, err := r.cfg.Keys.Archive(name); err != nil {
				r.logger.WithError(err).WithField("peer", name).Warn("Failed to archive keys of unapplied peer")
			}
		}, nil
	})
	if err != nil {
		return wireguard.Peer{}, err
	}
	if err := r.writeBundle(ctx, server, added, kp); err != nil {
		return added, err
	}

	r.logger.WithFields(logging.Fields{
		"peer":        name,
		"allowed_ips": prefix.String(),
		"bundle":      r.BundlePath(name),
	}).Info("Peer added")
	return added, nil
}

// Rotate replaces name's key pair. The peer keeps its position, name and
// allowed IPs; the old public key stops being authorized once the server
// config is re-applied.
func (r *Registry) Rotate(ctx context.Context, name string) (wireguard.Peer, error) {
	var (
		rotated wireguard.Peer
		kp      keystore.KeyPair
		server  wireguard.Interface
	)
	err := r.mutate(ctx, func(iface *wireguard.Interface) (func(), error) {
		idx := iface.PeerIndex(name)
		if idx < 0 {
			return nil, &apperr.NotFoundError{Resource: "peer", Name: name}
		}

		var err error
		kp, err = r.cfg.Keys.Generate(name, true)
		if err != nil {
			return nil, err
		}
		iface.Peers[idx].PublicKey = kp.PublicKey
		rotated = iface.Peers[idx].Clone()
		server = *iface
		return nil, nil
	})
	if err != nil {
		return wireguard.Peer{}, err
	}
	if err := r.writeBundle(ctx, server, rotated, kp); err != nil {
		return rotated, err
	}

	r.logger.WithField("peer", name).Info("Peer key rotated")
	return rotated, nil
}

// Revoke removes name from the server, deletes its bundle and archives its
// keys.
func (r *Registry) Revoke(ctx context.Context, name string) error {
	err := r.mutate(ctx, func(iface *wireguard.Interface) (func(), error) {
		idx := iface.PeerIndex(name)
		if idx < 0 {
			return nil, &apperr.NotFoundError{Resource: "peer", Name: name}
		}
		iface.Peers = append(iface.Peers[:idx], iface.Peers[idx+1:]...)
		return nil, nil
	})
	if err != nil {
		return err
	}

	log := r.logger.WithField("peer", name)
	if err := os.Remove(r.BundlePath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Failed to remove client bundle")
	}
	if _, err := r.cfg.Keys.Archive(name); err != nil {
		var nf *apperr.NotFoundError
		if !errors.As(err, &nf) {
			log.WithError(err).Warn("Failed to archive revoked keys")
		}
	}
	log.Info("Peer revoked")
	return nil
}

// mutate runs fn on the current server config under the interface lock and
// commits the result. A running interface is re-applied; a stopped one only
// gets its config rewritten so the next start picks it up. If the commit
// fails, the previous config is committed again and the undo func returned
// by fn is run.
func (r *Registry) mutate(ctx context.Context, fn func(iface *wireguard.Interface) (func(), error)) error {
	unlock, err := r.cfg.Tunnel.Lock(ctx, r.cfg.Interface)
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := r.current(ctx)
	if err != nil {
		return err
	}
	up, err := r.cfg.Tunnel.IsUp(ctx, r.cfg.Interface)
	if err != nil {
		return err
	}
	commit := r.cfg.Tunnel.Apply
	if !up {
		commit = func(_ context.Context, iface wireguard.Interface) error {
			return r.cfg.Tunnel.WriteConfig(iface)
		}
	}

	next := prev.Clone()
	undo, err := fn(&next)
	if err != nil {
		if undo != nil {
			undo()
		}
		return err
	}

	if err := commit(ctx, next); err != nil {
		log := r.logger.WithError(err).WithFields(logging.Fields{"interface": r.cfg.Interface, "active": up})
		log.Error("Committing updated peers failed; restoring previous config")
		if restoreErr := commit(ctx, prev); restoreErr != nil {
			log.WithField("restore_error", restoreErr.Error()).Error("Restoring previous config failed")
		}
		if undo != nil {
			undo()
		}
		return err
	}
	if !up {
		r.logger.WithField("interface", r.cfg.Interface).Info("Server interface is down; peers saved for the next start")
	}
	return nil
}

// current reads the server config, bootstrapping it when missing.
func (r *Registry) current(ctx context.Context) (wireguard.Interface, error) {
	iface, err := r.cfg.Tunnel.ReadConfig(r.cfg.Interface)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) && r.cfg.Bootstrap != nil {
		r.logger.WithField("interface", r.cfg.Interface).Info("No server config yet; creating one from settings")
		return r.cfg.Bootstrap(ctx)
	}
	return iface, err
}

func checkUnique(iface wireguard.Interface, name string, prefix netip.Prefix) error {
	if prefix.Contains(iface.Address.Addr()) {
		return &apperr.DuplicatePeerError{Field: "allowed_ip", Value: prefix.String(), Owner: iface.Name}
	}
	for _, p := range iface.Peers {
		if p.Name == name {
			return &apperr.DuplicatePeerError{Field: "name", Value: name}
		}
		for _, existing := range p.AllowedIPs {
			if existing.Overlaps(prefix) {
				return &apperr.DuplicatePeerError{Field: "allowed_ip", Value: prefix.String(), Owner: p.Name}
			}
		}
	}
	return nil
}

// writeBundle renders the client side of peer: its own key, its tunnel
// address and the server as the single peer.
func (r *Registry) writeBundle(ctx context.Context, server wireguard.Interface, peer wireguard.Peer, kp keystore.KeyPair) error {
	endpoint := r.endpoint(ctx, server.ListenPort)
	bundle := wireguard.Interface{
		Name:       r.cfg.ClientInterface,
		Role:       wireguard.RoleClient,
		Address:    peer.AllowedIPs[0],
		MTU:        server.MTU,
		PrivateKey: kp.PrivateKey,
		DNS:        append([]string(nil), r.cfg.ClientDNS...),
		Peers: []wireguard.Peer{{
			Name:                server.Name,
			PublicKey:           server.PrivateKey.PublicKey(),
			AllowedIPs:          append([]netip.Prefix(nil), r.cfg.ClientAllowedIPs...),
			Endpoint:            endpoint,
			PersistentKeepalive: r.cfg.Keepalive,
		}},
	}
	data, err := wireguard.Render(bundle)
	if err != nil {
		return fmt.Errorf("render bundle for %s: %w", peer.Name, err)
	}
	path := r.BundlePath(peer.Name)
	if err := tunnel.WriteFileAtomic(path, data, bundleFileMode); err != nil {
		return &apperr.ConfigWriteError{Path: path, Cause: apperr.Privileged("write bundle", err)}
	}
	return nil
}

// endpoint returns host:port for clients. Resolution failures leave the
// endpoint empty; the bundle is still written and can be edited by hand.
func (r *Registry) endpoint(ctx context.Context, port int) string {
	host := r.cfg.Endpoint
	if host == "" && r.cfg.ResolveEndpoint != nil {
		resolved, err := r.cfg.ResolveEndpoint(ctx)
		if err != nil {
			r.logger.WithError(err).Warn("Could not determine external address for client bundle")
			return ""
		}
		host = resolved
	}
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port == 0 {
		r.logger.WithField("endpoint", host).Warn("Server has no listen port; bundle endpoint omitted")
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
