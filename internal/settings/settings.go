// Package settings loads the orchestrator's configuration from a YAML file,
// COXSWAIN_* environment variables and built-in defaults, in that order of
// precedence (env wins).
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/wireguard"
)

const (
	EnvPrefix         = "COXSWAIN"
	DefaultConfigFile = "/etc/coxswain/config.yaml"
	DefaultStateDir   = "/etc/coxswain"
)

// Settings is the resolved configuration.
type Settings struct {
	StateDir string `mapstructure:"state_dir"`

	Server Server `mapstructure:"server"`
	Client Client `mapstructure:"client"`

	ClientAllowedIPs []string `mapstructure:"client_allowed_ips"`
	ClientDNS        []string `mapstructure:"client_dns"`
	Keepalive        int      `mapstructure:"keepalive"`

	Optimizer Optimizer `mapstructure:"optimizer"`

	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	StatusInterval    time.Duration `mapstructure:"status_interval"`
	PrivilegedTimeout time.Duration `mapstructure:"privileged_timeout"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
}

type Server struct {
	Interface       string `mapstructure:"interface"`
	Address         string `mapstructure:"address"`
	ListenPort      int    `mapstructure:"listen_port"`
	MTU             int    `mapstructure:"mtu"`
	EgressInterface string `mapstructure:"egress_interface"`
	Endpoint        string `mapstructure:"endpoint"`
	Qdisc           string `mapstructure:"qdisc"`
}

type Client struct {
	Interface string `mapstructure:"interface"`
	Config    string `mapstructure:"config"`
}

type Optimizer struct {
	ThresholdBytes uint64 `mapstructure:"threshold_bytes"`
	Governor       string `mapstructure:"governor"`
	IRQPattern     string `mapstructure:"irq_pattern"`
}

// SetDefaults registers every key with its default so env overrides work
// for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("server.interface", "wg0")
	v.SetDefault("server.address", "10.200.0.1/24")
	v.SetDefault("server.listen_port", 51820)
	v.SetDefault("server.mtu", 1420)
	v.SetDefault("server.egress_interface", "eth0")
	v.SetDefault("server.endpoint", "")
	v.SetDefault("server.qdisc", "fq")
	v.SetDefault("client.interface", "wg1")
	v.SetDefault("client.config", "")
	v.SetDefault("client_allowed_ips", []string{"0.0.0.0/0"})
	v.SetDefault("client_dns", []string{})
	v.SetDefault("keepalive", 25)
	v.SetDefault("optimizer.threshold_bytes", uint64(1<<30))
	v.SetDefault("optimizer.governor", "performance")
	v.SetDefault("optimizer.irq_pattern", "")
	v.SetDefault("monitor_interval", 5*time.Minute)
	v.SetDefault("status_interval", 10*time.Second)
	v.SetDefault("privileged_timeout", 10*time.Second)
	v.SetDefault("metrics_addr", "")
}

// NewViper returns a viper instance with defaults and env binding. If file
// is empty, DefaultConfigFile is read when it exists.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := file != ""
	if !explicit {
		file = DefaultConfigFile
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return nil, &apperr.UsageError{Msg: fmt.Sprintf("read config %s: %v", file, err)}
		}
	}
	return v, nil
}

// Load resolves Settings from v and validates them.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, &apperr.UsageError{Msg: fmt.Sprintf("decode settings: %v", err)}
	}
	// Lists from env arrive as one comma-separated string.
	s.ClientAllowedIPs = splitList(s.ClientAllowedIPs)
	s.ClientDNS = splitList(s.ClientDNS)
	if s.Client.Config == "" {
		s.Client.Config = filepath.Join(s.StateDir, "client", s.Client.Interface+".conf")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values that would otherwise fail deep inside a command.
func (s Settings) Validate() error {
	var errs []string
	if s.StateDir == "" {
		errs = append(errs, "state_dir must not be empty")
	}
	if s.Server.Interface == "" || s.Client.Interface == "" {
		errs = append(errs, "interface names must not be empty")
	}
	if s.Server.Interface == s.Client.Interface {
		errs = append(errs, "server and client interfaces must differ")
	}
	if _, err := netip.ParsePrefix(s.Server.Address); err != nil {
		errs = append(errs, fmt.Sprintf("server.address: %v", err))
	}
	if s.Server.ListenPort < 1 || s.Server.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.listen_port %d out of range", s.Server.ListenPort))
	}
	if _, err := s.AllowedIPs(); err != nil {
		errs = append(errs, fmt.Sprintf("client_allowed_ips: %v", err))
	}
	if s.Keepalive < 0 || s.Keepalive > 65535 {
		errs = append(errs, fmt.Sprintf("keepalive %d out of range", s.Keepalive))
	}
	if s.Optimizer.ThresholdBytes == 0 {
		errs = append(errs, "optimizer.threshold_bytes must be positive")
	}
	if s.MonitorInterval <= 0 {
		errs = append(errs, "monitor_interval must be positive")
	}
	if s.StatusInterval < 0 {
		errs = append(errs, "status_interval must not be negative")
	}
	if s.PrivilegedTimeout <= 0 {
		errs = append(errs, "privileged_timeout must be positive")
	}
	if len(errs) > 0 {
		return &apperr.UsageError{Msg: "invalid settings: " + strings.Join(errs, "; ")}
	}
	return nil
}

// ServerAddress is the parsed server interface address.
func (s Settings) ServerAddress() netip.Prefix {
	p, _ := netip.ParsePrefix(s.Server.Address)
	return p
}

// AllowedIPs parses ClientAllowedIPs.
func (s Settings) AllowedIPs() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.ClientAllowedIPs))
	for _, item := range s.ClientAllowedIPs {
		p, err := wireguard.ParseAllowedIP(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Layout under StateDir.
func (s Settings) KeyDir() string       { return filepath.Join(s.StateDir, "keys") }
func (s Settings) ConfigDir() string    { return filepath.Join(s.StateDir, "wg") }
func (s Settings) BundleDir() string    { return filepath.Join(s.StateDir, "bundles") }
func (s Settings) OptimizerLog() string { return filepath.Join(s.StateDir, "optimizer.log") }

func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
