// Package config provides configuration management for the VPN orchestrator.
// It handles loading, saving, and validating engine settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/protocol"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	Connection  ConnectionConfig  `yaml:"connection"`
	Ports       PortsConfig       `yaml:"ports"`
	Unreachable UnreachableConfig `yaml:"unreachable"`
	Certificate CertificateConfig `yaml:"certificate"`
	Account     AccountConfig     `yaml:"account"`
	Paths       PathsConfig       `yaml:"paths"`
	Control     ControlConfig     `yaml:"control"`
	Engines     EnginesConfig     `yaml:"engines"`
	// Notifications enables desktop notifications from the daemon.
	Notifications bool `yaml:"notifications"`
	// SocketMark is the fwmark set on probe sockets so policy routing keeps
	// them off the tunnel. Zero disables marking.
	SocketMark int `yaml:"socket_mark"`
}

// ConnectionConfig tunes the connect sequence.
type ConnectionConfig struct {
	// Protocol is the default protocol selection, e.g. "smart" or "wireguard/udp".
	Protocol protocol.Selection `yaml:"protocol"`
	// ScanPorts is how many ports are sampled per transmission.
	ScanPorts int `yaml:"scan_ports"`
	// PrimaryTCPPort is always kept in the TCP port sample.
	PrimaryTCPPort int `yaml:"primary_tcp_port"`
	// PriorityWait lets earlier-listed ports win a probe race.
	PriorityWait time.Duration `yaml:"priority_wait"`
	// PingTimeout bounds a single probe.
	PingTimeout time.Duration `yaml:"ping_timeout"`
	// DisconnectTimeout bounds how long a backend may take to confirm a disconnect.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	// WakeLockMax is the safety-net limit for a held sleep inhibitor.
	WakeLockMax time.Duration `yaml:"wake_lock_max"`
	// BackoffBase and BackoffMax shape retries of server errors.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	// ServerErrorRetries is how many server errors are retried before the
	// server is treated as unreachable.
	ServerErrorRetries int `yaml:"server_error_retries"`
}

// PortsConfig holds the fallback port lists used when a connecting domain
// does not publish its own.
type PortsConfig struct {
	WireGuardUDP []int `yaml:"wireguard_udp"`
	WireGuardTCP []int `yaml:"wireguard_tcp"`
	WireGuardTLS []int `yaml:"wireguard_tls"`
	OpenVPNUDP   []int `yaml:"openvpn_udp"`
	OpenVPNTCP   []int `yaml:"openvpn_tcp"`
	IKEv2        []int `yaml:"ikev2"`
}

// UnreachableConfig shapes the local agent unreachable escalation policy.
type UnreachableConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
}

// CertificateConfig configures certificate issuance.
type CertificateConfig struct {
	APIBaseURL string        `yaml:"api_base_url"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// AccountConfig describes the signed-in account.
type AccountConfig struct {
	SessionID   string `yaml:"session_id"`
	Tier        int    `yaml:"tier"`
	FreeUser    bool   `yaml:"free_user"`
	Privileged  bool   `yaml:"privileged"`
	MaxSessions int    `yaml:"max_sessions"`
}

// PathsConfig locates data files. Empty values fall back to the defaults
// under the user's config and data directories.
type PathsConfig struct {
	Servers  string `yaml:"servers"`
	Database string `yaml:"database"`
	LogDir   string `yaml:"log_dir"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// EnginesConfig locates the external tunnel programs.
type EnginesConfig struct {
	OpenVPN string `yaml:"openvpn"`
	// OpenVPNCA is the CA bundle passed to openvpn. Empty disables server
	// certificate verification, which is only useful against test servers.
	OpenVPNCA string `yaml:"openvpn_ca"`
	WGQuick   string `yaml:"wg_quick"`
	WG        string `yaml:"wg"`
	// WireGuardInterface is the interface name used by wg-quick.
	WireGuardInterface string `yaml:"wireguard_interface"`
	// RuntimeDir holds rendered tunnel configs; empty uses the temp dir.
	RuntimeDir string `yaml:"runtime_dir"`
	// Elevate prefixes engine commands, e.g. "pkexec" when not running as root.
	Elevate string `yaml:"elevate"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Protocol:           protocol.SmartSelection,
			ScanPorts:          common.ScanPortCount,
			PrimaryTCPPort:     common.PrimaryTCPPort,
			PriorityWait:       common.PriorityWait,
			PingTimeout:        common.PingTimeout,
			DisconnectTimeout:  common.DisconnectTimeout,
			WakeLockMax:        common.WakeLockMaxDuration,
			BackoffBase:        2 * time.Second,
			BackoffMax:         time.Minute,
			ServerErrorRetries: 3,
		},
		Ports: PortsConfig{
			WireGuardUDP: []int{443, 88, 1224, 51820, 500, 4500},
			WireGuardTCP: []int{443},
			WireGuardTLS: []int{443},
			OpenVPNUDP:   []int{80, 51820, 4569, 1194, 5060},
			OpenVPNTCP:   []int{443, 7770, 8443},
			IKEv2:        []int{500},
		},
		Unreachable: UnreachableConfig{
			MinInterval: 30 * time.Second,
			MaxInterval: 15 * time.Minute,
			MaxJitter:   5 * time.Second,
		},
		Certificate: CertificateConfig{
			APIBaseURL: "https://vpn-api.example.net",
			RetryDelay: common.CertificateRetryDelay,
		},
		Account: AccountConfig{
			FreeUser:    true,
			MaxSessions: 1,
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:7741",
		},
		Notifications: true,
		Engines: EnginesConfig{
			OpenVPN:            "openvpn",
			WGQuick:            "wg-quick",
			WG:                 "wg",
			WireGuardInterface: "wgvpn0",
		},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, writing defaults there when the
// file does not exist yet.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.SaveFile(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %w", common.ErrConfigLoad, err)
	}

	config.validate()
	return config, nil
}

// validate replaces out-of-range values with defaults.
func (c *Config) validate() {
	def := DefaultConfig()

	if c.Connection.ScanPorts <= 0 {
		c.Connection.ScanPorts = def.Connection.ScanPorts
	}
	if c.Connection.PrimaryTCPPort <= 0 || c.Connection.PrimaryTCPPort > 65535 {
		c.Connection.PrimaryTCPPort = def.Connection.PrimaryTCPPort
	}
	if c.Connection.PriorityWait < 0 {
		c.Connection.PriorityWait = def.Connection.PriorityWait
	}
	if c.Connection.PingTimeout <= 0 {
		c.Connection.PingTimeout = def.Connection.PingTimeout
	}
	if c.Connection.DisconnectTimeout <= 0 {
		c.Connection.DisconnectTimeout = def.Connection.DisconnectTimeout
	}
	if c.Connection.WakeLockMax <= 0 {
		c.Connection.WakeLockMax = def.Connection.WakeLockMax
	}
	if c.Connection.BackoffBase <= 0 {
		c.Connection.BackoffBase = def.Connection.BackoffBase
	}
	if c.Connection.BackoffMax < c.Connection.BackoffBase {
		c.Connection.BackoffMax = c.Connection.BackoffBase
	}
	if c.Connection.ServerErrorRetries < 0 {
		c.Connection.ServerErrorRetries = def.Connection.ServerErrorRetries
	}

	c.Ports.WireGuardUDP = validPorts(c.Ports.WireGuardUDP, def.Ports.WireGuardUDP)
	c.Ports.WireGuardTCP = validPorts(c.Ports.WireGuardTCP, def.Ports.WireGuardTCP)
	c.Ports.WireGuardTLS = validPorts(c.Ports.WireGuardTLS, def.Ports.WireGuardTLS)
	c.Ports.OpenVPNUDP = validPorts(c.Ports.OpenVPNUDP, def.Ports.OpenVPNUDP)
	c.Ports.OpenVPNTCP = validPorts(c.Ports.OpenVPNTCP, def.Ports.OpenVPNTCP)
	c.Ports.IKEv2 = validPorts(c.Ports.IKEv2, def.Ports.IKEv2)

	if c.Unreachable.MinInterval <= 0 {
		c.Unreachable.MinInterval = def.Unreachable.MinInterval
	}
	if c.Unreachable.MaxInterval < c.Unreachable.MinInterval {
		c.Unreachable.MaxInterval = c.Unreachable.MinInterval
	}
	if c.Unreachable.MaxJitter < 0 {
		c.Unreachable.MaxJitter = 0
	}
	if c.Certificate.RetryDelay <= 0 {
		c.Certificate.RetryDelay = def.Certificate.RetryDelay
	}
	if c.Engines.OpenVPN == "" {
		c.Engines.OpenVPN = def.Engines.OpenVPN
	}
	if c.Engines.WGQuick == "" {
		c.Engines.WGQuick = def.Engines.WGQuick
	}
	if c.Engines.WG == "" {
		c.Engines.WG = def.Engines.WG
	}
	if c.Engines.WireGuardInterface == "" {
		c.Engines.WireGuardInterface = def.Engines.WireGuardInterface
	}
	if c.Account.MaxSessions <= 0 {
		c.Account.MaxSessions = def.Account.MaxSessions
	}
}

// validPorts drops out-of-range ports, falling back to def when nothing is left.
func validPorts(ports, def []int) []int {
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p > 0 && p <= 65535 {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// PortsFor returns the fallback port list for a concrete selection.
func (p PortsConfig) PortsFor(sel protocol.Selection) []int {
	switch sel {
	case protocol.WireGuardUDP:
		return p.WireGuardUDP
	case protocol.WireGuardTCP:
		return p.WireGuardTCP
	case protocol.WireGuardTLS:
		return p.WireGuardTLS
	case protocol.OpenVPNUDP:
		return p.OpenVPNUDP
	case protocol.OpenVPNTCP:
		return p.OpenVPNTCP
	case protocol.IKEv2Selection:
		return p.IKEv2
	default:
		return nil
	}
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := getConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(configPath)
}

// SaveFile writes the configuration to path.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %w", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}
	return nil
}

// ServersPath returns the server catalog location.
func (c *Config) ServersPath() (string, error) {
	if c.Paths.Servers != "" {
		return c.Paths.Servers, nil
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ServersFileName), nil
}

// DatabasePath returns the state database location.
func (c *Config) DatabasePath() (string, error) {
	if c.Paths.Database != "" {
		return c.Paths.Database, nil
	}
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.DatabaseFileName), nil
}

func getConfigPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
