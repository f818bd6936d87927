// Package common provides shared constants, types, and utilities
// used across the VPN orchestrator.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "VPN Orchestrator"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpn-orchestrator"
)

// File names used by the application.
const (
	ConfigFileName   = "config.yaml"
	ServersFileName  = "servers.yaml"
	DatabaseFileName = "state.db"
	LogFileName      = "vpn-orchestrator.log"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout is the maximum time the CLI waits for a connection.
	ConnectionTimeout = 60 * time.Second
	// PingTimeout bounds a single reachability probe.
	PingTimeout = 5 * time.Second
	// PriorityWait is how long earlier-listed ports may win a probe race.
	PriorityWait = 300 * time.Millisecond
	// DisconnectTimeout bounds how long a backend may take to confirm a disconnect.
	DisconnectTimeout = 5 * time.Second
	// DisconnectPollInterval is how often backend state is polled while disconnecting.
	DisconnectPollInterval = 100 * time.Millisecond
	// WakeLockMaxDuration is the safety-net limit for a held sleep inhibitor.
	WakeLockMaxDuration = 60 * time.Second
	// CertificateRetryDelay is used when a certificate refresh fails.
	CertificateRetryDelay = 15 * time.Minute
)

// Port scanning defaults.
const (
	// ScanPortCount is how many ports are sampled per transmission during a scan.
	ScanPortCount = 3
	// PrimaryTCPPort is always kept in the TCP port sample when present.
	PrimaryTCPPort = 443
)
