package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// NodeConfig is the configuration for a running Atmosphere node.
type NodeConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Transports TransportsConfig `yaml:"transports"`
	Routing   RoutingConfig   `yaml:"routing,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig holds this node's Ed25519 key material location.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// MeshConfig holds per-node mesh membership storage paths.
type MeshConfig struct {
	SavedMeshFile string `yaml:"saved_mesh_file"` // path to the saved-mesh store (section 4.9)
	HomeDir       string `yaml:"home_dir,omitempty"`
}

// TransportsConfig enables and configures each transport adapter
// (section 4.3/4.4). A transport with Enabled=false is never probed or
// dialed, but its configuration is still validated.
type TransportsConfig struct {
	LAN   LANTransportConfig   `yaml:"lan"`
	UDP   UDPTransportConfig   `yaml:"udp"`
	Relay RelayTransportConfig `yaml:"relay"`
	BLE   BLETransportConfig   `yaml:"ble,omitempty"`
}

// LANTransportConfig configures the mDNS-discovered TCP adapter.
type LANTransportConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // e.g. "0.0.0.0:4710"
}

// UDPTransportConfig configures the NAT-punched QUIC/UDP adapter.
type UDPTransportConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ListenPort  int      `yaml:"listen_port"`
	STUNServers []string `yaml:"stun_servers"`
}

// RelayTransportConfig configures the WebSocket rendezvous fallback.
type RelayTransportConfig struct {
	Enabled  bool     `yaml:"enabled"`
	URLs     []string `yaml:"urls"`
	AuthToken string  `yaml:"auth_token,omitempty"`
}

// BLETransportConfig configures the low-bandwidth BLE adapter.
type BLETransportConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RoutingConfig tunes the gossip and routing layers beyond their spec
// defaults, for operators running unusually small or large meshes.
type RoutingConfig struct {
	AntiEntropyInterval time.Duration `yaml:"anti_entropy_interval,omitempty"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval,omitempty"`
}

// TelemetryConfig holds observability settings. All features are
// disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// AuditConfig controls structured audit logging.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RelayServerConfig is the configuration for the standalone relay
// rendezvous server (cmd/atmosphere-relay).
type RelayServerConfig struct {
	Version   int                `yaml:"version,omitempty"`
	Network   RelayServerNetwork `yaml:"network"`
	Health    HealthConfig       `yaml:"health,omitempty"`
	Telemetry TelemetryConfig    `yaml:"telemetry,omitempty"`
}

// RelayServerNetwork holds the relay server's own listen configuration.
type RelayServerNetwork struct {
	ListenAddress string `yaml:"listen_address"` // e.g. ":8443"
}

// HealthConfig holds HTTP health check endpoint configuration.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}
