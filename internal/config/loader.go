package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions rejects a config file with overly
// permissive permissions: it returns an error if any group or world
// permission bit is set. Config files carry transport and relay
// credentials.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadNodeConfig loads a node's configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was added.
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade atmosphere", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyTelemetryDefaults(&cfg.Telemetry)
	return &cfg, nil
}

// LoadRelayServerConfig loads the standalone relay server's configuration.
func LoadRelayServerConfig(path string) (*RelayServerConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg RelayServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade atmosphere-relay", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyTelemetryDefaults(&cfg.Telemetry)
	if cfg.Health.Enabled && cfg.Health.ListenAddress == "" {
		cfg.Health.ListenAddress = "127.0.0.1:9090"
	}
	return &cfg, nil
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Metrics.Enabled && t.Metrics.ListenAddress == "" {
		t.Metrics.ListenAddress = "127.0.0.1:9091"
	}
}

// ValidateNodeConfig validates a node's configuration after loading.
func ValidateNodeConfig(cfg *NodeConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if cfg.Mesh.SavedMeshFile == "" {
		return fmt.Errorf("mesh.saved_mesh_file is required")
	}
	if !cfg.Transports.LAN.Enabled && !cfg.Transports.UDP.Enabled &&
		!cfg.Transports.Relay.Enabled && !cfg.Transports.BLE.Enabled {
		return fmt.Errorf("transports: at least one transport must be enabled")
	}
	if cfg.Transports.Relay.Enabled && len(cfg.Transports.Relay.URLs) == 0 {
		return fmt.Errorf("transports.relay.urls must contain at least one URL when relay is enabled")
	}
	if cfg.Transports.UDP.Enabled && len(cfg.Transports.UDP.STUNServers) == 0 {
		return fmt.Errorf("transports.udp.stun_servers must contain at least one server when udp is enabled")
	}
	return nil
}

// ValidateRelayServerConfig validates the relay server's configuration.
func ValidateRelayServerConfig(cfg *RelayServerConfig) error {
	if cfg.Network.ListenAddress == "" {
		return fmt.Errorf("network.listen_address is required")
	}
	return nil
}

// FindConfigFile searches for an atmosphere config file in standard
// locations. Search order: explicitPath (if given), ./atmosphere.yaml,
// ~/.config/atmosphere/config.yaml, /etc/atmosphere/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"atmosphere.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "atmosphere", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "atmosphere", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'atmosphere init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default atmosphere config directory
// (~/.config/atmosphere).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "atmosphere"), nil
}

// ResolveConfigPaths resolves relative file paths in cfg relative to
// configDir, so a config under ~/.config/atmosphere/ can reference its
// key file and saved-mesh store with relative paths.
func ResolveConfigPaths(cfg *NodeConfig, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if cfg.Mesh.SavedMeshFile != "" && !filepath.IsAbs(cfg.Mesh.SavedMeshFile) {
		cfg.Mesh.SavedMeshFile = filepath.Join(configDir, cfg.Mesh.SavedMeshFile)
	}
}
