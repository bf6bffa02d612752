package config

import (
	"os"
	"path/filepath"
	"testing"
)

// Minimal valid YAML for loading tests.
const testConfigYAML = `
identity:
  key_file: "identity.key"
mesh:
  saved_mesh_file: "saved_meshes.cbor"
transports:
  lan:
    enabled: true
    listen_address: "0.0.0.0:4710"
  udp:
    enabled: true
    listen_port: 4711
    stun_servers:
      - "stun.l.google.com:19302"
  relay:
    enabled: true
    urls:
      - "wss://relay.example.com/relay"
`

func writeTestConfig(t testing.TB, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadNodeConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}

	if cfg.Identity.KeyFile != "identity.key" {
		t.Errorf("KeyFile = %q, want %q", cfg.Identity.KeyFile, "identity.key")
	}
	if cfg.Mesh.SavedMeshFile != "saved_meshes.cbor" {
		t.Errorf("SavedMeshFile = %q", cfg.Mesh.SavedMeshFile)
	}
	if !cfg.Transports.LAN.Enabled {
		t.Error("LAN transport should be enabled")
	}
	if cfg.Transports.UDP.ListenPort != 4711 {
		t.Errorf("UDP ListenPort = %d, want 4711", cfg.Transports.UDP.ListenPort)
	}
	if len(cfg.Transports.UDP.STUNServers) != 1 {
		t.Errorf("STUNServers count = %d, want 1", len(cfg.Transports.UDP.STUNServers))
	}
	if len(cfg.Transports.Relay.URLs) != 1 {
		t.Errorf("Relay URLs count = %d, want 1", len(cfg.Transports.Relay.URLs))
	}
}

func TestLoadNodeConfigMissingFile(t *testing.T) {
	_, err := LoadNodeConfig("/nonexistent/path.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadNodeConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "not: [valid: yaml: {{{")

	_, err := LoadNodeConfig(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidateNodeConfig(t *testing.T) {
	valid := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "key"},
		Mesh:     MeshConfig{SavedMeshFile: "saved.cbor"},
		Transports: TransportsConfig{
			LAN: LANTransportConfig{Enabled: true, ListenAddress: "0.0.0.0:4710"},
		},
	}

	if err := ValidateNodeConfig(valid); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateNodeConfigMissingFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  NodeConfig
	}{
		{"no key_file", NodeConfig{
			Mesh:       MeshConfig{SavedMeshFile: "x"},
			Transports: TransportsConfig{LAN: LANTransportConfig{Enabled: true}},
		}},
		{"no saved_mesh_file", NodeConfig{
			Identity:   IdentityConfig{KeyFile: "x"},
			Transports: TransportsConfig{LAN: LANTransportConfig{Enabled: true}},
		}},
		{"no transports enabled", NodeConfig{
			Identity: IdentityConfig{KeyFile: "x"},
			Mesh:     MeshConfig{SavedMeshFile: "x"},
		}},
		{"relay enabled without urls", NodeConfig{
			Identity:   IdentityConfig{KeyFile: "x"},
			Mesh:       MeshConfig{SavedMeshFile: "x"},
			Transports: TransportsConfig{Relay: RelayTransportConfig{Enabled: true}},
		}},
		{"udp enabled without stun servers", NodeConfig{
			Identity:   IdentityConfig{KeyFile: "x"},
			Mesh:       MeshConfig{SavedMeshFile: "x"},
			Transports: TransportsConfig{UDP: UDPTransportConfig{Enabled: true}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateNodeConfig(&tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResolveConfigPaths(t *testing.T) {
	cfg := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "identity.key"},
		Mesh:     MeshConfig{SavedMeshFile: "saved_meshes.cbor"},
	}

	ResolveConfigPaths(cfg, "/home/user/.config/atmosphere")

	want := "/home/user/.config/atmosphere/identity.key"
	if cfg.Identity.KeyFile != want {
		t.Errorf("KeyFile = %q, want %q", cfg.Identity.KeyFile, want)
	}

	want = "/home/user/.config/atmosphere/saved_meshes.cbor"
	if cfg.Mesh.SavedMeshFile != want {
		t.Errorf("SavedMeshFile = %q, want %q", cfg.Mesh.SavedMeshFile, want)
	}
}

func TestResolveConfigPathsAbsolute(t *testing.T) {
	cfg := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "/absolute/path/key"},
		Mesh:     MeshConfig{SavedMeshFile: "/absolute/saved.cbor"},
	}

	ResolveConfigPaths(cfg, "/home/user/.config/atmosphere")

	if cfg.Identity.KeyFile != "/absolute/path/key" {
		t.Errorf("absolute path should not change: %q", cfg.Identity.KeyFile)
	}
	if cfg.Mesh.SavedMeshFile != "/absolute/saved.cbor" {
		t.Errorf("absolute path should not change: %q", cfg.Mesh.SavedMeshFile)
	}
}

func TestFindConfigFileExplicit(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "identity:\n  key_file: x")

	found, err := FindConfigFile(path)
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
}

func TestFindConfigFileExplicitMissing(t *testing.T) {
	_, err := FindConfigFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing explicit path")
	}
}

func TestFindConfigFileLocalDir(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "atmosphere.yaml")
	if err := os.WriteFile(configPath, []byte("identity:\n  key_file: x"), 0600); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	found, err := FindConfigFile("")
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if found != "atmosphere.yaml" {
		t.Errorf("found = %q, want %q", found, "atmosphere.yaml")
	}
}

func TestLoadRelayServerConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
network:
  listen_address: ":8443"
health:
  enabled: true
`
	path := filepath.Join(dir, "relay.yaml")
	os.WriteFile(path, []byte(yaml), 0600)

	cfg, err := LoadRelayServerConfig(path)
	if err != nil {
		t.Fatalf("LoadRelayServerConfig: %v", err)
	}

	if cfg.Network.ListenAddress != ":8443" {
		t.Errorf("ListenAddress = %q", cfg.Network.ListenAddress)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("Health ListenAddress default = %q, want 127.0.0.1:9090", cfg.Health.ListenAddress)
	}
}

func TestConfigVersionDefaultsTo1(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1 (default)", cfg.Version)
	}
}

func TestConfigVersionExplicit(t *testing.T) {
	dir := t.TempDir()
	yaml := "version: 1\n" + testConfigYAML
	path := writeTestConfig(t, dir, yaml)

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
}

func TestConfigVersionFutureRejected(t *testing.T) {
	dir := t.TempDir()
	yaml := "version: 999\n" + testConfigYAML
	path := writeTestConfig(t, dir, yaml)

	_, err := LoadNodeConfig(path)
	if err == nil {
		t.Error("expected error for future config version")
	}
}

func TestRelayConfigVersionDefaultsTo1(t *testing.T) {
	dir := t.TempDir()
	yaml := `
network:
  listen_address: ":8443"
`
	path := filepath.Join(dir, "relay.yaml")
	os.WriteFile(path, []byte(yaml), 0600)

	cfg, err := LoadRelayServerConfig(path)
	if err != nil {
		t.Fatalf("LoadRelayServerConfig: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1 (default)", cfg.Version)
	}
}

func TestRelayConfigVersionFutureRejected(t *testing.T) {
	dir := t.TempDir()
	yaml := `
version: 999
network:
  listen_address: ":8443"
`
	path := filepath.Join(dir, "relay.yaml")
	os.WriteFile(path, []byte(yaml), 0600)

	_, err := LoadRelayServerConfig(path)
	if err == nil {
		t.Error("expected error for future relay config version")
	}
}

func TestValidateRelayServerConfig(t *testing.T) {
	valid := &RelayServerConfig{
		Network: RelayServerNetwork{ListenAddress: ":8443"},
	}
	if err := ValidateRelayServerConfig(valid); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	invalid := &RelayServerConfig{}
	if err := ValidateRelayServerConfig(invalid); err == nil {
		t.Error("expected error for missing listen_address")
	}
}
