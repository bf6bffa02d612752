package main

import (
	"fmt"

	"github.com/shurlinet/atmosphere/internal/config"
	"github.com/shurlinet/atmosphere/internal/identity"
	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// nodeContext bundles the identity and config every subcommand but
// init needs, grounded on the teacher's newServeRuntime load sequence
// but without the network/daemon pieces a foreground-only CLI has no
// use for outside of serve itself.
type nodeContext struct {
	cfg    *config.NodeConfig
	kp     mesh.KeyPair
	nodeID mesh.NodeId
	meshes *mesh.SavedMeshStore
}

func loadNodeContext(configPath string) (*nodeContext, error) {
	cfg, err := config.LoadNodeConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	kp, nodeID, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	meshes := mesh.NewSavedMeshStore(cfg.Mesh.SavedMeshFile)
	if err := meshes.Load(); err != nil {
		return nil, fmt.Errorf("load saved meshes: %w", err)
	}
	return &nodeContext{cfg: cfg, kp: kp, nodeID: nodeID, meshes: meshes}, nil
}

// activeMesh returns the currently active saved mesh, or an error
// naming the `network use` subcommand a caller should run first.
func (nc *nodeContext) activeMesh() (mesh.SavedMesh, error) {
	m, ok := nc.meshes.Active()
	if !ok {
		return mesh.SavedMesh{}, fmt.Errorf("no active mesh; run 'atmosphere join <token>' or 'atmosphere network use <mesh-id>'")
	}
	return m, nil
}

// nodeConfigSkeleton is the config `init` writes: LAN and UDP enabled
// by default (the transports that work with no further setup), Relay
// and BLE present but disabled until the operator supplies relay URLs
// or a BLE dial implementation.
func nodeConfigSkeleton(keyFile, savedMeshFile, lanAddr string, udpPort int) *config.NodeConfig {
	return &config.NodeConfig{
		Version: config.CurrentConfigVersion,
		Identity: config.IdentityConfig{
			KeyFile: keyFile,
		},
		Mesh: config.MeshConfig{
			SavedMeshFile: savedMeshFile,
		},
		Transports: config.TransportsConfig{
			LAN: config.LANTransportConfig{
				Enabled:       true,
				ListenAddress: lanAddr,
			},
			UDP: config.UDPTransportConfig{
				Enabled:     true,
				ListenPort:  udpPort,
				STUNServers: []string{"stun.l.google.com:19302"},
			},
			Relay: config.RelayTransportConfig{
				Enabled: false,
			},
			BLE: config.BLETransportConfig{
				Enabled: false,
			},
		},
		Telemetry: config.TelemetryConfig{
			Metrics: config.MetricsConfig{
				Enabled:       false,
				ListenAddress: "127.0.0.1:9091",
			},
			Audit: config.AuditConfig{
				Enabled: true,
			},
		},
	}
}
