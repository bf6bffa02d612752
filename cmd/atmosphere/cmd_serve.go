package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shurlinet/atmosphere/internal/config"
	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// runServe brings up this node's Runtime in the foreground: every
// configured transport adapter, gossip, routing, liveness, and (if
// telemetry is enabled) a metrics endpoint. It blocks until SIGINT or
// SIGTERM, then shuts down gracefully, grounded on the teacher's
// runDaemonStart signal-wait-then-drain shape.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	fs.Parse(args)

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}

	metrics := mesh.NewMetrics()

	adapters := map[mesh.TransportKind]mesh.Adapter{}
	listenAddrs := map[mesh.TransportKind]string{}

	if nc.cfg.Transports.LAN.Enabled {
		adapters[mesh.TransportLAN] = mesh.NewLANAdapter(metrics)
		listenAddrs[mesh.TransportLAN] = nc.cfg.Transports.LAN.ListenAddress
	}
	if nc.cfg.Transports.UDP.Enabled {
		adapters[mesh.TransportUDP] = mesh.NewUDPAdapter(metrics)
		listenAddrs[mesh.TransportUDP] = fmt.Sprintf("0.0.0.0:%d", nc.cfg.Transports.UDP.ListenPort)
	}
	if nc.cfg.Transports.Relay.Enabled {
		// Relay is dial-only from a node's perspective: the rendezvous
		// process (cmd/atmosphere-relay) is what listens.
		adapters[mesh.TransportRelay] = mesh.NewRelayAdapter(metrics)
	}
	// BLE has no dial implementation in this module (pkg/mesh/transport_ble.go);
	// leaving it out of adapters means the supervisor never attempts it.

	if len(adapters) == 0 {
		fatal("no transports enabled in %s", *configFlag)
	}

	var meshID mesh.MeshId
	if m, ok := nc.meshes.Active(); ok {
		meshID = m.MeshId
	}

	rt := mesh.NewRuntime(mesh.RuntimeConfig{
		Self:          nc.nodeID,
		KeyPair:       nc.kp,
		MeshId:        meshID,
		Adapters:      adapters,
		ListenAddrs:   listenAddrs,
		Embedder:      mesh.HashEmbedder{},
		CostSampler:   hostCostSampler{networkMetered: false},
		SavedMeshPath: nc.cfg.Mesh.SavedMeshFile,
		Metrics:       metrics,
		Logger:        slog.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		cancel()
		fatal("start runtime: %v", err)
	}

	// A config apply from a previous run may still be awaiting
	// confirmation; resume watching its deadline so an operator who
	// never confirmed (or who applied a config that prevented this
	// process from ever coming back up) still gets reverted.
	if deadline, err := config.CheckPending(*configFlag); err != nil {
		slog.Warn("could not check for a pending config apply", "error", err)
	} else if !deadline.IsZero() {
		go config.EnforceCommitConfirmed(ctx, *configFlag, deadline, osExit)
	}

	for _, target := range nc.meshes.AutoReconnectTargets() {
		byKind := make(map[mesh.TransportKind][]mesh.Endpoint)
		for _, ep := range target.Endpoints {
			byKind[ep.Kind] = append(byKind[ep.Kind], ep)
		}
		rt.Supervisor.Learn(target.FounderNodeId, target.MeshPublicKey, byKind)
	}

	var metricsSrv *http.Server
	if nc.cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: nc.cfg.Telemetry.Metrics.ListenAddress, Handler: mux}
		go func() {
			slog.Info("metrics listening", "addr", nc.cfg.Telemetry.Metrics.ListenAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	slog.Info("atmosphere node running", "node_id", nc.nodeID.String(), "transports", transportNames(adapters))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	if err := rt.Close(); err != nil {
		slog.Error("runtime close error", "error", err)
	}
	if metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = metricsSrv.Shutdown(sctx)
	}
}

func transportNames(adapters map[mesh.TransportKind]mesh.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for k := range adapters {
		names = append(names, string(k))
	}
	return names
}
