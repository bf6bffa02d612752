// Command atmosphere-relay runs the standalone WebSocket rendezvous
// server (spec.md section 6): it pairs exactly two clients sharing a
// session_id and forwards binary frames between them verbatim. It
// holds no mesh identity and never interprets the frames it forwards
// beyond the first one, used only to police nonce replay.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shurlinet/atmosphere/internal/config"
	"github.com/shurlinet/atmosphere/internal/relay"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) >= 2 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Printf("atmosphere-relay %s (%s) built %s\n", version, commit, buildDate)
		return
	}

	fs := flag.NewFlagSet("atmosphere-relay", flag.ExitOnError)
	configFlag := fs.String("config", "relay.yaml", "path to relay server config file")
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadRelayServerConfig(*configFlag)
	if err != nil {
		fatal("failed to load config: %v", err)
	}

	guard := relay.NewReplayGuard()
	var metrics *relay.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = relay.NewMetrics()
	}
	router := relay.NewSessionRouter(guard, metrics, slog.Default())

	// Health runs on its own listener when configured with a distinct
	// address (e.g. a loopback-only port for an orchestrator's liveness
	// probe); otherwise it's mounted on the relay's own mux.
	separateHealth := cfg.Health.Enabled && cfg.Health.ListenAddress != "" && cfg.Health.ListenAddress != cfg.Network.ListenAddress

	mux := http.NewServeMux()
	registerRelayRoutes(mux, router, metrics)
	if cfg.Health.Enabled && !separateHealth {
		registerHealthRoute(mux, router)
	}

	srv := &http.Server{
		Addr:         cfg.Network.ListenAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // relay connections are long-lived WebSocket upgrades
	}

	var healthSrv *http.Server
	if separateHealth {
		healthMux := http.NewServeMux()
		registerHealthRoute(healthMux, router)
		healthSrv = &http.Server{Addr: cfg.Health.ListenAddress, Handler: healthMux}
		go func() {
			slog.Info("atmosphere-relay health endpoint listening", "addr", cfg.Health.ListenAddress)
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("atmosphere-relay listening", "addr", cfg.Network.ListenAddress, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("relay server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("relay server shutdown error", "error", err)
	}
	if healthSrv != nil {
		if err := healthSrv.Shutdown(ctx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// healthResponse is the body of GET /health, matching spec.md section
// 6's exact wire contract: {status:"ok", sessions:n, timestamp}.
type healthResponse struct {
	Status    string    `json:"status"`
	Sessions  int       `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

func registerHealthRoute(mux *http.ServeMux, router *relay.SessionRouter) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:    "ok",
			Sessions:  router.ActiveSessions(),
			Timestamp: time.Now().UTC(),
		})
	})
}

func registerRelayRoutes(mux *http.ServeMux, router *relay.SessionRouter, metrics *relay.Metrics) {
	mux.HandleFunc("GET /relay/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("relay: websocket upgrade failed", "error", err)
			return
		}
		go router.Handle(sessionID, ws)
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}
}
