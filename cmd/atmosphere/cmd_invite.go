package main

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shurlinet/atmosphere/internal/config"
	"github.com/shurlinet/atmosphere/internal/identity"
	"github.com/shurlinet/atmosphere/internal/invite"
	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// runInvite dispatches `invite create`, the only invite subcommand: a
// mesh's founder is the sole holder of its private key (spec.md
// section 3's "the mesh founder owns the mesh_public_key"), so this
// refuses to run for any other node.
func runInvite(args []string) {
	if len(args) == 0 || args[0] != "create" {
		fatal("usage: atmosphere invite create [arguments]")
	}

	fs := flag.NewFlagSet("invite create", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	ttl := fs.Duration("ttl", 24*time.Hour, "how long the invite stays valid")
	grants := fs.String("grants", "", "comma-separated capability grants (empty = all)")
	fs.Parse(args[1:])

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}

	active, err := nc.activeMesh()
	if err != nil {
		fatal("%v", err)
	}
	if active.FounderNodeId != nc.nodeID {
		fatal("only the mesh founder can create invites for %s", active.MeshId.String())
	}

	meshKP, _, err := identity.LoadOrCreate(meshKeyFile(nc.cfg.Mesh.SavedMeshFile, active.MeshId))
	if err != nil {
		fatal("load mesh key: %v", err)
	}

	endpoints := selfEndpoints(nc.cfg)
	if len(endpoints) == 0 {
		fatal("no reachable transports configured; enable lan, udp, or relay first")
	}

	var grantList []string
	if *grants != "" {
		for _, g := range strings.Split(*grants, ",") {
			if g = strings.TrimSpace(g); g != "" {
				grantList = append(grantList, g)
			}
		}
	}

	token, err := mesh.CreateInvite(active.MeshId, meshKP.Public, meshKP.Private, nc.nodeID, grantList, endpoints, *ttl)
	if err != nil {
		fatal("create invite: %v", err)
	}

	tokenBytes, err := mesh.MarshalCBOR(token)
	if err != nil {
		fatal("encode invite: %v", err)
	}

	fmt.Println("Invite token (share via any channel, expires", token.ExpiresAt.Format(time.RFC3339)+"):")
	fmt.Println()
	fmt.Println(invite.EncodeTokenURL(tokenBytes))
	fmt.Println()
	fmt.Println("Short code (for read-aloud confirmation, not itself joinable):", invite.ShortCode(tokenBytes))
}

// selfEndpoints lists this node's own reachable addresses, the set an
// invite hands to a joiner so it has something to dial before gossip
// teaches it anything else.
func selfEndpoints(cfg *config.NodeConfig) []mesh.Endpoint {
	var endpoints []mesh.Endpoint

	if cfg.Transports.LAN.Enabled {
		if host, portStr, err := net.SplitHostPort(cfg.Transports.LAN.ListenAddress); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				endpoints = append(endpoints, mesh.Endpoint{Kind: mesh.TransportLAN, Host: host, Port: uint16(port)})
			}
		}
	}
	if cfg.Transports.Relay.Enabled {
		for _, url := range cfg.Transports.Relay.URLs {
			endpoints = append(endpoints, mesh.Endpoint{Kind: mesh.TransportRelay, RelayURL: url})
		}
	}

	return endpoints
}
