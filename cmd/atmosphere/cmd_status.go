package main

import (
	"flag"
	"fmt"
)

// runStatus prints this node's identity, config path, and active mesh
// without starting a Runtime — useful for scripting and for confirming
// `init`/`join` succeeded before running `serve`.
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	fs.Parse(args)

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}

	fmt.Println("node_id:   ", nc.nodeID.String())
	fmt.Println("config:    ", *configFlag)
	fmt.Println("key_file:  ", nc.cfg.Identity.KeyFile)

	fmt.Println()
	if active, ok := nc.meshes.Active(); ok {
		fmt.Println("active mesh:", active.MeshName, "("+active.MeshId.String()+")")
		fmt.Println("  founder: ", active.FounderNodeId.String())
		fmt.Println("  joined:  ", active.JoinedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("active mesh: none (run 'atmosphere network create' or 'atmosphere join <token>')")
	}

	meshes := nc.meshes.All()
	fmt.Printf("\nsaved meshes: %d\n", len(meshes))

	fmt.Println()
	fmt.Println("transports:")
	fmt.Printf("  lan:   enabled=%v addr=%s\n", nc.cfg.Transports.LAN.Enabled, nc.cfg.Transports.LAN.ListenAddress)
	fmt.Printf("  udp:   enabled=%v port=%d\n", nc.cfg.Transports.UDP.Enabled, nc.cfg.Transports.UDP.ListenPort)
	fmt.Printf("  relay: enabled=%v urls=%v\n", nc.cfg.Transports.Relay.Enabled, nc.cfg.Transports.Relay.URLs)
	fmt.Printf("  ble:   enabled=%v\n", nc.cfg.Transports.BLE.Enabled)
}
