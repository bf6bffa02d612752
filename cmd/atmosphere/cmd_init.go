package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/atmosphere/internal/identity"
)

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".atmosphere", "directory to create config and key material in")
	listenLAN := fs.String("lan-addr", "0.0.0.0:4710", "LAN transport listen address")
	listenUDP := fs.Int("udp-port", 4711, "NAT-punched UDP/QUIC listen port")
	fs.Parse(args)

	if err := os.MkdirAll(*dir, 0o700); err != nil {
		fatal("create %s: %v", *dir, err)
	}

	keyFile := filepath.Join(*dir, "identity.key")
	if _, _, err := identity.LoadOrCreate(keyFile); err != nil {
		fatal("generate identity: %v", err)
	}

	cfgPath := filepath.Join(*dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		fatal("config already exists: %s", cfgPath)
	}

	skeleton := nodeConfigSkeleton(keyFile, filepath.Join(*dir, "meshes.yaml"), *listenLAN, *listenUDP)
	data, err := yaml.Marshal(skeleton)
	if err != nil {
		fatal("marshal config: %v", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		fatal("write config: %v", err)
	}

	fmt.Printf("Initialized node in %s\n", *dir)
	fmt.Printf("  identity: %s\n", keyFile)
	fmt.Printf("  config:   %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Run 'atmosphere serve --config " + cfgPath + "' to start this node.")
}
