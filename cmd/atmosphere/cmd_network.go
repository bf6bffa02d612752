package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shurlinet/atmosphere/internal/identity"
	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// runNetwork dispatches the `network` subcommands that manage this
// node's SavedMeshStore (section 4.9): create, list, use, forget.
func runNetwork(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere network <create|list|use|forget> [arguments]")
	}
	switch args[0] {
	case "create":
		runNetworkCreate(args[1:])
	case "list":
		runNetworkList(args[1:])
	case "use":
		runNetworkUse(args[1:])
	case "forget":
		runNetworkForget(args[1:])
	default:
		fatal("unknown network subcommand: %s", args[0])
	}
}

// meshKeyFile derives the path the founder's mesh private key is
// stored at, alongside the saved-mesh store itself.
func meshKeyFile(cfgMeshFile string, id mesh.MeshId) string {
	return filepath.Join(filepath.Dir(cfgMeshFile), "mesh-"+id.String()+".key")
}

func runNetworkCreate(args []string) {
	fs := flag.NewFlagSet("network create", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	name := fs.String("name", "", "human-readable mesh name")
	fs.Parse(args)
	if *name == "" {
		fatal("usage: atmosphere network create -name <name>")
	}

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}

	var meshID mesh.MeshId
	if _, err := rand.Read(meshID[:]); err != nil {
		fatal("generate mesh id: %v", err)
	}

	meshKP, _, err := identity.LoadOrCreate(meshKeyFile(nc.cfg.Mesh.SavedMeshFile, meshID))
	if err != nil {
		fatal("generate mesh key: %v", err)
	}

	saved := mesh.SavedMesh{
		MeshId:        meshID,
		MeshName:      *name,
		MeshPublicKey: meshKP.Public,
		FounderNodeId: nc.nodeID,
		JoinedAt:      time.Now().UTC(),
		AutoReconnect: true,
	}
	if err := nc.meshes.Put(saved); err != nil {
		fatal("save mesh: %v", err)
	}
	if err := nc.meshes.Activate(meshID); err != nil {
		fatal("activate mesh: %v", err)
	}

	fmt.Printf("Created mesh %q (%s) and set it active.\n", *name, meshID.String())
	fmt.Println("Run 'atmosphere invite create' to invite other nodes.")
}

func runNetworkList(args []string) {
	fs := flag.NewFlagSet("network list", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	fs.Parse(args)

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}

	active, hasActive := nc.meshes.Active()
	for _, m := range nc.meshes.All() {
		marker := "  "
		if hasActive && m.MeshId == active.MeshId {
			marker = "* "
		}
		fmt.Printf("%s%s  %-20s  founder=%s  auto_reconnect=%v\n", marker, m.MeshId.String(), m.MeshName, m.FounderNodeId.String(), m.AutoReconnect)
	}
}

func runNetworkUse(args []string) {
	fs := flag.NewFlagSet("network use", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("usage: atmosphere network use <mesh-id>")
	}
	meshID, err := mesh.MeshIdFromHex(fs.Arg(0))
	if err != nil {
		fatal("invalid mesh id: %v", err)
	}

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}
	if err := nc.meshes.Activate(meshID); err != nil {
		fatal("activate mesh: %v", err)
	}
	fmt.Printf("Active mesh is now %s.\n", meshID.String())
}

func runNetworkForget(args []string) {
	fs := flag.NewFlagSet("network forget", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("usage: atmosphere network forget <mesh-id>")
	}
	meshID, err := mesh.MeshIdFromHex(fs.Arg(0))
	if err != nil {
		fatal("invalid mesh id: %v", err)
	}

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}
	if err := nc.meshes.Forget(meshID); err != nil {
		fatal("forget mesh: %v", err)
	}
	fmt.Printf("Forgot mesh %s.\n", meshID.String())
}
