// Command atmosphere runs and administers a single Atmosphere mesh
// node: an ambient, capability-gossiping peer in a small trusted mesh
// (spec.md section 1). Unlike the teacher's daemon+socket split, a
// node here is a single foreground process — there is no admin IPC
// surface in scope, so `status` reports from the node's own config and
// saved-mesh state rather than from a running process.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	level := slog.LevelInfo
	if v := os.Getenv("ATMOSPHERE_LOG_LEVEL"); v != "" {
		// Unrecognized values leave the level at Info.
		_ = level.UnmarshalText([]byte(v))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "invite":
		runInvite(os.Args[2:])
	case "join":
		runJoin(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "network":
		runNetwork(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		fmt.Printf("atmosphere %s (%s) built %s\n", version, commit, buildDate)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: atmosphere <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                 Generate identity and a starter config file")
	fmt.Println("  serve                Run this node in the foreground")
	fmt.Println("  invite create        Issue an invite token for the active mesh")
	fmt.Println("  join <token>         Join a mesh from an invite token")
	fmt.Println("  status               Show identity, config, and active mesh")
	fmt.Println("  network create       Create a new mesh and become its founder")
	fmt.Println("  network list         List saved meshes")
	fmt.Println("  network use <id>     Switch the active mesh")
	fmt.Println("  network forget <id>  Remove a saved mesh")
	fmt.Println("  config apply <file>  Apply a new node config under a commit-confirmed guard")
	fmt.Println("  config confirm       Make the pending config apply permanent")
	fmt.Println("  config rollback      Restore the last-known-good config archive")
	fmt.Println("  config pending       Show whether a config apply is awaiting confirmation")
	fmt.Println("  config snapshot list           List config+identity+saved-mesh snapshots")
	fmt.Println("  config snapshot restore <name> Restore a snapshot taken by config apply")
	fmt.Println("  version              Print build information")
}
