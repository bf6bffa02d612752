package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shurlinet/atmosphere/internal/config"
)

// runConfig dispatches the `config` subcommands that manage a node's
// on-disk NodeConfig file itself (as opposed to `network`, which
// manages the meshes a node has joined): apply, confirm, rollback,
// pending, snapshot.
func runConfig(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere config <apply|confirm|rollback|pending|snapshot> [arguments]")
	}
	switch args[0] {
	case "apply":
		runConfigApply(args[1:])
	case "confirm":
		runConfigConfirm(args[1:])
	case "rollback":
		runConfigRollback(args[1:])
	case "pending":
		runConfigPending(args[1:])
	case "snapshot":
		runConfigSnapshot(args[1:])
	default:
		fatal("unknown config subcommand: %s", args[0])
	}
}

// snapshotFilenames lists the files a config snapshot captures: the
// live config plus the identity and saved-mesh files it points at, so
// a restore brings back a self-consistent trio rather than just the
// config.yaml half of one.
func snapshotFilenames(cfg *config.NodeConfig, configPath string) []string {
	dir := filepath.Dir(configPath)
	names := []string{filepath.Base(configPath)}
	if rel, err := filepath.Rel(dir, cfg.Identity.KeyFile); err == nil && !isParentEscape(rel) {
		names = append(names, rel)
	}
	if rel, err := filepath.Rel(dir, cfg.Mesh.SavedMeshFile); err == nil && !isParentEscape(rel) {
		names = append(names, rel)
	}
	return names
}

func isParentEscape(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func snapshotDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), ".snapshots")
}

// runConfigApply replaces the live config with newConfigPath under a
// commit-confirmed guard (section 5.9): the swap takes effect once the
// node is restarted (`atmosphere serve` picks up pending state on
// startup and watches the deadline itself), and if `atmosphere config
// confirm` isn't run before -timeout elapses, the running node reverts
// the swap and exits so systemd restarts it with the last-known-good
// config — a bad config (e.g. one pointing transports at an address
// the operator can't reach) can't strand the node.
func runConfigApply(args []string) {
	fs := flag.NewFlagSet("config apply", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to the live node config file")
	timeout := fs.Duration("timeout", 2*time.Minute, "revert automatically if not confirmed within this long")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("usage: atmosphere config apply <new-config-file> [-timeout 2m]")
	}
	newConfigPath := fs.Arg(0)

	newCfg, err := config.LoadNodeConfig(newConfigPath)
	if err != nil {
		fatal("the candidate config failed to load: %v", err)
	}
	if err := config.ValidateNodeConfig(newCfg); err != nil {
		fatal("the candidate config is invalid: %v", err)
	}

	currentCfg, err := config.LoadNodeConfig(*configFlag)
	if err != nil {
		fatal("load current config: %v", err)
	}
	sm := config.NewSnapshotManager(snapshotDir(*configFlag))
	if _, err := sm.Create(filepath.Dir(*configFlag), snapshotFilenames(currentCfg, *configFlag)); err != nil {
		fatal("snapshot current config before apply: %v", err)
	}

	if err := config.Archive(*configFlag); err != nil {
		fatal("archive current config before apply: %v", err)
	}
	if err := config.ApplyCommitConfirmed(*configFlag, newConfigPath, *timeout); err != nil {
		fatal("apply: %v", err)
	}

	fmt.Printf("Applied %s. Restart the node, then run 'atmosphere config confirm' within %s or it reverts automatically.\n", newConfigPath, timeout.String())
}

// runConfigConfirm makes the most recent `config apply` permanent.
func runConfigConfirm(args []string) {
	fs := flag.NewFlagSet("config confirm", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to the live node config file")
	fs.Parse(args)

	if err := config.Confirm(*configFlag); err != nil {
		fatal("confirm: %v", err)
	}
	fmt.Println("Config change confirmed.")
}

// runConfigRollback restores the last-known-good config archive
// written by the most recent successful `config apply`, independent of
// whether a commit-confirmed window is still open.
func runConfigRollback(args []string) {
	fs := flag.NewFlagSet("config rollback", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to the live node config file")
	fs.Parse(args)

	if err := config.Rollback(*configFlag); err != nil {
		fatal("rollback: %v", err)
	}
	fmt.Println("Config rolled back to the last-known-good archive.")
}

// runConfigPending reports whether a commit-confirmed window is open.
func runConfigPending(args []string) {
	fs := flag.NewFlagSet("config pending", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to the live node config file")
	fs.Parse(args)

	deadline, err := config.CheckPending(*configFlag)
	if err != nil {
		fatal("pending: %v", err)
	}
	if deadline.IsZero() {
		fmt.Println("No commit-confirmed config change pending.")
		return
	}
	fmt.Printf("Pending config change reverts automatically at %s unless confirmed.\n", deadline.Format(time.RFC3339))
}

// runConfigSnapshot dispatches the `config snapshot` subcommands: list
// shows the timestamped snapshots `config apply` has taken, restore
// brings one back (config, identity key, and saved-mesh file
// together) ahead of the single-file -based rollback/apply guard.
func runConfigSnapshot(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere config snapshot <list|restore> [arguments]")
	}
	switch args[0] {
	case "list":
		runConfigSnapshotList(args[1:])
	case "restore":
		runConfigSnapshotRestore(args[1:])
	default:
		fatal("unknown config snapshot subcommand: %s", args[0])
	}
}

func runConfigSnapshotList(args []string) {
	fs := flag.NewFlagSet("config snapshot list", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to the live node config file")
	fs.Parse(args)

	sm := config.NewSnapshotManager(snapshotDir(*configFlag))
	snaps, err := sm.List()
	if err != nil {
		fatal("list snapshots: %v", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No config snapshots yet. Run 'atmosphere config apply' to take one.")
		return
	}
	for _, s := range snaps {
		fmt.Printf("%s  (%d files)\n", s.Name, len(s.Files))
	}
}

func runConfigSnapshotRestore(args []string) {
	fs := flag.NewFlagSet("config snapshot restore", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to the live node config file")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("usage: atmosphere config snapshot restore <snapshot-name>")
	}
	name := fs.Arg(0)

	sm := config.NewSnapshotManager(snapshotDir(*configFlag))
	snaps, err := sm.List()
	if err != nil {
		fatal("list snapshots: %v", err)
	}
	var target *config.Snapshot
	for i := range snaps {
		if snaps[i].Name == name {
			target = &snaps[i]
			break
		}
	}
	if target == nil {
		fatal("no snapshot named %s (see 'atmosphere config snapshot list')", name)
	}
	if err := sm.Restore(target, filepath.Dir(*configFlag)); err != nil {
		fatal("restore snapshot %s: %v", name, err)
	}
	fmt.Printf("Restored %s (%d files) over %s.\n", target.Name, len(target.Files), filepath.Dir(*configFlag))
}
