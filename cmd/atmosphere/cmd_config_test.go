package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/atmosphere/internal/config"
)

// writeCandidateConfig loads the config at cfgPath, applies mutate, and
// writes the result to a new file alongside it so runConfigApply has a
// distinct candidate to swap in.
func writeCandidateConfig(t *testing.T, dir, cfgPath, name string, mutate func(*config.NodeConfig)) string {
	t.Helper()
	cfg, err := config.LoadNodeConfig(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	mutate(cfg)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	return path
}

func TestConfigApplyConfirm(t *testing.T) {
	dir := t.TempDir()
	withNoExit(t, func() { runInit([]string{"-dir", dir}) })
	cfgPath := filepath.Join(dir, "config.yaml")

	original, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	candidatePath := writeCandidateConfig(t, dir, cfgPath, "candidate.yaml", func(c *config.NodeConfig) {
		c.Telemetry.Metrics.Enabled = true
	})

	withNoExit(t, func() {
		runConfigApply([]string{"-config", cfgPath, "-timeout", "1m", candidatePath})
	})

	applied, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read applied config: %v", err)
	}
	if string(applied) == string(original) {
		t.Fatal("expected the live config to change after apply")
	}
	appliedCfg, err := config.LoadNodeConfig(cfgPath)
	if err != nil {
		t.Fatalf("load applied config: %v", err)
	}
	if !appliedCfg.Telemetry.Metrics.Enabled {
		t.Fatal("expected the applied config to have metrics enabled")
	}

	out := captureStdout(t, func() {
		withNoExit(t, func() { runConfigPending([]string{"-config", cfgPath}) })
	})
	if !strings.Contains(out, "reverts automatically") {
		t.Fatalf("expected config pending to report an open commit-confirmed window, got %q", out)
	}

	withNoExit(t, func() {
		runConfigConfirm([]string{"-config", cfgPath})
	})

	out = captureStdout(t, func() {
		withNoExit(t, func() { runConfigPending([]string{"-config", cfgPath}) })
	})
	if !strings.Contains(out, "No commit-confirmed") {
		t.Fatalf("expected no pending window after confirm, got %q", out)
	}
}

func TestConfigApplyRejectsInvalidCandidate(t *testing.T) {
	dir := t.TempDir()
	withNoExit(t, func() { runInit([]string{"-dir", dir}) })
	cfgPath := filepath.Join(dir, "config.yaml")

	original, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	badPath := writeCandidateConfig(t, dir, cfgPath, "bad.yaml", func(c *config.NodeConfig) {
		c.Transports.LAN.Enabled = false
		c.Transports.UDP.Enabled = false
	})

	exited := expectExit(t, func() {
		runConfigApply([]string{"-config", cfgPath, badPath})
	})
	if !exited {
		t.Fatal("expected config apply to refuse a candidate with no transports enabled")
	}

	unchanged, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(unchanged) != string(original) {
		t.Fatal("expected the live config to be untouched by a rejected apply")
	}
}

func TestConfigRollbackRestoresArchive(t *testing.T) {
	dir := t.TempDir()
	withNoExit(t, func() { runInit([]string{"-dir", dir}) })
	cfgPath := filepath.Join(dir, "config.yaml")
	original, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	candidatePath := writeCandidateConfig(t, dir, cfgPath, "candidate.yaml", func(c *config.NodeConfig) {
		c.Telemetry.Metrics.Enabled = true
	})
	withNoExit(t, func() {
		runConfigApply([]string{"-config", cfgPath, candidatePath})
	})

	withNoExit(t, func() {
		runConfigRollback([]string{"-config", cfgPath})
	})

	restored, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read restored config: %v", err)
	}
	if string(restored) != string(original) {
		t.Fatal("expected rollback to restore the pre-apply config")
	}
}

func TestConfigApplyTakesSnapshotListedAndRestorable(t *testing.T) {
	dir := t.TempDir()
	withNoExit(t, func() { runInit([]string{"-dir", dir}) })
	cfgPath := filepath.Join(dir, "config.yaml")
	original, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	candidatePath := writeCandidateConfig(t, dir, cfgPath, "candidate.yaml", func(c *config.NodeConfig) {
		c.Telemetry.Metrics.Enabled = true
	})
	withNoExit(t, func() {
		runConfigApply([]string{"-config", cfgPath, candidatePath})
	})

	out := captureStdout(t, func() {
		withNoExit(t, func() { runConfigSnapshotList([]string{"-config", cfgPath}) })
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "files)") {
		t.Fatalf("expected exactly one snapshot line, got %q", out)
	}
	name := strings.Fields(lines[0])[0]

	// Confirm the first apply (a second apply is refused while one is
	// pending), apply again so the live config differs from the
	// snapshot, then restore it.
	withNoExit(t, func() {
		runConfigConfirm([]string{"-config", cfgPath})
	})
	candidate2 :=writeCandidateConfig(t, dir, cfgPath, "candidate2.yaml", func(c *config.NodeConfig) {
		c.Telemetry.Audit.Enabled = false
	})
	withNoExit(t, func() {
		runConfigApply([]string{"-config", cfgPath, candidate2})
	})

	withNoExit(t, func() {
		runConfigSnapshotRestore([]string{"-config", cfgPath, name})
	})

	restored, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read restored config: %v", err)
	}
	if string(restored) != string(original) {
		t.Fatal("expected snapshot restore to bring back the pre-apply config")
	}
}

func TestConfigRollbackWithNoArchiveExits(t *testing.T) {
	dir := t.TempDir()
	withNoExit(t, func() { runInit([]string{"-dir", dir}) })
	cfgPath := filepath.Join(dir, "config.yaml")

	exited := expectExit(t, func() {
		runConfigRollback([]string{"-config", cfgPath})
	})
	if !exited {
		t.Fatal("expected rollback with no prior apply to exit")
	}
}
