package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleMain = `
[database]
dsn = "postgres://fleetd@localhost/fleetd"

[runner]
listen = ":9911"

[publisher]
listen = ":9912"
interval = "30m"
max_mps_per_maintainer = 50
slowstart = true

[distribution]
name = "sid"
chroot = "unstable-amd64-sbuild"
`

const samplePolicy = `
suites:
  - name: lintian-fixes
    branch_name: lintian-fixes
    builder: generic
  - name: unstable
    branch_name: debian/unstable
    builder: debian
    debian_build:
      build_distribution: unstable
      extra_build_distribution: ["experimental"]
`

func TestLoadMain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(sampleMain), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadMain(path)
	if err != nil {
		t.Fatalf("LoadMain: %v", err)
	}
	if m.Database.DSN != "postgres://fleetd@localhost/fleetd" {
		t.Errorf("dsn = %q", m.Database.DSN)
	}
	if m.Publisher.MaxMPSPerMaintainer != 50 || !m.Publisher.SlowStart {
		t.Errorf("publisher config not decoded: %+v", m.Publisher)
	}
	if m.Distribution.Name != "sid" {
		t.Errorf("distribution.name = %q", m.Distribution.Name)
	}
}

func TestLoadPolicyAndStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.Suites) != 2 {
		t.Fatalf("expected 2 suites, got %d", len(p.Suites))
	}

	store := NewStore(Main{}, p)
	info, ok := store.Suite("unstable")
	if !ok {
		t.Fatal("expected suite 'unstable' to resolve")
	}
	if info.BuilderKind != "debian" {
		t.Errorf("builder kind = %q", info.BuilderKind)
	}
	if info.Config.DebianBuild.BuildDistribution != "unstable" {
		t.Errorf("build distribution = %q", info.Config.DebianBuild.BuildDistribution)
	}

	if _, ok := store.Suite("does-not-exist"); ok {
		t.Error("expected unknown suite to not resolve")
	}

	entries := store.Suites()
	if len(entries) != 2 {
		t.Errorf("expected Suites() to return 2 entries, got %d", len(entries))
	}
}

func TestWatchPolicyReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(Main{}, p)

	w, err := WatchPolicy(path, store, nil)
	if err != nil {
		t.Fatalf("WatchPolicy: %v", err)
	}
	defer w.Close()

	updated := samplePolicy + "\n  - name: control\n    branch_name: main\n    builder: generic\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Suite("control"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("policy reload did not pick up new suite within timeout")
}
