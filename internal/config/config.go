// Package config loads fleetd's TOML main configuration and YAML policy
// bundle, and watches the policy bundle for changes with fsnotify so the
// runner and publisher can pick up policy edits without a restart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/ashenforge/fleetd/internal/followup"
	"github.com/ashenforge/fleetd/internal/httpapi"
	"github.com/ashenforge/fleetd/pkg/builder"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Main is the top-level TOML configuration (config.toml).
type Main struct {
	Database struct {
		DSN string `toml:"dsn"`
	} `toml:"database"`

	Runner struct {
		Listen string `toml:"listen"`
	} `toml:"runner"`

	Publisher struct {
		Listen               string `toml:"listen"`
		Interval             string `toml:"interval"`
		MaxMPSPerMaintainer  int    `toml:"max_mps_per_maintainer"`
		SlowStart            bool   `toml:"slowstart"`
		ReviewedOnly         bool   `toml:"reviewed_only"`
		PublishOneBinary     string `toml:"publish_one_binary"`
	} `toml:"publisher"`

	Reconciler struct {
		Interval string `toml:"interval"`
	} `toml:"reconciler"`

	VCS struct {
		LocalRoot    string            `toml:"local_root"`
		RemoteBases  map[string]string `toml:"remote_bases"`
	} `toml:"vcs"`

	Blobs struct {
		LogsBaseURL     string `toml:"logs_base_url"`
		ArtifactsBaseURL string `toml:"artifacts_base_url"`
		BackupRoot      string `toml:"backup_root"`
	} `toml:"blobs"`

	Hosters struct {
		GitHubToken    string `toml:"github_token"`
		GitHubBaseURL  string `toml:"github_base_url"`
		GitLabToken    string `toml:"gitlab_token"`
		GitLabBaseURL  string `toml:"gitlab_base_url"`
	} `toml:"hosters"`

	Slack struct {
		Token   string `toml:"token"`
		Channel string `toml:"channel"`
	} `toml:"slack"`

	Distribution builder.DistroConfig `toml:"distribution"`
}

// LoadMain reads and decodes a TOML main configuration file.
func LoadMain(path string) (Main, error) {
	var m Main
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return Main{}, fmt.Errorf("config: load main config %s: %w", path, err)
	}
	return m, nil
}

// PolicySuite is one suite's policy bundle, as declared in policy.yaml.
type PolicySuite struct {
	Name         string                      `yaml:"name"`
	BranchName   string                      `yaml:"branch_name"`
	BuilderKind  string                      `yaml:"builder"` // "generic" | "debian"
	ForceBuild   bool                        `yaml:"force_build"`
	GenericBuild builder.GenericBuildConfig  `yaml:"generic_build"`
	DebianBuild  builder.DebianBuildConfig   `yaml:"debian_build"`
	PublishMode  string                      `yaml:"publish_mode"`
}

// Policy is the full YAML policy bundle (policy.yaml): one entry per
// suite.
type Policy struct {
	Suites []PolicySuite `yaml:"suites"`
}

// LoadPolicy reads and decodes a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("config: parse policy %s: %w", path, err)
	}
	return p, nil
}

// Store holds the current policy and distribution config, atomically
// swapped whenever PolicyWatcher detects an edit. Implements
// internal/httpapi.SuiteProvider and internal/followup.SuiteProvider.
type Store struct {
	distro builder.DistroConfig

	mu     sync.RWMutex
	policy Policy
	byName map[string]PolicySuite
}

// NewStore wraps an initial Main+Policy pair in a Store.
func NewStore(main Main, policy Policy) *Store {
	s := &Store{distro: main.Distribution}
	s.set(policy)
	return s
}

func (s *Store) set(policy Policy) {
	byName := make(map[string]PolicySuite, len(policy.Suites))
	for _, suite := range policy.Suites {
		byName[suite.Name] = suite
	}
	s.mu.Lock()
	s.policy = policy
	s.byName = byName
	s.mu.Unlock()
}

// Distro satisfies httpapi.SuiteProvider.
func (s *Store) Distro() builder.DistroConfig { return s.distro }

// Suite satisfies httpapi.SuiteProvider.
func (s *Store) Suite(name string) (info httpapi.SuiteInfo, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byName[name]
	if !ok {
		return httpapi.SuiteInfo{}, false
	}
	return httpapi.SuiteInfo{
		Config: builder.SuiteConfig{
			Name:         p.Name,
			BranchName:   p.BranchName,
			ForceBuild:   p.ForceBuild,
			GenericBuild: p.GenericBuild,
			DebianBuild:  p.DebianBuild,
		},
		BuilderKind: p.BuilderKind,
	}, true
}

// Suites satisfies internal/followup.SuiteProvider.
func (s *Store) Suites() []followup.SuiteEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]followup.SuiteEntry, 0, len(s.policy.Suites))
	for _, suite := range s.policy.Suites {
		out = append(out, followup.SuiteEntry{Name: suite.Name, DebianBuild: suite.DebianBuild})
	}
	return out
}

// Watcher watches a policy YAML file for changes and reloads Store on
// each write, logging (never failing the process) on a malformed
// reload.
type Watcher struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
	log     *slog.Logger

	reloads atomic.Int64
}

// WatchPolicy starts watching path for changes, applying successful
// reparses to store. Call Close to stop.
func WatchPolicy(path string, store *Store, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, store: store, watcher: fw, log: log}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			policy, err := LoadPolicy(w.path)
			if err != nil {
				w.log.Error("policy reload failed, keeping previous policy", "path", w.path, "error", err)
				continue
			}
			w.store.set(policy)
			w.reloads.Add(1)
			w.log.Info("policy reloaded", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("policy watcher error", "error", err)
		}
	}
}

// Reloads returns the number of successful reloads observed so far.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }
