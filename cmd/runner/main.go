// Command runner is fleetd's runner process: it serves the worker
// assignment HTTP surface (spec §4.7), tracks active runs and their
// watchdogs (§4.5), and schedules follow-up work after every finish
// (§4.10).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashenforge/fleetd/internal/activerun"
	"github.com/ashenforge/fleetd/internal/config"
	"github.com/ashenforge/fleetd/internal/followup"
	"github.com/ashenforge/fleetd/internal/httpapi"
	"github.com/ashenforge/fleetd/internal/logging"
	"github.com/ashenforge/fleetd/internal/metrics"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/queueproc"
	"github.com/ashenforge/fleetd/internal/store"
	"github.com/ashenforge/fleetd/internal/telemetry"
	"github.com/ashenforge/fleetd/pkg/blobmanager"
	"github.com/ashenforge/fleetd/pkg/pubsub"
	"github.com/ashenforge/fleetd/pkg/vcsmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "/etc/fleetd/config.toml", "path to the main TOML configuration")
	policyPath := flag.String("policy", "/etc/fleetd/policy.yaml", "path to the suite policy YAML bundle")
	metricsAddr := flag.String("metrics-listen", ":9912", "address the Prometheus /metrics endpoint listens on")
	flag.Parse()

	log := logging.New(logging.Options{Format: logging.FormatJSON, Level: slog.LevelInfo})

	if err := run(*configPath, *policyPath, *metricsAddr, log); err != nil {
		log.Error("runner exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, policyPath, metricsAddr string, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{ServiceName: "fleetd-runner"})
	if err != nil {
		return fmt.Errorf("runner: telemetry setup: %w", err)
	}
	defer shutdownTracing(context.Background())

	main, err := config.LoadMain(configPath)
	if err != nil {
		return fmt.Errorf("runner: load config: %w", err)
	}
	policy, err := config.LoadPolicy(policyPath)
	if err != nil {
		return fmt.Errorf("runner: load policy: %w", err)
	}
	cfgStore := config.NewStore(main, policy)
	policyWatcher, err := config.WatchPolicy(policyPath, cfgStore, log)
	if err != nil {
		return fmt.Errorf("runner: watch policy: %w", err)
	}
	defer policyWatcher.Close()

	db, err := store.Open(ctx, main.Database.DSN)
	if err != nil {
		return fmt.Errorf("runner: open store: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	runnerMetrics := metrics.NewRunner(reg)

	active := activerun.NewRegistry(runnerMetrics)
	queueTopic := pubsub.NewTopic(true)
	resultTopic := pubsub.NewTopic(false)

	followUpSched := followup.New(db, cfgStore, log)
	processor := queueproc.New(db, active, queueTopic, resultTopic, followUpSched, runnerMetrics, log)

	vcsManagers := map[model.VCSType]vcsmanager.Manager{
		model.VCSGit: &vcsmanager.Local{Root: main.VCS.LocalRoot},
		model.VCSBzr: &vcsmanager.Local{Root: main.VCS.LocalRoot},
	}
	if len(main.VCS.RemoteBases) > 0 {
		remote := vcsmanager.NewRemote(main.VCS.RemoteBases)
		for vcsType := range main.VCS.RemoteBases {
			vcsManagers[model.VCSType(vcsType)] = remote
		}
	}

	logManager, artifactManager := blobManagersFor(main)
	httpServer := httpapi.New(db, processor, active, vcsManagers, cfgStore, logManager, artifactManager, queueTopic, resultTopic, log)

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: main.Runner.Listen, Handler: httpServer.Router()}
	g.Go(func() error {
		log.Info("runner http surface listening", "addr", main.Runner.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("runner http surface: %w", err)
		}
		return nil
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	g.Go(func() error {
		log.Info("runner metrics listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("runner metrics surface: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// blobManagersFor builds the log and artifact blob managers from the
// configured object-store base URLs, each falling back to a local-disk
// manager rooted under the configured backup directory on
// ErrServiceUnavailable or ErrPermissionDenied (spec §4.7). A
// deployment with no object store configured runs purely on local disk.
func blobManagersFor(main config.Main) (blobmanager.LogManager, blobmanager.ArtifactManager) {
	backupRoot := main.Blobs.BackupRoot
	if backupRoot == "" {
		backupRoot = "/var/lib/fleetd/blobs"
	}

	if main.Blobs.LogsBaseURL == "" && main.Blobs.ArtifactsBaseURL == "" {
		local := &blobmanager.Local{Root: backupRoot}
		return local, local
	}

	logs := &blobmanager.Fallback{
		Primary: blobmanager.NewRemote(main.Blobs.LogsBaseURL),
		Backup:  &blobmanager.Local{Root: filepath.Join(backupRoot, "logs")},
	}
	artifacts := &blobmanager.Fallback{
		Primary: blobmanager.NewRemote(main.Blobs.ArtifactsBaseURL),
		Backup:  &blobmanager.Local{Root: filepath.Join(backupRoot, "artifacts")},
	}
	return logs, artifacts
}
