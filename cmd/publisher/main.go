// Command publisher is fleetd's publish decision process: it ticks
// periodically over publish-ready runs (spec §4.8) and reconciles every
// open merge proposal's lifecycle state (spec §4.9).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashenforge/fleetd/internal/config"
	"github.com/ashenforge/fleetd/internal/logging"
	"github.com/ashenforge/fleetd/internal/metrics"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/notifier"
	"github.com/ashenforge/fleetd/internal/publisher"
	"github.com/ashenforge/fleetd/internal/reconciler"
	"github.com/ashenforge/fleetd/internal/store"
	"github.com/ashenforge/fleetd/internal/telemetry"
	"github.com/ashenforge/fleetd/pkg/hoster"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "/etc/fleetd/config.toml", "path to the main TOML configuration")
	policyPath := flag.String("policy", "/etc/fleetd/policy.yaml", "path to the suite policy YAML bundle")
	metricsAddr := flag.String("metrics-listen", ":9913", "address the Prometheus /metrics endpoint listens on")
	dryRun := flag.Bool("dry-run", false, "run publish-one in dry-run mode: report decisions without pushing or proposing")
	flag.Parse()

	log := logging.New(logging.Options{Format: logging.FormatJSON, Level: slog.LevelInfo})
	if err := run(*configPath, *policyPath, *metricsAddr, *dryRun, log); err != nil {
		log.Error("publisher exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, policyPath, metricsAddr string, dryRun bool, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{ServiceName: "fleetd-publisher"})
	if err != nil {
		return fmt.Errorf("publisher: telemetry setup: %w", err)
	}
	defer shutdownTracing(context.Background())

	main, err := config.LoadMain(configPath)
	if err != nil {
		return fmt.Errorf("publisher: load config: %w", err)
	}
	policy, err := config.LoadPolicy(policyPath)
	if err != nil {
		return fmt.Errorf("publisher: load policy: %w", err)
	}
	cfgStore := config.NewStore(main, policy)
	policyWatcher, err := config.WatchPolicy(policyPath, cfgStore, log)
	if err != nil {
		return fmt.Errorf("publisher: watch policy: %w", err)
	}
	defer policyWatcher.Close()

	db, err := store.Open(ctx, main.Database.DSN)
	if err != nil {
		return fmt.Errorf("publisher: open store: %w", err)
	}
	defer db.Close()

	if main.Hosters.GitHubToken != "" {
		if _, err := hoster.NewGitHub(main.Hosters.GitHubToken, main.Hosters.GitHubBaseURL); err != nil {
			return fmt.Errorf("publisher: configure github hoster: %w", err)
		}
	}
	if main.Hosters.GitLabToken != "" {
		if _, err := hoster.NewGitLab(main.Hosters.GitLabToken, main.Hosters.GitLabBaseURL); err != nil {
			return fmt.Errorf("publisher: configure gitlab hoster: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	pubMetrics := metrics.NewPublisher(reg)

	notify := notifier.New(main.Slack.Token, main.Slack.Channel, log)

	limiter := rateLimiterFor(main)

	pub := publisher.New(db, limiter, notify, main.Publisher.PublishOneBinary, pubMetrics, log,
		publisher.WithDryRun(dryRun),
		publisher.WithReviewedOnly(main.Publisher.ReviewedOnly),
	)

	recon := reconciler.New(db, pub, rowFor(db, cfgStore), reconcileInterval(main), limiter.SetMPSPerMaintainer, pubMetrics, log)

	g, gctx := errgroup.WithContext(ctx)

	tickInterval := publishInterval(main)
	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := pub.PublishPendingNew(gctx, hosterForURL(log)); err != nil {
					log.Error("publish tick failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		if err := recon.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("publisher: reconciler: %w", err)
		}
		return nil
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	g.Go(func() error {
		log.Info("publisher metrics listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("publisher metrics surface: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func rateLimiterFor(main config.Main) publisher.RateLimiter {
	switch {
	case main.Publisher.SlowStart && main.Publisher.MaxMPSPerMaintainer > 0:
		return publisher.NewSlowStart(main.Publisher.MaxMPSPerMaintainer)
	case main.Publisher.MaxMPSPerMaintainer > 0:
		return publisher.NewMaintainerCap(main.Publisher.MaxMPSPerMaintainer)
	default:
		return publisher.NoneLimiter{}
	}
}

func publishInterval(main config.Main) time.Duration {
	if d, err := time.ParseDuration(main.Publisher.Interval); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}

func reconcileInterval(main config.Main) time.Duration {
	if d, err := time.ParseDuration(main.Reconciler.Interval); err == nil && d > 0 {
		return d
	}
	return 15 * time.Minute
}

func hosterForURL(log *slog.Logger) func(string) string {
	return func(mainBranchURL string) string {
		h, err := hoster.ForURL(mainBranchURL)
		if err != nil {
			log.Warn("no hoster recognizes branch url, skipping", "url", mainBranchURL, "error", err)
			return ""
		}
		return h.Kind()
	}
}

func rowFor(db *store.Store, cfgStore *config.Store) reconciler.PublishReadyRowFor {
	return func(ctx context.Context, run model.Run, pkg model.Package) (model.PublishReadyRow, error) {
		buildVersion, err := db.LastBuildVersion(ctx, run.Package, run.Suite)
		if err != nil {
			return model.PublishReadyRow{}, err
		}
		branchName := run.Suite
		if suite, ok := cfgStore.Suite(run.Suite); ok {
			branchName = suite.Config.BranchName
		}
		return model.PublishReadyRow{
			Package:            run.Package,
			Command:            run.Command,
			BuildVersion:       buildVersion,
			ResultCode:         run.ResultCode,
			Context:            run.Context,
			StartTime:          run.StartTime,
			LogID:              run.ID,
			Revision:           run.Revision,
			SubworkerResult:    run.SubworkerResult,
			BranchName:         branchName,
			Suite:              run.Suite,
			MaintainerEmail:    pkg.MaintainerEmail,
			UploaderEmails:     pkg.UploaderEmails,
			MainBranchURL:      pkg.BranchURL,
			MainBranchRevision: run.MainBranchRevision,
			ReviewStatus:       run.ReviewStatus,
		}, nil
	}
}
