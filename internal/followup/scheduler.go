// Package followup implements the scheduling side effects of a
// completed run (spec §4.10): control-run scheduling on success,
// re-enqueuing packages previously blocked on now-resolved apt
// dependencies, and new-package/update-package follow-up actions on
// failure.
package followup

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/store"
	"github.com/ashenforge/fleetd/pkg/builder"
)

// controlSuite is the bootstrap suite a successful run schedules a
// verification run against; a successful control run never schedules
// another control run, breaking what would otherwise be infinite
// scheduling.
const controlSuite = "control"

// Store is the subset of internal/store.Store the scheduler needs.
type Store interface {
	GetLastUnabsorbedRun(ctx context.Context, pkg, suite string) (model.Run, error)
	AddToQueue(ctx context.Context, pkg, command, suite string, offset int, refresh bool, requestor string) (int64, error)
	RecordMissingDep(ctx context.Context, e store.MissingDepEntry) error
	DrainResolvedMissingDeps(ctx context.Context, depName string) ([]store.MissingDepEntry, error)
}

// SuiteProvider resolves suite configuration for the
// extra_build_distribution lookup.
type SuiteProvider interface {
	Suites() []SuiteEntry
}

// SuiteEntry pairs a suite's name with its Debian build configuration.
type SuiteEntry struct {
	Name        string
	DebianBuild builder.DebianBuildConfig
}

// Action is one structured follow-up action a worker reports on
// failure (spec §4.10).
type Action struct {
	Kind    string `json:"kind"` // "new-package" or "update-package"
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
	Suite   string `json:"suite,omitempty"`
}

// Scheduler implements queueproc.FollowUp.
type Scheduler struct {
	store  Store
	suites SuiteProvider
	log    *slog.Logger
}

// New constructs a Scheduler.
func New(store Store, suites SuiteProvider, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: store, suites: suites, log: log}
}

// OnRunFinished is called by the queue processor immediately after a
// run is durably stored. Errors are logged here, never propagated
// (spec §7: follow-up failures never fail the parent finish).
func (s *Scheduler) OnRunFinished(ctx context.Context, run model.Run) {
	if run.ResultCode == string(errtaxonomy.Success) {
		s.onSuccess(ctx, run)
		return
	}
	s.onFailure(ctx, run)
}

func (s *Scheduler) onSuccess(ctx context.Context, run model.Run) {
	if run.Suite != controlSuite {
		if err := s.scheduleControlRunIfMissing(ctx, run); err != nil {
			s.log.Error("schedule control run failed", "package", run.Package, "error", err)
		}
	}

	buildDistribution := debianBuildDistribution(run)
	if buildDistribution == "" {
		return
	}
	if err := s.reenqueueMissingDepBlocked(ctx, buildDistribution); err != nil {
		s.log.Error("re-enqueue missing-dep-blocked packages failed", "distribution", buildDistribution, "error", err)
	}
}

func (s *Scheduler) scheduleControlRunIfMissing(ctx context.Context, run model.Run) error {
	_, err := s.store.GetLastUnabsorbedRun(ctx, run.Package, controlSuite)
	if err == nil {
		return nil // a control run already exists for this lineage
	}
	if err != sql.ErrNoRows {
		return err
	}
	_, err = s.store.AddToQueue(ctx, run.Package, "control", controlSuite, 0, false, "followup")
	return err
}

// debianBuildDistribution extracts the build distribution a Debian
// build result was produced for, from the worker's target payload, if
// present.
func debianBuildDistribution(run model.Run) string {
	if len(run.SubworkerResult) == 0 {
		return ""
	}
	var target struct {
		BuildDistribution string `json:"build_distribution"`
	}
	if err := json.Unmarshal(run.SubworkerResult, &target); err != nil {
		return ""
	}
	return target.BuildDistribution
}

func (s *Scheduler) reenqueueMissingDepBlocked(ctx context.Context, buildDistribution string) error {
	for _, suite := range s.suites.Suites() {
		if !containsString(suite.DebianBuild.ExtraBuildDistribution, buildDistribution) {
			continue
		}
		entries, err := s.store.DrainResolvedMissingDeps(ctx, buildDistribution)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := s.store.AddToQueue(ctx, e.Package, "", suite.Name, 0, true, "followup"); err != nil {
				s.log.Error("re-enqueue missing-dep package failed", "package", e.Package, "error", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) onFailure(ctx context.Context, run model.Run) {
	if len(run.FailureDetails) == 0 {
		return
	}
	var payload struct {
		FollowupActions []Action `json:"followup_actions"`
	}
	if err := json.Unmarshal(run.FailureDetails, &payload); err != nil {
		return
	}
	for _, a := range payload.FollowupActions {
		var command string
		switch a.Kind {
		case "new-package":
			command = "import " + a.Package
		case "update-package":
			command = "update " + a.Package + " " + a.Version
		default:
			s.log.Warn("unrecognized followup action kind", "kind", a.Kind, "package", a.Package)
			continue
		}
		if _, err := s.store.AddToQueue(ctx, a.Package, command, a.Suite, 0, false, "followup"); err != nil {
			s.log.Error("schedule followup action failed", "package", a.Package, "kind", a.Kind, "error", err)
		}
	}

	// TODO: reconstruct an upstream dependency requirement from
	// run.FailureDetails and surface it for manual triage; the original
	// runner.py's followup_run does this via a heuristic over the
	// build log that hasn't been ported yet.
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
