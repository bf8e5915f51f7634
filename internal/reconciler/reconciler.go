// Package reconciler periodically sweeps open merge proposals across
// every registered hoster, reconciling their lifecycle state against
// the store and deciding whether each should be left alone, closed,
// refreshed, or rescheduled with elevated priority (spec §4.9).
package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashenforge/fleetd/internal/metrics"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/publisher"
	"github.com/ashenforge/fleetd/pkg/hoster"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is the subset of internal/store.Store the reconciler needs.
type Store interface {
	IterOpenProposals(ctx context.Context) ([]model.ProposalInfo, error)
	SetProposalInfo(ctx context.Context, p model.ProposalInfo) error
	GetLastUnabsorbedRun(ctx context.Context, pkg, suite string) (model.Run, error)
	GetPackage(ctx context.Context, name string) (model.Package, error)
	AddToQueue(ctx context.Context, pkg, command, suite string, offset int, refresh bool, requestor string) (int64, error)
}

// PublishReadyRowFor builds the single-row publish decision input the
// reconciler needs to refresh a proposal. Declared as a function value
// (rather than importing internal/queueproc's row-builder) to keep the
// reconciler from depending on the runner's assignment path.
type PublishReadyRowFor func(ctx context.Context, run model.Run, pkg model.Package) (model.PublishReadyRow, error)

// Reconciler ticks on interval, reconciling every registered hoster's
// open proposals against the store.
type Reconciler struct {
	store                   Store
	publisher               *publisher.Publisher
	rowFor                  PublishReadyRowFor
	interval                time.Duration
	metrics                 *metrics.Publisher
	log                     *slog.Logger
	maintainerCountsUpdater func(map[string]publisher.MaintainerCounts)
}

// New constructs a Reconciler. maintainerCountsUpdater is typically the
// active rate limiter's SetMPSPerMaintainer method. m may be nil in tests
// that don't care about metrics.
func New(store Store, pub *publisher.Publisher, rowFor PublishReadyRowFor, interval time.Duration,
	maintainerCountsUpdater func(map[string]publisher.MaintainerCounts), m *metrics.Publisher, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewPublisher(prometheus.NewRegistry())
	}
	return &Reconciler{
		store:                   store,
		publisher:               pub,
		rowFor:                  rowFor,
		interval:                interval,
		maintainerCountsUpdater: maintainerCountsUpdater,
		metrics:                 m,
		log:                     log,
	}
}

// Run blocks, ticking every r.interval, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Error("reconcile tick failed", "error", err)
			}
		}
	}
}

// Tick performs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.metrics.ReconcileTotal.Inc()
	counts := make(map[string]publisher.MaintainerCounts)

	for _, kind := range hoster.Names() {
		h, err := hoster.Get(kind)
		if err != nil {
			continue
		}
		open, err := r.store.IterOpenProposals(ctx)
		if err != nil {
			return fmt.Errorf("reconciler: iter open proposals: %w", err)
		}
		for _, p := range open {
			if !h.Probe(p.URL) {
				continue
			}
			if err := r.reconcileOne(ctx, h, p, counts); err != nil {
				r.log.Error("failed to reconcile proposal", "url", p.URL, "error", err)
			}
		}
	}

	if r.maintainerCountsUpdater != nil {
		r.maintainerCountsUpdater(counts)
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, h hoster.Hoster, cached model.ProposalInfo, counts map[string]publisher.MaintainerCounts) error {
	current, err := h.ProposalStatus(ctx, cached.URL)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	pkg, err := r.store.GetPackage(ctx, cached.Package)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("get package: %w", err)
	}
	c := counts[pkg.MaintainerEmail]
	switch current.Status {
	case model.ProposalMerged:
		c.Merged++
	case model.ProposalClosed:
		c.Closed++
	case model.ProposalOpen:
		c.Open++
	}
	counts[pkg.MaintainerEmail] = c

	if current.Status != cached.Status {
		current.Package = cached.Package
		current.Suite = cached.Suite
		if err := r.store.SetProposalInfo(ctx, current); err != nil {
			return fmt.Errorf("set proposal info: %w", err)
		}
	}

	if current.Status != model.ProposalOpen {
		return nil
	}

	last, err := r.store.GetLastUnabsorbedRun(ctx, cached.Package, cached.Suite)
	if err != nil {
		if err == sql.ErrNoRows {
			// Upstream change has been absorbed: nothing left to propose.
			if err := h.CloseProposal(ctx, cached.URL); err != nil {
				return err
			}
			r.metrics.ProposalsClosed.Inc()
			return nil
		}
		return fmt.Errorf("get last unabsorbed run: %w", err)
	}

	if last.ResultCode != "success" && last.ResultCode != "nothing-to-do" {
		return nil
	}

	if last.Revision != cached.Revision {
		row, err := r.rowFor(ctx, last, pkg)
		if err != nil {
			return fmt.Errorf("build publish-ready row: %w", err)
		}
		row.PublishMode = model.ModePropose
		hosterKind := h.Kind()
		isNew, err := r.publisher.PublishRun(ctx, row, hosterKind)
		if err != nil {
			return fmt.Errorf("refresh proposal: %w", err)
		}
		if isNew {
			r.log.Error("refreshing an open proposal reported is_new=true, invariant violated",
				"url", cached.URL, "package", cached.Package)
		}
		r.metrics.ProposalsRefresh.Inc()
		return nil
	}

	conflicted, err := h.IsConflicted(ctx, cached.URL)
	if err != nil {
		return fmt.Errorf("conflict check: %w", err)
	}
	if conflicted {
		_, err := r.store.AddToQueue(ctx, cached.Package, last.Command, cached.Suite, -2, true, "publisher")
		if err != nil {
			return fmt.Errorf("reschedule conflicted proposal: %w", err)
		}
	}
	return nil
}
