// Package queueproc implements the admission and completion policy for
// runner assignments: picking the next eligible queue item, tracking
// per-host backoff, and committing a finished run atomically.
package queueproc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashenforge/fleetd/internal/activerun"
	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/metrics"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/pkg/pubsub"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRetryAfter is the backoff duration applied to a host when a
// rate-limit signal doesn't carry its own Retry-After hint.
const DefaultRetryAfter = 120 * time.Second

// scanSlack bounds how far past the active-run count NextQueueItem will
// scan before giving up (spec §4.6: len(active)+3).
const scanSlack = 3

// Store is the subset of internal/store.Store the processor depends on.
type Store interface {
	IterQueue(ctx context.Context, limit int) ([]model.QueueItem, error)
	GetQueueItem(ctx context.Context, id int64) (model.QueueItem, error)
	StoreRun(ctx context.Context, run model.Run, queueID int64) error
}

// FollowUp is the subset of internal/followup.Scheduler the processor
// calls after a run is stored. Declared here rather than importing
// internal/followup, so the processor depends only on this one method;
// followup's concrete Scheduler satisfies this.
type FollowUp interface {
	OnRunFinished(ctx context.Context, run model.Run)
}

// Processor implements the queue's admission and finish policy.
type Processor struct {
	store    Store
	active   *activerun.Registry
	queue    *pubsub.Topic
	results  *pubsub.Topic
	followUp FollowUp
	metrics  *metrics.Runner
	log      *slog.Logger

	mu      sync.Mutex
	backoff map[string]time.Time
}

// New constructs a Processor. followUp may be nil until the follow-up
// scheduler is wired up during process start; FinishRun tolerates a nil
// FollowUp by skipping that step. m may be nil in tests that don't care
// about metrics.
func New(store Store, active *activerun.Registry, queue, results *pubsub.Topic, followUp FollowUp, m *metrics.Runner, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewRunner(prometheus.NewRegistry())
	}
	return &Processor{
		store:    store,
		active:   active,
		queue:    queue,
		results:  results,
		followUp: followUp,
		metrics:  m,
		log:      log,
		backoff:  make(map[string]time.Time),
	}
}

// BackoffHost records that host should not be assigned work again until
// retryAfter elapses. A zero or negative retryAfter uses DefaultRetryAfter.
func (p *Processor) BackoffHost(host string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	p.mu.Lock()
	p.backoff[host] = time.Now().Add(retryAfter)
	p.mu.Unlock()
	p.metrics.HostBackoffsSet.Inc()
}

func (p *Processor) hostBackedOff(host string) bool {
	if host == "" {
		return false
	}
	p.mu.Lock()
	until, ok := p.backoff[host]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if time.Now().After(until) {
		p.mu.Lock()
		delete(p.backoff, host)
		p.mu.Unlock()
		return false
	}
	return true
}

// NextQueueItem walks the queue in priority order, returning the first
// item that is not already assigned to an active run and whose branch
// host is not currently backed off. It scans at most len(active)+3 rows
// (spec §4.6) before giving up, trading perfect priority ordering for
// immunity to head-of-line blocking on a rate-limited host.
func (p *Processor) NextQueueItem(ctx context.Context) (model.QueueItem, bool, error) {
	start := time.Now()
	defer func() { p.metrics.AssignDuration.Observe(time.Since(start).Seconds()) }()

	limit := p.active.Len() + scanSlack
	items, err := p.store.IterQueue(ctx, limit)
	if err != nil {
		return model.QueueItem{}, false, fmt.Errorf("queueproc: next queue item: %w", err)
	}
	p.metrics.QueueDepth.Set(float64(len(items)))

	for _, item := range items {
		if p.active.HasQueueItem(item.ID) {
			continue
		}
		if p.hostBackedOff(hostOf(item.BranchURL)) {
			continue
		}
		p.metrics.AssignTotal.Inc()
		return item, true, nil
	}
	p.metrics.AssignEmpty.Inc()
	return model.QueueItem{}, false, nil
}

// RegisterRun records a freshly assigned queue item as an active run,
// starting its watchdog, and publishes a queue-status update.
func (p *Processor) RegisterRun(ctx context.Context, item model.QueueItem, logID, worker string) *activerun.Run {
	run := p.active.Register(ctx, item, logID, worker, p.onWatchdogTimeout)
	p.publishQueueStatus()
	return run
}

func (p *Processor) onWatchdogTimeout(ctx context.Context, logID string, code errtaxonomy.Code, description string) {
	p.log.Warn("watchdog fired for run", "log_id", logID, "code", string(code))
	active, ok := p.active.Get(logID)
	if !ok {
		// Already reaped by a racing finish; nothing to synthesize.
		return
	}
	run := model.Run{
		ID:         logID,
		Package:    active.QueueItem.Package,
		Suite:      active.QueueItem.Suite,
		Command:    active.QueueItem.Command,
		ResultCode: string(code),
		StartTime:  active.StartTime,
		FinishTime: time.Now(),
		WorkerName: active.Worker,
	}
	if err := p.FinishRun(ctx, run, active.QueueItem.ID); err != nil {
		p.log.Error("failed to finish watchdog-timed-out run", "log_id", logID, "error", err)
	}
}

// FinishRun stores run (and deletes its originating queue row) in one
// transaction, then publishes the result, drops the active-run entry,
// and invokes the follow-up scheduler. Follow-up errors are logged, not propagated: a slow or failing
// follow-up step must never cause a worker's successful finish call to
// fail.
func (p *Processor) FinishRun(ctx context.Context, run model.Run, queueID int64) error {
	if err := p.store.StoreRun(ctx, run, queueID); err != nil {
		return fmt.Errorf("queueproc: finish run %s: %w", run.ID, err)
	}
	p.metrics.FinishTotal.WithLabelValues(run.ResultCode).Inc()

	p.results.Publish(run)
	p.active.Remove(run.ID)
	p.publishQueueStatus()

	if p.followUp != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("follow-up scheduler panicked", "log_id", run.ID, "panic", r)
				}
			}()
			p.followUp.OnRunFinished(ctx, run)
		}()
	}
	return nil
}

func (p *Processor) publishQueueStatus() {
	p.queue.Publish(QueueStatus{
		ActiveCount: p.active.Len(),
		UpdatedAt:   time.Now(),
	})
}

// QueueStatus is the payload broadcast on the queue topic whenever the
// active-run count changes.
type QueueStatus struct {
	ActiveCount int
	UpdatedAt   time.Time
}

func hostOf(branchURL string) string {
	if branchURL == "" {
		return ""
	}
	// Cheap host extraction without a full url.Parse: branch URLs handled
	// here are always well-formed (produced by pkg/vcsmanager), so a
	// scheme-strip + first-slash split is sufficient.
	rest := branchURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
