// Package activerun tracks runs currently assigned to a worker: their
// live log buffers, last-keepalive time, and a per-run watchdog that
// synthesizes a failure result if a worker goes silent too long.
package activerun

import (
	"context"
	"sync"
	"time"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/metrics"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// KeepaliveInterval is the nominal worker heartbeat period. A run is
// considered dead after two missed intervals with no keepalive or log
// activity.
const KeepaliveInterval = 10 * time.Minute

// WatchdogMultiple is the number of KeepaliveInterval periods of silence
// tolerated before the watchdog fires.
const WatchdogMultiple = 2

// FinishFunc is called by a fired watchdog to hand a synthesized
// worker-timeout result to the queue processor's finish path. Runs in the
// watchdog's own goroutine.
type FinishFunc func(ctx context.Context, logID string, code errtaxonomy.Code, description string)

// LogBuffer is one log file's accumulated content.
type LogBuffer struct {
	mu   sync.Mutex
	data []byte
}

// Append adds a chunk to the buffer and reports whether this was the
// buffer's first chunk (so callers can publish a queue-status update on
// new files, per spec §4.5).
func (b *LogBuffer) Append(chunk []byte) (firstChunk bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	firstChunk = len(b.data) == 0
	b.data = append(b.data, chunk...)
	return firstChunk
}

// Bytes returns a copy of the buffer's current content.
func (b *LogBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Run is one in-flight assignment: a queue item plus everything the
// runner HTTP surface needs to serve keepalives, log streaming, and
// eventual finish.
type Run struct {
	LogID     string
	QueueItem model.QueueItem
	Worker    string
	StartTime time.Time

	mu            sync.Mutex
	logs          map[string]*LogBuffer
	logOrder      []string
	lastKeepalive time.Time
	killRequested bool

	cancelWatchdog context.CancelFunc
}

// Touch resets the watchdog clock; called on keepalive and on every log
// chunk.
func (r *Run) Touch() {
	r.mu.Lock()
	r.lastKeepalive = time.Now()
	r.mu.Unlock()
}

// LastKeepalive returns the last time this run was touched.
func (r *Run) LastKeepalive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKeepalive
}

// AppendLog appends a chunk to the named log file, creating it if
// necessary, and touches the keepalive clock. Returns whether this was
// the file's first chunk.
func (r *Run) AppendLog(name string, chunk []byte) bool {
	r.mu.Lock()
	buf, ok := r.logs[name]
	if !ok {
		buf = &LogBuffer{}
		r.logs[name] = buf
		r.logOrder = append(r.logOrder, name)
	}
	r.mu.Unlock()

	first := buf.Append(chunk)
	r.Touch()
	return first
}

// LogNames lists the log files this run has produced so far, in the
// order they were first written.
func (r *Run) LogNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.logOrder))
	copy(out, r.logOrder)
	return out
}

// LogBytes returns the accumulated content of a named log file, or
// (nil, false) if no such file has been written yet.
func (r *Run) LogBytes(name string) ([]byte, bool) {
	r.mu.Lock()
	buf, ok := r.logs[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return buf.Bytes(), true
}

// RequestKill marks the run as having received a kill request. Delivery
// to the worker is best-effort and happens out-of-band (the worker
// polls or the runner closes its connection); this just records intent
// for the status document.
func (r *Run) RequestKill() {
	r.mu.Lock()
	r.killRequested = true
	r.mu.Unlock()
}

// KillRequested reports whether a kill has been requested for this run.
func (r *Run) KillRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killRequested
}

// Registry is the process-wide map of currently active runs.
type Registry struct {
	mu      sync.Mutex
	runs    map[string]*Run
	metrics *metrics.Runner
}

// NewRegistry creates an empty active-run registry. m may be nil in tests
// that don't care about metrics, in which case a private, unregistered
// Runner is used so callers never need a nil check.
func NewRegistry(m *metrics.Runner) *Registry {
	if m == nil {
		m = metrics.NewRunner(prometheus.NewRegistry())
	}
	return &Registry{runs: make(map[string]*Run), metrics: m}
}

// Register creates and stores a new active run, and starts its watchdog
// goroutine. onTimeout is invoked (in a background goroutine) if the run
// goes silent for 2*KeepaliveInterval. The run is still in the registry
// while onTimeout runs, so the callback can look it up; the registry
// removes it once onTimeout returns, after which a late /finish for the
// same id will not find an entry and must recover via queue_id as spec
// §5 describes.
func (reg *Registry) Register(ctx context.Context, item model.QueueItem, logID, worker string, onTimeout FinishFunc) *Run {
	watchdogCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		LogID:          logID,
		QueueItem:      item,
		Worker:         worker,
		StartTime:      time.Now(),
		logs:           make(map[string]*LogBuffer),
		lastKeepalive:  time.Now(),
		cancelWatchdog: cancel,
	}

	reg.mu.Lock()
	reg.runs[logID] = run
	reg.mu.Unlock()
	reg.metrics.ActiveRuns.Inc()

	go reg.watch(watchdogCtx, run, onTimeout)
	return run
}

func (reg *Registry) watch(ctx context.Context, run *Run, onTimeout FinishFunc) {
	timer := time.NewTimer(KeepaliveInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if time.Since(run.LastKeepalive()) > WatchdogMultiple*KeepaliveInterval {
				reg.metrics.WatchdogFired.Inc()
				if onTimeout != nil {
					onTimeout(context.Background(), run.LogID, errtaxonomy.WorkerTimeout, "no keepalive or log activity within watchdog window")
				}
				reg.Remove(run.LogID)
				return
			}
			timer.Reset(KeepaliveInterval)
		}
	}
}

// Get returns the active run for id, if any.
func (reg *Registry) Get(id string) (*Run, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.runs[id]
	return r, ok
}

// Remove drops a run from the registry and stops its watchdog. Safe to
// call even if the run is already gone (e.g. the watchdog beat the
// caller to it).
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	run, ok := reg.runs[id]
	if ok {
		delete(reg.runs, id)
	}
	reg.mu.Unlock()
	if ok {
		run.cancelWatchdog()
		reg.metrics.ActiveRuns.Dec()
	}
}

// Len returns the number of currently active runs.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.runs)
}

// HasQueueItem reports whether the given queue item is already assigned
// to an active run (used by the queue processor's admission scan).
func (reg *Registry) HasQueueItem(queueID int64) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.runs {
		if r.QueueItem.ID == queueID {
			return true
		}
	}
	return false
}

// Snapshot returns a stable slice of active runs for status reporting.
func (reg *Registry) Snapshot() []*Run {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Run, 0, len(reg.runs))
	for _, r := range reg.runs {
		out = append(out, r)
	}
	return out
}
