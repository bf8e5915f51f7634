package e2e

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"sync"

	"github.com/ashenforge/fleetd/internal/activerun"
	"github.com/ashenforge/fleetd/internal/followup"
	"github.com/ashenforge/fleetd/internal/httpapi"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/queueproc"
	"github.com/ashenforge/fleetd/internal/store"
	"github.com/ashenforge/fleetd/pkg/builder"
	"github.com/ashenforge/fleetd/pkg/pubsub"
	"github.com/ashenforge/fleetd/pkg/vcsmanager"
)

// fakeStore backs every Store interface internal/httpapi, internal/queueproc
// and internal/followup declare, with just enough in-memory bookkeeping to
// drive an assign/keepalive/finish cycle and observe its side effects.
type fakeStore struct {
	mu sync.Mutex

	queue      []model.QueueItem
	nextQueueID int64
	packages   map[string]model.Package
	lastRun    map[string]model.Run // key: package+"/"+suite
	runs       map[string]model.Run // key: run id, dedupes StoreRun like ON CONFLICT DO NOTHING
	queueCalls []string
	missingDeps map[string][]store.MissingDepEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextQueueID: 100,
		packages:    map[string]model.Package{},
		lastRun:     map[string]model.Run{},
		runs:        map[string]model.Run{},
		missingDeps: map[string][]store.MissingDepEntry{},
	}
}

func (f *fakeStore) seedQueueItem(item model.QueueItem) model.QueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == 0 {
		item.ID = f.nextQueueID
		f.nextQueueID++
	}
	f.queue = append(f.queue, item)
	return item
}

func (f *fakeStore) IterQueue(ctx context.Context, limit int) ([]model.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.QueueItem, 0, len(f.queue))
	for _, item := range f.queue {
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetQueueItem(ctx context.Context, id int64) (model.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.queue {
		if item.ID == id {
			return item, nil
		}
	}
	return model.QueueItem{}, sql.ErrNoRows
}

// StoreRun mirrors internal/store.Store.StoreRun's ON-CONFLICT-DO-NOTHING
// idempotency: a second call for a run id already recorded is a no-op,
// never an error.
func (f *fakeStore) StoreRun(ctx context.Context, run model.Run, queueID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.runs[run.ID]; exists {
		return nil
	}
	f.runs[run.ID] = run
	filtered := f.queue[:0]
	for _, item := range f.queue {
		if item.ID != queueID {
			filtered = append(filtered, item)
		}
	}
	f.queue = filtered
	return nil
}

func (f *fakeStore) GetPackage(ctx context.Context, name string) (model.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.packages[name]
	if !ok {
		return model.Package{}, sql.ErrNoRows
	}
	return pkg, nil
}

func (f *fakeStore) LastBuildVersion(ctx context.Context, source, distribution string) (string, error) {
	return "", nil
}

func (f *fakeStore) GetLastUnabsorbedRun(ctx context.Context, pkg, suite string) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.lastRun[pkg+"/"+suite]
	if !ok {
		return model.Run{}, sql.ErrNoRows
	}
	return run, nil
}

func (f *fakeStore) setLastRun(pkg, suite string, run model.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRun[pkg+"/"+suite] = run
}

func (f *fakeStore) AddToQueue(ctx context.Context, pkg, command, suite string, offset int, refresh bool, requestor string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueCalls = append(f.queueCalls, fmt.Sprintf("%s suite=%s command=%q refresh=%v requestor=%s", pkg, suite, command, refresh, requestor))
	id := f.nextQueueID
	f.nextQueueID++
	f.queue = append(f.queue, model.QueueItem{ID: id, Package: pkg, Suite: suite, Command: command, Offset: offset, Refresh: refresh, Requestor: requestor})
	return id, nil
}

func (f *fakeStore) RecordMissingDep(ctx context.Context, e store.MissingDepEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missingDeps[e.DepName] = append(f.missingDeps[e.DepName], e)
	return nil
}

func (f *fakeStore) DrainResolvedMissingDeps(ctx context.Context, depName string) ([]store.MissingDepEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.missingDeps[depName]
	delete(f.missingDeps, depName)
	return entries, nil
}

func (f *fakeStore) queueCallsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queueCalls))
	copy(out, f.queueCalls)
	return out
}

// fakeVCSManager implements pkg/vcsmanager.Manager with a configurable
// per-codebase/branch revision or error, instead of talking to a real VCS
// host.
type fakeVCSManager struct {
	mu        sync.Mutex
	revisions map[string]string
	errors    map[string]error
}

func newFakeVCSManager() *fakeVCSManager {
	return &fakeVCSManager{revisions: map[string]string{}, errors: map[string]error{}}
}

func branchKey(codebase, branchName string) string { return codebase + "#" + branchName }

func (f *fakeVCSManager) setRevision(codebase, branchName, revision string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions[branchKey(codebase, branchName)] = revision
}

func (f *fakeVCSManager) setError(codebase, branchName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[branchKey(codebase, branchName)] = err
}

func (f *fakeVCSManager) BranchURL(codebase string, vcsType model.VCSType, branchName string) (string, error) {
	return "https://vcs.example.com/" + codebase + "/" + branchName, nil
}

func (f *fakeVCSManager) RepositoryURL(codebase string, vcsType model.VCSType) (string, error) {
	return "https://vcs.example.com/" + codebase, nil
}

func (f *fakeVCSManager) OpenBranch(ctx context.Context, codebase string, vcsType model.VCSType, branchName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errors[branchKey(codebase, branchName)]; ok {
		return "", err
	}
	return f.revisions[branchKey(codebase, branchName)], nil
}

func (f *fakeVCSManager) DiffURL(codebase string, oldRevision, newRevision string, vcsType model.VCSType) (string, error) {
	return "", nil
}

func (f *fakeVCSManager) ListRepositories(ctx context.Context, vcsType model.VCSType) ([]string, error) {
	return nil, nil
}

// fakeSuites satisfies both internal/httpapi.SuiteProvider and
// internal/followup.SuiteProvider over the same configured suite table.
type fakeSuites struct {
	infos  map[string]httpapi.SuiteInfo
	distro builder.DistroConfig
}

func newFakeSuites(names ...string) fakeSuites {
	infos := map[string]httpapi.SuiteInfo{}
	for _, name := range names {
		infos[name] = httpapi.SuiteInfo{
			Config:      builder.SuiteConfig{Name: name},
			BuilderKind: "generic",
		}
	}
	return fakeSuites{infos: infos, distro: builder.DistroConfig{Name: "unstable"}}
}

func (f fakeSuites) Suite(name string) (httpapi.SuiteInfo, bool) {
	info, ok := f.infos[name]
	return info, ok
}

func (f fakeSuites) Distro() builder.DistroConfig { return f.distro }

func (f fakeSuites) Suites() []followup.SuiteEntry {
	out := make([]followup.SuiteEntry, 0, len(f.infos))
	for name, info := range f.infos {
		out = append(out, followup.SuiteEntry{Name: name, DebianBuild: info.Config.DebianBuild})
	}
	return out
}

// env wires a full in-process runner HTTP surface over httptest, backed by
// fakeStore/fakeVCSManager instead of Postgres and a real VCS host.
type env struct {
	store     *fakeStore
	vcs       *fakeVCSManager
	active    *activerun.Registry
	processor *queueproc.Processor
	suites    fakeSuites
	server    *httptest.Server
}

func newEnv(suiteNames ...string) *env {
	st := newFakeStore()
	vcs := newFakeVCSManager()
	active := activerun.NewRegistry(nil)
	queueTopic := pubsub.NewTopic(true)
	resultTopic := pubsub.NewTopic(true)
	suites := newFakeSuites(suiteNames...)
	sched := followup.New(st, suites, nil)
	processor := queueproc.New(st, active, queueTopic, resultTopic, sched, nil, nil)
	vcsManagers := map[model.VCSType]vcsmanager.Manager{model.VCSGit: vcs}
	srv := httpapi.New(st, processor, active, vcsManagers, suites, nil, nil, queueTopic, resultTopic, nil)
	ts := httptest.NewServer(srv.Router())

	return &env{store: st, vcs: vcs, active: active, processor: processor, suites: suites, server: ts}
}

func (e *env) close() { e.server.Close() }
