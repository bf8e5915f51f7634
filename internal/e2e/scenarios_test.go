package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/httpapi"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/publisher"
	"github.com/ashenforge/fleetd/internal/reconciler"
	"github.com/ashenforge/fleetd/pkg/hoster"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func postJSON(url string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return http.Post(url, "application/json", bytes.NewReader(buf))
}

func postFinish(url string, result httpapi.WorkerResult) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormField("result.json")
	if err != nil {
		return nil, err
	}
	enc, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(enc); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return http.DefaultClient.Do(req)
}

func decodeAssign(resp *http.Response) httpapi.AssignResponse {
	defer resp.Body.Close()
	var out httpapi.AssignResponse
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return out
}

var _ = Describe("assign, keepalive, and finish", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv("lintian-fixes", "control")
		e.vcs.setRevision("foo", "main", "rev-main")
		e.store.seedQueueItem(model.QueueItem{
			Package: "foo", Suite: "lintian-fixes", Command: "lintian-brush",
			BranchURL: "https://git.example.com/foo", VCSType: model.VCSGit,
		})
	})

	AfterEach(func() { e.close() })

	It("hands out an assignment, tolerates keepalives, and schedules a control run on finish", func() {
		resp, err := postJSON(e.server.URL+"/assign", httpapi.AssignRequest{Worker: "worker-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		assigned := decodeAssign(resp)
		Expect(assigned.ID).NotTo(BeEmpty())
		Expect(assigned.Suite).To(Equal("lintian-fixes"))

		for i := 0; i < 3; i++ {
			kresp, err := http.Post(e.server.URL+"/active-runs/"+assigned.ID+"/keepalive", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(kresp.StatusCode).To(Equal(http.StatusNoContent))
		}

		finishResp, err := postFinish(e.server.URL+"/active-runs/"+assigned.ID+"/finish", httpapi.WorkerResult{
			Revision:           "rev-new",
			MainBranchRevision: "rev-main",
			StartTime:          time.Now(),
			FinishTime:         time.Now(),
			WorkerName:         "worker-1",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(finishResp.StatusCode).To(Equal(http.StatusCreated))
		finishResp.Body.Close()

		Expect(e.store.queueCallsSnapshot()).To(ContainElement(
			`foo suite=control command="control" refresh=false requestor=followup`))
	})
})

var _ = Describe("a late worker finish racing a watchdog timeout", func() {
	var (
		e        *env
		assigned httpapi.AssignResponse
	)

	BeforeEach(func() {
		e = newEnv("lintian-fixes")
		e.vcs.setRevision("foo", "main", "rev-main")
		e.store.seedQueueItem(model.QueueItem{
			Package: "foo", Suite: "lintian-fixes", Command: "lintian-brush",
			BranchURL: "https://git.example.com/foo", VCSType: model.VCSGit,
		})

		resp, err := postJSON(e.server.URL+"/assign", httpapi.AssignRequest{Worker: "worker-1"})
		Expect(err).NotTo(HaveOccurred())
		assigned = decodeAssign(resp)

		// Simulate the watchdog firing before the worker's own finish
		// arrives: it synthesizes and stores a worker-timeout run under the
		// same id, exactly as activerun's watchdog callback does.
		run, ok := e.active.Get(assigned.ID)
		Expect(ok).To(BeTrue())
		Expect(e.processor.FinishRun(context.Background(), model.Run{
			ID:         assigned.ID,
			Package:    run.QueueItem.Package,
			Suite:      run.QueueItem.Suite,
			ResultCode: string(errtaxonomy.WorkerTimeout),
			StartTime:  run.StartTime,
			FinishTime: time.Now(),
		}, run.QueueItem.ID)).To(Succeed())
	})

	AfterEach(func() { e.close() })

	It("accepts the late finish without erroring or duplicating the stored run", func() {
		finishResp, err := postFinish(e.server.URL+"/active-runs/"+assigned.ID+"/finish", httpapi.WorkerResult{
			Revision:   "rev-new",
			StartTime:  time.Now(),
			FinishTime: time.Now(),
			WorkerName: "worker-1",
			QueueID:    0,
		})
		Expect(err).NotTo(HaveOccurred())
		defer finishResp.Body.Close()
		Expect(finishResp.StatusCode).To(Equal(http.StatusCreated))

		stored, ok := e.store.runs[assigned.ID]
		Expect(ok).To(BeTrue())
		Expect(stored.ResultCode).To(Equal(string(errtaxonomy.WorkerTimeout)),
			"the watchdog's run must stand; the worker's duplicate is dropped, not overwritten")
	})
})

var _ = Describe("maintainer-cap rate limiting", func() {
	It("denies a new proposal once the maintainer's open-proposal ceiling is reached", func() {
		limiter := publisher.NewMaintainerCap(1)
		limiter.SetMPSPerMaintainer(map[string]publisher.MaintainerCounts{
			"a@example.com": {Open: 1},
		})
		Expect(limiter.CheckAllowed("a@example.com")).To(BeFalse(),
			"a maintainer already at the open-proposal ceiling must be denied a new one")
	})
})

var _ = Describe("host backoff on a rate-limited VCS response", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv("lintian-fixes")
		e.vcs.setError("bar", "main", errtaxonomy.RateLimited(5, "rate limited by host"))
		e.store.seedQueueItem(model.QueueItem{
			Package: "bar", Suite: "lintian-fixes", Command: "lintian-brush",
			BranchURL: "https://git.example.com/bar", VCSType: model.VCSGit,
		})
	})

	AfterEach(func() { e.close() })

	It("backs the host off on 429 and leaves it unassignable until the window expires", func() {
		resp, err := postJSON(e.server.URL+"/assign", httpapi.AssignRequest{Worker: "worker-1"})
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(resp.Header.Get("Retry-After")).To(Equal("5"))

		resp2, err := postJSON(e.server.URL+"/assign", httpapi.AssignRequest{Worker: "worker-2"})
		Expect(err).NotTo(HaveOccurred())
		defer resp2.Body.Close()
		Expect(resp2.StatusCode).To(Equal(http.StatusServiceUnavailable),
			"the only eligible item's host is still backed off, so the queue looks empty")
	})
})

var _ = Describe("resume branch rejection", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv("lintian-fixes")
		e.vcs.setRevision("baz", "main", "rev-main")
		e.vcs.setRevision("baz", "lintian-fixes", "rev-resume")
		e.store.setLastRun("baz", "lintian-fixes", model.Run{
			Revision:     "rev-resume",
			ResultCode:   string(errtaxonomy.Success),
			ReviewStatus: model.ReviewRejected,
		})
		e.store.seedQueueItem(model.QueueItem{
			Package: "baz", Suite: "lintian-fixes", Command: "lintian-brush",
			BranchURL: "https://git.example.com/baz", VCSType: model.VCSGit,
		})
	})

	AfterEach(func() { e.close() })

	It("omits resume for a rejected review but still populates the cached branch URL", func() {
		resp, err := postJSON(e.server.URL+"/assign", httpapi.AssignRequest{Worker: "worker-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		assigned := decodeAssign(resp)

		Expect(assigned.Resume).To(BeNil())
		Expect(assigned.Branch.CachedURL).To(Equal("https://vcs.example.com/baz"))
	})
})

type fakeReconcilerStore struct {
	open       []model.ProposalInfo
	lastRunErr error
	setCalls   []model.ProposalInfo
}

func (f *fakeReconcilerStore) IterOpenProposals(ctx context.Context) ([]model.ProposalInfo, error) {
	return f.open, nil
}
func (f *fakeReconcilerStore) SetProposalInfo(ctx context.Context, p model.ProposalInfo) error {
	f.setCalls = append(f.setCalls, p)
	return nil
}
func (f *fakeReconcilerStore) GetLastUnabsorbedRun(ctx context.Context, pkg, suite string) (model.Run, error) {
	return model.Run{}, f.lastRunErr
}
func (f *fakeReconcilerStore) GetPackage(ctx context.Context, name string) (model.Package, error) {
	return model.Package{Name: name}, nil
}
func (f *fakeReconcilerStore) AddToQueue(ctx context.Context, pkg, command, suite string, offset int, refresh bool, requestor string) (int64, error) {
	return 1, nil
}

type publisherStubStore struct{}

func (publisherStubStore) AlreadyPublished(ctx context.Context, pkg, branchName, revision string, mode model.PublishMode) (bool, error) {
	return false, nil
}
func (publisherStubStore) StorePublish(ctx context.Context, attempt model.PublishAttempt) error {
	return nil
}
func (publisherStubStore) IterPublishReady(ctx context.Context, reviewStatus model.ReviewStatus) ([]model.PublishReadyRow, error) {
	return nil, nil
}

type reconciledHoster struct {
	kind        string
	closeCalled bool
}

func (h *reconciledHoster) Kind() string { return h.kind }
func (h *reconciledHoster) Probe(url string) bool { return url == "https://forge.example.com/pr/reconciled" }
func (h *reconciledHoster) EnsureMergeProposal(ctx context.Context, p hoster.ProposalParams) (string, bool, error) {
	return "https://forge.example.com/pr/reconciled", true, nil
}
func (h *reconciledHoster) ProposalStatus(ctx context.Context, proposalURL string) (model.ProposalInfo, error) {
	return model.ProposalInfo{URL: proposalURL, Status: model.ProposalOpen}, nil
}
func (h *reconciledHoster) CloseProposal(ctx context.Context, proposalURL string) error {
	h.closeCalled = true
	return nil
}
func (h *reconciledHoster) IsConflicted(ctx context.Context, proposalURL string) (bool, error) {
	return false, nil
}
func (h *reconciledHoster) PushBranch(ctx context.Context, localURL, owner, repo, targetBranch string) error {
	return nil
}

var _ = Describe("reconciling an absorbed proposal", func() {
	It("closes the proposal once no unabsorbed run remains for its package/suite", func() {
		h := &reconciledHoster{kind: fmt.Sprintf("e2e-fake-%d", GinkgoRandomSeed())}
		hoster.Register(h)

		store := &fakeReconcilerStore{
			open: []model.ProposalInfo{{
				URL: "https://forge.example.com/pr/reconciled", Status: model.ProposalOpen,
				Package: "foo", Suite: "lintian-fixes",
			}},
			lastRunErr: sql.ErrNoRows,
		}
		pub := publisher.New(publisherStubStore{}, publisher.NoneLimiter{}, nil, "/bin/false", nil, nil)
		r := reconciler.New(store, pub, nil, 0, nil, nil, nil)

		Expect(r.Tick(context.Background())).To(Succeed())
		Expect(h.closeCalled).To(BeTrue())
	})
})
