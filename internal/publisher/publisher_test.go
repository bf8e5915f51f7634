package publisher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
)

type fakeStore struct {
	alreadyPublished bool
	stored           []model.PublishAttempt
}

func (f *fakeStore) AlreadyPublished(ctx context.Context, pkg, branchName, revision string, mode model.PublishMode) (bool, error) {
	return f.alreadyPublished, nil
}

func (f *fakeStore) StorePublish(ctx context.Context, attempt model.PublishAttempt) error {
	f.stored = append(f.stored, attempt)
	return nil
}

func (f *fakeStore) IterPublishReady(ctx context.Context, reviewStatus model.ReviewStatus) ([]model.PublishReadyRow, error) {
	return nil, nil
}

type fakeLimiter struct {
	allowed bool
	incs    []string
}

func (f *fakeLimiter) SetMPSPerMaintainer(map[string]MaintainerCounts) {}
func (f *fakeLimiter) CheckAllowed(string) bool                        { return f.allowed }
func (f *fakeLimiter) Inc(maintainer string)                          { f.incs = append(f.incs, maintainer) }

// writeFakeSubprocess writes a shell script standing in for publish-one:
// it echoes body to stdout and exits with code.
func writeFakeSubprocess(t *testing.T, body string, code int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-publish-one.sh")
	script := fmt.Sprintf("#!/bin/sh\ncat <<'EOF'\n%s\nEOF\nexit %d\n", body, code)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake subprocess: %v", err)
	}
	return path
}

func TestPublishRunSkipModeNeverTouchesStore(t *testing.T) {
	store := &fakeStore{}
	p := New(store, &fakeLimiter{allowed: true}, nil, "/bin/false", nil, nil)

	_, err := p.PublishRun(context.Background(), model.PublishReadyRow{PublishMode: model.ModeSkip}, "github")
	if err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(store.stored) != 0 {
		t.Errorf("expected no publish attempt stored for skip mode, got %d", len(store.stored))
	}
}

func TestPublishRunAlreadyPublishedIsNoOp(t *testing.T) {
	store := &fakeStore{alreadyPublished: true}
	p := New(store, &fakeLimiter{allowed: true}, nil, "/bin/false", nil, nil)

	_, err := p.PublishRun(context.Background(), model.PublishReadyRow{PublishMode: model.ModePropose}, "github")
	if err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(store.stored) != 0 {
		t.Errorf("expected no publish attempt stored when already published, got %d", len(store.stored))
	}
}

func TestPublishRunRateLimitedDegradesToBuildOnly(t *testing.T) {
	store := &fakeStore{}
	limiter := &fakeLimiter{allowed: false}
	p := New(store, limiter, nil, "/bin/false", nil, nil)

	_, err := p.PublishRun(context.Background(), model.PublishReadyRow{
		PublishMode:     model.ModePropose,
		MaintainerEmail: "a@example.com",
	}, "github")
	if err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(store.stored) != 0 {
		t.Errorf("expected a rate-limited run to record no publish attempt, got %d", len(store.stored))
	}
}

func TestPublishRunAttemptPushDowngradesOnNeverPushOrg(t *testing.T) {
	store := &fakeStore{}
	script := writeFakeSubprocess(t, `{"proposal_url":"https://github.com/debian/foo/pull/1","branch_name":"lintian-fixes","is_new":true}`, 0)
	limiter := &fakeLimiter{allowed: true}
	p := New(store, limiter, nil, script, nil, nil)

	row := model.PublishReadyRow{
		PublishMode:     model.ModeAttemptPush,
		MainBranchURL:   "https://salsa.debian.org/debian/foo",
		MaintainerEmail: "a@example.com",
	}
	_, err := p.PublishRun(context.Background(), row, "gitlab")
	if err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected one publish attempt stored, got %d", len(store.stored))
	}
	if store.stored[0].Mode != model.ModePropose {
		t.Errorf("expected attempt-push on a never-push org to downgrade to propose, got %q", store.stored[0].Mode)
	}
	if len(limiter.incs) != 1 {
		t.Errorf("expected a new proposal to increment the rate limiter once, got %d", len(limiter.incs))
	}
}

func TestPublishRunSuccessfulProposeStoresAttempt(t *testing.T) {
	store := &fakeStore{}
	script := writeFakeSubprocess(t, `{"proposal_url":"https://github.com/acme/foo/pull/42","branch_name":"lintian-fixes","is_new":true}`, 0)
	limiter := &fakeLimiter{allowed: true}
	p := New(store, limiter, nil, script, nil, nil)

	row := model.PublishReadyRow{
		PublishMode:     model.ModePropose,
		MainBranchURL:   "https://github.com/acme/foo",
		MaintainerEmail: "a@example.com",
	}
	if _, err := p.PublishRun(context.Background(), row, "github"); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected one publish attempt stored, got %d", len(store.stored))
	}
	attempt := store.stored[0]
	if attempt.Code != string(errtaxonomy.Success) {
		t.Errorf("expected success code, got %q (%s)", attempt.Code, attempt.Description)
	}
	if attempt.ProposalURL != "https://github.com/acme/foo/pull/42" {
		t.Errorf("unexpected proposal url %q", attempt.ProposalURL)
	}
	if len(limiter.incs) != 1 {
		t.Errorf("expected rate limiter incremented once for a new proposal, got %d", len(limiter.incs))
	}
}

func TestPublishRunStructuredFailureStoresCode(t *testing.T) {
	store := &fakeStore{}
	script := writeFakeSubprocess(t, `{"code":"branch-missing","description":"no such branch"}`, 1)
	p := New(store, &fakeLimiter{allowed: true}, nil, script, nil, nil)

	row := model.PublishReadyRow{PublishMode: model.ModePush, MainBranchURL: "https://github.com/acme/foo"}
	if _, err := p.PublishRun(context.Background(), row, "github"); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected one publish attempt stored, got %d", len(store.stored))
	}
	if store.stored[0].Code != "branch-missing" {
		t.Errorf("expected branch-missing code from the structured failure, got %q", store.stored[0].Code)
	}
}

func TestPublishRunMalformedOutputIsPublisherInvalidResponse(t *testing.T) {
	store := &fakeStore{}
	script := writeFakeSubprocess(t, `not json`, 0)
	p := New(store, &fakeLimiter{allowed: true}, nil, script, nil, nil)

	row := model.PublishReadyRow{PublishMode: model.ModePush, MainBranchURL: "https://github.com/acme/foo"}
	if _, err := p.PublishRun(context.Background(), row, "github"); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected one publish attempt stored, got %d", len(store.stored))
	}
	if store.stored[0].Code != string(errtaxonomy.PublisherInvalidResponse) {
		t.Errorf("expected publisher-invalid-response code, got %q", store.stored[0].Code)
	}
}
