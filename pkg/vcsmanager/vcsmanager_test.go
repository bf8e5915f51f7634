package vcsmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
)

func TestLocalBranchURLGit(t *testing.T) {
	l := &Local{Root: "/srv/vcs"}
	got, err := l.BranchURL("foo", model.VCSGit, "lintian-fixes")
	if err != nil {
		t.Fatalf("BranchURL: %v", err)
	}
	want := "file:///srv/vcs/git/foo?branch=lintian-fixes"
	if got != want {
		t.Errorf("BranchURL = %q, want %q", got, want)
	}
}

func TestLocalBranchURLUnsupportedVCS(t *testing.T) {
	l := &Local{Root: "/srv/vcs"}
	_, err := l.BranchURL("foo", model.VCSType("svn"), "trunk")
	if err == nil {
		t.Fatal("expected error for unsupported vcs")
	}
	te, ok := err.(*errtaxonomy.Error)
	if !ok {
		t.Fatalf("expected *errtaxonomy.Error, got %T", err)
	}
	if te.Code != errtaxonomy.UnsupportedVCS("svn") {
		t.Errorf("Code = %q", te.Code)
	}
}

func TestLocalOpenBranchMissingRepo(t *testing.T) {
	l := &Local{Root: t.TempDir()}
	_, err := l.OpenBranch(context.Background(), "nonexistent", model.VCSGit, "main")
	te, ok := err.(*errtaxonomy.Error)
	if !ok {
		t.Fatalf("expected *errtaxonomy.Error, got %T", err)
	}
	if te.Code != errtaxonomy.BranchMissing {
		t.Errorf("Code = %q, want %q", te.Code, errtaxonomy.BranchMissing)
	}
}

func TestRemoteOpenBranchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewRemote(map[model.VCSType]string{model.VCSGit: srv.URL})
	r.Client.RetryMax = 0
	_, err := r.OpenBranch(context.Background(), "foo", model.VCSGit, "main")
	te, ok := err.(*errtaxonomy.Error)
	if !ok {
		t.Fatalf("expected *errtaxonomy.Error, got %T", err)
	}
	if te.Code != errtaxonomy.TooManyRequests || te.RetryAfterS != 30 {
		t.Errorf("got Code=%q RetryAfterS=%d", te.Code, te.RetryAfterS)
	}
}

func TestRemoteOpenBranchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewRemote(map[model.VCSType]string{model.VCSGit: srv.URL})
	r.Client.RetryMax = 0
	_, err := r.OpenBranch(context.Background(), "foo", model.VCSGit, "main")
	te, ok := err.(*errtaxonomy.Error)
	if !ok {
		t.Fatalf("expected *errtaxonomy.Error, got %T", err)
	}
	if te.Code != errtaxonomy.BranchMissing {
		t.Errorf("Code = %q, want %q", te.Code, errtaxonomy.BranchMissing)
	}
}

func TestFromURLLocal(t *testing.T) {
	m, err := FromURL("/srv/vcs")
	if err != nil {
		t.Fatalf("FromURL: %v", err)
	}
	if _, ok := m.(*Local); !ok {
		t.Errorf("expected *Local, got %T", m)
	}
}

func TestFromURLRemote(t *testing.T) {
	m, err := FromURL("https://vcs-cache.example.com")
	if err != nil {
		t.Fatalf("FromURL: %v", err)
	}
	if _, ok := m.(*Remote); !ok {
		t.Errorf("expected *Remote, got %T", m)
	}
}
