package queueproc

import (
	"context"
	"testing"
	"time"

	"github.com/ashenforge/fleetd/internal/activerun"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/pkg/pubsub"
)

type fakeStore struct {
	items    []model.QueueItem
	stored   []model.Run
	storeErr error
}

func (f *fakeStore) IterQueue(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit > len(f.items) {
		limit = len(f.items)
	}
	return f.items[:limit], nil
}

func (f *fakeStore) GetQueueItem(ctx context.Context, id int64) (model.QueueItem, error) {
	for _, it := range f.items {
		if it.ID == id {
			return it, nil
		}
	}
	return model.QueueItem{}, errNotFound{}
}

func (f *fakeStore) StoreRun(ctx context.Context, run model.Run, queueID int64) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, run)
	return nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type fakeFollowUp struct {
	calls int
}

func (f *fakeFollowUp) OnRunFinished(ctx context.Context, run model.Run) { f.calls++ }

func TestNextQueueItemSkipsActive(t *testing.T) {
	store := &fakeStore{items: []model.QueueItem{
		{ID: 1, Package: "foo", BranchURL: "https://vcs.example.com/foo"},
		{ID: 2, Package: "bar", BranchURL: "https://vcs.example.com/bar"},
	}}
	active := activerun.NewRegistry(nil)
	active.Register(context.Background(), store.items[0], "log-1", "worker-a", nil)
	defer active.Remove("log-1")

	p := New(store, active, pubsub.NewTopic(true), pubsub.NewTopic(false), nil, nil, nil)
	item, ok, err := p.NextQueueItem(context.Background())
	if err != nil {
		t.Fatalf("NextQueueItem: %v", err)
	}
	if !ok || item.ID != 2 {
		t.Fatalf("expected item 2, got %+v (ok=%v)", item, ok)
	}
}

func TestNextQueueItemSkipsBackedOffHost(t *testing.T) {
	store := &fakeStore{items: []model.QueueItem{
		{ID: 1, Package: "foo", BranchURL: "https://vcs.example.com/foo"},
		{ID: 2, Package: "bar", BranchURL: "https://other.example.com/bar"},
	}}
	active := activerun.NewRegistry(nil)
	p := New(store, active, pubsub.NewTopic(true), pubsub.NewTopic(false), nil, nil, nil)
	p.BackoffHost("vcs.example.com", time.Minute)

	item, ok, err := p.NextQueueItem(context.Background())
	if err != nil {
		t.Fatalf("NextQueueItem: %v", err)
	}
	if !ok || item.ID != 2 {
		t.Fatalf("expected item 2, got %+v (ok=%v)", item, ok)
	}
}

func TestFinishRunCallsFollowUp(t *testing.T) {
	store := &fakeStore{items: []model.QueueItem{{ID: 1, Package: "foo"}}}
	active := activerun.NewRegistry(nil)
	active.Register(context.Background(), store.items[0], "log-1", "worker-a", nil)
	followUp := &fakeFollowUp{}

	p := New(store, active, pubsub.NewTopic(true), pubsub.NewTopic(false), followUp, nil, nil)
	err := p.FinishRun(context.Background(), model.Run{ID: "log-1", ResultCode: "success"}, 1)
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected 1 stored run, got %d", len(store.stored))
	}
	if followUp.calls != 1 {
		t.Errorf("expected follow-up called once, got %d", followUp.calls)
	}
	if _, ok := active.Get("log-1"); ok {
		t.Error("expected active run removed after finish")
	}
}
