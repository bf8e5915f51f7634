package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestGetQueueItem(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "package", "suite", "command", "context", "branch_url", "vcs_type",
		"subpath", "estimated_duration_seconds", "bucket", "refresh", "priority", "requestor"}
	mock.ExpectQuery("SELECT .* FROM queue WHERE id = \\$1").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(42, "foo", "lintian-fixes", "run-lintian-brush", "", "", "git", "", int64(120), "default", false, 0, ""))

	item, err := s.GetQueueItem(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if item.Package != "foo" || item.VCSType != model.VCSGit || item.EstimatedDuration != 120*time.Second {
		t.Errorf("unexpected item: %+v", item)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAlreadyPublished(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("foo", "main", "abcd1234", "propose").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	got, err := s.AlreadyPublished(context.Background(), "foo", "main", "abcd1234", model.ModePropose)
	if err != nil {
		t.Fatalf("AlreadyPublished: %v", err)
	}
	if !got {
		t.Error("expected true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAddToQueue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO queue").
		WithArgs("foo", "run-lintian-brush", "lintian-fixes", 0, false, "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.AddToQueue(context.Background(), "foo", "run-lintian-brush", "lintian-fixes", 0, false, "")
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
}

func TestGetPackageNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM package WHERE name = \\$1").
		WithArgs("nonexistent").
		WillReturnRows(sqlmock.NewRows([]string{"name", "maintainer_email", "branch_url", "vcs_type", "removed", "uploader_emails"}))

	_, err := s.GetPackage(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected sql.ErrNoRows")
	}
}

func TestStoreRunDeletesQueueItem(t *testing.T) {
	s, mock := newMockStore(t)

	run := model.Run{ID: "run-1", Package: "foo", Suite: "lintian-fixes", ResultCode: "success"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO run").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM queue WHERE id = \\$1").WithArgs(int64(42)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.StoreRun(context.Background(), run, 42); err != nil {
		t.Fatalf("StoreRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// A second StoreRun for an id already recorded (a worker's late /finish
// racing a watchdog timeout that already stored a worker-timeout run under
// the same id) must be accepted as a no-op rather than erroring or
// re-deleting an already-gone queue row.
func TestStoreRunDuplicateIDIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)

	run := model.Run{ID: "run-1", Package: "foo", Suite: "lintian-fixes", ResultCode: "success"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO run").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := s.StoreRun(context.Background(), run, 42); err != nil {
		t.Fatalf("StoreRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations for duplicate finish: %v", err)
	}
}
