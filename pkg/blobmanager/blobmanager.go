// Package blobmanager is the log/artifact object-store facade (spec §6):
// finished-run logs and build artifacts are named blobs under
// <package>/<log_id>/<filename>, stored by an object-store-backed
// Remote with a local-disk Fallback for when the object store is
// unavailable or refuses the write. Grounded on pkg/vcsmanager's
// Local/Remote split, the same shape applied to a different transport.
package blobmanager

import (
	"context"
	"errors"
)

// ErrServiceUnavailable reports that the primary store is temporarily
// down. ErrPermissionDenied reports that it rejected the write outright.
// Both are the two conditions spec §4.7 names as triggering the backup
// fallback; any other error is reported as-is.
var (
	ErrServiceUnavailable = errors.New("blobmanager: service unavailable")
	ErrPermissionDenied   = errors.New("blobmanager: permission denied")
)

// LogManager imports a worker's streamed build log. ArtifactManager
// imports a build artifact. Both share the same object-key naming and
// are typically backed by the same underlying store under different
// prefixes; kept as distinct interfaces so the finish path can be wired
// to two independently configured stores.
type LogManager interface {
	Store(ctx context.Context, pkg, logID, filename string, data []byte) error
}

// ArtifactManager has the identical shape to LogManager (see above).
type ArtifactManager interface {
	Store(ctx context.Context, pkg, logID, filename string, data []byte) error
}

// Fallback wraps a primary store with a backup used only when the
// primary reports ErrServiceUnavailable or ErrPermissionDenied. Any
// other primary error is returned unchanged: a fallback is a documented
// degradation, not a blanket retry policy.
type Fallback struct {
	Primary LogManager
	Backup  LogManager
}

var _ LogManager = (*Fallback)(nil)
var _ ArtifactManager = (*Fallback)(nil)

func (f *Fallback) Store(ctx context.Context, pkg, logID, filename string, data []byte) error {
	err := f.Primary.Store(ctx, pkg, logID, filename, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrPermissionDenied) {
		return f.Backup.Store(ctx, pkg, logID, filename, data)
	}
	return err
}
