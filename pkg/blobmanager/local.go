package blobmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local stores blobs on local disk under <root>/<package>/<log_id>/<filename>,
// the same naming spec §6 gives the object store. Used both for
// single-host deployments that have no object store at all, and as the
// backup half of a Fallback.
type Local struct {
	Root string
}

var _ LogManager = (*Local)(nil)
var _ ArtifactManager = (*Local)(nil)

func (l *Local) Store(ctx context.Context, pkg, logID, filename string, data []byte) error {
	dir := filepath.Join(l.Root, pkg, logID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobmanager: create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
		return fmt.Errorf("blobmanager: write %s/%s: %w", dir, filename, err)
	}
	return nil
}
