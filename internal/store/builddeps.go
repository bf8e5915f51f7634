package store

import (
	"context"
	"database/sql"
	"fmt"
)

// LastBuildVersion returns the revision of the most recent successful
// run of source against distribution (used as the suite name), or "" if
// there is none. Satisfies pkg/builder.BuildDeps for the Debian
// builder's LAST_BUILD_VERSION environment variable.
func (s *Store) LastBuildVersion(ctx context.Context, source, distribution string) (string, error) {
	var revision string
	err := s.db.QueryRowContext(ctx, `
		SELECT revision FROM run
		WHERE package = $1 AND suite = $2 AND result_code = 'success'
		ORDER BY finish_time DESC LIMIT 1`, source, distribution).Scan(&revision)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("store: last build version %s/%s: %w", source, distribution, err)
	}
	return revision, nil
}
