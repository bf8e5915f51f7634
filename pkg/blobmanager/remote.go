package blobmanager

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// Remote stores blobs against an HTTP object-store front end, PUTting
// each blob to <base-url>/<package>/<log_id>/<filename>. Mirrors
// pkg/vcsmanager.Remote's retrying-client shape, applied to a write
// path instead of a read path.
type Remote struct {
	BaseURL string
	Client  *retryablehttp.Client
}

var _ LogManager = (*Remote)(nil)
var _ ArtifactManager = (*Remote)(nil)

// NewRemote builds a Remote with a retrying HTTP client tuned the same
// way vcsmanager.NewRemote is: bounded retries, no built-in logger (the
// caller's slog.Logger wraps outcomes instead).
func NewRemote(baseURL string) *Remote {
	c := retryablehttp.NewClient()
	c.RetryMax = 4
	c.Logger = nil
	return &Remote{BaseURL: baseURL, Client: c}
}

func (r *Remote) Store(ctx context.Context, pkg, logID, filename string, data []byte) error {
	url := strings.TrimRight(r.BaseURL, "/") + "/" + pkg + "/" + logID + "/" + filename

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("blobmanager: build request for %s: %w", url, err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s returned 503", ErrServiceUnavailable, url)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s returned %d", ErrPermissionDenied, url, resp.StatusCode)
	default:
		return fmt.Errorf("blobmanager: unexpected status %d storing %s", resp.StatusCode, url)
	}
}
