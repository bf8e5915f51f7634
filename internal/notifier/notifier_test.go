package notifier

import (
	"context"
	"testing"
)

func TestNewWithoutTokenIsSilentNoOp(t *testing.T) {
	n := New("", "#fleetd", nil)
	// Must not panic and must not attempt to reach Slack.
	n.NewProposal(context.Background(), "foo", "https://example.com/pr/1")
	n.PublishFailed(context.Background(), "foo", "build-failed", "boom")
}

func TestNilNotifierIsSafeToUse(t *testing.T) {
	var n *Notifier
	n.NewProposal(context.Background(), "foo", "https://example.com/pr/1")
	n.PublishFailed(context.Background(), "foo", "build-failed", "boom")
}
