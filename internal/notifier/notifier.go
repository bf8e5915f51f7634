// Package notifier posts best-effort operator notifications about
// publish outcomes to Slack. Grounded on jordigilh-kubernaut's
// notification-delivery tests (package pattern only — no
// implementation file to adapt directly), built against
// github.com/slack-go/slack the way that stack's go.mod pulls it in.
package notifier

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier posts publish-outcome messages to a configured Slack
// channel. A nil *Notifier (zero Client) is valid and silently drops
// every notification, so wiring one up is optional.
type Notifier struct {
	client  *slack.Client
	channel string
	log     *slog.Logger
}

// New constructs a Notifier. token may be empty, in which case every
// Notify call is a no-op; this lets operators run without Slack
// configured at all.
func New(token, channel string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	n := &Notifier{channel: channel, log: log}
	if token != "" {
		n.client = slack.New(token)
	}
	return n
}

// NewProposal notifies that a merge proposal was opened for package.
func (n *Notifier) NewProposal(ctx context.Context, pkg, proposalURL string) {
	n.post(ctx, ":package: new proposal for *"+pkg+"*: "+proposalURL)
}

// PublishFailed notifies a terminal publish failure.
func (n *Notifier) PublishFailed(ctx context.Context, pkg, code, description string) {
	n.post(ctx, ":x: publish failed for *"+pkg+"* (`"+code+"`): "+description)
}

func (n *Notifier) post(ctx context.Context, text string) {
	if n == nil || n.client == nil {
		return
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.log.Warn("slack notification failed", "error", err)
	}
}
