package notify

import (
	"context"
	"fmt"

	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/probe"
)

type Notifier interface {
	Send(ctx context.Context, title, text string) error
}

// Verdict tells n about a run that did not end OK. OK runs and a nil
// notifier are a no-op.
func Verdict(ctx context.Context, n Notifier, endpoint, destination string, res probe.Result) error {
	if n == nil || res.Verdict == domain.OK {
		return nil
	}
	title := fmt.Sprintf("brokerprobe %s: %s", res.Verdict, endpoint)
	text := fmt.Sprintf("destination: %s\nsent: %t, received: %t\n%s",
		destination, res.Sent, res.Received, res.Summary)
	return n.Send(ctx, title, text)
}
