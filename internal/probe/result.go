package probe

import (
	"errors"
	"fmt"
	"time"

	"github.com/hamed0406/brokerprobe/internal/domain"
)

const (
	SummaryOK       = "connection works: sent and received 1 messages"
	SummaryWarning  = "sent 1 message, received 0 messages"
	SummaryCritical = "sent and received 0 messages"
	SummaryFault    = "CRITICAL - Transport exception occurred.  Shutting down client."
)

// Result is the outcome of one probe run.
type Result struct {
	Sent     bool
	Received bool
	Verdict  domain.Verdict
	Summary  string
	Err      error
	Duration time.Duration
}

// Classify maps the send/receive flags of a completed run to a verdict and
// its summary line.
func Classify(sent, received bool) (domain.Verdict, string) {
	switch {
	case sent && received:
		return domain.OK, SummaryOK
	case sent:
		return domain.Warning, SummaryWarning
	default:
		return domain.Critical, SummaryCritical
	}
}

type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseSession Phase = "session"
	PhaseSend    Phase = "send"
	PhaseReceive Phase = "receive"
	PhaseDeliver Phase = "deliver"
)

// PhaseError is a transport failure during one step of the run. It always
// classifies CRITICAL.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseErr(p Phase, err error) error {
	return &PhaseError{Phase: p, Err: err}
}

// chain lists err and every error it wraps, outermost first.
func chain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}
