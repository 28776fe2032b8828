package reconcile

import (
	"errors"
	"fmt"
)

// ErrIgnoredTag is returned by Trigger for tags other than SyncTag.
var ErrIgnoredTag = errors.New("sync tag ignored")

// Outcome classifies one replay attempt.
type Outcome int

const (
	// Accepted means the endpoint confirmed the review. Only accepted
	// entries leave the outbox.
	Accepted Outcome = iota
	// Rejected means the endpoint answered with an explicit non-success
	// result.
	Rejected
	// TransportFailed means the request never produced a response.
	TransportFailed
	// Malformed means the response could not be understood.
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TransportFailed:
		return "transport_failed"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ReplayError describes a replay that was not accepted.
type ReplayError struct {
	EntryID    int64
	Outcome    Outcome
	StatusCode int
	Result     string
	Err        error
}

func (e *ReplayError) Error() string {
	switch {
	case e.Outcome == Rejected:
		return fmt.Sprintf("replay of entry %d rejected: result %q (status %d)", e.EntryID, e.Result, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("replay of entry %d %s: %v", e.EntryID, e.Outcome, e.Err)
	default:
		return fmt.Sprintf("replay of entry %d %s (status %d)", e.EntryID, e.Outcome, e.StatusCode)
	}
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// OutcomeOf classifies err as returned by a Sender.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Accepted
	}
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Outcome
	}
	return TransportFailed
}
