package request

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned by Next for every (state, event) pair
// not present in the transition table. The event must be rejected, never
// silently ignored, so the caller can surface a clear response.
var ErrIllegalTransition = errors.New("request is not in a state that allows this action")

// Event is one of the tagged inbound event variants. Each variant carries
// only the fields it needs; actor authorization happens before an event
// reaches Next.
type Event interface {
	// Name returns a stable identifier used in logs and error messages.
	Name() string
}

// Submit is the creation event; it has no prior state.
type Submit struct{}

// Approve is an admin approving a pending request.
type Approve struct{}

// Reject is an admin rejecting a pending request.
type Reject struct{}

// WorkerStart marks the moment a worker picks up an approved request.
type WorkerStart struct{}

// WorkerSuccess reports a finished pipeline run.
type WorkerSuccess struct {
	Path     string
	RawTitle string
	Duration int
}

// WorkerFailure reports a failed pipeline run. Internal failures are the
// system's fault (eg. shutdown mid-download) and are not counted against
// the request's attempts.
type WorkerFailure struct {
	Reason   string
	Internal bool
}

// Retry is an admin re-approving a failed request.
type Retry struct{}

func (Submit) Name() string        { return "submit" }
func (Approve) Name() string       { return "approve" }
func (Reject) Name() string        { return "reject" }
func (WorkerStart) Name() string   { return "worker-start" }
func (WorkerSuccess) Name() string { return "worker-success" }
func (WorkerFailure) Name() string { return "worker-failure" }
func (Retry) Name() string         { return "retry" }

// Instruction is a side effect the caller must carry out after the
// transition has been persisted.
type Instruction string

// The instructions emitted by the transition table.
const (
	InstrEnqueueDownload      Instruction = "enqueue-download"
	InstrNotifySubmitted      Instruction = "notify-submitted"
	InstrNotifyApproved       Instruction = "notify-approved"
	InstrNotifyRejected       Instruction = "notify-rejected"
	InstrNotifyDownloading    Instruction = "notify-downloading"
	InstrNotifyCompleted      Instruction = "notify-completed"
	InstrNotifyFailed         Instruction = "notify-failed"
	InstrNotifyRetrying       Instruction = "notify-retrying"
	InstrNotifyRetryExhausted Instruction = "notify-retry-exhausted"
)

// Outcome describes the result of a legal transition: the new state, the
// extra fields to persist along with it, whether the attempt counter must
// be bumped in the same write, and the side effects to carry out once the
// write has been applied.
type Outcome struct {
	State        State
	Fields       map[string]interface{}
	BumpAttempts bool
	Instructions []Instruction
}

// Changed reports whether the transition actually moves the request to a
// different state. The exhausted-retry row is the only legal no-op.
func (o Outcome) Changed(prior State) bool {
	return o.State != prior
}

// Next implements the transition table. It is total over (state, event):
// every pair either yields an Outcome or ErrIllegalTransition, so
// concurrent, duplicate or out-of-order events always have a defined
// result. Next is pure; persisting the outcome atomically against the
// prior state is the caller's job.
func Next(current State, ev Event, attempts, maxAttempts int) (Outcome, error) {
	switch e := ev.(type) {
	case Approve:
		if current == StatePending {
			return Outcome{
				State:        StateApproved,
				Instructions: []Instruction{InstrEnqueueDownload, InstrNotifyApproved},
			}, nil
		}
	case Reject:
		if current == StatePending {
			return Outcome{
				State:        StateRejected,
				Instructions: []Instruction{InstrNotifyRejected},
			}, nil
		}
	case WorkerStart:
		if current == StateApproved {
			return Outcome{
				State:        StateDownloading,
				Instructions: []Instruction{InstrNotifyDownloading},
			}, nil
		}
	case WorkerSuccess:
		if current == StateDownloading {
			return Outcome{
				State: StateCompleted,
				Fields: map[string]interface{}{
					"FinalPath": e.Path,
					"RawTitle":  e.RawTitle,
					"Duration":  e.Duration,
					"LastError": "",
				},
				Instructions: []Instruction{InstrNotifyCompleted},
			}, nil
		}
	case WorkerFailure:
		if current == StateDownloading {
			return Outcome{
				State:        StateFailed,
				Fields:       map[string]interface{}{"LastError": e.Reason},
				BumpAttempts: !e.Internal,
				Instructions: []Instruction{InstrNotifyFailed},
			}, nil
		}
	case Retry:
		if current == StateFailed {
			if attempts >= maxAttempts {
				// Legal but a no-op: retries are exhausted, the request
				// stays failed and only the exhaustion is reported.
				return Outcome{
					State:        StateFailed,
					Instructions: []Instruction{InstrNotifyRetryExhausted},
				}, nil
			}
			return Outcome{
				State:        StateApproved,
				Instructions: []Instruction{InstrEnqueueDownload, InstrNotifyRetrying},
			}, nil
		}
	}

	return Outcome{}, fmt.Errorf("%s in state %q: %w", ev.Name(), current, ErrIllegalTransition)
}
