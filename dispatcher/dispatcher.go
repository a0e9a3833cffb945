// Package dispatcher translates inbound gateway events into state machine
// calls.
//
// It owns the administrative surface of the request lifecycle: submission,
// approval, rejection and retry. Every accepted event is computed through
// request.Next and persisted through the store's atomic per-id transition,
// so a duplicate or racing event (two admins reacting at once) is rejected
// with a clear error instead of being applied twice. Worker-side events
// are reported by the processor through the same discipline.
package dispatcher

import (
	"errors"
	"log"
	"strings"
	"time"

	"tunelift/request"
	"tunelift/storage"

	"github.com/google/uuid"
)

var (
	// ErrForbidden is returned when the acting user lacks the admin
	// capability required by the event.
	ErrForbidden = errors.New("actor is not allowed to perform this action")

	// ErrEmptyText is returned by Submit for blank request text.
	ErrEmptyText = errors.New("request text must not be empty")
)

// Authorizer answers whether an actor holds the admin capability. The
// gateway supplies actor identity; it does not re-implement authorization.
type Authorizer interface {
	IsAdmin(actorID string) bool
}

// AdminList is a static Authorizer backed by the configured admin ids.
type AdminList map[string]struct{}

// NewAdminList builds an AdminList from the configured id slice.
func NewAdminList(ids []string) AdminList {
	l := make(AdminList, len(ids))
	for _, id := range ids {
		l[id] = struct{}{}
	}
	return l
}

// IsAdmin implements Authorizer.
func (l AdminList) IsAdmin(actorID string) bool {
	_, ok := l[actorID]
	return ok
}

// Dispatcher validates inbound events and feeds them to the state machine.
type Dispatcher struct {
	Storage *storage.Storage
	Auth    Authorizer

	// MaxAttempts bounds retries of failed downloads.
	MaxAttempts int

	Log *log.Logger
}

// New initializes and returns a Dispatcher.
func New(s *storage.Storage, auth Authorizer, maxAttempts int, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		Storage:     s,
		Auth:        auth,
		MaxAttempts: maxAttempts,
		Log:         logger,
	}
}

// Submit creates a new pending request for text and queues the approval
// prompt for the gateway. The returned request carries the generated id.
func (d *Dispatcher) Submit(requesterID, text, messageRef string) (request.Request, error) {
	if strings.TrimSpace(text) == "" {
		return request.Request{}, ErrEmptyText
	}

	now := time.Now()
	req := request.Request{
		ID:               uuid.New().String(),
		RequesterID:      requesterID,
		OriginMessageRef: messageRef,
		RawText:          text,
		State:            request.StatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := d.Storage.CreateRequest(&req); err != nil {
		return request.Request{}, err
	}

	if err := d.Storage.QueueStatusUpdate(request.NewPrompt(&req), 0); err != nil {
		// The request exists; a lost prompt is logged, not fatal.
		d.Log.Printf("Error queueing prompt for %s: %s", req, err)
	}

	d.Log.Printf("New request %s", req)
	return req, nil
}

// Approve applies the approve transition on behalf of actorID and, on
// success, enqueues exactly one download job.
func (d *Dispatcher) Approve(actorID, id string) (request.Request, error) {
	return d.adminEvent(actorID, id, request.Approve{})
}

// Reject applies the reject transition on behalf of actorID.
func (d *Dispatcher) Reject(actorID, id string) (request.Request, error) {
	return d.adminEvent(actorID, id, request.Reject{})
}

// Retry re-approves a failed request if its attempts are not exhausted.
// An exhausted retry leaves the request failed and queues a
// retry-exhausted status update; it is not an error.
func (d *Dispatcher) Retry(actorID, id string) (request.Request, error) {
	return d.adminEvent(actorID, id, request.Retry{})
}

func (d *Dispatcher) adminEvent(actorID, id string, ev request.Event) (request.Request, error) {
	if !d.Auth.IsAdmin(actorID) {
		d.Log.Printf("Forbidden: actor %s attempted %s on request %s", actorID, ev.Name(), id)
		return request.Request{}, ErrForbidden
	}

	req, err := d.Storage.GetRequest(id)
	if err != nil {
		return request.Request{}, err
	}

	return d.Apply(&req, ev)
}

// Apply runs ev through the transition table and persists the outcome
// against req's current state. The passed request is updated in place to
// the post-transition view. A concurrent event that already moved the
// request away surfaces as request.ErrIllegalTransition, mirroring how an
// out-of-order event is rejected.
func (d *Dispatcher) Apply(req *request.Request, ev request.Event) (request.Request, error) {
	outcome, err := request.Next(req.State, ev, req.AttemptCount, d.MaxAttempts)
	if err != nil {
		return *req, err
	}

	if outcome.Changed(req.State) || len(outcome.Fields) > 0 || outcome.BumpAttempts {
		err = d.Storage.ApplyTransition(req.ID, req.State, outcome.State, outcome.Fields, outcome.BumpAttempts)
		if err != nil {
			if errors.Is(err, storage.ErrStateConflict) {
				d.Log.Printf("Lost transition race: %s on %s", ev.Name(), req)
				return *req, request.ErrIllegalTransition
			}
			return *req, err
		}
	}

	mutate(req, ev, outcome)

	for _, instr := range outcome.Instructions {
		if err := d.perform(req, instr); err != nil {
			// The transition is committed; side effect failures must not
			// unwind it. Log and carry on with the remaining instructions.
			d.Log.Printf("Error performing %s for %s: %s", instr, req, err)
		}
	}

	return *req, nil
}

// mutate folds the persisted outcome into the in-memory request so callers
// see the post-transition view without a re-read.
func mutate(req *request.Request, ev request.Event, outcome request.Outcome) {
	req.State = outcome.State
	req.UpdatedAt = time.Now()
	if outcome.BumpAttempts {
		req.AttemptCount++
	}
	switch e := ev.(type) {
	case request.WorkerSuccess:
		req.FinalPath = e.Path
		req.RawTitle = e.RawTitle
		req.Duration = e.Duration
		req.LastError = ""
	case request.WorkerFailure:
		req.LastError = e.Reason
	}
}

func (d *Dispatcher) perform(req *request.Request, instr request.Instruction) error {
	switch instr {
	case request.InstrEnqueueDownload:
		return d.Storage.QueueDownload(req.ID, 0)
	case request.InstrNotifyRetryExhausted:
		return d.Storage.QueueStatusUpdate(request.NewStatusChange(req, "retry attempts exhausted"), 0)
	case request.InstrNotifyFailed:
		return d.Storage.QueueStatusUpdate(request.NewStatusChange(req, req.LastError), 0)
	case request.InstrNotifyCompleted:
		return d.Storage.QueueStatusUpdate(request.NewStatusChange(req, req.FinalPath), 0)
	default:
		// The remaining notify instructions carry no extra detail beyond
		// the new state itself.
		return d.Storage.QueueStatusUpdate(request.NewStatusChange(req, ""), 0)
	}
}
