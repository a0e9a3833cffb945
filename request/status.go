package request

import (
	"encoding/json"

	"github.com/google/uuid"
)

// The kinds of status updates delivered to the messaging gateway.
const (
	StatusPrompt = "prompt" // initial approval prompt for a new request
	StatusChange = "change" // the request moved to a new state
)

// StatusUpdate holds the info the messaging gateway needs to reflect a
// request's current state on the originating chat message. One update is
// produced for every transition (and one prompt on submission); delivery
// is handled by the notifier through a configurable backend.
type StatusUpdate struct {
	// ID uniquely identifies this update in the status queue.
	ID string `json:"id"`

	// Kind is one of StatusPrompt, StatusChange.
	Kind string `json:"kind"`

	// RequestID is the id of the request this update refers to.
	RequestID string `json:"request_id"`

	// MessageRef is the chat message the gateway should edit.
	MessageRef string `json:"message_ref"`

	// RequesterID of the underlying request, for prompt rendering.
	RequesterID string `json:"requester_id"`

	// Text is the raw request text, for prompt rendering.
	Text string `json:"text,omitempty"`

	// State the request is now in.
	State State `json:"state"`

	// Detail carries the human-readable specifics: the failure reason, the
	// final library path on completion, or a retry-exhausted note.
	Detail string `json:"detail,omitempty"`

	// FinalPath of the organized file, set on completion only.
	FinalPath string `json:"final_path,omitempty"`

	// Attempts is the number of delivery attempts performed so far.
	// Managed by the notifier.
	Attempts int `json:"delivery_attempts,omitempty"`

	// Delivered and DeliveryError reflect the outcome of the last delivery
	// attempt. Set by the notifier backends.
	Delivered     bool   `json:"delivered"`
	DeliveryError string `json:"delivery_error,omitempty"`
}

// Bytes returns the update encoded as JSON, as posted to the gateway.
func (s *StatusUpdate) Bytes() ([]byte, error) {
	return json.Marshal(s)
}

// NewPrompt builds the approval-prompt update for a freshly submitted
// request.
func NewPrompt(req *Request) *StatusUpdate {
	return &StatusUpdate{
		ID:          uuid.New().String(),
		Kind:        StatusPrompt,
		RequestID:   req.ID,
		MessageRef:  req.OriginMessageRef,
		RequesterID: req.RequesterID,
		Text:        req.RawText,
		State:       req.State,
	}
}

// NewStatusChange builds the update reflecting req's current state, with
// an optional human-readable detail.
func NewStatusChange(req *Request, detail string) *StatusUpdate {
	return &StatusUpdate{
		ID:          uuid.New().String(),
		Kind:        StatusChange,
		RequestID:   req.ID,
		MessageRef:  req.OriginMessageRef,
		RequesterID: req.RequesterID,
		State:       req.State,
		Detail:      detail,
		FinalPath:   req.FinalPath,
	}
}
