package request

import (
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a request.
// For valid values see constants below.
type State string

// The available lifecycle states of a Request.
const (
	StatePending     State = "pending"
	StateApproved    State = "approved"
	StateRejected    State = "rejected"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// MarshalBinary is used by the redis driver to marshal the custom type State
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected,
		StateDownloading, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s allows no further automatic transitions.
// A failed request is terminal only once its retries are exhausted, which
// is a property of the request, not of the state alone (see Request.Exhausted).
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted
}

// Request represents one user ask for a piece of music, tracked through
// its whole lifecycle.
//
// It is the core entity of tunelift and holds all info and state of the
// ask, from submission through approval and download to its terminal
// state. Requests are never deleted; they remain as an audit trail.
type Request struct {
	// Auto-generated
	ID string `json:"id"`

	// RequesterID identifies the family member that submitted the ask.
	RequesterID string `json:"requester_id"`

	// OriginMessageRef points to the chat message to update with status.
	OriginMessageRef string `json:"origin_message_ref"`

	// RawText is the original, unmodified user text.
	RawText string `json:"raw_text"`

	// RefinedQuery is the refiner's improved search query. It is set at
	// most once, by the first pipeline run that obtains one.
	RefinedQuery string `json:"refined_query,omitempty"`

	// Structured metadata extracted by the refiner. Best-effort; used by
	// the tagger to lay out the library tree.
	Artist string `json:"artist,omitempty"`
	Song   string `json:"song,omitempty"`
	Album  string `json:"album,omitempty"`

	State State `json:"state"`

	// AttemptCount is the number of failed download attempts. It is
	// incremented atomically as part of the worker-failure transition and
	// bounds retries (see Next).
	AttemptCount int `json:"attempt_count"`

	// LastError holds the human-readable reason of the most recent failed
	// attempt. Overwritten on every failure.
	LastError string `json:"last_error,omitempty"`

	// FinalPath is where the organized file ended up. Set if and only if
	// the request completed.
	FinalPath string `json:"final_path,omitempty"`

	// RawTitle and Duration describe what the fetcher actually found.
	RawTitle string `json:"raw_title,omitempty"`
	Duration int    `json:"duration,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exhausted reports whether no retries remain for r.
func (r *Request) Exhausted(maxAttempts int) bool {
	return r.AttemptCount >= maxAttempts
}

// Query returns the search query the pipeline should use: the refined
// query if one was obtained, the raw text otherwise.
func (r *Request) Query() string {
	if q := strings.TrimSpace(r.RefinedQuery); q != "" {
		return q
	}
	return r.RawText
}

func (r Request) String() string {
	return fmt.Sprintf("Request{ID:%s, Requester:%s, State:%s, Attempts:%d, Text:%q}",
		r.ID, r.RequesterID, r.State, r.AttemptCount, r.RawText)
}
