package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextLegalTransitions(t *testing.T) {
	tc := []struct {
		name    string
		current State
		ev      Event
		state   State
		instrs  []Instruction
	}{
		{"approve pending", StatePending, Approve{}, StateApproved,
			[]Instruction{InstrEnqueueDownload, InstrNotifyApproved}},
		{"reject pending", StatePending, Reject{}, StateRejected,
			[]Instruction{InstrNotifyRejected}},
		{"worker picks up approved", StateApproved, WorkerStart{}, StateDownloading,
			[]Instruction{InstrNotifyDownloading}},
		{"download succeeds", StateDownloading, WorkerSuccess{Path: "/lib/a.mp3"}, StateCompleted,
			[]Instruction{InstrNotifyCompleted}},
		{"download fails", StateDownloading, WorkerFailure{Reason: "boom"}, StateFailed,
			[]Instruction{InstrNotifyFailed}},
		{"retry failed", StateFailed, Retry{}, StateApproved,
			[]Instruction{InstrEnqueueDownload, InstrNotifyRetrying}},
	}

	for _, c := range tc {
		t.Run(c.name, func(t *testing.T) {
			out, err := Next(c.current, c.ev, 0, 3)
			require.NoError(t, err)
			assert.Equal(t, c.state, out.State)
			assert.Equal(t, c.instrs, out.Instructions)
		})
	}
}

func TestNextIllegalTransitions(t *testing.T) {
	states := []State{StatePending, StateApproved, StateRejected,
		StateDownloading, StateCompleted, StateFailed}
	events := []Event{Approve{}, Reject{}, WorkerStart{},
		WorkerSuccess{}, WorkerFailure{}, Retry{}}

	legal := map[string]bool{
		"pending/approve":            true,
		"pending/reject":             true,
		"approved/worker-start":      true,
		"downloading/worker-success": true,
		"downloading/worker-failure": true,
		"failed/retry":               true,
	}

	// Next must be total: every other (state, event) pair is rejected.
	for _, st := range states {
		for _, ev := range events {
			key := string(st) + "/" + ev.Name()
			_, err := Next(st, ev, 0, 3)
			if legal[key] {
				assert.NoError(t, err, key)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition, key)
			}
		}
	}
}

func TestNextSuccessFields(t *testing.T) {
	out, err := Next(StateDownloading, WorkerSuccess{
		Path:     "/library/Adele/25/Hello.mp3",
		RawTitle: "Adele - Hello (Official)",
		Duration: 295,
	}, 0, 3)
	require.NoError(t, err)

	assert.Equal(t, "/library/Adele/25/Hello.mp3", out.Fields["FinalPath"])
	assert.Equal(t, "Adele - Hello (Official)", out.Fields["RawTitle"])
	assert.Equal(t, 295, out.Fields["Duration"])
	assert.Equal(t, "", out.Fields["LastError"], "a success clears the previous error")
	assert.False(t, out.BumpAttempts)
}

func TestNextFailureBumpsAttempts(t *testing.T) {
	out, err := Next(StateDownloading, WorkerFailure{Reason: "no results"}, 0, 3)
	require.NoError(t, err)
	assert.True(t, out.BumpAttempts)
	assert.Equal(t, "no results", out.Fields["LastError"])

	// Internal failures are not the request's fault.
	out, err = Next(StateDownloading, WorkerFailure{Reason: "interrupted", Internal: true}, 0, 3)
	require.NoError(t, err)
	assert.False(t, out.BumpAttempts)
}

func TestNextRetryExhausted(t *testing.T) {
	out, err := Next(StateFailed, Retry{}, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.False(t, out.Changed(StateFailed))
	assert.Equal(t, []Instruction{InstrNotifyRetryExhausted}, out.Instructions)

	// One attempt left.
	out, err = Next(StateFailed, Retry{}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, out.State)
	assert.True(t, out.Changed(StateFailed))
}
