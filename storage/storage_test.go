package storage

import (
	"log"
	"testing"
	"time"

	"tunelift/request"

	"github.com/go-redis/redis"
)

var store *Storage

func init() {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	err := client.FlushDB().Err()
	if err != nil {
		log.Fatal(err)
	}

	store, err = New(client)
	if err != nil {
		log.Fatal(err)
	}
}

func testRequest(id string) *request.Request {
	now := time.Now().Truncate(time.Millisecond)
	return &request.Request{
		ID:          id,
		RequesterID: "U123",
		RawText:     "play hello by adele",
		State:       request.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	req := testRequest("create-get")
	if err := store.CreateRequest(req); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != req.ID || got.RawText != req.RawText || got.State != request.StatePending {
		t.Errorf("Stored and fetched requests do not match: %+v vs %+v", req, got)
	}
	if !got.CreatedAt.Equal(req.CreatedAt) {
		t.Errorf("Expected CreatedAt %s, got %s", req.CreatedAt, got.CreatedAt)
	}
}

func TestCreateDuplicate(t *testing.T) {
	req := testRequest("duplicate")
	if err := store.CreateRequest(req); err != nil {
		t.Fatal(err)
	}

	err := store.CreateRequest(req)
	if err != ErrDuplicateID {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	_, err := store.GetRequest("no-such-id")
	if err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestApplyTransition(t *testing.T) {
	req := testRequest("transition")
	if err := store.CreateRequest(req); err != nil {
		t.Fatal(err)
	}

	err := store.ApplyTransition(req.ID, request.StatePending, request.StateApproved, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != request.StateApproved {
		t.Errorf("Expected state approved, got %s", got.State)
	}
	if !got.UpdatedAt.After(req.UpdatedAt) {
		t.Error("Expected UpdatedAt to be refreshed")
	}
}

func TestApplyTransitionConflict(t *testing.T) {
	req := testRequest("conflict")
	if err := store.CreateRequest(req); err != nil {
		t.Fatal(err)
	}

	// Two events race against the same prior state; only one can win.
	err := store.ApplyTransition(req.ID, request.StatePending, request.StateApproved, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	err = store.ApplyTransition(req.ID, request.StatePending, request.StateRejected, nil, false)
	if err != ErrStateConflict {
		t.Errorf("Expected ErrStateConflict, got %v", err)
	}

	got, err := store.GetRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != request.StateApproved {
		t.Errorf("Expected the winning state to survive, got %s", got.State)
	}
}

func TestApplyTransitionNotFound(t *testing.T) {
	err := store.ApplyTransition("ghost", request.StatePending, request.StateApproved, nil, false)
	if err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestApplyTransitionBumpsAttempts(t *testing.T) {
	req := testRequest("attempts")
	req.State = request.StateDownloading
	if err := store.CreateRequest(req); err != nil {
		t.Fatal(err)
	}

	fields := map[string]interface{}{"LastError": "no results"}
	err := store.ApplyTransition(req.ID, request.StateDownloading, request.StateFailed, fields, true)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected 1 failed attempt, got %d", got.AttemptCount)
	}
	if got.LastError != "no results" {
		t.Errorf("Expected failure reason to be stored, got %q", got.LastError)
	}
}

func TestSetRefinementIsSetOnce(t *testing.T) {
	req := testRequest("refinement")
	if err := store.CreateRequest(req); err != nil {
		t.Fatal(err)
	}

	err := store.SetRefinement(req.ID, "Adele Hello", "Adele", "Hello", "25")
	if err != nil {
		t.Fatal(err)
	}

	// A second refinement, eg. on retry, must not clobber the first.
	err = store.SetRefinement(req.ID, "something else", "Other", "Other", "Other")
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RefinedQuery != "Adele Hello" || got.Artist != "Adele" {
		t.Errorf("Expected the first refinement to survive, got %+v", got)
	}
}

func TestDownloadQueue(t *testing.T) {
	if err := store.QueueDownload("queued-now", 0); err != nil {
		t.Fatal(err)
	}

	id, err := store.PopDownload()
	if err != nil {
		t.Fatal(err)
	}
	if id != "queued-now" {
		t.Errorf("Expected to pop queued-now, got %s", id)
	}

	_, err = store.PopDownload()
	if err != ErrEmptyQueue {
		t.Errorf("Expected ErrEmptyQueue, got %v", err)
	}
}

func TestDownloadQueueDelay(t *testing.T) {
	if err := store.QueueDownload("queued-later", time.Hour); err != nil {
		t.Fatal(err)
	}
	defer store.Redis.ZRem(DownloadQueue, "queued-later")

	_, err := store.PopDownload()
	if err != ErrRetryLater {
		t.Errorf("Expected ErrRetryLater, got %v", err)
	}
}

func TestStatusQueue(t *testing.T) {
	req := testRequest("status-q")
	u := request.NewStatusChange(req, "some detail")

	if err := store.QueueStatusUpdate(u, 0); err != nil {
		t.Fatal(err)
	}

	got, err := store.PopStatusUpdate()
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != req.ID || got.Detail != "some detail" {
		t.Errorf("Popped update does not match: %+v", got)
	}
}

func TestRequestsInState(t *testing.T) {
	req := testRequest("in-state")
	req.State = request.StateDownloading
	if err := store.CreateRequest(req); err != nil {
		t.Fatal(err)
	}

	reqs, err := store.RequestsInState(request.StateDownloading)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, r := range reqs {
		if r.ID == req.ID {
			found = true
		}
		if r.State != request.StateDownloading {
			t.Errorf("Expected only downloading requests, got %s", r.State)
		}
	}
	if !found {
		t.Error("Expected to find the downloading request")
	}
}

func TestStats(t *testing.T) {
	if err := store.SetStats("processor", `{"workers": 2}`, time.Minute); err != nil {
		t.Fatal(err)
	}

	val, err := store.GetStats("processor")
	if err != nil {
		t.Fatal(err)
	}
	if val != `{"workers": 2}` {
		t.Errorf("Unexpected stats value %q", val)
	}
}
