package notifier

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tunelift/request"
	"tunelift/storage"

	"github.com/go-redis/redis"
)

var store *storage.Storage

func init() {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	err := client.FlushDB().Err()
	if err != nil {
		log.Fatal(err)
	}

	store, err = storage.New(client)
	if err != nil {
		log.Fatal(err)
	}
}

func testNotifier(t *testing.T, destination string) *Notifier {
	t.Helper()
	n, err := New(store, 2, "http", destination,
		map[string]interface{}{"timeout": 2},
		log.New(ioutil.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func unmarshalUpdate(s string, u *request.StatusUpdate) error {
	return json.Unmarshal([]byte(s), u)
}

func TestNewRejectsBadArgs(t *testing.T) {
	logger := log.New(ioutil.Discard, "", 0)

	_, err := New(store, 0, "http", "http://x", nil, logger)
	if err == nil {
		t.Error("Expected an error for zero concurrency")
	}

	_, err = New(store, 1, "carrier-pigeon", "coop", nil, logger)
	if err == nil {
		t.Error("Expected an error for an unknown backend")
	}
}

func TestDeliverStatusUpdate(t *testing.T) {
	var delivered int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
	}))
	defer gw.Close()

	req := &request.Request{ID: "notify-ok", State: request.StateCompleted}
	if err := store.QueueStatusUpdate(request.NewStatusChange(req, "done"), 0); err != nil {
		t.Fatal(err)
	}

	n := testNotifier(t, gw.URL)
	closeCh := make(chan struct{})
	go n.Start(closeCh)

	deadline := time.After(5 * time.Second)
	for atomic.LoadInt32(&delivered) == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the delivery")
		case <-time.After(50 * time.Millisecond):
		}
	}

	closeCh <- struct{}{}
	<-closeCh
}

func TestFailedDeliveryIsRequeued(t *testing.T) {
	if err := store.Redis.Del(storage.StatusQueue).Err(); err != nil {
		t.Fatal(err)
	}

	req := &request.Request{ID: "notify-fail", State: request.StateFailed}
	if err := store.QueueStatusUpdate(request.NewStatusChange(req, "boom"), 0); err != nil {
		t.Fatal(err)
	}

	n := testNotifier(t, "http://localhost:1/unreachable")
	closeCh := make(chan struct{})
	go n.Start(closeCh)

	// The failed delivery must land back on the queue, scheduled in the
	// future, with its attempt counter bumped.
	var requeued request.StatusUpdate
	deadline := time.After(5 * time.Second)
	for {
		entries, err := store.Redis.ZRangeWithScores(storage.StatusQueue, 0, -1).Result()
		if err != nil {
			t.Fatal(err)
		}
		// Ignore the original entry while it still awaits its pop: the
		// re-queued one is scheduled in the future.
		if len(entries) == 1 && entries[0].Score > float64(time.Now().Unix()) {
			if err := unmarshalUpdate(entries[0].Member.(string), &requeued); err != nil {
				t.Fatal(err)
			}
			break
		}

		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the re-queue")
		case <-time.After(50 * time.Millisecond):
		}
	}

	closeCh <- struct{}{}
	<-closeCh

	if requeued.RequestID != "notify-fail" {
		t.Errorf("Unexpected re-queued update %+v", requeued)
	}
	if requeued.Attempts != 1 {
		t.Errorf("Expected 1 delivery attempt, got %d", requeued.Attempts)
	}
}
