// Notifier consumes status updates off the shared queue and delivers them
// to the messaging gateway through a configurable backend (HTTP, Kafka or
// SQS). Failed deliveries are re-queued a bounded number of times and then
// dropped with a log line; a dead gateway must never wedge the queue.
package notifier

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"sync"
	"time"

	"tunelift/backend"
	httpbackend "tunelift/backend/http_backend"
	kafkabackend "tunelift/backend/kafka_backend"
	sqsbackend "tunelift/backend/sqs_backend"
	"tunelift/request"
	"tunelift/stats"
	"tunelift/storage"
)

const (
	// maxDeliveryRetries is the number of times a failed delivery is
	// re-queued before it is dropped.
	maxDeliveryRetries = 2

	// retryDelay is how long a re-queued update stays invisible.
	retryDelay = 10 * time.Second

	//Metric Identifiers
	statsDelivered = "delivered" //Counter
	statsFailed    = "failed"    //Counter
	statsDropped   = "dropped"   //Counter
)

// Notifier is the component responsible for consuming status updates and
// delivering them to the messaging gateway.
type Notifier struct {
	Storage *storage.Storage

	// Interval between each stats flush
	StatsIntvl time.Duration

	Log *log.Logger

	concurrency int
	backend     backend.Backend
	destination string
	cfg         map[string]interface{}

	stats  *stats.Stats
	upChan chan request.StatusUpdate
}

// New returns a Notifier that delivers updates to destination through the
// backend identified by backendID, initialized with backendCfg.
func New(s *storage.Storage, concurrency int, backendID, destination string,
	backendCfg map[string]interface{}, logger *log.Logger) (*Notifier, error) {

	if concurrency <= 0 {
		return nil, errors.New("concurrency must be a positive number")
	}

	var b backend.Backend
	switch backendID {
	case "http":
		b = new(httpbackend.Backend)
	case "kafka":
		b = new(kafkabackend.Backend)
	case "sqs":
		b = new(sqsbackend.Backend)
	default:
		return nil, fmt.Errorf("Invalid notifier backend %q", backendID)
	}

	return &Notifier{
		Storage:     s,
		StatsIntvl:  5 * time.Second,
		Log:         logger,
		concurrency: concurrency,
		backend:     b,
		destination: destination,
		cfg:         backendCfg,
		upChan:      make(chan request.StatusUpdate),
	}, nil
}

// Start starts the Notifier loop and instruments the worker goroutines
// that perform the actual deliveries. It blocks until a value is received
// on closeCh and signals back when everything has wound down.
func (n *Notifier) Start(closeCh chan struct{}) error {
	n.Log.Println("Starting...")

	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()

	err := n.backend.Start(ctx, n.cfg)
	if err != nil {
		return fmt.Errorf("Could not start %s backend: %s", n.backend.ID(), err)
	}

	n.stats = stats.New("Notifier", n.StatsIntvl,
		func(m *expvar.Map) {
			err := n.Storage.SetStats("notifier", m.String(), 2*n.StatsIntvl)
			if err != nil {
				n.Log.Println("Could not report stats", err)
			}
		})
	go n.stats.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(n.concurrency)
	for i := 0; i < n.concurrency; i++ {
		go func() {
			defer wg.Done()
			for u := range n.upChan {
				n.deliver(u)
			}
		}()
	}

	// Drain delivery reports of async backends; a failed report gets the
	// same retry treatment as a synchronous delivery failure.
	reportsDone := make(chan struct{})
	go func() {
		defer close(reportsDone)
		for u := range n.backend.DeliveryReports() {
			if u.Delivered {
				n.stats.Add(statsDelivered, 1)
				continue
			}
			n.retryOrDrop(u, u.DeliveryError)
		}
	}()

	for {
		select {
		case <-closeCh:
			close(n.upChan)
			wg.Wait()
			err := n.backend.Stop()
			if err != nil {
				n.Log.Println("Error stopping backend:", err)
			}
			<-reportsDone
			n.Log.Println("Bye!")
			closeCh <- struct{}{}
			return nil
		default:
			u, err := n.Storage.PopStatusUpdate()
			if err != nil {
				switch err {
				case storage.ErrEmptyQueue, storage.ErrRetryLater:
					time.Sleep(time.Second)
				default:
					n.Log.Println("Error popping status update:", err)
				}
				continue
			}
			n.upChan <- u
		}
	}
}

// deliver hands u to the backend. Synchronous failures are retried or
// dropped here; asynchronous outcomes arrive through DeliveryReports.
func (n *Notifier) deliver(u request.StatusUpdate) {
	u.Attempts++

	err := n.backend.Notify(n.destination, u)
	if err != nil {
		n.retryOrDrop(u, err.Error())
	}
}

// retryOrDrop re-queues u unless its delivery attempts are exhausted, in
// which case the update is dropped for good.
func (n *Notifier) retryOrDrop(u request.StatusUpdate, reason string) {
	n.stats.Add(statsFailed, 1)

	if u.Attempts > maxDeliveryRetries {
		n.stats.Add(statsDropped, 1)
		n.Log.Printf("Dropping update %s for request %s after %d attempts: %s",
			u.ID, u.RequestID, u.Attempts, reason)
		return
	}

	n.Log.Printf("Delivery of update %s failed (attempt %d): %s",
		u.ID, u.Attempts, reason)
	err := n.Storage.QueueStatusUpdate(&u, retryDelay)
	if err != nil {
		n.Log.Printf("Error re-queueing update %s: %s", u.ID, err)
	}
}
