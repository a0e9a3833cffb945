// Processor is one of the core entities of tunelift. It drives approved
// requests through the download pipeline.
//
// The processor runs a fixed number of workers that pop request ids from
// the shared download queue. Each worker runs the full pipeline for its
// request: refine the query (best-effort), fetch the audio into a unique
// temp workdir, validate it really is audio and organize it into the
// library. Results are reported back through the state machine with a
// bounded number of retries, so a flaky store never loses a finished
// download silently.
//
// A per-id in-flight set guarantees that no two workers ever process the
// same request concurrently, even when a stray duplicate enqueue slips
// through; the worker-start transition's compare-and-set is the second
// line of defense. A filesystem lock extends the guarantee across
// accidentally started duplicate daemons.
//
// On startup, any request still marked downloading is a leftover from an
// interrupted previous run and is reconciled to failed so it never sits
// stuck forever.
package processor

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"tunelift/dispatcher"
	"tunelift/fetcher"
	perrors "tunelift/processor/errors"
	"tunelift/processor/mimetype"
	"tunelift/refiner"
	"tunelift/request"
	"tunelift/stats"
	"tunelift/storage"
	"tunelift/tagger"

	"github.com/gofrs/flock"
)

const (
	backoffDuration  = 1 * time.Second
	reportRetries    = 3
	reportRetryDelay = 500 * time.Millisecond

	// interruptedReason is recorded on requests found mid-download with
	// no worker attached (crash recovery) or stopped by shutdown.
	interruptedReason = "interrupted"

	//Metric Identifiers
	statsWorkers    = "workers"    //Gauge
	statsCompleted  = "completed"  //Counter
	statsFailures   = "failures"   //Counter
	statsDuplicates = "duplicates" //Counter
	statsReconciled = "reconciled" //Counter
)

// Processor executes the download pipeline for approved requests.
type Processor struct {
	Storage    *storage.Storage
	Dispatcher *dispatcher.Dispatcher

	Refiner refiner.Refiner
	Fetcher fetcher.Fetcher
	Tagger  tagger.Tagger

	// Validator guards the library against non-audio fetch results.
	// Optional; nil disables validation.
	Validator *mimetype.Validator

	// Workers is the number of concurrent pipeline executions.
	Workers int

	// RefineTimeout bounds the best-effort refinement call.
	RefineTimeout time.Duration

	Log *log.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	stats *stats.Stats
	lock  *flock.Flock

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New initializes and returns a Processor. If lockFile is non-empty the
// processor lock is acquired here, so a second daemon fails fast instead
// of racing downloads with the first.
func New(s *storage.Storage, d *dispatcher.Dispatcher, ref refiner.Refiner, f fetcher.Fetcher,
	t tagger.Tagger, workers int, lockFile string, logger *log.Logger) (*Processor, error) {

	if workers <= 0 {
		return nil, errors.New("worker count must be positive")
	}

	var lock *flock.Flock
	if lockFile != "" {
		lock = flock.New(lockFile)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("Error acquiring processor lock: %s", err)
		}
		if !locked {
			return nil, fmt.Errorf("Another processor instance holds %s", lockFile)
		}
	}

	return &Processor{
		Storage:       s,
		Dispatcher:    d,
		Refiner:       ref,
		Fetcher:       f,
		Tagger:        t,
		Workers:       workers,
		RefineTimeout: refiner.DefaultTimeout,
		StatsIntvl:    5 * time.Second,
		Log:           logger,
		lock:          lock,
		inflight:      make(map[string]struct{}),
		stats:         stats.New("Processor", time.Second, func(m *expvar.Map) {}),
	}, nil
}

// Start starts p: it reconciles interrupted downloads, spawns the workers
// and blocks until a value is received on closeCh. In-flight pipelines are
// allowed to wind down before Start signals completion back on closeCh.
func (p *Processor) Start(closeCh chan struct{}) {
	p.Log.Println("Starting...")
	p.reconcileInterrupted()

	ctx, cancel := context.WithCancel(context.TODO())

	p.stats = stats.New("Processor", p.StatsIntvl,
		func(m *expvar.Map) {
			err := p.Storage.SetStats("processor", m.String(), 2*p.StatsIntvl)
			if err != nil {
				p.Log.Println("Could not report stats", err)
			}
		})
	go p.stats.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}

	<-closeCh
	p.Log.Println("Shutting down...")
	cancel()
	wg.Wait()

	if p.lock != nil {
		if err := p.lock.Unlock(); err != nil {
			p.Log.Println("Error releasing processor lock:", err)
		}
	}

	p.Log.Println("Bye!")
	closeCh <- struct{}{}
}

// work is the worker loop: pop, guard, perform.
func (p *Processor) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			id, err := p.Storage.PopDownload()
			if err != nil {
				switch err {
				case storage.ErrEmptyQueue, storage.ErrRetryLater:
					// noop
				default:
					p.Log.Println("Error popping download:", err)
				}
				time.Sleep(backoffDuration)
				continue
			}

			if !p.acquire(id) {
				// Another worker already owns this id; the duplicate
				// enqueue is dropped, not raced.
				p.Log.Printf("Dropping duplicate enqueue for request %s", id)
				p.stats.Add(statsDuplicates, 1)
				continue
			}
			p.perform(ctx, id)
			p.release(id)
		}
	}
}

// acquire marks id as in-flight, returning false if it already is.
func (p *Processor) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Processor) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// perform drives one request through worker-start, the pipeline and the
// final worker report.
func (p *Processor) perform(ctx context.Context, id string) {
	req, err := p.Storage.GetRequest(id)
	if err != nil {
		p.Log.Printf("perform: Error fetching request %s: %s", id, err)
		return
	}

	req, err = p.Dispatcher.Apply(&req, request.WorkerStart{})
	if err != nil {
		// Not approved (anymore): a duplicate enqueue whose first copy
		// already started, or a request mutated since enqueueing.
		p.Log.Printf("perform: Not starting %s: %s", req, err)
		return
	}

	p.stats.Add(statsWorkers, 1)
	defer p.stats.Add(statsWorkers, -1)
	p.Log.Printf("Performing %s...", req)

	res, perr := p.pipeline(ctx, &req)
	if perr != nil {
		p.stats.Add(statsFailures, 1)
		p.Log.Printf("perform: %s: %s", req, perr)

		reason := perr.Error()
		internal := perr.IsInternal()
		if ctx.Err() != nil {
			// Shutdown took the pipeline down, not the request.
			reason = interruptedReason
			internal = true
		}
		p.report(&req, request.WorkerFailure{Reason: reason, Internal: internal})
		return
	}

	p.stats.Add(statsCompleted, 1)
	p.report(&req, request.WorkerSuccess{
		Path:     res.FinalPath,
		RawTitle: res.RawTitle,
		Duration: res.Duration,
	})
	p.Log.Printf("Completed %s -> %s", req, res.FinalPath)
}

// pipelineResult is what a fully successful pipeline run produces.
type pipelineResult struct {
	FinalPath string
	RawTitle  string
	Duration  int
}

// pipeline runs refine -> fetch -> validate -> organize for req. The
// fetch workdir is always cleaned up before returning; on success the
// organized file has already been moved out of it.
func (p *Processor) pipeline(ctx context.Context, req *request.Request) (pipelineResult, perrors.PipelineError) {
	p.refine(ctx, req)

	res, err := p.Fetcher.Fetch(ctx, req.Query())
	if err != nil {
		return pipelineResult{}, perrors.E(perrors.PhaseFetch, err)
	}
	defer os.RemoveAll(res.Workdir)

	if p.Validator != nil {
		if err := p.Validator.CheckFile(res.Path); err != nil {
			return pipelineResult{}, perrors.E(perrors.PhaseValidate, err)
		}
	}

	finalPath, err := p.Tagger.Organize(res.Path, tagger.Metadata{
		Artist: req.Artist,
		Album:  req.Album,
		Song:   req.Song,
	})
	if err != nil {
		return pipelineResult{}, perrors.E(perrors.PhaseOrganize, err)
	}

	return pipelineResult{
		FinalPath: finalPath,
		RawTitle:  res.RawTitle,
		Duration:  res.Duration,
	}, nil
}

// refine obtains the refined query and metadata for req if it does not
// have them yet. Strictly best-effort: any failure falls back to the raw
// text and is only logged. The refined query is persisted set-once, so a
// retried request keeps the query of its first attempt.
func (p *Processor) refine(ctx context.Context, req *request.Request) {
	if req.RefinedQuery != "" {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, p.RefineTimeout)
	ref, err := p.Refiner.Refine(rctx, req.RawText)
	cancel()
	if err != nil {
		p.Log.Printf("Refiner failed for %s, using raw text: %s", req, err)
		ref = refiner.Fallback(req.RawText)
	}

	if err := p.Storage.SetRefinement(req.ID, ref.Query, ref.Artist, ref.Song, ref.Album); err != nil {
		p.Log.Printf("Error persisting refinement for %s: %s", req, err)
	}

	req.RefinedQuery = ref.Query
	if req.Artist == "" {
		req.Artist = ref.Artist
	}
	if req.Song == "" {
		req.Song = ref.Song
	}
	if req.Album == "" {
		req.Album = ref.Album
	}
}

// report feeds a worker event to the state machine, retrying a bounded
// number of times on store errors so a transient outage does not lose the
// result. Illegal transitions and vanished requests are not retried.
func (p *Processor) report(req *request.Request, ev request.Event) {
	var err error
	for i := 0; i < reportRetries; i++ {
		_, err = p.Dispatcher.Apply(req, ev)
		if err == nil {
			return
		}
		if errors.Is(err, request.ErrIllegalTransition) || errors.Is(err, storage.ErrNotFound) {
			p.Log.Printf("report: Dropping %s for %s: %s", ev.Name(), req, err)
			return
		}
		time.Sleep(reportRetryDelay)
	}
	p.Log.Printf("report: Giving up on %s for %s after %d attempts: %s",
		ev.Name(), req, reportRetries, err)
}

// reconcileInterrupted transitions every request found downloading with no
// active worker to failed, so a crash mid-download never leaves a request
// stuck. It runs before any worker starts, hence everything downloading is
// known to be ownerless.
func (p *Processor) reconcileInterrupted() {
	var count int

	err := p.Storage.ScanRequests(func(req request.Request) bool {
		if req.State != request.StateDownloading {
			return true
		}
		_, err := p.Dispatcher.Apply(&req, request.WorkerFailure{
			Reason:   interruptedReason,
			Internal: true,
		})
		if err != nil {
			p.Log.Printf("Error reconciling %s: %s", req, err)
			return true
		}
		count++
		return true
	})
	if err != nil {
		p.Log.Println("Error scanning for interrupted downloads:", err)
	}

	if count > 0 {
		p.stats.Add(statsReconciled, int64(count))
		p.Log.Printf("Reconciled %d interrupted downloads", count)
	}
}
