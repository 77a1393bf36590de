package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	mpkg "github.com/local/convertqueue/internal/metrics"
	"github.com/local/convertqueue/internal/queue"
	"github.com/local/convertqueue/internal/tools"
	"github.com/rs/zerolog/log"
)

// Queue is the subset of the job queue a worker needs.
type Queue interface {
	Claim(ctx context.Context, consumer string, block time.Duration) (*queue.Lease, error)
	Extend(ctx context.Context, l *queue.Lease) error
	Complete(ctx context.Context, l *queue.Lease, output string) error
	Fail(ctx context.Context, l *queue.Lease, reason, kind string) error
}

// Storage is the subset of the storage layout a worker needs.
type Storage interface {
	InputPath(ref string) (string, error)
	NewWorkDir(base string) (string, error)
	Finalize(ctx context.Context, localPath string) (string, error)
	SweepWorkDirs(maxAge time.Duration) (int, error)
}

// PageCounter reports the number of pages in a PDF.
type PageCounter interface {
	PageCount(ctx context.Context, path string) (int, error)
}

type depthReporter interface {
	Depths(ctx context.Context) (int64, int64, error)
}

type Config struct {
	Concurrency      int
	Block            time.Duration
	Heartbeat        time.Duration
	OperationTimeout time.Duration
	OrphanMaxAge     time.Duration
	SweepInterval    time.Duration
	ConsumerName     string
}

// Worker is a pool of claim loops executing conversion jobs.
type Worker struct {
	cfg      Config
	q        Queue
	store    Storage
	registry *tools.Registry
	pages    PageCounter

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, q Queue, store Storage, registry *tools.Registry, pages PageCounter) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 20 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Minute
	}
	if cfg.OrphanMaxAge <= 0 {
		cfg.OrphanMaxAge = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.ConsumerName == "" {
		host, _ := os.Hostname()
		cfg.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Worker{cfg: cfg, q: q, store: store, registry: registry, pages: pages, stop: make(chan struct{})}
}

// Start sweeps orphaned work dirs and launches the claim loops.
func (w *Worker) Start() {
	w.sweep()
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	w.wg.Add(1)
	go w.housekeeping()
}

// Stop signals the loops and waits for in-flight jobs or ctx expiry.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(id int) {
	defer w.wg.Done()
	consumer := fmt.Sprintf("%s-%d", w.cfg.ConsumerName, id)
	log.Info().Int("worker", id).Str("consumer", consumer).Msg("Dispatcher worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Int("worker", id).Msg("Dispatcher worker stopped")
			return
		default:
		}

		lease, err := w.q.Claim(context.Background(), consumer, w.cfg.Block)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("Queue claim error")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if lease == nil {
			continue
		}
		w.handle(lease)
	}
}

// handle executes a leased job and records its terminal state.
func (w *Worker) handle(lease *queue.Lease) {
	mpkg.WorkerBusy()
	defer mpkg.WorkerIdle()

	job := lease.Job
	if lease.Reclaimed {
		mpkg.IncReclaimed()
		log.Warn().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("Reclaimed job from expired lease")
	}
	log.Info().Str("job_id", job.ID).Str("tool", job.Tool).Int("attempt", job.Attempts).Msg("Processing job")

	ctx := context.Background()
	stopBeat := w.heartbeat(lease)
	start := time.Now()
	output, err := w.safeExecute(ctx, job)
	stopBeat()

	if err != nil {
		kind := classifyFailure(err)
		mpkg.IncFinished(job.Tool, "failed")
		mpkg.IncFailure(kind)
		log.Error().Err(err).Str("job_id", job.ID).Str("tool", job.Tool).Str("kind", kind).
			Dur("duration", time.Since(start)).Msg("Job failed")
		if ferr := w.q.Fail(ctx, lease, err.Error(), kind); ferr != nil {
			w.logFinishError(ferr, job.ID, "Failed to record job failure")
		}
		return
	}

	mpkg.IncFinished(job.Tool, "completed")
	log.Info().Str("job_id", job.ID).Str("tool", job.Tool).Str("output", output).
		Dur("duration", time.Since(start)).Msg("Job completed")
	if cerr := w.q.Complete(ctx, lease, output); cerr != nil {
		w.logFinishError(cerr, job.ID, "Failed to record job completion")
	}
}

func (w *Worker) logFinishError(err error, jobID, msg string) {
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn().Str("job_id", jobID).Msg("Lease lost; dropping result")
		return
	}
	log.Error().Err(err).Str("job_id", jobID).Msg(msg)
}

func (w *Worker) safeExecute(ctx context.Context, job queue.Job) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered panic in operation")
			output, err = "", &PanicError{Value: r}
		}
	}()
	return w.Execute(ctx, job)
}

// heartbeat extends the lease until the returned func is called.
func (w *Worker) heartbeat(lease *queue.Lease) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(w.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := w.q.Extend(ctx, lease)
				cancel()
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Warn().Str("job_id", lease.Job.ID).Str("consumer", lease.Consumer).Msg("Lease lost; stopping heartbeat")
					return
				}
				if err != nil {
					log.Warn().Err(err).Str("job_id", lease.Job.ID).Msg("Lease heartbeat failed")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w *Worker) housekeeping() {
	defer w.wg.Done()
	sweepTicker := time.NewTicker(w.cfg.SweepInterval)
	defer sweepTicker.Stop()
	depthTicker := time.NewTicker(15 * time.Second)
	defer depthTicker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-sweepTicker.C:
			w.sweep()
		case <-depthTicker.C:
			w.reportDepths()
		}
	}
}

func (w *Worker) sweep() {
	maxAge := w.sweepAge()
	n, err := w.store.SweepWorkDirs(maxAge)
	if err != nil {
		log.Warn().Err(err).Msg("Work dir sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("removed", n).Dur("max_age", maxAge).Msg("Removed orphaned work dirs")
	}
}

// sweepAge is how old a work dir must be before it counts as orphaned.
// Running jobs may not touch their dir, so the age never drops below what
// one job can take: page counting plus a primary and a fallback step.
func (w *Worker) sweepAge() time.Duration {
	longest := w.cfg.OperationTimeout
	if w.registry != nil {
		for _, name := range w.registry.Names() {
			if t, ok := w.registry.Lookup(name); ok && t.Timeout > longest {
				longest = t.Timeout
			}
		}
	}
	if busy := 3 * longest; busy > w.cfg.OrphanMaxAge {
		return busy
	}
	return w.cfg.OrphanMaxAge
}

func (w *Worker) reportDepths() {
	d, ok := w.q.(depthReporter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	length, pending, err := d.Depths(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Queue depth read failed")
		return
	}
	mpkg.SetQueueDepth("stream", length)
	mpkg.SetQueueDepth("pending", pending)
}
