package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/backoff"
)

const maxWakeupRetry = time.Minute

// Claimer is the lease side of the job store
type Claimer interface {
	ClaimNext(ctx context.Context, req jobs.ClaimRequest) (*jobs.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Complete(ctx context.Context, jobID, workerID string, result jobs.JSON) error
	Fail(ctx context.Context, jobID, workerID, errMsg string) (*jobs.Job, error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Claimer  Claimer
	Handlers *Registry

	// WorkerID prefixes the lease holder id of every goroutine
	WorkerID         string
	Channel          string
	FallbackChannels []string
	Concurrency      int
	LeaseDuration    time.Duration
	JobTimeout       time.Duration
	PollInterval     time.Duration
	// MaxClaimsPerSecond limits claims across the pool; zero means unlimited
	MaxClaimsPerSecond float64
	// WakeupRetry is the first delay before a failed wake-up listener is
	// reopened; it doubles up to a minute
	WakeupRetry time.Duration
}

// Worker runs a pool of goroutines that claim and execute jobs
type Worker struct {
	logger   *slog.Logger
	claimer  Claimer
	handlers *Registry

	workerID      string
	channel       string
	fallback      []string
	concurrency   int
	leaseDuration time.Duration
	jobTimeout    time.Duration
	pollInterval  time.Duration
	limiter       *rate.Limiter

	wakeups     chan struct{}
	wakeupRetry backoff.Strategy
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Claimer == nil {
		return nil, errors.New("worker: claimer is required")
	}
	if cfg.Concurrency <= 0 {
		return nil, errors.New("worker: concurrency must be greater than 0")
	}
	if cfg.LeaseDuration <= 0 {
		return nil, errors.New("worker: lease duration must be greater than 0")
	}
	if cfg.JobTimeout <= 0 || cfg.JobTimeout >= cfg.LeaseDuration {
		return nil, fmt.Errorf("worker: job timeout (%s) must be positive and below the lease (%s)", cfg.JobTimeout, cfg.LeaseDuration)
	}

	handlers := cfg.Handlers
	if handlers == nil {
		handlers = NewRegistry()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "default"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	retry := cfg.WakeupRetry
	if retry <= 0 {
		retry = time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxClaimsPerSecond > 0 {
		burst := int(cfg.MaxClaimsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxClaimsPerSecond), burst)
	}

	return &Worker{
		logger:        cfg.Logger,
		claimer:       cfg.Claimer,
		handlers:      handlers,
		workerID:      workerID,
		channel:       channel,
		fallback:      cfg.FallbackChannels,
		concurrency:   cfg.Concurrency,
		leaseDuration: cfg.LeaseDuration,
		jobTimeout:    cfg.JobTimeout,
		pollInterval:  poll,
		limiter:       limiter,
		wakeups:       make(chan struct{}, cfg.Concurrency),
		wakeupRetry:   backoff.Exponential{Initial: retry, Max: maxWakeupRetry},
	}, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ID returns the worker id prefix
func (w *Worker) ID() string { return w.workerID }

// Channels returns the channels this pool serves, primary first
func (w *Worker) Channels() []string {
	return jobs.ClaimRequest{Channel: w.channel, Fallback: w.fallback}.Channels()
}

// Serves reports whether jobs on channel can be claimed by this pool
func (w *Worker) Serves(channel string) bool {
	for _, c := range w.Channels() {
		if c == channel {
			return true
		}
	}
	return false
}

// Wake nudges one idle goroutine to claim now instead of at the next poll.
// It never blocks; extra wake-ups are dropped.
func (w *Worker) Wake() {
	select {
	case w.wakeups <- struct{}{}:
	default:
	}
}

// Start runs the pool until ctx is canceled. Jobs in flight when ctx ends are
// failed and go back to pending if they have attempts left.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Any("channels", w.Channels()),
		slog.Duration("lease_duration", w.leaseDuration),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("job_types", w.handlers.Types()),
	)

	g, gctx := errgroup.WithContext(ctx)
	w.spawnWorkerPool(gctx, g)

	err := g.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
