package workpool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for worker pools.
var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_workpool_tasks_total",
		Help: "Total tasks run by worker pools by pool and outcome",
	}, []string{"pool", "outcome"})

	busyWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docharvest_workpool_busy_workers",
		Help: "Number of workers currently running a task",
	}, []string{"pool"})
)

// Config holds worker pool configuration
type Config struct {
	// Name labels the pool in logs and metrics
	Name string
	// Workers is the number of concurrent workers
	Workers int
	// BufferSize is the capacity of the result channel
	BufferSize int
}

// DefaultConfig returns one worker per CPU
func DefaultConfig() Config {
	return Config{
		Name:       "default",
		Workers:    runtime.NumCPU(),
		BufferSize: runtime.NumCPU(),
	}
}

// Func processes one task
type Func[T, R any] func(ctx context.Context, task T) (R, error)

// Result is the outcome of one task
type Result[T, R any] struct {
	Task  T
	Value R
	Err   error
}

// Pool runs Func over tasks with a fixed number of workers
type Pool[T, R any] struct {
	fn     Func[T, R]
	config Config
	logger zerolog.Logger
}

// New creates a pool
func New[T, R any](fn Func[T, R], config Config, logger zerolog.Logger) *Pool[T, R] {
	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}

	return &Pool[T, R]{
		fn:     fn,
		config: config,
		logger: logger.With().Str("pool", config.Name).Logger(),
	}
}

// Workers returns the number of workers
func (p *Pool[T, R]) Workers() int {
	return p.config.Workers
}

// Run starts the workers and returns the result channel. The channel is
// closed after every worker has exited.
func (p *Pool[T, R]) Run(ctx context.Context, tasks <-chan T) <-chan Result[T, R] {
	results := make(chan Result[T, R], p.config.BufferSize)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go p.worker(ctx, tasks, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// worker processes tasks from the queue
func (p *Pool[T, R]) worker(ctx context.Context, tasks <-chan T, results chan<- Result[T, R], wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0
	start := time.Now()

	for {
		var task T
		var ok bool
		select {
		case <-ctx.Done():
			p.logger.Debug().
				Int("worker_id", workerID).
				Int("tasks_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		case task, ok = <-tasks:
		}
		if !ok {
			break
		}

		busyWorkers.WithLabelValues(p.config.Name).Inc()
		value, err := p.fn(ctx, task)
		busyWorkers.WithLabelValues(p.config.Name).Dec()

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		tasksTotal.WithLabelValues(p.config.Name, outcome).Inc()

		select {
		case results <- Result[T, R]{Task: task, Value: value, Err: err}:
		case <-ctx.Done():
			p.logger.Debug().
				Int("worker_id", workerID).
				Int("tasks_processed", processed).
				Msg("Worker stopping (context cancelled after task)")
			return
		}
		processed++
	}

	if processed > 0 {
		p.logger.Debug().
			Int("worker_id", workerID).
			Int("tasks_processed", processed).
			Dur("duration", time.Since(start)).
			Msg("Worker completed")
	}
}
