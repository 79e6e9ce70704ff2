// Package scheduler runs the background delivery loop
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	businessflow "github.com/amirphl/vendor-relay/business_flow"
	"github.com/amirphl/vendor-relay/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_outcomes_total",
			Help: "Total number of processed messages by outcome",
		},
		[]string{"outcome"},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_processing_duration_seconds",
			Help:    "Time spent processing one queued message",
			Buckets: prometheus.DefBuckets,
		},
	)

	deliveryBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_dispatch_backlog",
			Help: "Due messages handed to workers and not yet processed",
		},
	)
)

// DeliveryWorker polls for due messages and fans them out to a fixed pool of workers
type DeliveryWorker struct {
	flow   businessflow.DeliveryFlow
	cfg    config.DeliveryConfig
	logger *log.Logger

	jobs chan uint

	mu       sync.Mutex
	inFlight map[uint]struct{}
}

func NewDeliveryWorker(flow businessflow.DeliveryFlow, cfg config.DeliveryConfig, logger *log.Logger) *DeliveryWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	return &DeliveryWorker{
		flow:     flow,
		cfg:      cfg,
		logger:   log.New(logger.Writer(), "delivery ", logger.Flags()),
		jobs:     make(chan uint, cfg.BatchSize),
		inFlight: make(map[uint]struct{}, cfg.BatchSize),
	}
}

// Start launches the dispatcher, the workers and the claim reaper in background
// goroutines and returns a stop function. Stop keeps workers from taking new
// jobs and waits for messages already handed to a provider to finish.
func (w *DeliveryWorker) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup

	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.work(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.every(ctx, w.cfg.PollInterval, w.dispatch)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.every(ctx, w.cfg.ReaperInterval, w.reap)
	}()

	w.logger.Printf("started %d workers (poll=%s batch=%d)", w.cfg.Workers, w.cfg.PollInterval, w.cfg.BatchSize)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			w.logger.Printf("stopped")
		})
	}
}

func (w *DeliveryWorker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// dispatch hands due messages to the pool, skipping ones a worker already holds
func (w *DeliveryWorker) dispatch(ctx context.Context) {
	due, err := w.flow.DueMessages(ctx, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Printf("list due messages failed: %v", err)
		}
		return
	}

	for _, m := range due {
		if !w.acquire(m.ID) {
			continue
		}
		select {
		case w.jobs <- m.ID:
			deliveryBacklog.Inc()
		case <-ctx.Done():
			w.release(m.ID)
			return
		}
	}
}

func (w *DeliveryWorker) acquire(id uint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[id]; ok {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *DeliveryWorker) release(id uint) {
	w.mu.Lock()
	delete(w.inFlight, id)
	w.mu.Unlock()
}

func (w *DeliveryWorker) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.jobs:
			deliveryBacklog.Dec()
			if ctx.Err() != nil {
				// stopping; the message stays queued for the next run
				w.release(id)
				return
			}
			w.process(ctx, id)
			w.release(id)
		}
	}
}

func (w *DeliveryWorker) process(ctx context.Context, id uint) {
	start := time.Now()
	res, err := w.flow.ProcessMessage(ctx, id)
	deliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		deliveryOutcomes.WithLabelValues("error").Inc()
		w.logger.Printf("message %d: %v", id, err)
		return
	}

	outcome := outcomeLabel(res)
	deliveryOutcomes.WithLabelValues(outcome).Inc()
	switch outcome {
	case "failed":
		w.logger.Printf("message %d failed via %s: %s", id, res.Provider, res.Error)
	case "circuit_open":
		w.logger.Printf("message %d deferred, circuit open for %s", id, res.Provider)
	}
}

func outcomeLabel(res *businessflow.ProcessResult) string {
	switch {
	case res.NotFound:
		return "not_found"
	case res.Skipped:
		return "skipped"
	case res.Success:
		return "sent"
	case res.CircuitOpen:
		return "circuit_open"
	case res.Retryable:
		return "retry"
	default:
		return "failed"
	}
}

func (w *DeliveryWorker) reap(ctx context.Context) {
	released, err := w.flow.ReleaseStaleClaims(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Printf("release stale claims failed: %v", err)
		}
		return
	}
	if released > 0 {
		w.logger.Printf("released %d stale claims", released)
	}
}
