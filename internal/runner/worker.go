package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ZackBotkin/SimQLe/internal/queue"
)

// Worker drains the run queue with a fixed number of concurrent executors.
type Worker struct {
	queue       queue.Queue
	runner      *Runner
	logger      *slog.Logger
	concurrency int
}

// NewWorker constructs a Worker.
func NewWorker(q queue.Queue, r *Runner, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: q, runner: r, logger: logger, concurrency: concurrency}
}

// Start blocks until ctx is canceled, executing queued runs as they arrive.
func (w *Worker) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	log := w.logger.With("worker", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := w.queue.Pop(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("queue pop failed", "error", err)
			continue
		}
		log.Info("picked up run", "run_id", req.RunID)
		if _, err := w.runner.Execute(ctx, req); err != nil {
			log.Error("run execution errored", "run_id", req.RunID, "error", err)
		}
	}
}
