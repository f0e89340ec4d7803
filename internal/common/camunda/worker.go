package camunda

import (
	"context"
	"sync"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"segmentation-workers/internal/common/config"
	"segmentation-workers/internal/common/logger"
)

// JobRecorder receives one observation per handled job.
type JobRecorder interface {
	RecordJobProcessed(ctx context.Context, taskType, status string)
	RecordJobDuration(ctx context.Context, taskType string, duration time.Duration)
}

// Workers opens job workers and closes them together on shutdown.
type Workers struct {
	client   zbc.Client
	logger   logger.Logger
	recorder JobRecorder

	mu      sync.Mutex
	workers map[string]worker.JobWorker
}

func NewWorkers(client zbc.Client, log logger.Logger) *Workers {
	return &Workers{client: client, logger: log, workers: make(map[string]worker.JobWorker)}
}

// WithRecorder makes every worker started afterwards report to rec.
func (w *Workers) WithRecorder(rec JobRecorder) *Workers {
	w.recorder = rec
	return w
}

// Start opens a worker for taskType unless it is disabled in wcfg.
func (w *Workers) Start(taskType string, wcfg config.WorkerConfig, handler worker.JobHandler) bool {
	if !wcfg.Enabled {
		w.logger.Info("worker disabled", map[string]interface{}{"taskType": taskType})
		return false
	}

	jw := w.client.NewJobWorker().
		JobType(taskType).
		Handler(Instrument(taskType, handler, w.recorder)).
		MaxJobsActive(wcfg.MaxJobsActive).
		Timeout(time.Duration(wcfg.Timeout) * time.Millisecond).
		Name(taskType + "-worker").
		Open()

	w.mu.Lock()
	w.workers[taskType] = jw
	w.mu.Unlock()

	w.logger.Info("worker started", map[string]interface{}{
		"taskType":      taskType,
		"maxJobsActive": wcfg.MaxJobsActive,
		"timeout_ms":    wcfg.Timeout,
	})
	return true
}

// Running is the number of open workers.
func (w *Workers) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.workers)
}

// Close stops polling and waits for in-flight jobs.
func (w *Workers) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for taskType, jw := range w.workers {
		jw.Close()
		jw.AwaitClose()
		w.logger.Info("worker stopped", map[string]interface{}{"taskType": taskType})
		delete(w.workers, taskType)
	}
}

// Instrument wraps handler so that rec sees every job. A nil rec returns
// handler unchanged.
func Instrument(taskType string, handler worker.JobHandler, rec JobRecorder) worker.JobHandler {
	if rec == nil {
		return handler
	}
	return func(client worker.JobClient, job entities.Job) {
		start := time.Now()
		handler(client, job)
		ctx := context.Background()
		rec.RecordJobProcessed(ctx, taskType, "handled")
		rec.RecordJobDuration(ctx, taskType, time.Since(start))
	}
}
