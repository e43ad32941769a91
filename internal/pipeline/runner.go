package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/radcase/radcase/internal/metrics"
	"github.com/radcase/radcase/internal/models"
)

// Output is a file produced by a pipeline.
type Output struct {
	Path     string
	Category models.Category
	// Parent is the input entity the output belongs to, when known.
	Parent string
	Step   string
}

// Executor runs steps over entity ids and reports the files they produced.
type Executor interface {
	Run(ctx context.Context, steps []Step, entityIDs []string) ([]Output, error)
}

// Runner starts pipeline jobs. Each job runs on its own goroutine and never
// touches a patient; results are applied by the caller.
type Runner struct {
	exec   Executor
	logger *slog.Logger
}

// NewRunner creates a runner over exec.
func NewRunner(exec Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{exec: exec, logger: logger}
}

// Job is a running or finished pipeline.
type Job struct {
	desc    Descriptor
	started time.Time

	done    chan struct{}
	mu      sync.RWMutex
	outputs []Output
	err     error
}

// Start launches desc in the background. Canceling ctx stops the executor;
// an invalid descriptor yields a job that is already finished.
func (r *Runner) Start(ctx context.Context, desc Descriptor) *Job {
	j := &Job{desc: desc, started: time.Now(), done: make(chan struct{})}
	if err := desc.Validate(); err != nil {
		j.finish(nil, err)
		return j
	}
	logger := r.logger.With("pipeline", desc.Name)
	logger.Info("pipeline started", "steps", len(desc.Steps), "inputs", len(desc.Inputs))
	metrics.Inc(metrics.PipelineRunsTotal)
	go func() {
		out, err := r.exec.Run(ctx, desc.Steps, desc.Inputs)
		if err != nil {
			logger.Error("pipeline failed", "error", err, "elapsed", time.Since(j.started))
		} else {
			logger.Info("pipeline finished", "outputs", len(out), "elapsed", time.Since(j.started))
		}
		j.finish(out, err)
	}()
	return j
}

func (j *Job) finish(out []Output, err error) {
	j.mu.Lock()
	j.outputs, j.err = out, err
	j.mu.Unlock()
	close(j.done)
}

// Name is the descriptor name.
func (j *Job) Name() string { return j.desc.Name }

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done. Giving up on ctx only
// stops waiting; the job keeps running.
func (j *Job) Wait(ctx context.Context) ([]Output, error) {
	select {
	case <-j.done:
		j.mu.RLock()
		defer j.mu.RUnlock()
		return j.outputs, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
