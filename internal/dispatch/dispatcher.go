// Package dispatch accepts migration job requests, validates them, and runs
// them on background workers while callers follow progress through the run
// state service.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"assetmigrate/internal/runstate"
)

const (
	// MaxArgs bounds the argument map of one job request.
	MaxArgs = 50
	// MaxArgKeyLen bounds a single argument key.
	MaxArgKeyLen = 128
	// MaxArgLen bounds a single scalar argument value.
	MaxArgLen = 1024
	// MaxCommandLen bounds the command string.
	MaxCommandLen = 128
)

var commandPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*/[a-z][a-z0-9_-]*$`)

// Request describes one migration job. Command is "<namespace>/<action>",
// e.g. "assets/migrate". Args values are scalars or flat arrays of scalars.
type Request struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
	Prefix  string         `json:"prefix,omitempty"`
	DryRun  bool           `json:"dry_run,omitempty"`
	Resume  bool           `json:"resume,omitempty"`
}

// Validate rejects malformed requests before any state is created. A
// rejected request has no side effects: no run record, no job id.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Command,
			validation.Required,
			validation.Length(1, MaxCommandLen),
			validation.Match(commandPattern).Error("must be <namespace>/<action>"),
		),
		validation.Field(&r.Args,
			validation.Length(0, MaxArgs),
			validation.By(validArgs),
		),
		validation.Field(&r.Prefix, validation.Length(0, MaxArgLen)),
	)
}

func validArgs(value interface{}) error {
	args, _ := value.(map[string]any)
	for key, val := range args {
		if key == "" || len(key) > MaxArgKeyLen {
			return fmt.Errorf("key %q must be 1-%d characters", key, MaxArgKeyLen)
		}
		if err := validArgValue(val); err != nil {
			return fmt.Errorf("argument %q: %w", key, err)
		}
	}
	return nil
}

func validArgValue(v any) error {
	switch s := v.(type) {
	case nil, bool, float64, int, int64:
		return nil
	case string:
		if len(s) > MaxArgLen {
			return fmt.Errorf("value exceeds %d characters", MaxArgLen)
		}
		return nil
	case []any:
		for _, elem := range s {
			switch e := elem.(type) {
			case nil, bool, float64, int, int64:
			case string:
				if len(e) > MaxArgLen {
					return fmt.Errorf("array element exceeds %d characters", MaxArgLen)
				}
			default:
				return fmt.Errorf("array elements must be scalars")
			}
		}
		return nil
	default:
		return fmt.Errorf("must be a scalar or an array of scalars")
	}
}

// Handler executes one dispatched job. It owns driving the run record from
// pending through a terminal status.
type Handler func(ctx context.Context, runID string, req Request) error

// Dispatcher routes validated requests to registered handlers on background
// goroutines, bounded by a concurrency limit. Jobs run on the base context
// supplied at construction, so a dispatched migration outlives the HTTP
// request (or client connection) that submitted it.
type Dispatcher struct {
	base     context.Context
	runs     runstate.Service
	logger   *zap.Logger
	handlers map[string]Handler

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a dispatcher. base is the application lifetime context; its
// cancellation pauses in-flight jobs at the next batch boundary.
// maxConcurrent bounds simultaneously executing jobs; further jobs queue on
// the semaphore.
func New(base context.Context, runs runstate.Service, maxConcurrent int, logger *zap.Logger) *Dispatcher {
	if base == nil {
		base = context.Background()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		base:     base,
		runs:     runs,
		logger:   logger,
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Register binds a command to its handler. Registration happens at startup,
// before Dispatch is called.
func (d *Dispatcher) Register(command string, h Handler) {
	d.handlers[command] = h
}

// Dispatch validates the request, creates the pending run record, and
// starts the job in the background. ctx covers only this synchronous part;
// the job itself runs on the dispatcher's base context and survives the
// caller disconnecting. The returned run snapshot carries the run and job
// ids the caller polls with.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*runstate.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request aborted: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job request: %w", err)
	}

	handler, ok := d.handlers[req.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command: %q", req.Command)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher is shutting down")
	}
	d.wg.Add(1)
	d.mu.Unlock()

	run := &runstate.Run{
		RunID:   uuid.NewString(),
		JobID:   uuid.NewString(),
		Command: req.Command,
		Status:  runstate.StatusPending,
		PID:     os.Getpid(),
		DryRun:  req.DryRun,
	}
	if err := d.runs.Create(run); err != nil {
		d.wg.Done()
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	d.logger.Info("job dispatched",
		zap.String("run_id", run.RunID),
		zap.String("job_id", run.JobID),
		zap.String("command", req.Command),
		zap.Bool("dry_run", req.DryRun),
	)

	go func() {
		defer d.wg.Done()

		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.base.Done():
			d.abandon(run.RunID, "shutdown before job started")
			return
		}

		if err := handler(d.base, run.RunID, req); err != nil {
			d.logger.Error("job failed",
				zap.String("run_id", run.RunID),
				zap.String("command", req.Command),
				zap.Error(err),
			)
		}
	}()

	return run, nil
}

func (d *Dispatcher) abandon(runID, reason string) {
	if err := d.runs.SetStatus(runID, runstate.StatusPaused, reason); err != nil {
		d.logger.Error("failed to mark abandoned run", zap.String("run_id", runID), zap.Error(err))
	}
}

// Shutdown stops accepting jobs and waits for in-flight jobs to finish or
// the context to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
