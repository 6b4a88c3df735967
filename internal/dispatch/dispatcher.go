// Package dispatch runs provisioning sequences on a worker pool and
// translates backend task states into the job engine's four-state model.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"warehouse-api/internal/jobstore"
	"warehouse-api/internal/terraform"
)

// Sequencer is the provisioning engine a worker invokes per job.
type Sequencer interface {
	Execute(ctx context.Context, req terraform.Request) terraform.Result
}

// CredentialSink archives a successful job's credentials outside the job
// store, so they outlive record retention.
type CredentialSink interface {
	StoreJobCredentials(jobID string, credentials map[string]string) error
}

// Dispatcher owns the job queue and worker pool. The API layer only
// enqueues and polls; workers run one multi-minute command sequence at a
// time.
type Dispatcher struct {
	jobs      *jobstore.Jobs
	sequencer Sequencer
	sink      CredentialSink
	queue     chan terraform.Request
	workers   int
	logger    zerolog.Logger
}

// SetCredentialSink installs an optional archive for successful jobs'
// credentials. Must be called before Start.
func (d *Dispatcher) SetCredentialSink(sink CredentialSink) {
	d.sink = sink
}

func New(jobs *jobstore.Jobs, sequencer Sequencer, workers, queueSize int, logger zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		jobs:      jobs,
		sequencer: sequencer,
		queue:     make(chan terraform.Request, queueSize),
		workers:   workers,
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled and
// the queue drains.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		go d.worker(ctx, i)
	}
	d.logger.Info().Int("workers", d.workers).Msg("Dispatcher started")
}

// Enqueue creates a PENDING job record and queues the request, returning
// the job id which doubles as the task handle.
func (d *Dispatcher) Enqueue(ctx context.Context, req terraform.Request) (string, error) {
	id, err := d.jobs.CreateJob(ctx)
	if err != nil {
		return "", err
	}
	req.JobID = id

	select {
	case d.queue <- req:
	default:
		errMsg := "job queue is full"
		if storeErr := d.jobs.SetError(ctx, id, errMsg, ""); storeErr != nil {
			d.logger.Error().Err(storeErr).Str("job_id", id).Msg("Failed to record queue-full error")
		}
		return "", fmt.Errorf("%s", errMsg)
	}

	d.logger.Info().
		Str("job_id", id).
		Str("module_type", string(req.ModuleType)).
		Int("queue_depth", len(d.queue)).
		Msg("Job enqueued")
	return id, nil
}

func (d *Dispatcher) worker(ctx context.Context, index int) {
	workerLogger := d.logger.With().Int("worker", index).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.process(ctx, req, workerLogger)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, req terraform.Request, workerLogger zerolog.Logger) {
	jobLogger := workerLogger.With().Str("job_id", req.JobID).Logger()

	if err := d.jobs.SetRunning(ctx, req.JobID); err != nil {
		jobLogger.Error().Err(err).Msg("Failed to mark job running")
		return
	}

	jobLogger.Info().Str("module_path", req.ModulePath).Msg("Starting provisioning job")
	result := d.sequencer.Execute(ctx, req)
	d.persistResult(ctx, req.JobID, result, jobLogger)
}

// persistResult writes the sequencer's atomic result to the job store.
// Credentials are stored only after a success transition; the store's own
// write gate rejects anything else.
func (d *Dispatcher) persistResult(ctx context.Context, jobID string, result terraform.Result, jobLogger zerolog.Logger) {
	if result.Status == jobstore.StatusSuccess {
		if err := d.jobs.SetSuccess(ctx, jobID, result.Outputs, result.InitOutput, result.ApplyOutput); err != nil {
			jobLogger.Error().Err(err).Msg("Failed to record job success")
			return
		}
		if len(result.Credentials) > 0 {
			stored, err := d.jobs.StoreCredentials(ctx, jobID, result.Credentials)
			if err != nil {
				jobLogger.Error().Err(err).Msg("Failed to store job credentials")
			} else if !stored {
				jobLogger.Warn().Msg("Credential store refused write")
			}
			if d.sink != nil {
				if err := d.sink.StoreJobCredentials(jobID, result.Credentials); err != nil {
					jobLogger.Warn().Err(err).Msg("Failed to archive job credentials")
				}
			}
		}
		jobLogger.Info().Msg("Job completed successfully")
		return
	}

	if err := d.jobs.SetFailure(ctx, jobID, result.Error, result.Stderr, result.Phase, result.Destroy); err != nil {
		jobLogger.Error().Err(err).Msg("Failed to record job error")
		return
	}
	jobLogger.Error().
		Str("phase", result.Phase).
		Str("destroy", result.Destroy).
		Msg("Job failed")
}

// TranslateState maps a queueing backend's task state onto the engine's
// four-state model. Unknown states default to ERROR, never to a
// non-terminal state, so a misbehaving backend cannot leave clients polling
// forever.
func TranslateState(backendState string) jobstore.Status {
	switch backendState {
	case "queued", "received", "PENDING":
		return jobstore.StatusPending
	case "started", "retrying", "RUNNING":
		return jobstore.StatusRunning
	case "success", "SUCCESS":
		return jobstore.StatusSuccess
	default:
		return jobstore.StatusError
	}
}

// GetTaskStatus resolves a task handle to the client-facing status view.
// The backend's own state is translated through TranslateState, and a
// result payload that declares an error overrides a nominally-successful
// backend state.
func (d *Dispatcher) GetTaskStatus(ctx context.Context, taskID string) (*jobstore.StatusView, error) {
	view, err := d.jobs.GetJobStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}

	view.Status = TranslateState(string(view.Status))
	if view.Status == jobstore.StatusSuccess && view.Error != "" {
		view.Status = jobstore.StatusError
		view.Message = fmt.Sprintf("Terraform job failed: %s", view.Error)
		view.Credentials = nil
	}
	return view, nil
}
