// Package jobstore tracks provisioning job lifecycle records.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is a provisioning job's lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// ErrJobNotFound is returned for lookups of unknown job ids. It is distinct
// from a job that exists in ERROR state.
var ErrJobNotFound = errors.New("job not found")

// Record is the stored state of one provisioning job.
type Record struct {
	ID          string                 `json:"id"`
	Status      Status                 `json:"status"`
	Phase       string                 `json:"phase,omitempty"`
	Destroy     string                 `json:"destroy,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	InitOutput  string                 `json:"init_output,omitempty"`
	ApplyOutput string                 `json:"apply_output,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Credentials map[string]string      `json:"credentials,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Stderr      string                 `json:"stderr,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
}

// StatusView is the client-facing projection of a Record. Credentials are
// present only when the job succeeded; the gate is applied when the view is
// built, regardless of what the underlying record contains.
type StatusView struct {
	JobID       string                 `json:"job_id"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Credentials map[string]string      `json:"credentials,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
}

// Update is a partial merge applied to a record; nil fields are untouched.
type Update struct {
	Status      *Status
	Phase       *string
	Destroy     *string
	CompletedAt *time.Time
	InitOutput  *string
	ApplyOutput *string
	Outputs     map[string]interface{}
	Credentials map[string]string
	Error       *string
	Stderr      *string
	TaskID      *string
}

// Backend is the minimal persistence kernel a store implementation provides.
// Records round-trip through the backend exactly, including timestamps and
// nested maps.
type Backend interface {
	Put(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// Jobs implements the job store contract over an injected backend: an
// in-memory map for tests and single-node deployments, Vault KV in
// production. It is passed by handle to both the API layer and the workers;
// there is no process-wide registry.
type Jobs struct {
	backend   Backend
	retention time.Duration
	logger    zerolog.Logger
}

func New(backend Backend, retention time.Duration, logger zerolog.Logger) *Jobs {
	return &Jobs{
		backend:   backend,
		retention: retention,
		logger:    logger.With().Str("component", "jobstore").Logger(),
	}
}

// CreateJob allocates a fresh id and stores an initial PENDING record.
func (j *Jobs) CreateJob(ctx context.Context) (string, error) {
	id := uuid.NewString()
	record := &Record{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		TaskID:    id,
	}
	if err := j.backend.Put(ctx, record); err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}
	j.logger.Debug().Str("job_id", id).Msg("Created job record")
	return id, nil
}

// GetJob returns the full record for a job id.
func (j *Jobs) GetJob(ctx context.Context, id string) (*Record, error) {
	return j.backend.Get(ctx, id)
}

// UpdateJob applies a partial merge to an existing record.
func (j *Jobs) UpdateJob(ctx context.Context, id string, update Update) error {
	record, err := j.backend.Get(ctx, id)
	if err != nil {
		return err
	}

	if update.Status != nil {
		record.Status = *update.Status
	}
	if update.Phase != nil {
		record.Phase = *update.Phase
	}
	if update.Destroy != nil {
		record.Destroy = *update.Destroy
	}
	if update.CompletedAt != nil {
		record.CompletedAt = update.CompletedAt
	}
	if update.InitOutput != nil {
		record.InitOutput = *update.InitOutput
	}
	if update.ApplyOutput != nil {
		record.ApplyOutput = *update.ApplyOutput
	}
	if update.Outputs != nil {
		record.Outputs = update.Outputs
	}
	if update.Credentials != nil {
		record.Credentials = update.Credentials
	}
	if update.Error != nil {
		record.Error = *update.Error
	}
	if update.Stderr != nil {
		record.Stderr = *update.Stderr
	}
	if update.TaskID != nil {
		record.TaskID = *update.TaskID
	}

	return j.backend.Put(ctx, record)
}

// SetRunning marks a job as picked up by a worker.
func (j *Jobs) SetRunning(ctx context.Context, id string) error {
	status := StatusRunning
	return j.UpdateJob(ctx, id, Update{Status: &status})
}

// SetSuccess records a successful terminal transition with the extracted
// outputs and raw tool logs.
func (j *Jobs) SetSuccess(ctx context.Context, id string, outputs map[string]interface{}, initOutput, applyOutput string) error {
	status := StatusSuccess
	now := time.Now().UTC()
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	return j.UpdateJob(ctx, id, Update{
		Status:      &status,
		CompletedAt: &now,
		Outputs:     outputs,
		InitOutput:  &initOutput,
		ApplyOutput: &applyOutput,
	})
}

// SetError records a failed terminal transition. Credentials are never
// written on this path.
func (j *Jobs) SetError(ctx context.Context, id string, errMsg, stderr string) error {
	return j.SetFailure(ctx, id, errMsg, stderr, "", "")
}

// SetFailure records a failed terminal transition together with the failing
// phase and the destroy outcome in one write, so a concurrent read never
// observes a terminal error missing either. Credentials are never written on
// this path.
func (j *Jobs) SetFailure(ctx context.Context, id, errMsg, stderr, phase, destroy string) error {
	status := StatusError
	now := time.Now().UTC()
	update := Update{
		Status:      &status,
		CompletedAt: &now,
		Error:       &errMsg,
		Stderr:      &stderr,
	}
	if phase != "" {
		update.Phase = &phase
	}
	if destroy != "" {
		update.Destroy = &destroy
	}
	return j.UpdateJob(ctx, id, update)
}

// StoreCredentials attaches generated credentials to a job. Writes against
// non-success records are refused: the false return is the write-time half
// of the credentials-imply-success invariant.
func (j *Jobs) StoreCredentials(ctx context.Context, id string, credentials map[string]string) (bool, error) {
	record, err := j.backend.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if record.Status != StatusSuccess {
		j.logger.Warn().
			Str("job_id", id).
			Str("status", string(record.Status)).
			Msg("Refusing to store credentials on non-success job")
		return false, nil
	}
	return true, j.UpdateJob(ctx, id, Update{Credentials: credentials})
}

// GetJobStatus composes the client-facing view of a job. The credential
// gate is re-applied here even if the record carries stale credential data,
// as defense in depth against write-path mistakes.
func (j *Jobs) GetJobStatus(ctx context.Context, id string) (*StatusView, error) {
	record, err := j.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		JobID:       record.ID,
		Status:      record.Status,
		Message:     statusMessage(record.Status, record.Error),
		Error:       record.Error,
		CreatedAt:   record.CreatedAt,
		CompletedAt: record.CompletedAt,
		Outputs:     record.Outputs,
		TaskID:      record.TaskID,
	}
	if record.Status == StatusSuccess {
		view.Credentials = record.Credentials
	}
	return view, nil
}

// StartSweeper deletes terminal records older than the retention window at
// the given interval, bounding storage growth. Runs until ctx is done.
func (j *Jobs) StartSweeper(ctx context.Context, interval time.Duration) {
	if j.retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

func (j *Jobs) sweep(ctx context.Context) {
	ids, err := j.backend.List(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Retention sweep failed to list jobs")
		return
	}

	cutoff := time.Now().UTC().Add(-j.retention)
	removed := 0
	for _, id := range ids {
		record, err := j.backend.Get(ctx, id)
		if err != nil {
			continue
		}
		if !record.Status.Terminal() || record.CompletedAt == nil || record.CompletedAt.After(cutoff) {
			continue
		}
		if err := j.backend.Delete(ctx, id); err != nil {
			j.logger.Error().Err(err).Str("job_id", id).Msg("Failed to delete expired job record")
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("Retention sweep removed expired job records")
	}
}

func statusMessage(status Status, errMsg string) string {
	switch status {
	case StatusPending:
		return "Terraform job is pending execution"
	case StatusRunning:
		return "Terraform job is currently running"
	case StatusSuccess:
		return "Terraform job completed successfully"
	case StatusError:
		if errMsg != "" {
			return fmt.Sprintf("Terraform job failed: %s", errMsg)
		}
		return "Terraform job failed"
	}
	return "Unknown job status"
}
