// Package terraform drives the terraform CLI through the provisioning
// command sequence for one job: lock cleanup, init, plan, apply, destroy on
// apply failure, and output extraction.
package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"warehouse-api/internal/command"
	"warehouse-api/internal/jobstore"
	"warehouse-api/internal/tfvars"
)

// Phase names recorded on failures.
const (
	PhaseInit    = "init"
	PhasePlan    = "plan"
	PhaseApply   = "apply"
	PhaseDestroy = "destroy"
	PhaseOutput  = "output"
)

// Destroy outcomes recorded after an apply failure.
const (
	DestroySuccess = "success"
	DestroyFailed  = "failed"
)

// Result is the atomic outcome of one provisioning sequence. Credentials
// are attached only on success; every error path leaves them nil no matter
// how far the sequence got.
type Result struct {
	Status      jobstore.Status
	Phase       string
	Error       string
	Stderr      string
	InitOutput  string
	ApplyOutput string
	Outputs     map[string]interface{}
	Credentials map[string]string
	Destroy     string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Request carries everything a sequence run needs.
type Request struct {
	JobID        string
	ModulePath   string
	ModuleType   tfvars.ModuleType
	Credentials  map[string]string
	Replacements map[string]interface{}
}

// Sequencer executes provisioning sequences. One sequence occupies one
// terraform process at a time; phases run strictly in order.
type Sequencer struct {
	runner       command.Runner
	vars         *tfvars.Templater
	defaultPaths map[tfvars.ModuleType]string
	phaseTimeout time.Duration
	binary       string
	logger       zerolog.Logger
}

func NewSequencer(runner command.Runner, vars *tfvars.Templater, defaultPaths map[tfvars.ModuleType]string, phaseTimeout time.Duration, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		runner:       runner,
		vars:         vars,
		defaultPaths: defaultPaths,
		phaseTimeout: phaseTimeout,
		binary:       "terraform",
		logger:       logger.With().Str("component", "terraform").Logger(),
	}
}

// Execute runs the full command sequence for one job and returns its
// terminal result. The job-scoped variable file is removed on every exit
// path, including panics unwinding through the deferred cleanup.
func (s *Sequencer) Execute(ctx context.Context, req Request) Result {
	started := time.Now().UTC()
	jobLogger := s.logger.With().
		Str("job_id", req.JobID).
		Str("module_type", string(req.ModuleType)).
		Logger()

	modulePath, err := s.resolveModulePath(req.ModulePath, req.ModuleType)
	if err != nil {
		jobLogger.Error().Err(err).Str("module_path", req.ModulePath).Msg("Module path resolution failed")
		return s.errorResult(started, "", err.Error(), "")
	}

	varsPath, err := s.vars.CreateJobVariables(modulePath, req.ModuleType, req.JobID, req.Replacements)
	if err != nil {
		jobLogger.Error().Err(err).Msg("Failed to create job-scoped variable file")
		return s.errorResult(started, "", err.Error(), "")
	}
	defer func() {
		if err := s.vars.DeleteJobVariables(req.JobID); err != nil {
			jobLogger.Error().Err(err).Msg("Failed to clean up job-scoped variable file")
		}
	}()

	s.cleanupStaleLock(ctx, modulePath, jobLogger)

	initRes, err := s.runPhase(ctx, modulePath, PhaseInit, jobLogger, "init", "-input=false")
	if err != nil || initRes.ExitCode != 0 {
		return s.phaseFailure(started, PhaseInit, initRes, err)
	}

	varFileArg := "-var-file=" + varsPath

	planRes, err := s.runPhase(ctx, modulePath, PhasePlan, jobLogger, "plan", "-input=false", varFileArg)
	if err != nil || planRes.ExitCode != 0 {
		return s.phaseFailure(started, PhasePlan, planRes, err)
	}

	applyRes, err := s.runPhase(ctx, modulePath, PhaseApply, jobLogger, "apply", "-auto-approve", "-input=false", varFileArg)
	if err != nil || applyRes.ExitCode != 0 {
		result := s.phaseFailure(started, PhaseApply, applyRes, err)
		result.Destroy = s.destroyAfterApplyFailure(ctx, modulePath, varFileArg, jobLogger)
		result.CompletedAt = time.Now().UTC()
		return result
	}

	outputs := s.extractOutputs(ctx, modulePath, jobLogger)

	credentials := req.Credentials
	if credentials == nil {
		credentials = map[string]string{}
	}
	s.recordPortDeviation(credentials, outputs, jobLogger)

	jobLogger.Info().Int("outputs", len(outputs)).Msg("Provisioning sequence completed successfully")

	return Result{
		Status:      jobstore.StatusSuccess,
		InitOutput:  initRes.Stdout,
		ApplyOutput: applyRes.Stdout,
		Outputs:     outputs,
		Credentials: credentials,
		CreatedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
}

// resolveModulePath falls back to the module type's configured default when
// the supplied path is unusable. A module is usable when its directory and
// main.tf both exist.
func (s *Sequencer) resolveModulePath(modulePath string, moduleType tfvars.ModuleType) (string, error) {
	if moduleUsable(modulePath) {
		return modulePath, nil
	}

	fallback := s.defaultPaths[moduleType]
	if fallback != "" && fallback != modulePath && moduleUsable(fallback) {
		s.logger.Warn().
			Str("module_path", modulePath).
			Str("fallback", fallback).
			Msg("Module path not usable, using configured default")
		return fallback, nil
	}

	return "", fmt.Errorf("%w: %s", ErrModulePathNotFound, modulePath)
}

func moduleUsable(path string) bool {
	if path == "" {
		return false
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return false
	}
	_, err := os.Stat(filepath.Join(path, "main.tf"))
	return err == nil
}

// cleanupStaleLock force-releases a held state lock when one is reported by
// a state listing. Best effort only; any failure here is logged and the
// sequence proceeds.
func (s *Sequencer) cleanupStaleLock(ctx context.Context, dir string, jobLogger zerolog.Logger) {
	phaseCtx, cancel := s.phaseContext(ctx)
	defer cancel()

	res, err := s.runner.Run(phaseCtx, dir, s.binary, "state", "list")
	if err != nil || res.ExitCode == 0 {
		return
	}

	lockID := ExtractLockID(res.Stderr)
	if lockID == "" {
		return
	}

	jobLogger.Warn().Str("lock_id", lockID).Msg("Stale state lock detected, force-unlocking")
	unlockRes, err := s.runner.Run(phaseCtx, dir, s.binary, "force-unlock", "-force", lockID)
	if err != nil || unlockRes.ExitCode != 0 {
		jobLogger.Warn().
			Err(err).
			Str("lock_id", lockID).
			Str("stderr", unlockRes.Stderr).
			Msg("Force-unlock failed, proceeding anyway")
	}
}

// runPhase executes one terraform command under the per-phase deadline,
// streaming output lines to the job logger. On a lock-conflict failure the
// command is retried exactly once with locking disabled.
func (s *Sequencer) runPhase(ctx context.Context, dir, phase string, jobLogger zerolog.Logger, args ...string) (command.Result, error) {
	phaseCtx, cancel := s.phaseContext(ctx)
	defer cancel()

	observer := func(line string) {
		jobLogger.Debug().Str("phase", phase).Str("output", line).Msg("terraform")
	}

	jobLogger.Info().Str("phase", phase).Msg("Running terraform phase")
	res, err := s.runner.RunStreaming(phaseCtx, dir, observer, s.binary, args...)
	if derr := s.checkDeadline(phaseCtx); derr != nil {
		return res, derr
	}
	if err != nil {
		return res, err
	}

	if res.ExitCode != 0 && ClassifyFailure(res.Stderr) == FailureLockConflict {
		jobLogger.Warn().
			Str("phase", phase).
			Msg("Lock conflict detected, retrying once with locking disabled")
		retryArgs := append(append([]string{}, args...), "-lock=false")
		res, err = s.runner.RunStreaming(phaseCtx, dir, observer, s.binary, retryArgs...)
		if derr := s.checkDeadline(phaseCtx); derr != nil {
			return res, derr
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// checkDeadline surfaces a phase deadline expiry as an error. A child killed
// by the expiring context reports an ordinary nonzero exit with no error, so
// the context is the only reliable deadline signal.
func (s *Sequencer) checkDeadline(phaseCtx context.Context) error {
	if phaseCtx.Err() != context.DeadlineExceeded {
		return nil
	}
	return fmt.Errorf("exceeded the %s phase deadline: %w", s.phaseTimeout, context.DeadlineExceeded)
}

// destroyAfterApplyFailure attempts to tear down partially-created
// resources. The outcome is recorded but never changes the job's terminal
// status.
func (s *Sequencer) destroyAfterApplyFailure(ctx context.Context, dir, varFileArg string, jobLogger zerolog.Logger) string {
	jobLogger.Warn().Msg("Apply failed, attempting destroy of partial resources")

	res, err := s.runPhase(ctx, dir, PhaseDestroy, jobLogger, "destroy", "-auto-approve", varFileArg)
	if err != nil || res.ExitCode != 0 {
		jobLogger.Error().
			Err(err).
			Str("stderr", res.Stderr).
			Msg("Destroy after apply failure did not complete")
		return DestroyFailed
	}

	jobLogger.Info().Msg("Destroy after apply failure completed")
	return DestroySuccess
}

// outputValue matches the wrapper terraform output -json puts around each
// value.
type outputValue struct {
	Value interface{} `json:"value"`
}

// extractOutputs runs terraform output -json and flattens it into a value
// map. Parse failures degrade to empty outputs: apply already succeeded, so
// a broken output listing must not fail the job.
func (s *Sequencer) extractOutputs(ctx context.Context, dir string, jobLogger zerolog.Logger) map[string]interface{} {
	phaseCtx, cancel := s.phaseContext(ctx)
	defer cancel()

	outputs := map[string]interface{}{}

	res, err := s.runner.Run(phaseCtx, dir, s.binary, "output", "-json")
	if err != nil || res.ExitCode != 0 {
		jobLogger.Warn().Err(err).Str("stderr", res.Stderr).Msg("Failed to read terraform outputs")
		return outputs
	}
	if res.Stdout == "" {
		return outputs
	}

	var raw map[string]outputValue
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		jobLogger.Warn().Err(err).Msg("Failed to parse terraform outputs, continuing with empty outputs")
		return outputs
	}

	for key, wrapped := range raw {
		outputs[key] = wrapped.Value
	}
	return outputs
}

// portOutputKeys are the output names that can report the port a resource
// actually listens on.
var portOutputKeys = []string{"superset_port", "db_port", "port"}

// recordPortDeviation compares the requested port against the observed one
// and, when they differ, enriches the credentials with the actual value and
// a deviation flag.
func (s *Sequencer) recordPortDeviation(credentials map[string]string, outputs map[string]interface{}, jobLogger zerolog.Logger) {
	requested, ok := credentials["port"]
	if !ok || requested == "" {
		return
	}

	for _, key := range portOutputKeys {
		raw, exists := outputs[key]
		if !exists {
			continue
		}
		observed := outputString(raw)
		if observed == "" || observed == requested {
			return
		}

		jobLogger.Warn().
			Str("requested_port", requested).
			Str("actual_port", observed).
			Msg("Provisioned port differs from requested port")
		credentials["actual_port"] = observed
		credentials["port_changed"] = "true"
		return
	}
}

func outputString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return ""
	}
}

func (s *Sequencer) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.phaseTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.phaseTimeout)
}

func (s *Sequencer) phaseFailure(started time.Time, phase string, res command.Result, err error) Result {
	perr := &PhaseError{Phase: phase, Stderr: res.Stderr, Err: err}
	s.logger.Error().
		Str("phase", phase).
		Int("exit_code", res.ExitCode).
		Str("stderr", res.Stderr).
		Msg("Terraform phase failed")
	return s.errorResult(started, phase, perr.Error(), res.Stderr)
}

// errorResult builds a terminal error result. Credentials stay nil here by
// construction: secrets generated earlier in the sequence are withheld on
// every failure path.
func (s *Sequencer) errorResult(started time.Time, phase, errMsg, stderr string) Result {
	return Result{
		Status:      jobstore.StatusError,
		Phase:       phase,
		Error:       errMsg,
		Stderr:      stderr,
		CreatedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
}
