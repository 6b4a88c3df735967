// Package drift periodically runs terraform plan against provisioned
// modules to detect out-of-band changes to live infrastructure.
package drift

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog"

	"warehouse-api/internal/command"
	"warehouse-api/internal/tfvars"
)

// ModuleState records the last drift check result for one module.
type ModuleState struct {
	ModulePath  string    `json:"module_path"`
	ModuleType  string    `json:"module_type"`
	LastChecked time.Time `json:"last_checked"`
	Drifted     bool      `json:"drifted"`
	LastError   string    `json:"last_error,omitempty"`
}

// StateFile maps module paths to their last known drift state.
type StateFile map[string]ModuleState

// Detector runs scheduled drift checks with terraform plan in
// detailed-exitcode mode.
type Detector struct {
	runner    command.Runner
	modules   map[tfvars.ModuleType]string
	stateFile string
	binary    string
	logger    zerolog.Logger
}

func NewDetector(runner command.Runner, modules map[tfvars.ModuleType]string, stateFile string, logger zerolog.Logger) *Detector {
	return &Detector{
		runner:    runner,
		modules:   modules,
		stateFile: stateFile,
		binary:    "terraform",
		logger:    logger.With().Str("component", "drift").Logger(),
	}
}

// Start runs an immediate check and then one per interval until the
// context is cancelled.
func (d *Detector) Start(ctx context.Context, interval time.Duration) {
	go func() {
		d.Check(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Check(ctx)
			}
		}
	}()
}

// Check plans every configured module and records the outcome.
func (d *Detector) Check(ctx context.Context) {
	d.logger.Info().Msg("Drift detection tick")
	state, err := loadStateFile(d.stateFile)
	if err != nil {
		d.logger.Error().Err(err).Str("state_file", d.stateFile).Msg("Failed to load drift state file")
		state = make(StateFile)
	}

	for moduleType, modulePath := range d.modules {
		if _, err := os.Stat(modulePath); os.IsNotExist(err) {
			d.logger.Debug().Str("module_path", modulePath).Msg("Module path does not exist, skipping drift check")
			continue
		}

		drifted, checkErr := d.planModule(ctx, modulePath)
		entry := ModuleState{
			ModulePath:  modulePath,
			ModuleType:  string(moduleType),
			LastChecked: time.Now().UTC(),
			Drifted:     drifted,
		}
		if checkErr != "" {
			entry.LastError = checkErr
			d.logger.Error().Str("module_path", modulePath).Str("error", checkErr).Msg("Drift check failed")
		} else if drifted {
			d.logger.Warn().Str("module_path", modulePath).Msg("Drift detected, live infrastructure no longer matches configuration")
		} else {
			d.logger.Debug().Str("module_path", modulePath).Msg("No drift detected")
		}
		state[modulePath] = entry
	}

	if err := saveStateFile(d.stateFile, state); err != nil {
		d.logger.Error().Err(err).Str("state_file", d.stateFile).Msg("Failed to save drift state file")
	}
}

// planModule returns whether the module has drifted. The second value
// carries the failure text when the plan itself could not run.
func (d *Detector) planModule(ctx context.Context, modulePath string) (bool, string) {
	result, err := d.runner.Run(ctx, modulePath, d.binary, "plan", "-detailed-exitcode", "-input=false", "-lock=false")
	if err != nil {
		return false, err.Error()
	}
	// Exit 0 means no changes, 2 means the plan found differences.
	switch result.ExitCode {
	case 0:
		return false, ""
	case 2:
		return true, ""
	default:
		return false, result.Stderr
	}
}

func loadStateFile(filename string) (StateFile, error) {
	state := make(StateFile)
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(&state); err != nil {
		return nil, err
	}
	return state, nil
}

func saveStateFile(filename string, state StateFile) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}
