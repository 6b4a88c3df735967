// Package tfvars generates job-scoped Terraform variable files from a
// module's canonical terraform.tfvars template.
package tfvars

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// ModuleType identifies which provisioning module a job targets.
type ModuleType string

const (
	ModuleTypeWarehouse ModuleType = "warehouse"
	ModuleTypeSuperset  ModuleType = "superset"
	ModuleTypeUnknown   ModuleType = ""
)

// VarsFileName is the canonical variable file inside every module directory.
const VarsFileName = "terraform.tfvars"

// ErrTemplateSourceMissing is returned when a module has no canonical
// terraform.tfvars to template from.
var ErrTemplateSourceMissing = fmt.Errorf("terraform.tfvars template not found")

// Templater writes per-job copies of module variable files into an isolated
// configs directory. The module's own terraform.tfvars is never mutated.
type Templater struct {
	configsDir string
	logger     zerolog.Logger
}

func NewTemplater(configsDir string, logger zerolog.Logger) *Templater {
	return &Templater{
		configsDir: configsDir,
		logger:     logger.With().Str("component", "tfvars").Logger(),
	}
}

// JobVariablesPath returns the deterministic path for a job's variable file.
func (t *Templater) JobVariablesPath(moduleType ModuleType, jobID string) string {
	return filepath.Join(t.configsDir, fmt.Sprintf("%s.%s.tfvars", moduleType, jobID))
}

// CreateJobVariables reads the module's canonical terraform.tfvars, applies
// the replacements, and writes the result to the job-scoped path.
//
// Replacement keys that do not appear in the template are silently skipped;
// the templater rewrites existing assignments, it never adds new ones.
func (t *Templater) CreateJobVariables(modulePath string, moduleType ModuleType, jobID string, replacements map[string]interface{}) (string, error) {
	if moduleType == ModuleTypeUnknown {
		moduleType = InferModuleType(modulePath)
	}

	sourcePath := filepath.Join(modulePath, VarsFileName)
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			t.logger.Error().Str("path", sourcePath).Msg("Canonical tfvars file missing")
			return "", fmt.Errorf("%w: %s", ErrTemplateSourceMissing, sourcePath)
		}
		return "", fmt.Errorf("failed to read tfvars template: %w", err)
	}

	if err := os.MkdirAll(t.configsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job configs directory: %w", err)
	}

	rewritten := applyReplacements(string(content), replacements)

	jobPath := t.JobVariablesPath(moduleType, jobID)
	if err := os.WriteFile(jobPath, []byte(rewritten), 0644); err != nil {
		return "", fmt.Errorf("failed to write job tfvars file: %w", err)
	}

	t.logger.Info().
		Str("job_id", jobID).
		Str("module_type", string(moduleType)).
		Str("path", jobPath).
		Int("replacements", len(replacements)).
		Msg("Created job-scoped tfvars file")

	return jobPath, nil
}

// DeleteJobVariables removes the job's variable files for both module types.
// Missing files are not an error; the call is idempotent.
func (t *Templater) DeleteJobVariables(jobID string) error {
	for _, moduleType := range []ModuleType{ModuleTypeWarehouse, ModuleTypeSuperset} {
		path := t.JobVariablesPath(moduleType, jobID)
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			t.logger.Error().Err(err).Str("path", path).Msg("Failed to delete job tfvars file")
			return fmt.Errorf("failed to delete job tfvars file %s: %w", path, err)
		}
		if err == nil {
			t.logger.Debug().Str("job_id", jobID).Str("path", path).Msg("Deleted job tfvars file")
		}
	}
	return nil
}

// applyReplacements rewrites assignment lines whose key matches a
// replacement. Non-matching lines, comments included, pass through
// byte-for-byte.
func applyReplacements(content string, replacements map[string]interface{}) string {
	if len(replacements) == 0 {
		return content
	}

	keyPatterns := make(map[string]*regexp.Regexp, len(replacements))
	for key := range replacements {
		keyPatterns[key] = regexp.MustCompile(`^\s*` + regexp.QuoteMeta(key) + `\s*=`)
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		for key, pattern := range keyPatterns {
			if !pattern.MatchString(line) {
				continue
			}
			eq := strings.Index(line, "=")
			lines[i] = line[:eq+1] + " " + formatValue(replacements[key])
			break
		}
	}
	return strings.Join(lines, "\n")
}

// formatValue renders a replacement value in tfvars syntax: strings quoted
// unless already quoted, booleans lowercase, numbers bare.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) && len(v) >= 2 {
			return v
		}
		return `"` + v + `"`
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// InferModuleType guesses the module type from its path. Directory-basename
// matching takes priority over full-path matching so a parent directory
// named e.g. "warehouse" cannot misclassify a superset module.
//
// This heuristic exists as a fallback only; callers should pass the module
// type explicitly.
func InferModuleType(modulePath string) ModuleType {
	base := strings.ToLower(filepath.Base(modulePath))
	switch {
	case strings.Contains(base, "superset"):
		return ModuleTypeSuperset
	case strings.Contains(base, "warehouse"):
		return ModuleTypeWarehouse
	}

	full := strings.ToLower(modulePath)
	switch {
	case strings.Contains(full, "superset"):
		return ModuleTypeSuperset
	case strings.Contains(full, "warehouse"):
		return ModuleTypeWarehouse
	}
	return ModuleTypeUnknown
}
