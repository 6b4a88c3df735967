package tfvars

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeModuleVars(t *testing.T, dir, content string) string {
	t.Helper()
	modulePath := filepath.Join(dir, "module")
	if err := os.MkdirAll(modulePath, 0755); err != nil {
		t.Fatalf("failed to create module dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modulePath, VarsFileName), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write tfvars template: %v", err)
	}
	return modulePath
}

func newTestTemplater(t *testing.T) (*Templater, string) {
	t.Helper()
	dir := t.TempDir()
	configsDir := filepath.Join(dir, "configs")
	return NewTemplater(configsDir, zerolog.Nop()), dir
}

func TestCreateJobVariables_RewritesMatchingKeys(t *testing.T) {
	templater, dir := newTestTemplater(t)
	template := strings.Join([]string{
		`# warehouse settings`,
		`APP_DB_NAME = "placeholder"`,
		`APP_DB_USER = "placeholder"`,
		`APP_DB_PASS = "placeholder"`,
		`DB_PORT = 5432`,
	}, "\n")
	modulePath := writeModuleVars(t, dir, template)

	jobPath, err := templater.CreateJobVariables(modulePath, ModuleTypeWarehouse, "job-1", map[string]interface{}{
		"APP_DB_NAME": "orders",
		"APP_DB_USER": "orders_user",
		"APP_DB_PASS": "s3cret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(jobPath)
	if err != nil {
		t.Fatalf("failed to read job tfvars: %v", err)
	}
	got := string(content)

	for _, want := range []string{
		`APP_DB_NAME = "orders"`,
		`APP_DB_USER = "orders_user"`,
		`APP_DB_PASS = "s3cret"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in job tfvars, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "placeholder") {
		t.Errorf("placeholder values should have been replaced:\n%s", got)
	}
}

func TestCreateJobVariables_PreservesNonMatchingLines(t *testing.T) {
	templater, dir := newTestTemplater(t)
	template := strings.Join([]string{
		`# a comment that must survive`,
		``,
		`  indented_key   = "keep me"`,
		`APP_DB_NAME = "old"`,
		`trailing = "also kept"  # inline comment`,
	}, "\n")
	modulePath := writeModuleVars(t, dir, template)

	jobPath, err := templater.CreateJobVariables(modulePath, ModuleTypeWarehouse, "job-2", map[string]interface{}{
		"APP_DB_NAME": "orders",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(jobPath)
	if err != nil {
		t.Fatalf("failed to read job tfvars: %v", err)
	}
	lines := strings.Split(string(content), "\n")

	wantUnchanged := []string{
		`# a comment that must survive`,
		``,
		`  indented_key   = "keep me"`,
		`trailing = "also kept"  # inline comment`,
	}
	got := []string{lines[0], lines[1], lines[2], lines[4]}
	for i, want := range wantUnchanged {
		if got[i] != want {
			t.Errorf("line %d changed: want %q, got %q", i, want, got[i])
		}
	}
	if lines[3] != `APP_DB_NAME = "orders"` {
		t.Errorf("replaced line wrong: got %q", lines[3])
	}
}

func TestCreateJobVariables_MissingKeyIsNoOp(t *testing.T) {
	templater, dir := newTestTemplater(t)
	template := `existing = "value"`
	modulePath := writeModuleVars(t, dir, template)

	jobPath, err := templater.CreateJobVariables(modulePath, ModuleTypeWarehouse, "job-3", map[string]interface{}{
		"NOT_IN_TEMPLATE": "ignored",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(jobPath)
	if err != nil {
		t.Fatalf("failed to read job tfvars: %v", err)
	}
	if string(content) != template {
		t.Errorf("template should be unchanged, got:\n%s", content)
	}
	if strings.Contains(string(content), "NOT_IN_TEMPLATE") {
		t.Errorf("missing keys must not be appended")
	}
}

func TestCreateJobVariables_DoesNotMutateTemplate(t *testing.T) {
	templater, dir := newTestTemplater(t)
	template := `APP_DB_NAME = "canonical"`
	modulePath := writeModuleVars(t, dir, template)

	_, err := templater.CreateJobVariables(modulePath, ModuleTypeWarehouse, "job-4", map[string]interface{}{
		"APP_DB_NAME": "changed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	original, err := os.ReadFile(filepath.Join(modulePath, VarsFileName))
	if err != nil {
		t.Fatalf("failed to read canonical tfvars: %v", err)
	}
	if string(original) != template {
		t.Errorf("canonical terraform.tfvars was mutated: %s", original)
	}
}

func TestCreateJobVariables_MissingTemplate(t *testing.T) {
	templater, dir := newTestTemplater(t)
	emptyModule := filepath.Join(dir, "empty")
	if err := os.MkdirAll(emptyModule, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	_, err := templater.CreateJobVariables(emptyModule, ModuleTypeWarehouse, "job-5", nil)
	if err == nil {
		t.Fatal("expected error for missing template")
	}
	if !strings.Contains(err.Error(), "template not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDeleteJobVariables_Idempotent(t *testing.T) {
	templater, dir := newTestTemplater(t)
	modulePath := writeModuleVars(t, dir, `APP_DB_NAME = "x"`)

	jobPath, err := templater.CreateJobVariables(modulePath, ModuleTypeWarehouse, "job-6", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := templater.DeleteJobVariables("job-6"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if _, err := os.Stat(jobPath); !os.IsNotExist(err) {
		t.Errorf("job tfvars file should be gone")
	}
	if err := templater.DeleteJobVariables("job-6"); err != nil {
		t.Errorf("second delete should be a no-op, got: %v", err)
	}
	if err := templater.DeleteJobVariables("never-existed"); err != nil {
		t.Errorf("deleting unknown job should be a no-op, got: %v", err)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"bare string quoted", "orders", `"orders"`},
		{"pre-quoted string kept", `"orders"`, `"orders"`},
		{"bool true lowercase", true, "true"},
		{"bool false lowercase", false, "false"},
		{"int bare", 5432, "5432"},
		{"float bare", 1.5, "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(tt.value); got != tt.want {
				t.Errorf("formatValue(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestInferModuleType(t *testing.T) {
	tests := []struct {
		path string
		want ModuleType
	}{
		{"terraform_files/createWarehouse", ModuleTypeWarehouse},
		{"terraform_files/createSuperset", ModuleTypeSuperset},
		{"/opt/superset-prod", ModuleTypeSuperset},
		// basename wins over a conflicting parent directory
		{"/srv/warehouse/createSuperset", ModuleTypeSuperset},
		{"/srv/superset/createWarehouse", ModuleTypeWarehouse},
		// full path fallback when basename says nothing
		{"/srv/warehouse/prod", ModuleTypeWarehouse},
		{"/opt/modules/prod", ModuleTypeUnknown},
	}
	for _, tt := range tests {
		if got := InferModuleType(tt.path); got != tt.want {
			t.Errorf("InferModuleType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
