package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"warehouse-api/internal/config"
	"warehouse-api/internal/dispatch"
	"warehouse-api/internal/jobstore"
	"warehouse-api/internal/terraform"
)

const testAPIKey = "test-api-key"

// fakeSequencer returns a canned result and records what it was asked to
// provision.
type fakeSequencer struct {
	mu       sync.Mutex
	requests []terraform.Request
	result   terraform.Result
}

func (f *fakeSequencer) Execute(ctx context.Context, req terraform.Request) terraform.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	result := f.result
	if result.Status == jobstore.StatusSuccess && result.Credentials == nil {
		// mirror the real sequencer, which passes request credentials through
		result.Credentials = req.Credentials
	}
	result.CreatedAt = time.Now().UTC()
	result.CompletedAt = time.Now().UTC()
	return result
}

func writeWarehouseModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := strings.Join([]string{
		`rdsname = "prod-warehouse"`,
		`RDS_DOMAIN = "abc.rds.amazonaws.com"`,
		`DB_PORT = 5432`,
		`APP_DB_NAME = "placeholder"`,
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "terraform.tfvars"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write module tfvars: %v", err)
	}
	return dir
}

func newTestServer(t *testing.T, seq *fakeSequencer) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jobs := jobstore.New(jobstore.NewMemoryBackend(), time.Hour, zerolog.Nop())
	dispatcher := dispatch.New(jobs, seq, 1, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	dispatcher.Start(ctx)

	cfg := &config.Config{
		ServerPort:          "8080",
		APIKey:              testAPIKey,
		WarehouseModulePath: writeWarehouseModule(t),
		SupersetModulePath:  t.TempDir(),
		JobConfigsDir:       filepath.Join(t.TempDir(), "configs"),
		OrgDomain:           "dalgo.org",
		RateLimit:           100,
	}

	srv := &Server{
		Router:      gin.New(),
		Logger:      zerolog.Nop(),
		Config:      cfg,
		Jobs:        jobs,
		Dispatcher:  dispatcher,
		RateLimiter: rate.NewLimiter(rate.Every(time.Second), cfg.RateLimit),
		Validator:   NewRequestValidator(),
	}
	srv.registerRoutes()
	return srv
}

func doRequest(srv *Server, method, path, body string, withKey bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if withKey {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func pollTask(t *testing.T, srv *Server, taskID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := doRequest(srv, http.MethodGet, "/api/task/"+taskID, "", true)
		if w.Code != http.StatusOK {
			t.Fatalf("status poll returned %d: %s", w.Code, w.Body.String())
		}
		var body map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid status body: %v", err)
		}
		status, _ := body["status"].(string)
		if status == string(jobstore.StatusSuccess) || status == string(jobstore.StatusError) {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return nil
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t, &fakeSequencer{})

	w := doRequest(srv, http.MethodGet, "/api/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("health returned %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAuth_MissingOrWrongKey(t *testing.T) {
	srv := newTestServer(t, &fakeSequencer{})

	w := doRequest(srv, http.MethodPost, "/api/infra/postgres/db", `{"dbname":"orders"}`, false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/infra/postgres/db", strings.NewReader(`{"dbname":"orders"}`))
	req.Header.Set("X-API-Key", "wrong-key")
	w = httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
}

func TestCreateWarehouse_InvalidRequests(t *testing.T) {
	srv := newTestServer(t, &fakeSequencer{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "this is not json"},
		{"missing dbname", `{}`},
		{"empty dbname", `{"dbname":""}`},
		{"uppercase", `{"dbname":"Orders"}`},
		{"leading digit", `{"dbname":"1orders"}`},
		{"sql injection attempt", `{"dbname":"orders;drop table"}`},
		{"hyphen", `{"dbname":"orders-db"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, http.MethodPost, "/api/infra/postgres/db", tt.body, true)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body: %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateWarehouse_EndToEnd(t *testing.T) {
	seq := &fakeSequencer{
		result: terraform.Result{
			Status:  jobstore.StatusSuccess,
			Outputs: map[string]interface{}{"endpoint": "db.example.com"},
		},
	}
	srv := newTestServer(t, seq)

	w := doRequest(srv, http.MethodPost, "/api/infra/postgres/db", `{"dbname":"orders"}`, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", w.Code, w.Body.String())
	}

	var created map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid create body: %v", err)
	}
	jobID, _ := created["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job_id in response: %s", w.Body.String())
	}
	if created["status"] != string(jobstore.StatusPending) {
		t.Errorf("initial status = %v, want PENDING", created["status"])
	}

	final := pollTask(t, srv, jobID)
	if final["status"] != string(jobstore.StatusSuccess) {
		t.Fatalf("final status = %v (body: %v)", final["status"], final)
	}

	outputs, _ := final["outputs"].(map[string]interface{})
	if outputs["endpoint"] != "db.example.com" {
		t.Errorf("outputs.endpoint = %v", outputs["endpoint"])
	}

	creds, _ := final["credentials"].(map[string]interface{})
	if creds == nil {
		t.Fatal("successful job must return credentials")
	}
	if creds["dbname"] != "orders" {
		t.Errorf("credentials.dbname = %v", creds["dbname"])
	}
	if creds["user"] != "orders_user" {
		t.Errorf("credentials.user = %v", creds["user"])
	}
	if creds["host"] != "prod-warehouse.abc.rds.amazonaws.com" {
		t.Errorf("credentials.host = %v", creds["host"])
	}
	if creds["port"] != "5432" {
		t.Errorf("credentials.port = %v", creds["port"])
	}
	password, _ := creds["password"].(string)
	if len(password) != passwordLength {
		t.Errorf("password length = %d, want %d", len(password), passwordLength)
	}

	// the sequencer must have been handed matching tfvars replacements
	seq.mu.Lock()
	defer seq.mu.Unlock()
	if len(seq.requests) != 1 {
		t.Fatalf("sequencer ran %d times", len(seq.requests))
	}
	repl := seq.requests[0].Replacements
	if repl["APP_DB_NAME"] != "orders" || repl["APP_DB_USER"] != "orders_user" {
		t.Errorf("replacements = %v", repl)
	}
	if repl["APP_DB_PASS"] != password {
		t.Errorf("replacement password does not match returned credential")
	}
}

func TestCreateWarehouse_FailureHidesCredentials(t *testing.T) {
	seq := &fakeSequencer{
		result: terraform.Result{
			Status: jobstore.StatusError,
			Phase:  terraform.PhaseApply,
			Error:  "terraform apply failed",
			Stderr: "Error: provider exploded",
		},
	}
	srv := newTestServer(t, seq)

	w := doRequest(srv, http.MethodPost, "/api/infra/postgres/db", `{"dbname":"orders"}`, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var created map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &created)
	jobID, _ := created["job_id"].(string)

	final := pollTask(t, srv, jobID)
	if final["status"] != string(jobstore.StatusError) {
		t.Fatalf("final status = %v, want ERROR", final["status"])
	}
	if _, present := final["credentials"]; present && final["credentials"] != nil {
		t.Errorf("failed job leaked credentials: %v", final["credentials"])
	}
	message, _ := final["message"].(string)
	if !strings.Contains(message, "Terraform job failed") {
		t.Errorf("message = %q", message)
	}
}

func TestCreateSuperset_EndToEnd(t *testing.T) {
	seq := &fakeSequencer{
		result: terraform.Result{Status: jobstore.StatusSuccess},
	}
	srv := newTestServer(t, seq)

	w := doRequest(srv, http.MethodPost, "/api/infra/superset", `{"org_slug":"acme"}`, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", w.Code, w.Body.String())
	}
	var created map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &created)
	jobID, _ := created["job_id"].(string)

	final := pollTask(t, srv, jobID)
	if final["status"] != string(jobstore.StatusSuccess) {
		t.Fatalf("final status = %v", final["status"])
	}

	creds, _ := final["credentials"].(map[string]interface{})
	if creds["client_name"] != "acme" {
		t.Errorf("credentials.client_name = %v", creds["client_name"])
	}
	if creds["db_name"] != "superset_acme" {
		t.Errorf("credentials.db_name = %v", creds["db_name"])
	}
	if creds["neworg_name"] != "acme.dalgo.org" {
		t.Errorf("credentials.neworg_name = %v", creds["neworg_name"])
	}
	if creds["admin"] != "admin" {
		t.Errorf("credentials.admin = %v", creds["admin"])
	}
	// the requested port rides along so a deviating superset_port output can
	// be flagged against it
	if creds["port"] != "5432" {
		t.Errorf("credentials.port = %v", creds["port"])
	}
	secretKey, _ := creds["secret_key"].(string)
	if len(secretKey) != secretKeyLength {
		t.Errorf("secret key length = %d, want %d", len(secretKey), secretKeyLength)
	}

	seq.mu.Lock()
	defer seq.mu.Unlock()
	repl := seq.requests[0].Replacements
	for _, key := range []string{
		"CLIENT_NAME", "OUTPUT_DIR", "APP_DB_USER", "APP_DB_NAME",
		"SUPERSET_SECRET_KEY", "SUPERSET_ADMIN_PASSWORD", "APP_DB_PASS", "neworg_name",
	} {
		if _, ok := repl[key]; !ok {
			t.Errorf("replacement %s missing: %v", key, repl)
		}
	}
	if repl["OUTPUT_DIR"] != "../../../acme" {
		t.Errorf("OUTPUT_DIR = %v", repl["OUTPUT_DIR"])
	}
}

func TestTaskStatus_NotFound(t *testing.T) {
	srv := newTestServer(t, &fakeSequencer{})

	w := doRequest(srv, http.MethodGet, "/api/task/unknown-id", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body: %s)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "not found") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, &fakeSequencer{})
	srv.RateLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	first := doRequest(srv, http.MethodGet, "/api/task/any", "", true)
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request must pass the limiter")
	}

	second := doRequest(srv, http.MethodGet, "/api/task/any", "", true)
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", second.Code)
	}
}
