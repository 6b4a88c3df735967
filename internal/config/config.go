// Package config loads application configuration: Vault first, environment
// variables second, hard defaults last.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"warehouse-api/internal/vault"
)

// Config holds application configuration.
type Config struct {
	ServerPort          string
	APIKey              string
	WorkerCount         int
	QueueSize           int
	RetentionHours      int
	RateLimit           int
	WarehouseModulePath string
	SupersetModulePath  string
	JobConfigsDir       string
	PhaseTimeoutMinutes int
	OrgDomain           string
	JobStoreBackend     string
	ModulesRepoURL      string
	ModulesRepoToken    string
	ModulesBaseDir      string
	DriftCheckMinutes   int
}

// PhaseTimeout returns the per-phase terraform deadline; zero disables it.
func (c *Config) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutMinutes) * time.Minute
}

// Retention returns how long terminal job records are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Manager loads configuration from its sources in priority order.
type Manager struct {
	logger zerolog.Logger
}

func NewManager() *Manager {
	return &Manager{
		logger: log.With().Str("component", "config").Logger(),
	}
}

// Load assembles the configuration. A nil Vault client skips the Vault
// source; the API still starts from environment variables alone.
func (m *Manager) Load(vaultClient *vault.Client) *Config {
	config := &Config{}

	if vaultClient != nil {
		m.loadFromVault(vaultClient, config)
	}
	m.loadFromEnvironment(config)
	m.setDefaults(config)

	return config
}

func (m *Manager) loadFromVault(vaultClient *vault.Client, config *Config) {
	apiConfig, err := vaultClient.GetSecret("terraform/api")
	if err != nil {
		m.logger.Info().Err(err).Msg("API configuration not found in Vault, will use environment variables")
		return
	}
	for key, value := range apiConfig {
		config.setIntValue(key, value)
		config.setStringValue(key, value)
	}
}

func (c *Config) setIntValue(key string, value interface{}) {
	str, ok := value.(string)
	if !ok {
		return
	}
	intVal, err := strconv.Atoi(str)
	if err != nil {
		return
	}
	switch key {
	case "worker_count":
		c.WorkerCount = intVal
	case "queue_size":
		c.QueueSize = intVal
	case "retention_hours":
		c.RetentionHours = intVal
	case "rate_limit":
		c.RateLimit = intVal
	case "phase_timeout_minutes":
		c.PhaseTimeoutMinutes = intVal
	case "drift_check_minutes":
		c.DriftCheckMinutes = intVal
	}
}

func (c *Config) setStringValue(key string, value interface{}) {
	str, ok := value.(string)
	if !ok {
		return
	}
	switch key {
	case "port":
		c.ServerPort = str
	case "api_key":
		c.APIKey = str
	case "warehouse_module_path":
		c.WarehouseModulePath = str
	case "superset_module_path":
		c.SupersetModulePath = str
	case "job_configs_dir":
		c.JobConfigsDir = str
	case "org_domain":
		c.OrgDomain = str
	case "job_store_backend":
		c.JobStoreBackend = str
	case "modules_repo_url":
		c.ModulesRepoURL = str
	case "modules_repo_token":
		c.ModulesRepoToken = str
	case "modules_base_dir":
		c.ModulesBaseDir = str
	}
}

func (m *Manager) loadFromEnvironment(config *Config) {
	setStringFromEnv(&config.ServerPort, "PORT")
	setStringFromEnv(&config.APIKey, "API_KEY")
	setIntFromEnv(&config.WorkerCount, "WORKER_COUNT")
	setIntFromEnv(&config.QueueSize, "QUEUE_SIZE")
	setIntFromEnv(&config.RetentionHours, "RETENTION_HOURS")
	setIntFromEnv(&config.RateLimit, "RATE_LIMIT_REQUESTS_PER_SECOND")
	setStringFromEnv(&config.WarehouseModulePath, "TERRAFORM_MODULE_PATH_WAREHOUSE")
	setStringFromEnv(&config.SupersetModulePath, "TERRAFORM_MODULE_PATH_SUPERSET")
	setStringFromEnv(&config.JobConfigsDir, "TERRAFORM_JOB_CONFIGS_PATH")
	setIntFromEnv(&config.PhaseTimeoutMinutes, "TERRAFORM_PHASE_TIMEOUT_MINUTES")
	setStringFromEnv(&config.OrgDomain, "ORG_DOMAIN")
	setStringFromEnv(&config.JobStoreBackend, "JOB_STORE_BACKEND")
	setStringFromEnv(&config.ModulesRepoURL, "MODULES_REPO_URL")
	setStringFromEnv(&config.ModulesRepoToken, "MODULES_REPO_TOKEN")
	setStringFromEnv(&config.ModulesBaseDir, "MODULES_BASE_DIR")
	setIntFromEnv(&config.DriftCheckMinutes, "DRIFT_CHECK_MINUTES")
}

func setStringFromEnv(dst *string, key string) {
	if *dst != "" {
		return
	}
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setIntFromEnv(dst *int, key string) {
	if *dst != 0 {
		return
	}
	value := os.Getenv(key)
	if value == "" {
		return
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		*dst = intVal
	}
}

func (m *Manager) setDefaults(config *Config) {
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.WorkerCount == 0 {
		config.WorkerCount = 4
	}
	if config.QueueSize == 0 {
		config.QueueSize = 100
	}
	if config.RetentionHours == 0 {
		config.RetentionHours = 24
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.WarehouseModulePath == "" {
		config.WarehouseModulePath = "terraform_files/createWarehouse"
	}
	if config.SupersetModulePath == "" {
		config.SupersetModulePath = "terraform_files/createSuperset"
	}
	if config.JobConfigsDir == "" {
		config.JobConfigsDir = "terraform_files/temp_task_configs"
	}
	if config.PhaseTimeoutMinutes == 0 {
		config.PhaseTimeoutMinutes = 30
	}
	if config.OrgDomain == "" {
		config.OrgDomain = "example.org"
	}
	if config.JobStoreBackend == "" {
		config.JobStoreBackend = "memory"
	}
	if config.ModulesBaseDir == "" {
		config.ModulesBaseDir = "terraform_files"
	}
}
