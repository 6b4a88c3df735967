package server

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"warehouse-api/internal/jobstore"
	"warehouse-api/internal/terraform"
	"warehouse-api/internal/tfvars"
)

// WarehouseRequest asks for a new warehouse database.
type WarehouseRequest struct {
	DBName string `json:"dbname" validate:"required,slug"`
}

// SupersetRequest asks for a new Superset instance for an organization.
type SupersetRequest struct {
	OrgSlug string `json:"org_slug" validate:"required,slug"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "message": "API is healthy"})
}

func (s *Server) handleCreateWarehouse(c *gin.Context) {
	startTime := time.Now()
	reqLogger := s.Logger.With().
		Str("endpoint", "/api/infra/postgres/db").
		Str("remote_addr", c.ClientIP()).
		Logger()

	defer func() {
		reqLogger.Info().Dur("duration", time.Since(startTime)).Msg("Warehouse create request completed")
	}()

	var req WarehouseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reqLogger.Error().Err(err).Msg("Invalid request body")
		c.JSON(400, gin.H{"error": "Invalid request body"})
		return
	}
	if err := s.Validator.Validate(&req); err != nil {
		reqLogger.Error().Err(err).Str("dbname", req.DBName).Msg("Request validation failed")
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	reqLogger.Info().Str("dbname", req.DBName).Msg("Received warehouse create request")

	settings, err := tfvars.LoadModuleSettings(s.Config.WarehouseModulePath)
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to load warehouse module settings")
		c.JSON(500, gin.H{"error": "Failed to load module settings"})
		return
	}

	password, err := GeneratePassword(passwordLength)
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to generate database password")
		c.JSON(500, gin.H{"error": "Failed to generate credentials"})
		return
	}

	dbUser := req.DBName + "_user"
	replacements := map[string]interface{}{
		"APP_DB_NAME": req.DBName,
		"APP_DB_USER": dbUser,
		"APP_DB_PASS": password,
	}
	credentials := map[string]string{
		"dbname":   req.DBName,
		"user":     dbUser,
		"password": password,
		"host":     settings.RDSHostname(),
		"port":     strconv.Itoa(settings.DBPort),
	}

	jobID, err := s.Dispatcher.Enqueue(c.Request.Context(), terraform.Request{
		ModulePath:   s.Config.WarehouseModulePath,
		ModuleType:   tfvars.ModuleTypeWarehouse,
		Replacements: replacements,
		Credentials:  credentials,
	})
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to enqueue warehouse job")
		c.JSON(503, gin.H{"error": "Job queue is full, try again later"})
		return
	}

	reqLogger.Info().Str("job_id", jobID).Str("dbname", req.DBName).Msg("Warehouse job queued")

	c.JSON(202, gin.H{
		"job_id":     jobID,
		"status":     jobstore.StatusPending,
		"message":    "Terraform job is pending execution",
		"created_at": float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleCreateSuperset(c *gin.Context) {
	startTime := time.Now()
	reqLogger := s.Logger.With().
		Str("endpoint", "/api/infra/superset").
		Str("remote_addr", c.ClientIP()).
		Logger()

	defer func() {
		reqLogger.Info().Dur("duration", time.Since(startTime)).Msg("Superset create request completed")
	}()

	var req SupersetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reqLogger.Error().Err(err).Msg("Invalid request body")
		c.JSON(400, gin.H{"error": "Invalid request body"})
		return
	}
	if err := s.Validator.Validate(&req); err != nil {
		reqLogger.Error().Err(err).Str("org_slug", req.OrgSlug).Msg("Request validation failed")
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	reqLogger.Info().Str("org_slug", req.OrgSlug).Msg("Received superset create request")

	settings, err := tfvars.LoadModuleSettings(s.Config.SupersetModulePath)
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to load superset module settings")
		c.JSON(500, gin.H{"error": "Failed to load module settings"})
		return
	}

	secrets, err := generateMany(secretKeyLength, passwordLength, passwordLength)
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to generate superset credentials")
		c.JSON(500, gin.H{"error": "Failed to generate credentials"})
		return
	}
	secretKey, adminPassword, dbPassword := secrets[0], secrets[1], secrets[2]

	orgSlug := req.OrgSlug
	dbName := "superset_" + orgSlug
	orgHost := fmt.Sprintf("%s.%s", orgSlug, s.Config.OrgDomain)

	replacements := map[string]interface{}{
		"CLIENT_NAME":             orgSlug,
		"OUTPUT_DIR":              "../../../" + orgSlug,
		"APP_DB_USER":             dbName,
		"APP_DB_NAME":             dbName,
		"SUPERSET_SECRET_KEY":     secretKey,
		"SUPERSET_ADMIN_PASSWORD": adminPassword,
		"APP_DB_PASS":             dbPassword,
		"neworg_name":             orgHost,
	}
	credentials := map[string]string{
		"client_name":    orgSlug,
		"db_name":        dbName,
		"db_user":        dbName,
		"db_password":    dbPassword,
		"admin":          settings.SupersetAdminUsername,
		"admin_password": adminPassword,
		"secret_key":     secretKey,
		"neworg_name":    orgHost,
		"port":           strconv.Itoa(settings.DBPort),
	}

	jobID, err := s.Dispatcher.Enqueue(c.Request.Context(), terraform.Request{
		ModulePath:   s.Config.SupersetModulePath,
		ModuleType:   tfvars.ModuleTypeSuperset,
		Replacements: replacements,
		Credentials:  credentials,
	})
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to enqueue superset job")
		c.JSON(503, gin.H{"error": "Job queue is full, try again later"})
		return
	}

	reqLogger.Info().Str("job_id", jobID).Str("org_slug", orgSlug).Msg("Superset job queued")

	c.JSON(202, gin.H{
		"job_id":     jobID,
		"status":     jobstore.StatusPending,
		"message":    "Terraform job is pending execution",
		"created_at": float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	reqLogger := s.Logger.With().
		Str("task_id", taskID).
		Str("endpoint", "/api/task/:task_id").
		Str("remote_addr", c.ClientIP()).
		Logger()

	reqLogger.Debug().Msg("Task status request received")

	view, err := s.Dispatcher.GetTaskStatus(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			reqLogger.Warn().Msg("Task not found")
			c.JSON(404, gin.H{"error": fmt.Sprintf("Task ID %s not found", taskID)})
			return
		}
		reqLogger.Error().Err(err).Msg("Failed to load task status")
		c.JSON(500, gin.H{"error": "Failed to load task status"})
		return
	}

	reqLogger.Debug().
		Str("status", string(view.Status)).
		Bool("credentials_present", view.Credentials != nil).
		Msg("Task status retrieved")

	c.JSON(200, view)
}
