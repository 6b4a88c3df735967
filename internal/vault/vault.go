// Package vault wraps the HashiCorp Vault KV v2 API for configuration,
// job-record persistence, and provisioning-credential storage.
package vault

import (
	"errors"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSecretNotFound is returned when a KV path holds no secret.
var ErrSecretNotFound = errors.New("secret not found")

var logger zerolog.Logger

func init() {
	logger = log.With().Str("component", "vault").Logger()
}

// Client is an AppRole-authenticated Vault KV v2 client.
type Client struct {
	client *vault.Client
}

// NewClient authenticates against Vault using VAULT_ADDR, VAULT_ROLE_ID,
// and VAULT_SECRET_ID from the environment.
func NewClient() (*Client, error) {
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		vaultAddr = "http://127.0.0.1:8200"
	}
	logger.Debug().Str("vault_addr", vaultAddr).Msg("Initializing Vault client")

	config := vault.DefaultConfig()
	config.Address = vaultAddr

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		logger.Error().
			Bool("role_id_set", roleID != "").
			Bool("secret_id_set", secretID != "").
			Msg("Required Vault credentials not set")
		return nil, fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set")
	}

	loginSecret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		logger.Error().Err(err).Str("vault_addr", vaultAddr).Msg("Failed to authenticate with Vault")
		return nil, fmt.Errorf("failed to login to vault: %w", err)
	}

	client.SetToken(loginSecret.Auth.ClientToken)
	logger.Info().Str("vault_addr", vaultAddr).Msg("Vault client initialized")
	return &Client{client: client}, nil
}

// GetSecret reads a KV v2 secret's data map.
func (c *Client) GetSecret(path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("kv/data/%s", path)

	secret, err := c.client.Logical().Read(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	// KV v2 nests the payload under a "data" key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret data format at %s", path)
	}
	return data, nil
}

// PutSecret writes a KV v2 secret.
func (c *Client) PutSecret(path string, data map[string]interface{}) error {
	_, err := c.client.Logical().Write(fmt.Sprintf("kv/data/%s", path), map[string]interface{}{
		"data": data,
	})
	if err != nil {
		return fmt.Errorf("failed to write secret %s: %w", path, err)
	}
	return nil
}

// DeleteSecret removes a KV v2 secret and its metadata.
func (c *Client) DeleteSecret(path string) error {
	_, err := c.client.Logical().Delete(fmt.Sprintf("kv/metadata/%s", path))
	if err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", path, err)
	}
	return nil
}

const credentialsKVPrefix = "terraform/credentials"

// StoreJobCredentials archives a successful job's generated credentials
// for long-term retrieval after the job record itself is swept.
func (c *Client) StoreJobCredentials(jobID string, credentials map[string]string) error {
	data := make(map[string]interface{}, len(credentials))
	for key, value := range credentials {
		data[key] = value
	}
	path := fmt.Sprintf("%s/%s", credentialsKVPrefix, jobID)
	if err := c.PutSecret(path, data); err != nil {
		return err
	}
	logger.Info().Str("job_id", jobID).Msg("Archived job credentials")
	return nil
}

// ListSecrets returns the keys stored under a KV v2 path.
func (c *Client) ListSecrets(path string) ([]string, error) {
	secret, err := c.client.Logical().List(fmt.Sprintf("kv/metadata/%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets under %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return []string{}, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret list format under %s", path)
	}

	result := make([]string, 0, len(keys))
	for _, key := range keys {
		if s, ok := key.(string); ok {
			result = append(result, s)
		}
	}
	return result, nil
}
