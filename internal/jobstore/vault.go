package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"warehouse-api/internal/vault"
)

const jobsKVPrefix = "terraform/jobs"

// VaultBackend persists job records as JSON under a Vault KV prefix, so
// workers and API replicas share state without a central database. KV v2
// has no native TTL; expiry is handled by the jobstore retention sweeper.
type VaultBackend struct {
	client *vault.Client
}

func NewVaultBackend(client *vault.Client) *VaultBackend {
	return &VaultBackend{client: client}
}

func (v *VaultBackend) Put(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize job record: %w", err)
	}
	return v.client.PutSecret(jobKey(record.ID), map[string]interface{}{
		"record": string(data),
	})
}

func (v *VaultBackend) Get(ctx context.Context, id string) (*Record, error) {
	data, err := v.client.GetSecret(jobKey(id))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}

	raw, ok := data["record"].(string)
	if !ok {
		return nil, fmt.Errorf("malformed job record at %s", jobKey(id))
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize job record: %w", err)
	}
	return &record, nil
}

func (v *VaultBackend) Delete(ctx context.Context, id string) error {
	return v.client.DeleteSecret(jobKey(id))
}

func (v *VaultBackend) List(ctx context.Context) ([]string, error) {
	return v.client.ListSecrets(jobsKVPrefix)
}

func jobKey(id string) string {
	return fmt.Sprintf("%s/%s", jobsKVPrefix, id)
}
