// Package client holds the HTTP clients for the secure-storage and
// secure-backup services. Each exposes a single data-deletion endpoint the
// coordinator must await before dropping the durable account row.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 30 * time.Second

// SecureStorage deletes contact/storage-service data for an account.
type SecureStorage struct {
	BaseURL string
	HTTP    *http.Client
}

// NewSecureStorage creates a client for the secure-storage service.
func NewSecureStorage(baseURL string) *SecureStorage {
	return &SecureStorage{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

// DeleteStoredData removes the account's stored data.
func (c *SecureStorage) DeleteStoredData(ctx context.Context, aci uuid.UUID) error {
	return deleteResource(ctx, c.HTTP, fmt.Sprintf("%s/v1/storage/%s", c.BaseURL, aci))
}

// SecureBackup deletes backup-service data for an account.
type SecureBackup struct {
	BaseURL string
	HTTP    *http.Client
}

// NewSecureBackup creates a client for the secure-backup service.
func NewSecureBackup(baseURL string) *SecureBackup {
	return &SecureBackup{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

// DeleteBackups removes the account's backups.
func (c *SecureBackup) DeleteBackups(ctx context.Context, aci uuid.UUID) error {
	return deleteResource(ctx, c.HTTP, fmt.Sprintf("%s/v1/backups/%s", c.BaseURL, aci))
}

func deleteResource(ctx context.Context, httpClient *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	// 404 counts as success: a retried deletion finds nothing to delete.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
