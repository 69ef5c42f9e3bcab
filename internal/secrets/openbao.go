// Package secrets loads runtime secrets from OpenBao with an environment
// fallback, so local development works without a vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	bao "github.com/openbao/openbao/api/v2"
)

// ErrNotConfigured signals that OpenBao environment variables are absent and
// the caller should fall back to plain environment variables.
var ErrNotConfigured = errors.New("openbao not configured")

// Client wraps an authenticated OpenBao client.
type Client struct {
	api *bao.Client
}

// NewClient creates and authenticates an OpenBao client using AppRole.
func NewClient() (*Client, error) {
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		return nil, ErrNotConfigured
	}

	cfg := bao.DefaultConfig()
	cfg.Address = vaultAddr

	client, err := bao.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenBao client: %w", err)
	}

	roleID := os.Getenv("BAO_ROLE_ID")
	secretID := os.Getenv("BAO_SECRET_ID")
	if roleID == "" || secretID == "" {
		return nil, ErrNotConfigured
	}

	data := map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", data)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}
	if resp == nil || resp.Auth == nil {
		return nil, fmt.Errorf("AppRole authentication returned no token")
	}

	client.SetToken(resp.Auth.ClientToken)
	return &Client{api: client}, nil
}

// Get fetches a secret value from the given KV path and key. Handles both
// KV v2 (data wrapper) and KV v1 (direct data).
func (c *Client) Get(path, key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no data found at path %s", path)
	}

	data := secret.Data
	if dataWrapper, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = dataWrapper
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in secret at %s", key, path)
	}

	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("value for key %s is not a string", key)
	}

	return strValue, nil
}
