package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hilo-trend-engine/config"

	"github.com/hashicorp/vault/api"
)

var (
	ErrDisabled       = errors.New("vault is disabled")
	ErrSecretNotFound = errors.New("exchange credentials not found")
)

// Credentials are the exchange API credentials kept in Vault
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

type logical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

// Client wraps the HashiCorp Vault KV v2 engine for the trading credentials
type Client struct {
	logical logical
	sys     *api.Sys
	config  config.VaultConfig

	mu    sync.RWMutex
	cache map[bool]*Credentials // testnet -> credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[bool]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.logical = client.Logical()
	c.sys = client.Sys()
	return c, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// GetCredentials reads the exchange credentials for the given network
func (c *Client) GetCredentials(ctx context.Context, testnet bool) (*Credentials, error) {
	c.mu.RLock()
	cached, ok := c.cache[testnet]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.config.Enabled {
		return nil, ErrDisabled
	}

	secret, err := c.logical.ReadWithContext(ctx, c.secretPath(testnet))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: testnet,
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, ErrSecretNotFound
	}

	c.mu.Lock()
	c.cache[testnet] = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes credentials for the given network
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if !c.config.Enabled {
		return ErrDisabled
	}

	_, err := c.logical.WriteWithContext(ctx, c.secretPath(creds.IsTestnet), map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[creds.IsTestnet] = &creds
	c.mu.Unlock()
	return nil
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled || c.sys == nil {
		return nil
	}

	health, err := c.sys.HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(testnet bool) string {
	network := "mainnet"
	if testnet {
		network = "testnet"
	}
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, network)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
