// Package vault provides the client for the secret-vault REST service that
// holds environment-variable blobs. The vault's contract is two calls: get a
// value by (store, key) and set a value under (store, key). Encryption is
// the vault's business; callers only see opaque handles.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
)

// EnvVarsStore is the store name for environment .env blobs.
const EnvVarsStore = "env-vars"

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("vault: key not found")

// Client is a secret-vault REST client.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewClient creates a vault client.
func NewClient(baseURL, serviceKey string) (*Client, error) {
	if baseURL == "" || serviceKey == "" {
		return nil, fmt.Errorf("vault URL and service key are required")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   30 * time.Second,
		},
	}, nil
}

// NewDataKey allocates a fresh opaque vault key.
func NewDataKey() string {
	return uuid.NewString()
}

func (c *Client) valueURL(store, key string) string {
	return fmt.Sprintf("%s/v1/stores/%s/values/%s", c.baseURL, store, key)
}

func (c *Client) doRequest(ctx context.Context, method, reqURL string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// GetValue fetches the value stored under (store, key).
func (c *Client) GetValue(ctx context.Context, store, key string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.valueURL(store, key), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, store, key)
	}
	if resp.StatusCode >= 400 {
		// The body may quote the secret on auth failures; never echo it.
		return "", fmt.Errorf("vault GET %s/%s: status %d", store, key, resp.StatusCode)
	}

	var payload struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("vault GET %s/%s: decode: %w", store, key, err)
	}
	return payload.Value, nil
}

// SetValue stores value under (store, key), overwriting any prior value.
func (c *Client) SetValue(ctx context.Context, store, key, value string) error {
	resp, err := c.doRequest(ctx, http.MethodPut, c.valueURL(store, key), map[string]string{"value": value})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("vault PUT %s/%s: status %d", store, key, resp.StatusCode)
	}
	return nil
}

// Health checks vault connectivity.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("vault health check returned status %d", resp.StatusCode)
	}
	return nil
}
