// Package morph provides a Go client for the Morph Cloud REST API and the
// provider adapter built on it.
package morph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sony/gobreaker"

	"github.com/steveyegge/bullpen/internal/provider"
)

const (
	// DefaultBaseURL is the Morph Cloud API base URL.
	DefaultBaseURL = "https://cloud.morph.so/api"

	// DefaultTimeout is the default HTTP client timeout. Boot and snapshot
	// calls can take minutes.
	DefaultTimeout = 2 * time.Minute

	// transportRetries bounds retries of transport-level failures. HTTP
	// error statuses are never retried here.
	transportRetries = 3
)

// Client is a Morph Cloud API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// ClientOption configures the Morph client.
type ClientOption func(*Client)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Morph Cloud API client.
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("morph API key is required")
	}

	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "morph-api",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// 4xx means the API is healthy and the request was wrong.
			var apiErr *provider.APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
	})

	return c, nil
}

// doRequest performs an authenticated request through the circuit breaker,
// retrying transport-level failures with linear backoff. 5xx statuses are
// surfaced as errors so the breaker counts them; 4xx pass through for
// parseResponse to classify.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var lastErr error
		for attempt := 1; attempt <= transportRetries; attempt++ {
			var bodyReader io.Reader
			if jsonBody != nil {
				bodyReader = bytes.NewReader(jsonBody)
			}

			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
			if err != nil {
				return nil, fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err == nil {
				if resp.StatusCode >= 500 {
					return nil, drainAPIError(resp)
				}
				return resp, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < transportRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
				}
			}
		}
		return nil, fmt.Errorf("request failed: %w", lastErr)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// drainAPIError consumes an error response's body into an APIError.
func drainAPIError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return apiErrorFromBody(resp.StatusCode, body)
}

// apiErrorFromBody extracts the most specific message the API offered.
func apiErrorFromBody(status int, body []byte) *provider.APIError {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	msg := string(body)
	if json.Unmarshal(body, &errResp) == nil {
		switch {
		case errResp.Error != "":
			msg = errResp.Error
		case errResp.Message != "":
			msg = errResp.Message
		case errResp.Detail != "":
			msg = errResp.Detail
		}
	}
	return &provider.APIError{Provider: provider.KindMorph, StatusCode: status, Message: msg}
}

// parseResponse decodes a JSON response into target. Error statuses become
// *provider.APIError.
func parseResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return apiErrorFromBody(resp.StatusCode, body)
	}

	if target != nil && len(body) > 0 {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}

	return nil
}

// --- Wire types ---

// APIInstance is an instance as returned by the API.
type APIInstance struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Refs       *APIInstanceRefs  `json:"refs,omitempty"`
	Networking *APINetworking    `json:"networking,omitempty"`
	Spec       *APIInstanceSpec  `json:"spec,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  string            `json:"created_at,omitempty"`
}

// APIInstanceRefs carries reference URLs for an instance.
type APIInstanceRefs struct {
	HTTP string `json:"http,omitempty"`
	SSH  string `json:"ssh,omitempty"`
}

// APIInstanceSpec carries instance sizing.
type APIInstanceSpec struct {
	VCPUs    int `json:"vcpus,omitempty"`
	Memory   int `json:"memory,omitempty"`
	DiskSize int `json:"disk_size,omitempty"`
}

// APIHTTPService is one exposed HTTP service.
type APIHTTPService struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Port int    `json:"port,omitempty"`
}

// APINetworking carries exposed services. The API has shipped two formats
// for http_services over time; both decode into Services.
type APINetworking struct {
	InternalIP string           `json:"internal_ip,omitempty"`
	Services   []APIHTTPService `json:"-"`
}

// UnmarshalJSON accepts both the legacy map format and the array format for
// http_services.
func (n *APINetworking) UnmarshalJSON(data []byte) error {
	var raw struct {
		InternalIP   string          `json:"internal_ip"`
		HTTPServices json.RawMessage `json:"http_services"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.InternalIP = raw.InternalIP

	if len(raw.HTTPServices) == 0 || string(raw.HTTPServices) == "null" {
		n.Services = nil
		return nil
	}

	var services []APIHTTPService
	if err := json.Unmarshal(raw.HTTPServices, &services); err == nil {
		n.Services = services
		return nil
	}

	// Legacy map[name]url format. Port is recovered from the name where
	// possible.
	var legacy map[string]string
	if err := json.Unmarshal(raw.HTTPServices, &legacy); err == nil {
		n.Services = make([]APIHTTPService, 0, len(legacy))
		for name, url := range legacy {
			n.Services = append(n.Services, APIHTTPService{
				Name: name,
				URL:  url,
				Port: portForServiceName(name),
			})
		}
		return nil
	}

	// Unknown format; keep empty to avoid hard failures on reads.
	n.Services = []APIHTTPService{}
	return nil
}

// APISnapshot is a snapshot as returned by the API.
type APISnapshot struct {
	ID        string            `json:"id"`
	Digest    string            `json:"digest,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Spec      *APIInstanceSpec  `json:"spec,omitempty"`
	CreatedAt string            `json:"created_at,omitempty"`
}

// APIExecResult is the result of an exec call.
type APIExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// BootRequest starts a new instance from a snapshot.
type BootRequest struct {
	SnapshotID string
	TTLSeconds int
	TTLAction  string
	Metadata   map[string]string
}

// --- Instance operations ---

// BootInstance boots a new instance from a snapshot.
func (c *Client) BootInstance(ctx context.Context, req BootRequest) (*APIInstance, error) {
	body := map[string]interface{}{}
	if req.TTLSeconds > 0 {
		body["ttl_seconds"] = req.TTLSeconds
	}
	if req.TTLAction != "" {
		body["ttl_action"] = req.TTLAction
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/snapshot/"+req.SnapshotID+"/boot", body)
	if err != nil {
		return nil, err
	}

	var inst APIInstance
	if err := parseResponse(resp, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstance fetches an instance by id.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*APIInstance, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/instance/"+instanceID, nil)
	if err != nil {
		return nil, err
	}

	var inst APIInstance
	if err := parseResponse(resp, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances lists all instances visible to the API key.
func (c *Client) ListInstances(ctx context.Context) ([]APIInstance, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/instance", nil)
	if err != nil {
		return nil, err
	}

	var instances []APIInstance
	if err := parseResponse(resp, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// StopInstance destroys an instance.
func (c *Client) StopInstance(ctx context.Context, instanceID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/instance/"+instanceID, nil)
	if err != nil {
		return err
	}
	return parseResponse(resp, nil)
}

// ExecCommand runs a shell command on an instance. The API expects the
// command as an argv array; we wrap in bash -c.
func (c *Client) ExecCommand(ctx context.Context, instanceID, command string) (*APIExecResult, error) {
	body := map[string]interface{}{
		"command": []string{"bash", "-c", command},
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/exec", body)
	if err != nil {
		return nil, err
	}

	var result APIExecResult
	if err := parseResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SnapshotInstance freezes an instance into a new snapshot.
func (c *Client) SnapshotInstance(ctx context.Context, instanceID string, metadata map[string]string) (*APISnapshot, error) {
	body := map[string]interface{}{}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/snapshot", body)
	if err != nil {
		return nil, err
	}

	var snap APISnapshot
	if err := parseResponse(resp, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ExposeHTTPService publishes a port under a service name.
func (c *Client) ExposeHTTPService(ctx context.Context, instanceID, name string, port int) (*APIHTTPService, error) {
	body := map[string]interface{}{
		"name": name,
		"port": port,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/http", body)
	if err != nil {
		return nil, err
	}

	var svc APIHTTPService
	if err := parseResponse(resp, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

// HideHTTPService withdraws a named service.
func (c *Client) HideHTTPService(ctx context.Context, instanceID, name string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/instance/"+instanceID+"/http/"+name, nil)
	if err != nil {
		return err
	}
	return parseResponse(resp, nil)
}

// PauseInstance suspends an instance preserving RAM state.
func (c *Client) PauseInstance(ctx context.Context, instanceID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/pause", nil)
	if err != nil {
		return err
	}
	return parseResponse(resp, nil)
}

// ResumeInstance wakes a paused instance.
func (c *Client) ResumeInstance(ctx context.Context, instanceID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/resume", nil)
	if err != nil {
		return err
	}
	return parseResponse(resp, nil)
}

// RebootInstance restarts an instance.
func (c *Client) RebootInstance(ctx context.Context, instanceID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/reboot", nil)
	if err != nil {
		return err
	}
	return parseResponse(resp, nil)
}

// UpdateTTL replaces an instance's TTL.
func (c *Client) UpdateTTL(ctx context.Context, instanceID string, ttlSeconds int, action string) error {
	body := map[string]interface{}{
		"ttl_seconds": ttlSeconds,
	}
	if action != "" {
		body["ttl_action"] = action
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/ttl", body)
	if err != nil {
		return err
	}
	return parseResponse(resp, nil)
}

// SetWakeOn asks the cloud to wake a paused instance on inbound traffic.
func (c *Client) SetWakeOn(ctx context.Context, instanceID string, connection, ssh bool) error {
	body := map[string]interface{}{
		"wake_on_connection": connection,
		"wake_on_ssh":        ssh,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/instance/"+instanceID+"/wake-on", body)
	if err != nil {
		return err
	}
	return parseResponse(resp, nil)
}

// GetSSHKey fetches the instance's SSH private key.
func (c *Client) GetSSHKey(ctx context.Context, instanceID string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/instance/"+instanceID+"/ssh-key", nil)
	if err != nil {
		return "", err
	}

	var result map[string]string
	if err := parseResponse(resp, &result); err != nil {
		return "", err
	}
	if key, ok := result["private_key"]; ok {
		return key, nil
	}
	if key, ok := result["key"]; ok {
		return key, nil
	}
	return "", fmt.Errorf("no SSH key in response")
}

// WaitForInstance polls until the instance reports a live status.
func (c *Client) WaitForInstance(ctx context.Context, instanceID string, timeout time.Duration) (*APIInstance, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, provider.ErrTimeout
			}

			inst, err := c.GetInstance(ctx, instanceID)
			if err != nil {
				continue
			}

			switch inst.Status {
			case "running", "ready":
				return inst, nil
			case "failed", "error":
				return nil, fmt.Errorf("instance failed to start: %s", inst.Status)
			}
		}
	}
}

// portForServiceName recovers a port number from a service name: user
// services carry it in the name, fixed services map to their image ports.
func portForServiceName(name string) int {
	if port, ok := parseUserPortName(name); ok {
		return port
	}
	switch name {
	case provider.ServiceCodeEditor:
		return provider.CodeEditorPort
	case provider.ServiceWorker:
		return provider.WorkerPort
	case provider.ServiceVNC:
		return provider.VNCPort
	case provider.ServiceXterm:
		return provider.XtermPort
	}
	return 0
}

func parseUserPortName(name string) (int, bool) {
	var port int
	if _, err := fmt.Sscanf(name, provider.UserPortPrefix+"%d", &port); err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}
