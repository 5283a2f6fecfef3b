// Package pvelxc provides a client for the Proxmox VE API scoped to LXC
// containers, plus the provider adapter built on it. Instances are linked
// clones of template containers; the exec daemon baked into the image serves
// command execution on port 39375.
package pvelxc

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/steveyegge/bullpen/internal/provider"
)

const (
	// apiTimeout bounds one Proxmox API round trip. Clone and template
	// operations return a task id immediately, so this stays modest.
	apiTimeout = 180 * time.Second

	// taskTimeout bounds waiting for one Proxmox task (clone, start, stop,
	// destroy, template conversion).
	taskTimeout = 5 * time.Minute

	// firstVMID is the lowest VMID this service allocates. Everything below
	// is reserved for hand-managed containers and preset templates.
	firstVMID = 200

	// cloneRetries bounds retries of linked clones that race on a VMID.
	cloneRetries = 5
)

// TemplateResolver maps a snapshot id to the template VMID backing it.
// Wired to the snapshot manifest in production.
type TemplateResolver func(snapshotID string) (templateVMID int, err error)

// Config configures the Proxmox client.
type Config struct {
	// APIURL is the API base, e.g. https://pve.example.com:8006.
	APIURL string

	// APIToken is the PVEAPIToken value (user@realm!name=uuid).
	APIToken string

	// Node pins operations to one cluster node. Empty auto-detects the
	// first node.
	Node string

	// PublicDomain, when set, fronts container ports as
	// https://port-<p>-<host>.<domain>.
	PublicDomain string

	// VerifyTLS enables certificate verification. Self-hosted clusters
	// commonly run self-signed.
	VerifyTLS bool

	// TemplateResolver resolves snapshot ids that arrive without an
	// explicit template VMID.
	TemplateResolver TemplateResolver
}

// Client is a Proxmox VE API client for LXC containers.
type Client struct {
	apiURL   string
	apiToken string

	publicDomain string

	apiHTTP  *http.Client
	execHTTP *http.Client

	templateResolver TemplateResolver

	nodeMu sync.Mutex
	node   string

	dnsMu         sync.Mutex
	domainSuffix  string
	domainFetched bool
}

// --- Wire types. The API wraps every payload in {"data": ...}. ---

type pveEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type pveNodeInfo struct {
	Node string `json:"node"`
}

type pveDNSConfig struct {
	Search string `json:"search,omitempty"`
}

type pveTaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

type pveContainerStatus struct {
	Status   string `json:"status"`
	VMID     int    `json:"vmid"`
	Name     string `json:"name,omitempty"`
	Template int    `json:"template,omitempty"`
}

type pveContainerConfig struct {
	Net0     string `json:"net0,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

var (
	reDigits     = regexp.MustCompile(`^\d+$`)
	reCmuxVmid   = regexp.MustCompile(`^cmux-(\d+)$`)
	reSnapshotID = regexp.MustCompile(`^snapshot_[a-z0-9]+$`)
	reNet0IP     = regexp.MustCompile(`ip=([0-9.]+)`)
)

// NewClient creates a Proxmox LXC client.
func NewClient(cfg Config) (*Client, error) {
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		return nil, fmt.Errorf("pve API URL is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("pve API token is required")
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS}

	return &Client{
		apiURL:           apiURL,
		apiToken:         cfg.APIToken,
		publicDomain:     strings.TrimSpace(cfg.PublicDomain),
		apiHTTP:          &http.Client{Transport: transport, Timeout: apiTimeout},
		execHTTP:         cleanhttp.DefaultPooledClient(),
		templateResolver: cfg.TemplateResolver,
		node:             strings.TrimSpace(cfg.Node),
	}, nil
}

// NormalizeHostID canonicalizes an instance id to its hostname form:
// lowercase, underscores to hyphens.
func NormalizeHostID(value string) string {
	return strings.TrimSpace(strings.ToLower(strings.ReplaceAll(value, "_", "-")))
}

// GenerateInstanceID allocates a fresh pvelxc-<hex8> instance id.
func GenerateInstanceID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pvelxc-" + hex.EncodeToString(b), nil
}

// GenerateSnapshotID allocates a fresh snapshot_<hex8> snapshot id.
func GenerateSnapshotID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "snapshot_" + hex.EncodeToString(b), nil
}

// IsSnapshotID reports whether value has the snapshot_<hex> shape.
func IsSnapshotID(value string) bool {
	return reSnapshotID.MatchString(strings.TrimSpace(strings.ToLower(value)))
}

// ParseVMID extracts a numeric VMID from bare-digit or cmux-<vmid> ids.
func ParseVMID(instanceID string) (int, bool) {
	id := strings.TrimSpace(strings.ToLower(instanceID))
	if reDigits.MatchString(id) {
		vmid, err := strconv.Atoi(id)
		return vmid, err == nil && vmid > 0
	}
	if m := reCmuxVmid.FindStringSubmatch(id); len(m) == 2 {
		vmid, err := strconv.Atoi(m[1])
		return vmid, err == nil && vmid > 0
	}
	return 0, false
}

// apiRequestData performs one authenticated API call and unwraps the data
// envelope. Writes are form-encoded per the Proxmox convention.
func (c *Client) apiRequestData(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	reqURL := c.apiURL + path

	var body io.Reader
	headers := http.Header{}
	headers.Set("Authorization", "PVEAPIToken="+c.apiToken)

	if len(params) > 0 {
		encoded := params.Encode()
		if method == http.MethodGet || method == http.MethodDelete {
			sep := "?"
			if strings.Contains(reqURL, "?") {
				sep = "&"
			}
			reqURL += sep + encoded
		} else {
			headers.Set("Content-Type", "application/x-www-form-urlencoded")
			body = strings.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = headers

	resp, err := c.apiHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = "(empty response)"
		}
		return nil, &provider.APIError{Provider: provider.KindPveLxc, StatusCode: resp.StatusCode, Message: msg}
	}

	var env pveEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding pve response: %w", err)
	}
	return env.Data, nil
}

// apiRequest calls apiRequestData and decodes the data payload into T.
func apiRequest[T any](ctx context.Context, c *Client, method, path string, params url.Values) (T, error) {
	var zero T
	data, err := c.apiRequestData(ctx, method, path, params)
	if err != nil {
		return zero, err
	}
	if err := json.Unmarshal(data, &zero); err != nil {
		return zero, fmt.Errorf("decoding pve data: %w", err)
	}
	return zero, nil
}

// normalizeUpid cleans a task id. Some responses URL-encode the colons.
func normalizeUpid(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.Contains(trimmed, "%3A") {
		if decoded, err := url.QueryUnescape(trimmed); err == nil {
			return decoded
		}
	}
	return trimmed
}

// extractUpid pulls the task id out of a data payload. Task-spawning calls
// return either a bare string or {"upid": "..."}.
func extractUpid(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return normalizeUpid(s)
	}
	var obj struct {
		UPID string `json:"upid"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return normalizeUpid(obj.UPID)
	}
	return ""
}

// getNode returns the pinned or auto-detected cluster node.
func (c *Client) getNode(ctx context.Context) (string, error) {
	c.nodeMu.Lock()
	defer c.nodeMu.Unlock()
	if c.node != "" {
		return c.node, nil
	}

	nodes, err := apiRequest[[]pveNodeInfo](ctx, c, http.MethodGet, "/api2/json/nodes", nil)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 || nodes[0].Node == "" {
		return "", fmt.Errorf("no nodes found in pve cluster")
	}
	c.node = nodes[0].Node
	return c.node, nil
}

// getDomainSuffix returns ".<search-domain>" from the node's DNS config,
// fetched once. Containers are reachable as <hostname><suffix> when the
// cluster runs internal DNS.
func (c *Client) getDomainSuffix(ctx context.Context) (string, error) {
	c.dnsMu.Lock()
	defer c.dnsMu.Unlock()

	if c.domainFetched {
		return c.domainSuffix, nil
	}

	node, err := c.getNode(ctx)
	if err != nil {
		c.domainFetched = true
		return "", err
	}

	dns, err := apiRequest[pveDNSConfig](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/dns", node), nil)
	if err != nil {
		c.domainFetched = true
		return "", nil
	}

	if search := strings.TrimSpace(dns.Search); search != "" {
		c.domainSuffix = "." + search
	}
	c.domainFetched = true
	return c.domainSuffix, nil
}

func (c *Client) getContainerConfig(ctx context.Context, vmid int) (pveContainerConfig, error) {
	node, err := c.getNode(ctx)
	if err != nil {
		return pveContainerConfig{}, err
	}
	return apiRequest[pveContainerConfig](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/config", node, vmid), nil)
}

// getContainerIP parses the static IP out of the net0 config line
// (name=eth0,bridge=vmbr0,ip=10.100.0.123/24,gw=...).
func (c *Client) getContainerIP(ctx context.Context, vmid int) (string, error) {
	cfg, err := c.getContainerConfig(ctx, vmid)
	if err != nil {
		return "", err
	}
	if m := reNet0IP.FindStringSubmatch(cfg.Net0); len(m) == 2 {
		return m[1], nil
	}
	return "", nil
}

func (c *Client) getContainerHostname(ctx context.Context, vmid int) (string, error) {
	cfg, err := c.getContainerConfig(ctx, vmid)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(cfg.Hostname), nil
}

// GetContainerStatus returns running, stopped, paused, or unknown.
func (c *Client) GetContainerStatus(ctx context.Context, vmid int) (string, error) {
	node, err := c.getNode(ctx)
	if err != nil {
		return "", err
	}

	status, err := apiRequest[pveContainerStatus](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/status/current", node, vmid), nil)
	if err != nil {
		if isNotFoundMessage(err) {
			return "", fmt.Errorf("%w: vmid %d", provider.ErrNotFound, vmid)
		}
		return "unknown", nil
	}
	switch status.Status {
	case "running", "stopped", "paused":
		return status.Status, nil
	default:
		return "unknown", nil
	}
}

// waitForTask polls a task until it stops, failing on non-OK exit status.
func (c *Client) waitForTask(ctx context.Context, upid string, timeout time.Duration) error {
	upid = normalizeUpid(upid)
	if upid == "" {
		return nil
	}

	node, err := c.getNode(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: pve task %s", provider.ErrTimeout, upid)
			}
			status, err := apiRequest[pveTaskStatus](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", node, url.PathEscape(upid)), nil)
			if err != nil {
				continue
			}
			if status.Status == "stopped" {
				if status.ExitStatus != "" && status.ExitStatus != "OK" {
					return fmt.Errorf("pve task failed: %s", status.ExitStatus)
				}
				return nil
			}
		}
	}
}

// LinkedClone creates a copy-on-write clone of a template container.
func (c *Client) LinkedClone(ctx context.Context, templateVMID, newVMID int, hostname string) error {
	node, err := c.getNode(ctx)
	if err != nil {
		return err
	}

	data, err := c.apiRequestData(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/clone", node, templateVMID), url.Values{
		"newid":    []string{strconv.Itoa(newVMID)},
		"hostname": []string{hostname},
		"full":     []string{"0"},
	})
	if err != nil {
		return err
	}
	return c.waitForTask(ctx, extractUpid(data), taskTimeout)
}

// FullClone creates an independent copy of a container. Template conversion
// requires one: linked clones cannot become templates.
func (c *Client) FullClone(ctx context.Context, sourceVMID, newVMID int, hostname string) error {
	node, err := c.getNode(ctx)
	if err != nil {
		return err
	}

	data, err := c.apiRequestData(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/clone", node, sourceVMID), url.Values{
		"newid":    []string{strconv.Itoa(newVMID)},
		"hostname": []string{hostname},
		"full":     []string{"1"},
	})
	if err != nil {
		return err
	}
	return c.waitForTask(ctx, extractUpid(data), taskTimeout)
}

// ConvertToTemplate marks a stopped container as a template.
func (c *Client) ConvertToTemplate(ctx context.Context, vmid int) error {
	node, err := c.getNode(ctx)
	if err != nil {
		return err
	}
	data, err := c.apiRequestData(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/template", node, vmid), nil)
	if err != nil {
		return err
	}
	return c.waitForTask(ctx, extractUpid(data), taskTimeout)
}

// StartContainer starts a stopped container and waits for the task.
func (c *Client) StartContainer(ctx context.Context, vmid int) error {
	node, err := c.getNode(ctx)
	if err != nil {
		return err
	}
	data, err := c.apiRequestData(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/status/start", node, vmid), nil)
	if err != nil {
		return err
	}
	return c.waitForTask(ctx, extractUpid(data), taskTimeout)
}

// StopContainer stops a container. Already-stopped containers succeed.
func (c *Client) StopContainer(ctx context.Context, vmid int) error {
	status, _ := c.GetContainerStatus(ctx, vmid)
	if status == "stopped" {
		return nil
	}

	node, err := c.getNode(ctx)
	if err != nil {
		return err
	}
	data, err := c.apiRequestData(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/status/stop", node, vmid), nil)
	if err != nil {
		return err
	}
	return c.waitForTask(ctx, extractUpid(data), taskTimeout)
}

// DeleteContainer stops and destroys a container. Missing containers are
// not an error.
func (c *Client) DeleteContainer(ctx context.Context, vmid int) error {
	_ = c.StopContainer(ctx, vmid)

	node, err := c.getNode(ctx)
	if err != nil {
		return err
	}
	data, err := c.apiRequestData(ctx, http.MethodDelete, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d", node, vmid), url.Values{
		"force": []string{"1"},
		"purge": []string{"1"},
	})
	if err != nil {
		if isNotFoundMessage(err) {
			return nil
		}
		return err
	}
	return c.waitForTask(ctx, extractUpid(data), taskTimeout)
}

// isNotFoundMessage matches the API's free-text missing-container errors.
func isNotFoundMessage(err error) bool {
	if provider.IsNotFound(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}

// FindNextVMID returns the lowest free VMID at or above firstVMID,
// considering both containers and VMs on the node.
func (c *Client) FindNextVMID(ctx context.Context) (int, error) {
	node, err := c.getNode(ctx)
	if err != nil {
		return 0, err
	}

	containers, err := apiRequest[[]pveContainerStatus](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc", node), nil)
	if err != nil {
		return 0, err
	}
	vms, _ := apiRequest[[]struct {
		VMID int `json:"vmid"`
	}](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/qemu", node), nil)

	used := make(map[int]struct{}, len(containers)+len(vms))
	for _, ctr := range containers {
		used[ctr.VMID] = struct{}{}
	}
	for _, vm := range vms {
		used[vm.VMID] = struct{}{}
	}

	for vmid := firstVMID; ; vmid++ {
		if _, ok := used[vmid]; !ok {
			return vmid, nil
		}
	}
}

// FindVMIDByHostname resolves a container hostname to its VMID.
func (c *Client) FindVMIDByHostname(ctx context.Context, hostname string) (int, error) {
	node, err := c.getNode(ctx)
	if err != nil {
		return 0, err
	}
	containers, err := apiRequest[[]pveContainerStatus](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc", node), nil)
	if err != nil {
		return 0, err
	}
	normalized := NormalizeHostID(hostname)
	for _, ctr := range containers {
		if NormalizeHostID(ctr.Name) == normalized {
			return ctr.VMID, nil
		}
	}
	return 0, fmt.Errorf("%w: no container with hostname %s", provider.ErrNotFound, hostname)
}

// ListContainers lists all containers on the node.
func (c *Client) ListContainers(ctx context.Context) ([]pveContainerStatus, error) {
	node, err := c.getNode(ctx)
	if err != nil {
		return nil, err
	}
	return apiRequest[[]pveContainerStatus](ctx, c, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc", node), nil)
}

// ResolveTemplate maps a snapshot id to its backing template VMID via the
// configured resolver.
func (c *Client) ResolveTemplate(snapshotID string) (int, error) {
	id := strings.TrimSpace(strings.ToLower(snapshotID))
	if !reSnapshotID.MatchString(id) {
		return 0, fmt.Errorf("invalid pve snapshot id %q (expected snapshot_*)", id)
	}
	if c.templateResolver == nil {
		return 0, fmt.Errorf("no template resolver configured for snapshot %s", id)
	}
	vmid, err := c.templateResolver(id)
	if err != nil {
		return 0, err
	}
	if vmid <= 0 {
		return 0, fmt.Errorf("resolver returned invalid template VMID %d for snapshot %s", vmid, id)
	}
	return vmid, nil
}

// buildPublicServiceURL fronts a container port through the wildcard public
// domain, when one is configured.
func (c *Client) buildPublicServiceURL(port int, hostID string) (string, bool) {
	if c.publicDomain == "" {
		return "", false
	}
	return fmt.Sprintf("https://port-%d-%s.%s", port, NormalizeHostID(hostID), c.publicDomain), true
}

// BuildServiceURL resolves the best URL for a container port: public domain,
// then DNS search-domain FQDN, then raw container IP.
func (c *Client) BuildServiceURL(ctx context.Context, port, vmid int, hostname string) (string, error) {
	if publicURL, ok := c.buildPublicServiceURL(port, hostname); ok {
		return publicURL, nil
	}
	domainSuffix, _ := c.getDomainSuffix(ctx)
	if domainSuffix != "" {
		return fmt.Sprintf("http://%s%s:%d", hostname, domainSuffix, port), nil
	}
	ip, err := c.getContainerIP(ctx, vmid)
	if err != nil {
		return "", err
	}
	if ip != "" {
		return fmt.Sprintf("http://%s:%d", ip, port), nil
	}
	return "", fmt.Errorf("cannot build service URL for container %d: no public domain, DNS search domain, or container IP", vmid)
}

// CloneAndStart allocates a VMID, linked-clones the template, and starts the
// container. VMID allocation races with concurrent clones; "already exists"
// failures retry with a fresh VMID.
func (c *Client) CloneAndStart(ctx context.Context, templateVMID int, hostname string) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= cloneRetries; attempt++ {
		vmid, err := c.FindNextVMID(ctx)
		if err != nil {
			return 0, err
		}

		if err := c.LinkedClone(ctx, templateVMID, vmid, hostname); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				lastErr = err
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
				}
				continue
			}
			return 0, err
		}

		if err := c.StartContainer(ctx, vmid); err != nil {
			_ = c.DeleteContainer(ctx, vmid)
			return 0, err
		}
		return vmid, nil
	}
	return 0, fmt.Errorf("clone failed after %d attempts: %w", cloneRetries, lastErr)
}

// ResolveVMID maps any accepted instance id shape (pvelxc-<hex>, cmux-<vmid>,
// bare digits) to the container's VMID and canonical hostname.
func (c *Client) ResolveVMID(ctx context.Context, instanceID string) (int, string, error) {
	hostname := NormalizeHostID(instanceID)
	if vmid, ok := ParseVMID(instanceID); ok {
		if h, err := c.getContainerHostname(ctx, vmid); err == nil && h != "" {
			hostname = NormalizeHostID(h)
		} else if hostname == "" {
			hostname = fmt.Sprintf("cmux-%d", vmid)
		}
		return vmid, hostname, nil
	}
	vmid, err := c.FindVMIDByHostname(ctx, instanceID)
	if err != nil {
		return 0, "", err
	}
	return vmid, hostname, nil
}
