// Package provider defines the uniform instance interface over the sandbox
// back-ends: the Morph microVM cloud and self-hosted Proxmox LXC containers.
package provider

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Kind identifies a sandbox back-end.
type Kind string

const (
	// KindMorph is the Morph microVM cloud.
	KindMorph Kind = "morph"
	// KindPveLxc is self-hosted Proxmox LXC.
	KindPveLxc Kind = "pve-lxc"
)

// Reserved ports belong to the container image's fixed services. Users may
// never expose them.
const (
	WorkerPort     = 39377
	CodeEditorPort = 39378
	VNCPort        = 39380
	BrowserPort    = 39381
	XtermPort      = 39383

	// ExecDaemonPort is the LXC exec daemon. Infrastructure only; it is
	// reserved so no user service can shadow it.
	ExecDaemonPort = 39375
)

// Service names for the image's fixed services.
const (
	ServiceCodeEditor = "code-editor"
	ServiceWorker     = "worker"
	ServiceVNC        = "vnc"
	ServiceXterm      = "xterm"
)

// UserPortPrefix prefixes the name of every user-exposed port service.
const UserPortPrefix = "port-"

// Metadata keys recognized on instances.
const (
	MetaApp           = "app"
	MetaUserID        = "userId"
	MetaTeamID        = "teamId"
	MetaEnvironmentID = "environmentId"
	MetaAgentName     = "agentName"
	MetaTaskRunID     = "taskRunId"

	// AppPrefix is the value prefix required in MetaApp for an instance to
	// be recognized as ours. Anything else is treated as not found.
	AppPrefix = "cmux"
)

var reservedPorts = map[int]bool{
	ExecDaemonPort: true,
	WorkerPort:     true,
	CodeEditorPort: true,
	VNCPort:        true,
	BrowserPort:    true,
	XtermPort:      true,
}

// IsReservedPort reports whether port belongs to the image's fixed services.
func IsReservedPort(port int) bool { return reservedPorts[port] }

// ReservedPorts returns the reserved set in ascending order.
func ReservedPorts() []int {
	out := make([]int, 0, len(reservedPorts))
	for p := range reservedPorts {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Status is a provider-neutral instance state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusUnknown  Status = "unknown"
)

// IsLive reports whether s means the instance can serve exec and HTTP.
func (s Status) IsLive() bool { return s == StatusReady || s == StatusRunning }

// HTTPService is one exposed HTTP endpoint on an instance.
type HTTPService struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// Instance is a point-in-time snapshot of a sandbox instance.
type Instance struct {
	ID           string            `json:"id"`
	Provider     Kind              `json:"provider"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	HTTPServices []HTTPService     `json:"httpServices"`
}

// Service returns the named HTTP service, if exposed.
func (i *Instance) Service(name string) (HTTPService, bool) {
	for _, svc := range i.HTTPServices {
		if svc.Name == name {
			return svc, true
		}
	}
	return HTTPService{}, false
}

// ServiceURL returns the URL of the named service, or "".
func (i *Instance) ServiceURL(name string) string {
	svc, ok := i.Service(name)
	if !ok {
		return ""
	}
	return svc.URL
}

// IsOurs reports whether the instance carries the app marker this service
// manages. Instances without it are invisible to callers.
func (i *Instance) IsOurs() bool {
	return strings.HasPrefix(i.Metadata[MetaApp], AppPrefix)
}

// ExecResult is the outcome of a command run inside an instance.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ExecOptions bounds an exec call. A zero Timeout means the provider's own
// limit applies.
type ExecOptions struct {
	Timeout time.Duration
}

// StartOptions provisions a new instance.
type StartOptions struct {
	SnapshotID   string
	TemplateVMID int
	TTLSeconds   int
	TTLAction    string
	Metadata     map[string]string
}

// SnapshotResult is a frozen image produced from a running instance.
type SnapshotResult struct {
	SnapshotID   string
	TemplateVMID int
}

// Provider is the uniform capability set over both back-ends. All methods
// are safe for concurrent use.
type Provider interface {
	Kind() Kind

	// Get returns the instance's current state including httpServices.
	Get(ctx context.Context, id string) (*Instance, error)

	// List returns instances this service manages.
	List(ctx context.Context) ([]*Instance, error)

	// Start provisions a new instance. Morph may return empty httpServices;
	// callers re-fetch via Get when that happens.
	Start(ctx context.Context, opts StartOptions) (*Instance, error)

	// Exec runs a shell command inside the instance.
	Exec(ctx context.Context, id, command string, opts ExecOptions) (*ExecResult, error)

	// ExposeHTTPService publishes a port under the given service name and
	// returns its URL. Idempotent.
	ExposeHTTPService(ctx context.Context, id, name string, port int) (string, error)

	// HideHTTPService withdraws a named service. Idempotent; hiding an
	// unknown name is not an error.
	HideHTTPService(ctx context.Context, id, name string) error

	// Pause suspends the instance. Morph preserves RAM; LXC stops the
	// container outright.
	Pause(ctx context.Context, id string) error

	// Resume brings a paused (morph) or stopped (LXC) instance back.
	Resume(ctx context.Context, id string) error

	// Stop destroys the instance.
	Stop(ctx context.Context, id string) error

	// SetWakeOn hints that inbound traffic should wake a paused instance.
	// Best-effort; a no-op on LXC.
	SetWakeOn(ctx context.Context, id string, connection, ssh bool) error

	// Snapshot freezes the instance into a reusable image. On LXC this
	// converts a stopped clone into a template container.
	Snapshot(ctx context.Context, id string, metadata map[string]string) (*SnapshotResult, error)

	// DeleteTemplate removes a provider-side template by numeric id.
	// Morph returns ErrUnsupported.
	DeleteTemplate(ctx context.Context, vmid int) error
}

var (
	reDigits   = regexp.MustCompile(`^\d+$`)
	reCmuxVmid = regexp.MustCompile(`^cmux-\d+$`)
)

// KindForInstanceID infers the back-end from an instance id prefix.
// Returns false when the id matches neither provider's shape.
func KindForInstanceID(id string) (Kind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	switch {
	case strings.HasPrefix(normalized, "morphvm_"):
		return KindMorph, true
	case strings.HasPrefix(normalized, "pvelxc-"),
		reCmuxVmid.MatchString(normalized),
		reDigits.MatchString(normalized):
		return KindPveLxc, true
	}
	return "", false
}

// Normalize validates a provider string from configuration or request
// bodies. Empty input returns "" so the caller can auto-detect. pve-vm is
// accepted and routed to LXC handling.
func Normalize(value string) (Kind, bool) {
	v := strings.TrimSpace(strings.ToLower(value))
	v = strings.ReplaceAll(v, "_", "-")
	switch v {
	case "":
		return "", true
	case string(KindMorph):
		return KindMorph, true
	case string(KindPveLxc), "pve-vm":
		return KindPveLxc, true
	}
	return "", false
}
