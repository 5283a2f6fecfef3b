// Package probe polls a fresh instance's code-editor and worker endpoints
// until both answer, bounding how long the start pipeline waits for the
// image's services to come up.
package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
)

// WorkerReadyPath is the worker's long-poll handshake. The path shape is a
// contract with the in-container worker image; do not rewrite it.
const WorkerReadyPath = "/socket.io/?EIO=4&transport=polling"

const (
	defaultTotalBudget = 15 * time.Second
	defaultPerProbe    = 3 * time.Second
	defaultInterval    = 500 * time.Millisecond
)

// Prober checks instance service readiness over HTTP.
type Prober struct {
	httpClient *http.Client
	logger     *zap.Logger

	totalBudget time.Duration
	perProbe    time.Duration
	interval    time.Duration
}

// NewProber wires a prober with production timings. Redirects are not
// followed; the editor answers an auth redirect before login and that still
// means it is up.
func NewProber(logger *zap.Logger) *Prober {
	client := cleanhttp.DefaultPooledClient()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Prober{
		httpClient:  client,
		logger:      logger.Named("probe"),
		totalBudget: defaultTotalBudget,
		perProbe:    defaultPerProbe,
		interval:    defaultInterval,
	}
}

// WaitReady polls until the editor and worker have each answered once, or
// the budget runs out. Returns false on timeout; callers treat that as
// best-effort and continue.
func (p *Prober) WaitReady(ctx context.Context, editorURL, workerURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.totalBudget)
	defer cancel()

	editorReady := editorURL == ""
	workerReady := workerURL == ""
	started := time.Now()

	for {
		if !editorReady && p.probeEditor(ctx, editorURL) {
			editorReady = true
		}
		if !workerReady && p.probeWorker(ctx, workerURL) {
			workerReady = true
		}
		if editorReady && workerReady {
			p.logger.Debug("instance services ready", zap.Duration("waited", time.Since(started)))
			return true
		}

		select {
		case <-ctx.Done():
			p.logger.Warn("readiness probe timed out",
				zap.Bool("editorReady", editorReady),
				zap.Bool("workerReady", workerReady),
				zap.Duration("waited", time.Since(started)))
			return false
		case <-time.After(p.interval):
		}
	}
}

// probeEditor sends a HEAD to the editor root. 2xx means up; 301/302 also
// count since the editor redirects unauthenticated browsers.
func (p *Prober) probeEditor(ctx context.Context, url string) bool {
	status, ok := p.request(ctx, http.MethodHead, url)
	if !ok {
		return false
	}
	return (status >= 200 && status < 300) || status == http.StatusMovedPermanently || status == http.StatusFound
}

// probeWorker hits the worker's long-poll handshake. Only 2xx counts.
func (p *Prober) probeWorker(ctx context.Context, url string) bool {
	status, ok := p.request(ctx, http.MethodGet, url+WorkerReadyPath)
	if !ok {
		return false
	}
	return status >= 200 && status < 300
}

func (p *Prober) request(ctx context.Context, method, url string) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.perProbe)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, false
	}
	resp.Body.Close()
	return resp.StatusCode, true
}
