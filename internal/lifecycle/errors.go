package lifecycle

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/steveyegge/bullpen/internal/provider"
)

var (
	// ErrWakeTimeout means a force-wake poll exhausted its budget.
	ErrWakeTimeout = errors.New("instance did not wake in time")

	// ErrNotRunning means the operation needs a live instance first.
	ErrNotRunning = errors.New("instance is not running")

	// ErrNoCredential means no git credential could be resolved.
	ErrNoCredential = errors.New("no git credential available")

	// ErrBadRequest flags caller input the pipeline cannot use.
	ErrBadRequest = errors.New("bad request")
)

// FailureKind is the start-failure taxonomy. Kinds double as the outcome
// label on the start counter.
type FailureKind string

const (
	FailTimeout      FailureKind = "timeout"
	FailConnRefused  FailureKind = "connection_refused"
	FailDNS          FailureKind = "dns_failure"
	FailQuota        FailureKind = "quota_exceeded"
	FailCapacity     FailureKind = "no_capacity"
	FailSnapshot     FailureKind = "snapshot_invalid"
	FailProviderAuth FailureKind = "provider_auth"
	FailRateLimit    FailureKind = "rate_limited"
	FailStart        FailureKind = "instance_start_failed"
)

// StartError is a classified pipeline failure whose Message is already safe
// to hand to callers.
type StartError struct {
	Kind    FailureKind
	Message string
	cause   error
}

func (e *StartError) Error() string { return e.Message }

func (e *StartError) Unwrap() error { return e.cause }

var failurePatterns = []struct {
	kind    FailureKind
	re      *regexp.Regexp
	message string
}{
	{FailTimeout, regexp.MustCompile(`(?i)timed?[ -]?out|deadline exceeded`), "provider request timed out"},
	{FailConnRefused, regexp.MustCompile(`(?i)connection refused|connection reset`), "provider connection refused"},
	{FailDNS, regexp.MustCompile(`(?i)no such host|dns|name resolution`), "provider DNS lookup failed"},
	{FailQuota, regexp.MustCompile(`(?i)quota`), "provider quota exceeded"},
	{FailCapacity, regexp.MustCompile(`(?i)capacity|insufficient resources|not enough`), "provider capacity unavailable"},
	{FailSnapshot, regexp.MustCompile(`(?i)(snapshot|template|image).{0,60}(not found|does not exist|invalid|missing)`), "snapshot not found or invalid"},
	{FailRateLimit, regexp.MustCompile(`(?i)rate.?limit|too many requests`), "provider rate limited"},
	{FailProviderAuth, regexp.MustCompile(`(?i)unauthorized|authentication failed|invalid (api )?key`), "provider rejected credentials"},
}

var (
	reSensitive = regexp.MustCompile(`(?i)\b(token|secret|bearer|authorization|api[_-]?key|password)\b|\b(sk|ghs|gho|ghp|github_pat)_[A-Za-z0-9]`)
	reAnyURL    = regexp.MustCompile(`[a-z][a-z0-9+.-]*://\S+`)
	reFilePath  = regexp.MustCompile(`(?:/[\w.@+-]+){2,}/?`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

// Classify maps a pipeline error onto the failure taxonomy. Messages that
// match no pattern are scrubbed of URLs and paths; messages that smell like
// they quote a credential are dropped entirely.
func Classify(err error) *StartError {
	if err == nil {
		return nil
	}
	var se *StartError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, provider.ErrTimeout) {
		return &StartError{Kind: FailTimeout, Message: "provider request timed out", cause: err}
	}

	msg := err.Error()
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return &StartError{Kind: FailProviderAuth, Message: "provider rejected credentials", cause: err}
		case 429:
			return &StartError{Kind: FailRateLimit, Message: "provider rate limited", cause: err}
		}
	}

	for _, p := range failurePatterns {
		if p.re.MatchString(msg) {
			return &StartError{Kind: p.kind, Message: p.message, cause: err}
		}
	}
	return &StartError{Kind: FailStart, Message: scrubbedMessage(msg), cause: err}
}

// scrubbedMessage makes an unclassified provider message safe to surface.
func scrubbedMessage(msg string) string {
	const fallback = "sandbox start failed"
	if reSensitive.MatchString(msg) {
		return fallback
	}
	s := reAnyURL.ReplaceAllString(msg, "")
	s = reFilePath.ReplaceAllString(s, "")
	s = strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return fallback
	}
	return fallback + ": " + s
}
