// Package ghauth brokers code-host credentials: minting short-lived GitHub
// App installation tokens, picking the best token for a repo, and installing
// CLI auth inside running instances. Tokens are never persisted and never
// logged.
package ghauth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v57/github"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/steveyegge/bullpen/internal/store"
)

// apiTimeout bounds each code-host API call.
const apiTimeout = 20 * time.Second

// ErrNoInstallation means no installation matched the repo owner.
var ErrNoInstallation = errors.New("no matching app installation")

// Token is a short-lived installation token. It lives for the owning
// request only.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource names where a repo credential came from.
type TokenSource string

const (
	SourceInstallation TokenSource = "installation"
	SourceUserOAuth    TokenSource = "user-oauth"
	SourceNone         TokenSource = "none"
)

// RepoAuth is the outcome of the token-resolution ladder.
type RepoAuth struct {
	Token  string
	Source TokenSource
}

// RepoWritePermissions is the scope minted for hydration: clone, push, and
// workflow-file updates.
func RepoWritePermissions() map[string]string {
	return map[string]string{
		"contents":  "write",
		"metadata":  "read",
		"workflows": "write",
	}
}

// Broker mints installation tokens for a GitHub App and resolves repo
// credentials against the team's recorded installations.
type Broker struct {
	appID      string
	privateKey *rsa.PrivateKey
	store      store.Store
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// BrokerConfig carries the GitHub App credentials. BaseURL overrides the
// API endpoint; tests point it at a local server.
type BrokerConfig struct {
	AppID         string
	PrivateKeyPEM string
	BaseURL       string
}

// NewBroker parses the app key and wires the broker. An empty AppID yields
// a broker that can still fall back to user OAuth but cannot mint.
func NewBroker(cfg BrokerConfig, st store.Store, logger *zap.Logger) (*Broker, error) {
	b := &Broker{
		appID:      cfg.AppID,
		store:      st,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Transport: cleanhttp.DefaultPooledTransport(), Timeout: apiTimeout},
		logger:     logger.Named("ghauth"),
	}
	if cfg.AppID == "" {
		return b, nil
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}
	b.privateKey = key
	return b, nil
}

// CanMint reports whether app credentials are configured.
func (b *Broker) CanMint() bool { return b.privateKey != nil }

// appJWT signs the short-lived app-level JWT GitHub requires for
// installation endpoints. Issued a minute in the past to absorb clock skew.
func (b *Broker) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    b.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(b.privateKey)
}

func (b *Broker) client(ctx context.Context, authToken string) (*github.Client, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	tc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: authToken}))
	// NewClient drops the base client's timeout; restore the API bound.
	tc.Timeout = apiTimeout
	client := github.NewClient(tc)
	if b.baseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(b.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing code-host base url: %w", err)
		}
		client.BaseURL = base
	}
	return client, nil
}

func installationPermissions(perms map[string]string) (*github.InstallationPermissions, error) {
	if len(perms) == 0 {
		return nil, nil
	}
	out := &github.InstallationPermissions{}
	for key, value := range perms {
		v := value
		switch key {
		case "contents":
			out.Contents = &v
		case "metadata":
			out.Metadata = &v
		case "pull_requests":
			out.PullRequests = &v
		case "workflows":
			out.Workflows = &v
		case "issues":
			out.Issues = &v
		case "checks":
			out.Checks = &v
		case "actions":
			out.Actions = &v
		case "deployments":
			out.Deployments = &v
		case "statuses":
			out.Statuses = &v
		default:
			return nil, fmt.Errorf("unrecognized permission key %q", key)
		}
	}
	return out, nil
}

// MintInstallationToken mints a token for one installation, optionally
// narrowed to repositories (bare names, not owner/name) and permissions.
func (b *Broker) MintInstallationToken(ctx context.Context, installationID int64, repos []string, perms map[string]string) (*Token, error) {
	if !b.CanMint() {
		return nil, errors.New("github app credentials not configured")
	}
	appJWT, err := b.appJWT(time.Now())
	if err != nil {
		return nil, fmt.Errorf("signing app jwt: %w", err)
	}
	client, err := b.client(ctx, appJWT)
	if err != nil {
		return nil, err
	}

	opts := &github.InstallationTokenOptions{}
	for _, repo := range repos {
		// The API wants bare repository names.
		if idx := strings.LastIndex(repo, "/"); idx >= 0 {
			repo = repo[idx+1:]
		}
		if repo != "" {
			opts.Repositories = append(opts.Repositories, repo)
		}
	}
	opts.Permissions, err = installationPermissions(perms)
	if err != nil {
		return nil, err
	}

	minted, _, err := client.Apps.CreateInstallationToken(ctx, installationID, opts)
	if err != nil {
		// The error string can carry response fragments; log only the
		// installation id.
		b.logger.Warn("installation token mint failed",
			zap.Int64("installationId", installationID))
		return nil, fmt.Errorf("minting installation token: %w", err)
	}
	return &Token{
		Value:     minted.GetToken(),
		ExpiresAt: minted.GetExpiresAt().Time,
	}, nil
}

// TokenForRepo walks the resolution ladder for a repo: an installation whose
// account login matches the owner, then the caller's OAuth token, then no
// auth (public reads only).
func (b *Broker) TokenForRepo(ctx context.Context, teamID, repoFullName, userOAuth string) (*RepoAuth, error) {
	owner, _, ok := SplitRepo(repoFullName)
	if ok && b.CanMint() {
		conns, err := b.store.ListProviderConnections(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("listing installations: %w", err)
		}
		for _, conn := range conns {
			if !strings.EqualFold(conn.AccountLogin, owner) {
				continue
			}
			token, err := b.MintInstallationToken(ctx, conn.InstallationID,
				[]string{repoFullName}, RepoWritePermissions())
			if err != nil {
				b.logger.Warn("mint failed, trying next source",
					zap.String("owner", owner), zap.Int64("installationId", conn.InstallationID))
				break
			}
			return &RepoAuth{Token: token.Value, Source: SourceInstallation}, nil
		}
	}
	if userOAuth != "" {
		return &RepoAuth{Token: userOAuth, Source: SourceUserOAuth}, nil
	}
	return &RepoAuth{Source: SourceNone}, nil
}

// SplitRepo splits "owner/name" into its parts.
func SplitRepo(fullName string) (owner, name string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(fullName), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
