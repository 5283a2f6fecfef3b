package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/steveyegge/bullpen/internal/activity"
	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/config"
	"github.com/steveyegge/bullpen/internal/envreg"
	"github.com/steveyegge/bullpen/internal/ghauth"
	"github.com/steveyegge/bullpen/internal/httpapi"
	"github.com/steveyegge/bullpen/internal/hydrate"
	"github.com/steveyegge/bullpen/internal/lifecycle"
	"github.com/steveyegge/bullpen/internal/metrics"
	"github.com/steveyegge/bullpen/internal/ports"
	"github.com/steveyegge/bullpen/internal/probe"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/provider/morph"
	"github.com/steveyegge/bullpen/internal/provider/pvelxc"
	"github.com/steveyegge/bullpen/internal/scripts"
	"github.com/steveyegge/bullpen/internal/snapshot"
	"github.com/steveyegge/bullpen/internal/store"
	"github.com/steveyegge/bullpen/internal/vault"
	"github.com/steveyegge/bullpen/internal/version"
	"github.com/steveyegge/bullpen/internal/wakelock"
)

var (
	serveAddr     string
	serveDev      bool
	serveProvider string
	serveManifest string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bullpend HTTP service",
	Long: `Start the HTTP service that provisions and manages sandboxes.

Configuration comes from environment variables; flags override them:
  BULLPEN_ADDR                  listen address (default :8080)
  BULLPEN_PROVIDER              provider override: morph, pve-lxc, pve-vm
  BULLPEN_DATABASE_URL          Postgres DSN for the metadata store (required)
  BULLPEN_REDIS_ADDR            Redis host:port for wake locks (optional)
  BULLPEN_SNAPSHOT_MANIFEST     snapshot-defaults manifest path (optional)
  MORPH_API_KEY                 Morph cloud credentials
  PVE_API_URL, PVE_API_TOKEN    Proxmox API credentials
  VAULT_URL, VAULT_SERVICE_KEY  secret vault holding env-var blobs
  GITHUB_APP_ID, GITHUB_APP_PRIVATE_KEY  GitHub App for repo tokens

At least one provider must be configured.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides BULLPEN_ADDR)")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Console logging for local development")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "Provider override: morph, pve-lxc, pve-vm")
	serveCmd.Flags().StringVar(&serveManifest, "snapshot-manifest", "", "Snapshot-defaults manifest path (overrides BULLPEN_SNAPSHOT_MANIFEST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveDev {
		cfg.Dev = true
	}
	if serveProvider != "" {
		cfg.Provider = serveProvider
	}
	if serveManifest != "" {
		cfg.SnapshotManifest = serveManifest
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}
	overrideKind, ok := provider.Normalize(cfg.Provider)
	if !ok {
		logger.Warn("unknown provider override, using auto-selection",
			zap.String("provider", cfg.Provider))
		overrideKind = ""
	}

	st, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer st.Close()

	source, err := snapshot.NewSource(cfg.SnapshotManifest, logger)
	if err != nil {
		return fmt.Errorf("loading snapshot manifest: %w", err)
	}

	var providers []provider.Provider
	if cfg.HasMorph() {
		client, err := morph.NewClient(cfg.MorphAPIKey, morph.WithBaseURL(cfg.MorphBaseURL))
		if err != nil {
			return fmt.Errorf("building morph client: %w", err)
		}
		providers = append(providers, morph.New(client, logger))
	}
	if cfg.HasPve() {
		client, err := pvelxc.NewClient(pvelxc.Config{
			APIURL:       cfg.PVEAPIURL,
			APIToken:     cfg.PVEAPIToken,
			Node:         cfg.PVENode,
			PublicDomain: cfg.PVEPublicDomain,
			VerifyTLS:    cfg.PVEVerifyTLS,
			TemplateResolver: func(snapshotID string) (int, error) {
				return source.Manifest().ResolveTemplateVMID(snapshotID)
			},
		})
		if err != nil {
			return fmt.Errorf("building pve client: %w", err)
		}
		providers = append(providers, pvelxc.New(client, logger))
	}
	registry := provider.NewRegistry(overrideKind, providers...)

	var vaultClient *vault.Client
	if cfg.VaultURL != "" && cfg.VaultServiceKey != "" {
		vaultClient, err = vault.NewClient(cfg.VaultURL, cfg.VaultServiceKey)
		if err != nil {
			return fmt.Errorf("building vault client: %w", err)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	appID := ""
	if cfg.GitHubAppID != 0 {
		appID = strconv.FormatInt(cfg.GitHubAppID, 10)
	}
	broker, err := ghauth.NewBroker(ghauth.BrokerConfig{
		AppID:         appID,
		PrivateKeyPEM: cfg.GitHubAppPrivateKey,
	}, st, logger)
	if err != nil {
		return fmt.Errorf("building github broker: %w", err)
	}

	m := metrics.New()
	authorizer := auth.NewAuthorizer(st, logger)
	publisher := ports.NewPublisher(logger)

	lifecycleDeps := lifecycle.Deps{
		Registry:  registry,
		Resolver:  snapshot.NewResolver(st, source, registry, logger),
		Store:     st,
		Auth:      authorizer,
		Broker:    broker,
		Installer: ghauth.NewInstaller(logger),
		Hydrator:  hydrate.NewEngine(logger),
		Scripts:   scripts.NewOrchestrator(logger),
		Ports:     publisher,
		Prober:    probe.NewProber(logger),
		Recorder:  activity.NewRecorder(st, logger),
		Locker:    wakelock.New(redisClient, logger),
		Metrics:   m,
		Config:    cfg,
		Logger:    logger,
	}
	envregDeps := envreg.Deps{
		Registry: registry,
		Store:    st,
		Auth:     authorizer,
		Source:   source,
		Ports:    publisher,
		Metrics:  m,
		Logger:   logger,
	}
	// A nil *vault.Client must stay out of the interface fields so the
	// nil checks downstream keep working.
	if vaultClient != nil {
		lifecycleDeps.Vault = vaultClient
		envregDeps.Vault = vaultClient
	}

	var checks []httpapi.HealthCheck
	if vaultClient != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "vault", Probe: vaultClient.Health})
	}
	if redisClient != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "redis", Probe: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	server := httpapi.New(httpapi.Deps{
		Addr:         cfg.Addr,
		Lifecycle:    lifecycle.NewController(lifecycleDeps),
		Environments: envreg.NewService(envregDeps),
		Auth:         authorizer,
		Store:        st,
		Metrics:      m,
		Checks:       checks,
		Logger:       logger,
	})

	logger.Info("bullpend starting",
		zap.String("version", version.String()),
		zap.String("addr", cfg.Addr),
		zap.Bool("morph", cfg.HasMorph()),
		zap.Bool("pve", cfg.HasPve()),
		zap.String("override", string(overrideKind)),
		zap.Bool("vault", vaultClient != nil),
		zap.Bool("redis", redisClient != nil),
	)

	var g run.Group
	{
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			<-ctx.Done()
			logger.Info("shutdown signal received")
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return source.Watch(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}
		})
	}
	return g.Run()
}

// buildLogger builds the process logger: JSON in production, console with
// --dev.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
