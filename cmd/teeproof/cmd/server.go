package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jaswinder6991/teeproof/api"
	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/attestation/nras"
	"github.com/jaswinder6991/teeproof/inference"
	"github.com/jaswinder6991/teeproof/internal/config"
	"github.com/jaswinder6991/teeproof/internal/retry"
	"github.com/jaswinder6991/teeproof/jwks"
	"github.com/jaswinder6991/teeproof/proof"
	"github.com/jaswinder6991/teeproof/session"
	"github.com/jaswinder6991/teeproof/storage"
	bboltstorage "github.com/jaswinder6991/teeproof/storage/bbolt"
	"github.com/jaswinder6991/teeproof/storage/memory"
	"github.com/jaswinder6991/teeproof/storage/postgres"
)

var (
	configPath   string
	port         int
	archiveKind  string
	dataDir      string
	postgresDSN  string
	auditWebhook string
	tlsCert      string
	tlsKey       string
	requireCPU   bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the verification server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&archiveKind, "archive", config.ArchiveMemory, "Proof archive backend: memory, bbolt or postgres")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the bbolt archive")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string for the postgres archive")
	serverCmd.Flags().StringVar(&auditWebhook, "audit-webhook", "", "URL that receives audit events")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&requireCPU, "require-cpu", false, "Require a verified CPU quote when one is present")
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Server.Port = port
	}
	if changed("archive") {
		cfg.Archive.Backend = archiveKind
	}
	if changed("data-dir") {
		cfg.Archive.DataDir = dataDir
	}
	if changed("postgres-dsn") {
		cfg.Archive.PostgresDSN = postgresDSN
	}
	if changed("audit-webhook") {
		cfg.Audit.WebhookURL = auditWebhook
	}
	if changed("tls-cert") {
		cfg.Server.TLSCert = tlsCert
	}
	if changed("tls-key") {
		cfg.Server.TLSKey = tlsKey
	}
	if changed("require-cpu") {
		cfg.Verification.RequireCPU = requireCPU
	}
}

// openArchive opens the configured proof archive. The returned func releases
// it.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (storage.Repository, func(), error) {
	switch cfg.Backend {
	case config.ArchiveBBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "proofs.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open proof archive: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case config.ArchivePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open proof archive: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return memory.NewRepository(), func() {}, nil
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if len(cfg.Backend.APIKey) == 0 {
		logger.Warn("inference backend API key not set; proof requests will fail", "env", inference.APIKeyEnv)
	}

	archive, closeArchive, err := openArchive(cmd.Context(), cfg.Archive)
	if err != nil {
		return err
	}
	defer closeArchive()

	sessions := session.NewStore(
		session.WithCleanupInterval(cfg.Session.CleanupInterval),
		session.WithLogger(logger),
	)
	defer sessions.Close()

	backend := inference.NewClient(cfg.Backend.APIKey,
		inference.WithBaseURL(cfg.Backend.BaseURL),
		inference.WithExpectationsTTL(cfg.Backend.ExpectationsTTL),
		inference.WithLogger(logger),
	)
	authority := nras.NewClient(nras.WithLogger(logger))
	keys := jwks.New(jwks.NewHTTPFetcher(""),
		jwks.WithTTL(cfg.NRAS.JWKSTTL),
		jwks.WithLogger(logger),
	)
	verifier := attestation.NewVerifier(keys,
		attestation.WithLogger(logger),
	)
	proofs := proof.NewService(sessions, backend, authority, verifier,
		proof.WithExpectations(backend),
		proof.WithRequireCPU(cfg.Verification.RequireCPU),
		proof.WithRetry(retry.Policy{
			MaxAttempts: cfg.Verification.RetryAttempts,
			Backoff:     retry.Linear(cfg.Verification.RetryBackoff),
		}),
		proof.WithLogger(logger),
	)

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithArchive(archive),
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader))
	}
	if cfg.Audit.Alerts {
		opts = append(opts, api.WithAlertFunc(func(evt api.AlertEvent) {
			logger.Warn("verification alert", "type", evt.Type, "count", evt.Count, "threshold", evt.Threshold, "message", evt.Message)
		}))
	}
	if len(cfg.Server.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.Server.TrustedProxies)
		if err != nil {
			return err
		}
		opts = append(opts, opt)
	}
	if cfg.Server.DisableRateLimit {
		opts = append(opts, api.WithoutRateLimit())
	}
	a := api.New(sessions, proofs, authority, verifier, opts...)
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Proof requests wait on retried backend and authority calls.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLSCert != "" {
			err = server.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	fmt.Printf("Starting server on port %d (archive: %s)...\n", cfg.Server.Port, cfg.Archive.Backend)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
