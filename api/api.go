// Package api exposes the verification protocol over HTTP.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/jaswinder6991/teeproof/proof"
	"github.com/jaswinder6991/teeproof/session"
	"github.com/jaswinder6991/teeproof/storage"
	"github.com/jaswinder6991/teeproof/storage/memory"
)

// limiterSweepInterval is how often expired rate-limit records are dropped.
const limiterSweepInterval = 10 * time.Minute

// ProofVerifier evaluates the proof for one verification.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, req proof.Request) (*proof.Bundle, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions  *session.Store
	proofs    ProofVerifier
	authority proof.Authority
	tokens    proof.TokenVerifier
	archive   storage.Repository

	validate       *validator.Validate
	audit          *auditLogger
	logger         *slog.Logger
	limiter        *attestLimiter
	noRateLimit    bool
	trustedProxies []netip.Prefix
	webhookURL     string
	webhookAuth    string
	alertFn        AlertFunc
	now            func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithArchive sets the proof archive. The default is in memory.
func WithArchive(repo storage.Repository) Option {
	return func(a *API) { a.archive = repo }
}

// WithAuditWebhook forwards audit events to url. authHeader, if set, has
// the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithAlertFunc enables anomaly alerts on audit events.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithTrustedProxies sets the proxies whose forwarding headers are honored
// when identifying clients for rate limiting.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes, err := parseTrustedProxies(cidrs)
	if err != nil {
		return nil, err
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithoutRateLimit disables throttling of attestation endpoints.
func WithoutRateLimit() Option {
	return func(a *API) { a.noRateLimit = true }
}

// WithClock overrides the time source used for archive timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates a new API instance. Call Close to stop background work and
// flush the audit webhook.
func New(sessions *session.Store, proofs ProofVerifier, authority proof.Authority, tokens proof.TokenVerifier, opts ...Option) *API {
	a := &API{
		sessions:  sessions,
		proofs:    proofs,
		authority: authority,
		tokens:    tokens,
		validate:  newValidator(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.archive == nil {
		a.archive = memory.NewRepository()
	}
	a.audit = newAuditLogger(a.logger)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	if !a.noRateLimit {
		a.limiter = newAttestLimiter()
	}
	go a.sweepLoop()
	return a
}

func (a *API) sweepLoop() {
	defer close(a.done)
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if a.limiter != nil {
				a.limiter.sweep()
			}
		case <-a.stopCh:
			return
		}
	}
}

// Close stops background work and drains pending webhook events. It is
// safe to call more than once.
func (a *API) Close() error {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		<-a.done
		if a.audit.webhook != nil {
			a.audit.webhook.close()
		}
	})
	return nil
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/health", a.Health)

	r.Route("/verification", func(r chi.Router) {
		r.Post("/register-session", a.RegisterSession)
		r.Post("/session", a.SyncSession)
		r.With(a.rateLimit).Post("/proof", a.VerifyProof)
		r.With(a.rateLimit).Post("/nras", a.VerifyHardware)
		r.Post("/state", a.DeriveState)
	})

	r.Get("/proofs", a.ListProofs)
	r.Route("/proofs/{verificationId}", func(r chi.Router) {
		r.Post("/", a.ArchiveProof)
		r.Get("/", a.GetProof)
		r.Delete("/", a.DeleteProof)
	})

	return r
}
