package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/config"
	"github.com/healthshare/healthshare/internal/domain/access"
	"github.com/healthshare/healthshare/internal/domain/consent"
	"github.com/healthshare/healthshare/internal/domain/integrity"
	"github.com/healthshare/healthshare/internal/domain/record"
	"github.com/healthshare/healthshare/internal/domain/share"
	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
	"github.com/healthshare/healthshare/internal/platform/db"
	"github.com/healthshare/healthshare/internal/platform/hipaa"
	"github.com/healthshare/healthshare/internal/platform/ledger"
	"github.com/healthshare/healthshare/internal/platform/middleware"
)

// stores are the backends the HTTP server is assembled from. Pool is nil
// when the server runs without Postgres.
type stores struct {
	Pool        *pgxpool.Pool
	Records     record.Repository
	Consents    consent.Repository
	Grants      share.GrantRepository
	Revocations share.RevocationStore
	AccessLog   hipaa.AccessLogStore
	Ledger      ledger.Ledger
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func shareKey(cfg *config.Config, logger zerolog.Logger) (ed25519.PrivateKey, error) {
	key, err := cfg.ShareKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("SHARE_SIGNING_KEY is required in production")
	}
	logger.Warn().Msg("SHARE_SIGNING_KEY not set; using an ephemeral key, issued tokens will not survive a restart")
	_, key, err = ed25519.GenerateKey(rand.Reader)
	return key, err
}

// newServer wires services, middleware and routes on top of st.
func newServer(cfg *config.Config, logger zerolog.Logger, st stores) (*echo.Echo, error) {
	key, err := shareKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	sessionKey, err := cfg.SessionSigningKey()
	if err != nil {
		return nil, err
	}

	validator, err := record.NewPayloadValidator()
	if err != nil {
		return nil, fmt.Errorf("load record schemas: %w", err)
	}
	recordSvc := record.NewService(st.Records, st.Ledger, validator, logger)

	consentSvc, err := consent.NewService(st.Consents, st.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("init consent service: %w", err)
	}

	tokens, err := share.NewTokenService(share.TokenConfig{
		PrivateKey: key,
		Issuer:     cfg.ShareIssuer,
		DefaultTTL: cfg.ShareDefaultTTL,
		MaxTTL:     cfg.ShareMaxTTL,
	}, st.Ledger, st.Revocations, logger)
	if err != nil {
		return nil, fmt.Errorf("init token service: %w", err)
	}
	shareSvc := share.NewService(tokens, st.Grants, recordSvc, consentSvc, cfg.PublicBaseURL, logger)

	audit := hipaa.NewAuditLogger(st.AccessLog, cfg.AuditTimeout, logger)
	verifier := integrity.NewVerifier(st.Ledger, logger)
	ctrl := access.NewController(tokens, recordSvc, consentSvc, verifier, audit, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Facility-ID", "X-Access-Purpose"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: sessionKey,
		Skipper:    auth.AuthSkipper,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if st.Pool != nil {
		e.GET("/health/db", db.HealthHandler(st.Pool))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	api := e.Group("/api/v1", middleware.RateLimit(rl))

	share.NewHandler(shareSvc, audit).RegisterRoutes(api)
	consent.NewHandler(consentSvc).RegisterRoutes(api)
	access.NewHandler(ctrl, recordSvc, audit).RegisterRoutes(api)

	return e, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openRevocations(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (share.RevocationStore, io.Closer, error) {
	switch cfg.RevocationBackend {
	case "memory":
		s := share.NewMemoryRevocationStore(time.Minute)
		return s, s, nil
	case "redis":
		client, err := share.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return share.NewRedisRevocationStore(client), client, nil
	default:
		return share.NewPGRevocationStore(pool), closerFunc(func() error { return nil }), nil
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	l, ledgerCloser, err := ledger.Open(ledger.Options{
		Backend:  cfg.LedgerBackend,
		Path:     cfg.LedgerPath,
		URL:      cfg.LedgerURL,
		Timeout:  cfg.LedgerTimeout,
		Recorder: hipaa.NewAnchorLog(pool),
	}, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledgerCloser.Close()

	revocations, revCloser, err := openRevocations(ctx, cfg, pool)
	if err != nil {
		return fmt.Errorf("open revocation store: %w", err)
	}
	defer revCloser.Close()

	e, err := newServer(cfg, logger, stores{
		Pool:        pool,
		Records:     record.NewRepoPG(pool),
		Consents:    consent.NewRepoPG(pool),
		Grants:      share.NewGrantRepoPG(pool),
		Revocations: revocations,
		AccessLog:   hipaa.NewPGStore(pool),
		Ledger:      l,
	})
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Str("ledger", cfg.LedgerBackend).
			Str("revocations", cfg.RevocationBackend).
			Msg("starting healthshare server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
