package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/api"
	"github.com/mandatefi/mandate/internal/apikey"
	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/executor"
	"github.com/mandatefi/mandate/internal/identity"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/leverage"
	"github.com/mandatefi/mandate/internal/liquidation"
	"github.com/mandatefi/mandate/internal/notify"
	"github.com/mandatefi/mandate/internal/oracle"
	"github.com/mandatefi/mandate/internal/riskconfig"
	"github.com/mandatefi/mandate/internal/scoring"
	"github.com/mandatefi/mandate/internal/webhooks"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("mandated exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("mandated")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("risk.config_path", "configs/risk.yaml")
	viper.SetDefault("identity.auth_enabled", false)
	viper.SetDefault("identity.key_path", "certs/mandate-signing.pem")
	viper.SetDefault("identity.issuer_url", "")
	viper.SetDefault("identity.token_ttl_seconds", 3600)
	viper.SetDefault("apikey.required", false)
	viper.SetDefault("oracle.mode", "static")
	viper.SetDefault("oracle.bureau.base_url", "")
	viper.SetDefault("oracle.bureau.client_id", "")
	viper.SetDefault("oracle.bureau.client_secret", "")
	viper.SetDefault("oracle.bureau.token_url", "")
	viper.SetDefault("oracle.bureau.cache_ttl", "1m")
	viper.SetDefault("pool.initial_balance", "1000000")
	viper.SetDefault("monitor.review_interval", "30s")
	viper.SetDefault("monitor.review_timeout", "10s")
	viper.SetDefault("monitor.concurrency", 4)
	viper.SetDefault("sweep.interval", "1m")
	viper.SetDefault("email.smtp_host", "")
	viper.SetDefault("email.smtp_port", 587)
	viper.SetDefault("email.smtp_username", "")
	viper.SetDefault("email.smtp_password", "")
	viper.SetDefault("email.from_address", "noreply@mandate.fi")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Risk policy ──────────────────────────────────────────────────────────
	riskPath := viper.GetString("risk.config_path")
	riskCfg, err := riskconfig.Load(riskPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load risk config %s: %w", riskPath, err)
		}
		logger.Warn("risk config not found, using built-in defaults", zap.String("path", riskPath))
		riskCfg = riskconfig.Default()
	} else {
		logger.Info("risk config loaded", zap.String("path", riskPath), zap.Int("version", riskCfg.Version))
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	// With no database URL the daemon runs entirely in memory, which is
	// enough for development but loses the ledger on restart.
	var (
		db    *pgxpool.Pool
		store ledger.Store
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err = pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store = ledger.NewPostgresStore(db, logger)
	} else {
		logger.Warn("no database.url configured, running with in-memory ledger")
		store = ledger.NewMemoryStore()
	}

	startCtx := context.Background()
	if err := store.Verify(startCtx); err != nil {
		logger.Warn("ledger integrity check FAILED", zap.Error(err))
	} else {
		head, _ := store.Head(startCtx)
		root, _ := store.Root(startCtx)
		logger.Info("ledger verified", zap.Int64("head", head), zap.String("root", root))
	}

	// ── Market oracle ────────────────────────────────────────────────────────
	var market oracle.Oracle
	if viper.GetString("oracle.mode") == "bureau" {
		cacheTTL, _ := time.ParseDuration(viper.GetString("oracle.bureau.cache_ttl"))
		market = oracle.NewBureauClient(oracle.BureauConfig{
			BaseURL:      viper.GetString("oracle.bureau.base_url"),
			ClientID:     viper.GetString("oracle.bureau.client_id"),
			ClientSecret: viper.GetString("oracle.bureau.client_secret"),
			TokenURL:     viper.GetString("oracle.bureau.token_url"),
			MaxAge:       riskCfg.Oracle.MaxQuoteAge,
			CacheTTL:     cacheTTL,
		}, logger)
		logger.Info("oracle: bureau", zap.String("base_url", viper.GetString("oracle.bureau.base_url")))
	} else {
		static := oracle.NewStatic(riskCfg.Oracle.MaxQuoteAge)
		for symbol, raw := range viper.GetStringMapString("oracle.static_quotes") {
			price, perr := decimal.NewFromString(raw)
			if perr != nil {
				return fmt.Errorf("oracle.static_quotes[%s]: %w", symbol, perr)
			}
			static.SetQuote(oracle.Quote{Symbol: strings.ToUpper(symbol), Price: price})
		}
		static.SetVolatilityIndex(0.1, time.Time{})
		market = static
		logger.Info("oracle: static (development mode)")
	}

	// ── Core engines ─────────────────────────────────────────────────────────
	registry := delegation.NewRegistry(store, logger)
	scores := scoring.NewEngine(store, riskCfg.Scoring, logger)
	engine := leverage.NewEngine(store, riskCfg, market, scores, registry, logger)
	exec := executor.New(store, registry, engine, logger)
	exec.SetScoreTrigger(scores)
	exec.SetMetricsRecorder(api.RecordTransaction)
	scores.SetMetricsRecorder(func(string, int) { api.RecordScoreUpdate() })

	poolBalance, err := decimal.NewFromString(viper.GetString("pool.initial_balance"))
	if err != nil {
		return fmt.Errorf("pool.initial_balance: %w", err)
	}
	pool := liquidation.NewInsurancePool(store, poolBalance, logger)

	// Rebuild all projections from the ledger before serving.
	replayed, err := ledger.Replay(startCtx, store, registry, exec, engine, pool)
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	if err := scores.RecomputeAll(startCtx); err != nil {
		return fmt.Errorf("recompute scores: %w", err)
	}
	logger.Info("state rebuilt from ledger", zap.Int64("events", replayed))
	api.SetInsurancePoolBalance(pool.Balance().InexactFloat64())

	// ── Identity (capability tokens) ─────────────────────────────────────────
	var tokens *identity.TokenIssuer
	if viper.GetBool("identity.auth_enabled") {
		key, kerr := identity.LoadOrGenerateKey(viper.GetString("identity.key_path"))
		if kerr != nil {
			return fmt.Errorf("load signing key: %w", kerr)
		}
		issuerURL := viper.GetString("identity.issuer_url")
		if issuerURL == "" {
			issuerURL = fmt.Sprintf("http://localhost:%d", viper.GetInt("server.port"))
		}
		ttl := time.Duration(viper.GetInt("identity.token_ttl_seconds")) * time.Second
		tokens = identity.NewTokenIssuer(key, issuerURL, ttl)
		logger.Info("capability tokens enabled", zap.String("issuer", issuerURL))
	} else {
		logger.Warn("auth disabled — caller identity taken from X-Actor header; do not use in production")
	}

	// ── Webhooks ─────────────────────────────────────────────────────────────
	var whStore webhooks.Store
	if db != nil {
		whStore = webhooks.NewRepository(db)
	} else {
		whStore = webhooks.NewMemoryStore()
	}
	hooks := webhooks.NewService(whStore, logger)
	hooks.SetMetricsRecorder(api.RecordWebhookDelivery)
	registry.SetWebhookDispatcher(hooks)
	exec.SetWebhookDispatcher(hooks)
	scores.SetWebhookDispatcher(hooks)
	engine.SetWebhookDispatcher(hooks)

	// ── Notifications ────────────────────────────────────────────────────────
	var sender notify.Sender
	if smtpHost := viper.GetString("email.smtp_host"); smtpHost != "" {
		sender = notify.NewSMTPSender(
			smtpHost,
			viper.GetInt("email.smtp_port"),
			viper.GetString("email.smtp_username"),
			viper.GetString("email.smtp_password"),
			viper.GetString("email.from_address"),
		)
		logger.Info("SMTP margin-call sender configured", zap.String("host", smtpHost))
	} else {
		sender = notify.NewNoopSender(logger)
		logger.Info("margin-call sender: noop (set email.smtp_host to enable SMTP)")
	}
	addresses := viper.GetStringMapString("notify.addresses")
	marginCaller := notify.NewMarginCaller(sender, func(principalID string) string {
		return addresses[principalID]
	}, logger)

	// ── Liquidation machinery ────────────────────────────────────────────────
	breaker := liquidation.NewCircuitBreaker(riskCfg.CircuitBreaker, market, logger)
	controller := liquidation.NewController(engine, pool, breaker, riskCfg, logger)
	controller.SetNotifier(marginCaller)
	controller.SetMetricsRecorder(api.RecordLiquidationStage)

	reviewInterval, _ := time.ParseDuration(viper.GetString("monitor.review_interval"))
	reviewTimeout, _ := time.ParseDuration(viper.GetString("monitor.review_timeout"))
	monitor := liquidation.NewMonitor(engine, controller, liquidation.MonitorConfig{
		ReviewInterval: reviewInterval,
		ReviewTimeout:  reviewTimeout,
		Concurrency:    viper.GetInt("monitor.concurrency"),
	}, logger)

	// ── API keys ─────────────────────────────────────────────────────────────
	var keyStore apikey.KeyStore
	if db != nil {
		keyStore = apikey.NewPostgresStore(db)
	} else {
		keyStore = apikey.NewMemoryStore()
	}
	keys := apikey.NewService(keyStore)

	srv := api.NewServer(registry, exec, scores, engine, pool, store, keys, tokens, logger)
	whHandler := webhooks.NewHandler(hooks, tokens, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "Idempotency-Key", "X-API-Key", "X-Actor"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(api.RateLimiter(rps, rps*2))
	}
	router.Use(api.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", api.MetricsHandler())

	v1 := router.Group("/api/v1")
	if viper.GetBool("apikey.required") {
		v1.Use(apikey.RequireKey(keys))
	}
	srv.Register(v1)
	whHandler.Register(v1)

	// ── Background work ──────────────────────────────────────────────────────
	// The monitor, the sweep loop, and the shutdown path below all wait on
	// quit. One signal receive closes it, which wakes every reader; a second
	// receive on the signal channel itself would wake only one.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan os.Signal)
	go func() {
		<-sig
		close(quit)
	}()

	go monitor.Start(quit)

	sweepInterval, _ := time.ParseDuration(viper.GetString("sweep.interval"))
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if n, err := registry.ExpireSweep(ctx, time.Now().UTC()); err != nil {
					logger.Warn("expire sweep error", zap.Error(err))
				} else if n > 0 {
					logger.Info("expired elapsed delegations", zap.Int("count", n))
				}
				api.SetInsurancePoolBalance(pool.Balance().InexactFloat64())
				cancel()
			case <-quit:
				return
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("mandated HTTP listening", zap.Int("port", viper.GetInt("server.port")))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down mandated...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("mandated stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
