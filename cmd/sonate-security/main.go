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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/audit"
	"github.com/s8ken/yseeku-platform-sub013/internal/security"
	"github.com/s8ken/yseeku-platform-sub013/internal/server"
	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("security service exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("sonate")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.token_secret", "")
	viper.SetDefault("server.token_issuer", "sonate-security")
	viper.SetDefault("server.token_ttl_seconds", 3600)
	viper.SetDefault("database.url", "")
	viper.SetDefault("audit.chain_id", "audit")
	viper.SetDefault("audit.key_id", "audit")
	viper.SetDefault("receipts.key_id", "receipts")
	viper.SetDefault("signing.keystore_path", "")
	viper.SetDefault("signing.keystore_passphrase", "")
	viper.SetDefault("signing.remote_url", "")
	viper.SetDefault("signing.remote_token", "")
	viper.SetDefault("signing.remote_timeout", "5s")
	viper.SetDefault("signing.oauth_token_url", "")
	viper.SetDefault("signing.oauth_client_id", "")
	viper.SetDefault("signing.oauth_client_secret", "")
	viper.SetDefault("rotation.every", "")
	viper.SetDefault("rotation.key_max_age", "720h")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Audit store ──────────────────────────────────────────────────────────
	var store audit.Store
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		store, err = audit.NewPostgresStore(context.Background(), db, logger)
		if err != nil {
			return fmt.Errorf("audit store setup: %w", err)
		}
	} else {
		store = audit.NewMemoryStore()
		logger.Info("audit store: in-memory (set database.url for postgres)")
	}

	// ── Security manager ─────────────────────────────────────────────────────
	rotateEvery, _ := time.ParseDuration(viper.GetString("rotation.every"))
	keyMaxAge, _ := time.ParseDuration(viper.GetString("rotation.key_max_age"))

	mgr := security.NewManager(security.Config{
		Backends:     backendConfigs(),
		ReceiptKeyID: viper.GetString("receipts.key_id"),
		AuditKeyID:   viper.GetString("audit.key_id"),
		AuditChainID: viper.GetString("audit.chain_id"),
		AuditStore:   store,
		RotateEvery:  rotateEvery,
		KeyMaxAge:    keyMaxAge,
		Logger:       logger,
	})
	if err := mgr.Initialize(context.Background()); err != nil {
		return fmt.Errorf("initialize security manager: %w", err)
	}
	defer mgr.Close()

	startCtx := context.Background()
	if status, err := mgr.Audit().VerifyChain(startCtx); err != nil {
		logger.Warn("audit chain verification error", zap.Error(err))
	} else if !status.Valid {
		logger.Warn("audit chain integrity check FAILED",
			zap.String("broken_at", status.BrokenAt),
			zap.String("reason", status.Reason),
		)
	} else {
		logger.Info("audit chain verified", zap.Int("events", status.TotalEvents))
	}

	// ── HTTP router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	tokenTTL := time.Duration(viper.GetInt("server.token_ttl_seconds")) * time.Second
	router, err := server.New(server.Config{
		TokenSecret:  viper.GetString("server.token_secret"),
		TokenIssuer:  viper.GetString("server.token_issuer"),
		TokenTTL:     tokenTTL,
		CORSOrigins:  viper.GetStringSlice("server.cors_origins"),
		RateLimitRPS: viper.GetInt("server.rate_limit_rps"),
	}, mgr, logger)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("security service HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down security service...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("security service stopped")
	return nil
}

// backendConfigs assembles the signing backend candidates from config:
// remote custody first when configured, software custody as the fallback.
func backendConfigs() []signing.BackendConfig {
	var cfgs []signing.BackendConfig

	if remoteURL := viper.GetString("signing.remote_url"); remoteURL != "" {
		timeout, _ := time.ParseDuration(viper.GetString("signing.remote_timeout"))
		cfg := signing.BackendConfig{
			Kind:     signing.KindRemote,
			Name:     "remote",
			Endpoint: remoteURL,
			Token:    viper.GetString("signing.remote_token"),
			Timeout:  timeout,
		}
		if tokenURL := viper.GetString("signing.oauth_token_url"); tokenURL != "" {
			cfg.OAuth = &signing.OAuthConfig{
				TokenURL:     tokenURL,
				ClientID:     viper.GetString("signing.oauth_client_id"),
				ClientSecret: viper.GetString("signing.oauth_client_secret"),
			}
		}
		cfgs = append(cfgs, cfg)
	}

	cfgs = append(cfgs, signing.BackendConfig{
		Kind:         signing.KindSoftware,
		Name:         "software",
		KeystorePath: viper.GetString("signing.keystore_path"),
		Passphrase:   viper.GetString("signing.keystore_passphrase"),
	})
	return cfgs
}
