package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xelth-com/graphnotify/internal/config"
	"github.com/xelth-com/graphnotify/internal/database"
	"github.com/xelth-com/graphnotify/internal/graph"
	"github.com/xelth-com/graphnotify/internal/handlers"
	"github.com/xelth-com/graphnotify/internal/logging"
	"github.com/xelth-com/graphnotify/internal/notify"
	"github.com/xelth-com/graphnotify/internal/notifycrypto"
	"github.com/xelth-com/graphnotify/internal/observability"
	"github.com/xelth-com/graphnotify/internal/session"
	"github.com/xelth-com/graphnotify/internal/subscriptions"
	"github.com/xelth-com/graphnotify/internal/tokens"
	"github.com/xelth-com/graphnotify/internal/websocket"
	"github.com/xelth-com/graphnotify/web"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("config", "", "optional YAML config file")
	return cmd
}

// openRegistry builds the configured subscription registry and its closer
func openRegistry(ctx context.Context, cfg *config.Config, log *slog.Logger) (subscriptions.Registry, func() error, error) {
	switch cfg.Registry.Backend {
	case config.BackendPostgres:
		db, err := database.Connect(cfg.Database, log)
		if err != nil {
			return nil, nil, err
		}
		reg := subscriptions.NewGormRegistry(db.DB)
		if err := reg.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate subscriptions: %w", err)
		}
		return reg, db.Close, nil

	case config.BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		reg := subscriptions.NewRedisRegistry(rdb)
		if err := reg.Ping(ctx); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		return reg, rdb.Close, nil

	default:
		return subscriptions.NewMemoryRegistry(), func() error { return nil }, nil
	}
}

// loadKeyMaterial loads the decryption key and the certificate advertised to
// the publisher. Missing PEM files are generated. Without a configured key
// both results are empty and encrypted notifications are dropped.
func loadKeyMaterial(cfg config.CryptoConfig, log *slog.Logger) (*notifycrypto.Decryptor, string, error) {
	if cfg.PrivateKeyPath == "" {
		log.Warn("no private key configured, encrypted notifications will be dropped")
		return nil, "", nil
	}

	certPath := cfg.CertificatePath
	if certPath == "" {
		certPath = cfg.PrivateKeyPath
	}
	if certPath != cfg.PrivateKeyPath {
		created, err := notifycrypto.EnsureSelfSignedCertificate(certPath, cfg.PrivateKeyPath, "graphnotify")
		if err != nil {
			return nil, "", err
		}
		if created {
			log.Info("generated self-signed encryption certificate", "cert", certPath, "key", cfg.PrivateKeyPath)
		}
	}

	priv, err := notifycrypto.LoadPrivateKey(cfg.PrivateKeyPath, cfg.PrivateKeyPassword)
	if err != nil {
		return nil, "", err
	}
	hash, err := notifycrypto.OAEPHash(cfg.OAEPHash)
	if err != nil {
		return nil, "", err
	}
	decryptor := notifycrypto.NewDecryptor(priv, hash)

	cert, err := notifycrypto.LoadCertificate(certPath, cfg.PrivateKeyPassword)
	if err != nil {
		if cfg.CertificatePath == "" {
			// decryption works without a certificate, subscribing does not
			log.Warn("no certificate found next to the private key, application subscriptions disabled", "error", err)
			return decryptor, "", nil
		}
		return nil, "", err
	}
	return decryptor, notifycrypto.SerializedCertificate(cert), nil
}

// newHub builds the relay, accepting browser upgrades only from this
// deployment's own origins
func newHub(cfg *config.Config, log *slog.Logger) *websocket.Hub {
	origins := cfg.AllowedOrigins()
	if len(origins) == 0 {
		log.Warn("no public origin configured, websocket upgrades accepted from any origin")
	}
	return websocket.NewHub(log, websocket.WithAllowedOrigins(origins...))
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	registry, closeRegistry, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRegistry(); err != nil {
			log.Warn("registry close error", "error", err)
		}
	}()

	decryptor, cert, err := loadKeyMaterial(cfg.Crypto, log)
	if err != nil {
		return fmt.Errorf("load key material: %w", err)
	}

	httpClient := graph.NewHTTPClient(cfg.Notify.FetchTimeout)
	api := graph.NewClient(cfg.Graph.BaseURL, httpClient, log)
	tokenSource := graph.NewTokens(cfg.OAuth, cfg.Graph.BaseURL, httpClient)

	keySet, err := tokens.NewKeySet(ctx, cfg.Tokens.JWKSURL)
	if err != nil {
		return err
	}
	validator := tokens.NewValidator(
		keySet,
		tokens.WithLeeway(cfg.Tokens.Leeway),
		tokens.WithLogger(log),
	)

	hub := newHub(cfg, log)

	deps := notify.Deps{
		Validator: validator,
		Registry:  registry,
		Fetcher:   api,
		Renewer:   api,
		Tokens:    tokenSource,
		Relay:     hub,
		Logger:    log,
		Tracer:    observability.NewTracer(),
	}
	// a nil *Decryptor must not become a non-nil interface
	if decryptor != nil {
		deps.Decryptor = decryptor
	}
	pipeline := notify.New(notify.SettingsFromConfig(cfg), deps)

	static, err := web.FileSystem(cfg.Server.FrontendDir)
	if err != nil {
		return fmt.Errorf("load static files: %w", err)
	}

	sessions := session.NewStore(cfg.Session.Secret, cfg.Session.MaxAge)
	sessions.Secure = strings.HasPrefix(cfg.Subscription.PublicBaseURL, "https://")

	router := handlers.NewRouter(handlers.Options{
		Config:                cfg,
		Notifier:              pipeline,
		Hub:                   hub,
		Registry:              registry,
		Sessions:              sessions,
		Auth:                  tokenSource,
		API:                   api,
		Static:                static,
		Logger:                log,
		EncryptionCertificate: cert,
	})

	servers := []*http.Server{{Addr: ":" + cfg.Server.Port, Handler: router}}
	if cfg.Server.WSPort != "" && cfg.Server.WSPort != cfg.Server.Port {
		wsMux := http.NewServeMux()
		wsMux.HandleFunc("/", hub.ServeWs)
		servers = append(servers, &http.Server{Addr: ":" + cfg.Server.WSPort, Handler: wsMux})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
		log.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	if err := router.Wait(shutdownCtx); err != nil {
		log.Warn("pending notification batches abandoned", "error", err)
	}
	hub.Close()

	log.Info("shutdown complete")
	return runErr
}
