package handlers

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/xelth-com/graphnotify/internal/buildinfo"
	"github.com/xelth-com/graphnotify/internal/config"
	"github.com/xelth-com/graphnotify/internal/graph"
	"github.com/xelth-com/graphnotify/internal/middleware"
	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/notify"
	"github.com/xelth-com/graphnotify/internal/session"
	"github.com/xelth-com/graphnotify/internal/subscriptions"
	"github.com/xelth-com/graphnotify/internal/websocket"
)

// Notifier processes inbound notification and lifecycle batches
type Notifier interface {
	Process(ctx context.Context, env *models.Envelope) notify.Result
	ProcessLifecycle(ctx context.Context, env *models.LifecycleEnvelope) notify.Result
}

// Authenticator runs the OAuth flows and caches per-account tokens
type Authenticator interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Remember(accountID string, tok *oauth2.Token)
	Forget(accountID string)
	UserToken(ctx context.Context, accountID string) (string, error)
	AppToken(ctx context.Context) (string, error)
}

// SubscriptionAPI manages subscriptions at the publisher
type SubscriptionAPI interface {
	GetMe(ctx context.Context, token string) (*graph.User, error)
	CreateSubscription(ctx context.Context, token string, req graph.SubscriptionRequest) (*graph.RemoteSubscription, error)
	DeleteSubscription(ctx context.Context, token, id string) error
}

// Options are the router's dependencies
type Options struct {
	Config   *config.Config
	Notifier Notifier
	Hub      *websocket.Hub
	Registry subscriptions.Registry
	Sessions *session.Store
	Auth     Authenticator
	API      SubscriptionAPI
	Static   fs.FS
	Logger   *slog.Logger

	// EncryptionCertificate is the base64 DER certificate sent with
	// application subscriptions; empty disables them
	EncryptionCertificate string
}

// Router wraps the mux router and the relay's collaborators
type Router struct {
	*mux.Router
	cfg      *config.Config
	notifier Notifier
	hub      *websocket.Hub
	registry subscriptions.Registry
	sessions *session.Store
	auth     Authenticator
	api      SubscriptionAPI
	static   fs.FS
	cert     string
	log      *slog.Logger
	now      func() time.Time

	// detached tracks batches still processing after their response was sent
	detached sync.WaitGroup
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		Router:   mux.NewRouter(),
		cfg:      opts.Config,
		notifier: opts.Notifier,
		hub:      opts.Hub,
		registry: opts.Registry,
		sessions: opts.Sessions,
		auth:     opts.Auth,
		api:      opts.API,
		static:   opts.Static,
		cert:     opts.EncryptionCertificate,
		log:      log.With("component", "http"),
		now:      time.Now,
	}

	r.Use(middleware.RequestLogger(log))

	// Publisher endpoints
	r.HandleFunc("/listen", r.listen).Methods(http.MethodPost)
	r.HandleFunc("/lifecycle", r.lifecycle).Methods(http.MethodPost)

	// Realtime channel
	if r.hub != nil {
		r.HandleFunc("/ws", r.hub.ServeWs).Methods(http.MethodGet)
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods(http.MethodGet)

	// Browser routes
	browser := r.NewRoute().Subrouter()
	browser.Use(middleware.Session(r.sessions))
	browser.HandleFunc("/", r.home).Methods(http.MethodGet)
	browser.HandleFunc("/delegated/signin", r.delegatedSignin).Methods(http.MethodGet)
	browser.HandleFunc("/delegated/callback", r.delegatedCallback).Methods(http.MethodGet)
	browser.HandleFunc("/delegated/signout", r.delegatedSignout).Methods(http.MethodGet)
	browser.HandleFunc("/apponly/subscribe", r.appOnlySubscribe).Methods(http.MethodGet)
	browser.HandleFunc("/apponly/signout", r.appOnlySignout).Methods(http.MethodGet)
	browser.Handle("/watch", middleware.RequireSession(http.HandlerFunc(r.watch))).Methods(http.MethodGet)

	if r.static != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(r.static)))
	}

	return r
}

// Wait blocks until batches processed past their response budget finish or ctx ends
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// healthCheck returns the health status of the relay
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	connections := 0
	if r.hub != nil {
		connections = r.hub.Count()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"build":       buildinfo.Current(),
		"connections": connections,
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
