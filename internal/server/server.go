// Package server builds the HTTP surface of the bot: health, metrics, the
// webhook endpoint when the bot runs in webhook mode, and the admin API.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/gremlinbot/internal/config"
)

// Options carries everything the router mounts. Webhook is nil in polling
// mode; State reports the transport lifecycle for /health. AdminTimeout
// defaults to DefaultAdminTimeout.
type Options struct {
	Mode         string
	State        func() string
	Webhook      http.Handler
	AdminToken   string
	AdminTimeout time.Duration
	Chats        ChatReader
	Settings     SettingsService
	Messages     MessageReader
}

type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	State  string `json:"state"`
}

// NewRouter wires middleware and routes.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		state := ""
		if opts.State != nil {
			state = opts.State()
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Mode: opts.Mode, State: state})
	})
	r.Handle("/metrics", promhttp.Handler())

	if opts.Webhook != nil {
		r.Post(config.WebhookPath, opts.Webhook.ServeHTTP)
	}

	if opts.Chats != nil && opts.Settings != nil && opts.Messages != nil {
		timeout := opts.AdminTimeout
		if timeout <= 0 {
			timeout = DefaultAdminTimeout
		}
		admin := &adminHandler{
			token:    opts.AdminToken,
			timeout:  timeout,
			chats:    opts.Chats,
			settings: opts.Settings,
			messages: opts.Messages,
		}
		r.Route("/admin", admin.routes)
	}

	return r
}

// NewHTTPServer returns the server the supervisor runs.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
