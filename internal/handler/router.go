package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/handler/health"
	"github.com/zhouzirui/z-relay/internal/handler/webhook"
	"github.com/zhouzirui/z-relay/internal/telegram"
)

// WebhookOptions enables the Telegram push endpoint when Sink is set.
type WebhookOptions struct {
	Sink   telegram.Submitter
	Secret string
}

// NewRouter wires the liveness endpoint and, optionally, the webhook.
func NewRouter(hook WebhookOptions, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	health.New().RegisterRoutes(r)

	if hook.Sink != nil {
		webhook.New(hook.Sink, hook.Secret, logger).RegisterRoutes(r)
	}

	return r
}
