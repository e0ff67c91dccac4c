package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/telegram"
	"github.com/zhouzirui/z-relay/pkg/utils"
)

// SecretHeader 是 Telegram 回传 secret_token 的请求头。
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Handler Telegram webhook 处理器
type Handler struct {
	sink   telegram.Submitter
	secret string
	logger *zap.Logger
}

// New 创建 webhook 处理器；secret 为空时不校验请求头。
func New(sink telegram.Submitter, secret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sink: sink, secret: secret, logger: logger.Named("webhook")}
}

// RegisterRoutes 注册 webhook 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/telegram/webhook", h.handleUpdate)
}

// handleUpdate 接收一条 update 并交给 relay 排队处理
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(h.secret)) != 1 {
		utils.RespondError(w, http.StatusUnauthorized, "invalid secret token")
		return
	}

	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid update body")
		return
	}

	msg, ok := telegram.ToInbound(update)
	if !ok {
		utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if err := h.sink.Submit(r.Context(), msg); err != nil {
		h.logger.Error("failed to queue update", zap.Int64("update_id", update.UpdateID), zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
