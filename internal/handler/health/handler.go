package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Body 是存活探测返回的固定文本。
const Body = "z-relay is running"

// Handler 存活探测处理器
type Handler struct{}

// New 创建存活探测处理器
func New() *Handler {
	return &Handler{}
}

// RegisterRoutes 注册存活探测路由，任意方法均返回 200。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/", h.handleLiveness)
	r.HandleFunc("/healthz", h.handleLiveness)
}

func (h *Handler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(Body))
}
