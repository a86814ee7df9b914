package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/service/brain"
	chatservice "github.com/zhouzirui/yuexia/internal/service/chat"
	"github.com/zhouzirui/yuexia/internal/service/speech"
	"github.com/zhouzirui/yuexia/pkg/utils"
)

// MaxMessageLength 是单条聊天消息允许的最大字符数。
const MaxMessageLength = 4096

// Service 是控制接口依赖的编排器能力，由 *brain.Brain 实现。
type Service interface {
	ChatStream(ctx context.Context, text string) (<-chan brain.StreamItem, error)
	Sessions() brain.SessionsView
	CreateSession(ctx context.Context) (string, error)
	SwitchSession(ctx context.Context, id string) error
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	Reload(ctx context.Context) error
	Status() brain.Status
	// Config 返回当前生效的配置，只读。
	Config() *config.Config
}

// Handler 控制接口的 HTTP 处理器
type Handler struct {
	svc Service
	log *zap.Logger
}

// New 创建控制接口处理器
func New(svc Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes 注册 /api 下的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleChatStream)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Post("/", h.handleCreateSession)
		r.Post("/{id}/activate", h.handleActivateSession)
		r.Put("/{id}", h.handleRenameSession)
		r.Delete("/{id}", h.handleDeleteSession)
	})

	r.Post("/system/reload", h.handleReload)
	r.Get("/system/status", h.handleStatus)

	r.Get("/config", h.handleGetConfig)
	r.Put("/config", h.handleUpdateConfig)
	r.Get("/emotion-refs", h.handleEmotionRefs)
}

// handleChatStream 以 SSE 推送一轮对话：delta 增量、end 结果或 error。
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, h.log, http.StatusBadRequest, "invalid request body")
		return
	}
	if utf8.RuneCountInString(payload.Message) > MaxMessageLength {
		utils.RespondError(w, h.log, http.StatusBadRequest, "message too long")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, h.log, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	items, err := h.svc.ChatStream(r.Context(), payload.Message)
	switch {
	case errors.Is(err, brain.ErrEmptyInput):
		utils.RespondError(w, h.log, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, brain.ErrBusy):
		utils.RespondError(w, h.log, http.StatusConflict, err.Error())
		return
	case err != nil:
		utils.RespondError(w, h.log, http.StatusInternalServerError, err.Error())
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for item := range items {
		var sendErr error
		switch {
		case item.Err != nil:
			sendErr = utils.SendSSEEvent(w, flusher, h.log, "error", map[string]string{"error": item.Err.Error()})
		case item.Result != nil:
			sendErr = utils.SendSSEEvent(w, flusher, h.log, "end", item.Result)
		default:
			sendErr = utils.SendSSEEvent(w, flusher, h.log, "delta", map[string]string{"text": item.Delta})
		}
		if sendErr != nil {
			h.log.Debug("client went away during stream", zap.Error(sendErr))
			// 对话锁在通道关闭前一直被持有
			for range items {
			}
			return
		}
	}
}

func (h *Handler) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, h.log, http.StatusOK, h.svc.Sessions())
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.CreateSession(r.Context())
	if err != nil {
		h.respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, h.log, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.SwitchSession(r.Context(), id); err != nil {
		h.respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, h.log, http.StatusOK, map[string]string{"current_id": id})
}

func (h *Handler) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, h.log, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.RenameSession(r.Context(), id, payload.Title); err != nil {
		h.respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, h.log, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reload(r.Context()); err != nil {
		h.log.Warn("reload failed", zap.Error(err))
		utils.RespondError(w, h.log, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, h.log, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, h.log, http.StatusOK, h.svc.Status())
}

// handleGetConfig 返回当前配置，密钥已打码。
func (h *Handler) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	masked, err := config.Masked(h.svc.Config())
	if err != nil {
		utils.RespondError(w, h.log, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, h.log, http.StatusOK, masked)
}

// handleUpdateConfig 把白名单内的配置项合并写入配置文件，然后重新加载。
func (h *Handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		utils.RespondError(w, h.log, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	err := config.Update(h.svc.Config().Path, patch)
	var forbidden *config.ForbiddenKeysError
	switch {
	case errors.As(err, &forbidden):
		h.log.Warn("rejected update of protected configuration keys", zap.Strings("keys", forbidden.Keys))
		utils.RespondJSON(w, h.log, http.StatusForbidden, map[string]any{
			"error":          "forbidden configuration keys",
			"forbidden_keys": forbidden.Keys,
			"allowed_keys":   config.SortedEditableKeys(),
		})
		return
	case errors.Is(err, config.ErrInvalidUpdate):
		utils.RespondError(w, h.log, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("write configuration failed", zap.Error(err))
		utils.RespondError(w, h.log, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.svc.Reload(r.Context()); err != nil {
		h.log.Warn("configuration saved but reload failed", zap.Error(err))
		utils.RespondError(w, h.log, http.StatusInternalServerError, "saved, reload failed: "+err.Error())
		return
	}
	h.log.Info("configuration updated")
	utils.RespondJSON(w, h.log, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleEmotionRefs(w http.ResponseWriter, _ *http.Request) {
	dir := h.svc.Config().Perception.TTS.EmotionRefsDir
	refs := speech.LoadRefPool(dir, h.log).List()
	if refs == nil {
		refs = []speech.RefEntry{}
	}
	utils.RespondJSON(w, h.log, http.StatusOK, refs)
}

// respondSessionError 将会话错误映射为 HTTP 状态码
func (h *Handler) respondSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatservice.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, brain.ErrUnknownSession):
		status = http.StatusNotFound
	}
	utils.RespondError(w, h.log, status, err.Error())
}
