package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/billboard/internal/middleware"
	"github.com/hitoshi/billboard/internal/model"
)

// maxSubmitBodyBytes は投稿リクエストボディの上限。
const maxSubmitBodyBytes = 16 << 10

// MessageServiceInterface はメッセージハンドラーが必要とするサービスインターフェース。
type MessageServiceInterface interface {
	// Submit は投稿テキストを検証してpendingのメッセージを作成する。
	Submit(ctx context.Context, text string) (*model.Message, error)
	// Position はメッセージの状態と表示待ち順位を返す。
	Position(ctx context.Context, id string) (*model.PositionResult, error)
	// LastShown は最後に表示されたメッセージを返す。
	LastShown(ctx context.Context) (*model.Message, error)
}

// MessageHandler はメッセージ投稿と状態照会のHTTPハンドラー。
type MessageHandler struct {
	service MessageServiceInterface
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service MessageServiceInterface) *MessageHandler {
	return &MessageHandler{service: service}
}

// submitRequest は投稿リクエストのボディ。
type submitRequest struct {
	Text string `json:"text"`
}

// messageResponse はメッセージのAPIレスポンス。時刻はUnixミリ秒。
type messageResponse struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	Order     int64  `json:"order"`
	CreatedAt int64  `json:"created_at"`
	ShownAt   *int64 `json:"shown_at,omitempty"`
}

// positionResponse はキュー位置照会のAPIレスポンス。
type positionResponse struct {
	Position *int    `json:"position"`
	Total    *int    `json:"total"`
	Status   string  `json:"status"`
	Text     string  `json:"text"`
	Reason   *string `json:"reason"`
}

// Submit はメッセージ投稿を処理する。
// POST /api/messages
func (h *MessageHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	msg, err := h.service.Submit(r.Context(), req.Text)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// GetStatus はメッセージの状態と表示待ち順位を返す。
// GET /api/messages/{id}
func (h *MessageHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.service.Position(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	resp := positionResponse{
		Position: result.Position,
		Total:    result.Total,
		Status:   string(result.Status),
		Text:     result.Text,
	}
	if result.Reason != "" {
		reason := result.Reason
		resp.Reason = &reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// LastShown は最後に表示されたメッセージを返す。
// GET /api/messages/last-shown
func (h *MessageHandler) LastShown(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.LastShown(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func toMessageResponse(m *model.Message) messageResponse {
	resp := messageResponse{
		ID:        m.ID,
		Text:      m.Text,
		Status:    string(m.Status),
		Order:     m.Order,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
	if m.ShownAt != nil {
		ms := m.ShownAt.UnixMilli()
		resp.ShownAt = &ms
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
