package handler

import (
	"net/http"

	"github.com/hitoshi/billboard/internal/display"
)

// DisplayStateProvider は表示セッションの状態を返す。display.Coordinatorが満たす。
type DisplayStateProvider interface {
	State() display.Snapshot
}

// DisplayHandler は表示セッション状態のHTTPハンドラー。
type DisplayHandler struct {
	provider DisplayStateProvider
}

// NewDisplayHandler はDisplayHandlerを生成する。
func NewDisplayHandler(provider DisplayStateProvider) *DisplayHandler {
	return &DisplayHandler{provider: provider}
}

type displayStateResponse struct {
	Phase         string  `json:"phase"`
	CurrentID     *string `json:"current_id"`
	CurrentText   *string `json:"current_text"`
	EffectRunning bool    `json:"effect_running"`
	LastShownText *string `json:"last_shown_text"`
	ShowQR        bool    `json:"show_qr"`
}

// GetState は表示セッションの状態を返す。
// GET /api/display/state
func (h *DisplayHandler) GetState(w http.ResponseWriter, r *http.Request) {
	s := h.provider.State()

	resp := displayStateResponse{
		Phase:         string(s.Phase),
		EffectRunning: s.EffectRunning,
		ShowQR:        s.ShowQR,
	}
	if s.Current != nil {
		resp.CurrentID = &s.Current.ID
		resp.CurrentText = &s.Current.Text
	}
	if s.LastShownText != "" {
		resp.LastShownText = &s.LastShownText
	}
	writeJSON(w, http.StatusOK, resp)
}
