// Package screen はWebSocketで接続したブラウザ画面を表示エフェクトプレイヤーとして扱う。
// サーバーは display.load / display.reveal / display.state フレームを送信し、
// 画面は display.ready / display.complete フレームで応答する。
// 応答には受信したフレームの cycle と message_id をそのまま含める。
package screen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hitoshi/billboard/internal/display"
	"github.com/hitoshi/billboard/internal/model"
)

// フレーム種別。
const (
	FrameLoad     = "display.load"
	FrameReveal   = "display.reveal"
	FrameState    = "display.state"
	FrameReady    = "display.ready"
	FrameComplete = "display.complete"
	FrameError    = "display.error"
)

const (
	outboxSize      = 16
	eventBufferSize = 16
	writeTimeout    = 5 * time.Second
	emitTimeout     = 2 * time.Second
	maxDecodeErrors = 3
	maxPayloadBytes = 4 << 10
)

var (
	// ErrNoScreen は画面が接続されていないことを表す。
	ErrNoScreen = errors.New("no screen connected")
	// ErrScreenBusy は送信キューが埋まっていることを表す。
	ErrScreenBusy = errors.New("screen outbox is full")
)

// Frame はWebSocketでやり取りするメッセージ。
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type messagePayload struct {
	Cycle     uint64 `json:"cycle"`
	MessageID string `json:"message_id"`
	Text      string `json:"text,omitempty"`
}

// StatePayload は display.state フレームのペイロード。
type StatePayload struct {
	Phase         string `json:"phase"`
	CurrentID     string `json:"current_id,omitempty"`
	CurrentText   string `json:"current_text,omitempty"`
	EffectRunning bool   `json:"effect_running"`
	LastShownText string `json:"last_shown_text,omitempty"`
	ShowQR        bool   `json:"show_qr"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// NewStatePayload はセッション状態をフレーム用のペイロードに変換する。
func NewStatePayload(s display.Snapshot) StatePayload {
	p := StatePayload{
		Phase:         string(s.Phase),
		EffectRunning: s.EffectRunning,
		LastShownText: s.LastShownText,
		ShowQR:        s.ShowQR,
	}
	if s.Current != nil {
		p.CurrentID = s.Current.ID
		p.CurrentText = s.Current.Text
	}
	return p
}

// Hub は接続中の画面を1つだけ保持し、display.Playerとして振る舞う。
// 新しい画面が接続すると古い接続は切断される。
type Hub struct {
	logger *slog.Logger
	events chan display.Event

	mu        sync.Mutex
	peer      *peer
	lastState *StatePayload
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		events: make(chan display.Event, eventBufferSize),
	}
}

// Handler はWebSocket接続を受け付けるハンドラを返す。
func (h *Hub) Handler() websocket.Handler {
	return websocket.Handler(h.serve)
}

// Connected は画面が接続中かどうかを返す。
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer != nil
}

// Load は接続中の画面に display.load を送信する。
func (h *Hub) Load(ctx context.Context, cycle uint64, msg model.Message) error {
	return h.sendMessage(ctx, FrameLoad, cycle, msg)
}

// Reveal は接続中の画面に display.reveal を送信する。
func (h *Hub) Reveal(ctx context.Context, cycle uint64, msg model.Message) error {
	return h.sendMessage(ctx, FrameReveal, cycle, msg)
}

// Events は画面から受信したイベントのチャネルを返す。
func (h *Hub) Events() <-chan display.Event {
	return h.events
}

// PublishState はセッション状態を画面に送信する。display.Coordinator.Subscribe に渡して使う。
// 送信キューが埋まっている場合は破棄する。最新の状態は次の接続時にも送信される。
func (h *Hub) PublishState(s display.Snapshot) {
	payload := NewStatePayload(s)
	f, err := newFrame(FrameState, payload)
	if err != nil {
		h.logger.Error("状態フレームの生成に失敗しました", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.lastState = &payload
	p := h.peer
	h.mu.Unlock()

	if p == nil {
		return
	}
	if !p.enqueue(f) {
		h.logger.Warn("画面への状態送信をスキップしました",
			slog.String("phase", payload.Phase),
		)
	}
}

func (h *Hub) sendMessage(ctx context.Context, frameType string, cycle uint64, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := newFrame(frameType, messagePayload{Cycle: cycle, MessageID: msg.ID, Text: msg.Text})
	if err != nil {
		return fmt.Errorf("%sフレームの生成に失敗しました: %w", frameType, err)
	}

	h.mu.Lock()
	p := h.peer
	h.mu.Unlock()

	if p == nil {
		return ErrNoScreen
	}
	if !p.enqueue(f) {
		return ErrScreenBusy
	}
	return nil
}

func (h *Hub) serve(conn *websocket.Conn) {
	// http.ServerのReadTimeoutで設定された期限を解除する
	_ = conn.SetReadDeadline(time.Time{})
	p := newPeer(conn)

	h.mu.Lock()
	prev := h.peer
	h.peer = p
	state := h.lastState
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info("新しい画面が接続したため、以前の接続を切断します")
		prev.close()
	}

	h.logger.Info("画面が接続しました",
		slog.String("remote_addr", conn.Request().RemoteAddr),
	)

	go p.writeLoop(h.logger)

	if state != nil {
		if f, err := newFrame(FrameState, *state); err == nil {
			p.enqueue(f)
		}
	}

	h.readLoop(p)

	h.mu.Lock()
	if h.peer == p {
		h.peer = nil
	}
	h.mu.Unlock()
	p.close()

	h.logger.Info("画面が切断されました")
}

func (h *Hub) readLoop(p *peer) {
	decodeErrors := 0
	for {
		var f Frame
		if err := websocket.JSON.Receive(p.conn, &f); err != nil {
			if errors.Is(err, io.EOF) || p.closed() {
				return
			}
			var syntaxErr *json.SyntaxError
			if !errors.As(err, &syntaxErr) {
				h.logger.Warn("画面からの受信に失敗しました", slog.String("error", err.Error()))
				return
			}
			decodeErrors++
			h.replyError(p, "invalid frame")
			if decodeErrors >= maxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(f.Payload) > maxPayloadBytes {
			h.replyError(p, "payload too large")
			continue
		}

		var kind display.EventKind
		switch f.Type {
		case FrameReady:
			kind = display.EventReady
		case FrameComplete:
			kind = display.EventComplete
		default:
			h.replyError(p, "unsupported frame type")
			continue
		}

		var payload messagePayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil || payload.MessageID == "" || payload.Cycle == 0 {
			h.replyError(p, "cycle and message_id are required")
			continue
		}

		h.emit(p, display.Event{Kind: kind, Cycle: payload.Cycle, MessageID: payload.MessageID})
	}
}

// emit はイベントを通知する。バッファが埋まっている場合はemitTimeoutまで受信を止めて待つ。
func (h *Hub) emit(p *peer, ev display.Event) {
	select {
	case h.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()
	select {
	case h.events <- ev:
	case <-p.done:
	case <-timer.C:
		h.logger.Warn("画面イベントを破棄しました",
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("cycle", ev.Cycle),
			slog.String("message_id", ev.MessageID),
		)
	}
}

func (h *Hub) replyError(p *peer, msg string) {
	if f, err := newFrame(FrameError, errorPayload{Message: msg}); err == nil {
		p.enqueue(f)
	}
}

func newFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// peer は1つのWebSocket接続。書き込みはwriteLoopのみが行う。
type peer struct {
	conn   *websocket.Conn
	outbox chan Frame
	done   chan struct{}
	once   sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn:   conn,
		outbox: make(chan Frame, outboxSize),
		done:   make(chan struct{}),
	}
}

func (p *peer) enqueue(f Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.outbox <- f:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.outbox:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := websocket.JSON.Send(p.conn, f); err != nil {
				logger.Warn("画面への送信に失敗しました",
					slog.String("type", f.Type),
					slog.String("error", err.Error()),
				)
				p.close()
				return
			}
		}
	}
}

func (p *peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
