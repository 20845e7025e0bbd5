package display

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hitoshi/billboard/internal/model"
)

// DefaultRevealDuration は表示エフェクトの再生時間のデフォルト値。
const DefaultRevealDuration = 6 * time.Second

// ErrRevealInProgress は再生中に次の再生を要求したことを表す。
var ErrRevealInProgress = errors.New("reveal already in progress")

// EventKind はプレイヤーが通知するイベントの種類。
type EventKind string

const (
	// EventReady は表示素材の準備が完了したことを表す。
	EventReady EventKind = "ready"
	// EventComplete は表示エフェクトの再生が完了したことを表す。
	EventComplete EventKind = "complete"
)

// Event はプレイヤーからの通知。CycleとMessageIDで対象の表示サイクルを識別する。
type Event struct {
	Kind      EventKind
	Cycle     uint64
	MessageID string
}

// Player は表示エフェクトの再生を担う外部コンポーネント。
// LoadとRevealは要求を受け付けるだけで、結果はEventsに通知する。
// 通知するイベントには要求時のcycleをそのまま設定する。
type Player interface {
	// Load はmsgの表示素材を準備する。準備が終わるとEventReadyを通知する。
	Load(ctx context.Context, cycle uint64, msg model.Message) error
	// Reveal はmsgの表示エフェクトを開始する。再生が終わるとEventCompleteを通知する。
	Reveal(ctx context.Context, cycle uint64, msg model.Message) error
	// Events はイベントを受信するチャネルを返す。
	Events() <-chan Event
}

// TimedPlayer は画面を持たずに一定時間で再生完了とするプレイヤー。
// 素材の準備は即座に完了する。
type TimedPlayer struct {
	duration time.Duration
	events   chan Event

	mu      sync.Mutex
	running bool
}

// NewTimedPlayer はTimedPlayerを生成する。durationが0以下の場合はDefaultRevealDurationを使用する。
func NewTimedPlayer(duration time.Duration) *TimedPlayer {
	if duration <= 0 {
		duration = DefaultRevealDuration
	}
	return &TimedPlayer{
		duration: duration,
		events:   make(chan Event, 16),
	}
}

// Load は即座にEventReadyを通知する。
func (p *TimedPlayer) Load(ctx context.Context, cycle uint64, msg model.Message) error {
	return p.emit(ctx, Event{Kind: EventReady, Cycle: cycle, MessageID: msg.ID})
}

// Reveal は再生を開始し、duration経過後にEventCompleteを通知する。
// 再生中に呼ばれた場合はErrRevealInProgressを返す。
// ctxがキャンセルされた後の完了通知は破棄する。
func (p *TimedPlayer) Reveal(ctx context.Context, cycle uint64, msg model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrRevealInProgress
	}
	p.running = true

	time.AfterFunc(p.duration, func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_ = p.emit(ctx, Event{Kind: EventComplete, Cycle: cycle, MessageID: msg.ID})
	})
	return nil
}

// Events はイベントを受信するチャネルを返す。
func (p *TimedPlayer) Events() <-chan Event {
	return p.events
}

// Running は再生中かどうかを返す。
func (p *TimedPlayer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *TimedPlayer) emit(ctx context.Context, ev Event) error {
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
