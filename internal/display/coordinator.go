// Package display は承認済みメッセージを1件ずつ表示する表示コーディネータを提供する。
// コーディネータは単一のイベントループで表示セッションの状態を所有し、
// 表示エフェクトの再生が完了したメッセージをshownとして記録する。
package display

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/billboard/internal/errtrack"
	"github.com/hitoshi/billboard/internal/model"
	"github.com/hitoshi/billboard/internal/queue"
)

// デフォルトのタイミング設定。
const (
	DefaultRevealDelay  = 500 * time.Millisecond
	DefaultSettleDelay  = 2 * time.Second
	DefaultCycleTimeout = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// 表示サイクルの結果。メトリクスのラベルに使用する。
const (
	OutcomeShown        = "shown"
	OutcomeWriteFailed  = "write_failed"
	OutcomeLoadFailed   = "load_failed"
	OutcomeRevealFailed = "reveal_failed"
	OutcomeAbandoned    = "abandoned"
)

// StatusWriter はメッセージのステータスを書き込む。
type StatusWriter interface {
	SetStatus(ctx context.Context, id string, update model.StatusUpdate) error
}

// CycleRecorder は表示サイクルのメトリクスを記録する。
type CycleRecorder interface {
	RecordDisplayCycle(outcome string)
	SetApprovedQueueDepth(n int)
}

// Coordinator は表示コーディネータ。Runで起動したイベントループが全状態を所有する。
type Coordinator struct {
	store    StatusWriter
	player   Player
	logger   *slog.Logger
	reporter errtrack.Reporter
	recorder CycleRecorder

	revealDelay  time.Duration
	settleDelay  time.Duration
	cycleTimeout time.Duration
	writeTimeout time.Duration

	session *session

	// 最新の承認済みスナップショットのみを保持する
	mailboxMu sync.Mutex
	mailbox   []model.Message
	hasMail   bool
	wake      chan struct{}

	kick    chan struct{}
	results chan result
}

// Option はCoordinatorの設定を変更する関数。
type Option func(*Coordinator)

// WithRevealDelay は素材準備完了から再生開始までの待機時間を設定する。
func WithRevealDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.revealDelay = d }
}

// WithSettleDelay は再生完了から次のメッセージに進むまでの待機時間を設定する。
func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.settleDelay = d }
}

// WithCycleTimeout は1サイクルの上限時間を設定する。超過したサイクルはshownにせず破棄する。
func WithCycleTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.cycleTimeout = d }
}

// WithWriteTimeout はshownの書き込みのタイムアウトを設定する。
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.writeTimeout = d }
}

// WithErrorReporter は回復したエラーの報告先を設定する。
func WithErrorReporter(r errtrack.Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r CycleRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// NewCoordinator はCoordinatorを生成する。
func NewCoordinator(store StatusWriter, player Player, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		player:       player,
		logger:       logger,
		reporter:     errtrack.NopReporter{},
		revealDelay:  DefaultRevealDelay,
		settleDelay:  DefaultSettleDelay,
		cycleTimeout: DefaultCycleTimeout,
		writeTimeout: DefaultWriteTimeout,
		session:      newSession(),
		wake:         make(chan struct{}, 1),
		kick:         make(chan struct{}, 1),
		results:      make(chan result, 8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateApproved は最新の承認済みスナップショットを渡す。
// store.WatchByStatusのコールバックとして使用できる。ブロックしない。
func (c *Coordinator) UpdateApproved(snapshot []model.Message) {
	c.mailboxMu.Lock()
	c.mailbox = slices.Clone(snapshot)
	c.hasMail = true
	c.mailboxMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Kick は次のメッセージの選択を要求する。Idle以外のときは何もしない。
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// State は現在の表示セッションの状態を返す。
func (c *Coordinator) State() Snapshot {
	return c.session.snapshot()
}

// Subscribe は状態が変わるたびに呼ばれるリスナーを登録し、登録解除関数を返す。
// リスナーはイベントループから同期的に呼ばれるため、ブロックしてはならない。
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	return c.session.subscribe(fn)
}

type resultKind int

const (
	resultLoad resultKind = iota
	resultReveal
	resultWrite
)

// result は非同期に実行した外部呼び出しの結果。
type result struct {
	kind  resultKind
	cycle uint64
	err   error
}

// loop はイベントループが所有する状態。
type loop struct {
	phase         Phase
	current       *model.Message
	effectRunning bool
	lastShownText string

	approved []model.Message
	// shown はshownの書き込みに成功したが、まだ承認済みスナップショットに残っているID
	shown map[string]struct{}

	cycle uint64

	revealTimer  *time.Timer
	settleTimer  *time.Timer
	watchdog     *time.Timer
	settled      bool
	writePending bool
	// failed は失敗したサイクルがIdleに戻るのを待っていることを表す。この間のイベントは無視する
	failed bool
}

// Run はイベントループを実行する。コンテキストがキャンセルされるまで戻らない。
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("表示コーディネータを開始しました",
		slog.Duration("reveal_delay", c.revealDelay),
		slog.Duration("settle_delay", c.settleDelay),
		slog.Duration("cycle_timeout", c.cycleTimeout),
	)

	l := &loop{phase: PhaseIdle, shown: make(map[string]struct{})}
	defer l.stopTimers()

	events := c.player.Events()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("表示コーディネータを停止しました")
			return nil

		case <-c.wake:
			c.mailboxMu.Lock()
			snapshot, ok := c.mailbox, c.hasMail
			c.mailbox, c.hasMail = nil, false
			c.mailboxMu.Unlock()
			if ok {
				c.onApproved(l, snapshot)
				c.evaluate(ctx, l)
			}

		case <-c.kick:
			c.evaluate(ctx, l)

		case ev, ok := <-events:
			if !ok {
				events = nil
				c.logger.Warn("プレイヤーのイベントチャネルが閉じられました")
				continue
			}
			c.onPlayerEvent(ctx, l, ev)

		case r := <-c.results:
			c.onResult(ctx, l, r)

		case <-timerC(l.revealTimer):
			l.revealTimer = nil
			c.beginReveal(ctx, l)

		case <-timerC(l.watchdog):
			l.watchdog = nil
			c.abandon(ctx, l)

		case <-timerC(l.settleTimer):
			l.settleTimer = nil
			l.settled = true
			c.maybeIdle(ctx, l)
		}
	}
}

// onApproved は承認済みスナップショットを取り込む。
// スナップショットから消えたIDはストアに反映済みとして追跡をやめる。
func (c *Coordinator) onApproved(l *loop, snapshot []model.Message) {
	queue.SortByOrder(snapshot)
	l.approved = snapshot

	present := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		present[m.ID] = struct{}{}
	}
	for id := range l.shown {
		if _, ok := present[id]; !ok {
			delete(l.shown, id)
		}
	}

	if c.recorder != nil {
		c.recorder.SetApprovedQueueDepth(len(snapshot) - len(l.shown))
	}
}

// evaluate はIdleのときに先頭の承認済みメッセージを選択してPreparingに進む。
// 判定と遷移は同じループ反復内で行う。
func (c *Coordinator) evaluate(ctx context.Context, l *loop) {
	if l.phase != PhaseIdle {
		c.logger.Debug("表示サイクル中のため選択をスキップしました",
			slog.String("phase", string(l.phase)),
		)
		return
	}

	next, ok := c.head(l)
	if !ok {
		return
	}

	l.cycle++
	l.phase = PhasePreparing
	l.current = &next
	l.settled = false
	l.writePending = false
	l.failed = false
	if c.cycleTimeout > 0 {
		l.watchdog = time.NewTimer(c.cycleTimeout)
	}
	c.publish(l)

	c.logger.Info("メッセージの表示準備を開始しました",
		slog.String("message_id", next.ID),
		slog.Int64("order", next.Order),
	)

	cycle := l.cycle
	c.async(ctx, resultLoad, cycle, func(ctx context.Context) error {
		return c.player.Load(ctx, cycle, next)
	})
}

func (c *Coordinator) head(l *loop) (model.Message, bool) {
	for _, m := range l.approved {
		if _, done := l.shown[m.ID]; !done {
			return m, true
		}
	}
	return model.Message{}, false
}

func (c *Coordinator) onPlayerEvent(ctx context.Context, l *loop, ev Event) {
	if l.current == nil || l.failed || ev.Cycle != l.cycle || ev.MessageID != l.current.ID {
		c.logger.Debug("現在のサイクルと異なるイベントを無視しました",
			slog.String("kind", string(ev.Kind)),
			slog.String("message_id", ev.MessageID),
			slog.Uint64("event_cycle", ev.Cycle),
			slog.Uint64("cycle", l.cycle),
		)
		return
	}

	switch {
	case ev.Kind == EventReady && l.phase == PhasePreparing && l.revealTimer == nil:
		l.revealTimer = time.NewTimer(c.revealDelay)
	case ev.Kind == EventComplete && l.phase == PhaseRevealing:
		c.complete(ctx, l)
	default:
		c.logger.Debug("現在の状態では処理しないイベントを無視しました",
			slog.String("kind", string(ev.Kind)),
			slog.String("phase", string(l.phase)),
		)
	}
}

// beginReveal は再生を開始してRevealingに進む。
func (c *Coordinator) beginReveal(ctx context.Context, l *loop) {
	if l.phase != PhasePreparing || l.current == nil || l.failed {
		return
	}

	l.phase = PhaseRevealing
	l.effectRunning = true
	c.publish(l)

	msg, cycle := *l.current, l.cycle
	c.async(ctx, resultReveal, cycle, func(ctx context.Context) error {
		return c.player.Reveal(ctx, cycle, msg)
	})
}

// complete は再生完了を受けてHoldingに進み、shownを書き込む。
func (c *Coordinator) complete(ctx context.Context, l *loop) {
	stopTimer(&l.watchdog)

	l.phase = PhaseHolding
	l.effectRunning = false
	l.lastShownText = l.current.Text
	c.publish(l)

	msg := *l.current
	l.writePending = true
	c.async(ctx, resultWrite, l.cycle, func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
		return c.store.SetStatus(writeCtx, msg.ID, model.StatusUpdate{Status: model.StatusShown})
	})

	l.settleTimer = time.NewTimer(c.settleDelay)
}

func (c *Coordinator) onResult(ctx context.Context, l *loop, r result) {
	if r.cycle != l.cycle {
		return
	}

	switch r.kind {
	case resultLoad:
		if r.err != nil && l.phase == PhasePreparing && !l.failed {
			c.logger.Warn("表示素材の準備に失敗しました。待機後に再試行します",
				slog.String("message_id", l.current.ID),
				slog.String("error", r.err.Error()),
			)
			c.fail(l, OutcomeLoadFailed)
		}

	case resultReveal:
		if r.err != nil && l.phase == PhaseRevealing && !l.failed {
			c.logger.Warn("表示エフェクトの開始に失敗しました。待機後に再試行します",
				slog.String("message_id", l.current.ID),
				slog.String("error", r.err.Error()),
			)
			c.fail(l, OutcomeRevealFailed)
		}

	case resultWrite:
		l.writePending = false
		id := l.current.ID
		if r.err != nil {
			c.logger.Error("表示済みの書き込みに失敗しました。メッセージは再表示されます",
				slog.String("message_id", id),
				slog.String("error", r.err.Error()),
			)
			c.reporter.CaptureError(r.err, map[string]string{
				"component":  "display_coordinator",
				"message_id": id,
			})
			c.recordCycle(OutcomeWriteFailed)
		} else {
			l.shown[id] = struct{}{}
			c.logger.Info("メッセージを表示しました",
				slog.String("message_id", id),
			)
			c.recordCycle(OutcomeShown)
		}
		c.maybeIdle(ctx, l)
	}
}

// abandon は上限時間内に完了しなかったサイクルをshownにせず破棄する。
func (c *Coordinator) abandon(ctx context.Context, l *loop) {
	if (l.phase != PhasePreparing && l.phase != PhaseRevealing) || l.failed {
		return
	}
	c.logger.Warn("表示サイクルが時間内に完了しなかったため破棄しました",
		slog.String("message_id", l.current.ID),
		slog.String("phase", string(l.phase)),
		slog.Duration("timeout", c.cycleTimeout),
	)
	c.fail(l, OutcomeAbandoned)
}

// fail はサイクルを失敗として終了し、待機後にIdleに戻る。
// 待機中に届いたこのサイクルのイベントは反映しない。
func (c *Coordinator) fail(l *loop, outcome string) {
	stopTimer(&l.watchdog)
	stopTimer(&l.revealTimer)

	l.failed = true
	l.effectRunning = false
	l.writePending = false
	c.publish(l)
	c.recordCycle(outcome)

	l.settleTimer = time.NewTimer(c.settleDelay)
}

// maybeIdle は待機時間が経過し、shownの書き込みも終わっていればIdleに戻って次を選択する。
func (c *Coordinator) maybeIdle(ctx context.Context, l *loop) {
	if !l.settled || l.writePending {
		return
	}

	l.phase = PhaseIdle
	l.current = nil
	l.effectRunning = false
	l.settled = false
	l.failed = false
	c.publish(l)

	c.evaluate(ctx, l)
}

func (c *Coordinator) publish(l *loop) {
	var current *model.Message
	if l.current != nil {
		m := *l.current
		current = &m
	}
	c.session.publish(Snapshot{
		Phase:         l.phase,
		Current:       current,
		EffectRunning: l.effectRunning,
		LastShownText: l.lastShownText,
	})
}

func (c *Coordinator) recordCycle(outcome string) {
	if c.recorder != nil {
		c.recorder.RecordDisplayCycle(outcome)
	}
}

// async はfnを別ゴルーチンで実行し、結果をイベントループに送る。
func (c *Coordinator) async(ctx context.Context, kind resultKind, cycle uint64, fn func(context.Context) error) {
	go func() {
		err := fn(ctx)
		select {
		case c.results <- result{kind: kind, cycle: cycle, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (l *loop) stopTimers() {
	stopTimer(&l.revealTimer)
	stopTimer(&l.settleTimer)
	stopTimer(&l.watchdog)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// timerC はタイマーのチャネルを返す。nilの場合はnilチャネルを返し、selectで選択されない。
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
