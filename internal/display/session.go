package display

import (
	"sync"

	"github.com/hitoshi/billboard/internal/model"
)

// Phase は表示コーディネータの状態。
type Phase string

const (
	// PhaseIdle は表示中のメッセージがない状態。
	PhaseIdle Phase = "idle"
	// PhasePreparing は次のメッセージの表示素材を準備中の状態。
	PhasePreparing Phase = "preparing"
	// PhaseRevealing は表示エフェクトを再生中の状態。
	PhaseRevealing Phase = "revealing"
	// PhaseHolding は再生完了後、メッセージを表示したまま待機している状態。
	PhaseHolding Phase = "holding"
)

// Snapshot は表示セッションの状態。
type Snapshot struct {
	Phase         Phase
	Current       *model.Message
	EffectRunning bool
	LastShownText string
	// ShowQR は投稿用QRコードを表示すべきかどうか。
	// 表示中のメッセージがないか、エフェクトが再生中でない場合にtrue。
	ShowQR bool
}

// session は状態の保持とリスナーへの通知を行う。
// 状態の書き込みはコーディネータのイベントループからのみ行う。
type session struct {
	mu    sync.RWMutex
	state Snapshot

	listenersMu sync.Mutex
	nextID      int
	listeners   []listener
}

type listener struct {
	id int
	fn func(Snapshot)
}

func newSession() *session {
	return &session{state: Snapshot{Phase: PhaseIdle, ShowQR: true}}
}

func (s *session) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySnapshot(s.state)
}

// publish は状態を更新して全リスナーに通知する。
func (s *session) publish(state Snapshot) {
	state.ShowQR = state.Current == nil || !state.EffectRunning

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.listenersMu.Lock()
	fns := make([]func(Snapshot), len(s.listeners))
	for i, l := range s.listeners {
		fns[i] = l.fn
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(copySnapshot(state))
	}
}

func (s *session) subscribe(fn func(Snapshot)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func copySnapshot(s Snapshot) Snapshot {
	if s.Current != nil {
		m := *s.Current
		s.Current = &m
	}
	return s
}
