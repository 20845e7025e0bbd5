package repository

import "sync"

// changeBroadcaster は変更通知を全購読者へ配信する。
// 各購読チャネルはバッファ1で、未受信の通知がある場合は合体する。
type changeBroadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

func newChangeBroadcaster() *changeBroadcaster {
	return &changeBroadcaster{subs: make(map[int]chan struct{})}
}

func (b *changeBroadcaster) subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *changeBroadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *changeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
