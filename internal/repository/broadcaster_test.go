package repository

import (
	"testing"
	"time"
)

// 通知が全購読者へ配信されることを検証
func TestChangeBroadcaster_NotifyReachesAllSubscribers(t *testing.T) {
	b := newChangeBroadcaster()
	ch1, unsub1 := b.subscribe()
	defer unsub1()
	ch2, unsub2 := b.subscribe()
	defer unsub2()

	b.notify()

	for i, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive notification", i)
		}
	}
}

// 未受信の通知が1件に合体されることを検証
func TestChangeBroadcaster_CoalescesPendingNotifications(t *testing.T) {
	b := newChangeBroadcaster()
	ch, unsub := b.subscribe()
	defer unsub()

	b.notify()
	b.notify()
	b.notify()

	<-ch
	select {
	case <-ch:
		t.Fatal("expected pending notifications to be coalesced")
	default:
	}
}

// 購読解除後は通知されず、二重解除しても安全であることを検証
func TestChangeBroadcaster_Unsubscribe(t *testing.T) {
	b := newChangeBroadcaster()
	ch, unsub := b.subscribe()

	unsub()
	unsub()

	if got := b.count(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}

	b.notify()
	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive notifications")
	default:
	}
}
