package queue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/hitoshi/billboard/internal/model"
)

func msg(id string, status model.Status, order int64) model.Message {
	return model.Message{ID: id, Text: "texto " + id, Status: status, Order: order}
}

func TestPosition_NotFound(t *testing.T) {
	snapshot := []model.Message{msg("a", model.StatusPending, 1)}

	if _, ok := Position(snapshot, "missing"); ok {
		t.Fatal("expected not found")
	}
	if _, ok := Position(nil, "a"); ok {
		t.Fatal("expected not found for empty snapshot")
	}
}

func TestPosition_TerminalStatusesHaveNoPosition(t *testing.T) {
	rejected := msg("r", model.StatusRejected, 1)
	rejected.Reason = "Lenguaje ofensivo"
	snapshot := []model.Message{
		rejected,
		msg("s", model.StatusShown, 2),
		msg("p", model.StatusPending, 3),
	}

	for _, id := range []string{"r", "s"} {
		got, ok := Position(snapshot, id)
		if !ok {
			t.Fatalf("%s: expected found", id)
		}
		if got.Position != nil || got.Total != nil {
			t.Errorf("%s: position/total should be nil, got %v/%v", id, got.Position, got.Total)
		}
		if got.Text != "texto "+id {
			t.Errorf("%s: Text = %q", id, got.Text)
		}
	}

	got, _ := Position(snapshot, "r")
	if got.Status != model.StatusRejected || got.Reason != "Lenguaje ofensivo" {
		t.Errorf("rejected result = %+v", got)
	}
}

func TestPosition_QueuedCountsPendingAndApproved(t *testing.T) {
	snapshot := []model.Message{
		msg("shown", model.StatusShown, 1),
		msg("c", model.StatusPending, 5),
		msg("a", model.StatusApproved, 2),
		msg("rej", model.StatusRejected, 3),
		msg("b", model.StatusPending, 4),
	}

	tests := []struct {
		id        string
		wantPos   int
		wantTotal int
	}{
		{"a", 1, 3},
		{"b", 2, 3},
		{"c", 3, 3},
	}
	for _, tt := range tests {
		got, ok := Position(snapshot, tt.id)
		if !ok {
			t.Fatalf("%s: expected found", tt.id)
		}
		if got.Position == nil || *got.Position != tt.wantPos {
			t.Errorf("%s: Position = %v, want %d", tt.id, got.Position, tt.wantPos)
		}
		if got.Total == nil || *got.Total != tt.wantTotal {
			t.Errorf("%s: Total = %v, want %d", tt.id, got.Total, tt.wantTotal)
		}
	}
}

// 投稿AとBがpendingのとき、Bの順位は2/2になる
func TestPosition_TwoPendingMessages(t *testing.T) {
	snapshot := []model.Message{
		{ID: "A", Text: "A", Status: model.StatusPending, Order: 1},
		{ID: "B", Text: "B", Status: model.StatusPending, Order: 2},
	}

	got, ok := Position(snapshot, "B")
	if !ok {
		t.Fatal("expected found")
	}
	if *got.Position != 2 || *got.Total != 2 || got.Status != model.StatusPending {
		t.Errorf("got position=%d total=%d status=%q, want 2/2 pending", *got.Position, *got.Total, got.Status)
	}
}

func TestPosition_DuplicateOrderTieBreak(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := []model.Message{
		{ID: "z", Status: model.StatusPending, Order: 1, CreatedAt: base},
		{ID: "late", Status: model.StatusPending, Order: 1, CreatedAt: base.Add(time.Second)},
		{ID: "a", Status: model.StatusPending, Order: 1, CreatedAt: base},
	}

	want := map[string]int{"a": 1, "z": 2, "late": 3}
	for id, pos := range want {
		got, _ := Position(snapshot, id)
		if *got.Position != pos {
			t.Errorf("%s: Position = %d, want %d", id, *got.Position, pos)
		}
	}
}

// 入力の並び順によらず結果が同じで、入力を変更しないことを検証
func TestPosition_DeterministicAndSideEffectFree(t *testing.T) {
	snapshot := []model.Message{
		msg("a", model.StatusPending, 1),
		msg("b", model.StatusApproved, 2),
		msg("c", model.StatusShown, 3),
		msg("d", model.StatusPending, 4),
		msg("e", model.StatusRejected, 5),
	}
	want := make(map[string]model.PositionResult)
	for _, m := range snapshot {
		want[m.ID], _ = Position(snapshot, m.ID)
	}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.Message(nil), snapshot...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		before := append([]model.Message(nil), shuffled...)

		for id, w := range want {
			got, _ := Position(shuffled, id)
			if !samePosition(got, w) {
				t.Fatalf("%s: result changed with input order: %+v vs %+v", id, got, w)
			}
			if got.Status.Terminal() && got.Position != nil {
				t.Fatalf("%s: terminal status must not have a position", id)
			}
		}
		for j := range before {
			if before[j].ID != shuffled[j].ID {
				t.Fatal("Position modified its input")
			}
		}
	}
}

func samePosition(a, b model.PositionResult) bool {
	if (a.Position == nil) != (b.Position == nil) || (a.Total == nil) != (b.Total == nil) {
		return false
	}
	if a.Position != nil && (*a.Position != *b.Position || *a.Total != *b.Total) {
		return false
	}
	return a.Status == b.Status && a.Text == b.Text
}

func TestDepth(t *testing.T) {
	snapshot := []model.Message{
		msg("a", model.StatusPending, 1),
		msg("b", model.StatusApproved, 2),
		msg("c", model.StatusShown, 3),
		msg("d", model.StatusRejected, 4),
	}
	if got := Depth(snapshot); got != 2 {
		t.Errorf("Depth = %d, want 2", got)
	}
}
