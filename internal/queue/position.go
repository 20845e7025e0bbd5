// Package queue はメッセージの表示待ち順位を計算する。
package queue

import (
	"cmp"
	"slices"

	"github.com/hitoshi/billboard/internal/model"
)

// Position はsnapshot中のidの表示待ち順位を返す。idが存在しない場合はfalseを返す。
// rejectedとshownには順位がなく、PositionとTotalはnilになる。
// pendingとapprovedは両者を合わせた集合をorder順に並べた1始まりの順位と総数を返す。
// snapshotは変更しない。
func Position(snapshot []model.Message, id string) (model.PositionResult, bool) {
	idx := slices.IndexFunc(snapshot, func(m model.Message) bool { return m.ID == id })
	if idx < 0 {
		return model.PositionResult{}, false
	}
	target := snapshot[idx]

	result := model.PositionResult{
		Status: target.Status,
		Text:   target.Text,
		Reason: target.Reason,
	}
	if !target.Status.Queued() {
		return result, true
	}

	queued := make([]model.Message, 0, len(snapshot))
	for _, m := range snapshot {
		if m.Status.Queued() {
			queued = append(queued, m)
		}
	}
	SortByOrder(queued)

	pos := slices.IndexFunc(queued, func(m model.Message) bool { return m.ID == id }) + 1
	total := len(queued)
	result.Position = &pos
	result.Total = &total
	return result, true
}

// SortByOrder はorder、createdAt、idの昇順に並べ替える。
func SortByOrder(messages []model.Message) {
	slices.SortStableFunc(messages, func(a, b model.Message) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Depth はsnapshot中の表示待ち（pendingとapproved）の件数を返す。
func Depth(snapshot []model.Message) int {
	n := 0
	for _, m := range snapshot {
		if m.Status.Queued() {
			n++
		}
	}
	return n
}
