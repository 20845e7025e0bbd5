package model

// VerdictSource は判定がどの経路で得られたかを表す。
type VerdictSource string

const (
	// VerdictSourceModerated はモデレーションサービスの判定。
	VerdictSourceModerated VerdictSource = "moderated"
	// VerdictSourceBlocklist はローカルのブロックリストによる判定。
	VerdictSourceBlocklist VerdictSource = "blocklist"
	// VerdictSourceFailOpen はサービス障害時のフェイルオープン承認。
	VerdictSourceFailOpen VerdictSource = "fail_open"
	// VerdictSourceUnconfigured は認証情報が未設定のための自動承認。
	VerdictSourceUnconfigured VerdictSource = "unconfigured"
)

// Verdict は1件のメッセージに対するモデレーション結果。
type Verdict struct {
	Status        Status // StatusApproved または StatusRejected
	CorrectedText *string
	Reason        *string
	Source        VerdictSource
}

// Approved は承認判定かどうかを返す。
func (v Verdict) Approved() bool {
	return v.Status == StatusApproved
}

// Update はVerdictをストアに書き込むStatusUpdateに変換する。
func (v Verdict) Update() StatusUpdate {
	return StatusUpdate{
		Status:        v.Status,
		CorrectedText: v.CorrectedText,
		Reason:        v.Reason,
	}
}
