// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は訪問者が投稿したメッセージからマークアップを取り除き、
// ビルボードにプレーンテキストとして表示できる形にする。
// bluemondayのStrictPolicyで全タグを除去した後、エンティティを元の文字に戻す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は投稿テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize はテキストから全てのHTMLタグを除去して返す。
	// script/styleタグは中身ごと除去される。前後の空白は取り除かれる。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに使用できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストから全てのHTMLタグを除去して返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは&や'をエスケープするため、表示用に元の文字へ戻す
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
