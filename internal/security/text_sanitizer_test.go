package security

import (
	"strings"
	"testing"
)

// TestSanitize_StripsMarkup はタグが除去されテキストのみが残ることを検証する。
func TestSanitize_StripsMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "プレーンテキストはそのまま",
			input: "Hola mundo",
			want:  "Hola mundo",
		},
		{
			name:  "強調タグが除去される",
			input: "<b>Hola</b> <em>mundo</em>",
			want:  "Hola mundo",
		},
		{
			name:  "リンクはテキストのみ残る",
			input: `<a href="https://example.com">visita</a>`,
			want:  "visita",
		},
		{
			name:  "scriptタグは中身ごと除去される",
			input: `Hola<script>alert("xss")</script>`,
			want:  "Hola",
		},
		{
			name:  "styleタグは中身ごと除去される",
			input: `<style>body{display:none}</style>Hola`,
			want:  "Hola",
		},
		{
			name:  "アンパサンドとアポストロフィは元の文字に戻る",
			input: "Tom & Jerry's",
			want:  "Tom & Jerry's",
		},
		{
			name:  "アクセント付き文字と絵文字は保持される",
			input: "¡Feliz cumpleaños! 🎉",
			want:  "¡Feliz cumpleaños! 🎉",
		},
		{
			name:  "タグのみの入力は空になる",
			input: "<img src=x onerror=alert(1)>",
			want:  "",
		},
		{
			name:  "前後の空白が除去される",
			input: "  <p>Hola</p>  ",
			want:  "Hola",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_EmptyInput は空文字列の入力に空文字列を返すことを検証する。
func TestSanitize_EmptyInput(t *testing.T) {
	sanitizer := NewTextSanitizer()
	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, want empty", got)
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()
	input := `<div onclick="x()">Hola <b>mundo</b></div>`

	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(input)
	if first != second {
		t.Errorf("Sanitize is not deterministic: %q vs %q", first, second)
	}
	if strings.Contains(first, "<") || strings.Contains(first, "onclick") {
		t.Errorf("markup remained: %q", first)
	}
}

// TestTextSanitizerInterface はインターフェースを満たすことを検証する。
func TestTextSanitizerInterface(t *testing.T) {
	var _ TextSanitizerService = NewTextSanitizer()
}
