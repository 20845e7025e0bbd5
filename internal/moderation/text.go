package moderation

import (
	"unicode/utf16"
)

// MaxCorrectedLength はcorrectedTextの最大長（UTF-16コード単位）。
const MaxCorrectedLength = 50

// TruncateUTF16 はtextをUTF-16コード単位でmax以下に切り詰める。
// サロゲートペアの途中では切らない。
func TruncateUTF16(text string, max int) string {
	if max <= 0 {
		return ""
	}

	units := 0
	for i, r := range text {
		n := 1
		if utf16.RuneLen(r) == 2 {
			n = 2
		}
		if units+n > max {
			return text[:i]
		}
		units += n
	}
	return text
}

// extractJSONObject は文字列中の最初の整形式JSONオブジェクトを取り出す。
// Markdownのコードフェンスなど前後の余分な書式は無視する。
func extractJSONObject(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		if end, ok := matchBrace(s, start); ok {
			return s[start : end+1], true
		}
	}
	return "", false
}

// matchBrace はs[start]の'{'に対応する'}'の位置を返す。文字列リテラル内の括弧は数えない。
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
