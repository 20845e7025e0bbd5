package moderation

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultBlockedWords はモデレーションサービスを呼ぶ前に拒否する語。
var DefaultBlockedWords = []string{"puto", "malparido", "gonorrea", "pendejo", "hpta"}

// leetReplacer は数字・記号による伏せ字を元の文字に戻す。
// 区切りに使われる記号は取り除く。
var leetReplacer = strings.NewReplacer(
	"4", "a", "@", "a",
	"0", "o",
	"1", "i", "!", "i",
	"3", "e",
	"5", "s", "$", "s",
	"_", "", ".", "", "*", "", "-", "",
)

// Blocklist は伏せ字や発音記号を正規化したうえで禁止語を検出する。
type Blocklist struct {
	words []string
}

// NewBlocklist は禁止語のリストからBlocklistを生成する。語は正規化して保持する。
func NewBlocklist(words ...string) *Blocklist {
	b := &Blocklist{}
	for _, w := range words {
		if n := normalize(w); n != "" {
			b.words = append(b.words, n)
		}
	}
	return b
}

// Match はtextに禁止語が含まれていればその語とtrueを返す。
// 語頭一致で判定するため、活用形や複数形も検出する。
func (b *Blocklist) Match(text string) (string, bool) {
	if b == nil || len(b.words) == 0 {
		return "", false
	}

	for _, token := range strings.FieldsFunc(normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		for _, w := range b.words {
			if strings.HasPrefix(token, w) {
				return w, true
			}
		}
	}
	return "", false
}

// normalize は小文字化、発音記号の除去、伏せ字の復元を行う。
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return leetReplacer.Replace(strings.ToLower(stripped))
}
