package post

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// ExcerptMaxRunes は本文から自動生成する抜粋の最大文字数。
const ExcerptMaxRunes = 200

// blockElements はテキスト抽出時に前後を空白で区切る要素。
var blockElements = map[string]bool{
	"p": true, "br": true, "hr": true, "li": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "td": true, "th": true, "figcaption": true,
}

// DeriveExcerpt はHTML本文からテキストを抽出し、maxRunes文字以内の抜粋を返す。
// 切り詰めた場合は末尾を「…」とし、それを含めてmaxRunes文字に収める。
// テキストが無い場合は空文字列を返す。
func DeriveExcerpt(content string, maxRunes int) string {
	text := plainText(content)
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	runes := []rune(text)[:maxRunes-1]
	cut := string(runes)
	// 単語の途中で切れる場合は直前の空白まで戻す（空白が無い言語はそのまま）
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// plainText はHTMLからテキストのみを取り出し、連続する空白を1つにまとめる。
func plainText(content string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && tt == html.StartTagToken {
				skipDepth++
			}
			if blockElements[tag] {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
			if blockElements[tag] {
				b.WriteByte(' ')
			}
		}
	}
}
