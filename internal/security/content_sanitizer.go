// Package security はアプリケーションのセキュリティ機能を提供する。
//
// HTMLSanitizer は記事本文として投稿されたHTMLを保存前にサニタイズし、
// 閲覧者をXSSから保護する。bluemondayの許可リストポリシーで
// 記事の表現に必要なタグと属性のみを通過させる。
package security

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitizer はHTMLサニタイズ機能のインターフェースを定義する。
type HTMLSanitizer interface {
	// Sanitize は記事本文のHTMLを安全なHTMLに変換する。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
}

var (
	// httpsImageSource はimgのsrcとして許可するURLの形式。
	httpsImageSource = regexp.MustCompile(`^https://`)
	// codeLanguageClass はシンタックスハイライト用のclass属性の形式。
	codeLanguageClass = regexp.MustCompile(`^language-[a-zA-Z0-9_+-]+$`)
)

// postSanitizer はHTMLSanitizerの実装。
// bluemonday.Policyは生成後に変更しなければ並行利用できる。
type postSanitizer struct {
	policy *bluemonday.Policy
}

// NewPostSanitizer は記事本文用のHTMLSanitizerを生成する。
// ポリシーの内容:
//   - 見出し(h1〜h6)、段落、リスト、引用、コード、表、強調などの本文タグを許可
//   - script, iframe, style, form およびon*イベント属性は許可リストに無いため除去
//   - aのhrefはhttp, https, mailtoと相対URLを許可し、外部リンクには
//     target="_blank"とrel="noopener noreferrer"を付与
//   - imgのsrcはhttpsのみ許可
func NewPostSanitizer() *postSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"h1", "h2", "h3", "h4", "h5", "h6",
		"p", "br", "hr",
		"ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i", "del", "sub", "sup",
		"figure", "figcaption",
		"table", "thead", "tbody", "tr", "th", "td",
	)

	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src").Matching(httpsImageSource).OnElements("img")
	p.AllowAttrs("alt", "title").OnElements("img")
	p.AllowAttrs("width", "height").Matching(bluemonday.Number).OnElements("img")

	p.AllowAttrs("class").Matching(codeLanguageClass).OnElements("code")

	return &postSanitizer{policy: p}
}

// Sanitize は記事本文のHTMLをサニタイズする。
func (s *postSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

var _ HTMLSanitizer = (*postSanitizer)(nil)
