package model

import "time"

// Post はブログ記事を表す。
// Slugは全記事で一意。AuthorIDは著者のExternalSubjectIDを保持する。
type Post struct {
	ID            string
	Slug          string
	Title         string
	Content       string
	Excerpt       *string
	Tags          []string
	IsPublished   bool
	AuthorID      string
	FeaturedImage *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PostStatus は記事一覧の公開状態フィルタ。
type PostStatus string

const (
	PostStatusPublished PostStatus = "published"
	PostStatusDraft     PostStatus = "draft"
	PostStatusAll       PostStatus = "all"
)

// PostFilter は記事一覧の絞り込み条件。
// DraftsVisibleToが設定されている場合は「公開済み、または著者がその値」に限定する。
type PostFilter struct {
	Tag             string
	AuthorID        string
	Published       *bool
	DraftsVisibleTo string
}

// PostChanges は記事の部分更新内容を表す。
type PostChanges struct {
	Slug          Field[string]   `json:"slug"`
	Title         Field[string]   `json:"title"`
	Content       Field[string]   `json:"content"`
	Excerpt       Field[string]   `json:"excerpt"`
	Tags          Field[[]string] `json:"tags"`
	IsPublished   Field[bool]     `json:"is_published"`
	FeaturedImage Field[string]   `json:"featured_image"`
}

// IsEmpty は変更対象のフィールドが1つもない場合にtrueを返す。
func (c PostChanges) IsEmpty() bool {
	return !c.Slug.Present &&
		!c.Title.Present &&
		!c.Content.Present &&
		!c.Excerpt.Present &&
		!c.Tags.Present &&
		!c.IsPublished.Present &&
		!c.FeaturedImage.Present
}

// Apply は変更内容を記事に適用する。UpdatedAtはnowで更新される。
// 必須フィールドへのnull指定はサービス層で事前に拒否されている前提。
func (c PostChanges) Apply(p *Post, now time.Time) {
	if v := c.Slug.Ptr(); v != nil {
		p.Slug = *v
	}
	if v := c.Title.Ptr(); v != nil {
		p.Title = *v
	}
	if v := c.Content.Ptr(); v != nil {
		p.Content = *v
	}
	applyNullable(&p.Excerpt, c.Excerpt)
	if c.Tags.Present {
		if c.Tags.Null {
			p.Tags = []string{}
		} else {
			p.Tags = append([]string{}, c.Tags.Value...)
		}
	}
	if v := c.IsPublished.Ptr(); v != nil {
		p.IsPublished = *v
	}
	applyNullable(&p.FeaturedImage, c.FeaturedImage)
	p.UpdatedAt = now
}

// Page はページング条件を表す。
type Page struct {
	Skip  int
	Limit int
}

// Clamp はSkipとLimitを許容範囲に丸めたPageを返す。
// Limitが0以下の場合はdefaultLimit、maxLimitを超える場合はmaxLimitとなる。
func (p Page) Clamp(defaultLimit, maxLimit int) Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if maxLimit > 0 && p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}
