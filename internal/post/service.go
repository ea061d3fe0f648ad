// Package post はブログ記事のドメインロジックを提供する。
//
// 記事の作成・取得・一覧・更新・削除と、ユーザー無効化時の一括非公開、
// RSSフィード向けの公開記事取得を担当する。可視性と権限の判定は
// policyパッケージに委譲する。
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/blogman/internal/model"
	"github.com/hitoshi/blogman/internal/policy"
	"github.com/hitoshi/blogman/internal/repository"
	"github.com/hitoshi/blogman/internal/security"
	"github.com/hitoshi/blogman/internal/validation"
)

// CreateInput は記事作成の入力。
type CreateInput struct {
	Slug          string   `json:"slug" validate:"required,max=200,slug"`
	Title         string   `json:"title" validate:"required,max=200"`
	Content       string   `json:"content" validate:"required"`
	Excerpt       *string  `json:"excerpt" validate:"omitempty,max=500"`
	Tags          []string `json:"tags" validate:"max=20,dive,max=50"`
	IsPublished   bool     `json:"is_published"`
	FeaturedImage *string  `json:"featured_image" validate:"omitempty,httpurl"`
}

// ListQuery は記事一覧の問い合わせ条件。
type ListQuery struct {
	Status   model.PostStatus
	Tag      string
	AuthorID string
	Skip     int
	Limit    int
}

// ServiceConfig は記事サービスの設定。
type ServiceConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// Service は記事管理のサービス層。
type Service struct {
	posts     repository.PostRepository
	sanitizer security.HTMLSanitizer
	validate  *validation.Validator
	config    ServiceConfig
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	posts repository.PostRepository,
	sanitizer security.HTMLSanitizer,
	validate *validation.Validator,
	config ServiceConfig,
) *Service {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 10
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = 100
	}
	return &Service{
		posts:     posts,
		sanitizer: sanitizer,
		validate:  validate,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func storeError(op string, err error) error {
	if errors.Is(err, repository.ErrUnavailable) {
		slog.Error("store unavailable", slog.String("op", op), slog.String("error", err.Error()))
		return model.NewStoreUnavailableError()
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Create は記事を作成する。著者と管理者のみ実行できる。
// 本文はサニタイズして保存し、抜粋が未指定の場合は本文から生成する。
func (s *Service) Create(ctx context.Context, identity model.Identity, input CreateInput) (*model.Post, error) {
	if policy.CanCreatePost(identity) != policy.Allow {
		return nil, model.NewForbiddenError("記事を作成する権限がありません。")
	}
	input.Slug = strings.TrimSpace(input.Slug)
	input.Title = strings.TrimSpace(input.Title)
	if err := s.validate.Struct(input); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	content, err := s.sanitizeContent(input.Content)
	if err != nil {
		return nil, err
	}

	taken, err := s.posts.ExistsBySlug(ctx, input.Slug, "")
	if err != nil {
		return nil, storeError("check slug", err)
	}
	if taken {
		return nil, model.NewSlugConflictError(input.Slug)
	}

	now := s.now()
	post := &model.Post{
		Slug:          input.Slug,
		Title:         input.Title,
		Content:       content,
		Excerpt:       s.excerptFor(input.Excerpt, content),
		Tags:          normalizeTags(input.Tags),
		IsPublished:   input.IsPublished,
		AuthorID:      identity.SubjectID,
		FeaturedImage: emptyToNil(input.FeaturedImage),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// 事前チェック後に他のリクエストが同じスラッグを作成した場合は一意制約で検出する
	err = s.posts.Create(ctx, post)
	if errors.Is(err, repository.ErrDuplicateKey) {
		return nil, model.NewSlugConflictError(post.Slug)
	}
	if err != nil {
		return nil, storeError("create post", err)
	}

	slog.Info("post created",
		slog.String("post_id", post.ID),
		slog.String("slug", post.Slug),
		slog.String("author_id", post.AuthorID),
	)
	return post, nil
}

// Get はIDまたはスラッグで記事を取得する。
// IDとして見つからない場合はスラッグとして検索する。
// 存在しない記事と閲覧できない記事はいずれもPOST_NOT_FOUNDとなる。
func (s *Service) Get(ctx context.Context, identity *model.Identity, ref string) (*model.Post, error) {
	post, err := s.posts.FindByID(ctx, ref)
	if err != nil {
		return nil, storeError("find post", err)
	}
	if post == nil {
		post, err = s.posts.FindBySlug(ctx, ref)
		if err != nil {
			return nil, storeError("find post by slug", err)
		}
	}
	return s.visible(identity, post, ref)
}

// GetBySlug はスラッグで記事を取得する。
func (s *Service) GetBySlug(ctx context.Context, identity *model.Identity, slug string) (*model.Post, error) {
	post, err := s.posts.FindBySlug(ctx, slug)
	if err != nil {
		return nil, storeError("find post by slug", err)
	}
	return s.visible(identity, post, slug)
}

func (s *Service) visible(identity *model.Identity, post *model.Post, ref string) (*model.Post, error) {
	if policy.PostAccess(identity, policy.VisibilityOf(post), policy.ActionView) != policy.Allow {
		return nil, model.NewPostNotFoundError(ref)
	}
	return post, nil
}

// List は呼び出し元が閲覧できる記事をcreated_at降順で返す。
// 呼び出し元に対して成立しない条件（匿名でのdraft指定、未知のstatusなど）は空の一覧を返す。
func (s *Service) List(ctx context.Context, identity *model.Identity, q ListQuery) ([]*model.Post, error) {
	filter, ok := policy.VisiblePostFilter(identity, q.Status, q.Tag, q.AuthorID)
	if !ok {
		return []*model.Post{}, nil
	}

	page := model.Page{Skip: q.Skip, Limit: q.Limit}.Clamp(s.config.DefaultLimit, s.config.MaxLimit)
	posts, err := s.posts.List(ctx, filter, page)
	if err != nil {
		return nil, storeError("list posts", err)
	}
	if posts == nil {
		posts = []*model.Post{}
	}
	return posts, nil
}

// Update は記事を部分更新する。著者本人と管理者のみ実行できる。
// 変更内容が空の場合は記事をそのまま返す。
func (s *Service) Update(ctx context.Context, identity model.Identity, id string, changes model.PostChanges) (*model.Post, error) {
	current, err := s.authorize(ctx, identity, id, policy.ActionUpdate)
	if err != nil {
		return nil, err
	}
	if changes.IsEmpty() {
		return current, nil
	}

	changes, err = s.prepareChanges(changes)
	if err != nil {
		return nil, err
	}
	refreshDerivedExcerpt(current, &changes)

	if slug := changes.Slug.Ptr(); slug != nil && *slug != current.Slug {
		taken, err := s.posts.ExistsBySlug(ctx, *slug, current.ID)
		if err != nil {
			return nil, storeError("check slug", err)
		}
		if taken {
			return nil, model.NewSlugConflictError(*slug)
		}
	}

	updated, err := s.posts.Update(ctx, current.ID, changes, s.now())
	if errors.Is(err, repository.ErrDuplicateKey) {
		return nil, model.NewSlugConflictError(changes.Slug.Value)
	}
	if err != nil {
		return nil, storeError("update post", err)
	}
	if updated == nil {
		// 取得後に他のリクエストが削除した
		return nil, model.NewPostNotFoundError(id)
	}
	return updated, nil
}

// Delete は記事を削除する。更新と同じ権限判定を行う。
func (s *Service) Delete(ctx context.Context, identity model.Identity, id string) error {
	current, err := s.authorize(ctx, identity, id, policy.ActionDelete)
	if err != nil {
		return err
	}

	deleted, err := s.posts.Delete(ctx, current.ID)
	if err != nil {
		return storeError("delete post", err)
	}
	if !deleted {
		return model.NewPostNotFoundError(id)
	}

	slog.Info("post deleted",
		slog.String("post_id", current.ID),
		slog.String("deleted_by", identity.SubjectID),
	)
	return nil
}

// authorize は記事を取得し、操作の可否を判定する。
func (s *Service) authorize(ctx context.Context, identity model.Identity, id string, action policy.Action) (*model.Post, error) {
	current, err := s.posts.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("find post", err)
	}

	switch policy.PostAccess(&identity, policy.VisibilityOf(current), action) {
	case policy.Allow:
		return current, nil
	case policy.Forbidden:
		return nil, model.NewForbiddenError("この記事を変更する権限がありません。")
	default:
		return nil, model.NewPostNotFoundError(id)
	}
}

// prepareChanges は部分更新の各フィールドを検証し、本文のサニタイズとタグの正規化を行う。
func (s *Service) prepareChanges(c model.PostChanges) (model.PostChanges, error) {
	required := []struct {
		name    string
		present bool
		null    bool
	}{
		{"slug", c.Slug.Present, c.Slug.Null},
		{"title", c.Title.Present, c.Title.Null},
		{"content", c.Content.Present, c.Content.Null},
		{"is_published", c.IsPublished.Present, c.IsPublished.Null},
	}
	for _, r := range required {
		if r.present && r.null {
			return c, model.NewValidationError(r.name + ": must not be null")
		}
	}

	if c.Slug.Present {
		c.Slug.Value = strings.TrimSpace(c.Slug.Value)
	}
	if c.Title.Present {
		c.Title.Value = strings.TrimSpace(c.Title.Value)
	}

	checks := []struct {
		name  string
		field model.Field[string]
		tag   string
	}{
		{"slug", c.Slug, "required,max=200,slug"},
		{"title", c.Title, "required,max=200"},
		{"content", c.Content, "required"},
		{"excerpt", c.Excerpt, "max=500"},
		{"featured_image", c.FeaturedImage, "omitempty,httpurl"},
	}
	for _, ch := range checks {
		if v := ch.field.Ptr(); v != nil {
			if err := s.validate.Var(ch.name, *v, ch.tag); err != nil {
				return c, model.NewValidationError(err.Error())
			}
		}
	}
	if v := c.Tags.Ptr(); v != nil {
		if err := s.validate.Var("tags", *v, "max=20,dive,max=50"); err != nil {
			return c, model.NewValidationError(err.Error())
		}
		c.Tags.Value = normalizeTags(*v)
	}

	if c.Content.Present {
		content, err := s.sanitizeContent(c.Content.Value)
		if err != nil {
			return c, err
		}
		c.Content.Value = content
	}
	if v := c.FeaturedImage.Ptr(); v != nil && *v == "" {
		c.FeaturedImage = model.Null[string]()
	}
	return c, nil
}

// UnpublishByAuthor は指定著者の公開記事をすべて非公開にし、件数を返す。
// ユーザー無効化時のカスケード処理から呼ばれる。
func (s *Service) UnpublishByAuthor(ctx context.Context, subjectID string) (int64, error) {
	n, err := s.posts.UnpublishByAuthor(ctx, subjectID, s.now())
	if err != nil {
		return 0, storeError("unpublish posts", err)
	}
	slog.Info("posts unpublished",
		slog.String("author_id", subjectID),
		slog.Int64("count", n),
	)
	return n, nil
}

// ListPublishedForFeed はRSSフィード用に最新の公開記事を返す。
func (s *Service) ListPublishedForFeed(ctx context.Context, limit int) ([]*model.Post, error) {
	published := true
	page := model.Page{Limit: limit}.Clamp(s.config.DefaultLimit, s.config.MaxLimit)
	posts, err := s.posts.List(ctx, model.PostFilter{Published: &published}, page)
	if err != nil {
		return nil, storeError("list feed posts", err)
	}
	return posts, nil
}

// sanitizeContent は本文をサニタイズする。サニタイズ後に何も残らない本文は拒否する。
func (s *Service) sanitizeContent(raw string) (string, error) {
	content := strings.TrimSpace(s.sanitizer.Sanitize(raw))
	if content == "" {
		return "", model.NewValidationError("content: must contain text or allowed markup")
	}
	return content, nil
}

// excerptFor は指定された抜粋、または本文から生成した抜粋を返す。
func (s *Service) excerptFor(given *string, content string) *string {
	if given != nil {
		if v := strings.TrimSpace(*given); v != "" {
			return &v
		}
	}
	derived := DeriveExcerpt(content, ExcerptMaxRunes)
	if derived == "" {
		return nil
	}
	return &derived
}

// refreshDerivedExcerpt は本文が変更され抜粋が指定されていない場合に、
// 現在の抜粋が旧本文から自動生成されたものであれば新しい本文から作り直す。
// 著者が明示した抜粋はそのまま残す。
func refreshDerivedExcerpt(current *model.Post, changes *model.PostChanges) {
	if !changes.Content.Present || changes.Excerpt.Present {
		return
	}
	if current.Excerpt != nil && *current.Excerpt != DeriveExcerpt(current.Content, ExcerptMaxRunes) {
		return
	}
	switch derived := DeriveExcerpt(changes.Content.Value, ExcerptMaxRunes); {
	case derived != "":
		changes.Excerpt = model.Set(derived)
	case current.Excerpt != nil:
		changes.Excerpt = model.Null[string]()
	}
}

// normalizeTags は前後の空白を除去し、空のタグと重複を順序を保って取り除く。
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
