package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/blogman/internal/middleware"
	"github.com/hitoshi/blogman/internal/model"
	"github.com/hitoshi/blogman/internal/post"
)

// PostServiceInterface は記事ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	// Create は記事を作成する。著者または管理者のみ。
	Create(ctx context.Context, identity model.Identity, input post.CreateInput) (*model.Post, error)
	// Get はIDまたはスラッグで記事を取得する。非公開記事は著者と管理者にのみ見える。
	Get(ctx context.Context, identity *model.Identity, ref string) (*model.Post, error)
	// GetBySlug はスラッグで記事を取得する。
	GetBySlug(ctx context.Context, identity *model.Identity, slug string) (*model.Post, error)
	// List は呼び出し元に見える記事を新しい順に返す。
	List(ctx context.Context, identity *model.Identity, q post.ListQuery) ([]*model.Post, error)
	// Update は記事を部分更新する。
	Update(ctx context.Context, identity model.Identity, id string, changes model.PostChanges) (*model.Post, error)
	// Delete は記事を削除する。
	Delete(ctx context.Context, identity model.Identity, id string) error
}

// PostHandler は記事のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{service: service}
}

// postResponse は記事のAPIレスポンス。
type postResponse struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Excerpt       *string   `json:"excerpt"`
	Tags          []string  `json:"tags"`
	IsPublished   bool      `json:"is_published"`
	AuthorID      string    `json:"author_id"`
	FeaturedImage *string   `json:"featured_image"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreatePost は記事を作成する。
// POST /api/v1/posts
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req post.CreateInput
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.service.Create(r.Context(), identity, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPostResponse(created))
}

// ListPosts は記事一覧を返す。
// GET /api/v1/posts?status=&tag=&author_id=&skip=&limit=
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	skip, ok := queryInt(w, r, "skip", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}

	q := r.URL.Query()
	posts, err := h.service.List(r.Context(), middleware.IdentityFromContext(r.Context()), post.ListQuery{
		Status:   model.PostStatus(q.Get("status")),
		Tag:      q.Get("tag"),
		AuthorID: q.Get("author_id"),
		Skip:     skip,
		Limit:    limit,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostResponses(posts))
}

// GetPost はIDまたはスラッグで記事を取得する。
// GET /api/v1/posts/{ref}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "ref"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(p))
}

// GetPostBySlug はスラッグで記事を取得する。
// GET /api/v1/posts/slug/{slug}
func (h *PostHandler) GetPostBySlug(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetBySlug(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "slug"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(p))
}

// UpdatePost は記事を部分更新する。省略したフィールドは変更しない。
// PUT /api/v1/posts/{id}
func (h *PostHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var changes model.PostChanges
	if !decodeJSON(w, r, &changes) {
		return
	}

	updated, err := h.service.Update(r.Context(), identity, chi.URLParam(r, "id"), changes)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(updated))
}

// DeletePost は記事を削除する。
// DELETE /api/v1/posts/{id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), identity, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toPostResponse(p *model.Post) postResponse {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return postResponse{
		ID:            p.ID,
		Slug:          p.Slug,
		Title:         p.Title,
		Content:       p.Content,
		Excerpt:       p.Excerpt,
		Tags:          tags,
		IsPublished:   p.IsPublished,
		AuthorID:      p.AuthorID,
		FeaturedImage: p.FeaturedImage,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toPostResponses(posts []*model.Post) []postResponse {
	results := make([]postResponse, len(posts))
	for i, p := range posts {
		results[i] = toPostResponse(p)
	}
	return results
}
