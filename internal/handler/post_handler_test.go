package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/blogman/internal/model"
	"github.com/hitoshi/blogman/internal/post"
)

// --- モック定義 ---

// mockPostService はPostServiceInterfaceのモック実装。
type mockPostService struct {
	createFn    func(ctx context.Context, identity model.Identity, input post.CreateInput) (*model.Post, error)
	getFn       func(ctx context.Context, identity *model.Identity, ref string) (*model.Post, error)
	getBySlugFn func(ctx context.Context, identity *model.Identity, slug string) (*model.Post, error)
	listFn      func(ctx context.Context, identity *model.Identity, q post.ListQuery) ([]*model.Post, error)
	updateFn    func(ctx context.Context, identity model.Identity, id string, changes model.PostChanges) (*model.Post, error)
	deleteFn    func(ctx context.Context, identity model.Identity, id string) error
}

func (m *mockPostService) Create(ctx context.Context, identity model.Identity, input post.CreateInput) (*model.Post, error) {
	if m.createFn != nil {
		return m.createFn(ctx, identity, input)
	}
	return nil, nil
}

func (m *mockPostService) Get(ctx context.Context, identity *model.Identity, ref string) (*model.Post, error) {
	if m.getFn != nil {
		return m.getFn(ctx, identity, ref)
	}
	return nil, model.NewPostNotFoundError(ref)
}

func (m *mockPostService) GetBySlug(ctx context.Context, identity *model.Identity, slug string) (*model.Post, error) {
	if m.getBySlugFn != nil {
		return m.getBySlugFn(ctx, identity, slug)
	}
	return nil, model.NewPostNotFoundError(slug)
}

func (m *mockPostService) List(ctx context.Context, identity *model.Identity, q post.ListQuery) ([]*model.Post, error) {
	if m.listFn != nil {
		return m.listFn(ctx, identity, q)
	}
	return nil, nil
}

func (m *mockPostService) Update(ctx context.Context, identity model.Identity, id string, changes model.PostChanges) (*model.Post, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, identity, id, changes)
	}
	return nil, nil
}

func (m *mockPostService) Delete(ctx context.Context, identity model.Identity, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, identity, id)
	}
	return nil
}

func samplePost() *model.Post {
	excerpt := "Hi there"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Post{
		ID:          "post-1",
		Slug:        "hello-world",
		Title:       "Hi",
		Content:     "<p>Hi there</p>",
		Excerpt:     &excerpt,
		Tags:        []string{"go"},
		IsPublished: true,
		AuthorID:    authorIdentity.SubjectID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// --- CreatePost ---

func TestPostHandler_CreatePost_Success(t *testing.T) {
	var gotIdentity model.Identity
	var gotInput post.CreateInput
	svc := &mockPostService{
		createFn: func(ctx context.Context, identity model.Identity, input post.CreateInput) (*model.Post, error) {
			gotIdentity = identity
			gotInput = input
			return samplePost(), nil
		},
	}
	h := NewPostHandler(svc)

	body := `{"slug":"hello-world","title":"Hi","content":"<p>Hi there</p>","tags":["go"],"is_published":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/posts", strings.NewReader(body))
	req = withIdentity(req, authorIdentity)
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body.String())
	}
	if gotIdentity.SubjectID != authorIdentity.SubjectID {
		t.Errorf("identity = %+v", gotIdentity)
	}
	if gotInput.Slug != "hello-world" || !gotInput.IsPublished || len(gotInput.Tags) != 1 {
		t.Errorf("input = %+v", gotInput)
	}

	var resp postResponse
	decodeBody(t, w, &resp)
	if resp.ID != "post-1" || resp.AuthorID != authorIdentity.SubjectID || resp.Excerpt == nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestPostHandler_CreatePost_Unauthenticated(t *testing.T) {
	h := NewPostHandler(&mockPostService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/posts", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestPostHandler_CreatePost_InvalidJSON(t *testing.T) {
	called := false
	svc := &mockPostService{
		createFn: func(ctx context.Context, identity model.Identity, input post.CreateInput) (*model.Post, error) {
			called = true
			return nil, nil
		},
	}
	h := NewPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/posts", strings.NewReader(`{invalid`))
	req = withIdentity(req, authorIdentity)
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q", body["code"])
	}
	if called {
		t.Error("service should not be called")
	}
}

func TestPostHandler_CreatePost_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"権限なし", model.NewForbiddenError("x"), http.StatusForbidden, model.ErrCodeForbidden},
		{"スラッグ重複", model.NewSlugConflictError("hello-world"), http.StatusConflict, model.ErrCodeSlugConflict},
		{"検証失敗", model.NewValidationError("slug"), http.StatusBadRequest, model.ErrCodeValidationFailed},
		{"ストア障害", model.NewStoreUnavailableError(), http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable},
		{"予期しないエラー", errors.New("boom"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPostService{
				createFn: func(ctx context.Context, identity model.Identity, input post.CreateInput) (*model.Post, error) {
					return nil, tt.err
				},
			}
			h := NewPostHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/posts", strings.NewReader(`{"slug":"hello-world"}`))
			req = withIdentity(req, readerIdentity)
			w := httptest.NewRecorder()

			h.CreatePost(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

// --- ListPosts ---

func TestPostHandler_ListPosts_PassesQuery(t *testing.T) {
	var gotQuery post.ListQuery
	var gotIdentity *model.Identity
	svc := &mockPostService{
		listFn: func(ctx context.Context, identity *model.Identity, q post.ListQuery) ([]*model.Post, error) {
			gotIdentity = identity
			gotQuery = q
			return []*model.Post{samplePost()}, nil
		},
	}
	h := NewPostHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts?status=all&tag=go&author_id=user_author01&skip=5&limit=500", nil)
	req = withIdentity(req, authorIdentity)
	w := httptest.NewRecorder()

	h.ListPosts(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := post.ListQuery{Status: model.PostStatusAll, Tag: "go", AuthorID: "user_author01", Skip: 5, Limit: 500}
	if gotQuery != want {
		t.Errorf("query = %+v, want %+v", gotQuery, want)
	}
	if gotIdentity == nil || gotIdentity.SubjectID != authorIdentity.SubjectID {
		t.Errorf("identity = %+v", gotIdentity)
	}

	var resp []postResponse
	decodeBody(t, w, &resp)
	if len(resp) != 1 {
		t.Errorf("len = %d, want 1", len(resp))
	}
}

// 匿名リクエストではnilのIdentityが渡され、空の一覧は[]になることを検証
func TestPostHandler_ListPosts_AnonymousEmpty(t *testing.T) {
	svc := &mockPostService{
		listFn: func(ctx context.Context, identity *model.Identity, q post.ListQuery) ([]*model.Post, error) {
			if identity != nil {
				t.Errorf("identity = %+v, want nil", identity)
			}
			return nil, nil
		},
	}
	h := NewPostHandler(svc)

	w := httptest.NewRecorder()
	h.ListPosts(w, httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil))

	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", w.Body.String())
	}
}

func TestPostHandler_ListPosts_InvalidPaging(t *testing.T) {
	h := NewPostHandler(&mockPostService{})

	w := httptest.NewRecorder()
	h.ListPosts(w, httptest.NewRequest(http.MethodGet, "/api/v1/posts?limit=ten", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- GetPost / GetPostBySlug ---

func TestPostHandler_GetPost(t *testing.T) {
	svc := &mockPostService{
		getFn: func(ctx context.Context, identity *model.Identity, ref string) (*model.Post, error) {
			if ref != "hello-world" {
				return nil, model.NewPostNotFoundError(ref)
			}
			return samplePost(), nil
		},
	}
	h := NewPostHandler(svc)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/posts/hello-world", nil), "ref", "hello-world")
	w := httptest.NewRecorder()
	h.GetPost(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	req = withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/posts/missing", nil), "ref", "missing")
	w = httptest.NewRecorder()
	h.GetPost(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodePostNotFound {
		t.Errorf("code = %q", body["code"])
	}
}

func TestPostHandler_GetPostBySlug(t *testing.T) {
	var gotSlug string
	svc := &mockPostService{
		getBySlugFn: func(ctx context.Context, identity *model.Identity, slug string) (*model.Post, error) {
			gotSlug = slug
			return samplePost(), nil
		},
	}
	h := NewPostHandler(svc)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/posts/slug/hello-world", nil), "slug", "hello-world")
	w := httptest.NewRecorder()
	h.GetPostBySlug(w, req)

	if w.Code != http.StatusOK || gotSlug != "hello-world" {
		t.Errorf("status = %d, slug = %q", w.Code, gotSlug)
	}
}

// --- UpdatePost ---

// 省略・null・値指定が区別されてサービスに渡ることを検証
func TestPostHandler_UpdatePost_FieldPresence(t *testing.T) {
	var got model.PostChanges
	var gotID string
	svc := &mockPostService{
		updateFn: func(ctx context.Context, identity model.Identity, id string, changes model.PostChanges) (*model.Post, error) {
			gotID = id
			got = changes
			return samplePost(), nil
		},
	}
	h := NewPostHandler(svc)

	body := `{"is_published":true,"excerpt":null}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/posts/post-1", strings.NewReader(body))
	req = withChiURLParam(withIdentity(req, authorIdentity), "id", "post-1")
	w := httptest.NewRecorder()

	h.UpdatePost(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotID != "post-1" {
		t.Errorf("id = %q", gotID)
	}
	if !got.IsPublished.Present || !got.IsPublished.Value {
		t.Errorf("is_published = %+v", got.IsPublished)
	}
	if !got.Excerpt.Present || !got.Excerpt.Null {
		t.Errorf("excerpt = %+v, want explicit null", got.Excerpt)
	}
	if got.Title.Present || got.Slug.Present || got.Tags.Present {
		t.Errorf("omitted fields should not be present: %+v", got)
	}
}

func TestPostHandler_UpdatePost_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"他人の記事", model.NewForbiddenError("x"), http.StatusForbidden},
		{"存在しない記事", model.NewPostNotFoundError("x"), http.StatusNotFound},
		{"スラッグ重複", model.NewSlugConflictError("x"), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPostService{
				updateFn: func(ctx context.Context, identity model.Identity, id string, changes model.PostChanges) (*model.Post, error) {
					return nil, tt.err
				},
			}
			h := NewPostHandler(svc)

			req := httptest.NewRequest(http.MethodPut, "/api/v1/posts/post-1", strings.NewReader(`{"title":"x"}`))
			req = withChiURLParam(withIdentity(req, readerIdentity), "id", "post-1")
			w := httptest.NewRecorder()
			h.UpdatePost(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- DeletePost ---

func TestPostHandler_DeletePost(t *testing.T) {
	var gotID string
	svc := &mockPostService{
		deleteFn: func(ctx context.Context, identity model.Identity, id string) error {
			gotID = id
			return nil
		},
	}
	h := NewPostHandler(svc)

	req := withChiURLParam(withIdentity(httptest.NewRequest(http.MethodDelete, "/api/v1/posts/post-1", nil), authorIdentity), "id", "post-1")
	w := httptest.NewRecorder()
	h.DeletePost(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if gotID != "post-1" {
		t.Errorf("id = %q", gotID)
	}
}

func TestPostHandler_DeletePost_NotFound(t *testing.T) {
	svc := &mockPostService{
		deleteFn: func(ctx context.Context, identity model.Identity, id string) error {
			return model.NewPostNotFoundError(id)
		},
	}
	h := NewPostHandler(svc)

	req := withChiURLParam(withIdentity(httptest.NewRequest(http.MethodDelete, "/api/v1/posts/nope", nil), authorIdentity), "id", "nope")
	w := httptest.NewRecorder()
	h.DeletePost(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
