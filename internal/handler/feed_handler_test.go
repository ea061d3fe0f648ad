package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/blogman/internal/model"
)

// mockFeedSource はFeedSourceのモック実装。
type mockFeedSource struct {
	listFn func(ctx context.Context, limit int) ([]*model.Post, error)
}

func (m *mockFeedSource) ListPublishedForFeed(ctx context.Context, limit int) ([]*model.Post, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit)
	}
	return nil, nil
}

func TestFeedHandler_ServeFeed(t *testing.T) {
	excerpt := "はじめての記事"
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var gotLimit int
	source := &mockFeedSource{
		listFn: func(ctx context.Context, limit int) ([]*model.Post, error) {
			gotLimit = limit
			return []*model.Post{
				{ID: "p2", Slug: "second-post", Title: "Second <Post>", Tags: []string{"go", "web"}, Excerpt: &excerpt, IsPublished: true, CreatedAt: created.Add(time.Hour), UpdatedAt: created.Add(2 * time.Hour)},
				{ID: "p1", Slug: "first-post", Title: "First", IsPublished: true, CreatedAt: created, UpdatedAt: created},
			}, nil
		},
	}
	h := NewFeedHandler(source, FeedConfig{SiteURL: "https://blog.example.com/", Title: "Example Blog", Description: "notes"})

	req := httptest.NewRequest(http.MethodGet, "/feed.xml", nil)
	w := httptest.NewRecorder()
	h.ServeFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if gotLimit != defaultFeedLimit {
		t.Errorf("limit = %d, want %d", gotLimit, defaultFeedLimit)
	}

	feed, err := gofeed.NewParser().ParseString(w.Body.String())
	if err != nil {
		t.Fatalf("failed to parse feed: %v\n%s", err, w.Body.String())
	}
	if feed.Title != "Example Blog" || feed.Link != "https://blog.example.com/" {
		t.Errorf("channel = %q %q", feed.Title, feed.Link)
	}
	if len(feed.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(feed.Items))
	}

	first := feed.Items[0]
	if first.Title != "Second <Post>" {
		t.Errorf("title = %q", first.Title)
	}
	if first.Link != "https://blog.example.com/blog/second-post" {
		t.Errorf("link = %q", first.Link)
	}
	if first.Description != excerpt {
		t.Errorf("description = %q", first.Description)
	}
	if got := splitCategories(first.Categories); len(got) != 2 || got[0] != "go" || got[1] != "web" {
		t.Errorf("categories = %v", first.Categories)
	}
	if first.GUID != "https://blog.example.com/blog/second-post" {
		t.Errorf("guid = %q", first.GUID)
	}
	if len(feed.Items[1].Categories) != 0 {
		t.Errorf("untagged post categories = %v", feed.Items[1].Categories)
	}
	if first.PublishedParsed == nil || !first.PublishedParsed.Equal(created.Add(time.Hour)) {
		t.Errorf("published = %v", first.PublishedParsed)
	}
	if feed.Items[1].Link != "https://blog.example.com/blog/first-post" {
		t.Errorf("second link = %q", feed.Items[1].Link)
	}
}

// splitCategories はカンマ区切りのカテゴリを個々のタグに分解する。
func splitCategories(categories []string) []string {
	var tags []string
	for _, c := range categories {
		for _, tag := range strings.Split(c, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// 記事が無い場合も妥当な空フィードを返すことを検証
func TestFeedHandler_ServeFeed_Empty(t *testing.T) {
	h := NewFeedHandler(&mockFeedSource{}, FeedConfig{SiteURL: "https://blog.example.com", Limit: 5})

	w := httptest.NewRecorder()
	h.ServeFeed(w, httptest.NewRequest(http.MethodGet, "/feed.xml", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	feed, err := gofeed.NewParser().ParseString(w.Body.String())
	if err != nil {
		t.Fatalf("failed to parse feed: %v", err)
	}
	if len(feed.Items) != 0 {
		t.Errorf("items = %d, want 0", len(feed.Items))
	}
	if feed.Title != "Blog" {
		t.Errorf("default title = %q", feed.Title)
	}
}

func TestFeedHandler_ServeFeed_StoreUnavailable(t *testing.T) {
	source := &mockFeedSource{
		listFn: func(ctx context.Context, limit int) ([]*model.Post, error) {
			return nil, model.NewStoreUnavailableError()
		},
	}
	h := NewFeedHandler(source, FeedConfig{})

	w := httptest.NewRecorder()
	h.ServeFeed(w, httptest.NewRequest(http.MethodGet, "/feed.xml", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
