package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/feeds"

	"github.com/hitoshi/blogman/internal/model"
)

// defaultFeedLimit はRSSに含める記事数の既定値。
const defaultFeedLimit = 20

// FeedSource はRSS配信用に公開済み記事を提供するインターフェース。
type FeedSource interface {
	ListPublishedForFeed(ctx context.Context, limit int) ([]*model.Post, error)
}

// FeedConfig はRSSチャンネルの設定。
type FeedConfig struct {
	SiteURL     string
	Title       string
	Description string
	Limit       int
}

// FeedHandler は公開済み記事のRSS 2.0フィードを配信するHTTPハンドラー。
type FeedHandler struct {
	source FeedSource
	config FeedConfig
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(source FeedSource, config FeedConfig) *FeedHandler {
	if config.Limit <= 0 {
		config.Limit = defaultFeedLimit
	}
	if config.Title == "" {
		config.Title = "Blog"
	}
	config.SiteURL = strings.TrimRight(config.SiteURL, "/")
	return &FeedHandler{source: source, config: config}
}

// ServeFeed は最新の公開済み記事をRSS 2.0で返す。
// GET /feed.xml
func (h *FeedHandler) ServeFeed(w http.ResponseWriter, r *http.Request) {
	posts, err := h.source.ListPublishedForFeed(r.Context(), h.config.Limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	feed := &feeds.Feed{
		Title:       h.config.Title,
		Link:        &feeds.Link{Href: h.config.SiteURL + "/"},
		Description: h.config.Description,
		Items:       make([]*feeds.Item, 0, len(posts)),
	}
	if len(posts) > 0 {
		feed.Updated = posts[0].UpdatedAt.UTC()
	}
	for _, p := range posts {
		feed.Items = append(feed.Items, h.toItem(p))
	}

	// feeds.Itemはカテゴリを持たないため、RSS表現に変換してからタグを設定する
	rss := (&feeds.Rss{Feed: feed}).RssFeed()
	for i, p := range posts {
		rss.Items[i].Category = strings.Join(p.Tags, ",")
	}

	body, err := feeds.ToXML(rss)
	if err != nil {
		slog.Error("failed to encode rss feed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (h *FeedHandler) toItem(p *model.Post) *feeds.Item {
	link := h.config.SiteURL + "/blog/" + p.Slug
	item := &feeds.Item{
		Title:   p.Title,
		Link:    &feeds.Link{Href: link},
		Id:      link,
		Created: p.CreatedAt.UTC(),
	}
	if p.Excerpt != nil {
		item.Description = *p.Excerpt
	}
	return item
}
