package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/blogman/internal/model"
	"github.com/lib/pq"
)

const postColumns = `id, slug, title, content, excerpt, tags, is_published, author_id, featured_image, created_at, updated_at`

// PostgresPostRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var excerpt, featured sql.NullString
	var tags []string
	err := row.Scan(
		&p.ID, &p.Slug, &p.Title, &p.Content, &excerpt, pq.Array(&tags),
		&p.IsPublished, &p.AuthorID, &featured, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Excerpt = nullStringPtr(excerpt)
	p.FeaturedImage = nullStringPtr(featured)
	if tags == nil {
		tags = []string{}
	}
	p.Tags = tags
	return p, nil
}

// Create は記事を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (`+postColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		post.ID, post.Slug, post.Title, post.Content, post.Excerpt, pq.Array(tags),
		post.IsPublished, post.AuthorID, post.FeaturedImage, post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return pgError("insert post", err)
	}
	return nil
}

// FindByID は指定IDの記事を取得する。UUIDとして不正なIDにはnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	p, err := scanPost(r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find post by ID", err)
	}
	return p, nil
}

// FindBySlug はスラッグで記事を検索する。
func (r *PostgresPostRepo) FindBySlug(ctx context.Context, slug string) (*model.Post, error) {
	p, err := scanPost(r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE slug = $1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find post by slug", err)
	}
	return p, nil
}

// ExistsBySlug はスラッグが使用済みかを返す。
func (r *PostgresPostRepo) ExistsBySlug(ctx context.Context, slug, excludeID string) (bool, error) {
	var exists bool
	var err error
	if _, parseErr := uuid.Parse(excludeID); parseErr == nil {
		err = r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM posts WHERE slug = $1 AND id <> $2)`, slug, excludeID,
		).Scan(&exists)
	} else {
		err = r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM posts WHERE slug = $1)`, slug,
		).Scan(&exists)
	}
	if err != nil {
		return false, pgError("check post slug", err)
	}
	return exists, nil
}

// List は条件に一致する記事をcreated_at降順で返す。
func (r *PostgresPostRepo) List(ctx context.Context, filter model.PostFilter, page model.Page) ([]*model.Post, error) {
	query, args := buildPostListQuery(filter, page)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgError("list posts", err)
	}
	defer rows.Close()

	posts := []*model.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, pgError("scan post", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate posts", err)
	}
	return posts, nil
}

// buildPostListQuery は一覧取得のSQLと引数を構築する。
func buildPostListQuery(filter model.PostFilter, page model.Page) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Tag != "" {
		conds = append(conds, arg(filter.Tag)+" = ANY(tags)")
	}
	if filter.AuthorID != "" {
		conds = append(conds, "author_id = "+arg(filter.AuthorID))
	}
	if filter.Published != nil {
		conds = append(conds, "is_published = "+arg(*filter.Published))
	}
	if filter.DraftsVisibleTo != "" {
		conds = append(conds, "(is_published = TRUE OR author_id = "+arg(filter.DraftsVisibleTo)+")")
	}

	var b strings.Builder
	b.WriteString("SELECT " + postColumns + " FROM posts")
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	b.WriteString(" LIMIT " + arg(page.Limit))
	b.WriteString(" OFFSET " + arg(page.Skip))
	return b.String(), args
}

// Update は指定されたフィールドのみを更新する。
func (r *PostgresPostRepo) Update(ctx context.Context, id string, changes model.PostChanges, now time.Time) (*model.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	query, args := buildPostUpdateQuery(id, changes, now)
	p, err := scanPost(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("update post", err)
	}
	return p, nil
}

// buildPostUpdateQuery は部分更新のSQLと引数を構築する。updated_atは常に更新する。
func buildPostUpdateQuery(id string, c model.PostChanges, now time.Time) (string, []any) {
	u := newSetBuilder()
	u.setValue("slug", c.Slug)
	u.setValue("title", c.Title)
	u.setValue("content", c.Content)
	u.setNullable("excerpt", c.Excerpt)
	if c.Tags.Present {
		tags := c.Tags.Value
		if c.Tags.Null || tags == nil {
			tags = []string{}
		}
		u.add("tags", pq.Array(tags))
	}
	if v := c.IsPublished.Ptr(); v != nil {
		u.add("is_published", *v)
	}
	u.setNullable("featured_image", c.FeaturedImage)
	u.add("updated_at", now)

	args := append(u.args, id)
	query := fmt.Sprintf(`UPDATE posts SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(u.sets, ", "), len(args), postColumns)
	return query, args
}

// Delete は記事を削除する。
func (r *PostgresPostRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return false, pgError("delete post", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, pgError("get rows affected", err)
	}
	return n > 0, nil
}

// UnpublishByAuthor は指定著者の全記事を非公開にする。
func (r *PostgresPostRepo) UnpublishByAuthor(ctx context.Context, authorID string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET is_published = FALSE, updated_at = $1
		 WHERE author_id = $2 AND is_published = TRUE`,
		now, authorID,
	)
	if err != nil {
		return 0, pgError("unpublish posts", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, pgError("get rows affected", err)
	}
	return n, nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
