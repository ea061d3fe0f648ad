package repository

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/blogman/internal/model"
)

// MemoryPostRepo はプロセス内メモリに記事を保持するリポジトリ。
// ローカル開発（DATABASE_URL=memory://）とテストで使用する。
// スラッグの一意制約はPostgreSQL・MongoDBと同じく挿入・更新時に検査する。
type MemoryPostRepo struct {
	mu    sync.RWMutex
	posts map[string]*model.Post
}

// NewMemoryPostRepo はMemoryPostRepoを生成する。
func NewMemoryPostRepo() *MemoryPostRepo {
	return &MemoryPostRepo{posts: make(map[string]*model.Post)}
}

func clonePost(p *model.Post) *model.Post {
	c := *p
	c.Tags = append([]string{}, p.Tags...)
	if p.Excerpt != nil {
		v := *p.Excerpt
		c.Excerpt = &v
	}
	if p.FeaturedImage != nil {
		v := *p.FeaturedImage
		c.FeaturedImage = &v
	}
	return &c
}

func (r *MemoryPostRepo) slugTakenLocked(slug, excludeID string) bool {
	for id, p := range r.posts {
		if p.Slug == slug && id != excludeID {
			return true
		}
	}
	return false
}

// Create は記事を作成する。
func (r *MemoryPostRepo) Create(ctx context.Context, post *model.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slugTakenLocked(post.Slug, "") {
		return &DuplicateKeyError{Field: "slug", Err: errors.New("slug already exists")}
	}
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	r.posts[post.ID] = clonePost(post)
	return nil
}

// FindByID は指定IDの記事を取得する。
func (r *MemoryPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.posts[id]
	if !ok {
		return nil, nil
	}
	return clonePost(p), nil
}

// FindBySlug はスラッグで記事を検索する。
func (r *MemoryPostRepo) FindBySlug(ctx context.Context, slug string) (*model.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.posts {
		if p.Slug == slug {
			return clonePost(p), nil
		}
	}
	return nil, nil
}

// ExistsBySlug はスラッグが使用済みかを返す。
func (r *MemoryPostRepo) ExistsBySlug(ctx context.Context, slug, excludeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slugTakenLocked(slug, excludeID), nil
}

// List は条件に一致する記事をcreated_at降順で返す。
func (r *MemoryPostRepo) List(ctx context.Context, filter model.PostFilter, page model.Page) ([]*model.Post, error) {
	r.mu.RLock()
	matched := make([]*model.Post, 0, len(r.posts))
	for _, p := range r.posts {
		if matchPost(p, filter) {
			matched = append(matched, clonePost(p))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return paginate(matched, page), nil
}

func matchPost(p *model.Post, f model.PostFilter) bool {
	if f.Tag != "" && !slices.Contains(p.Tags, f.Tag) {
		return false
	}
	if f.AuthorID != "" && p.AuthorID != f.AuthorID {
		return false
	}
	if f.Published != nil && p.IsPublished != *f.Published {
		return false
	}
	if f.DraftsVisibleTo != "" && !p.IsPublished && p.AuthorID != f.DraftsVisibleTo {
		return false
	}
	return true
}

func paginate[T any](items []T, page model.Page) []T {
	if page.Skip >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Skip+page.Limit < end {
		end = page.Skip + page.Limit
	}
	return items[page.Skip:end]
}

// Update は指定されたフィールドのみを更新する。
func (r *MemoryPostRepo) Update(ctx context.Context, id string, changes model.PostChanges, now time.Time) (*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.posts[id]
	if !ok {
		return nil, nil
	}
	if v := changes.Slug.Ptr(); v != nil && r.slugTakenLocked(*v, id) {
		return nil, &DuplicateKeyError{Field: "slug", Err: errors.New("slug already exists")}
	}
	updated := clonePost(p)
	changes.Apply(updated, now)
	r.posts[id] = updated
	return clonePost(updated), nil
}

// Delete は記事を削除する。
func (r *MemoryPostRepo) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.posts[id]; !ok {
		return false, nil
	}
	delete(r.posts, id)
	return true, nil
}

// UnpublishByAuthor は指定著者の全記事を非公開にする。
func (r *MemoryPostRepo) UnpublishByAuthor(ctx context.Context, authorID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, p := range r.posts {
		if p.AuthorID == authorID && p.IsPublished {
			p.IsPublished = false
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// MemoryUserRepo はプロセス内メモリにユーザーを保持するリポジトリ。
type MemoryUserRepo struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: make(map[string]*model.User)}
}

func cloneUser(u *model.User) *model.User {
	c := *u
	for _, p := range []**string{&c.Username, &c.FirstName, &c.LastName, &c.ProfileImage} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	return &c
}

// conflictLocked は一意制約に違反するフィールド名を返す。違反が無い場合は空文字を返す。
// メールアドレスは有効なユーザー間でのみ一意とする。
func (r *MemoryUserRepo) conflictLocked(u *model.User) string {
	for id, other := range r.users {
		if id == u.ID {
			continue
		}
		switch {
		case other.ExternalSubjectID == u.ExternalSubjectID:
			return "external_subject_id"
		case other.Email == u.Email && other.IsActive && u.IsActive:
			return "email"
		case u.Username != nil && other.Username != nil && *other.Username == *u.Username:
			return "username"
		}
	}
	return ""
}

// Create はユーザーを作成する。
func (r *MemoryUserRepo) Create(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if field := r.conflictLocked(user); field != "" {
		return &DuplicateKeyError{Field: field, Err: errors.New("user already exists")}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	r.users[user.ID] = cloneUser(user)
	return nil
}

// FindByID は指定IDのユーザーを取得する。
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return cloneUser(u), nil
}

// FindBySubjectID はsubject idでユーザーを検索する。
func (r *MemoryUserRepo) FindBySubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.ExternalSubjectID == subjectID {
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

// ExistsBySubjectID はsubject idが登録済みかを返す。
func (r *MemoryUserRepo) ExistsBySubjectID(ctx context.Context, subjectID string) (bool, error) {
	u, _ := r.FindBySubjectID(ctx, subjectID)
	return u != nil, nil
}

// List は条件に一致するユーザーをcreated_at降順で返す。
func (r *MemoryUserRepo) List(ctx context.Context, filter model.UserFilter, page model.Page) ([]*model.User, error) {
	r.mu.RLock()
	matched := make([]*model.User, 0, len(r.users))
	for _, u := range r.users {
		if filter.Role != nil && u.Role != *filter.Role {
			continue
		}
		if filter.Active != nil && u.IsActive != *filter.Active {
			continue
		}
		matched = append(matched, cloneUser(u))
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return paginate(matched, page), nil
}

// Update は指定されたフィールドのみを更新する。
func (r *MemoryUserRepo) Update(ctx context.Context, id string, changes model.UserChanges, now time.Time) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	updated := cloneUser(u)
	changes.Apply(updated, now)
	if field := r.conflictLocked(updated); field != "" {
		return nil, &DuplicateKeyError{Field: field, Err: errors.New("user already exists")}
	}
	r.users[id] = updated
	return cloneUser(updated), nil
}

// UpdateLastLogin はlast_loginを更新する。
func (r *MemoryUserRepo) UpdateLastLogin(ctx context.Context, subjectID string, now time.Time) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.ExternalSubjectID == subjectID {
			t := now
			u.LastLogin = &t
			u.UpdatedAt = now
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

type memoryPinger struct{}

func (memoryPinger) Ping(ctx context.Context) error { return nil }

// NewMemoryStore はインメモリバックエンドのStoreを生成する。
func NewMemoryStore() *Store {
	return &Store{
		Posts:  NewMemoryPostRepo(),
		Users:  NewMemoryUserRepo(),
		Pinger: memoryPinger{},
		Close:  func() error { return nil },
	}
}

// compile-time interface check
var (
	_ PostRepository = (*MemoryPostRepo)(nil)
	_ UserRepository = (*MemoryUserRepo)(nil)
)
