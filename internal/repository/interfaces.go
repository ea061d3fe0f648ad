// Package repository はデータ永続化のインターフェースを定義する。
//
// 実装はPostgreSQL・MongoDB・インメモリの3種類を持ち、DATABASE_URLのスキームで選択する。
// いずれの実装も以下の規約に従う:
//   - Find系は見つからない場合、および不正な形式のIDに対してnil, nilを返す
//   - 一意制約違反はErrDuplicateKeyをラップしたエラーを返す（ストア側の制約が最終的な保証）
//   - ドライバやネットワークのエラーはErrUnavailableをラップしたエラーを返す
//   - 一覧はcreated_atの降順で返す
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/blogman/internal/model"
)

// PostRepository は記事データの永続化インターフェース。
type PostRepository interface {
	// Create は記事を作成する。IDが空の場合はストアが採番しpostに設定する。
	Create(ctx context.Context, post *model.Post) error

	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// FindBySlug はスラッグで記事を検索する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Post, error)

	// ExistsBySlug はスラッグが使用済みかを返す。excludeIDが指定された場合はその記事を除外する。
	ExistsBySlug(ctx context.Context, slug, excludeID string) (bool, error)

	// List は条件に一致する記事をcreated_at降順で返す。
	List(ctx context.Context, filter model.PostFilter, page model.Page) ([]*model.Post, error)

	// Update は指定されたフィールドのみを更新し、updated_atをnowで更新する。
	// 記事が存在しない場合はnilを返す。
	Update(ctx context.Context, id string, changes model.PostChanges, now time.Time) (*model.Post, error)

	// Delete は記事を削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// UnpublishByAuthor は指定著者の全記事を非公開にし、更新件数を返す。
	UnpublishByAuthor(ctx context.Context, authorID string, now time.Time) (int64, error)
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。IDが空の場合はストアが採番しuserに設定する。
	Create(ctx context.Context, user *model.User) error

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindBySubjectID はIdPのsubject idでユーザーを検索する。見つからない場合はnilを返す。
	FindBySubjectID(ctx context.Context, subjectID string) (*model.User, error)

	// ExistsBySubjectID はsubject idが登録済みかを返す。
	ExistsBySubjectID(ctx context.Context, subjectID string) (bool, error)

	// List は条件に一致するユーザーをcreated_at降順で返す。
	List(ctx context.Context, filter model.UserFilter, page model.Page) ([]*model.User, error)

	// Update は指定されたフィールドのみを更新し、updated_atをnowで更新する。
	// ユーザーが存在しない場合はnilを返す。
	Update(ctx context.Context, id string, changes model.UserChanges, now time.Time) (*model.User, error)

	// UpdateLastLogin はlast_loginとupdated_atをnowで更新する。
	// ユーザーが存在しない場合はnilを返す。
	UpdateLastLogin(ctx context.Context, subjectID string, now time.Time) (*model.User, error)
}

// Pinger はストアの疎通確認インターフェース。/healthで使用する。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store は1つのバックエンドが提供するリポジトリ一式。
type Store struct {
	Posts  PostRepository
	Users  UserRepository
	Pinger Pinger
	// Close はバックエンドの接続を閉じる。
	Close func() error
}
