// Package user はユーザー管理のドメインロジックを提供する。
package user

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
	"github.com/hitoshi/blogman/internal/validation"
)

// PostUnpublisher は著者の記事を一括で非公開にするインターフェース。
// 無効化時のカスケード処理で使用する。
type PostUnpublisher interface {
	UnpublishByAuthor(ctx context.Context, authorID string) (int64, error)
}

// ServiceConfig はユーザーサービスの設定。
type ServiceConfig struct {
	// UnpublishOnDeactivate がtrueの場合、無効化したユーザーの記事を非公開にする。
	UnpublishOnDeactivate bool
	DefaultLimit          int
	MaxLimit              int
}

// CreateInput は管理者によるユーザー作成の入力。ロールは受け付けない。
type CreateInput struct {
	ExternalSubjectID string  `json:"clerk_id" validate:"required,startswith=user_,min=10"`
	Email             string  `json:"email" validate:"required,email,max=254"`
	Username          *string `json:"username" validate:"omitempty,min=3,max=50,username"`
	FirstName         *string `json:"first_name" validate:"omitempty,max=100"`
	LastName          *string `json:"last_name" validate:"omitempty,max=100"`
	ProfileImage      *string `json:"profile_image" validate:"omitempty,httpurl"`
}

// Event はIdPから通知されたユーザーイベント。
type Event struct {
	Type    string
	Profile model.Profile
}

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// Service はユーザー管理のサービス層。
type Service struct {
	users    repository.UserRepository
	posts    PostUnpublisher
	validate *validation.Validator
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	users repository.UserRepository,
	posts PostUnpublisher,
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
		users:    users,
		posts:    posts,
		validate: validate,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// storeError はリポジトリのエラーをAPIErrorに変換する。
func storeError(op string, err error) error {
	if errors.Is(err, repository.ErrUnavailable) {
		slog.Error("store unavailable", slog.String("op", op), slog.String("error", err.Error()))
		return model.NewStoreUnavailableError()
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// EnsureUser はsubject idに対応するユーザーを保証し、last_loginを記録する。
// 未登録の場合はロールuserで作成する。同時作成で一意制約に違反した場合は
// 他のリクエストが作成したものとして再取得する。
func (s *Service) EnsureUser(ctx context.Context, profile model.Profile) (*model.User, error) {
	return s.provision(ctx, profile, true)
}

// provision はユーザーを検索し、無ければ作成する。
// stampLoginがfalseの場合（IdPイベント経由）はlast_loginに触れない。
func (s *Service) provision(ctx context.Context, profile model.Profile, stampLogin bool) (*model.User, error) {
	now := s.now()

	existing, err := s.lookup(ctx, profile.SubjectID, now, stampLogin)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	user := s.userFromProfile(profile, now, stampLogin)
	if err := s.validate.Var("email", user.Email, "required,email,max=254"); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	err = s.users.Create(ctx, user)
	if errors.Is(err, repository.ErrDuplicateKey) && repository.DuplicateField(err) == "username" {
		// IdP上のユーザー名が既存ユーザーと衝突した場合はユーザー名なしで作成する
		user.Username = nil
		err = s.users.Create(ctx, user)
	}
	if errors.Is(err, repository.ErrDuplicateKey) {
		if repository.DuplicateField(err) != "external_subject_id" {
			return nil, model.NewUserConflictError(repository.DuplicateField(err))
		}
		raced, err := s.lookup(ctx, profile.SubjectID, now, stampLogin)
		if err != nil {
			return nil, err
		}
		if raced == nil {
			return nil, fmt.Errorf("user %s vanished after duplicate key", profile.SubjectID)
		}
		return raced, nil
	}
	if err != nil {
		return nil, storeError("create user", err)
	}

	slog.Info("user provisioned",
		slog.String("subject_id", user.ExternalSubjectID),
		slog.String("user_id", user.ID),
		slog.Bool("login", stampLogin),
	)
	return user, nil
}

func (s *Service) lookup(ctx context.Context, subjectID string, now time.Time, stampLogin bool) (*model.User, error) {
	if !stampLogin {
		u, err := s.users.FindBySubjectID(ctx, subjectID)
		if err != nil {
			return nil, storeError("find user", err)
		}
		return u, nil
	}
	u, err := s.users.UpdateLastLogin(ctx, subjectID, now)
	if err != nil {
		return nil, storeError("update last login", err)
	}
	return u, nil
}

// userFromProfile はプロフィールから新規ユーザーを組み立てる。
// 形式が不正な任意項目は保存しない。
func (s *Service) userFromProfile(p model.Profile, now time.Time, stampLogin bool) *model.User {
	u := &model.User{
		ExternalSubjectID: p.SubjectID,
		Email:             strings.ToLower(strings.TrimSpace(p.Email)),
		Role:              model.RoleUser,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if stampLogin {
		t := now
		u.LastLogin = &t
	}
	u.Username = s.validOptional("username", p.Username, "min=3,max=50,username")
	u.FirstName = s.validOptional("first_name", p.FirstName, "max=100")
	u.LastName = s.validOptional("last_name", p.LastName, "max=100")
	u.ProfileImage = s.validOptional("profile_image", p.ProfileImage, "httpurl")
	return u
}

func (s *Service) validOptional(field string, v *string, tag string) *string {
	if v == nil || *v == "" {
		return nil
	}
	if err := s.validate.Var(field, *v, tag); err != nil {
		return nil
	}
	return v
}

// GetMe は呼び出し元のユーザーを返す。未登録の場合は自動作成する。
func (s *Service) GetMe(ctx context.Context, identity model.Identity) (*model.User, error) {
	u, err := s.users.FindBySubjectID(ctx, identity.SubjectID)
	if err != nil {
		return nil, storeError("find user", err)
	}
	if u != nil {
		return u, nil
	}
	return s.EnsureUser(ctx, model.Profile{SubjectID: identity.SubjectID, Email: identity.Email})
}

// UpdateMe は呼び出し元自身のプロフィールを部分更新する。
// ロールと有効フラグは変更できない。
func (s *Service) UpdateMe(ctx context.Context, identity model.Identity, changes model.UserChanges) (*model.User, error) {
	if changes.TouchesPrivileges() {
		return nil, model.NewForbiddenError("ロールと有効状態は本人が変更できません。")
	}

	me, err := s.GetMe(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.applyChanges(ctx, me, changes)
}

// applyChanges は検証済みの変更をユーザーに適用する。空の変更は何もしない。
func (s *Service) applyChanges(ctx context.Context, target *model.User, changes model.UserChanges) (*model.User, error) {
	if changes.IsEmpty() {
		return target, nil
	}
	if err := s.validateChanges(changes); err != nil {
		return nil, err
	}

	updated, err := s.users.Update(ctx, target.ID, changes, s.now())
	if errors.Is(err, repository.ErrDuplicateKey) {
		return nil, model.NewUserConflictError(repository.DuplicateField(err))
	}
	if err != nil {
		return nil, storeError("update user", err)
	}
	if updated == nil {
		return nil, model.NewUserNotFoundError()
	}
	return updated, nil
}

// validateChanges は部分更新の各フィールドを検証する。
func (s *Service) validateChanges(c model.UserChanges) error {
	if c.Email.Present {
		return model.NewValidationError("email: is managed by the identity provider")
	}
	checks := []struct {
		name  string
		field model.Field[string]
		tag   string
	}{
		{"username", c.Username, "min=3,max=50,username"},
		{"first_name", c.FirstName, "max=100"},
		{"last_name", c.LastName, "max=100"},
		{"profile_image", c.ProfileImage, "httpurl"},
	}
	for _, ch := range checks {
		if v := ch.field.Ptr(); v != nil {
			if err := s.validate.Var(ch.name, *v, ch.tag); err != nil {
				return model.NewValidationError(err.Error())
			}
		}
	}
	if c.Role.Present && (c.Role.Null || !c.Role.Value.Valid()) {
		return model.NewValidationError("role: must be one of admin author user")
	}
	if c.IsActive.Present && c.IsActive.Null {
		return model.NewValidationError("is_active: must not be null")
	}
	return nil
}

// TrackLogin はsubjectIDのユーザーのlast_loginを記録する。
// 本人または管理者のみ実行できる。
func (s *Service) TrackLogin(ctx context.Context, identity model.Identity, subjectID string) (*model.User, error) {
	if policy.CanTrackLogin(identity, subjectID) != policy.Allow {
		return nil, model.NewForbiddenError("他のユーザーのログインは記録できません。")
	}

	u, err := s.users.UpdateLastLogin(ctx, subjectID, s.now())
	if err != nil {
		return nil, storeError("update last login", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}

// List はユーザー一覧を返す。管理者のみ実行できる。
func (s *Service) List(ctx context.Context, identity model.Identity, filter model.UserFilter, page model.Page) ([]*model.User, error) {
	if policy.CanListAllUsers(identity) != policy.Allow {
		return nil, model.NewForbiddenError("ユーザー一覧は管理者のみ閲覧できます。")
	}

	users, err := s.users.List(ctx, filter, page.Clamp(s.config.DefaultLimit, s.config.MaxLimit))
	if err != nil {
		return nil, storeError("list users", err)
	}
	return users, nil
}

// Get は指定IDのユーザーを返す。管理者または本人以外には存在を明かさない。
func (s *Service) Get(ctx context.Context, identity model.Identity, id string) (*model.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("find user", err)
	}
	if u == nil || policy.CanViewUser(identity, u.ExternalSubjectID) != policy.Allow {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}

// Create は管理者がユーザーを作成する。ロールは常にuserで作成する。
func (s *Service) Create(ctx context.Context, identity model.Identity, input CreateInput) (*model.User, error) {
	if policy.CanManageUser(identity) != policy.Allow {
		return nil, model.NewForbiddenError("ユーザーの作成は管理者のみ実行できます。")
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	exists, err := s.users.ExistsBySubjectID(ctx, input.ExternalSubjectID)
	if err != nil {
		return nil, storeError("check user", err)
	}
	if exists {
		return nil, model.NewUserConflictError("external_subject_id")
	}

	now := s.now()
	u := &model.User{
		ExternalSubjectID: input.ExternalSubjectID,
		Email:             strings.ToLower(input.Email),
		Username:          input.Username,
		FirstName:         input.FirstName,
		LastName:          input.LastName,
		ProfileImage:      input.ProfileImage,
		Role:              model.RoleUser,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, model.NewUserConflictError(repository.DuplicateField(err))
		}
		return nil, storeError("create user", err)
	}

	slog.Info("user created by admin",
		slog.String("subject_id", u.ExternalSubjectID),
		slog.String("admin", identity.SubjectID),
	)
	return u, nil
}

// AdminUpdate は管理者がユーザーを部分更新する。ロールと有効フラグも変更できる。
func (s *Service) AdminUpdate(ctx context.Context, identity model.Identity, id string, changes model.UserChanges) (*model.User, error) {
	if policy.CanManageUser(identity) != policy.Allow {
		return nil, model.NewForbiddenError("ユーザーの更新は管理者のみ実行できます。")
	}

	target, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("find user", err)
	}
	if target == nil {
		return nil, model.NewUserNotFoundError()
	}

	deactivating := target.IsActive && changes.IsActive.Present && !changes.IsActive.Null && !changes.IsActive.Value
	updated, err := s.applyChanges(ctx, target, changes)
	if err != nil {
		return nil, err
	}
	if deactivating {
		s.cascadeDeactivation(ctx, updated.ExternalSubjectID)
	}
	return updated, nil
}

// Deactivate はユーザーを論理削除（is_active=false）する。管理者のみ実行できる。
func (s *Service) Deactivate(ctx context.Context, identity model.Identity, id string) (*model.User, error) {
	if policy.CanManageUser(identity) != policy.Allow {
		return nil, model.NewForbiddenError("ユーザーの無効化は管理者のみ実行できます。")
	}

	target, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("find user", err)
	}
	if target == nil {
		return nil, model.NewUserNotFoundError()
	}
	return s.deactivate(ctx, target)
}

func (s *Service) deactivate(ctx context.Context, target *model.User) (*model.User, error) {
	updated, err := s.users.Update(ctx, target.ID, model.UserChanges{IsActive: model.Set(false)}, s.now())
	if err != nil {
		return nil, storeError("deactivate user", err)
	}
	if updated == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.Info("user deactivated", slog.String("subject_id", updated.ExternalSubjectID))
	s.cascadeDeactivation(ctx, updated.ExternalSubjectID)
	return updated, nil
}

// cascadeDeactivation は設定に応じて無効化したユーザーの記事を非公開にする。
// 失敗してもユーザーの無効化自体は取り消さない。
func (s *Service) cascadeDeactivation(ctx context.Context, subjectID string) {
	if !s.config.UnpublishOnDeactivate || s.posts == nil {
		return
	}
	n, err := s.posts.UnpublishByAuthor(ctx, subjectID)
	if err != nil {
		slog.Error("failed to unpublish posts of deactivated user",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("posts unpublished for deactivated user",
		slog.String("subject_id", subjectID),
		slog.Int64("count", n),
	)
}

// HandleProviderEvent はIdPからのユーザーイベントを反映する。
// 未知のイベント種別は無視する。
func (s *Service) HandleProviderEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case EventUserCreated, EventUserUpdated:
		u, err := s.provision(ctx, event.Profile, false)
		if err != nil {
			return err
		}
		_, err = s.syncProfile(ctx, u, event.Profile)
		return err
	case EventUserDeleted:
		u, err := s.users.FindBySubjectID(ctx, event.Profile.SubjectID)
		if err != nil {
			return storeError("find user", err)
		}
		if u == nil || !u.IsActive {
			return nil
		}
		_, err = s.deactivate(ctx, u)
		return err
	default:
		slog.Debug("provider event ignored", slog.String("type", event.Type))
		return nil
	}
}

// syncProfile はIdP側のプロフィールをストアに反映する。
// 差分がない場合は更新しない。
func (s *Service) syncProfile(ctx context.Context, u *model.User, p model.Profile) (*model.User, error) {
	var changes model.UserChanges
	if email := strings.ToLower(p.Email); email != "" && email != u.Email {
		if err := s.validate.Var("email", email, "email,max=254"); err == nil {
			changes.Email = model.Set(email)
		}
	}
	syncOptional(&changes.Username, u.Username, s.validOptional("username", p.Username, "min=3,max=50,username"))
	syncOptional(&changes.FirstName, u.FirstName, s.validOptional("first_name", p.FirstName, "max=100"))
	syncOptional(&changes.LastName, u.LastName, s.validOptional("last_name", p.LastName, "max=100"))
	syncOptional(&changes.ProfileImage, u.ProfileImage, s.validOptional("profile_image", p.ProfileImage, "httpurl"))

	if changes.IsEmpty() {
		return u, nil
	}
	updated, err := s.users.Update(ctx, u.ID, changes, s.now())
	if errors.Is(err, repository.ErrDuplicateKey) {
		slog.Warn("provider profile conflicts with existing user",
			slog.String("subject_id", u.ExternalSubjectID),
			slog.String("field", repository.DuplicateField(err)),
		)
		return u, nil
	}
	if err != nil {
		return nil, storeError("sync user profile", err)
	}
	return updated, nil
}

func syncOptional(dst *model.Field[string], current, incoming *string) {
	switch {
	case incoming == nil && current != nil:
		*dst = model.Null[string]()
	case incoming != nil && (current == nil || *current != *incoming):
		*dst = model.Set(*incoming)
	}
}
