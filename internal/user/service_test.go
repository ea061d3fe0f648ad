package user

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/blogman/internal/model"
	"github.com/hitoshi/blogman/internal/repository"
	"github.com/hitoshi/blogman/internal/validation"
)

// --- モック ---

type mockUnpublisher struct {
	calls []string
	err   error
}

func (m *mockUnpublisher) UnpublishByAuthor(ctx context.Context, authorID string) (int64, error) {
	m.calls = append(m.calls, authorID)
	return 2, m.err
}

// failingUserRepo はすべての操作でストア障害を返す。
type failingUserRepo struct {
	repository.UserRepository
}

func (failingUserRepo) UpdateLastLogin(ctx context.Context, subjectID string, now time.Time) (*model.User, error) {
	return nil, fmt.Errorf("failed to update last login: %w", repository.ErrUnavailable)
}

func (failingUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return nil, fmt.Errorf("failed to find user: %w", repository.ErrUnavailable)
}

var (
	admin  = model.Identity{SubjectID: "user_admin", Role: model.RoleAdmin, Active: true}
	author = model.Identity{SubjectID: "user_author", Email: "author@example.com", Role: model.RoleAuthor, Active: true}
	reader = model.Identity{SubjectID: "user_reader", Email: "reader@example.com", Role: model.RoleUser, Active: true}
)

func newTestService(t *testing.T, unpublish bool) (*Service, *repository.MemoryUserRepo, *mockUnpublisher) {
	t.Helper()
	repo := repository.NewMemoryUserRepo()
	posts := &mockUnpublisher{}
	svc := NewService(repo, posts, validation.New(), ServiceConfig{UnpublishOnDeactivate: unpublish})
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, repo, posts
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError %s", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("code = %s, want %s", apiErr.Code, code)
	}
}

func strPtr(s string) *string { return &s }

// --- EnsureUser ---

func TestEnsureUser_CreatesWithDefaultRole(t *testing.T) {
	svc, _, _ := newTestService(t, false)

	u, err := svc.EnsureUser(context.Background(), model.Profile{
		SubjectID: "user_new",
		Email:     "New@Example.com",
		Username:  strPtr("newbie"),
	})
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	if u.Role != model.RoleUser || !u.IsActive {
		t.Errorf("role = %s, active = %v; want user, true", u.Role, u.IsActive)
	}
	if u.Email != "new@example.com" {
		t.Errorf("email = %q, want lower-cased", u.Email)
	}
	if u.LastLogin == nil || !u.LastLogin.Equal(svc.now()) {
		t.Errorf("last_login = %v, want now", u.LastLogin)
	}
}

func TestEnsureUser_IsIdempotent(t *testing.T) {
	svc, repo, _ := newTestService(t, false)
	ctx := context.Background()
	p := model.Profile{SubjectID: "user_same", Email: "same@example.com"}

	first, _ := svc.EnsureUser(ctx, p)
	second, err := svc.EnsureUser(ctx, p)
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	all, _ := repo.List(ctx, model.UserFilter{}, model.Page{Limit: 10})
	if len(all) != 1 {
		t.Errorf("users = %d, want 1", len(all))
	}
}

// 同一subjectの同時初回ログインで1件だけ作成されることを検証
func TestEnsureUser_ConcurrentFirstLogin(t *testing.T) {
	svc, repo, _ := newTestService(t, false)
	ctx := context.Background()
	p := model.Profile{SubjectID: "user_race", Email: "race@example.com"}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.EnsureUser(ctx, p); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("EnsureUser() error = %v", err)
	}

	all, _ := repo.List(ctx, model.UserFilter{}, model.Page{Limit: 10})
	if len(all) != 1 {
		t.Errorf("users = %d, want 1", len(all))
	}
}

func TestEnsureUser_UsernameCollisionDropsUsername(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	svc.EnsureUser(ctx, model.Profile{SubjectID: "user_a", Email: "a@example.com", Username: strPtr("taken")})

	u, err := svc.EnsureUser(ctx, model.Profile{SubjectID: "user_b", Email: "b@example.com", Username: strPtr("taken")})
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	if u.Username != nil {
		t.Errorf("username = %q, want nil", *u.Username)
	}
}

func TestEnsureUser_EmailCollisionIsConflict(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	svc.EnsureUser(ctx, model.Profile{SubjectID: "user_a", Email: "dup@example.com"})

	_, err := svc.EnsureUser(ctx, model.Profile{SubjectID: "user_b", Email: "dup@example.com"})
	assertCode(t, err, model.ErrCodeUserConflict)
}

// 無効化済みユーザーと同じメールアドレスの新しいアカウントは作成できることを検証
func TestEnsureUser_ReusesEmailOfDeactivatedUser(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	old, err := svc.EnsureUser(ctx, model.Profile{SubjectID: "user_old", Email: "reuse@example.com"})
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	if _, err := svc.Deactivate(ctx, admin, old.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	u, err := svc.EnsureUser(ctx, model.Profile{SubjectID: "user_new", Email: "reuse@example.com"})
	if err != nil {
		t.Fatalf("EnsureUser() for new account error = %v", err)
	}
	if u.ExternalSubjectID != "user_new" || !u.IsActive {
		t.Errorf("user = %+v", u)
	}
}

func TestEnsureUser_DropsInvalidOptionalFields(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	u, err := svc.EnsureUser(context.Background(), model.Profile{
		SubjectID:    "user_c",
		Email:        "c@example.com",
		Username:     strPtr("x"),
		ProfileImage: strPtr("data:image/png;base64,AAAA"),
	})
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	if u.Username != nil || u.ProfileImage != nil {
		t.Errorf("invalid optional fields should be dropped: %+v", u)
	}
}

func TestEnsureUser_StoreUnavailable(t *testing.T) {
	svc := NewService(failingUserRepo{}, nil, validation.New(), ServiceConfig{})
	_, err := svc.EnsureUser(context.Background(), model.Profile{SubjectID: "user_x", Email: "x@example.com"})
	assertCode(t, err, model.ErrCodeStoreUnavailable)
}

// --- GetMe / UpdateMe ---

func TestGetMe_AutoCreates(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	u, err := svc.GetMe(context.Background(), reader)
	if err != nil {
		t.Fatalf("GetMe() error = %v", err)
	}
	if u.ExternalSubjectID != reader.SubjectID || u.Email != reader.Email {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestUpdateMe(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	svc.EnsureUser(ctx, model.Profile{SubjectID: "user_other", Email: "o@example.com", Username: strPtr("occupied")})

	tests := []struct {
		name     string
		changes  model.UserChanges
		wantCode string
	}{
		{"role change forbidden", model.UserChanges{Role: model.Set(model.RoleAdmin)}, model.ErrCodeForbidden},
		{"activation forbidden", model.UserChanges{IsActive: model.Set(true)}, model.ErrCodeForbidden},
		{"email not editable", model.UserChanges{Email: model.Set("new@example.com")}, model.ErrCodeValidationFailed},
		{"invalid username", model.UserChanges{Username: model.Set("no spaces")}, model.ErrCodeValidationFailed},
		{"username collision", model.UserChanges{Username: model.Set("occupied")}, model.ErrCodeUserConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateMe(ctx, reader, tt.changes)
			assertCode(t, err, tt.wantCode)
		})
	}

	t.Run("partial update", func(t *testing.T) {
		u, err := svc.UpdateMe(ctx, reader, model.UserChanges{FirstName: model.Set("Reader"), LastName: model.Null[string]()})
		if err != nil {
			t.Fatalf("UpdateMe() error = %v", err)
		}
		if u.FirstName == nil || *u.FirstName != "Reader" || u.LastName != nil {
			t.Errorf("unexpected user: %+v", u)
		}
	})

	t.Run("empty changes", func(t *testing.T) {
		before, _ := svc.GetMe(ctx, reader)
		after, err := svc.UpdateMe(ctx, reader, model.UserChanges{})
		if err != nil || !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Errorf("empty update should be a no-op: %+v, %v", after, err)
		}
	})
}

// --- TrackLogin ---

func TestTrackLogin(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	svc.EnsureUser(ctx, model.Profile{SubjectID: reader.SubjectID, Email: reader.Email})

	if _, err := svc.TrackLogin(ctx, reader, reader.SubjectID); err != nil {
		t.Errorf("self TrackLogin error = %v", err)
	}
	_, err := svc.TrackLogin(ctx, author, reader.SubjectID)
	assertCode(t, err, model.ErrCodeForbidden)

	if _, err := svc.TrackLogin(ctx, admin, reader.SubjectID); err != nil {
		t.Errorf("admin TrackLogin error = %v", err)
	}
	_, err = svc.TrackLogin(ctx, admin, "user_unknown")
	assertCode(t, err, model.ErrCodeUserNotFound)
}

// --- Admin operations ---

func TestList_AdminOnly(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	svc.EnsureUser(ctx, model.Profile{SubjectID: "user_1", Email: "1@example.com"})

	_, err := svc.List(ctx, author, model.UserFilter{}, model.Page{})
	assertCode(t, err, model.ErrCodeForbidden)

	users, err := svc.List(ctx, admin, model.UserFilter{}, model.Page{Limit: 1000})
	if err != nil || len(users) != 1 {
		t.Errorf("List() = %d users, %v", len(users), err)
	}
}

func TestGet_HidesOtherUsers(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	target, _ := svc.EnsureUser(ctx, model.Profile{SubjectID: reader.SubjectID, Email: reader.Email})

	if _, err := svc.Get(ctx, reader, target.ID); err != nil {
		t.Errorf("self Get error = %v", err)
	}
	if _, err := svc.Get(ctx, admin, target.ID); err != nil {
		t.Errorf("admin Get error = %v", err)
	}
	_, err := svc.Get(ctx, author, target.ID)
	assertCode(t, err, model.ErrCodeUserNotFound)

	_, err = svc.Get(ctx, admin, "missing")
	assertCode(t, err, model.ErrCodeUserNotFound)
}

func TestCreate(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	input := CreateInput{ExternalSubjectID: "user_created1", Email: "Created@Example.com"}

	_, err := svc.Create(ctx, author, input)
	assertCode(t, err, model.ErrCodeForbidden)

	u, err := svc.Create(ctx, admin, input)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if u.Role != model.RoleUser || u.Email != "created@example.com" {
		t.Errorf("unexpected user: %+v", u)
	}

	_, err = svc.Create(ctx, admin, input)
	assertCode(t, err, model.ErrCodeUserConflict)

	_, err = svc.Create(ctx, admin, CreateInput{ExternalSubjectID: "user_created2", Email: "created@example.com"})
	assertCode(t, err, model.ErrCodeUserConflict)

	_, err = svc.Create(ctx, admin, CreateInput{ExternalSubjectID: "bad", Email: "x@example.com"})
	assertCode(t, err, model.ErrCodeValidationFailed)
}

func TestAdminUpdate(t *testing.T) {
	svc, _, posts := newTestService(t, true)
	ctx := context.Background()
	target, _ := svc.EnsureUser(ctx, model.Profile{SubjectID: "user_t", Email: "t@example.com"})

	_, err := svc.AdminUpdate(ctx, author, target.ID, model.UserChanges{Role: model.Set(model.RoleAuthor)})
	assertCode(t, err, model.ErrCodeForbidden)

	_, err = svc.AdminUpdate(ctx, admin, target.ID, model.UserChanges{Role: model.Set(model.Role("owner"))})
	assertCode(t, err, model.ErrCodeValidationFailed)

	u, err := svc.AdminUpdate(ctx, admin, target.ID, model.UserChanges{Role: model.Set(model.RoleAuthor)})
	if err != nil || u.Role != model.RoleAuthor {
		t.Fatalf("AdminUpdate() = %+v, %v", u, err)
	}
	if len(posts.calls) != 0 {
		t.Error("role change must not cascade")
	}

	u, err = svc.AdminUpdate(ctx, admin, target.ID, model.UserChanges{IsActive: model.Set(false)})
	if err != nil || u.IsActive {
		t.Fatalf("AdminUpdate() = %+v, %v", u, err)
	}
	if len(posts.calls) != 1 || posts.calls[0] != "user_t" {
		t.Errorf("cascade calls = %v, want [user_t]", posts.calls)
	}

	_, err = svc.AdminUpdate(ctx, admin, "missing", model.UserChanges{Role: model.Set(model.RoleUser)})
	assertCode(t, err, model.ErrCodeUserNotFound)
}

func TestDeactivate_CascadePolicy(t *testing.T) {
	for _, unpublish := range []bool{false, true} {
		t.Run(fmt.Sprintf("unpublish=%v", unpublish), func(t *testing.T) {
			svc, _, posts := newTestService(t, unpublish)
			ctx := context.Background()
			target, _ := svc.EnsureUser(ctx, model.Profile{SubjectID: "user_d", Email: "d@example.com"})

			u, err := svc.Deactivate(ctx, admin, target.ID)
			if err != nil || u.IsActive {
				t.Fatalf("Deactivate() = %+v, %v", u, err)
			}
			wantCalls := 0
			if unpublish {
				wantCalls = 1
			}
			if len(posts.calls) != wantCalls {
				t.Errorf("cascade calls = %d, want %d", len(posts.calls), wantCalls)
			}
		})
	}
}

func TestDeactivate_CascadeFailureKeepsDeactivation(t *testing.T) {
	svc, _, posts := newTestService(t, true)
	posts.err = errors.New("store down")
	ctx := context.Background()
	target, _ := svc.EnsureUser(ctx, model.Profile{SubjectID: "user_e", Email: "e@example.com"})

	u, err := svc.Deactivate(ctx, admin, target.ID)
	if err != nil || u.IsActive {
		t.Errorf("Deactivate() = %+v, %v; want deactivated without error", u, err)
	}
}

func TestDeactivate_Errors(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	_, err := svc.Deactivate(context.Background(), author, "any")
	assertCode(t, err, model.ErrCodeForbidden)
	_, err = svc.Deactivate(context.Background(), admin, "missing")
	assertCode(t, err, model.ErrCodeUserNotFound)

	failing := NewService(failingUserRepo{}, nil, validation.New(), ServiceConfig{})
	_, err = failing.Deactivate(context.Background(), admin, "any")
	assertCode(t, err, model.ErrCodeStoreUnavailable)
}

// --- HandleProviderEvent ---

func TestHandleProviderEvent(t *testing.T) {
	svc, repo, _ := newTestService(t, false)
	ctx := context.Background()

	err := svc.HandleProviderEvent(ctx, Event{Type: EventUserCreated, Profile: model.Profile{
		SubjectID: "user_w", Email: "w@example.com", FirstName: strPtr("Wendy"),
	}})
	if err != nil {
		t.Fatalf("user.created error = %v", err)
	}

	err = svc.HandleProviderEvent(ctx, Event{Type: EventUserUpdated, Profile: model.Profile{
		SubjectID: "user_w", Email: "wendy@example.com", Username: strPtr("wendy"),
	}})
	if err != nil {
		t.Fatalf("user.updated error = %v", err)
	}
	u, _ := repo.FindBySubjectID(ctx, "user_w")
	if u.Email != "wendy@example.com" || u.Username == nil || *u.Username != "wendy" || u.FirstName != nil {
		t.Errorf("profile not synced: %+v", u)
	}

	if err := svc.HandleProviderEvent(ctx, Event{Type: EventUserDeleted, Profile: model.Profile{SubjectID: "user_w"}}); err != nil {
		t.Fatalf("user.deleted error = %v", err)
	}
	u, _ = repo.FindBySubjectID(ctx, "user_w")
	if u.IsActive {
		t.Error("user should be deactivated after user.deleted")
	}

	if err := svc.HandleProviderEvent(ctx, Event{Type: EventUserDeleted, Profile: model.Profile{SubjectID: "user_unknown"}}); err != nil {
		t.Errorf("user.deleted for unknown user should be a no-op, got %v", err)
	}
	if err := svc.HandleProviderEvent(ctx, Event{Type: "session.created"}); err != nil {
		t.Errorf("unknown event should be ignored, got %v", err)
	}
}

// IdPイベントはログインではないため、last_loginを記録しないことを検証
func TestHandleProviderEvent_DoesNotStampLastLogin(t *testing.T) {
	svc, repo, _ := newTestService(t, false)
	ctx := context.Background()
	created := Event{Type: EventUserCreated, Profile: model.Profile{SubjectID: "user_hook1", Email: "hook1@example.com"}}

	// 同じuser.createdが再送されても1件のまま
	for i := 0; i < 2; i++ {
		if err := svc.HandleProviderEvent(ctx, created); err != nil {
			t.Fatalf("user.created #%d error = %v", i+1, err)
		}
	}
	users, err := repo.List(ctx, model.UserFilter{}, model.Page{Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %d, want 1", len(users))
	}
	if users[0].LastLogin != nil {
		t.Errorf("last_login = %v, want nil after user.created", *users[0].LastLogin)
	}

	err = svc.HandleProviderEvent(ctx, Event{Type: EventUserUpdated, Profile: model.Profile{
		SubjectID: "user_hook1", Email: "hook1@example.com", FirstName: strPtr("Hook"),
	}})
	if err != nil {
		t.Fatalf("user.updated error = %v", err)
	}
	u, _ := repo.FindBySubjectID(ctx, "user_hook1")
	if u.LastLogin != nil {
		t.Errorf("last_login = %v, want nil after user.updated", *u.LastLogin)
	}

	// 実際のログインでは記録される
	u, err = svc.EnsureUser(ctx, model.Profile{SubjectID: "user_hook1", Email: "hook1@example.com"})
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	if u.LastLogin == nil {
		t.Error("last_login should be set after EnsureUser")
	}
}
