package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/blogman/internal/model"
	"github.com/hitoshi/blogman/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// GetMe は呼び出し元のユーザーを返す。未登録の場合は自動作成する。
	GetMe(ctx context.Context, identity model.Identity) (*model.User, error)
	// UpdateMe は呼び出し元のプロフィールを部分更新する。
	UpdateMe(ctx context.Context, identity model.Identity, changes model.UserChanges) (*model.User, error)
	// TrackLogin はlast_loginを記録する。
	TrackLogin(ctx context.Context, identity model.Identity, subjectID string) (*model.User, error)
	// List はユーザー一覧を返す。管理者のみ。
	List(ctx context.Context, identity model.Identity, filter model.UserFilter, page model.Page) ([]*model.User, error)
	// Get は指定IDのユーザーを返す。管理者または本人のみ。
	Get(ctx context.Context, identity model.Identity, id string) (*model.User, error)
	// Create はユーザーを作成する。管理者のみ。
	Create(ctx context.Context, identity model.Identity, input user.CreateInput) (*model.User, error)
	// AdminUpdate はユーザーを部分更新する。管理者のみ。
	AdminUpdate(ctx context.Context, identity model.Identity, id string, changes model.UserChanges) (*model.User, error)
	// Deactivate はユーザーを論理削除する。管理者のみ。
	Deactivate(ctx context.Context, identity model.Identity, id string) (*model.User, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID           string     `json:"id"`
	ClerkID      string     `json:"clerk_id"`
	Email        string     `json:"email"`
	Username     *string    `json:"username"`
	FirstName    *string    `json:"first_name"`
	LastName     *string    `json:"last_name"`
	ProfileImage *string    `json:"profile_image"`
	Role         model.Role `json:"role"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login"`
}

// loginRequest はログイン記録リクエストのボディ。
type loginRequest struct {
	ClerkID string `json:"clerk_id"`
}

// GetMe は呼び出し元のユーザー情報を返す。
// GET /api/v1/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetMe(r.Context(), identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// UpdateMe は呼び出し元のプロフィールを部分更新する。
// PUT /api/v1/users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var changes model.UserChanges
	if !decodeJSON(w, r, &changes) {
		return
	}

	u, err := h.service.UpdateMe(r.Context(), identity, changes)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// TrackLogin はログインを記録する。
// POST /api/v1/users/login
func (h *UserHandler) TrackLogin(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	clerkID := strings.TrimSpace(req.ClerkID)
	if !strings.HasPrefix(clerkID, "user_") {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("clerk_id: must start with user_"))
		return
	}

	u, err := h.service.TrackLogin(r.Context(), identity, clerkID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"last_login": u.LastLogin,
	})
}

// ListUsers はユーザー一覧を返す。
// GET /api/v1/users?role=&active=&skip=&limit=
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	skip, ok := queryInt(w, r, "skip", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}

	var filter model.UserFilter
	if raw := r.URL.Query().Get("role"); raw != "" {
		role := model.Role(raw)
		filter.Role = &role
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("active: must be a boolean"))
			return
		}
		filter.Active = &active
	}

	users, err := h.service.List(r.Context(), identity, filter, model.Page{Skip: skip, Limit: limit})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]userResponse, len(users))
	for i, u := range users {
		results[i] = toUserResponse(u)
	}
	writeJSON(w, http.StatusOK, results)
}

// CreateUser は管理者がユーザーを作成する。
// POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req user.CreateInput
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.Create(r.Context(), identity, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// GetUser は指定IDのユーザーを返す。
// GET /api/v1/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	u, err := h.service.Get(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// UpdateUser は管理者がユーザーを部分更新する。
// PUT /api/v1/users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var changes model.UserChanges
	if !decodeJSON(w, r, &changes) {
		return
	}

	u, err := h.service.AdminUpdate(r.Context(), identity, chi.URLParam(r, "id"), changes)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// DeactivateUser はユーザーを論理削除する。
// DELETE /api/v1/users/{id}
func (h *UserHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if _, err := h.service.Deactivate(r.Context(), identity, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:           u.ID,
		ClerkID:      u.ExternalSubjectID,
		Email:        u.Email,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		ProfileImage: u.ProfileImage,
		Role:         u.Role,
		IsActive:     u.IsActive,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastLogin:    u.LastLogin,
	}
}
