// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleAdmin は全リソースを管理できる管理者ロール。
	RoleAdmin Role = "admin"
	// RoleAuthor は記事を作成できる著者ロール。
	RoleAuthor Role = "author"
	// RoleUser は閲覧のみの一般ユーザーロール。作成時のデフォルト。
	RoleUser Role = "user"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAuthor, RoleUser:
		return true
	default:
		return false
	}
}

// User はブログのユーザーを表す。
// ExternalSubjectIDはIdPが発行する不変の識別子で、1ユーザーに1つだけ対応する。
// 削除は論理削除（IsActive=false）のみで、物理削除は行わない。
type User struct {
	ID                string
	ExternalSubjectID string
	Email             string
	Username          *string
	FirstName         *string
	LastName          *string
	ProfileImage      *string
	Role              Role
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastLogin         *time.Time
}

// Profile はIdPから取得したユーザーのプロフィール情報を表す。
// Webhookイベントとトークン検証の両方から生成される。
type Profile struct {
	SubjectID    string
	Email        string
	Username     *string
	FirstName    *string
	LastName     *string
	ProfileImage *string
}

// Identity はリクエストごとにベアラートークンから解決される認証済み主体を表す。
// 永続化はしない。
type Identity struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Active    bool   `json:"active"`
}

// IsAdmin は管理者ロールかどうかを返す。
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// UserFilter はユーザー一覧の絞り込み条件。
type UserFilter struct {
	Role   *Role
	Active *bool
}

// UserChanges はユーザーの部分更新内容を表す。
// 各フィールドは「未指定」「null指定」「値指定」を区別する。
type UserChanges struct {
	Username     Field[string] `json:"username"`
	FirstName    Field[string] `json:"first_name"`
	LastName     Field[string] `json:"last_name"`
	ProfileImage Field[string] `json:"profile_image"`
	Email        Field[string] `json:"email"`
	Role         Field[Role]   `json:"role"`
	IsActive     Field[bool]   `json:"is_active"`
}

// IsEmpty は変更対象のフィールドが1つもない場合にtrueを返す。
func (c UserChanges) IsEmpty() bool {
	return !c.Username.Present &&
		!c.FirstName.Present &&
		!c.LastName.Present &&
		!c.ProfileImage.Present &&
		!c.Email.Present &&
		!c.Role.Present &&
		!c.IsActive.Present
}

// TouchesPrivileges はロールまたは有効フラグの変更を含むかどうかを返す。
func (c UserChanges) TouchesPrivileges() bool {
	return c.Role.Present || c.IsActive.Present
}

// Apply は変更内容をユーザーに適用する。UpdatedAtはnowで更新される。
// ストア実装がメモリ上で部分更新を行う際に使用する。
func (c UserChanges) Apply(u *User, now time.Time) {
	applyNullable(&u.Username, c.Username)
	applyNullable(&u.FirstName, c.FirstName)
	applyNullable(&u.LastName, c.LastName)
	applyNullable(&u.ProfileImage, c.ProfileImage)
	if c.Email.Present && !c.Email.Null {
		u.Email = c.Email.Value
	}
	if c.Role.Present && !c.Role.Null {
		u.Role = c.Role.Value
	}
	if c.IsActive.Present && !c.IsActive.Null {
		u.IsActive = c.IsActive.Value
	}
	u.UpdatedAt = now
}

func applyNullable(dst **string, f Field[string]) {
	if !f.Present {
		return
	}
	if f.Null {
		*dst = nil
		return
	}
	v := f.Value
	*dst = &v
}
