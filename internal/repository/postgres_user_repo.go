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
)

const userColumns = `id, external_subject_id, email, username, first_name, last_name, profile_image, role, is_active, created_at, updated_at, last_login`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var username, firstName, lastName, profileImage sql.NullString
	var role string
	var lastLogin sql.NullTime
	err := row.Scan(
		&u.ID, &u.ExternalSubjectID, &u.Email, &username, &firstName, &lastName,
		&profileImage, &role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt, &lastLogin,
	)
	if err != nil {
		return nil, err
	}
	u.Username = nullStringPtr(username)
	u.FirstName = nullStringPtr(firstName)
	u.LastName = nullStringPtr(lastName)
	u.ProfileImage = nullStringPtr(profileImage)
	u.Role = model.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		user.ID, user.ExternalSubjectID, user.Email, user.Username, user.FirstName, user.LastName,
		user.ProfileImage, string(user.Role), user.IsActive, user.CreatedAt, user.UpdatedAt, user.LastLogin,
	)
	if err != nil {
		return pgError("insert user", err)
	}
	return nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find user by ID", err)
	}
	return u, nil
}

// FindBySubjectID はsubject idでユーザーを検索する。
func (r *PostgresUserRepo) FindBySubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_subject_id = $1`, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find user by subject ID", err)
	}
	return u, nil
}

// ExistsBySubjectID はsubject idが登録済みかを返す。
func (r *PostgresUserRepo) ExistsBySubjectID(ctx context.Context, subjectID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE external_subject_id = $1)`, subjectID,
	).Scan(&exists)
	if err != nil {
		return false, pgError("check user subject ID", err)
	}
	return exists, nil
}

// List は条件に一致するユーザーをcreated_at降順で返す。
func (r *PostgresUserRepo) List(ctx context.Context, filter model.UserFilter, page model.Page) ([]*model.User, error) {
	var conds []string
	var args []any
	if filter.Role != nil {
		args = append(args, string(*filter.Role))
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conds = append(conds, fmt.Sprintf("is_active = $%d", len(args)))
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, page.Limit, page.Skip)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgError("list users", err)
	}
	defer rows.Close()

	users := []*model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, pgError("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate users", err)
	}
	return users, nil
}

// Update は指定されたフィールドのみを更新する。
func (r *PostgresUserRepo) Update(ctx context.Context, id string, changes model.UserChanges, now time.Time) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	query, args := buildUserUpdateQuery(id, changes, now)
	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("update user", err)
	}
	return u, nil
}

// buildUserUpdateQuery は部分更新のSQLと引数を構築する。
// external_subject_idとcreated_atは更新対象に含めない。
func buildUserUpdateQuery(id string, c model.UserChanges, now time.Time) (string, []any) {
	u := newSetBuilder()
	u.setNullable("username", c.Username)
	u.setNullable("first_name", c.FirstName)
	u.setNullable("last_name", c.LastName)
	u.setNullable("profile_image", c.ProfileImage)
	u.setValue("email", c.Email)
	if v := c.Role.Ptr(); v != nil {
		u.add("role", string(*v))
	}
	if v := c.IsActive.Ptr(); v != nil {
		u.add("is_active", *v)
	}
	u.add("updated_at", now)

	args := append(u.args, id)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(u.sets, ", "), len(args), userColumns)
	return query, args
}

// UpdateLastLogin はlast_loginを更新する。
func (r *PostgresUserRepo) UpdateLastLogin(ctx context.Context, subjectID string, now time.Time) (*model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET last_login = $1, updated_at = $1
		 WHERE external_subject_id = $2 RETURNING `+userColumns,
		now, subjectID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("update last login", err)
	}
	return u, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
