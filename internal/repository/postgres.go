package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/blogman/internal/model"
	"github.com/lib/pq"
)

// pgUniqueViolation は一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// pgError はlib/pqのエラーをリポジトリのエラーに変換する。
func pgError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return &DuplicateKeyError{Field: fieldFromConstraint(pqErr.Constraint), Err: err}
	}
	return unavailable(op, err)
}

// fieldFromConstraint は "users_email_key" のような制約名からフィールド名を取り出す。
func fieldFromConstraint(constraint string) string {
	name := strings.TrimSuffix(constraint, "_key")
	for _, table := range []string{"posts_", "users_"} {
		if strings.HasPrefix(name, table) {
			return strings.TrimPrefix(name, table)
		}
	}
	return name
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// setBuilder はUPDATE文のSET句をプレースホルダ付きで組み立てる。
type setBuilder struct {
	sets []string
	args []any
}

func newSetBuilder() *setBuilder {
	return &setBuilder{}
}

func (b *setBuilder) add(column string, value any) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

// setValue はnull不可のカラムに値が指定された場合のみSETに追加する。
func (b *setBuilder) setValue(column string, f model.Field[string]) {
	if v := f.Ptr(); v != nil {
		b.add(column, *v)
	}
}

// setNullable はnull可のカラムを更新する。null指定の場合はNULLを設定する。
func (b *setBuilder) setNullable(column string, f model.Field[string]) {
	if !f.Present {
		return
	}
	if f.Null {
		b.add(column, nil)
		return
	}
	b.add(column, f.Value)
}

// PostgresPinger はPostgreSQLの疎通確認を行う。
type PostgresPinger struct {
	db *sql.DB
}

// NewPostgresPinger はPostgresPingerを生成する。
func NewPostgresPinger(db *sql.DB) *PostgresPinger {
	return &PostgresPinger{db: db}
}

// Ping はDBに接続できるかを確認する。
func (p *PostgresPinger) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

// NewPostgresStore はPostgreSQLバックエンドのStoreを生成する。
func NewPostgresStore(db *sql.DB) *Store {
	return &Store{
		Posts:  NewPostgresPostRepo(db),
		Users:  NewPostgresUserRepo(db),
		Pinger: NewPostgresPinger(db),
		Close:  db.Close,
	}
}

var _ Pinger = (*PostgresPinger)(nil)
