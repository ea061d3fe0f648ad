package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey はストアの一意制約違反を表す。
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnavailable はストアへの接続・問い合わせに失敗したことを表す。
	ErrUnavailable = errors.New("store unavailable")
)

// DuplicateKeyError は一意制約違反の対象フィールドを保持する。
// errors.Is(err, ErrDuplicateKey) で判定できる。
type DuplicateKeyError struct {
	Field string
	Err   error
}

// Error はerrorインターフェースを実装する。
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key on %s: %v", e.Field, e.Err)
}

// Unwrap は元のドライバエラーを返す。
func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// Is はErrDuplicateKeyとの比較を可能にする。
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// DuplicateField は一意制約違反の対象フィールド名を返す。違反でない場合は空文字を返す。
func DuplicateField(err error) string {
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		return dup.Field
	}
	return ""
}

// unavailable はドライバエラーをErrUnavailableでラップする。
func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
}
