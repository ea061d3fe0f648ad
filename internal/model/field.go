package model

import (
	"bytes"
	"encoding/json"
)

// Field は部分更新ペイロードの1フィールドを表す。
// JSONにキーが存在しない場合はPresent=false、nullの場合はPresent=true かつ Null=true となる。
type Field[T any] struct {
	Present bool
	Null    bool
	Value   T
}

// Set は値指定済みのFieldを返す。
func Set[T any](v T) Field[T] {
	return Field[T]{Present: true, Value: v}
}

// Null はnull指定済みのFieldを返す。
func Null[T any]() Field[T] {
	return Field[T]{Present: true, Null: true}
}

// UnmarshalJSON はjson.Unmarshalerを実装する。
// キーが存在するときのみ呼ばれるため、呼ばれた時点でPresentとなる。
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Present = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.Null = true
		var zero T
		f.Value = zero
		return nil
	}
	f.Null = false
	return json.Unmarshal(data, &f.Value)
}

// Ptr は値指定時に値へのポインタを、それ以外はnilを返す。
func (f Field[T]) Ptr() *T {
	if !f.Present || f.Null {
		return nil
	}
	v := f.Value
	return &v
}
