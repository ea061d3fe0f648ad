//go:build !devauth

package auth

import "github.com/hitoshi/blogman/internal/model"

// DevAuthEnabled は開発用トークンが有効なビルドかを表す。
const DevAuthEnabled = false

func devIdentity(string) (*model.Identity, bool) {
	return nil, false
}
