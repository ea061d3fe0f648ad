//go:build devauth

package auth

import "github.com/hitoshi/blogman/internal/model"

// DevAuthEnabled は開発用トークンが有効なビルドかを表す。
const DevAuthEnabled = true

// 開発用トークンと固定の主体。IdPへの問い合わせとユーザー作成は行わない。
var devIdentities = map[string]model.Identity{
	"dev_admin":  {SubjectID: "dev_admin", Email: "admin@dev.local", Role: model.RoleAdmin, Active: true},
	"dev_author": {SubjectID: "dev_author", Email: "author@dev.local", Role: model.RoleAuthor, Active: true},
	"dev_user":   {SubjectID: "dev_user", Email: "user@dev.local", Role: model.RoleUser, Active: true},
}

func devIdentity(token string) (*model.Identity, bool) {
	identity, ok := devIdentities[token]
	if !ok {
		return nil, false
	}
	return &identity, true
}
