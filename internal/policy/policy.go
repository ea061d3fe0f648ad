// Package policy は記事・ユーザー・画像に対する認可判定を提供する。
//
// すべての関数は副作用もI/Oも持たない純粋関数であり、
// ストアやIdPに依存せず単体でテストできる。
package policy

import (
	"strings"

	"github.com/hitoshi/blogman/internal/model"
)

// Decision は認可判定の結果を表す。
type Decision int

const (
	// Allow は操作を許可する。
	Allow Decision = iota
	// Forbidden はリソースは存在し閲覧もできるが、操作権限が無いことを表す。
	Forbidden
	// NotFound はリソースが存在しない、または呼び出し元から隠されていることを表す。
	NotFound
)

// String はDecisionの文字列表現を返す。
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// PostVisibility は記事の可視性判定に必要な最小限の情報。
type PostVisibility struct {
	AuthorID    string
	IsPublished bool
}

// VisibilityOf は記事からPostVisibilityを取り出す。記事がnilの場合はnilを返す。
func VisibilityOf(p *model.Post) *PostVisibility {
	if p == nil {
		return nil
	}
	return &PostVisibility{AuthorID: p.AuthorID, IsPublished: p.IsPublished}
}

// Action は記事に対する操作種別。
type Action string

const (
	ActionView   Action = "view"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// CanViewPost は記事を閲覧できるかを判定する。
// 公開済みなら誰でも閲覧でき、未公開なら著者本人か管理者のみ閲覧できる。
func CanViewPost(identity *model.Identity, post PostVisibility) bool {
	if post.IsPublished {
		return true
	}
	if identity == nil {
		return false
	}
	return identity.SubjectID == post.AuthorID || identity.Role == model.RoleAdmin
}

// CanMutatePost は記事を更新・削除できるかを判定する。
func CanMutatePost(identity model.Identity, ownerID string) Decision {
	if identity.Role == model.RoleAdmin || identity.SubjectID == ownerID {
		return Allow
	}
	return Forbidden
}

// CanCreatePost は記事を作成できるかを判定する。著者と管理者のみ許可する。
func CanCreatePost(identity model.Identity) Decision {
	switch identity.Role {
	case model.RoleAuthor, model.RoleAdmin:
		return Allow
	default:
		return Forbidden
	}
}

// CanListAllUsers はユーザー一覧を取得できるかを判定する。
func CanListAllUsers(identity model.Identity) Decision {
	if identity.Role == model.RoleAdmin {
		return Allow
	}
	return Forbidden
}

// CanManageUser は他ユーザーの作成・更新・無効化ができるかを判定する。
func CanManageUser(identity model.Identity) Decision {
	return CanListAllUsers(identity)
}

// CanViewUser はユーザー詳細を閲覧できるかを判定する。
// 本人以外の一般ユーザーに対しては存在を明かさない。
func CanViewUser(identity model.Identity, targetSubjectID string) Decision {
	if identity.Role == model.RoleAdmin || identity.SubjectID == targetSubjectID {
		return Allow
	}
	return NotFound
}

// CanTrackLogin はログイン時刻の記録ができるかを判定する。
func CanTrackLogin(identity model.Identity, subjectID string) Decision {
	if identity.Role == model.RoleAdmin || identity.SubjectID == subjectID {
		return Allow
	}
	return Forbidden
}

// CanDeleteImage は画像を削除できるかを判定する。
// public_idは "{folder}/{subject_id}/..." の形式で、2番目のセグメントが
// 呼び出し元のsubject idと一致する場合のみ所有者とみなす。
// folderは利用者が指定できるため、他のセグメントは判定に使わない。
func CanDeleteImage(identity model.Identity, publicID string) Decision {
	if identity.Role == model.RoleAdmin {
		return Allow
	}
	if identity.SubjectID == "" {
		return Forbidden
	}
	segments := strings.SplitN(publicID, "/", 3)
	if len(segments) == 3 && segments[0] != "" && segments[1] == identity.SubjectID && segments[2] != "" {
		return Allow
	}
	return Forbidden
}

// PostAccess は存在確認・可視性・権限をまとめて判定する。
// 記事が存在しない場合は権限を評価せずNotFoundを返す。
// 呼び出し元から見えない記事はForbiddenではなくNotFoundとする。
func PostAccess(identity *model.Identity, post *PostVisibility, action Action) Decision {
	if post == nil {
		return NotFound
	}
	if !CanViewPost(identity, *post) {
		return NotFound
	}
	if action == ActionView {
		return Allow
	}
	if identity == nil {
		return Forbidden
	}
	return CanMutatePost(*identity, post.AuthorID)
}

// VisiblePostFilter は呼び出し元が閲覧できる範囲に一覧条件を絞り込む。
// 組み合わせとして成立しない場合はok=falseを返し、呼び出し元は空の結果を返す。
func VisiblePostFilter(identity *model.Identity, status model.PostStatus, tag, authorID string) (model.PostFilter, bool) {
	filter := model.PostFilter{Tag: tag, AuthorID: authorID}
	published := true
	draft := false

	switch status {
	case "", model.PostStatusPublished:
		filter.Published = &published
		return filter, true
	case model.PostStatusDraft, model.PostStatusAll:
	default:
		return model.PostFilter{}, false
	}

	if identity.IsAdmin() {
		if status == model.PostStatusDraft {
			filter.Published = &draft
		}
		return filter, true
	}

	if identity == nil {
		if status == model.PostStatusDraft {
			return model.PostFilter{}, false
		}
		filter.Published = &published
		return filter, true
	}

	if status == model.PostStatusDraft {
		if authorID != "" && authorID != identity.SubjectID {
			return model.PostFilter{}, false
		}
		filter.AuthorID = identity.SubjectID
		filter.Published = &draft
		return filter, true
	}

	// all: 公開済み記事と自分の下書き
	filter.DraftsVisibleTo = identity.SubjectID
	return filter, true
}
