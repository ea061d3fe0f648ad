package repository

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	postsCollection = "posts"
	usersCollection = "users"
)

// 一意インデックス名。重複エラーの対象フィールド判定に使用する。
const (
	idxPostSlug        = "slug_unique"
	idxUserSubjectID   = "external_subject_id_unique"
	idxUserEmail       = "active_email_unique"
	idxUserUsername    = "username_unique"
	idxPostAuthorDate  = "author_created_at"
	idxPostCreatedDate = "created_at_desc"
	idxPostTags        = "tags"
)

const (
	legacyIdxUserEmail = "email_unique"

	mongoCodeNamespaceNotFound = 26
	mongoCodeIndexNotFound     = 27
)

// mongoIndexFields はインデックス名とフィールド名の対応。
var mongoIndexFields = map[string]string{
	idxPostSlug:      "slug",
	idxUserSubjectID: "external_subject_id",
	idxUserEmail:     "email",
	idxUserUsername:  "username",
}

// EnsureMongoIndexes はposts・usersコレクションに必要なインデックスを作成する。
// 一意インデックスがスラッグ・subject idの重複に対する最終的な保証となる。
// 既に存在するインデックスに対しては何もしない。
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(postsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "slug", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxPostSlug),
		},
		{
			Keys:    bson.D{{Key: "author_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName(idxPostAuthorDate),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName(idxPostCreatedDate),
		},
		{
			Keys:    bson.D{{Key: "tags", Value: 1}},
			Options: options.Index().SetName(idxPostTags),
		},
	})
	if err != nil {
		return unavailable("create post indexes", err)
	}

	// 旧バージョンが作成した無条件のメール一意インデックスは有効ユーザー限定のものに置き換える
	if err := dropIndexIfExists(ctx, db.Collection(usersCollection), legacyIdxUserEmail); err != nil {
		return unavailable("drop legacy email index", err)
	}

	_, err = db.Collection(usersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "external_subject_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxUserSubjectID),
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxUserEmail).
				SetPartialFilterExpression(bson.M{"is_active": true}),
		},
		{
			Keys: bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxUserUsername).
				SetPartialFilterExpression(bson.M{"username": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return unavailable("create user indexes", err)
	}
	return nil
}

// dropIndexIfExists はインデックスを削除する。インデックスやコレクションが無い場合は何もしない。
func dropIndexIfExists(ctx context.Context, coll *mongo.Collection, name string) error {
	err := coll.Indexes().DropOne(ctx, name)
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.Code == mongoCodeNamespaceNotFound || cmdErr.Code == mongoCodeIndexNotFound) {
		return nil
	}
	return err
}

// mongoError はMongoDBドライバのエラーをリポジトリのエラーに変換する。
func mongoError(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return &DuplicateKeyError{Field: fieldFromMongoError(err), Err: err}
	}
	return unavailable(op, err)
}

// fieldFromMongoError は重複キーエラーのメッセージからインデックス名を探し、フィールド名を返す。
func fieldFromMongoError(err error) string {
	msg := err.Error()
	for index, field := range mongoIndexFields {
		if strings.Contains(msg, "index: "+index) {
			return field
		}
	}
	return "unknown"
}

// parseObjectID はIDをObjectIDに変換する。不正な形式の場合はok=falseを返す。
func parseObjectID(id string) (bson.ObjectID, bool) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, false
	}
	return oid, true
}

// MongoPinger はMongoDBの疎通確認を行う。
type MongoPinger struct {
	client *mongo.Client
}

// NewMongoPinger はMongoPingerを生成する。
func NewMongoPinger(client *mongo.Client) *MongoPinger {
	return &MongoPinger{client: client}
}

// Ping はMongoDBに接続できるかを確認する。
func (p *MongoPinger) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx, nil); err != nil {
		return unavailable("ping mongodb", err)
	}
	return nil
}

// NewMongoStore はMongoDBバックエンドのStoreを生成する。
func NewMongoStore(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		Posts:  NewMongoPostRepo(db),
		Users:  NewMongoUserRepo(db),
		Pinger: NewMongoPinger(client),
		Close: func() error {
			return client.Disconnect(context.Background())
		},
	}
}

var _ Pinger = (*MongoPinger)(nil)
