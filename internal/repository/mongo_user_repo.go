package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/blogman/internal/model"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoUser はusersコレクションのドキュメント表現。
type mongoUser struct {
	ID                bson.ObjectID `bson:"_id,omitempty"`
	ExternalSubjectID string        `bson:"external_subject_id"`
	Email             string        `bson:"email"`
	Username          *string       `bson:"username,omitempty"`
	FirstName         *string       `bson:"first_name,omitempty"`
	LastName          *string       `bson:"last_name,omitempty"`
	ProfileImage      *string       `bson:"profile_image,omitempty"`
	Role              string        `bson:"role"`
	IsActive          bool          `bson:"is_active"`
	CreatedAt         time.Time     `bson:"created_at"`
	UpdatedAt         time.Time     `bson:"updated_at"`
	LastLogin         *time.Time    `bson:"last_login,omitempty"`
}

func (d *mongoUser) toModel() *model.User {
	return &model.User{
		ID:                d.ID.Hex(),
		ExternalSubjectID: d.ExternalSubjectID,
		Email:             d.Email,
		Username:          d.Username,
		FirstName:         d.FirstName,
		LastName:          d.LastName,
		ProfileImage:      d.ProfileImage,
		Role:              model.Role(d.Role),
		IsActive:          d.IsActive,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		LastLogin:         d.LastLogin,
	}
}

// MongoUserRepo はMongoDBを使用したユーザーリポジトリ。
type MongoUserRepo struct {
	coll *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(db *mongo.Database) *MongoUserRepo {
	return &MongoUserRepo{coll: db.Collection(usersCollection)}
}

// Create はユーザーを作成する。
func (r *MongoUserRepo) Create(ctx context.Context, user *model.User) error {
	doc := mongoUser{
		ID:                bson.NewObjectID(),
		ExternalSubjectID: user.ExternalSubjectID,
		Email:             user.Email,
		Username:          user.Username,
		FirstName:         user.FirstName,
		LastName:          user.LastName,
		ProfileImage:      user.ProfileImage,
		Role:              string(user.Role),
		IsActive:          user.IsActive,
		CreatedAt:         user.CreatedAt,
		UpdatedAt:         user.UpdatedAt,
		LastLogin:         user.LastLogin,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return mongoError("insert user", err)
	}
	user.ID = doc.ID.Hex()
	return nil
}

// FindByID は指定IDのユーザーを取得する。
func (r *MongoUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return nil, nil
	}
	return r.findOne(ctx, bson.M{"_id": oid}, "find user by ID")
}

// FindBySubjectID はsubject idでユーザーを検索する。
func (r *MongoUserRepo) FindBySubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	return r.findOne(ctx, bson.M{"external_subject_id": subjectID}, "find user by subject ID")
}

func (r *MongoUserRepo) findOne(ctx context.Context, filter bson.M, op string) (*model.User, error) {
	var doc mongoUser
	err := r.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mongoError(op, err)
	}
	return doc.toModel(), nil
}

// ExistsBySubjectID はsubject idが登録済みかを返す。
func (r *MongoUserRepo) ExistsBySubjectID(ctx context.Context, subjectID string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx,
		bson.M{"external_subject_id": subjectID}, options.Count().SetLimit(1))
	if err != nil {
		return false, mongoError("check user subject ID", err)
	}
	return n > 0, nil
}

// List は条件に一致するユーザーをcreated_at降順で返す。
func (r *MongoUserRepo) List(ctx context.Context, filter model.UserFilter, page model.Page) ([]*model.User, error) {
	q := bson.M{}
	if filter.Role != nil {
		q["role"] = string(*filter.Role)
	}
	if filter.Active != nil {
		q["is_active"] = *filter.Active
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	cursor, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, mongoError("list users", err)
	}
	var docs []mongoUser
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoError("decode users", err)
	}

	users := make([]*model.User, 0, len(docs))
	for i := range docs {
		users = append(users, docs[i].toModel())
	}
	return users, nil
}

// Update は指定されたフィールドのみを更新する。
func (r *MongoUserRepo) Update(ctx context.Context, id string, changes model.UserChanges, now time.Time) (*model.User, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return nil, nil
	}
	return r.findOneAndUpdate(ctx, bson.M{"_id": oid}, buildMongoUserUpdate(changes, now), "update user")
}

// buildMongoUserUpdate は部分更新の$set・$unsetドキュメントを構築する。
func buildMongoUserUpdate(c model.UserChanges, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	unset := bson.M{}

	mongoNullable(set, unset, "username", c.Username)
	mongoNullable(set, unset, "first_name", c.FirstName)
	mongoNullable(set, unset, "last_name", c.LastName)
	mongoNullable(set, unset, "profile_image", c.ProfileImage)
	if v := c.Email.Ptr(); v != nil {
		set["email"] = *v
	}
	if v := c.Role.Ptr(); v != nil {
		set["role"] = string(*v)
	}
	if v := c.IsActive.Ptr(); v != nil {
		set["is_active"] = *v
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// UpdateLastLogin はlast_loginを更新する。
func (r *MongoUserRepo) UpdateLastLogin(ctx context.Context, subjectID string, now time.Time) (*model.User, error) {
	return r.findOneAndUpdate(ctx,
		bson.M{"external_subject_id": subjectID},
		bson.M{"$set": bson.M{"last_login": now, "updated_at": now}},
		"update last login",
	)
}

func (r *MongoUserRepo) findOneAndUpdate(ctx context.Context, filter, update bson.M, op string) (*model.User, error) {
	var doc mongoUser
	err := r.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mongoError(op, err)
	}
	return doc.toModel(), nil
}

// compile-time interface check
var _ UserRepository = (*MongoUserRepo)(nil)
