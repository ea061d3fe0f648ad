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

// mongoPost はpostsコレクションのドキュメント表現。
type mongoPost struct {
	ID            bson.ObjectID `bson:"_id,omitempty"`
	Slug          string        `bson:"slug"`
	Title         string        `bson:"title"`
	Content       string        `bson:"content"`
	Excerpt       *string       `bson:"excerpt,omitempty"`
	Tags          []string      `bson:"tags"`
	IsPublished   bool          `bson:"is_published"`
	AuthorID      string        `bson:"author_id"`
	FeaturedImage *string       `bson:"featured_image,omitempty"`
	CreatedAt     time.Time     `bson:"created_at"`
	UpdatedAt     time.Time     `bson:"updated_at"`
}

func (d *mongoPost) toModel() *model.Post {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return &model.Post{
		ID:            d.ID.Hex(),
		Slug:          d.Slug,
		Title:         d.Title,
		Content:       d.Content,
		Excerpt:       d.Excerpt,
		Tags:          tags,
		IsPublished:   d.IsPublished,
		AuthorID:      d.AuthorID,
		FeaturedImage: d.FeaturedImage,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// MongoPostRepo はMongoDBを使用した記事リポジトリ。
type MongoPostRepo struct {
	coll *mongo.Collection
}

// NewMongoPostRepo はMongoPostRepoを生成する。
func NewMongoPostRepo(db *mongo.Database) *MongoPostRepo {
	return &MongoPostRepo{coll: db.Collection(postsCollection)}
}

// Create は記事を作成する。
func (r *MongoPostRepo) Create(ctx context.Context, post *model.Post) error {
	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}
	doc := mongoPost{
		ID:            bson.NewObjectID(),
		Slug:          post.Slug,
		Title:         post.Title,
		Content:       post.Content,
		Excerpt:       post.Excerpt,
		Tags:          tags,
		IsPublished:   post.IsPublished,
		AuthorID:      post.AuthorID,
		FeaturedImage: post.FeaturedImage,
		CreatedAt:     post.CreatedAt,
		UpdatedAt:     post.UpdatedAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return mongoError("insert post", err)
	}
	post.ID = doc.ID.Hex()
	return nil
}

// FindByID は指定IDの記事を取得する。ObjectIDとして不正なIDにはnilを返す。
func (r *MongoPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return nil, nil
	}
	return r.findOne(ctx, bson.M{"_id": oid}, "find post by ID")
}

// FindBySlug はスラッグで記事を検索する。
func (r *MongoPostRepo) FindBySlug(ctx context.Context, slug string) (*model.Post, error) {
	return r.findOne(ctx, bson.M{"slug": slug}, "find post by slug")
}

func (r *MongoPostRepo) findOne(ctx context.Context, filter bson.M, op string) (*model.Post, error) {
	var doc mongoPost
	err := r.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mongoError(op, err)
	}
	return doc.toModel(), nil
}

// ExistsBySlug はスラッグが使用済みかを返す。
func (r *MongoPostRepo) ExistsBySlug(ctx context.Context, slug, excludeID string) (bool, error) {
	filter := bson.M{"slug": slug}
	if oid, ok := parseObjectID(excludeID); ok {
		filter["_id"] = bson.M{"$ne": oid}
	}
	n, err := r.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, mongoError("check post slug", err)
	}
	return n > 0, nil
}

// List は条件に一致する記事をcreated_at降順で返す。
func (r *MongoPostRepo) List(ctx context.Context, filter model.PostFilter, page model.Page) ([]*model.Post, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	cursor, err := r.coll.Find(ctx, buildMongoPostFilter(filter), opts)
	if err != nil {
		return nil, mongoError("list posts", err)
	}
	var docs []mongoPost
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoError("decode posts", err)
	}

	posts := make([]*model.Post, 0, len(docs))
	for i := range docs {
		posts = append(posts, docs[i].toModel())
	}
	return posts, nil
}

// buildMongoPostFilter はPostFilterをMongoDBのクエリに変換する。
func buildMongoPostFilter(filter model.PostFilter) bson.M {
	q := bson.M{}
	if filter.Tag != "" {
		q["tags"] = filter.Tag
	}
	if filter.AuthorID != "" {
		q["author_id"] = filter.AuthorID
	}
	if filter.Published != nil {
		q["is_published"] = *filter.Published
	}
	if filter.DraftsVisibleTo != "" {
		q["$or"] = bson.A{
			bson.M{"is_published": true},
			bson.M{"author_id": filter.DraftsVisibleTo},
		}
	}
	return q
}

// Update は指定されたフィールドのみを更新する。
func (r *MongoPostRepo) Update(ctx context.Context, id string, changes model.PostChanges, now time.Time) (*model.Post, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return nil, nil
	}

	var doc mongoPost
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		buildMongoPostUpdate(changes, now),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mongoError("update post", err)
	}
	return doc.toModel(), nil
}

// buildMongoPostUpdate は部分更新の$set・$unsetドキュメントを構築する。
func buildMongoPostUpdate(c model.PostChanges, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	unset := bson.M{}

	if v := c.Slug.Ptr(); v != nil {
		set["slug"] = *v
	}
	if v := c.Title.Ptr(); v != nil {
		set["title"] = *v
	}
	if v := c.Content.Ptr(); v != nil {
		set["content"] = *v
	}
	mongoNullable(set, unset, "excerpt", c.Excerpt)
	if c.Tags.Present {
		tags := c.Tags.Value
		if c.Tags.Null || tags == nil {
			tags = []string{}
		}
		set["tags"] = tags
	}
	if v := c.IsPublished.Ptr(); v != nil {
		set["is_published"] = *v
	}
	mongoNullable(set, unset, "featured_image", c.FeaturedImage)

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// mongoNullable はnull可のフィールドを$setまたは$unsetに振り分ける。
func mongoNullable(set, unset bson.M, key string, f model.Field[string]) {
	if !f.Present {
		return
	}
	if f.Null {
		unset[key] = ""
		return
	}
	set[key] = f.Value
}

// Delete は記事を削除する。
func (r *MongoPostRepo) Delete(ctx context.Context, id string) (bool, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return false, nil
	}
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return false, mongoError("delete post", err)
	}
	return res.DeletedCount > 0, nil
}

// UnpublishByAuthor は指定著者の全記事を非公開にする。
func (r *MongoPostRepo) UnpublishByAuthor(ctx context.Context, authorID string, now time.Time) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"author_id": authorID, "is_published": true},
		bson.M{"$set": bson.M{"is_published": false, "updated_at": now}},
	)
	if err != nil {
		return 0, mongoError("unpublish posts", err)
	}
	return res.ModifiedCount, nil
}

// compile-time interface check
var _ PostRepository = (*MongoPostRepo)(nil)
