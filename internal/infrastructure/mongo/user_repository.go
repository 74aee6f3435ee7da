package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// UserRepository は users コレクション (タグ・完了済み集合・進捗) を扱う。
type UserRepository struct {
	users *mongo.Collection
}

func NewUserRepository(db *mongo.Database, userCollection string) *UserRepository {
	return &UserRepository{users: db.Collection(userCollection)}
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (*domain.UserProfile, error) {
	raw, err := r.users.FindOne(ctx, bson.M{"_id": userID}).Raw()
	if err != nil {
		return nil, translate("find user", "user", userID, err)
	}
	return DecodeUser(raw)
}

// Create は初期値でユーザーを作成する。進捗保存などで先に作られた
// ドキュメントには、欠けているフィールドだけを補う。既存の値は変更しない。
func (r *UserRepository) Create(ctx context.Context, profile *domain.UserProfile) error {
	_, err := r.users.UpdateOne(ctx, bson.M{"_id": profile.ID}, createUserPipeline(profile), options.Update().SetUpsert(true))
	return translate("create user", "user", profile.ID, err)
}

func (r *UserRepository) UpdateTags(ctx context.Context, userID string, tags []string) error {
	result, err := r.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{"tags": nonNil(tags)}})
	if err != nil {
		return translate("update tags", "user", userID, err)
	}
	if result.MatchedCount == 0 {
		return domain.NotFound("user", userID)
	}
	return nil
}

// SaveProgress は ongoingSurveys.<surveyId> を丸ごと上書きする (後勝ち)。
func (r *UserRepository) SaveProgress(ctx context.Context, userID, surveyID string, progress domain.Progress) error {
	_, err := r.users.UpdateOne(ctx, bson.M{"_id": userID}, saveProgressUpdate(surveyID, progress), options.Update().SetUpsert(true))
	return translate("save progress", "user", userID, err)
}

// MarkExpired は完了済み・期限切れ集合へ追加し、進捗を削除する。何度呼んでも結果は同じ。
func (r *UserRepository) MarkExpired(ctx context.Context, userID, surveyID string) error {
	_, err := r.users.UpdateOne(ctx, bson.M{"_id": userID}, markExpiredUpdate(surveyID), options.Update().SetUpsert(true))
	return translate("mark expired", "user", userID, err)
}

// createUserPipeline は $ifNull で未設定のフィールドだけを初期値で埋める更新パイプライン。
func createUserPipeline(profile *domain.UserProfile) mongo.Pipeline {
	ongoing := bson.M{}
	for surveyID, p := range profile.Ongoing {
		ongoing[surveyID] = newProgressDocument(p)
	}
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "email", Value: ifNull("email", profile.Email)},
			{Key: "displayName", Value: ifNull("displayName", profile.DisplayName)},
			{Key: "tags", Value: ifNull("tags", nonNil(profile.Tags))},
			{Key: "completedSurveys", Value: ifNull("completedSurveys", nonNil(profile.CompletedSurveys))},
			{Key: "expiredSurveys", Value: ifNull("expiredSurveys", nonNil(profile.ExpiredSurveys))},
			{Key: "ongoingSurveys", Value: ifNull("ongoingSurveys", ongoing)},
		}}},
	}
}

func ifNull(field string, fallback any) bson.M {
	return bson.M{"$ifNull": bson.A{"$" + field, bson.M{"$literal": fallback}}}
}

func saveProgressUpdate(surveyID string, progress domain.Progress) bson.M {
	return bson.M{"$set": bson.M{"ongoingSurveys." + surveyID: newProgressDocument(progress)}}
}

func markExpiredUpdate(surveyID string) bson.M {
	return bson.M{
		"$addToSet": bson.M{
			"completedSurveys": surveyID,
			"expiredSurveys":   surveyID,
		},
		"$unset": bson.M{"ongoingSurveys." + surveyID: ""},
	}
}

// completeSurveyUpdate は提出時のユーザー更新。期限切れ集合には触れない。
func completeSurveyUpdate(surveyID string) bson.M {
	return bson.M{
		"$addToSet": bson.M{"completedSurveys": surveyID},
		"$unset":    bson.M{"ongoingSurveys." + surveyID: ""},
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
