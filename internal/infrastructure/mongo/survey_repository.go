package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// SurveyRepository はアンケート定義コレクションを扱う実装リポジトリ。
type SurveyRepository struct {
	surveys *mongo.Collection
	logger  *zap.Logger
}

// NewSurveyRepository はアンケート定義コレクションを束縛したリポジトリを構築する。
func NewSurveyRepository(db *mongo.Database, surveyCollection string, logger *zap.Logger) *SurveyRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SurveyRepository{surveys: db.Collection(surveyCollection), logger: logger}
}

// FindAll は全アンケートを返す。スキーマに合わないドキュメントはログに残して読み飛ばす。
func (r *SurveyRepository) FindAll(ctx context.Context) ([]domain.Survey, error) {
	cursor, err := r.surveys.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, translate("find surveys", "survey", "", err)
	}
	defer cursor.Close(ctx)

	surveys := make([]domain.Survey, 0)
	for cursor.Next(ctx) {
		survey, err := DecodeSurvey(cursor.Current)
		if err != nil {
			r.logger.Warn("不正なアンケートドキュメントをスキップしました", zap.Error(err))
			continue
		}
		surveys = append(surveys, survey)
	}
	if err := cursor.Err(); err != nil {
		return nil, translate("find surveys", "survey", "", err)
	}
	return surveys, nil
}

// FindByID はアンケート ID から単一ドキュメントを取得する。
func (r *SurveyRepository) FindByID(ctx context.Context, id string) (*domain.Survey, error) {
	raw, err := r.surveys.FindOne(ctx, bson.M{"_id": id}).Raw()
	if err != nil {
		return nil, translate("find survey", "survey", id, err)
	}
	survey, err := DecodeSurvey(raw)
	if err != nil {
		return nil, err
	}
	return &survey, nil
}

// Save はアンケートを ID 単位で置き換える (存在しなければ作成)。
func (r *SurveyRepository) Save(ctx context.Context, survey *domain.Survey) error {
	if err := survey.Validate(); err != nil {
		return &domain.DecodeError{Collection: "surveys", ID: survey.ID, Cause: err}
	}
	doc := newSurveyDocument(survey)
	_, err := r.surveys.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return translate("save survey", "survey", survey.ID, err)
}

// DeleteByTag は指定タグを持つアンケートをまとめて削除し、削除件数を返す。
func (r *SurveyRepository) DeleteByTag(ctx context.Context, tag string) (int, error) {
	result, err := r.surveys.DeleteMany(ctx, bson.M{"tags": tag})
	if err != nil {
		return 0, translate("delete surveys", "survey", tag, err)
	}
	return int(result.DeletedCount), nil
}
