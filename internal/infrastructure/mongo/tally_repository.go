package mongo

import (
	"context"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// TallyRepository は集計エントリの再集計と変更ストリームを提供する。
type TallyRepository struct {
	answers *mongo.Collection
	logger  *zap.Logger
}

func NewTallyRepository(db *mongo.Database, answerCollection string, logger *zap.Logger) *TallyRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TallyRepository{answers: db.Collection(answerCollection), logger: logger}
}

// CountOptions は設問単位で選択肢ごとの件数を全件集計する。
func (r *TallyRepository) CountOptions(ctx context.Context, key domain.QuestionKey) (domain.OptionCounts, error) {
	cursor, err := r.answers.Aggregate(ctx, countOptionsPipeline(key))
	if err != nil {
		return nil, translate("count options", "question", key.SurveyID, err)
	}
	defer cursor.Close(ctx)

	counts := domain.OptionCounts{}
	for cursor.Next(ctx) {
		var row struct {
			Option string `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, &domain.DecodeError{Collection: r.answers.Name(), ID: key.SurveyID, Cause: err}
		}
		counts[row.Option] = row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, translate("count options", "question", key.SurveyID, err)
	}
	return counts, nil
}

// WatchTallies は設問の集計エントリへの変更を通知するチャネルを返す。
// 通知は間引かれることがあるため、受信側は毎回全件を再集計すること。
func (r *TallyRepository) WatchTallies(ctx context.Context, key domain.QuestionKey) (<-chan struct{}, error) {
	stream, err := r.answers.Watch(ctx, watchTalliesPipeline(key), options.ChangeStream().SetFullDocument(options.Default))
	if err != nil {
		return nil, translate("watch tallies", "question", key.SurveyID, err)
	}

	events := make(chan struct{}, 1)
	go func() {
		defer close(events)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			select {
			case events <- struct{}{}:
			default:
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			r.logger.Warn("集計エントリの変更ストリームが終了しました",
				zap.String("surveyId", key.SurveyID),
				zap.Int("questionIndex", key.QuestionIndex),
				zap.Error(err),
			)
		}
	}()
	return events, nil
}

// EnsureIndexes は再集計で使う (surveyId, questionIndex) 複合インデックスを作成する。
func (r *TallyRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.answers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "surveyId", Value: 1}, {Key: "questionIndex", Value: 1}, {Key: "option", Value: 1}},
	})
	return translate("create index", "question", "", err)
}

func countOptionsPipeline(key domain.QuestionKey) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"surveyId": key.SurveyID, "questionIndex": key.QuestionIndex}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$option",
			"count": bson.M{"$sum": 1},
		}}},
	}
}

// watchTalliesPipeline は決定的な _id の前方一致で設問の変更だけを拾う。
func watchTalliesPipeline(key domain.QuestionKey) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"documentKey._id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(tallyPrefix(key.SurveyID, key.QuestionIndex))},
		}}},
	}
}
