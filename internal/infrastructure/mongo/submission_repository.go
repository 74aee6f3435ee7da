package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// SubmissionRepository は回答・集計エントリ・ユーザーの完了状態を単一トランザクションで書き込む。
// トランザクションにはレプリカセット構成の MongoDB が必要。
type SubmissionRepository struct {
	client    *mongo.Client
	responses *mongo.Collection
	answers   *mongo.Collection
	users     *mongo.Collection
	now       func() time.Time
}

func NewSubmissionRepository(db *mongo.Database, responseCollection, answerCollection, userCollection string) *SubmissionRepository {
	return &SubmissionRepository{
		client:    db.Client(),
		responses: db.Collection(responseCollection),
		answers:   db.Collection(answerCollection),
		users:     db.Collection(userCollection),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Commit は 3 種類の書き込みをまとめてコミットする。ID は決定的なので再送は上書きになる。
func (r *SubmissionRepository) Commit(ctx context.Context, submission domain.Submission) (time.Time, error) {
	resp := submission.Response
	submittedAt := r.now().Truncate(time.Millisecond)

	session, err := r.client.StartSession()
	if err != nil {
		return time.Time{}, translate("start session", "response", resp.SurveyID, err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		responseDoc := ResponseDocument{
			ID:          ResponseKey(resp.SurveyID, resp.UserID),
			SurveyID:    resp.SurveyID,
			UserID:      resp.UserID,
			Answers:     encodeAnswers(resp.Answers),
			Completed:   true,
			SubmittedAt: submittedAt,
		}
		upsert := options.Replace().SetUpsert(true)
		if _, err := r.responses.ReplaceOne(sc, bson.M{"_id": responseDoc.ID}, responseDoc, upsert); err != nil {
			return nil, err
		}

		for _, entry := range submission.Tallies {
			answerDoc := AnswerDocument{
				ID:            TallyKey(entry.SurveyID, entry.QuestionIndex, entry.UserID),
				SurveyID:      entry.SurveyID,
				QuestionIndex: entry.QuestionIndex,
				UserID:        entry.UserID,
				Option:        entry.Option,
				Timestamp:     submittedAt,
			}
			if _, err := r.answers.ReplaceOne(sc, bson.M{"_id": answerDoc.ID}, answerDoc, upsert); err != nil {
				return nil, err
			}
		}

		if _, err := r.users.UpdateOne(sc, bson.M{"_id": resp.UserID}, completeSurveyUpdate(resp.SurveyID), options.Update().SetUpsert(true)); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return time.Time{}, translate("commit submission", "response", ResponseKey(resp.SurveyID, resp.UserID), err)
	}
	return submittedAt, nil
}
