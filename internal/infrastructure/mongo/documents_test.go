package mongo

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

func mustMarshal(t *testing.T, v any) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDecodeSurvey(t *testing.T) {
	start := time.Date(2025, 6, 12, 12, 0, 0, 0, time.UTC)
	raw := mustMarshal(t, bson.M{
		"_id":       "physics",
		"title":     "Physics Timed Quiz",
		"image":     "atom",
		"tags":      bson.A{"STEM"},
		"startTime": start,
		"endTime":   start.Add(2 * time.Hour),
		"questions": bson.A{
			bson.M{"text": "Newton's 2nd law?", "type": "freeResponse"},
			bson.M{"text": "Speed of light?", "options": bson.A{"3x10^8 m/s", "1x10^6 m/s"}, "type": "multipleChoice"},
		},
	})

	survey, err := DecodeSurvey(raw)
	require.NoError(t, err)
	assert.Equal(t, "physics", survey.ID)
	assert.Equal(t, start, survey.StartTime)
	assert.Equal(t, 2, survey.QuestionCount())
	assert.Equal(t, domain.MultipleChoice, survey.Questions[1].Type)
	assert.Equal(t, []string{"STEM"}, survey.Tags)
}

func TestDecodeSurveyDefaultsMissingWindow(t *testing.T) {
	raw := mustMarshal(t, bson.M{"_id": "open", "title": "Always open", "questions": bson.A{}})

	survey, err := DecodeSurvey(raw)
	require.NoError(t, err)
	assert.True(t, survey.InWindow(time.Now()))
}

func TestDecodeSurveyRejectsMalformedDocuments(t *testing.T) {
	cases := map[string]bson.M{
		"missing title":        {"_id": "s1", "questions": bson.A{}},
		"unknown type":         {"_id": "s1", "title": "x", "questions": bson.A{bson.M{"text": "q", "type": "ranking"}}},
		"choice w/o options":   {"_id": "s1", "title": "x", "questions": bson.A{bson.M{"text": "q", "type": "multipleChoice"}}},
		"start after end":      {"_id": "s1", "title": "x", "startTime": time.Now(), "endTime": time.Now().Add(-time.Hour)},
		"questions wrong type": {"_id": "s1", "title": "x", "questions": "nope"},
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSurvey(mustMarshal(t, doc))
			require.Error(t, err)

			var decodeErr *domain.DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, "surveys", decodeErr.Collection)
			assert.Equal(t, "s1", decodeErr.ID)
		})
	}
}

func TestDecodeUser(t *testing.T) {
	updated := time.Date(2025, 6, 12, 12, 30, 0, 0, time.UTC)
	raw := mustMarshal(t, bson.M{
		"_id":              "u1",
		"email":            "u1@campus.example",
		"tags":             bson.A{"STEM"},
		"completedSurveys": bson.A{"done"},
		"ongoingSurveys": bson.M{
			"physics": bson.M{
				"currentQuestionIndex": 1,
				"selectedAnswers":      bson.M{"0": "F = ma"},
				"isCompleted":          false,
				"lastUpdated":          updated,
			},
		},
	})

	profile, err := DecodeUser(raw)
	require.NoError(t, err)
	assert.True(t, profile.HasCompleted("done"))
	require.Contains(t, profile.Ongoing, "physics")
	progress := profile.Ongoing["physics"]
	assert.Equal(t, 1, progress.CurrentQuestionIndex)
	assert.Equal(t, map[int]string{0: "F = ma"}, progress.Answers)
	assert.Equal(t, updated, progress.LastUpdated.UTC())
	assert.NotNil(t, profile.ExpiredSurveys)
}

func TestDecodeUserRejectsBadAnswerKeys(t *testing.T) {
	raw := mustMarshal(t, bson.M{
		"_id": "u1",
		"ongoingSurveys": bson.M{
			"physics": bson.M{"selectedAnswers": bson.M{"first": "x"}},
		},
	})

	_, err := DecodeUser(raw)
	var decodeErr *domain.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "u1", decodeErr.ID)
}

func TestSurveyDocumentRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	in := domain.Survey{
		ID:        "biz",
		Title:     "Business Vocabulary",
		Tags:      []string{"Business"},
		CreatedAt: &created,
		StartTime: time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 6, 14, 23, 59, 0, 0, time.UTC),
		Questions: []domain.Question{
			{Text: "A stock split causes?", Options: []string{"Price falls", "Price rises"}, Type: domain.MultipleChoice},
		},
	}

	out, err := DecodeSurvey(mustMarshal(t, newSurveyDocument(&in)))
	require.NoError(t, err)
	assert.Equal(t, in.StartTime, out.StartTime)
	assert.Equal(t, in.EndTime, out.EndTime)
	assert.Equal(t, in.Questions, out.Questions)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "s1/u1", ResponseKey("s1", "u1"))
	assert.Equal(t, "s1/2/u1", TallyKey("s1", 2, "u1"))
	assert.Equal(t, "s1/2/", tallyPrefix("s1", 2))
	assert.NotEqual(t, tallyPrefix("s1", 1), TallyKey("s1", 12, "u")[:len(tallyPrefix("s1", 1))])
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, translate("find", "survey", "s1", nil))
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(translate("find", "survey", "s1", mongo.ErrNoDocuments)))
	assert.Equal(t, domain.CodeStoreUnavailable, domain.CodeOf(translate("find", "survey", "s1", fmt.Errorf("server selection timeout"))))

	decodeErr := &domain.DecodeError{Collection: "surveys", ID: "s1", Cause: errors.New("bad")}
	assert.Same(t, decodeErr, translate("find", "survey", "s1", decodeErr))
}
