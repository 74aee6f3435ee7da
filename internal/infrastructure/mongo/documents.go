package mongo

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

var validate = validator.New()

var (
	// distantPast / distantFuture は期間が未設定のアンケートに用いる。
	distantPast   = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	distantFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

// QuestionDocument は surveys.questions の要素。
type QuestionDocument struct {
	Text    string   `bson:"text" validate:"required"`
	Options []string `bson:"options,omitempty"`
	Type    string   `bson:"type" validate:"oneof=multipleChoice freeResponse"`
}

// SurveyDocument は MongoDB 上でのアンケート定義スキーマ。
type SurveyDocument struct {
	ID          string             `bson:"_id" validate:"required"`
	Title       string             `bson:"title" validate:"required"`
	Image       string             `bson:"image,omitempty"`
	Tags        []string           `bson:"tags,omitempty"`
	Description string             `bson:"description,omitempty"`
	CreatedAt   *time.Time         `bson:"createdAt,omitempty"`
	StartTime   *time.Time         `bson:"startTime,omitempty"`
	EndTime     *time.Time         `bson:"endTime,omitempty"`
	Questions   []QuestionDocument `bson:"questions" validate:"dive"`
}

// ProgressDocument は users.ongoingSurveys.<surveyId> に保存される進捗。
type ProgressDocument struct {
	CurrentQuestionIndex int               `bson:"currentQuestionIndex" validate:"min=0"`
	SelectedAnswers      map[string]string `bson:"selectedAnswers"`
	IsCompleted          bool              `bson:"isCompleted"`
	LastUpdated          time.Time         `bson:"lastUpdated"`
}

// UserDocument はユーザーごとの状態を 1 ドキュメントにまとめたスキーマ。
type UserDocument struct {
	ID               string                      `bson:"_id" validate:"required"`
	Email            string                      `bson:"email,omitempty"`
	DisplayName      string                      `bson:"displayName,omitempty"`
	Tags             []string                    `bson:"tags"`
	CompletedSurveys []string                    `bson:"completedSurveys"`
	ExpiredSurveys   []string                    `bson:"expiredSurveys,omitempty"`
	OngoingSurveys   map[string]ProgressDocument `bson:"ongoingSurveys" validate:"dive"`
}

// ResponseDocument は確定した回答。_id は "surveyId/userId"。
type ResponseDocument struct {
	ID          string            `bson:"_id"`
	SurveyID    string            `bson:"surveyId"`
	UserID      string            `bson:"userId"`
	Answers     map[string]string `bson:"answers"`
	Completed   bool              `bson:"completed"`
	SubmittedAt time.Time         `bson:"submittedAt"`
}

// AnswerDocument は集計用の回答エントリ。_id は "surveyId/questionIndex/userId"。
type AnswerDocument struct {
	ID            string    `bson:"_id"`
	SurveyID      string    `bson:"surveyId"`
	QuestionIndex int       `bson:"questionIndex"`
	UserID        string    `bson:"userId"`
	Option        string    `bson:"option"`
	Timestamp     time.Time `bson:"timestamp"`
}

// ResponseKey builds the deterministic response id.
func ResponseKey(surveyID, userID string) string {
	return surveyID + "/" + userID
}

// TallyKey builds the deterministic answer id; one entry per user and question.
func TallyKey(surveyID string, questionIndex int, userID string) string {
	return fmt.Sprintf("%s/%d/%s", surveyID, questionIndex, userID)
}

// tallyPrefix matches every answer id of one question.
func tallyPrefix(surveyID string, questionIndex int) string {
	return fmt.Sprintf("%s/%d/", surveyID, questionIndex)
}

// DecodeSurvey は生ドキュメントをスキーマ検証しつつドメイン Survey へ変換する。
func DecodeSurvey(raw bson.Raw) (domain.Survey, error) {
	var doc SurveyDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return domain.Survey{}, &domain.DecodeError{Collection: "surveys", ID: rawID(raw), Cause: err}
	}
	if err := validate.Struct(doc); err != nil {
		return domain.Survey{}, &domain.DecodeError{Collection: "surveys", ID: doc.ID, Cause: err}
	}
	survey := mapSurveyDocument(doc)
	if err := survey.Validate(); err != nil {
		return domain.Survey{}, &domain.DecodeError{Collection: "surveys", ID: doc.ID, Cause: err}
	}
	return survey, nil
}

// DecodeUser は users ドキュメントを UserProfile へ変換する。
func DecodeUser(raw bson.Raw) (*domain.UserProfile, error) {
	var doc UserDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, &domain.DecodeError{Collection: "users", ID: rawID(raw), Cause: err}
	}
	if err := validate.Struct(doc); err != nil {
		return nil, &domain.DecodeError{Collection: "users", ID: doc.ID, Cause: err}
	}

	profile := &domain.UserProfile{
		ID:               doc.ID,
		Email:            doc.Email,
		DisplayName:      doc.DisplayName,
		Tags:             append([]string{}, doc.Tags...),
		CompletedSurveys: append([]string{}, doc.CompletedSurveys...),
		ExpiredSurveys:   append([]string{}, doc.ExpiredSurveys...),
		Ongoing:          make(map[string]domain.Progress, len(doc.OngoingSurveys)),
	}
	for surveyID, p := range doc.OngoingSurveys {
		answers, err := decodeAnswers(p.SelectedAnswers)
		if err != nil {
			return nil, &domain.DecodeError{Collection: "users", ID: doc.ID, Cause: fmt.Errorf("ongoingSurveys.%s: %w", surveyID, err)}
		}
		profile.Ongoing[surveyID] = domain.Progress{
			CurrentQuestionIndex: p.CurrentQuestionIndex,
			Answers:              answers,
			IsCompleted:          p.IsCompleted,
			LastUpdated:          p.LastUpdated,
		}
	}
	return profile, nil
}

func mapSurveyDocument(doc SurveyDocument) domain.Survey {
	questions := make([]domain.Question, 0, len(doc.Questions))
	for _, q := range doc.Questions {
		questions = append(questions, domain.Question{
			Text:    q.Text,
			Options: append([]string(nil), q.Options...),
			Type:    domain.QuestionType(q.Type),
		})
	}
	start := distantPast
	if doc.StartTime != nil {
		start = doc.StartTime.UTC()
	}
	end := distantFuture
	if doc.EndTime != nil {
		end = doc.EndTime.UTC()
	}
	return domain.Survey{
		ID:          doc.ID,
		Title:       doc.Title,
		Image:       doc.Image,
		Questions:   questions,
		Tags:        append([]string(nil), doc.Tags...),
		Description: doc.Description,
		CreatedAt:   doc.CreatedAt,
		StartTime:   start,
		EndTime:     end,
	}
}

func newSurveyDocument(survey *domain.Survey) SurveyDocument {
	questions := make([]QuestionDocument, 0, len(survey.Questions))
	for _, q := range survey.Questions {
		questions = append(questions, QuestionDocument{
			Text:    q.Text,
			Options: append([]string(nil), q.Options...),
			Type:    string(q.Type),
		})
	}
	start := survey.StartTime.UTC()
	end := survey.EndTime.UTC()
	return SurveyDocument{
		ID:          survey.ID,
		Title:       survey.Title,
		Image:       survey.Image,
		Tags:        append([]string(nil), survey.Tags...),
		Description: survey.Description,
		CreatedAt:   survey.CreatedAt,
		StartTime:   &start,
		EndTime:     &end,
		Questions:   questions,
	}
}

func newProgressDocument(p domain.Progress) ProgressDocument {
	return ProgressDocument{
		CurrentQuestionIndex: p.CurrentQuestionIndex,
		SelectedAnswers:      encodeAnswers(p.Answers),
		IsCompleted:          p.IsCompleted,
		LastUpdated:          p.LastUpdated.UTC(),
	}
}

// encodeAnswers は質問番号を文字列キーに変換する (BSON のキーは文字列のみ)。
func encodeAnswers(answers map[int]string) map[string]string {
	out := make(map[string]string, len(answers))
	for idx, answer := range answers {
		out[strconv.Itoa(idx)] = answer
	}
	return out
}

func decodeAnswers(answers map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(answers))
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("answer key %q is not a question index", k)
		}
		out[idx] = answers[k]
	}
	return out, nil
}

func rawID(raw bson.Raw) string {
	value, err := raw.LookupErr("_id")
	if err != nil {
		return ""
	}
	if s, ok := value.StringValueOK(); ok {
		return s
	}
	return value.String()
}
