package survey

import (
	"sort"
	"strconv"
	"time"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

type questionPayload struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
	Type    string   `json:"type"`
}

type surveySummaryResponse struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Image         string     `json:"image,omitempty"`
	Description   string     `json:"description,omitempty"`
	Tags          []string   `json:"tags"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       time.Time  `json:"endTime"`
	QuestionCount int        `json:"questionCount"`
	Window        string     `json:"window"`
	Remaining     string     `json:"remaining"`
}

type surveyDetailResponse struct {
	surveySummaryResponse
	Questions []questionPayload `json:"questions"`
	State     string            `json:"state"`
	Progress  progressResponse  `json:"progress"`
}

type progressResponse struct {
	CurrentQuestionIndex int               `json:"currentQuestionIndex"`
	Answers              map[string]string `json:"answers"`
	Answered             int               `json:"answered"`
	IsCompleted          bool              `json:"isCompleted"`
	Expired              bool              `json:"expired,omitempty"`
	LastUpdated          *time.Time        `json:"lastUpdated,omitempty"`
}

type listResponse struct {
	Items []surveySummaryResponse `json:"items"`
	Total int                     `json:"total"`
}

type partitionResponse struct {
	NotStarted []surveySummaryResponse `json:"notStarted"`
	Ongoing    []surveySummaryResponse `json:"ongoing"`
	Completed  []surveySummaryResponse `json:"completed"`
	Expired    []string                `json:"expired,omitempty"`
}

type profileResponse struct {
	ID               string   `json:"id"`
	Email            string   `json:"email,omitempty"`
	DisplayName      string   `json:"displayName,omitempty"`
	Tags             []string `json:"tags"`
	CompletedSurveys []string `json:"completedSurveys"`
	ExpiredSurveys   []string `json:"expiredSurveys,omitempty"`
	OngoingCount     int      `json:"ongoingCount"`
}

type submitResponse struct {
	SurveyID    string            `json:"surveyId"`
	Answers     map[string]string `json:"answers"`
	SubmittedAt time.Time         `json:"submittedAt"`
	Status      string            `json:"status"`
}

type optionResult struct {
	Option string  `json:"option"`
	Count  int     `json:"count"`
	Share  float64 `json:"share"`
}

type questionResultResponse struct {
	Index   int            `json:"index"`
	Text    string         `json:"text"`
	Type    string         `json:"type"`
	Total   int            `json:"total"`
	Options []optionResult `json:"options"`
}

type resultsResponse struct {
	SurveyID  string                   `json:"surveyId"`
	Questions []questionResultResponse `json:"questions"`
}

type snapshotEvent struct {
	SurveyID      string         `json:"surveyId"`
	QuestionIndex int            `json:"questionIndex"`
	Total         int            `json:"total"`
	Counts        map[string]int `json:"counts"`
	At            time.Time      `json:"at"`
}

// Request payloads.

type answerRequest struct {
	Answer string `json:"answer" validate:"max=4000"`
}

type advanceRequest struct {
	Delta int `json:"delta"`
}

type submitRequest struct {
	Answers map[string]string `json:"answers" validate:"omitempty,dive,max=4000"`
}

type tagsRequest struct {
	Tags []string `json:"tags" validate:"required,max=50,dive,max=64"`
}

func (h *Handler) mapSummary(s domain.Survey, now time.Time) surveySummaryResponse {
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	return surveySummaryResponse{
		ID:            s.ID,
		Title:         s.Title,
		Image:         s.Image,
		Description:   s.Description,
		Tags:          tags,
		CreatedAt:     s.CreatedAt,
		StartTime:     s.StartTime.In(h.location),
		EndTime:       s.EndTime.In(h.location),
		QuestionCount: s.QuestionCount(),
		Window:        string(s.Window(now)),
		Remaining:     domain.FormatRemaining(s.Remaining(now)),
	}
}

func (h *Handler) mapSummaries(surveys []domain.Survey, now time.Time) []surveySummaryResponse {
	out := make([]surveySummaryResponse, 0, len(surveys))
	for _, s := range surveys {
		out = append(out, h.mapSummary(s, now))
	}
	return out
}

func mapQuestions(questions []domain.Question) []questionPayload {
	out := make([]questionPayload, 0, len(questions))
	for _, q := range questions {
		out = append(out, questionPayload{Text: q.Text, Options: q.Options, Type: string(q.Type)})
	}
	return out
}

func (h *Handler) mapProgress(p domain.Progress) progressResponse {
	resp := progressResponse{
		CurrentQuestionIndex: p.CurrentQuestionIndex,
		Answers:              encodeAnswers(p.Answers),
		Answered:             p.Answered(),
		IsCompleted:          p.IsCompleted,
		Expired:              p.Expired,
	}
	if !p.LastUpdated.IsZero() {
		t := p.LastUpdated.In(h.location)
		resp.LastUpdated = &t
	}
	return resp
}

func mapProfile(p *domain.UserProfile) profileResponse {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	completed := p.CompletedSurveys
	if completed == nil {
		completed = []string{}
	}
	return profileResponse{
		ID:               p.ID,
		Email:            p.Email,
		DisplayName:      p.DisplayName,
		Tags:             tags,
		CompletedSurveys: completed,
		ExpiredSurveys:   p.ExpiredSurveys,
		OngoingCount:     len(p.Ongoing),
	}
}

func mapQuestionResult(index int, q domain.Question, counts domain.OptionCounts) questionResultResponse {
	options := make([]optionResult, 0, len(q.Options))
	seen := make(map[string]struct{}, len(q.Options))
	for _, option := range q.Options {
		seen[option] = struct{}{}
		options = append(options, optionResult{Option: option, Count: counts[option], Share: counts.Share(option)})
	}
	extras := make([]string, 0)
	for option := range counts {
		if _, ok := seen[option]; !ok && q.Type == domain.MultipleChoice {
			extras = append(extras, option)
		}
	}
	sort.Strings(extras)
	for _, option := range extras {
		options = append(options, optionResult{Option: option, Count: counts[option], Share: counts.Share(option)})
	}
	return questionResultResponse{
		Index:   index,
		Text:    q.Text,
		Type:    string(q.Type),
		Total:   counts.Total(),
		Options: options,
	}
}

func encodeAnswers(answers map[int]string) map[string]string {
	out := make(map[string]string, len(answers))
	for idx, answer := range answers {
		out[strconv.Itoa(idx)] = answer
	}
	return out
}
