package domain

import (
	"sort"
	"time"
)

// Progress is one user's in-flight state for one survey.
type Progress struct {
	CurrentQuestionIndex int
	Answers              map[int]string
	IsCompleted          bool
	// Expired marks a survey force-completed because its window elapsed.
	Expired     bool
	LastUpdated time.Time
}

// NewProgress returns the empty progress used before the first answer.
func NewProgress() Progress {
	return Progress{Answers: map[int]string{}}
}

// Answered is the derived progress value: the number of answered questions.
func (p Progress) Answered() int {
	return len(p.Answers)
}

// Clone returns a deep copy so callers never share the answer map.
func (p Progress) Clone() Progress {
	out := p
	out.Answers = make(map[int]string, len(p.Answers))
	for k, v := range p.Answers {
		out.Answers[k] = v
	}
	return out
}

// WithAnswer returns a copy with answer stored at index.
func (p Progress) WithAnswer(index int, answer string) Progress {
	out := p.Clone()
	out.Answers[index] = answer
	return out
}

// Advance moves the cursor by delta, clamped to [0, questionCount-1].
func (p Progress) Advance(delta, questionCount int) Progress {
	out := p.Clone()
	out.CurrentQuestionIndex = ClampIndex(p.CurrentQuestionIndex+delta, questionCount)
	return out
}

// ClampIndex clamps index to [0, count-1]; an empty survey clamps to 0.
func ClampIndex(index, count int) int {
	if index >= count {
		index = count - 1
	}
	if index < 0 {
		index = 0
	}
	return index
}

// AnsweredIndexes returns the answered question indexes in ascending order.
func (p Progress) AnsweredIndexes() []int {
	indexes := make([]int, 0, len(p.Answers))
	for idx := range p.Answers {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes
}

// SurveyState is the terminal or in-flight state a user sees when opening a survey.
type SurveyState string

const (
	StateUpcoming  SurveyState = "upcoming"
	StateActive    SurveyState = "active"
	StateCompleted SurveyState = "completed"
	StateExpired   SurveyState = "expired"
)

// ResolveState decides what a user sees for survey at now.
// Submission wins over expiry; a closed window without submission is expired.
func ResolveState(survey Survey, progress Progress, completed bool, now time.Time) SurveyState {
	switch {
	case progress.Expired:
		return StateExpired
	case progress.IsCompleted || completed:
		return StateCompleted
	}
	switch survey.Window(now) {
	case WindowUpcoming:
		return StateUpcoming
	case WindowClosed:
		return StateExpired
	default:
		return StateActive
	}
}

// UserProfile is the persisted per-user document.
type UserProfile struct {
	ID               string
	Email            string
	DisplayName      string
	Tags             []string
	CompletedSurveys []string
	ExpiredSurveys   []string
	Ongoing          map[string]Progress
}

// HasCompleted reports whether surveyID is in the completed-set.
func (u UserProfile) HasCompleted(surveyID string) bool {
	return containsString(u.CompletedSurveys, surveyID)
}

// HasExpired reports whether surveyID is in the expired-set.
func (u UserProfile) HasExpired(surveyID string) bool {
	return containsString(u.ExpiredSurveys, surveyID)
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// Partition splits surveys into the three list views.
type Partition struct {
	NotStarted []Survey
	Ongoing    []Survey
	Completed  []Survey
}
