package domain

import (
	"fmt"
	"strings"
	"time"
)

// QuestionType discriminates how a question is answered.
type QuestionType string

const (
	MultipleChoice QuestionType = "multipleChoice"
	FreeResponse   QuestionType = "freeResponse"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	return t == MultipleChoice || t == FreeResponse
}

// Question is a single prompt within a survey.
type Question struct {
	Text    string
	Options []string
	Type    QuestionType
}

// Validate checks the option invariants for the question type.
func (q Question) Validate() error {
	switch q.Type {
	case MultipleChoice:
		if len(q.Options) == 0 {
			return fmt.Errorf("multipleChoice question %q has no options", q.Text)
		}
	case FreeResponse:
		if len(q.Options) != 0 {
			return fmt.Errorf("freeResponse question %q must not have options", q.Text)
		}
	default:
		return fmt.Errorf("unknown question type %q", q.Type)
	}
	return nil
}

// HasOption reports whether answer is one of the listed options.
func (q Question) HasOption(answer string) bool {
	for _, option := range q.Options {
		if option == answer {
			return true
		}
	}
	return false
}

// Survey is a published questionnaire with an eligibility window.
type Survey struct {
	ID          string
	Title       string
	Image       string
	Questions   []Question
	Tags        []string
	Description string
	CreatedAt   *time.Time
	StartTime   time.Time
	EndTime     time.Time
}

// QuestionCount returns the number of questions in the survey.
func (s Survey) QuestionCount() int {
	return len(s.Questions)
}

// Question returns the question at index or InvalidIndex.
func (s Survey) Question(index int) (Question, error) {
	if index < 0 || index >= len(s.Questions) {
		return Question{}, InvalidIndex(index, len(s.Questions))
	}
	return s.Questions[index], nil
}

// InWindow reports whether now lies in [StartTime, EndTime], both ends inclusive.
func (s Survey) InWindow(now time.Time) bool {
	return !now.Before(s.StartTime) && !now.After(s.EndTime)
}

// MatchesTags reports whether the survey is open to a user with userTags.
// An untagged survey matches everyone.
func (s Survey) MatchesTags(userTags []string) bool {
	if len(s.Tags) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(userTags))
	for _, tag := range userTags {
		set[tag] = struct{}{}
	}
	for _, tag := range s.Tags {
		if _, ok := set[tag]; ok {
			return true
		}
	}
	return false
}

// IsEligible combines the window and tag checks.
func (s Survey) IsEligible(userTags []string, now time.Time) bool {
	return s.InWindow(now) && s.MatchesTags(userTags)
}

// WindowState describes where now falls relative to the eligibility window.
type WindowState string

const (
	WindowUpcoming WindowState = "upcoming"
	WindowOpen     WindowState = "open"
	WindowClosed   WindowState = "closed"
)

func (s Survey) Window(now time.Time) WindowState {
	switch {
	case now.Before(s.StartTime):
		return WindowUpcoming
	case now.After(s.EndTime):
		return WindowClosed
	default:
		return WindowOpen
	}
}

// Remaining returns the time left before the window closes, never negative.
func (s Survey) Remaining(now time.Time) time.Duration {
	if now.After(s.EndTime) {
		return 0
	}
	return s.EndTime.Sub(now)
}

// FormatRemaining renders "6d 4h" above a day, "2h 15m" above an hour, else "45m".
func FormatRemaining(d time.Duration) string {
	totalMinutes := int(d / time.Minute)
	if totalMinutes < 0 {
		totalMinutes = 0
	}
	days := totalMinutes / 1440
	hours := (totalMinutes % 1440) / 60
	minutes := totalMinutes % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// Validate checks the structural invariants of a survey.
func (s Survey) Validate() error {
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("survey %s has no title", s.ID)
	}
	if s.StartTime.After(s.EndTime) {
		return fmt.Errorf("survey %s starts after it ends", s.ID)
	}
	for i, q := range s.Questions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
	}
	return nil
}

// ValidateID rejects ids that cannot be embedded in field paths or composite keys.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(id, "./$") {
		return fmt.Errorf("id %q must not contain '.', '/' or '$'", id)
	}
	return nil
}
