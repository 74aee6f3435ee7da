package application

import (
	"context"
	"time"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// SurveyRepository はアンケート定義ドキュメントを扱うポート。
type SurveyRepository interface {
	FindAll(ctx context.Context) ([]domain.Survey, error)
	FindByID(ctx context.Context, id string) (*domain.Survey, error)
	Save(ctx context.Context, survey *domain.Survey) error
	DeleteByTag(ctx context.Context, tag string) (int, error)
}

// UserRepository persists the per-user document: tags, completed-set, ongoing progress.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (*domain.UserProfile, error)
	// Create inserts the profile. A document already upserted by a progress or
	// expiry write only gets the fields it is missing; stored values win.
	Create(ctx context.Context, profile *domain.UserProfile) error
	UpdateTags(ctx context.Context, userID string, tags []string) error
	SaveProgress(ctx context.Context, userID, surveyID string, progress domain.Progress) error
	// MarkExpired adds surveyID to the completed and expired sets and drops its ongoing entry.
	MarkExpired(ctx context.Context, userID, surveyID string) error
}

// SubmissionRepository commits a submission atomically and returns the server timestamp.
type SubmissionRepository interface {
	Commit(ctx context.Context, submission domain.Submission) (time.Time, error)
}

// TallySource is the live-tally input of the results aggregator.
type TallySource interface {
	CountOptions(ctx context.Context, key domain.QuestionKey) (domain.OptionCounts, error)
	// WatchTallies signals on every change to the question's tally entries.
	// The channel is closed when the underlying feed ends.
	WatchTallies(ctx context.Context, key domain.QuestionKey) (<-chan struct{}, error)
}

// SubmitResult describes a committed submission.
type SubmitResult struct {
	SurveyID    string
	UserID      string
	Answers     map[int]string
	SubmittedAt time.Time
}

// Options tunes service behaviour.
type Options struct {
	// EnforceOptionMembership rejects multipleChoice answers that are not listed options.
	EnforceOptionMembership bool
	DefaultUserTags         []string
	Now                     func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}
