package application

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// SurveyCatalog filters and partitions a cached survey set.
type SurveyCatalog struct {
	repo    SurveyRepository
	users   *UserService
	tracker *ProgressTracker
	logger  *zap.Logger

	group singleflight.Group

	mu        sync.RWMutex
	surveys   []domain.Survey
	loaded    bool
	refreshed time.Time
}

// NewSurveyCatalog creates a catalog; call Refresh to populate it.
func NewSurveyCatalog(repo SurveyRepository, users *UserService, tracker *ProgressTracker, logger *zap.Logger) *SurveyCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SurveyCatalog{repo: repo, users: users, tracker: tracker, logger: logger}
}

// Refresh reloads the survey set. Concurrent calls share one load; on failure
// the previous set is kept.
func (c *SurveyCatalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("surveys", func() (interface{}, error) {
		surveys, err := c.repo.FindAll(ctx)
		if err != nil {
			c.logger.Warn("アンケート一覧の更新に失敗しました。前回の一覧を使用します", zap.Error(err))
			return nil, err
		}
		sortSurveys(surveys)

		c.mu.Lock()
		c.surveys = surveys
		c.loaded = true
		c.refreshed = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Surveys returns a copy of the cached set, loading it on first use.
func (c *SurveyCatalog) Surveys(ctx context.Context) []domain.Survey {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if !loaded {
		_ = c.Refresh(ctx)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Survey, len(c.surveys))
	copy(out, c.surveys)
	return out
}

// RefreshedAt returns when the cache was last loaded successfully.
func (c *SurveyCatalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// Survey looks id up in the cache, falling back to the repository.
func (c *SurveyCatalog) Survey(ctx context.Context, id string) (*domain.Survey, error) {
	c.mu.RLock()
	for i := range c.surveys {
		if c.surveys[i].ID == id {
			s := c.surveys[i]
			c.mu.RUnlock()
			return &s, nil
		}
	}
	c.mu.RUnlock()
	return c.repo.FindByID(ctx, id)
}

// ListEligible returns the surveys open to the user's tags at now.
func (c *SurveyCatalog) ListEligible(ctx context.Context, userID string, now time.Time) ([]domain.Survey, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	return FilterEligible(c.Surveys(ctx), c.users.Tags(ctx, userID), now), nil
}

// Partition splits the user's surveys into not started, ongoing and completed.
// Completed covers every known survey the user finished; the other two are
// limited to surveys eligible at now.
func (c *SurveyCatalog) Partition(ctx context.Context, userID string, now time.Time) (domain.Partition, error) {
	if userID == "" {
		return domain.Partition{}, domain.ErrUnauthenticated
	}
	progress, completed, err := c.tracker.Snapshot(ctx, userID)
	if err != nil {
		return domain.Partition{}, err
	}
	return PartitionSurveys(c.Surveys(ctx), c.users.Tags(ctx, userID), progress, completed, now), nil
}

// OpenSurvey returns the survey with the user's progress and resolved state.
func (c *SurveyCatalog) OpenSurvey(ctx context.Context, userID, surveyID string, now time.Time) (*domain.Survey, domain.Progress, domain.SurveyState, error) {
	if userID == "" {
		return nil, domain.Progress{}, "", domain.ErrUnauthenticated
	}
	survey, err := c.Survey(ctx, surveyID)
	if err != nil {
		return nil, domain.Progress{}, "", err
	}
	progress, err := c.tracker.Get(ctx, userID, surveyID)
	if err != nil {
		return nil, domain.Progress{}, "", err
	}
	state := domain.ResolveState(*survey, progress, progress.IsCompleted, now)
	return survey, progress, state, nil
}

// FilterEligible keeps the surveys passing the window and tag checks.
func FilterEligible(surveys []domain.Survey, userTags []string, now time.Time) []domain.Survey {
	out := make([]domain.Survey, 0, len(surveys))
	for _, s := range surveys {
		if s.IsEligible(userTags, now) {
			out = append(out, s)
		}
	}
	return out
}

// PartitionSurveys is the pure form of SurveyCatalog.Partition.
func PartitionSurveys(surveys []domain.Survey, userTags []string, progress map[string]domain.Progress, completed map[string]struct{}, now time.Time) domain.Partition {
	part := domain.Partition{
		NotStarted: []domain.Survey{},
		Ongoing:    []domain.Survey{},
		Completed:  []domain.Survey{},
	}
	for _, s := range surveys {
		p, hasProgress := progress[s.ID]
		_, inCompleted := completed[s.ID]
		switch {
		case inCompleted || (hasProgress && p.IsCompleted):
			part.Completed = append(part.Completed, s)
		case !s.IsEligible(userTags, now):
			continue
		case hasProgress && p.Answered() > 0:
			part.Ongoing = append(part.Ongoing, s)
		default:
			part.NotStarted = append(part.NotStarted, s)
		}
	}
	return part
}

// sortSurveys orders by end time, then id, so listings are stable across refreshes.
func sortSurveys(surveys []domain.Survey) {
	sort.SliceStable(surveys, func(i, j int) bool {
		if surveys[i].EndTime.Equal(surveys[j].EndTime) {
			return surveys[i].ID < surveys[j].ID
		}
		return surveys[i].EndTime.Before(surveys[j].EndTime)
	})
}
