package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/infrastructure/memory"
	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

var fixedNow = time.Date(2025, 6, 12, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	opts     Options
	users    *UserService
	tracker  *ProgressTracker
	pipeline *SubmissionPipeline
	catalog  *SurveyCatalog
}

func newFixture(t *testing.T, surveys ...domain.Survey) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.SetClock(func() time.Time { return fixedNow })
	for i := range surveys {
		require.NoError(t, store.Save(context.Background(), &surveys[i]))
	}

	opts := Options{
		EnforceOptionMembership: true,
		DefaultUserTags:         []string{"general"},
		Now:                     func() time.Time { return fixedNow },
	}
	logger := zap.NewNop()
	users := NewUserService(store.Users(), logger, opts)
	tracker := NewProgressTracker(store, store.Users(), logger, opts)
	return &fixture{
		store:    store,
		opts:     opts,
		users:    users,
		tracker:  tracker,
		pipeline: NewSubmissionPipeline(store, store.Users(), store, tracker, logger, opts),
		catalog:  NewSurveyCatalog(store, users, tracker, logger),
	}
}

func threeQuestionSurvey(id string, tags ...string) domain.Survey {
	return domain.Survey{
		ID:        id,
		Title:     "Food Habits",
		Tags:      tags,
		StartTime: fixedNow.Add(-time.Hour),
		EndTime:   fixedNow.Add(48 * time.Hour),
		Questions: []domain.Question{
			{Text: "How often do you cook?", Options: []string{"Daily", "Weekly", "Never"}, Type: domain.MultipleChoice},
			{Text: "Favourite dish?", Type: domain.FreeResponse},
			{Text: "Preferred method?", Options: []string{"Baking", "Frying", "Raw"}, Type: domain.MultipleChoice},
		},
	}
}

func singleChoiceSurvey(id string) domain.Survey {
	return domain.Survey{
		ID:        id,
		Title:     "A or B",
		StartTime: fixedNow.Add(-time.Hour),
		EndTime:   fixedNow.Add(time.Hour),
		Questions: []domain.Question{
			{Text: "Pick one", Options: []string{"A", "B"}, Type: domain.MultipleChoice},
		},
	}
}
