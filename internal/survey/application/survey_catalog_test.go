package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sngm3741/lisd-survey/api/internal/infrastructure/memory"
	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

func surveyIDs(surveys []domain.Survey) []string {
	ids := make([]string, 0, len(surveys))
	for _, s := range surveys {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestCatalogListEligibleFiltersByTagsAndWindow(t *testing.T) {
	upcoming := threeQuestionSurvey("upcoming")
	upcoming.StartTime = fixedNow.Add(time.Hour)
	f := newFixture(t,
		threeQuestionSurvey("open"),
		threeQuestionSurvey("stem", "STEM"),
		threeQuestionSurvey("general", "general"),
		upcoming,
	)
	ctx := context.Background()

	_, err := f.users.EnsureUser(ctx, "u1", "kim@example.com")
	require.NoError(t, err)

	eligible, err := f.catalog.ListEligible(ctx, "u1", fixedNow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"open", "general"}, surveyIDs(eligible))

	_, err = f.users.UpdateTags(ctx, "u1", []string{"STEM"})
	require.NoError(t, err)
	eligible, err = f.catalog.ListEligible(ctx, "u1", fixedNow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"open", "stem"}, surveyIDs(eligible))

	_, err = f.catalog.ListEligible(ctx, "", fixedNow)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestCatalogPartition(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("a"), threeQuestionSurvey("b"), threeQuestionSurvey("c"))
	ctx := context.Background()

	_, err := f.tracker.RecordAnswer(ctx, "u1", "b", 0, "Daily")
	require.NoError(t, err)
	_, err = f.tracker.Advance(ctx, "u1", "c", 1)
	require.NoError(t, err)

	part, err := f.catalog.Partition(ctx, "u1", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, surveyIDs(part.NotStarted))
	assert.Equal(t, []string{"b"}, surveyIDs(part.Ongoing))
	assert.Empty(t, part.Completed)

	_, err = f.pipeline.Submit(ctx, "u1", "b", fullAnswers())
	require.NoError(t, err)

	for _, at := range []time.Time{fixedNow, fixedNow.Add(72 * time.Hour)} {
		part, err = f.catalog.Partition(ctx, "u1", at)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, surveyIDs(part.Completed))
		assert.NotContains(t, surveyIDs(part.Ongoing), "b")
		assert.NotContains(t, surveyIDs(part.NotStarted), "b")
	}
}

func TestCatalogKeepsCacheWhenRefreshFails(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("a"))
	ctx := context.Background()

	require.NoError(t, f.catalog.Refresh(ctx))
	require.NoError(t, f.store.Save(ctx, ptr(threeQuestionSurvey("b"))))

	f.store.Fail(memory.OpFindSurveys, errors.New("offline"))
	assert.Error(t, f.catalog.Refresh(ctx))
	assert.Equal(t, []string{"a"}, surveyIDs(f.catalog.Surveys(ctx)))

	cached, err := f.catalog.Survey(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", cached.ID)

	f.store.Fail(memory.OpFindSurveys, nil)
	require.NoError(t, f.catalog.Refresh(ctx))
	assert.Equal(t, []string{"a", "b"}, surveyIDs(f.catalog.Surveys(ctx)))
}

func TestCatalogReadFailureDegradesToEmpty(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("a"))
	f.store.Fail(memory.OpFindSurveys, errors.New("offline"))

	eligible, err := f.catalog.ListEligible(context.Background(), "u1", fixedNow)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestOpenSurveyStates(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, _, state, err := f.catalog.OpenSurvey(ctx, "u1", "food", fixedNow.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StateUpcoming, state)

	_, _, state, err = f.catalog.OpenSurvey(ctx, "u1", "food", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, state)

	_, err = f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	require.NoError(t, err)
	_, progress, state, err := f.catalog.OpenSurvey(ctx, "u1", "food", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, state)
	assert.True(t, progress.IsCompleted)

	_, _, _, err = f.catalog.OpenSurvey(ctx, "u1", "nope", fixedNow)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnsureUserDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.users.EnsureUser(ctx, "u1", "kim.lee@example.com")
	require.NoError(t, err)
	assert.Equal(t, "kim.lee", profile.DisplayName)
	assert.Equal(t, []string{"general"}, profile.Tags)
	assert.Empty(t, profile.CompletedSurveys)

	_, err = f.users.UpdateTags(ctx, "u1", []string{" Math ", "", "Math", "Art"})
	require.NoError(t, err)

	again, err := f.users.EnsureUser(ctx, "u1", "other@example.com")
	require.NoError(t, err)
	assert.Equal(t, "kim.lee", again.DisplayName)
	assert.Equal(t, []string{"Math", "Art"}, again.Tags)

	_, err = f.users.EnsureUser(ctx, "", "x@example.com")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestEnsureUserFillsDefaultsAfterEarlyAutosave(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("open"), threeQuestionSurvey("general", "general"), threeQuestionSurvey("quiz", "STEM"))
	ctx := context.Background()

	_, err := f.tracker.RecordAnswer(ctx, "u1", "open", 0, "Daily")
	require.NoError(t, err)
	require.NoError(t, f.pipeline.MarkExpired(ctx, "u1", "quiz"))

	profile, err := f.users.EnsureUser(ctx, "u1", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", profile.Email)
	assert.Equal(t, "alice", profile.DisplayName)
	assert.Equal(t, []string{"general"}, profile.Tags)
	assert.Contains(t, profile.Ongoing, "open")
	assert.True(t, profile.HasExpired("quiz"))

	eligible, err := f.catalog.ListEligible(ctx, "u1", fixedNow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"open", "general"}, surveyIDs(eligible))
}

func TestEnsureUserKeepsClearedTags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.EnsureUser(ctx, "u1", "kim@example.com")
	require.NoError(t, err)
	_, err = f.users.UpdateTags(ctx, "u1", nil)
	require.NoError(t, err)

	profile, err := f.users.EnsureUser(ctx, "u1", "kim@example.com")
	require.NoError(t, err)
	assert.Empty(t, profile.Tags)
}

func ptr[T any](v T) *T { return &v }
