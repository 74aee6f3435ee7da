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

func fullAnswers() map[int]string {
	return map[int]string{0: "Daily", 1: "ramen", 2: "Frying"}
}

func TestSubmitCommitsEverything(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)

	result, err := f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	require.NoError(t, err)
	assert.Equal(t, fixedNow, result.SubmittedAt)

	resp, ok := f.store.Response("food", "u1")
	require.True(t, ok)
	assert.True(t, resp.Completed)
	assert.Equal(t, fullAnswers(), resp.Answers)

	for q, want := range fullAnswers() {
		entries := f.store.TallyEntries(domain.QuestionKey{SurveyID: "food", QuestionIndex: q})
		require.Len(t, entries, 1)
		assert.Equal(t, want, entries[0].Option)
	}

	profile, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, profile.HasCompleted("food"))
	assert.NotContains(t, profile.Ongoing, "food")

	p, err := f.tracker.Get(ctx, "u1", "food")
	require.NoError(t, err)
	assert.True(t, p.IsCompleted)
}

func TestSubmitTwiceDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()
	key := domain.QuestionKey{SurveyID: "food", QuestionIndex: 0}

	_, err := f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	require.NoError(t, err)
	once, err := f.store.CountOptions(ctx, key)
	require.NoError(t, err)

	_, err = f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	require.NoError(t, err)
	twice, err := f.store.CountOptions(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, domain.OptionCounts{"Daily": 1}, once)
	assert.Equal(t, once, twice)
}

func TestSubmitFailureLeavesProgressOpen(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)

	f.store.Fail(memory.OpCommit, errors.New("connection reset"))
	_, err = f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	require.Error(t, err)
	assert.Equal(t, domain.CodeStoreUnavailable, domain.CodeOf(err))

	p, err := f.tracker.Get(ctx, "u1", "food")
	require.NoError(t, err)
	assert.False(t, p.IsCompleted)
	assert.Empty(t, f.store.TallyEntries(domain.QuestionKey{SurveyID: "food", QuestionIndex: 0}))

	profile, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, profile.HasCompleted("food"))

	f.store.Fail(memory.OpCommit, nil)
	_, err = f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	tests := []struct {
		name    string
		answers map[int]string
		want    error
	}{
		{name: "missing question", answers: map[int]string{0: "Daily", 2: "Raw"}, want: domain.ErrInvalidAnswer},
		{name: "empty choice", answers: map[int]string{0: "", 1: "x", 2: "Raw"}, want: domain.ErrInvalidAnswer},
		{name: "unlisted option", answers: map[int]string{0: "Hourly", 1: "x", 2: "Raw"}, want: domain.ErrInvalidAnswer},
		{name: "index out of range", answers: map[int]string{0: "Daily", 1: "x", 2: "Raw", 3: "?"}, want: domain.ErrInvalidIndex},
		{name: "empty free response", answers: map[int]string{0: "Daily", 1: "", 2: "Raw"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Submit(ctx, "u1", "food", tt.answers)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.pipeline.Submit(ctx, "", "food", fullAnswers())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestSubmitPermissiveOptionMembership(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	f.pipeline.opts.EnforceOptionMembership = false

	_, err := f.pipeline.Submit(context.Background(), "u1", "food", map[int]string{0: "Hourly", 1: "", 2: "Raw"})
	assert.NoError(t, err)
}

func TestSubmitProgressUsesTrackedAnswers(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	for q, a := range fullAnswers() {
		_, err := f.tracker.RecordAnswer(ctx, "u1", "food", q, a)
		require.NoError(t, err)
	}
	result, err := f.pipeline.SubmitProgress(ctx, "u1", "food")
	require.NoError(t, err)
	assert.Equal(t, fullAnswers(), result.Answers)
}

func TestMarkExpiredWritesNoTallies(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)
	require.NoError(t, f.pipeline.MarkExpired(ctx, "u1", "food"))

	profile, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, profile.HasCompleted("food"))
	assert.True(t, profile.HasExpired("food"))
	assert.NotContains(t, profile.Ongoing, "food")
	assert.Empty(t, f.store.TallyEntries(domain.QuestionKey{SurveyID: "food", QuestionIndex: 0}))

	_, _, state, err := f.catalog.OpenSurvey(ctx, "u1", "food", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, state)

	_, err = f.tracker.RecordAnswer(ctx, "u1", "food", 1, "late")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
}

func TestMarkExpiredQueuesFailedWrites(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	f.store.Fail(memory.OpMarkExpired, errors.New("offline"))
	require.NoError(t, f.pipeline.MarkExpired(ctx, "u1", "food"))
	assert.Equal(t, 1, f.pipeline.PendingExpiries())

	p, err := f.tracker.Get(ctx, "u1", "food")
	require.NoError(t, err)
	assert.True(t, p.Expired)

	assert.Equal(t, 1, f.pipeline.RetryPending(ctx))

	f.store.Fail(memory.OpMarkExpired, nil)
	assert.Equal(t, 0, f.pipeline.RetryPending(ctx))
	assert.Equal(t, 0, f.pipeline.PendingExpiries())

	profile, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, profile.HasExpired("food"))

	assert.Equal(t, 0, f.pipeline.RetryPending(ctx))
}

func TestMarkExpiredAfterSubmitIsNoop(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	require.NoError(t, err)
	require.NoError(t, f.pipeline.MarkExpired(ctx, "u1", "food"))

	profile, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, profile.HasExpired("food"))
	assert.Equal(t, 0, f.store.Calls(memory.OpMarkExpired))
}

func TestExpireElapsedOnlyTouchesClosedOngoingSurveys(t *testing.T) {
	closed := threeQuestionSurvey("closed")
	closed.StartTime = fixedNow.Add(-48 * time.Hour)
	closed.EndTime = fixedNow.Add(-time.Hour)
	f := newFixture(t, threeQuestionSurvey("open"), closed)
	ctx := context.Background()

	require.NoError(t, f.tracker.Persist(ctx, "u1", "closed", domain.NewProgress().WithAnswer(0, "Daily")))
	_, err := f.tracker.RecordAnswer(ctx, "u1", "open", 0, "Daily")
	require.NoError(t, err)

	expired, err := f.pipeline.ExpireElapsed(ctx, "u1", f.catalog.Surveys(ctx), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"closed"}, expired)

	again, err := f.pipeline.ExpireElapsed(ctx, "u1", f.catalog.Surveys(ctx), fixedNow)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSubmitAfterExpiryIsRejected(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)
	require.NoError(t, f.pipeline.MarkExpired(ctx, "u1", "food"))

	_, err = f.pipeline.Submit(ctx, "u1", "food", fullAnswers())
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
	_, err = f.pipeline.SubmitProgress(ctx, "u1", "food")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	for q := range fullAnswers() {
		assert.Empty(t, f.store.TallyEntries(domain.QuestionKey{SurveyID: "food", QuestionIndex: q}))
	}
	_, ok := f.store.Response("food", "u1")
	assert.False(t, ok)

	_, _, state, err := f.catalog.OpenSurvey(ctx, "u1", "food", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, state)

	// 再起動後も保存済みの期限切れ集合から拒否される
	tracker := NewProgressTracker(f.store, f.store.Users(), nil, f.opts)
	fresh := NewSubmissionPipeline(f.store, f.store.Users(), f.store, tracker, nil, f.opts)
	_, err = fresh.Submit(ctx, "u1", "food", fullAnswers())
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	profile, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, profile.HasExpired("food"))
}

func TestSubmitOutsideWindowIsRejected(t *testing.T) {
	closed := threeQuestionSurvey("closed")
	closed.StartTime = fixedNow.Add(-48 * time.Hour)
	closed.EndTime = fixedNow.Add(-time.Hour)
	upcoming := threeQuestionSurvey("upcoming")
	upcoming.StartTime = fixedNow.Add(time.Hour)
	upcoming.EndTime = fixedNow.Add(2 * time.Hour)
	f := newFixture(t, closed, upcoming)
	ctx := context.Background()

	for _, id := range []string{"closed", "upcoming"} {
		t.Run(id, func(t *testing.T) {
			_, err := f.pipeline.Submit(ctx, "u1", id, fullAnswers())
			assert.ErrorIs(t, err, domain.ErrWindowClosed)
			assert.Equal(t, domain.CodeWindowClosed, domain.CodeOf(err))

			_, ok := f.store.Response(id, "u1")
			assert.False(t, ok)
			assert.Empty(t, f.store.TallyEntries(domain.QuestionKey{SurveyID: id, QuestionIndex: 0}))
		})
	}
	assert.Equal(t, 0, f.store.Calls(memory.OpCommit))
}

func TestSubmitSkipsEmptyFreeResponseTallies(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, "u1", "food", map[int]string{0: "Daily", 1: "", 2: "Raw"})
	require.NoError(t, err)
	_, err = f.pipeline.Submit(ctx, "u2", "food", map[int]string{0: "Weekly", 1: "  ", 2: "Raw"})
	require.NoError(t, err)
	_, err = f.pipeline.Submit(ctx, "u3", "food", map[int]string{0: "Weekly", 1: "curry", 2: "Baking"})
	require.NoError(t, err)

	counts, err := f.store.CountOptions(ctx, domain.QuestionKey{SurveyID: "food", QuestionIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.OptionCounts{"curry": 1}, counts)

	counts, err = f.store.CountOptions(ctx, domain.QuestionKey{SurveyID: "food", QuestionIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.OptionCounts{"Raw": 2, "Baking": 1}, counts)

	resp, ok := f.store.Response("food", "u1")
	require.True(t, ok)
	assert.Equal(t, "", resp.Answers[1])
}
