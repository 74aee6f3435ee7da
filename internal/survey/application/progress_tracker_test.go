package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/infrastructure/memory"
	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

func TestProgressTrackerGetReturnsEmptyProgress(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))

	p, err := f.tracker.Get(context.Background(), "u1", "food")
	require.NoError(t, err)
	assert.Equal(t, 0, p.CurrentQuestionIndex)
	assert.Empty(t, p.Answers)
	assert.False(t, p.IsCompleted)

	_, err = f.tracker.Get(context.Background(), "", "food")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestProgressTrackerRecordAnswerIsIdempotent(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	first, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)
	second, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "Daily"}, stored.Ongoing["food"].Answers)
}

func TestProgressTrackerRecordAnswerRejectsBadIndex(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))

	for _, idx := range []int{-1, 3} {
		_, err := f.tracker.RecordAnswer(context.Background(), "u1", "food", idx, "Daily")
		assert.ErrorIs(t, err, domain.ErrInvalidIndex)
	}

	_, err := f.tracker.RecordAnswer(context.Background(), "u1", "missing", 0, "Daily")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProgressTrackerAdvanceClampsAndCountsAnswers(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	_, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)
	_, err = f.tracker.RecordAnswer(ctx, "u1", "food", 2, "Raw")
	require.NoError(t, err)

	var p domain.Progress
	for i := 0; i < 3; i++ {
		p, err = f.tracker.Advance(ctx, "u1", "food", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.CurrentQuestionIndex)
	assert.Equal(t, 2, p.Answered())

	p, err = f.tracker.Advance(ctx, "u1", "food", -50)
	require.NoError(t, err)
	assert.Equal(t, 0, p.CurrentQuestionIndex)
}

func TestProgressTrackerAutosaveRetriesOnNextMutation(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"), threeQuestionSurvey("art"))
	ctx := context.Background()

	f.store.Fail(memory.OpSaveProgress, errors.New("offline"))
	p, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Weekly")
	require.NoError(t, err, "autosave failures are not surfaced")
	assert.Equal(t, "Weekly", p.Answers[0])

	_, err = f.store.Users().FindByID(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.store.Fail(memory.OpSaveProgress, nil)
	_, err = f.tracker.RecordAnswer(ctx, "u1", "art", 1, "pasta")
	require.NoError(t, err)

	stored, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Weekly", stored.Ongoing["food"].Answers[0])
	assert.Equal(t, "pasta", stored.Ongoing["art"].Answers[1])
}

func TestProgressTrackerPersistSurfacesErrors(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	f.store.Fail(memory.OpSaveProgress, errors.New("offline"))
	err := f.tracker.Persist(ctx, "u1", "food", domain.NewProgress().WithAnswer(0, "Daily"))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	p, err := f.tracker.Get(ctx, "u1", "food")
	require.NoError(t, err)
	assert.Equal(t, "Daily", p.Answers[0])
}

func TestProgressTrackerHydratesFromUserDocument(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"), threeQuestionSurvey("art"))
	ctx := context.Background()

	ongoing := domain.NewProgress().WithAnswer(0, "Never")
	ongoing.CurrentQuestionIndex = 1
	require.NoError(t, f.store.Users().Create(ctx, &domain.UserProfile{
		ID:               "u1",
		CompletedSurveys: []string{"art"},
		Ongoing:          map[string]domain.Progress{"food": ongoing},
	}))

	tracker := NewProgressTracker(f.store, f.store.Users(), zap.NewNop(), f.opts)
	p, err := tracker.Get(ctx, "u1", "food")
	require.NoError(t, err)
	assert.Equal(t, 1, p.CurrentQuestionIndex)
	assert.Equal(t, "Never", p.Answers[0])

	done, err := tracker.Get(ctx, "u1", "art")
	require.NoError(t, err)
	assert.True(t, done.IsCompleted)

	_, err = tracker.RecordAnswer(ctx, "u1", "art", 0, "Daily")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
}

func TestProgressTrackerForgetDropsCache(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	ctx := context.Background()

	f.store.Fail(memory.OpSaveProgress, errors.New("offline"))
	_, err := f.tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
	require.NoError(t, err)

	f.tracker.Forget("u1")
	p, err := f.tracker.Get(ctx, "u1", "food")
	require.NoError(t, err)
	assert.Empty(t, p.Answers)
}

// gatedUsers blocks the first SaveProgress until release is closed.
type gatedUsers struct {
	*memory.Users
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedUsers) SaveProgress(ctx context.Context, userID, surveyID string, progress domain.Progress) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Users.SaveProgress(ctx, userID, surveyID, progress)
}

func TestAutosaveKeepsNewestProgressStored(t *testing.T) {
	f := newFixture(t, threeQuestionSurvey("food"))
	users := &gatedUsers{Users: f.store.Users(), entered: make(chan struct{}), release: make(chan struct{})}
	tracker := NewProgressTracker(f.store, users, zap.NewNop(), f.opts)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := tracker.RecordAnswer(ctx, "u1", "food", 0, "Daily")
		assert.NoError(t, err)
	}()
	<-users.entered

	go func() {
		defer wg.Done()
		_, err := tracker.RecordAnswer(ctx, "u1", "food", 2, "Raw")
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		p, err := tracker.Get(ctx, "u1", "food")
		return err == nil && p.Answers[2] == "Raw"
	}, 2*time.Second, 5*time.Millisecond)

	close(users.release)
	wg.Wait()

	profile, err := f.store.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, profile.Ongoing, "food")
	assert.Equal(t, map[int]string{0: "Daily", 2: "Raw"}, profile.Ongoing["food"].Answers)
}
