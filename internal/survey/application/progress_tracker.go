package application

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// ProgressTracker owns each user's in-flight survey state.
// 進捗はメモリ上のキャッシュを正とし、変更のたびにユーザードキュメントへ自動保存する。
// 自動保存の失敗はログに残し、次の変更時にまとめて再送する。
type ProgressTracker struct {
	surveys SurveyRepository
	users   UserRepository
	logger  *zap.Logger
	opts    Options

	mu       sync.Mutex
	sessions map[string]*userSession
}

type userSession struct {
	// flushMu serializes store writes of the session so an older snapshot never lands last.
	flushMu sync.Mutex

	hydrated  bool
	progress  map[string]domain.Progress
	completed map[string]struct{}
	versions  map[string]uint64
	// dirty maps survey id to the version that still needs to be written.
	dirty map[string]uint64
}

func newUserSession() *userSession {
	return &userSession{
		progress:  map[string]domain.Progress{},
		completed: map[string]struct{}{},
		versions:  map[string]uint64{},
		dirty:     map[string]uint64{},
	}
}

// NewProgressTracker builds a tracker backed by the given repositories.
func NewProgressTracker(surveys SurveyRepository, users UserRepository, logger *zap.Logger, opts Options) *ProgressTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressTracker{
		surveys:  surveys,
		users:    users,
		logger:   logger,
		opts:     opts,
		sessions: map[string]*userSession{},
	}
}

// Get returns the stored progress or a fresh empty one.
// Store failures degrade to the locally known state.
func (t *ProgressTracker) Get(ctx context.Context, userID, surveyID string) (domain.Progress, error) {
	if userID == "" {
		return domain.Progress{}, domain.ErrUnauthenticated
	}
	s := t.session(ctx, userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := s.progress[surveyID]; ok {
		return p.Clone(), nil
	}
	p := domain.NewProgress()
	if _, ok := s.completed[surveyID]; ok {
		p.IsCompleted = true
	}
	return p, nil
}

// RecordAnswer stores answer at questionIndex and autosaves.
func (t *ProgressTracker) RecordAnswer(ctx context.Context, userID, surveyID string, questionIndex int, answer string) (domain.Progress, error) {
	if userID == "" {
		return domain.Progress{}, domain.ErrUnauthenticated
	}
	survey, err := t.surveys.FindByID(ctx, surveyID)
	if err != nil {
		return domain.Progress{}, err
	}
	if _, err := survey.Question(questionIndex); err != nil {
		return domain.Progress{}, err
	}

	return t.mutate(ctx, userID, surveyID, func(p domain.Progress) domain.Progress {
		return p.WithAnswer(questionIndex, answer)
	})
}

// Advance moves the cursor by delta, clamped to the survey's question range.
func (t *ProgressTracker) Advance(ctx context.Context, userID, surveyID string, delta int) (domain.Progress, error) {
	if userID == "" {
		return domain.Progress{}, domain.ErrUnauthenticated
	}
	survey, err := t.surveys.FindByID(ctx, surveyID)
	if err != nil {
		return domain.Progress{}, err
	}
	count := survey.QuestionCount()

	return t.mutate(ctx, userID, surveyID, func(p domain.Progress) domain.Progress {
		return p.Advance(delta, count)
	})
}

// Persist writes progress durably and replaces the cached copy.
// Unlike autosave, the error is returned to the caller.
func (t *ProgressTracker) Persist(ctx context.Context, userID, surveyID string, progress domain.Progress) error {
	if userID == "" {
		return domain.ErrUnauthenticated
	}
	s := t.session(ctx, userID)
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	t.mu.Lock()
	progress = progress.Clone()
	if progress.LastUpdated.IsZero() {
		progress.LastUpdated = t.opts.now()
	}
	s.progress[surveyID] = progress
	s.versions[surveyID]++
	version := s.versions[surveyID]
	s.dirty[surveyID] = version
	t.mu.Unlock()

	if err := t.users.SaveProgress(ctx, userID, surveyID, progress); err != nil {
		return err
	}
	t.clearDirty(s, surveyID, version)
	return nil
}

func (t *ProgressTracker) mutate(ctx context.Context, userID, surveyID string, apply func(domain.Progress) domain.Progress) (domain.Progress, error) {
	s := t.session(ctx, userID)

	t.mu.Lock()
	current, ok := s.progress[surveyID]
	if !ok {
		current = domain.NewProgress()
	}
	_, inCompletedSet := s.completed[surveyID]
	if current.IsCompleted || inCompletedSet {
		t.mu.Unlock()
		return current.Clone(), domain.ErrAlreadyCompleted
	}
	updated := apply(current)
	updated.LastUpdated = t.opts.now()
	s.progress[surveyID] = updated
	s.versions[surveyID]++
	s.dirty[surveyID] = s.versions[surveyID]
	t.mu.Unlock()

	t.autosave(ctx, userID, s)
	return updated.Clone(), nil
}

// autosave flushes every dirty entry of the user; failures stay dirty for the next mutation.
// The snapshot is taken under flushMu, so each flush writes state at least as new as the previous one.
func (t *ProgressTracker) autosave(ctx context.Context, userID string, s *userSession) {
	type pendingWrite struct {
		progress domain.Progress
		version  uint64
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	t.mu.Lock()
	pending := make(map[string]pendingWrite, len(s.dirty))
	for surveyID, version := range s.dirty {
		pending[surveyID] = pendingWrite{progress: s.progress[surveyID].Clone(), version: version}
	}
	t.mu.Unlock()

	for surveyID, write := range pending {
		if err := t.users.SaveProgress(ctx, userID, surveyID, write.progress); err != nil {
			t.logger.Warn("進捗の自動保存に失敗しました。次回の更新時に再送します",
				zap.String("userId", userID),
				zap.String("surveyId", surveyID),
				zap.Error(err),
			)
			continue
		}
		t.clearDirty(s, surveyID, write.version)
	}
}

func (t *ProgressTracker) clearDirty(s *userSession, surveyID string, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.dirty[surveyID] == version {
		delete(s.dirty, surveyID)
	}
}

// session returns the user's cache, hydrating it from the store on first use.
// Entries mutated locally before hydration win over the stored copy.
func (t *ProgressTracker) session(ctx context.Context, userID string) *userSession {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	if !ok {
		s = newUserSession()
		t.sessions[userID] = s
	}
	hydrated := s.hydrated
	t.mu.Unlock()
	if hydrated {
		return s
	}

	profile, err := t.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			t.mu.Lock()
			s.hydrated = true
			t.mu.Unlock()
			return s
		}
		t.logger.Warn("ユーザー進捗の読み込みに失敗しました", zap.String("userId", userID), zap.Error(err))
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for surveyID, p := range profile.Ongoing {
		if _, local := s.progress[surveyID]; !local {
			s.progress[surveyID] = p.Clone()
		}
	}
	for _, surveyID := range profile.CompletedSurveys {
		s.completed[surveyID] = struct{}{}
		p, ok := s.progress[surveyID]
		if !ok {
			p = domain.NewProgress()
		}
		p.IsCompleted = true
		if profile.HasExpired(surveyID) {
			p.Expired = true
		}
		s.progress[surveyID] = p
	}
	s.hydrated = true
	return s
}

// MarkCompleted records a successful submission locally.
func (t *ProgressTracker) MarkCompleted(ctx context.Context, userID, surveyID string, answers map[int]string) {
	s := t.session(ctx, userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	p := domain.NewProgress()
	for idx, answer := range answers {
		p.Answers[idx] = answer
	}
	if prev, ok := s.progress[surveyID]; ok {
		p.CurrentQuestionIndex = prev.CurrentQuestionIndex
	}
	p.IsCompleted = true
	p.LastUpdated = t.opts.now()
	s.progress[surveyID] = p
	s.completed[surveyID] = struct{}{}
	delete(s.dirty, surveyID)
}

// MarkExpired force-completes the survey locally. It returns false when the
// survey was already submitted, in which case nothing changes.
func (t *ProgressTracker) MarkExpired(ctx context.Context, userID, surveyID string) bool {
	s := t.session(ctx, userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := s.progress[surveyID]
	if !ok {
		p = domain.NewProgress()
	}
	if p.IsCompleted && !p.Expired {
		return false
	}
	p = p.Clone()
	p.IsCompleted = true
	p.Expired = true
	p.LastUpdated = t.opts.now()
	s.progress[surveyID] = p
	s.completed[surveyID] = struct{}{}
	delete(s.dirty, surveyID)
	return true
}

// Snapshot returns copies of every known progress entry and the completed-set.
func (t *ProgressTracker) Snapshot(ctx context.Context, userID string) (map[string]domain.Progress, map[string]struct{}, error) {
	if userID == "" {
		return nil, nil, domain.ErrUnauthenticated
	}
	s := t.session(ctx, userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	progress := make(map[string]domain.Progress, len(s.progress))
	for surveyID, p := range s.progress {
		progress[surveyID] = p.Clone()
	}
	completed := make(map[string]struct{}, len(s.completed))
	for surveyID := range s.completed {
		completed[surveyID] = struct{}{}
	}
	return progress, completed, nil
}

// Forget drops the user's cached state, e.g. on logout.
func (t *ProgressTracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, userID)
}
