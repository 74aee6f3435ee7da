package application

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// SubmissionPipeline validates and commits completed answer sets.
type SubmissionPipeline struct {
	surveys     SurveyRepository
	users       UserRepository
	submissions SubmissionRepository
	tracker     *ProgressTracker
	logger      *zap.Logger
	opts        Options

	mu sync.Mutex
	// pendingExpiries holds expiries applied locally but not yet written to the store.
	pendingExpiries map[expiryKey]struct{}
}

type expiryKey struct {
	userID   string
	surveyID string
}

// NewSubmissionPipeline wires the pipeline to its repositories and the tracker it finalizes.
func NewSubmissionPipeline(surveys SurveyRepository, users UserRepository, submissions SubmissionRepository, tracker *ProgressTracker, logger *zap.Logger, opts Options) *SubmissionPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionPipeline{
		surveys:         surveys,
		users:           users,
		submissions:     submissions,
		tracker:         tracker,
		logger:          logger,
		opts:            opts,
		pendingExpiries: map[expiryKey]struct{}{},
	}
}

// Submit validates answers and commits the response record, one tally entry per
// answered question and the completed-set update as a single unit.
// Tally entries are keyed by user so a resubmission overwrites instead of double counting.
// Expired surveys and surveys outside their window reject the submission.
func (p *SubmissionPipeline) Submit(ctx context.Context, userID, surveyID string, answers map[int]string) (*SubmitResult, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	survey, err := p.surveys.FindByID(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if survey.Window(p.opts.now()) != domain.WindowOpen {
		return nil, domain.ErrWindowClosed
	}
	// 期限切れは提出より優先される
	progress, err := p.tracker.Get(ctx, userID, surveyID)
	if err != nil {
		return nil, err
	}
	if progress.Expired {
		return nil, domain.ErrAlreadyCompleted
	}
	if err := p.Validate(*survey, answers); err != nil {
		return nil, err
	}

	submission := domain.Submission{
		Response: domain.Response{
			SurveyID:  surveyID,
			UserID:    userID,
			Answers:   copyAnswers(answers),
			Completed: true,
		},
	}
	for idx, q := range survey.Questions {
		if q.Type == domain.FreeResponse && strings.TrimSpace(answers[idx]) == "" {
			continue
		}
		submission.Tallies = append(submission.Tallies, domain.TallyEntry{
			SurveyID:      surveyID,
			QuestionIndex: idx,
			UserID:        userID,
			Option:        answers[idx],
		})
	}

	submittedAt, err := p.submissions.Commit(ctx, submission)
	if err != nil {
		p.logger.Error("アンケートの送信に失敗しました",
			zap.String("userId", userID),
			zap.String("surveyId", surveyID),
			zap.Error(err),
		)
		return nil, err
	}

	p.tracker.MarkCompleted(ctx, userID, surveyID, answers)
	p.mu.Lock()
	delete(p.pendingExpiries, expiryKey{userID: userID, surveyID: surveyID})
	p.mu.Unlock()

	p.logger.Info("アンケートを送信しました", zap.String("userId", userID), zap.String("surveyId", surveyID))
	return &SubmitResult{
		SurveyID:    surveyID,
		UserID:      userID,
		Answers:     copyAnswers(answers),
		SubmittedAt: submittedAt,
	}, nil
}

// Validate checks that answers cover every question of survey.
func (p *SubmissionPipeline) Validate(survey domain.Survey, answers map[int]string) error {
	for idx := range answers {
		if idx < 0 || idx >= survey.QuestionCount() {
			return domain.InvalidIndex(idx, survey.QuestionCount())
		}
	}
	for idx, q := range survey.Questions {
		answer, ok := answers[idx]
		if !ok {
			return domain.InvalidAnswer("question %d is unanswered", idx)
		}
		if q.Type != domain.MultipleChoice {
			continue
		}
		if answer == "" {
			return domain.InvalidAnswer("question %d requires a choice", idx)
		}
		if p.opts.EnforceOptionMembership && !q.HasOption(answer) {
			return domain.InvalidAnswer("question %d: %q is not a listed option", idx, answer)
		}
	}
	return nil
}

// SubmitProgress submits the answers collected so far by the tracker.
func (p *SubmissionPipeline) SubmitProgress(ctx context.Context, userID, surveyID string) (*SubmitResult, error) {
	progress, err := p.tracker.Get(ctx, userID, surveyID)
	if err != nil {
		return nil, err
	}
	return p.Submit(ctx, userID, surveyID, progress.Answers)
}

// MarkExpired force-completes surveyID for the user without writing tally entries.
// The local state always changes; a failed store write is queued for RetryPending.
func (p *SubmissionPipeline) MarkExpired(ctx context.Context, userID, surveyID string) error {
	if userID == "" {
		return domain.ErrUnauthenticated
	}
	if !p.tracker.MarkExpired(ctx, userID, surveyID) {
		return nil
	}

	key := expiryKey{userID: userID, surveyID: surveyID}
	if err := p.users.MarkExpired(ctx, userID, surveyID); err != nil {
		p.mu.Lock()
		p.pendingExpiries[key] = struct{}{}
		p.mu.Unlock()
		p.logger.Warn("期限切れの反映に失敗しました。再接続時に再送します",
			zap.String("userId", userID),
			zap.String("surveyId", surveyID),
			zap.Error(err),
		)
		return nil
	}
	p.logger.Info("アンケートを期限切れにしました", zap.String("userId", userID), zap.String("surveyId", surveyID))
	return nil
}

// ExpireElapsed expires every in-progress survey of the user whose window closed before now.
func (p *SubmissionPipeline) ExpireElapsed(ctx context.Context, userID string, surveys []domain.Survey, now time.Time) ([]string, error) {
	progress, completed, err := p.tracker.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, survey := range surveys {
		pr, ok := progress[survey.ID]
		if !ok || pr.Answered() == 0 || pr.IsCompleted {
			continue
		}
		if _, done := completed[survey.ID]; done {
			continue
		}
		if survey.Window(now) != domain.WindowClosed {
			continue
		}
		if err := p.MarkExpired(ctx, userID, survey.ID); err != nil {
			return expired, err
		}
		expired = append(expired, survey.ID)
	}
	return expired, nil
}

// RetryPending replays queued expiry writes; it is safe to call repeatedly.
func (p *SubmissionPipeline) RetryPending(ctx context.Context) int {
	p.mu.Lock()
	keys := make([]expiryKey, 0, len(p.pendingExpiries))
	for key := range p.pendingExpiries {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	remaining := 0
	for _, key := range keys {
		if err := p.users.MarkExpired(ctx, key.userID, key.surveyID); err != nil {
			remaining++
			continue
		}
		p.mu.Lock()
		delete(p.pendingExpiries, key)
		p.mu.Unlock()
	}
	return remaining
}

// PendingExpiries returns how many expiry writes are waiting for a retry.
func (p *SubmissionPipeline) PendingExpiries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingExpiries)
}

func copyAnswers(answers map[int]string) map[int]string {
	out := make(map[int]string, len(answers))
	for k, v := range answers {
		out[k] = v
	}
	return out
}
