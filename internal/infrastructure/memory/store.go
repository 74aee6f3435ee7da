// Package memory is an in-process document store used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// Op names a store operation for failure injection.
type Op string

const (
	OpFindSurveys  Op = "findSurveys"
	OpFindUser     Op = "findUser"
	OpSaveProgress Op = "saveProgress"
	OpMarkExpired  Op = "markExpired"
	OpCommit       Op = "commit"
	OpCount        Op = "count"
	OpWatch        Op = "watch"
)

// Store implements every repository port over maps guarded by one mutex.
// Commit applies all of its writes under the lock, so readers never observe
// a partial submission.
type Store struct {
	now func() time.Time

	mu        sync.Mutex
	surveys   map[string]domain.Survey
	users     map[string]*domain.UserProfile
	responses map[string]domain.Response
	tallies   map[domain.QuestionKey]map[string]domain.TallyEntry
	watchers  map[domain.QuestionKey]map[*watcher]struct{}
	failures  map[Op]error
	calls     map[Op]int
}

type watcher struct {
	ch   chan struct{}
	once sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.ch) })
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		surveys:   map[string]domain.Survey{},
		users:     map[string]*domain.UserProfile{},
		responses: map[string]domain.Response{},
		tallies:   map[domain.QuestionKey]map[string]domain.TallyEntry{},
		watchers:  map[domain.QuestionKey]map[*watcher]struct{}{},
		failures:  map[Op]error{},
		calls:     map[Op]int{},
	}
}

// SetClock overrides the server timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail makes op return err until cleared with a nil err.
func (s *Store) Fail(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was attempted.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// check records the call and returns the injected failure. Callers hold s.mu.
func (s *Store) check(op Op) error {
	s.calls[op]++
	if err, ok := s.failures[op]; ok {
		return domain.StoreUnavailable(string(op), err)
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Surveys

func (s *Store) FindAll(ctx context.Context) ([]domain.Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpFindSurveys); err != nil {
		return nil, err
	}
	out := make([]domain.Survey, 0, len(s.surveys))
	for _, survey := range s.surveys {
		out = append(out, cloneSurvey(survey))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*domain.Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpFindSurveys); err != nil {
		return nil, err
	}
	survey, ok := s.surveys[id]
	if !ok {
		return nil, domain.NotFound("survey", id)
	}
	out := cloneSurvey(survey)
	return &out, nil
}

func (s *Store) Save(ctx context.Context, survey *domain.Survey) error {
	if err := survey.Validate(); err != nil {
		return &domain.DecodeError{Collection: "surveys", ID: survey.ID, Cause: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surveys[survey.ID] = cloneSurvey(*survey)
	return nil
}

func (s *Store) DeleteByTag(ctx context.Context, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, survey := range s.surveys {
		for _, t := range survey.Tags {
			if t == tag {
				delete(s.surveys, id)
				deleted++
				break
			}
		}
	}
	return deleted, nil
}

// Users returns a UserRepository view of the store.
func (s *Store) Users() *Users { return &Users{store: s} }

// Users implements the user-document port. Its methods share names with the
// survey port, hence the separate type.
type Users struct {
	store *Store
}

func (u *Users) FindByID(ctx context.Context, userID string) (*domain.UserProfile, error) {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpFindUser); err != nil {
		return nil, err
	}
	profile, ok := s.users[userID]
	if !ok {
		return nil, domain.NotFound("user", userID)
	}
	return cloneProfile(profile), nil
}

func (u *Users) Create(ctx context.Context, profile *domain.UserProfile) error {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[profile.ID]
	if !ok {
		created := cloneProfile(profile)
		created.Tags = append([]string{}, profile.Tags...)
		s.users[profile.ID] = created
		return nil
	}
	// 進捗保存などで先に作られたドキュメントは欠けている値だけ補う
	if existing.Email == "" {
		existing.Email = profile.Email
	}
	if existing.DisplayName == "" {
		existing.DisplayName = profile.DisplayName
	}
	if existing.Tags == nil {
		existing.Tags = append([]string{}, profile.Tags...)
	}
	return nil
}

func (u *Users) UpdateTags(ctx context.Context, userID string, tags []string) error {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.users[userID]
	if !ok {
		return domain.NotFound("user", userID)
	}
	profile.Tags = append([]string{}, tags...)
	return nil
}

func (u *Users) SaveProgress(ctx context.Context, userID, surveyID string, progress domain.Progress) error {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSaveProgress); err != nil {
		return err
	}
	profile := s.userLocked(userID)
	profile.Ongoing[surveyID] = progress.Clone()
	return nil
}

func (u *Users) MarkExpired(ctx context.Context, userID, surveyID string) error {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpMarkExpired); err != nil {
		return err
	}
	profile := s.userLocked(userID)
	profile.CompletedSurveys = addToSet(profile.CompletedSurveys, surveyID)
	profile.ExpiredSurveys = addToSet(profile.ExpiredSurveys, surveyID)
	delete(profile.Ongoing, surveyID)
	return nil
}

// userLocked returns the user document, upserting one without tags or email. Callers hold s.mu.
func (s *Store) userLocked(userID string) *domain.UserProfile {
	profile, ok := s.users[userID]
	if !ok {
		profile = &domain.UserProfile{ID: userID, Ongoing: map[string]domain.Progress{}}
		s.users[userID] = profile
	}
	if profile.Ongoing == nil {
		profile.Ongoing = map[string]domain.Progress{}
	}
	return profile
}

// Submissions

// Commit writes the response, the tally entries and the user's completed-set in one step.
func (s *Store) Commit(ctx context.Context, submission domain.Submission) (time.Time, error) {
	s.mu.Lock()
	if err := s.check(OpCommit); err != nil {
		s.mu.Unlock()
		return time.Time{}, err
	}
	at := s.now()
	resp := submission.Response
	resp.SubmittedAt = at
	resp.Answers = copyAnswers(resp.Answers)
	s.responses[resp.SurveyID+"/"+resp.UserID] = resp

	touched := make([]domain.QuestionKey, 0, len(submission.Tallies))
	for _, entry := range submission.Tallies {
		key := domain.QuestionKey{SurveyID: entry.SurveyID, QuestionIndex: entry.QuestionIndex}
		entries, ok := s.tallies[key]
		if !ok {
			entries = map[string]domain.TallyEntry{}
			s.tallies[key] = entries
		}
		entry.Timestamp = at
		entries[entry.UserID] = entry
		touched = append(touched, key)
	}

	profile := s.userLocked(resp.UserID)
	profile.CompletedSurveys = addToSet(profile.CompletedSurveys, resp.SurveyID)
	delete(profile.Ongoing, resp.SurveyID)

	for _, key := range touched {
		for w := range s.watchers[key] {
			select {
			case w.ch <- struct{}{}:
			default:
			}
		}
	}
	s.mu.Unlock()
	return at, nil
}

// Response returns the stored response record.
func (s *Store) Response(surveyID, userID string) (domain.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[surveyID+"/"+userID]
	return resp, ok
}

// TallyEntries returns the stored entries of one question ordered by user id.
func (s *Store) TallyEntries(key domain.QuestionKey) []domain.TallyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TallyEntry, 0, len(s.tallies[key]))
	for _, entry := range s.tallies[key] {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Tallies

func (s *Store) CountOptions(ctx context.Context, key domain.QuestionKey) (domain.OptionCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpCount); err != nil {
		return nil, err
	}
	counts := domain.OptionCounts{}
	for _, entry := range s.tallies[key] {
		counts[entry.Option]++
	}
	return counts, nil
}

func (s *Store) WatchTallies(ctx context.Context, key domain.QuestionKey) (<-chan struct{}, error) {
	s.mu.Lock()
	if err := s.check(OpWatch); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	w := &watcher{ch: make(chan struct{}, 1)}
	if s.watchers[key] == nil {
		s.watchers[key] = map[*watcher]struct{}{}
	}
	s.watchers[key][w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[key], w)
		s.mu.Unlock()
		w.close()
	}()
	return w.ch, nil
}

// Watchers returns the number of open feeds for key.
func (s *Store) Watchers(key domain.QuestionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[key])
}

// DropWatchers ends every open feed, as a lost connection would.
func (s *Store) DropWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, set := range s.watchers {
		for w := range set {
			w.close()
		}
		delete(s.watchers, key)
	}
}

func cloneSurvey(in domain.Survey) domain.Survey {
	out := in
	out.Tags = append([]string(nil), in.Tags...)
	out.Questions = make([]domain.Question, len(in.Questions))
	for i, q := range in.Questions {
		q.Options = append([]string(nil), q.Options...)
		out.Questions[i] = q
	}
	if in.CreatedAt != nil {
		t := *in.CreatedAt
		out.CreatedAt = &t
	}
	return out
}

func cloneProfile(in *domain.UserProfile) *domain.UserProfile {
	out := *in
	out.Tags = append([]string(nil), in.Tags...)
	out.CompletedSurveys = append([]string(nil), in.CompletedSurveys...)
	out.ExpiredSurveys = append([]string(nil), in.ExpiredSurveys...)
	out.Ongoing = make(map[string]domain.Progress, len(in.Ongoing))
	for id, p := range in.Ongoing {
		out.Ongoing[id] = p.Clone()
	}
	return &out
}

func copyAnswers(in map[int]string) map[int]string {
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func addToSet(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
