package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// ErrAggregatorClosed is returned by Subscribe after Close.
var ErrAggregatorClosed = errors.New("results aggregator closed")

// ResultsAggregator keeps one live tally feed per (survey, question) and fans
// full recounts out to subscribers.
type ResultsAggregator struct {
	source TallySource
	logger *zap.Logger
	now    func() time.Time
	// newBackOff builds the reconnect policy for a feed.
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	feeds  map[domain.QuestionKey]*tallyFeed
	closed bool
}

type tallyFeed struct {
	key    domain.QuestionKey
	cancel context.CancelFunc
	done   chan struct{}
	// refs counts attached subscriptions; guarded by ResultsAggregator.mu.
	refs int

	mu          sync.Mutex
	latest      domain.ResultSnapshot
	hasLatest   bool
	subscribers map[uint64]chan domain.ResultSnapshot
	nextID      uint64
	stopped     bool
}

// Subscription is one consumer's view of a feed. C receives full recounts;
// when the consumer falls behind only the newest snapshot is kept.
type Subscription struct {
	C      <-chan domain.ResultSnapshot
	cancel func()
	once   sync.Once
}

// Cancel stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// NewResultsAggregator builds an aggregator reading from source.
func NewResultsAggregator(source TallySource, logger *zap.Logger, opts Options) *ResultsAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsAggregator{
		source: source,
		logger: logger,
		now:    opts.now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
		feeds: map[domain.QuestionKey]*tallyFeed{},
	}
}

// Subscribe registers a consumer for the question's counts. The underlying feed is
// opened once per key; later calls attach to it. The subscription ends when ctx is
// done, Cancel is called, or the aggregator is reset. The feed is released with
// its last subscription.
func (a *ResultsAggregator) Subscribe(ctx context.Context, surveyID string, questionIndex int) (*Subscription, error) {
	if questionIndex < 0 {
		return nil, domain.InvalidIndex(questionIndex, 0)
	}
	key := domain.QuestionKey{SurveyID: surveyID, QuestionIndex: questionIndex}

	f, err := a.acquire(key)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.ResultSnapshot, 1)
	f.mu.Lock()
	if f.stopped {
		// 直前に UnsubscribeAll された
		f.mu.Unlock()
		a.release(f)
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}, nil
	}
	id := f.nextID
	f.nextID++
	f.subscribers[id] = ch
	if f.hasLatest {
		snap := f.latest
		snap.Counts = snap.Counts.Clone()
		ch <- snap
	}
	f.mu.Unlock()

	stop := make(chan struct{})
	sub := &Subscription{C: ch}
	sub.cancel = func() {
		close(stop)
		f.mu.Lock()
		if c, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			close(c)
		}
		f.mu.Unlock()
		a.release(f)
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-stop:
		case <-f.done:
		}
	}()
	return sub, nil
}

// acquire returns the feed for key, opening it if needed, and takes a reference.
func (a *ResultsAggregator) acquire(key domain.QuestionKey) (*tallyFeed, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrAggregatorClosed
	}
	if f, ok := a.feeds[key]; ok {
		f.refs++
		return f, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &tallyFeed{
		key:         key,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: map[uint64]chan domain.ResultSnapshot{},
		refs:        1,
	}
	a.feeds[key] = f
	go a.run(ctx, f)
	return f, nil
}

// release drops a reference and stops the feed once nobody is attached.
func (a *ResultsAggregator) release(f *tallyFeed) {
	a.mu.Lock()
	f.refs--
	last := f.refs <= 0
	if last && a.feeds[f.key] == f {
		delete(a.feeds, f.key)
	}
	a.mu.Unlock()
	if last {
		f.cancel()
	}
}

// Latest returns the most recent snapshot for the question, if any has been taken.
func (a *ResultsAggregator) Latest(surveyID string, questionIndex int) (domain.ResultSnapshot, bool) {
	a.mu.Lock()
	f, ok := a.feeds[domain.QuestionKey{SurveyID: surveyID, QuestionIndex: questionIndex}]
	a.mu.Unlock()
	if !ok {
		return domain.ResultSnapshot{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLatest {
		return domain.ResultSnapshot{}, false
	}
	snap := f.latest
	snap.Counts = snap.Counts.Clone()
	return snap, true
}

// Counts returns the live feed's latest counts when one is open, otherwise a
// one-off recount. Failures degrade to empty counts.
func (a *ResultsAggregator) Counts(ctx context.Context, surveyID string, questionIndex int) domain.OptionCounts {
	if snap, ok := a.Latest(surveyID, questionIndex); ok {
		return snap.Counts
	}
	counts, err := a.source.CountOptions(ctx, domain.QuestionKey{SurveyID: surveyID, QuestionIndex: questionIndex})
	if err != nil {
		a.logger.Warn("集計の取得に失敗しました",
			zap.String("surveyId", surveyID),
			zap.Int("questionIndex", questionIndex),
			zap.Error(err),
		)
		return domain.OptionCounts{}
	}
	return counts
}

// Active returns the number of open feeds.
func (a *ResultsAggregator) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.feeds)
}

// UnsubscribeAll releases every feed and closes all subscriber channels.
// The aggregator stays usable for later subscriptions.
func (a *ResultsAggregator) UnsubscribeAll() {
	a.mu.Lock()
	feeds := a.feeds
	a.feeds = map[domain.QuestionKey]*tallyFeed{}
	a.mu.Unlock()

	for _, f := range feeds {
		f.cancel()
	}
	for _, f := range feeds {
		<-f.done
	}
}

// Close releases all feeds and rejects further subscriptions.
func (a *ResultsAggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.UnsubscribeAll()
}

// run keeps the feed connected. Each (re)connection starts with a full recount so
// notifications lost while disconnected never leave the counts stale.
func (a *ResultsAggregator) run(ctx context.Context, f *tallyFeed) {
	defer func() {
		f.mu.Lock()
		f.stopped = true
		for id, ch := range f.subscribers {
			close(ch)
			delete(f.subscribers, id)
		}
		f.mu.Unlock()
		close(f.done)
	}()

	b := a.newBackOff()
	for {
		events, err := a.source.WatchTallies(ctx, f.key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("集計フィードの購読に失敗しました。再接続します",
				zap.String("surveyId", f.key.SurveyID),
				zap.Int("questionIndex", f.key.QuestionIndex),
				zap.Error(err),
			)
			if !sleepContext(ctx, b.NextBackOff()) {
				return
			}
			continue
		}
		b.Reset()
		a.recount(ctx, f)

		for open := true; open; {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					open = false
					break
				}
				drain(events)
				a.recount(ctx, f)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if !sleepContext(ctx, b.NextBackOff()) {
			return
		}
	}
}

func (a *ResultsAggregator) recount(ctx context.Context, f *tallyFeed) {
	counts, err := a.source.CountOptions(ctx, f.key)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("集計の再計算に失敗しました。前回の値を維持します",
				zap.String("surveyId", f.key.SurveyID),
				zap.Int("questionIndex", f.key.QuestionIndex),
				zap.Error(err),
			)
		}
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	at := a.now()
	if f.hasLatest && !at.After(f.latest.At) {
		at = f.latest.At.Add(time.Nanosecond)
	}
	f.latest = domain.ResultSnapshot{
		SurveyID:      f.key.SurveyID,
		QuestionIndex: f.key.QuestionIndex,
		Counts:        counts,
		At:            at,
	}
	f.hasLatest = true
	for _, ch := range f.subscribers {
		snap := f.latest
		snap.Counts = counts.Clone()
		offerLatest(ch, snap)
	}
}

// offerLatest delivers snap, replacing an unread older snapshot if the buffer is full.
func offerLatest(ch chan domain.ResultSnapshot, snap domain.ResultSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func drain(events <-chan struct{}) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = 30 * time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
