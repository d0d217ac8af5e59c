// Package sentiment wraps the text analytics service: per-message sentiment
// with a neutral fallback, and batch analysis of whole sessions.
package sentiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"banking-agent/internal/domain"
)

const (
	defaultHistoryCap = 1000
	defaultTimeout    = 5 * time.Second
	recentSummarySize = 10
	trendConcurrency  = 4
)

// ErrNoText is returned by AnalyzeBatch for a transcript without content.
var ErrNoText = errors.New("sentiment: no text to analyze")

// TextAnalytics is the text analytics service.
type TextAnalytics interface {
	DetectSentiment(ctx context.Context, text string) (domain.SentimentResult, error)
	DetectEntities(ctx context.Context, text string) ([]domain.Entity, error)
	DetectKeyPhrases(ctx context.Context, text string) ([]domain.KeyPhrase, error)
}

// Recorder persists sentiment telemetry. Failures are logged, never surfaced.
type Recorder interface {
	RecordSentiment(ctx context.Context, rec domain.SentimentRecord) error
	RecordAnalysis(ctx context.Context, analysis domain.BatchAnalysis) error
}

// Adapter normalizes text analytics results and keeps a bounded history.
type Adapter struct {
	api        TextAnalytics
	recorder   Recorder
	timeout    time.Duration
	historyCap int
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	history  []domain.SentimentRecord
	analyses map[string]domain.BatchAnalysis
}

type Option func(*Adapter)

func WithRecorder(r Recorder) Option {
	return func(a *Adapter) { a.recorder = r }
}

func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithHistoryCap(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.historyCap = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdapter creates an Adapter over the given service.
func NewAdapter(api TextAnalytics, opts ...Option) (*Adapter, error) {
	if api == nil {
		return nil, errors.New("sentiment: text analytics client must not be nil")
	}
	a := &Adapter{
		api:        api,
		timeout:    defaultTimeout,
		historyCap: defaultHistoryCap,
		logger:     slog.Default(),
		now:        time.Now,
		analyses:   make(map[string]domain.BatchAnalysis),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NeutralDefault is the record substituted when the service fails.
func NeutralDefault(text string, ts time.Time) domain.SentimentRecord {
	return domain.SentimentRecord{
		Sentiment:  domain.SentimentNeutral,
		Confidence: 0.5,
		Scores: domain.SentimentScores{
			domain.SentimentPositive: 0.25,
			domain.SentimentNegative: 0.25,
			domain.SentimentNeutral:  0.5,
			domain.SentimentMixed:    0,
		},
		Timestamp: ts,
		Message:   text,
	}
}

// AnalyzeSingle detects the sentiment of one user message. It never fails:
// service errors and timeouts yield NeutralDefault.
func (a *Adapter) AnalyzeSingle(ctx context.Context, text string) domain.SentimentRecord {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.api.DetectSentiment(callCtx, text)
	if err != nil {
		a.logger.Warn("sentiment: detect failed, using neutral default", "err", err)
		rec := NeutralDefault(text, a.now())
		rec.Error = err.Error()
		return rec
	}

	rec := domain.SentimentRecord{
		Sentiment:  res.Sentiment,
		Confidence: res.Confidence(),
		Scores:     res.Scores,
		Timestamp:  a.now(),
		Message:    text,
	}
	a.appendHistory(rec)

	if a.recorder != nil {
		if err := a.recorder.RecordSentiment(ctx, rec); err != nil {
			a.logger.Warn("sentiment: record history failed", "err", err)
		}
	}
	return rec
}

func (a *Adapter) appendHistory(rec domain.SentimentRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, rec)
	if over := len(a.history) - a.historyCap; over > 0 {
		a.history = append([]domain.SentimentRecord(nil), a.history[over:]...)
	}
}

// AnalyzeBatch analyses a whole session transcript.
func (a *Adapter) AnalyzeBatch(ctx context.Context, sess domain.Session) (domain.BatchAnalysis, error) {
	parts := make([]string, 0, len(sess.Turns))
	for _, t := range sess.Turns {
		if c := strings.TrimSpace(t.Content); c != "" {
			parts = append(parts, c)
		}
	}
	fullText := strings.Join(parts, " ")
	if fullText == "" {
		return domain.BatchAnalysis{}, ErrNoText
	}

	var (
		overall    domain.SentimentResult
		entities   []domain.Entity
		keyPhrases []domain.KeyPhrase
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, a.timeout)
		defer cancel()
		var err error
		overall, err = a.api.DetectSentiment(callCtx, fullText)
		if err != nil {
			return fmt.Errorf("sentiment: detect overall sentiment: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, a.timeout)
		defer cancel()
		var err error
		entities, err = a.api.DetectEntities(callCtx, fullText)
		if err != nil {
			return fmt.Errorf("sentiment: detect entities: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, a.timeout)
		defer cancel()
		var err error
		keyPhrases, err = a.api.DetectKeyPhrases(callCtx, fullText)
		if err != nil {
			return fmt.Errorf("sentiment: detect key phrases: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.BatchAnalysis{}, err
	}

	userMessages := sess.UserContents()
	analysis := domain.BatchAnalysis{
		SessionID:          sess.ID,
		AnalysisTimestamp:  a.now(),
		MessageCount:       len(sess.Turns),
		UserMessageCount:   len(userMessages),
		ConversationLength: len(fullText),
		Sentiment: domain.OverallSentiment{
			Overall:    overall.Sentiment,
			Confidence: overall.Confidence(),
			Scores:     overall.Scores,
		},
		Entities:           entities,
		KeyPhrases:         keyPhrases,
		UserSentimentTrend: ClassifyTrend(a.userSentiments(ctx, userMessages)),
		Insights:           Insights(overall, entities, keyPhrases),
	}

	a.mu.Lock()
	a.analyses[sess.ID] = analysis
	a.mu.Unlock()

	if a.recorder != nil {
		if err := a.recorder.RecordAnalysis(ctx, analysis); err != nil {
			a.logger.Warn("sentiment: record analysis failed", "session_id", sess.ID, "err", err)
		}
	}
	return analysis, nil
}

// userSentiments labels each user message; failures count as NEUTRAL.
func (a *Adapter) userSentiments(ctx context.Context, messages []string) []domain.Sentiment {
	labels := make([]domain.Sentiment, len(messages))
	var g errgroup.Group
	g.SetLimit(trendConcurrency)
	for i, msg := range messages {
		i, msg := i, msg
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			res, err := a.api.DetectSentiment(callCtx, msg)
			if err != nil {
				labels[i] = domain.SentimentNeutral
				return nil
			}
			labels[i] = res.Sentiment
			return nil
		})
	}
	_ = g.Wait()
	return labels
}

// ConversationAnalysis returns the last batch analysis of a session.
func (a *Adapter) ConversationAnalysis(sessionID string) (domain.BatchAnalysis, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	analysis, ok := a.analyses[sessionID]
	return analysis, ok
}

// Summary aggregates the sentiment history.
func (a *Adapter) Summary() domain.SentimentSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.history) == 0 {
		return domain.SentimentSummary{}
	}
	dist := make(map[domain.Sentiment]int)
	total := 0.0
	for _, rec := range a.history {
		dist[rec.Sentiment]++
		total += rec.Confidence
	}
	start := len(a.history) - recentSummarySize
	if start < 0 {
		start = 0
	}
	recent := make([]domain.SentimentRecord, len(a.history)-start)
	copy(recent, a.history[start:])

	return domain.SentimentSummary{
		TotalAnalyses:     len(a.history),
		Distribution:      dist,
		AverageConfidence: total / float64(len(a.history)),
		Recent:            recent,
	}
}
