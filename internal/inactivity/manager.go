// Package inactivity schedules deferred session analysis after a period of
// inactivity. Each session has at most one pending schedule; restarting it
// supersedes the previous one.
package inactivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"banking-agent/internal/domain"
)

const (
	defaultWindow          = time.Minute
	defaultAnalysisTimeout = 2 * time.Minute
)

// ErrSessionNotFound is returned by AnalyzeNow for unknown or empty sessions.
var ErrSessionNotFound = errors.New("inactivity: session not found")

// SessionSource is the memory store as seen by the manager.
type SessionSource interface {
	ForAnalysis(sessionID string) (domain.Session, bool)
	MarkAnalyzed(ctx context.Context, sessionID string) error
	InactiveSince(threshold time.Duration) []string
}

// BatchAnalyzer runs the analysis of a full session.
type BatchAnalyzer interface {
	AnalyzeBatch(ctx context.Context, sess domain.Session) (domain.BatchAnalysis, error)
}

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type entry struct {
	gen      uint64
	timer    Timer
	deadline time.Time
	running  bool
	// due marks a schedule that fired while another analysis of the same
	// session was in flight. It starts when that analysis finishes.
	due bool
}

// Manager is a debounce scheduler keyed by session id. A single mutex guards
// the schedule table, the in-flight table and the fire bookkeeping. Every
// schedule carries a generation number so a superseded callback that fires
// anyway is a no-op, and at most one analysis per session runs at a time.
type Manager struct {
	source   SessionSource
	analyzer BatchAnalyzer

	window          time.Duration
	analysisTimeout time.Duration
	flushOnShutdown bool
	afterFunc       AfterFunc
	now             func() time.Time
	logger          *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	// busy holds one channel per session with an analysis in flight; it is
	// closed when that analysis finishes.
	busy   map[string]chan struct{}
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

func WithAnalysisTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.analysisTimeout = d
		}
	}
}

// WithFlushOnShutdown makes Shutdown run pending analyses instead of dropping
// them.
func WithFlushOnShutdown(flush bool) Option {
	return func(m *Manager) { m.flushOnShutdown = flush }
}

func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) {
		if f != nil {
			m.afterFunc = f
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager.
func NewManager(source SessionSource, analyzer BatchAnalyzer, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, errors.New("inactivity: session source must not be nil")
	}
	if analyzer == nil {
		return nil, errors.New("inactivity: analyzer must not be nil")
	}
	m := &Manager{
		source:          source,
		analyzer:        analyzer,
		window:          defaultWindow,
		analysisTimeout: defaultAnalysisTimeout,
		afterFunc:       realAfterFunc,
		now:             time.Now,
		logger:          slog.Default(),
		entries:         make(map[string]*entry),
		busy:            make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Restart cancels any pending analysis for the session and schedules a new
// one a full window from now.
func (m *Manager) Restart(sessionID string) {
	m.schedule(sessionID, m.window)
}

func (m *Manager) schedule(sessionID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if prev, ok := m.entries[sessionID]; ok && !prev.running {
		prev.timer.Stop()
	}
	m.gen++
	gen := m.gen
	e := &entry{gen: gen, deadline: m.now().Add(delay)}
	e.timer = m.afterFunc(delay, func() { m.fire(sessionID, gen) })
	m.entries[sessionID] = e

	m.logger.Debug("inactivity: timer scheduled", "session_id", sessionID, "delay", delay)
}

// Cancel drops the pending analysis for the session without running it. It
// reports whether a pending schedule was removed; an analysis already running
// is left to finish.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok || e.running {
		return false
	}
	e.timer.Stop()
	delete(m.entries, sessionID)
	m.logger.Debug("inactivity: timer cancelled", "session_id", sessionID)
	return true
}

func (m *Manager) fire(sessionID string, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if m.closed || !ok || e.gen != gen || e.running {
		m.mu.Unlock()
		return
	}
	if _, busy := m.busy[sessionID]; busy {
		e.due = true
		m.mu.Unlock()
		m.logger.Debug("inactivity: analysis in flight, deferring", "session_id", sessionID)
		return
	}
	m.startLocked(sessionID, e)
	m.mu.Unlock()

	m.run(sessionID, gen)
}

// startLocked marks e running and the session busy. mu must be held and the
// caller must invoke run afterwards.
func (m *Manager) startLocked(sessionID string, e *entry) {
	e.running = true
	e.due = false
	m.busy[sessionID] = make(chan struct{})
	m.wg.Add(1)
}

// run must be preceded by startLocked.
func (m *Manager) run(sessionID string, gen uint64) {
	defer m.wg.Done()
	defer m.release(sessionID, gen)

	ctx, cancel := context.WithTimeout(context.Background(), m.analysisTimeout)
	defer cancel()

	analysis, err := m.analyze(ctx, sessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		m.logger.Warn("inactivity: no conversation data", "session_id", sessionID)
	case err != nil:
		m.logger.Error("inactivity: analysis failed", "session_id", sessionID, "err", err)
	default:
		m.logger.Info("inactivity: conversation analyzed",
			"session_id", sessionID,
			"sentiment", analysis.Sentiment.Overall,
			"insights", analysis.Insights,
		)
	}
}

// release ends the in-flight analysis of the session and removes the
// registration of generation gen, leaving any newer schedule untouched. A
// newer schedule that came due meanwhile is started. gen is zero for forced
// analyses.
func (m *Manager) release(sessionID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.busy[sessionID]; ok {
		close(ch)
		delete(m.busy, sessionID)
	}
	e, ok := m.entries[sessionID]
	if !ok {
		return
	}
	if gen != 0 && e.gen == gen {
		delete(m.entries, sessionID)
		return
	}
	if e.due && !e.running && (!m.closed || m.flushOnShutdown) {
		m.startLocked(sessionID, e)
		go m.run(sessionID, e.gen)
	}
}

// AnalyzeNow runs the batch analysis for a session immediately and marks it
// analysed on success. It waits for an analysis of the same session already
// in flight to finish first.
func (m *Manager) AnalyzeNow(ctx context.Context, sessionID string) (domain.BatchAnalysis, error) {
	for {
		m.mu.Lock()
		ch, busy := m.busy[sessionID]
		if !busy {
			m.busy[sessionID] = make(chan struct{})
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return domain.BatchAnalysis{}, fmt.Errorf("inactivity: wait for analysis of %q: %w", sessionID, ctx.Err())
		}
	}
	defer m.release(sessionID, 0)
	return m.analyze(ctx, sessionID)
}

func (m *Manager) analyze(ctx context.Context, sessionID string) (domain.BatchAnalysis, error) {
	sess, ok := m.source.ForAnalysis(sessionID)
	if !ok || len(sess.Turns) == 0 {
		return domain.BatchAnalysis{}, ErrSessionNotFound
	}
	analysis, err := m.analyzer.AnalyzeBatch(ctx, sess)
	if err != nil {
		return domain.BatchAnalysis{}, fmt.Errorf("inactivity: analyze %q: %w", sessionID, err)
	}
	if err := m.source.MarkAnalyzed(ctx, sessionID); err != nil {
		m.logger.Warn("inactivity: mark analyzed failed", "session_id", sessionID, "err", err)
	}
	return analysis, nil
}

// SweepInactive schedules an immediate analysis for every unanalysed session
// idle longer than the window whose schedule is missing or overdue, such as
// sessions restored from persistence or timers that did not advance while the
// process was frozen. It returns the number scheduled.
func (m *Manager) SweepInactive() int {
	ids := m.source.InactiveSince(m.window)
	scheduled := 0
	for _, id := range ids {
		m.mu.Lock()
		e, pending := m.entries[id]
		current := pending && (e.running || e.due || m.now().Before(e.deadline))
		m.mu.Unlock()
		if current {
			continue
		}
		m.schedule(id, 0)
		scheduled++
	}
	return scheduled
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ActiveSessions maps each registered session to the time left before its
// analysis fires. Running analyses report zero.
func (m *Manager) ActiveSessions() map[string]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[string]time.Duration, len(m.entries))
	for id, e := range m.entries {
		remaining := e.deadline.Sub(now)
		if e.running || remaining < 0 {
			remaining = 0
		}
		out[id] = remaining
	}
	return out
}

// Shutdown stops accepting schedules, drops or flushes pending ones and waits
// for running analyses until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	type job struct {
		id  string
		gen uint64
	}
	var flush []job
	for id, e := range m.entries {
		if e.running {
			continue
		}
		e.timer.Stop()
		if m.flushOnShutdown {
			if _, busy := m.busy[id]; busy {
				e.due = true
				continue
			}
			m.startLocked(id, e)
			flush = append(flush, job{id: id, gen: e.gen})
			continue
		}
		delete(m.entries, id)
	}
	m.mu.Unlock()

	for _, j := range flush {
		go m.run(j.id, j.gen)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("inactivity: drained", "flushed", len(flush))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inactivity: shutdown: %w", ctx.Err())
	}
}
