package inactivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"banking-agent/internal/domain"
)

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) timer(i int) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[i]
}

type fakeSource struct {
	mu        sync.Mutex
	sessions  map[string]domain.Session
	analyzed  map[string]int
	inactive  []string
	markErr   error
	markCalls int
}

func newFakeSource(ids ...string) *fakeSource {
	src := &fakeSource{sessions: map[string]domain.Session{}, analyzed: map[string]int{}}
	for _, id := range ids {
		src.sessions[id] = domain.Session{ID: id, Turns: []domain.Turn{{Role: domain.RoleUser, Content: "hola"}}}
	}
	return src
}

func (f *fakeSource) ForAnalysis(id string) (domain.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSource) MarkAnalyzed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	f.analyzed[id]++
	return f.markErr
}

func (f *fakeSource) InactiveSince(time.Duration) []string {
	return f.inactive
}

func (f *fakeSource) marked(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzed[id]
}

type fakeAnalyzer struct {
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	err         error
	release     chan struct{}
}

func (f *fakeAnalyzer) AnalyzeBatch(_ context.Context, sess domain.Session) (domain.BatchAnalysis, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return domain.BatchAnalysis{}, f.err
	}
	return domain.BatchAnalysis{SessionID: sess.ID}, nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeManager(t *testing.T, src SessionSource, an BatchAnalyzer, opts ...Option) (*Manager, *fakeScheduler, *manualClock) {
	t.Helper()
	sched := &fakeScheduler{}
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithAfterFunc(sched.AfterFunc), WithClock(clock.Now), WithWindow(time.Minute)}, opts...)
	m, err := NewManager(src, an, opts...)
	require.NoError(t, err)
	return m, sched, clock
}

func TestNewManager_ValidatesDependencies(t *testing.T) {
	_, err := NewManager(nil, &fakeAnalyzer{})
	require.Error(t, err)
	_, err = NewManager(newFakeSource(), nil)
	require.Error(t, err)
}

func TestRestart_DebouncesToLatestCall(t *testing.T) {
	src := newFakeSource("s1")
	an := &fakeAnalyzer{}
	m, sched, clock := newFakeManager(t, src, an)

	m.Restart("s1")
	clock.Advance(30 * time.Second)
	m.Restart("s1")

	require.True(t, sched.timer(0).stopped)
	require.False(t, sched.timer(1).stopped)
	require.Equal(t, time.Minute, m.ActiveSessions()["s1"])

	// The superseded callback racing past Stop must not run.
	sched.timer(0).f()
	require.Equal(t, int32(0), an.calls.Load())
	require.Equal(t, 1, m.ActiveCount())

	sched.timer(1).f()
	require.Equal(t, int32(1), an.calls.Load())
	require.Equal(t, 1, src.marked("s1"))
	require.Equal(t, 0, m.ActiveCount())

	// A second fire of the same generation is ignored.
	sched.timer(1).f()
	require.Equal(t, int32(1), an.calls.Load())
}

func TestCancel(t *testing.T) {
	an := &fakeAnalyzer{}
	m, sched, _ := newFakeManager(t, newFakeSource("s1"), an)

	require.False(t, m.Cancel("s1"))
	m.Restart("s1")
	require.True(t, m.Cancel("s1"))
	require.True(t, sched.timer(0).stopped)
	require.Equal(t, 0, m.ActiveCount())

	sched.timer(0).f()
	require.Equal(t, int32(0), an.calls.Load())
}

func TestFire_UnknownSessionIsNoop(t *testing.T) {
	src := newFakeSource()
	an := &fakeAnalyzer{}
	m, sched, _ := newFakeManager(t, src, an)

	m.Restart("ghost")
	sched.timer(0).f()
	require.Equal(t, int32(0), an.calls.Load())
	require.Equal(t, 0, src.markCalls)
	require.Equal(t, 0, m.ActiveCount())
}

func TestFire_AnalysisErrorStillReleases(t *testing.T) {
	src := newFakeSource("s1")
	an := &fakeAnalyzer{err: errors.New("comprehend down")}
	m, sched, _ := newFakeManager(t, src, an)

	m.Restart("s1")
	sched.timer(0).f()
	require.Equal(t, int32(1), an.calls.Load())
	require.Equal(t, 0, src.marked("s1"))
	require.Equal(t, 0, m.ActiveCount())
}

func TestRestartDuringRunningAnalysis_KeepsNewSchedule(t *testing.T) {
	src := newFakeSource("s1")
	an := &fakeAnalyzer{release: make(chan struct{})}
	m, sched, _ := newFakeManager(t, src, an)

	m.Restart("s1")
	done := make(chan struct{})
	go func() {
		sched.timer(0).f()
		close(done)
	}()
	require.Eventually(t, func() bool { return an.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, time.Duration(0), m.ActiveSessions()["s1"])

	m.Restart("s1")
	close(an.release)
	<-done

	require.Equal(t, 1, m.ActiveCount(), "completion of the old run must not remove the new schedule")
	sched.timer(1).f()
	require.Equal(t, int32(2), an.calls.Load())
	require.Equal(t, 0, m.ActiveCount())
}

func TestFireDuringRunningAnalysis_DefersUntilFinished(t *testing.T) {
	src := newFakeSource("s1")
	an := &fakeAnalyzer{release: make(chan struct{})}
	m, sched, _ := newFakeManager(t, src, an)

	m.Restart("s1")
	done := make(chan struct{})
	go func() {
		sched.timer(0).f()
		close(done)
	}()
	require.Eventually(t, func() bool { return an.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	m.Restart("s1")
	sched.timer(1).f()
	require.Equal(t, int32(1), an.calls.Load(), "second analysis must wait for the first")
	require.Equal(t, 1, m.ActiveCount())

	close(an.release)
	<-done
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), an.calls.Load())
	require.Equal(t, int32(1), an.maxInFlight.Load())
	require.Equal(t, 2, src.marked("s1"))
}

func TestAnalyzeNow_WaitsForRunningAnalysis(t *testing.T) {
	src := newFakeSource("s1")
	an := &fakeAnalyzer{release: make(chan struct{})}
	m, sched, _ := newFakeManager(t, src, an)

	m.Restart("s1")
	go sched.timer(0).f()
	require.Eventually(t, func() bool { return an.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	result := make(chan error, 1)
	go func() {
		_, err := m.AnalyzeNow(context.Background(), "s1")
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), an.calls.Load())

	close(an.release)
	require.NoError(t, <-result)
	require.Equal(t, int32(2), an.calls.Load())
	require.Equal(t, int32(1), an.maxInFlight.Load())
}

func TestAnalyzeNow_ContextCancelledWhileWaiting(t *testing.T) {
	an := &fakeAnalyzer{release: make(chan struct{})}
	defer close(an.release)
	m, sched, _ := newFakeManager(t, newFakeSource("s1"), an)

	m.Restart("s1")
	go sched.timer(0).f()
	require.Eventually(t, func() bool { return an.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.AnalyzeNow(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), an.calls.Load())
}

func TestAnalyzeNow(t *testing.T) {
	src := newFakeSource("s1")
	m, _, _ := newFakeManager(t, src, &fakeAnalyzer{})

	got, err := m.AnalyzeNow(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, 1, src.marked("s1"))

	_, err = m.AnalyzeNow(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepInactive(t *testing.T) {
	src := newFakeSource("a", "b")
	src.inactive = []string{"a", "b"}
	m, sched, _ := newFakeManager(t, src, &fakeAnalyzer{})

	m.Restart("b")
	require.Equal(t, 1, m.SweepInactive())
	require.Equal(t, time.Duration(0), sched.timer(1).delay)
	require.Equal(t, 2, m.ActiveCount())
}

func TestSweepInactive_ReschedulesOverdueTimer(t *testing.T) {
	src := newFakeSource("s1")
	src.inactive = []string{"s1"}
	an := &fakeAnalyzer{}
	m, sched, clock := newFakeManager(t, src, an)

	m.Restart("s1")
	require.Zero(t, m.SweepInactive())

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.SweepInactive())
	require.True(t, sched.timer(0).stopped)
	require.Equal(t, time.Duration(0), sched.timer(1).delay)

	sched.timer(0).f()
	require.Zero(t, an.calls.Load())
	sched.timer(1).f()
	require.Equal(t, int32(1), an.calls.Load())
	require.Equal(t, 0, m.ActiveCount())
}

func TestShutdown_DropsPending(t *testing.T) {
	an := &fakeAnalyzer{}
	m, sched, _ := newFakeManager(t, newFakeSource("s1"), an)

	m.Restart("s1")
	require.NoError(t, m.Shutdown(context.Background()))
	require.True(t, sched.timer(0).stopped)
	require.Equal(t, 0, m.ActiveCount())

	sched.timer(0).f()
	m.Restart("s1")
	require.Equal(t, int32(0), an.calls.Load())
	require.Equal(t, 0, m.ActiveCount())
}

func TestShutdown_FlushesPending(t *testing.T) {
	src := newFakeSource("s1", "s2")
	an := &fakeAnalyzer{}
	m, _, _ := newFakeManager(t, src, an, WithFlushOnShutdown(true))

	m.Restart("s1")
	m.Restart("s2")
	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, int32(2), an.calls.Load())
	require.Equal(t, 1, src.marked("s1"))
	require.Equal(t, 1, src.marked("s2"))
	require.Equal(t, 0, m.ActiveCount())
}

func TestShutdown_TimesOutOnStuckAnalysis(t *testing.T) {
	an := &fakeAnalyzer{release: make(chan struct{})}
	defer close(an.release)
	m, _, _ := newFakeManager(t, newFakeSource("s1"), an, WithFlushOnShutdown(true))

	m.Restart("s1")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRestart_RealTimers(t *testing.T) {
	src := newFakeSource("s1")
	an := &fakeAnalyzer{}
	m, err := NewManager(src, an, WithWindow(200*time.Millisecond))
	require.NoError(t, err)

	m.Restart("s1")
	time.Sleep(100 * time.Millisecond)
	m.Restart("s1")
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, int32(0), an.calls.Load(), "first schedule must have been superseded")

	require.Eventually(t, func() bool { return an.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, int32(1), an.calls.Load())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestRestart_RealTimersSlowAnalysisNeverOverlaps(t *testing.T) {
	src := newFakeSource("s1")
	an := &fakeAnalyzer{release: make(chan struct{})}
	m, err := NewManager(src, an, WithWindow(30*time.Millisecond))
	require.NoError(t, err)

	m.Restart("s1")
	require.Eventually(t, func() bool { return an.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	m.Restart("s1")
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(1), an.calls.Load())

	close(an.release)
	require.Eventually(t, func() bool { return an.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, int32(1), an.maxInFlight.Load())
	require.Equal(t, 2, src.marked("s1"))
}
