// Package memory provides bounded per-session conversation memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"banking-agent/internal/domain"
)

const (
	defaultMaxSessions  = 100
	defaultMaxTurns     = 20
	defaultSummaryLimit = 10
)

// Persister flushes session state to stable storage. Save receives the full
// session after a mutation (nil when the mutation evicted it) together with
// any sessions evicted by it.
type Persister interface {
	Load(ctx context.Context) ([]domain.Session, error)
	Save(ctx context.Context, upsert *domain.Session, evicted []string) error
}

// Store holds bounded conversation history per session.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*domain.Session
	revs        map[string]uint64
	seq         uint64
	maxSessions int
	maxTurns    int

	// saveMu is acquired before mu is released so flushes reach the
	// persister in mutation order.
	saveMu    sync.Mutex
	persister Persister

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store capped at maxSessions sessions of maxTurns turns.
func NewStore(maxSessions, maxTurns int, opts ...Option) *Store {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	s := &Store{
		sessions:    make(map[string]*domain.Session),
		revs:        make(map[string]uint64),
		maxSessions: maxSessions,
		maxTurns:    maxTurns,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads previously persisted sessions, applying the current caps.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	loaded, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("memory: restore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range loaded {
		sess := loaded[i].Clone()
		if sess.ID == "" {
			continue
		}
		s.truncate(&sess)
		s.sessions[sess.ID] = &sess
	}
	evicted := s.evict()
	if len(evicted) > 0 {
		s.logger.Info("memory: evicted sessions on restore", "count", len(evicted))
	}
	return nil
}

// AppendExchange appends a user turn and an assistant turn to the session,
// creating it when needed, then enforces both caps and flushes. When the
// flush fails the exchange and any eviction it caused are undone, so the
// caller may retry without duplicating turns.
func (s *Store) AppendExchange(ctx context.Context, sessionID, userText, assistantText string, source domain.Source) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("memory: session id must not be empty")
	}

	s.mu.Lock()
	now := s.now()
	sess, existed := s.sessions[sessionID]
	var prev domain.Session
	if existed {
		prev = sess.Clone()
	} else {
		sess = &domain.Session{
			ID:       sessionID,
			Metadata: domain.SessionMetadata{CreatedAt: now},
		}
		s.sessions[sessionID] = sess
	}
	sess.Turns = append(sess.Turns,
		domain.Turn{Role: domain.RoleUser, Content: userText, Timestamp: now, Source: source},
		domain.Turn{Role: domain.RoleAssistant, Content: assistantText, Timestamp: now, Source: source},
	)
	if now.After(sess.Metadata.LastActivity) {
		sess.Metadata.LastActivity = now
	}
	s.truncate(sess)
	rev := s.touch(sessionID)
	evicted := s.evict()

	var snapshot *domain.Session
	if cur, ok := s.sessions[sessionID]; ok {
		c := cur.Clone()
		snapshot = &c
	}
	err := s.flushLocked(ctx, sessionID, snapshot, sessionIDs(evicted))
	if err != nil {
		s.rollback(sessionID, rev, prev, existed, evicted)
	}
	return err
}

// rollback undoes an AppendExchange whose flush failed. A session changed by
// a later mutation is left as it is.
func (s *Store) rollback(sessionID string, rev uint64, prev domain.Session, existed bool, evicted []*domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.sessions[sessionID]; ok && s.revs[sessionID] == rev {
		if existed {
			*cur = prev
		} else {
			delete(s.sessions, sessionID)
			delete(s.revs, sessionID)
		}
	}
	for _, e := range evicted {
		if e.ID == sessionID {
			continue
		}
		if _, ok := s.sessions[e.ID]; !ok && len(s.sessions) < s.maxSessions {
			s.sessions[e.ID] = e
		}
	}
	s.logger.Warn("memory: exchange rolled back after failed save", "session_id", sessionID)
}

// MarkAnalyzed flags the session as analysed. Unknown sessions are ignored.
func (s *Store) MarkAnalyzed(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	ts := s.now()
	s.touch(sessionID)
	sess.Metadata.Analyzed = true
	sess.Metadata.AnalysisTimestamp = &ts
	snapshot := sess.Clone()
	return s.flushLocked(ctx, sessionID, &snapshot, nil)
}

// flushLocked must be called with mu held; it releases mu.
func (s *Store) flushLocked(ctx context.Context, sessionID string, snapshot *domain.Session, evicted []string) error {
	if s.persister == nil {
		s.mu.Unlock()
		return nil
	}
	s.saveMu.Lock()
	s.mu.Unlock()
	defer s.saveMu.Unlock()

	if err := s.persister.Save(ctx, snapshot, evicted); err != nil {
		return fmt.Errorf("memory: save session %q: %w", sessionID, err)
	}
	return nil
}

func (s *Store) truncate(sess *domain.Session) {
	if len(sess.Turns) > s.maxTurns {
		kept := make([]domain.Turn, s.maxTurns)
		copy(kept, sess.Turns[len(sess.Turns)-s.maxTurns:])
		sess.Turns = kept
	}
	sess.Metadata.MessageCount = len(sess.Turns)
}

// evict drops the lexicographically smallest keys until the cap holds and
// returns the dropped sessions.
func (s *Store) evict() []*domain.Session {
	var evicted []*domain.Session
	for len(s.sessions) > s.maxSessions {
		oldest := ""
		first := true
		for id := range s.sessions {
			if first || id < oldest {
				oldest = id
				first = false
			}
		}
		evicted = append(evicted, s.sessions[oldest])
		delete(s.sessions, oldest)
		delete(s.revs, oldest)
	}
	return evicted
}

// touch records a mutation of the session and returns its revision. mu must
// be held.
func (s *Store) touch(sessionID string) uint64 {
	s.seq++
	s.revs[sessionID] = s.seq
	return s.seq
}

func sessionIDs(sessions []*domain.Session) []string {
	if len(sessions) == 0 {
		return nil
	}
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	return ids
}

// RecentSummary renders the last limit turns of a session as "User:" and
// "Assistant:" lines. Unknown sessions yield "".
func (s *Store) RecentSummary(sessionID string, limit int) string {
	if limit <= 0 {
		limit = defaultSummaryLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || len(sess.Turns) == 0 {
		return ""
	}
	turns := sess.Turns
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case domain.RoleUser:
			b.WriteString("User: ")
		case domain.RoleAssistant:
			b.WriteString("Assistant: ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ForAnalysis returns a copy of the session transcript and metadata.
func (s *Store) ForAnalysis(sessionID string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	return sess.Clone(), true
}

// InactiveSince lists unanalysed sessions idle for longer than threshold,
// sorted by id.
func (s *Store) InactiveSince(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-threshold)
	var ids []string
	for id, sess := range s.sessions {
		if !sess.Metadata.Analyzed && sess.Metadata.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
