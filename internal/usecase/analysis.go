package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"banking-agent/internal/domain"
	"banking-agent/internal/inactivity"
)

// SentimentReporter exposes the sentiment adapter's in-process history.
type SentimentReporter interface {
	Summary() domain.SentimentSummary
	ConversationAnalysis(sessionID string) (domain.BatchAnalysis, bool)
}

// AnalysisScheduler is the inactivity manager as seen by the operator
// endpoints.
type AnalysisScheduler interface {
	ActiveSessions() map[string]time.Duration
	AnalyzeNow(ctx context.Context, sessionID string) (domain.BatchAnalysis, error)
}

// AnalysisArchive reads analyses persisted by earlier processes.
type AnalysisArchive interface {
	LatestAnalysis(ctx context.Context, sessionID string) (domain.BatchAnalysis, bool, error)
}

type TimerView struct {
	SessionID        string  `json:"session_id"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

type TimersReport struct {
	ActiveCount int         `json:"active_count"`
	Timers      []TimerView `json:"timers"`
}

// AnalysisService backs the analysis endpoints.
type AnalysisService struct {
	reporter  SentimentReporter
	scheduler AnalysisScheduler
	archive   AnalysisArchive
	logger    *slog.Logger
}

// NewAnalysisService creates an AnalysisService. archive may be nil.
func NewAnalysisService(reporter SentimentReporter, scheduler AnalysisScheduler, archive AnalysisArchive, logger *slog.Logger) (*AnalysisService, error) {
	if reporter == nil {
		return nil, errors.New("usecase: sentiment reporter must not be nil")
	}
	if scheduler == nil {
		return nil, errors.New("usecase: analysis scheduler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisService{reporter: reporter, scheduler: scheduler, archive: archive, logger: logger}, nil
}

func (s *AnalysisService) SentimentSummary() domain.SentimentSummary {
	return s.reporter.Summary()
}

// ConversationAnalysis returns the latest analysis of a session, from memory
// first and then from the archive.
func (s *AnalysisService) ConversationAnalysis(ctx context.Context, sessionID string) (domain.BatchAnalysis, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.BatchAnalysis{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	if a, ok := s.reporter.ConversationAnalysis(sessionID); ok {
		return a, nil
	}
	if s.archive != nil {
		a, ok, err := s.archive.LatestAnalysis(ctx, sessionID)
		if err != nil {
			return domain.BatchAnalysis{}, newError(ErrorInternal, "analysis_read_error", err)
		}
		if ok {
			return a, nil
		}
	}
	return domain.BatchAnalysis{}, newError(ErrorNotFound, "analysis_not_found", nil)
}

// ActiveTimers lists pending analyses, soonest first.
func (s *AnalysisService) ActiveTimers() TimersReport {
	active := s.scheduler.ActiveSessions()
	out := TimersReport{ActiveCount: len(active), Timers: make([]TimerView, 0, len(active))}
	for id, remaining := range active {
		out.Timers = append(out.Timers, TimerView{SessionID: id, RemainingSeconds: remaining.Seconds()})
	}
	sort.Slice(out.Timers, func(i, j int) bool {
		if out.Timers[i].RemainingSeconds != out.Timers[j].RemainingSeconds {
			return out.Timers[i].RemainingSeconds < out.Timers[j].RemainingSeconds
		}
		return out.Timers[i].SessionID < out.Timers[j].SessionID
	})
	return out
}

// AnalyzeNow forces the batch analysis of a session.
func (s *AnalysisService) AnalyzeNow(ctx context.Context, sessionID string) (domain.BatchAnalysis, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.BatchAnalysis{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	a, err := s.scheduler.AnalyzeNow(ctx, sessionID)
	switch {
	case errors.Is(err, inactivity.ErrSessionNotFound):
		return domain.BatchAnalysis{}, newError(ErrorNotFound, "session_not_found", err)
	case err != nil:
		s.logger.Error("usecase: forced analysis failed", "session_id", sessionID, "err", err)
		return domain.BatchAnalysis{}, newError(ErrorUpstream, "analysis_error", err)
	}
	return a, nil
}
