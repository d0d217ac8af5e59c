package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"banking-agent/internal/domain"
	"banking-agent/internal/toolcall"
)

const (
	defaultMaxIterations     = 5
	defaultCompletionTimeout = 30 * time.Second
	defaultSummaryLimit      = 10
	maxFailureDetail         = 200

	iterationLimitReply = "Lo siento, no pude completar tu solicitud en este momento. Por favor intenta de nuevo o contacta a un representante."
	rateLimitedReply    = "Lo siento, nuestro asistente está recibiendo muchas solicitudes en este momento. Intenta de nuevo en unos segundos."
)

// Completer is the completion service.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// SentimentAnalyzer scores a single message. It never fails.
type SentimentAnalyzer interface {
	AnalyzeSingle(ctx context.Context, text string) domain.SentimentRecord
}

// TimerRestarter defers session analysis until the session goes quiet.
type TimerRestarter interface {
	Restart(sessionID string)
}

// MemoryStore is the conversation memory as used by the turn loop.
type MemoryStore interface {
	AppendExchange(ctx context.Context, sessionID, userText, assistantText string, source domain.Source) error
	RecentSummary(sessionID string, limit int) string
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type TurnInput struct {
	SessionID string
	Text      string
	// ModelHint overrides the configured model for this turn.
	ModelHint string
}

// TurnService runs one user turn: intent fast path, sentiment, inactivity
// restart, the bounded completion and tool loop, and the memory append.
type TurnService struct {
	llm      Completer
	analyzer SentimentAnalyzer
	timers   TimerRestarter
	memory   MemoryStore
	tools    *toolRunner
	prompts  PromptContextLoader
	intents  []IntentRule
	logger   *slog.Logger

	model             string
	params            domain.GenerationParams
	source            domain.Source
	maxIterations     int
	completionTimeout time.Duration
	summaryLimit      int
}

type TurnOption func(*TurnService)

func WithPromptContext(l PromptContextLoader) TurnOption {
	return func(s *TurnService) {
		if l != nil {
			s.prompts = l
		}
	}
}

func WithIntentRules(rules []IntentRule) TurnOption {
	return func(s *TurnService) { s.intents = rules }
}

func WithModel(model string) TurnOption {
	return func(s *TurnService) { s.model = strings.TrimSpace(model) }
}

func WithGenerationParams(p domain.GenerationParams) TurnOption {
	return func(s *TurnService) { s.params = p }
}

// WithCompletionSource sets the envelope source of model-produced answers.
func WithCompletionSource(src domain.Source) TurnOption {
	return func(s *TurnService) {
		if src != "" {
			s.source = src
		}
	}
}

func WithMaxIterations(n int) TurnOption {
	return func(s *TurnService) {
		if n > 0 {
			s.maxIterations = n
		}
	}
}

func WithCompletionTimeout(d time.Duration) TurnOption {
	return func(s *TurnService) {
		if d > 0 {
			s.completionTimeout = d
		}
	}
}

func WithSummaryLimit(n int) TurnOption {
	return func(s *TurnService) {
		if n > 0 {
			s.summaryLimit = n
		}
	}
}

func WithTurnLogger(l *slog.Logger) TurnOption {
	return func(s *TurnService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewTurnService(llm Completer, analyzer SentimentAnalyzer, timers TimerRestarter, memory MemoryStore, cases CaseCreator, opts ...TurnOption) (*TurnService, error) {
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if analyzer == nil {
		return nil, errors.New("usecase: sentiment analyzer must not be nil")
	}
	if timers == nil {
		return nil, errors.New("usecase: timer manager must not be nil")
	}
	if memory == nil {
		return nil, errors.New("usecase: memory store must not be nil")
	}
	if cases == nil {
		return nil, errors.New("usecase: case creator must not be nil")
	}
	s := &TurnService{
		llm:               llm,
		analyzer:          analyzer,
		timers:            timers,
		memory:            memory,
		prompts:           staticContext{},
		intents:           DefaultIntentRules,
		logger:            slog.Default(),
		params:            domain.GenerationParams{MaxTokens: 512, Temperature: 0.7, TopP: 0.9},
		source:            domain.SourceBedrock,
		maxIterations:     defaultMaxIterations,
		completionTimeout: defaultCompletionTimeout,
		summaryLimit:      defaultSummaryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tools = newToolRunner(cases, s.logger)
	return s, nil
}

// HandleTurn answers one user message. Upstream failures degrade into the
// envelope; only a failed memory append is returned as an error.
func (s *TurnService) HandleTurn(ctx context.Context, in TurnInput) (domain.Envelope, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.Envelope{Source: domain.SourceAgent, Message: greetingReply}, nil
	}
	if rule, ok := matchIntent(s.intents, text); ok {
		return domain.Envelope{Source: domain.SourceAgent, Intent: rule.Intent, Message: rule.Reply}, nil
	}

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return domain.Envelope{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}

	sentiment := s.analyzer.AnalyzeSingle(ctx, text)
	s.timers.Restart(sessionID)

	out := s.runLoop(ctx, sessionID, text, in.ModelHint)

	if err := s.memory.AppendExchange(ctx, sessionID, text, out.Message, out.Source); err != nil {
		return domain.Envelope{}, newError(ErrorInternal, "memory_write_error", err)
	}

	out.Sentiment = &domain.SentimentView{
		Sentiment:  sentiment.Sentiment,
		Confidence: sentiment.Confidence,
		Scores:     sentiment.Scores,
	}
	return out, nil
}

// runLoop alternates completion calls with tool execution until the model
// answers without tool calls, a call fails, or the iteration cap is reached.
func (s *TurnService) runLoop(ctx context.Context, sessionID, text, modelHint string) domain.Envelope {
	model := strings.TrimSpace(modelHint)
	if model == "" {
		model = s.model
	}
	system := buildSystemInstruction(s.prompts.Load(ctx), s.memory.RecentSummary(sessionID, s.summaryLimit), text)
	messages := []domain.ChatMessage{{Role: domain.RoleUser, Content: text}}

	var ticket *domain.Case
	var prose string
	for iteration := 0; iteration < s.maxIterations; iteration++ {
		reply, err := s.complete(ctx, domain.CompletionRequest{
			Model:    model,
			System:   system,
			Messages: messages,
			Params:   s.params,
		})
		if err != nil {
			s.logger.Warn("usecase: completion failed",
				"session_id", sessionID,
				"iteration", iteration,
				"err", err,
			)
			return withTicket(domain.Envelope{Source: domain.SourceAgent, Message: completionFailureReply(text, err)}, ticket)
		}

		calls := toolcall.Extract(reply)
		if len(calls) == 0 {
			answer := toolcall.Strip(reply)
			if answer == "" {
				answer = prose
			}
			if answer == "" {
				answer = fallbackReply(text)
			}
			env := domain.Envelope{Source: s.source, Message: answer}
			if ticket != nil {
				env.Source = domain.SourceCRM
				if ticket.Degraded {
					env.Source = domain.SourceCRMFallback
				}
				env.TicketID = ticket.ID
			}
			return env
		}

		if p := toolcall.Strip(reply); p != "" {
			prose = p
		}
		messages = append(messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply})
		for _, call := range calls {
			res := s.tools.run(ctx, sessionID, call)
			if res.Case != nil {
				ticket = res.Case
			}
			messages = append(messages, domain.ChatMessage{
				Role:    domain.RoleUser,
				Content: fmt.Sprintf("Resultado de la herramienta %s: %s", call.Name, res.Text),
			})
		}
	}

	s.logger.Warn("usecase: iteration limit reached", "session_id", sessionID, "max_iterations", s.maxIterations)
	return withTicket(domain.Envelope{Source: domain.SourceAgent, Message: iterationLimitReply}, ticket)
}

func (s *TurnService) complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()
	return s.llm.Complete(ctx, req)
}

// withTicket keeps a case created earlier in the turn visible on a failure
// reply.
func withTicket(env domain.Envelope, ticket *domain.Case) domain.Envelope {
	if ticket == nil {
		return env
	}
	env.TicketID = ticket.ID
	env.Message += fmt.Sprintf(" Tu solicitud quedó registrada con el número de ticket %s.", ticket.ID)
	return env
}

func completionFailureReply(text string, err error) string {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return rateLimitedReply
	}
	detail := err.Error()
	if r := []rune(detail); len(r) > maxFailureDetail {
		detail = string(r[:maxFailureDetail]) + "…"
	}
	return fmt.Sprintf("Lo siento, tuve un problema al procesar tu consulta (%s). %s", detail, fallbackReply(text))
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
