package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"banking-agent/internal/domain"
	"banking-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "Content-Type,X-Amz-Date,Authorization,X-Api-Key,X-Amz-Security-Token,X-Correlation-Id",
	"Access-Control-Allow-Methods": "GET,POST,OPTIONS",
}

// TurnUseCase answers chat messages.
type TurnUseCase interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (domain.Envelope, error)
}

// AnalysisUseCase backs the operator endpoints.
type AnalysisUseCase interface {
	SentimentSummary() domain.SentimentSummary
	ConversationAnalysis(ctx context.Context, sessionID string) (domain.BatchAnalysis, error)
	ActiveTimers() usecase.TimersReport
	AnalyzeNow(ctx context.Context, sessionID string) (domain.BatchAnalysis, error)
}

type chatRequest struct {
	Message   string `json:"message"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	ModelID   string `json:"model_id"`
}

type chatResponse struct {
	Success   bool                  `json:"success"`
	Response  string                `json:"response"`
	Source    domain.Source         `json:"source"`
	Intent    string                `json:"intent,omitempty"`
	TicketID  string                `json:"ticket_id,omitempty"`
	Sentiment *domain.SentimentView `json:"sentiment_analysis,omitempty"`
	SessionID string                `json:"session_id"`
}

type dataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler is the API Gateway proxy entry point. It also serves plain HTTP
// for local runs.
type Handler struct {
	turns    TurnUseCase
	analysis AnalysisUseCase
	logger   *slog.Logger
	// beforeInvoke runs at the start of every Handle call.
	beforeInvoke func(ctx context.Context)
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBeforeInvoke registers fn to run at the start of every proxy event.
// Lambda runs use it for work that background timers cannot do while the
// execution environment is frozen between invocations.
func WithBeforeInvoke(fn func(ctx context.Context)) Option {
	return func(h *Handler) { h.beforeInvoke = fn }
}

func NewHandler(turns TurnUseCase, analysis AnalysisUseCase, opts ...Option) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn use case must not be nil")
	}
	if analysis == nil {
		return nil, errors.New("handler: analysis use case must not be nil")
	}
	h := &Handler{turns: turns, analysis: analysis, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes one proxy event. Failures are always rendered as a response;
// the returned error is reserved for the Lambda runtime and is always nil.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = newUUID()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if h.beforeInvoke != nil {
		h.beforeInvoke(ctx)
	}
	status, payload := h.route(ctx, logger, req)
	return respond(status, payload, correlationID), nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) (int, any) {
	method := strings.ToUpper(req.HTTPMethod)
	if method == http.MethodOptions {
		return http.StatusOK, map[string]string{"message": "CORS preflight"}
	}

	segments := splitPath(req.Path)
	switch {
	case len(segments) == 1 && segments[0] == "health":
		return http.StatusOK, map[string]string{"status": "ok"}

	case len(segments) == 1 && segments[0] == "chat":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.chat(ctx, logger, req)

	case len(segments) == 2 && segments[0] == "analysis" && segments[1] == "sentiment":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return http.StatusOK, dataResponse{Success: true, Data: h.analysis.SentimentSummary()}

	case len(segments) == 2 && segments[0] == "analysis" && segments[1] == "timers":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return http.StatusOK, dataResponse{Success: true, Data: h.analysis.ActiveTimers()}

	case len(segments) == 3 && segments[0] == "analysis" && segments[1] == "conversation":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		a, err := h.analysis.ConversationAnalysis(ctx, segments[2])
		if err != nil {
			return errorPayload(logger, err)
		}
		return http.StatusOK, dataResponse{Success: true, Data: a}

	case len(segments) == 3 && segments[0] == "analysis" && segments[1] == "analyze":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		a, err := h.analysis.AnalyzeNow(ctx, segments[2])
		if err != nil {
			return errorPayload(logger, err)
		}
		return http.StatusOK, dataResponse{Success: true, Data: a}
	}
	return http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Message: "route_not_found"}
}

func (h *Handler) chat(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) (int, any) {
	body, err := requestBody(req)
	if err != nil {
		return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid_body_encoding"}
	}
	var in chatRequest
	if strings.TrimSpace(body) != "" {
		if err := json.Unmarshal([]byte(body), &in); err != nil {
			return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid_json"}
		}
	}

	message := in.Message
	if strings.TrimSpace(message) == "" {
		message = in.Text
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}

	env, err := h.turns.HandleTurn(ctx, usecase.TurnInput{
		SessionID: sessionID,
		Text:      message,
		ModelHint: in.ModelID,
	})
	if err != nil {
		return errorPayload(logger.With("session_id", sessionID), err)
	}

	logger.Info("handler: turn answered",
		"session_id", sessionID,
		"source", env.Source,
		"intent", env.Intent,
		"ticket_id", env.TicketID,
	)
	return http.StatusOK, chatResponse{
		Success:   true,
		Response:  env.Message,
		Source:    env.Source,
		Intent:    env.Intent,
		TicketID:  env.TicketID,
		Sentiment: env.Sentiment,
		SessionID: sessionID,
	}
}

func methodNotAllowed() (int, any) {
	return http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "method_not_allowed"}
}

func errorPayload(logger *slog.Logger, err error) (int, any) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("handler: unexpected error", "err", err)
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Message: "internal_error"}
	}

	status := statusForCode(ucErr.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("handler: request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Warn("handler: request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return status, errorResponse{Error: string(ucErr.Code), Message: ucErr.Reason}
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(status int, payload any, correlationID string) events.APIGatewayProxyResponse {
	headers := make(map[string]string, len(corsHeaders)+2)
	for k, v := range corsHeaders {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers[correlationHeader] = correlationID

	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"success":false,"error":"INTERNAL_ERROR","message":"encode_error"}`)
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(body)}
}

// splitPath drops empty segments and an optional leading "api" segment.
func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 && out[0] == "api" {
		out = out[1:]
	}
	return out
}

func requestBody(req events.APIGatewayProxyRequest) (string, error) {
	if !req.IsBase64Encoded {
		return req.Body, nil
	}
	b, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ServeHTTP adapts a plain HTTP request to Handle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"success":false,"error":"INVALID_INPUT","message":"body_too_large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string, len(r.URL.Query()))
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	resp, _ := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               headers,
		QueryStringParameters: query,
		Body:                  string(body),
	})
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

var newUUID = func() string {
	return uuid.NewString()
}
