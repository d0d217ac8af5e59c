package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"banking-agent/internal/domain"
	"banking-agent/internal/usecase"
)

type stubTurns struct {
	out   domain.Envelope
	err   error
	in    usecase.TurnInput
	calls int
}

func (s *stubTurns) HandleTurn(_ context.Context, in usecase.TurnInput) (domain.Envelope, error) {
	s.in = in
	s.calls++
	return s.out, s.err
}

type stubAnalysis struct {
	summary  domain.SentimentSummary
	analysis domain.BatchAnalysis
	timers   usecase.TimersReport
	err      error
	ids      []string
}

func (s *stubAnalysis) SentimentSummary() domain.SentimentSummary { return s.summary }

func (s *stubAnalysis) ConversationAnalysis(_ context.Context, id string) (domain.BatchAnalysis, error) {
	s.ids = append(s.ids, id)
	return s.analysis, s.err
}

func (s *stubAnalysis) ActiveTimers() usecase.TimersReport { return s.timers }

func (s *stubAnalysis) AnalyzeNow(_ context.Context, id string) (domain.BatchAnalysis, error) {
	s.ids = append(s.ids, "now:"+id)
	return s.analysis, s.err
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, turns *stubTurns, analysis *stubAnalysis) *Handler {
	t.Helper()
	h, err := NewHandler(turns, analysis)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubAnalysis{})
	require.Error(t, err)
	_, err = NewHandler(&stubTurns{}, nil)
	require.Error(t, err)
}

func TestHandle_BeforeInvokeRunsEveryEvent(t *testing.T) {
	var calls int
	h, err := NewHandler(&stubTurns{out: domain.Envelope{Source: domain.SourceAgent, Message: "hola"}}, &stubAnalysis{},
		WithBeforeInvoke(func(context.Context) { calls++ }),
	)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/health", ""))
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"message":"hola","session_id":"s"}`))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestHandle_ChatHappyPath(t *testing.T) {
	turns := &stubTurns{out: domain.Envelope{
		Source:   domain.SourceCRM,
		Message:  "Solicitud creada.",
		TicketID: "CASE-1",
		Sentiment: &domain.SentimentView{
			Sentiment:  domain.SentimentPositive,
			Confidence: 0.9,
			Scores:     domain.SentimentScores{domain.SentimentPositive: 0.9},
		},
	}}
	h := newTestHandler(t, turns, &stubAnalysis{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat",
		`{"message":"Soy Ana","session_id":"sess-1","model_id":"ai21.jamba"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.TurnInput{SessionID: "sess-1", Text: "Soy Ana", ModelHint: "ai21.jamba"}, turns.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.True(t, out.Success)
	require.Equal(t, "Solicitud creada.", out.Response)
	require.Equal(t, domain.SourceCRM, out.Source)
	require.Equal(t, "CASE-1", out.TicketID)
	require.Equal(t, "sess-1", out.SessionID)
	require.NotNil(t, out.Sentiment)
	require.Equal(t, domain.SentimentPositive, out.Sentiment.Sentiment)

	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestHandle_ChatIntentOmitsEmptyFields(t *testing.T) {
	turns := &stubTurns{out: domain.Envelope{Source: domain.SourceAgent, Intent: usecase.IntentOpenAccount, Message: "¡Perfecto!"}}
	h := newTestHandler(t, turns, &stubAnalysis{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/api/chat", `{"message":"quiero abrir una cuenta","session_id":"s"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw := parseBody[map[string]any](t, resp.Body)
	require.Equal(t, "OpenAccount", raw["intent"])
	require.NotContains(t, raw, "ticket_id")
	require.NotContains(t, raw, "sentiment_analysis")
}

func TestHandle_ChatGeneratesSessionID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated-id" }
	t.Cleanup(func() { newUUID = orig })

	turns := &stubTurns{out: domain.Envelope{Source: domain.SourceAgent, Message: "hola"}}
	h := newTestHandler(t, turns, &stubAnalysis{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"text":"hola"}`))
	require.NoError(t, err)
	require.Equal(t, "generated-id", turns.in.SessionID)
	require.Equal(t, "hola", turns.in.Text)
	require.Equal(t, "generated-id", parseBody[chatResponse](t, resp.Body).SessionID)
}

func TestHandle_ChatBase64Body(t *testing.T) {
	turns := &stubTurns{out: domain.Envelope{Source: domain.SourceAgent}}
	h := newTestHandler(t, turns, &stubAnalysis{})

	event := makeEvent(http.MethodPost, "/chat", base64.StdEncoding.EncodeToString([]byte(`{"message":"hola","session_id":"s"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hola", turns.in.Text)

	event.Body = "%%%"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_InvalidBody(t *testing.T) {
	turns := &stubTurns{}
	h := newTestHandler(t, turns, &stubAnalysis{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, turns.calls)

	out := parseBody[errorResponse](t, resp.Body)
	require.False(t, out.Success)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Message)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_session_id"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "session_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "analysis_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "memory_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubTurns{err: tc.err}, &stubAnalysis{})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"message":"hola","session_id":"s"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubTurns{out: domain.Envelope{Source: domain.SourceAgent}}, &stubAnalysis{})

	event := makeEvent(http.MethodPost, "/chat", `{"message":"hola"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_Preflight(t *testing.T) {
	turns := &stubTurns{}
	h := newTestHandler(t, turns, &stubAnalysis{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodOptions, "/chat", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "GET,POST,OPTIONS", resp.Headers["Access-Control-Allow-Methods"])
	require.Zero(t, turns.calls)
}

func TestHandle_AnalysisRoutes(t *testing.T) {
	analysis := &stubAnalysis{
		summary:  domain.SentimentSummary{TotalAnalyses: 2},
		analysis: domain.BatchAnalysis{SessionID: "s1", MessageCount: 4},
		timers:   usecase.TimersReport{ActiveCount: 1, Timers: []usecase.TimerView{{SessionID: "s1", RemainingSeconds: 42}}},
	}
	h := newTestHandler(t, &stubTurns{}, analysis)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/analysis/sentiment", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := parseBody[struct {
		Success bool                    `json:"success"`
		Data    domain.SentimentSummary `json:"data"`
	}](t, resp.Body)
	require.True(t, summary.Success)
	require.Equal(t, 2, summary.Data.TotalAnalyses)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/analysis/timers/", ""))
	require.NoError(t, err)
	timers := parseBody[struct {
		Data usecase.TimersReport `json:"data"`
	}](t, resp.Body)
	require.Equal(t, 1, timers.Data.ActiveCount)
	require.InDelta(t, 42, timers.Data.Timers[0].RemainingSeconds, 1e-9)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/analysis/conversation/s1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := parseBody[struct {
		Data domain.BatchAnalysis `json:"data"`
	}](t, resp.Body)
	require.Equal(t, 4, conv.Data.MessageCount)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/analysis/analyze/s1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"s1", "now:s1"}, analysis.ids)
}

func TestHandle_AnalysisNotFound(t *testing.T) {
	analysis := &stubAnalysis{err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "analysis_not_found"}}
	h := newTestHandler(t, &stubTurns{}, analysis)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/analysis/conversation/missing", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "analysis_not_found", parseBody[errorResponse](t, resp.Body).Message)
}

func TestHandle_RoutingErrors(t *testing.T) {
	h := newTestHandler(t, &stubTurns{}, &stubAnalysis{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/chat", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/nowhere", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "route_not_found", parseBody[errorResponse](t, resp.Body).Message)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/analysis/sentiment", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeHTTP_Adapter(t *testing.T) {
	turns := &stubTurns{out: domain.Envelope{Source: domain.SourceBedrock, Message: "Hola"}}
	h := newTestHandler(t, turns, &stubAnalysis{})

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", strings.NewReader(`{"message":"hola","session_id":"s9"}`))
	require.NoError(t, err)
	req.Header.Set("X-Correlation-Id", "corr-9")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "corr-9", resp.Header.Get("X-Correlation-Id"))
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "Hola", out.Response)
	require.Equal(t, "s9", turns.in.SessionID)
}
