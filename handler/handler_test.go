package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"corex-gateway/internal/domain"
	"corex-gateway/internal/usecase"
)

type stubService struct {
	chatOut     usecase.ChatOutput
	chatErr     error
	chatIn      usecase.ChatInput
	chatCalls   int
	historyOut  []domain.Turn
	historyErr  error
	historyUser string
}

func (s *stubService) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.chatCalls++
	s.chatIn = in
	return s.chatOut, s.chatErr
}

func (s *stubService) History(_ context.Context, userID string) ([]domain.Turn, error) {
	s.historyUser = userID
	return s.historyOut, s.historyErr
}

func mustNewHandler(t *testing.T, svc ChatService) *Handler {
	t.Helper()
	h, err := NewHandler(svc, []string{"http://localhost:5173"})
	require.NoError(t, err)
	return h
}

func makeEvent(method, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       "/chat",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func withIdentity(req events.APIGatewayProxyRequest, sub string) events.APIGatewayProxyRequest {
	req.RequestContext = events.APIGatewayProxyRequestContext{
		Authorizer: map[string]interface{}{
			"claims": map[string]interface{}{"sub": sub},
		},
	}
	return req
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_ChatHappyPath(t *testing.T) {
	svc := &stubService{chatOut: usecase.ChatOutput{Response: "hello", SessionID: "s1"}}
	h := mustNewHandler(t, svc)

	resp, err := h.Handle(context.Background(), withIdentity(makeEvent(http.MethodPost, `{"prompt":"Hello","sessionId":"s1"}`), "u1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "u1", svc.chatIn.UserID)
	require.Equal(t, "Hello", svc.chatIn.Prompt)
	require.Equal(t, "s1", svc.chatIn.SessionID)
	require.False(t, svc.chatIn.Ephemeral)
	require.Nil(t, svc.chatIn.Attachment)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "hello", out.Response)
	require.NotNil(t, out.SessionID)
	require.Equal(t, "s1", *out.SessionID)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_AnonymousChatHasNoUserID(t *testing.T) {
	svc := &stubService{chatOut: usecase.ChatOutput{Response: "hi", SessionID: "fresh"}}
	h := mustNewHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"prompt":"Hello"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, svc.chatIn.UserID)
}

func TestHandle_EphemeralTurnReturnsNullSessionID(t *testing.T) {
	svc := &stubService{chatOut: usecase.ChatOutput{Response: "off the record"}}
	h := mustNewHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"prompt":"Hello","isTemporary":true}`))
	require.NoError(t, err)
	require.True(t, svc.chatIn.Ephemeral)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &raw))
	require.Equal(t, "null", string(raw["sessionId"]))
}

func TestHandle_FileIsDecodedAndPassedThrough(t *testing.T) {
	svc := &stubService{chatOut: usecase.ChatOutput{Response: "a photo", SessionID: "s1"}}
	h := mustNewHandler(t, svc)

	data := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})
	body := `{"prompt":"describe this","file":{"name":"photo.jpg","type":"image/jpg","data":"` + data + `"}}`

	_, err := h.Handle(context.Background(), makeEvent(http.MethodPost, body))
	require.NoError(t, err)
	require.NotNil(t, svc.chatIn.Attachment)
	require.Equal(t, "photo.jpg", svc.chatIn.Attachment.Name)
	require.Equal(t, "image/jpg", svc.chatIn.Attachment.MIMEType)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, svc.chatIn.Attachment.Data)
}

func TestHandle_MalformedFileEncodingIsClientError(t *testing.T) {
	svc := &stubService{}
	h := mustNewHandler(t, svc)

	body := `{"prompt":"x","file":{"name":"a.png","type":"image/png","data":"not-base64!!"}}`
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, body))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, svc.chatCalls)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_file_encoding", out.Reason)
}

func TestHandle_MalformedBody(t *testing.T) {
	h := mustNewHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_MapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_turn"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_identity"}, status: http.StatusUnauthorized, code: string(usecase.ErrorUnauthorized)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "agent_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "agent_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "history_read_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := mustNewHandler(t, &stubService{chatErr: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"prompt":"Hello"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_HistoryHappyPath(t *testing.T) {
	svc := &stubService{historyOut: []domain.Turn{
		{UserID: "u1", Timestamp: "2026-03-01T10:00:00Z", SessionID: "s1", UserMessage: "hi", AgentResponse: "hello"},
	}}
	h := mustNewHandler(t, svc)

	resp, err := h.Handle(context.Background(), withIdentity(makeEvent(http.MethodGet, ""), "u1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "u1", svc.historyUser)

	out := parseBody[historyResponse](t, resp.Body)
	require.Len(t, out.History, 1)
	require.Equal(t, "hi", out.History[0].UserMessage)
	require.Equal(t, "s1", out.History[0].SessionID)
}

func TestHandle_HistoryWithoutIdentity(t *testing.T) {
	svc := &stubService{historyErr: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_identity"}}
	h := mustNewHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, svc.historyUser)
}

func TestHandle_HistoryEmptyIsValidJSONArray(t *testing.T) {
	h := mustNewHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), withIdentity(makeEvent(http.MethodGet, ""), "u1"))
	require.NoError(t, err)
	require.Contains(t, resp.Body, `"history":[]`)
}

func TestHandle_CORSPreflight(t *testing.T) {
	h := mustNewHandler(t, &stubService{})

	event := makeEvent(http.MethodOptions, "")
	event.Headers["origin"] = "http://localhost:5173"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://localhost:5173", resp.Headers["Access-Control-Allow-Origin"])
	require.Equal(t, "POST, GET, OPTIONS", resp.Headers["Access-Control-Allow-Methods"])
}

func TestHandle_DisallowedOriginGetsNoCORSHeaders(t *testing.T) {
	svc := &stubService{chatOut: usecase.ChatOutput{Response: "ok", SessionID: "s1"}}
	h := mustNewHandler(t, svc)

	event := makeEvent(http.MethodPost, `{"prompt":"Hello"}`)
	event.Headers["Origin"] = "https://evil.example"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Empty(t, resp.Headers["Access-Control-Allow-Origin"])
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	h := mustNewHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodDelete, ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "method_not_allowed", out.Reason)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	svc := &stubService{chatOut: usecase.ChatOutput{Response: "ok", SessionID: "s1"}}
	h := mustNewHandler(t, svc)

	event := makeEvent(http.MethodPost, `{"prompt":"Hello"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
