package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"corex-gateway/internal/domain"
	"corex-gateway/internal/usecase"
)

// ChatService is the orchestration surface the handler drives.
type ChatService interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	History(ctx context.Context, userID string) ([]domain.Turn, error)
}

// Handler is the API Gateway proxy shell around the chat service. It owns
// transport concerns only: CORS, method dispatch, body decoding, identity
// extraction and status mapping.
type Handler struct {
	svc            ChatService
	allowedOrigins map[string]struct{}
}

type chatRequest struct {
	Prompt      string       `json:"prompt"`
	SessionID   string       `json:"sessionId"`
	IsTemporary bool         `json:"isTemporary"`
	File        *filePayload `json:"file"`
}

type filePayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

type chatResponse struct {
	Response  string  `json:"response"`
	SessionID *string `json:"sessionId"`
}

type turnPayload struct {
	UserID        string `json:"userId"`
	Timestamp     string `json:"timestamp"`
	SessionID     string `json:"sessionId"`
	UserMessage   string `json:"userMessage"`
	AgentResponse string `json:"agentResponse"`
}

type historyResponse struct {
	History []turnPayload `json:"history"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// NewHandler creates a Handler. allowedOrigins is the CORS allow-list; an
// empty list disables cross-origin access.
func NewHandler(svc ChatService, allowedOrigins []string) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins[o] = struct{}{}
		}
	}
	return &Handler{svc: svc, allowedOrigins: origins}, nil
}

// Handle is the Lambda entry point for one API Gateway proxy event.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	headers := h.responseHeaders(req)

	switch req.HTTPMethod {
	case http.MethodOptions:
		return respond(http.StatusOK, headers, map[string]string{"message": "CORS preflight OK"})
	case http.MethodPost:
		return h.handleChat(ctx, req, headers)
	case http.MethodGet:
		return h.handleHistory(ctx, req, headers)
	default:
		return respondError(headers, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "method_not_allowed"})
	}
}

func (h *Handler) handleChat(ctx context.Context, req events.APIGatewayProxyRequest, headers map[string]string) (events.APIGatewayProxyResponse, error) {
	var body chatRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return respondError(headers, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
	}

	in := usecase.ChatInput{
		UserID:    callerID(req),
		Prompt:    body.Prompt,
		SessionID: body.SessionID,
		Ephemeral: body.IsTemporary,
	}
	if body.File != nil {
		data, err := base64.StdEncoding.DecodeString(body.File.Data)
		if err != nil {
			return respondError(headers, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_file_encoding", Err: err})
		}
		in.Attachment = &domain.Attachment{
			Name:     body.File.Name,
			MIMEType: body.File.Type,
			Data:     data,
		}
	}

	out, err := h.svc.Chat(ctx, in)
	if err != nil {
		return respondError(headers, err)
	}

	resp := chatResponse{Response: out.Response}
	if out.SessionID != "" {
		resp.SessionID = &out.SessionID
	}
	return respond(http.StatusOK, headers, resp)
}

func (h *Handler) handleHistory(ctx context.Context, req events.APIGatewayProxyRequest, headers map[string]string) (events.APIGatewayProxyResponse, error) {
	turns, err := h.svc.History(ctx, callerID(req))
	if err != nil {
		return respondError(headers, err)
	}

	payload := historyResponse{History: make([]turnPayload, 0, len(turns))}
	for _, t := range turns {
		payload.History = append(payload.History, turnPayload{
			UserID:        t.UserID,
			Timestamp:     t.Timestamp,
			SessionID:     t.SessionID,
			UserMessage:   t.UserMessage,
			AgentResponse: t.AgentResponse,
		})
	}
	return respond(http.StatusOK, headers, payload)
}

// callerID returns the externally verified caller identity, or empty for an
// anonymous caller. API Gateway attaches the authorizer claims to the proxy
// request context; the handler never verifies anything itself.
func callerID(req events.APIGatewayProxyRequest) string {
	claims, ok := req.RequestContext.Authorizer["claims"].(map[string]interface{})
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// responseHeaders builds the fixed response header set: content type, the
// echoed or generated correlation id, and CORS headers when the request
// origin is on the allow-list.
func (h *Handler) responseHeaders(req events.APIGatewayProxyRequest) map[string]string {
	headers := map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID(req.Headers),
	}
	origin := strings.TrimRight(headerLookup(req.Headers, "Origin"), "/")
	if _, ok := h.allowedOrigins[origin]; ok {
		headers["Access-Control-Allow-Origin"] = origin
		headers["Access-Control-Allow-Methods"] = "POST, GET, OPTIONS"
		headers["Access-Control-Allow-Headers"] = "Content-Type, Authorization"
	}
	return headers
}

func correlationID(headers map[string]string) string {
	if id := headerLookup(headers, "X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// headerLookup does a case-insensitive header fetch; API Gateway proxy events
// carry headers as a plain map with caller-controlled casing.
func headerLookup(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func respond(status int, headers map[string]string, body any) (events.APIGatewayProxyResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		// Marshalling plain response structs cannot realistically fail;
		// degrade to an empty body rather than a Lambda-level error.
		slog.Error("failed to marshal response body", "err", err)
		raw = []byte(`{}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(raw),
	}, nil
}

func respondError(headers map[string]string, err error) (events.APIGatewayProxyResponse, error) {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		usecaseErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	if usecaseErr.Code == usecase.ErrorInternal || usecaseErr.Code == usecase.ErrorUpstream {
		slog.Error("request failed", "code", usecaseErr.Code, "reason", usecaseErr.Reason, "err", usecaseErr.Err)
	}
	return respond(statusFor(usecaseErr.Code), headers, errorResponse{
		Error:  string(usecaseErr.Code),
		Reason: usecaseErr.Reason,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
