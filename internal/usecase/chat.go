package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"corex-gateway/internal/domain"
	"corex-gateway/internal/integrations/bedrockmodel"
)

const defaultHistoryTurns = 6

// AgentClient is the session-scoped agent backend. Text in, full reply out;
// the backend may keep its own memory keyed by the session id.
type AgentClient interface {
	Invoke(ctx context.Context, sessionID, prompt string) (string, error)
}

// ModelClient is the stateless multimodal backend: text plus at most one
// attachment per call.
type ModelClient interface {
	Invoke(ctx context.Context, prompt string, att *domain.Attachment) (string, error)
}

// ConversationStore is the append-only per-user turn log.
type ConversationStore interface {
	Append(ctx context.Context, turn domain.Turn) error
	QueryAll(ctx context.Context, userID string) ([]domain.Turn, error)
	QuerySession(ctx context.Context, userID, sessionID string, limit int) ([]domain.Turn, error)
}

// ChatService orchestrates one turn: resolve the session, enrich the prompt
// with recent history, route to a backend, persist, respond.
type ChatService struct {
	agent        AgentClient
	model        ModelClient
	store        ConversationStore
	historyTurns int
	logger       *slog.Logger
}

// ChatInput is one inbound turn. UserID is the externally verified caller
// identity, empty for anonymous callers.
type ChatInput struct {
	UserID     string
	Prompt     string
	SessionID  string
	Ephemeral  bool
	Attachment *domain.Attachment
}

// ChatOutput carries the backend reply. SessionID is empty for ephemeral
// turns so the caller cannot continue an untracked session as a tracked one.
type ChatOutput struct {
	Response  string
	SessionID string
}

func NewChatService(agent AgentClient, model ModelClient, store ConversationStore, historyTurns int, logger *slog.Logger) (*ChatService, error) {
	if agent == nil {
		return nil, errors.New("usecase: agent client must not be nil")
	}
	if model == nil {
		return nil, errors.New("usecase: model client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		agent:        agent,
		model:        model,
		store:        store,
		historyTurns: historyTurns,
		logger:       logger,
	}, nil
}

// Chat handles one turn end to end. The store read, backend call and store
// write are strictly sequential; the reply is authoritative once computed and
// is returned even when persistence fails.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" && in.Attachment == nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_turn", nil)
	}

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}

	// History enrichment is best-effort and only applies to tracked turns of
	// identified callers.
	historyText := ""
	if !in.Ephemeral && in.UserID != "" {
		historyText = s.recentHistory(ctx, in.UserID, sessionID)
	}

	reply, err := s.invokeBackend(ctx, sessionID, prompt, historyText, in.Attachment)
	if err != nil {
		return ChatOutput{}, err
	}

	if !in.Ephemeral && in.UserID != "" {
		s.persistTurn(ctx, in, sessionID, reply)
	}

	out := ChatOutput{Response: reply, SessionID: sessionID}
	if in.Ephemeral {
		out.SessionID = ""
	}
	return out, nil
}

// History returns the caller's full turn log, oldest first. The read path
// fails closed: no identity, no store access.
func (s *ChatService) History(ctx context.Context, userID string) ([]domain.Turn, error) {
	if userID == "" {
		return nil, newError(ErrorUnauthorized, "missing_identity", nil)
	}
	turns, err := s.store.QueryAll(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	return turns, nil
}

// invokeBackend applies the route decision and normalizes backend failures
// into the error taxonomy. Backend errors are never retried here.
func (s *ChatService) invokeBackend(ctx context.Context, sessionID, prompt, historyText string, att *domain.Attachment) (string, error) {
	switch routeFor(att) {
	case routeMultimodal:
		reply, err := s.model.Invoke(ctx, buildModelPrompt(historyText, prompt), att)
		if err != nil {
			return "", classifyBackendError(err, "model")
		}
		return reply, nil
	default:
		reply, err := s.agent.Invoke(ctx, sessionID, buildAgentPrompt(historyText, prompt))
		if err != nil {
			return "", classifyBackendError(err, "agent")
		}
		return reply, nil
	}
}

// recentHistory builds the bounded context window. Any retrieval failure
// degrades to an empty window; serving the reply never depends on the store.
func (s *ChatService) recentHistory(ctx context.Context, userID, sessionID string) string {
	turns, err := s.store.QuerySession(ctx, userID, sessionID, s.historyTurns)
	if err != nil {
		s.logger.Warn("history lookup failed, continuing without context",
			"sessionId", sessionID, "err", err)
		return ""
	}
	return renderHistory(turns)
}

// persistTurn writes the original (never augmented) turn. Write failures are
// logged and swallowed: durability is best-effort once the reply exists.
func (s *ChatService) persistTurn(ctx context.Context, in ChatInput, sessionID, reply string) {
	turn := domain.Turn{
		UserID:        in.UserID,
		SessionID:     sessionID,
		UserMessage:   persistedMessage(strings.TrimSpace(in.Prompt), in.Attachment),
		AgentResponse: reply,
	}
	if err := s.store.Append(ctx, turn); err != nil {
		s.logger.Warn("failed to persist turn", "sessionId", sessionID, "err", err)
	}
}

func classifyBackendError(err error, backend string) *Error {
	if isUnsupportedAttachment(err) {
		return newError(ErrorInvalidInput, "unsupported_file_type", err)
	}
	if isThrottled(err) {
		return newError(ErrorRateLimited, backend+"_rate_limited", err)
	}
	return newError(ErrorUpstream, backend+"_error", err)
}

func isUnsupportedAttachment(err error) bool {
	return errors.Is(err, bedrockmodel.ErrUnsupportedMediaType)
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException"
}

var newUUID = func() string {
	return uuid.NewString()
}
