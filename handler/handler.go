package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-agent/internal/domain"
	"chat-agent/internal/usecase"
)

// ConversationService is the conversation surface the handler dispatches to.
type ConversationService interface {
	ListConversations(ctx context.Context) ([]domain.ConversationMeta, error)
	CreateConversation(ctx context.Context) (domain.ConversationMeta, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	History(ctx context.Context, conversationID string) ([]domain.Exchange, error)
	Models() []string
	DefaultModel() string
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	ModelName      string `json:"model_name"`
}

type chatResponse struct {
	Response         string `json:"response"`
	ReasoningContent string `json:"reasoning_content"`
	Timestamp        string `json:"timestamp"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler routes API Gateway proxy events to the conversation service.
type Handler struct {
	service ConversationService
}

func NewHandler(service ConversationService) (*Handler, error) {
	if service == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	return &Handler{service: service}, nil
}

// Handle dispatches one API Gateway request. Routing is a thin switch on
// method and path; all behavior lives in the service.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	method := event.HTTPMethod
	path := strings.TrimRight(event.Path, "/")

	switch {
	case method == http.MethodGet && path == "/api/conversations":
		metas, err := h.service.ListConversations(ctx)
		if err != nil {
			return h.errorResponse(corrID, err), nil
		}
		return jsonResponse(http.StatusOK, corrID, metas), nil

	case method == http.MethodPost && path == "/api/conversations":
		meta, err := h.service.CreateConversation(ctx)
		if err != nil {
			return h.errorResponse(corrID, err), nil
		}
		return jsonResponse(http.StatusOK, corrID, meta), nil

	case method == http.MethodDelete && conversationIDFromPath(path) != "":
		if err := h.service.DeleteConversation(ctx, conversationIDFromPath(path)); err != nil {
			return h.errorResponse(corrID, err), nil
		}
		return jsonResponse(http.StatusOK, corrID, messageResponse{Message: "conversation deleted"}), nil

	case method == http.MethodGet && historyConversationID(path) != "":
		history, err := h.service.History(ctx, historyConversationID(path))
		if err != nil {
			return h.errorResponse(corrID, err), nil
		}
		return jsonResponse(http.StatusOK, corrID, history), nil

	case method == http.MethodGet && path == "/api/models":
		return jsonResponse(http.StatusOK, corrID, h.service.Models()), nil

	case method == http.MethodGet && path == "/api/default_model":
		return jsonResponse(http.StatusOK, corrID, h.service.DefaultModel()), nil

	case method == http.MethodPost && path == "/api/chat":
		return h.handleChat(ctx, corrID, event.Body), nil
	}

	return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: "NOT_FOUND"}), nil
}

func (h *Handler) handleChat(ctx context.Context, corrID, body string) events.APIGatewayProxyResponse {
	var req chatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{
			Error:  string(usecase.ErrorEmptyMessage),
			Reason: "malformed_request_body",
		})
	}

	out, err := h.service.HandleTurn(ctx, usecase.TurnInput{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Model:          req.ModelName,
	})
	if err != nil {
		return h.errorResponse(corrID, err)
	}
	return jsonResponse(http.StatusOK, corrID, chatResponse{
		Response:         out.Response,
		ReasoningContent: out.Reasoning,
		Timestamp:        out.Timestamp,
	})
}

// errorResponse maps service errors onto the HTTP surface. Validation errors
// are the client's fault (400, not logged); upstream and internal failures
// are 500 and logged with detail. Internal detail stays out of the body.
func (h *Handler) errorResponse(corrID string, err error) events.APIGatewayProxyResponse {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		slog.Error("unexpected handler error", "correlation_id", corrID, "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	switch usecaseErr.Code {
	case usecase.ErrorEmptyMessage, usecase.ErrorUnknownConversation, usecase.ErrorInvalidModel:
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{
			Error:  string(usecaseErr.Code),
			Reason: usecaseErr.Reason,
		})
	case usecase.ErrorUpstream:
		slog.Error("completion upstream failure", "correlation_id", corrID, "err", usecaseErr)
		reason := usecaseErr.Reason
		if usecaseErr.Err != nil {
			reason = usecaseErr.Err.Error()
		}
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{
			Error:  string(usecase.ErrorUpstream),
			Reason: reason,
		})
	default:
		slog.Error("internal failure", "correlation_id", corrID, "err", usecaseErr)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
}

// conversationIDFromPath extracts {id} from /api/conversations/{id}, or ""
// when the path has a different shape.
func conversationIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/conversations/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// historyConversationID extracts {id} from /api/conversations/{id}/history.
func historyConversationID(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/conversations/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/history")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Correlation-Id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to encode response body", "correlation_id", corrID, "err", err)
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": corrID,
		},
		Body: string(raw),
	}
}
