package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chat-agent/internal/config"
	"chat-agent/internal/domain"
)

// titleThreshold is the history length at which a turn triggers the
// auto-title call. Checked on every turn once reached, so later turns keep
// the title in step with the conversation.
const titleThreshold = 3

// CompletionClient wraps the remote completion call.
type CompletionClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.Completion, error)
}

// ConversationStore persists the conversation index and per-conversation
// histories.
type ConversationStore interface {
	ListConversations(ctx context.Context) ([]domain.ConversationMeta, error)
	GetConversation(ctx context.Context, conversationID string) (domain.ConversationMeta, bool, error)
	CreateConversation(ctx context.Context) (domain.ConversationMeta, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	LoadHistory(ctx context.Context, conversationID string) ([]domain.Exchange, error)
	AppendAndSave(ctx context.Context, conversationID string, exchange domain.Exchange) error
	TouchUpdatedAt(ctx context.Context, conversationID string) error
	RenameConversation(ctx context.Context, conversationID, newTitle string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService orchestrates chat turns: history load, prompt assembly, the
// completion call, persistence and the auto-title policy.
type ChatService struct {
	cfg   config.Config
	llm   CompletionClient
	store ConversationStore

	// locks holds one mutex per conversation id, held for a whole turn so
	// concurrent turns on one conversation cannot lose each other's append.
	locks sync.Map
}

type TurnInput struct {
	ConversationID string
	Message        string
	Model          string
}

type TurnOutput struct {
	Response  string
	Reasoning string
	Timestamp string
}

// Test seam.
var now = time.Now

func NewChatService(cfg config.Config, llm CompletionClient, store ConversationStore) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if cfg.DefaultModel == "" || cfg.AssistantPrompt == "" {
		return nil, errors.New("usecase: config is incomplete")
	}
	return &ChatService{cfg: cfg, llm: llm, store: store}, nil
}

// HandleTurn runs one chat turn against an existing conversation. The history
// is never appended when the completion call fails, and an invalid model is
// rejected before any remote call is made.
func (s *ChatService) HandleTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TurnOutput{}, newError(ErrorEmptyMessage, "empty_message", nil)
	}
	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		return TurnOutput{}, newError(ErrorUnknownConversation, "missing_conversation_id", nil)
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = s.cfg.DefaultModel
	}
	if !s.cfg.IsValidModel(model) {
		return TurnOutput{}, newError(ErrorInvalidModel, "model_not_available", nil)
	}

	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	_, found, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "store_read_error", err)
	}
	if !found {
		return TurnOutput{}, newError(ErrorUnknownConversation, "conversation_not_found", nil)
	}

	history, err := s.store.LoadHistory(ctx, conversationID)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "history_read_error", err)
	}

	completion, err := s.llm.Chat(ctx, model, buildTurnMessages(s.cfg.AssistantPrompt, history, message))
	if err != nil {
		var statusErr httpStatusCoder
		if errors.As(err, &statusErr) {
			return TurnOutput{}, newError(ErrorUpstream, "completion_failed", err)
		}
		return TurnOutput{}, newError(ErrorInternal, "completion_transport_error", err)
	}

	exchange := domain.Exchange{
		User:      message,
		AI:        completion.Text,
		Reasoning: completion.Reasoning,
		Timestamp: now().Format(domain.TimestampLayout),
	}
	if err := s.store.AppendAndSave(ctx, conversationID, exchange); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "history_write_error", err)
	}
	if err := s.store.TouchUpdatedAt(ctx, conversationID); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "index_write_error", err)
	}

	s.maybeRetitle(ctx, conversationID, append(history, exchange))

	return TurnOutput{
		Response:  completion.Text,
		Reasoning: completion.Reasoning,
		Timestamp: exchange.Timestamp,
	}, nil
}

// maybeRetitle applies the auto-title policy. It is best effort: any failure
// is logged and never surfaces to the turn's caller.
func (s *ChatService) maybeRetitle(ctx context.Context, conversationID string, history []domain.Exchange) {
	if len(history) < titleThreshold {
		return
	}
	completion, err := s.llm.Chat(ctx, s.cfg.DefaultModel, buildTitleMessages(history))
	if err != nil {
		slog.Warn("conversation auto-title failed", "conversation_id", conversationID, "err", err)
		return
	}
	title := strings.TrimSpace(completion.Text)
	if title == "" {
		slog.Warn("conversation auto-title returned empty text", "conversation_id", conversationID)
		return
	}
	if err := s.store.RenameConversation(ctx, conversationID, title); err != nil {
		slog.Warn("conversation rename failed", "conversation_id", conversationID, "err", err)
	}
}

func (s *ChatService) lockFor(conversationID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *ChatService) ListConversations(ctx context.Context) ([]domain.ConversationMeta, error) {
	metas, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	return metas, nil
}

func (s *ChatService) CreateConversation(ctx context.Context) (domain.ConversationMeta, error) {
	meta, err := s.store.CreateConversation(ctx)
	if err != nil {
		return domain.ConversationMeta{}, newError(ErrorInternal, "store_write_error", err)
	}
	return meta, nil
}

func (s *ChatService) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return newError(ErrorInternal, "store_write_error", err)
	}
	return nil
}

func (s *ChatService) History(ctx context.Context, conversationID string) ([]domain.Exchange, error) {
	history, err := s.store.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	return history, nil
}

func (s *ChatService) Models() []string {
	return s.cfg.AvailableModels
}

func (s *ChatService) DefaultModel() string {
	return s.cfg.DefaultModel
}
