package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-agent/internal/config"
	"chat-agent/internal/domain"
)

type llmCall struct {
	model    string
	messages []domain.ChatMessage
}

type scriptedReply struct {
	completion domain.Completion
	err        error
}

// mockLLM replays scripted replies in call order and records every call.
type mockLLM struct {
	replies []scriptedReply
	calls   []llmCall
}

func (m *mockLLM) Chat(_ context.Context, model string, messages []domain.ChatMessage) (domain.Completion, error) {
	m.calls = append(m.calls, llmCall{model: model, messages: messages})
	if len(m.replies) == 0 {
		return domain.Completion{}, errors.New("no reply configured")
	}
	idx := len(m.calls) - 1
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return m.replies[idx].completion, m.replies[idx].err
}

func reply(text string) scriptedReply {
	return scriptedReply{completion: domain.Completion{Text: text}}
}

// memStore is an in-memory ConversationStore. Its AppendAndSave is a
// deliberately unguarded read-modify-write so the engine's per-conversation
// locking is what keeps concurrent turns from losing appends.
type memStore struct {
	mu        sync.Mutex
	metas     []domain.ConversationMeta
	histories map[string][]domain.Exchange

	getErr     error
	historyErr error
	appendErr  error
	touchErr   error
	renameErr  error

	appendCalls int
	renameCalls int
	nextID      int
}

func newMemStore() *memStore {
	return &memStore{histories: map[string][]domain.Exchange{}}
}

func (m *memStore) addConversation(id string) domain.ConversationMeta {
	t := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	meta := domain.ConversationMeta{ID: id, Title: "New conversation", CreatedAt: t, UpdatedAt: t}
	m.metas = append(m.metas, meta)
	m.histories[id] = []domain.Exchange{}
	return meta
}

func (m *memStore) ListConversations(_ context.Context) ([]domain.ConversationMeta, error) {
	return m.metas, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.ConversationMeta, bool, error) {
	if m.getErr != nil {
		return domain.ConversationMeta{}, false, m.getErr
	}
	for _, meta := range m.metas {
		if meta.ID == id {
			return meta, true, nil
		}
	}
	return domain.ConversationMeta{}, false, nil
}

func (m *memStore) CreateConversation(_ context.Context) (domain.ConversationMeta, error) {
	m.nextID++
	return m.addConversation(fmt.Sprintf("conv-%d", m.nextID)), nil
}

func (m *memStore) DeleteConversation(_ context.Context, id string) error {
	kept := m.metas[:0]
	for _, meta := range m.metas {
		if meta.ID != id {
			kept = append(kept, meta)
		}
	}
	m.metas = kept
	delete(m.histories, id)
	return nil
}

func (m *memStore) LoadHistory(_ context.Context, id string) ([]domain.Exchange, error) {
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.histories[id]
	out := make([]domain.Exchange, len(history))
	copy(out, history)
	return out, nil
}

func (m *memStore) AppendAndSave(ctx context.Context, id string, exchange domain.Exchange) error {
	m.appendCalls++
	if m.appendErr != nil {
		return m.appendErr
	}
	history, _ := m.LoadHistory(ctx, id)
	history = append(history, exchange)
	m.mu.Lock()
	m.histories[id] = history
	m.mu.Unlock()
	return nil
}

func (m *memStore) TouchUpdatedAt(_ context.Context, id string) error {
	if m.touchErr != nil {
		return m.touchErr
	}
	for i := range m.metas {
		if m.metas[i].ID == id {
			m.metas[i].UpdatedAt = m.metas[i].UpdatedAt.Add(time.Second)
		}
	}
	return nil
}

func (m *memStore) RenameConversation(_ context.Context, id, newTitle string) error {
	m.renameCalls++
	if m.renameErr != nil {
		return m.renameErr
	}
	for i := range m.metas {
		if m.metas[i].ID == id {
			m.metas[i].Title = newTitle
		}
	}
	return nil
}

type upstreamErr struct {
	status int
}

func (e *upstreamErr) Error() string       { return fmt.Sprintf("status %d", e.status) }
func (e *upstreamErr) HTTPStatusCode() int { return e.status }

func testConfig() config.Config {
	return config.Config{
		APIKey:          "sk-test",
		BaseURL:         "https://api.siliconflow.cn/v1",
		DefaultModel:    "model-a",
		AvailableModels: []string{"model-a", "model-b"},
		AssistantPrompt: "You are a helpful assistant.",
	}
}

func newTestService(t *testing.T, llm CompletionClient, store ConversationStore) *ChatService {
	t.Helper()
	svc, err := NewChatService(testConfig(), llm, store)
	require.NoError(t, err)
	return svc
}

func expectTurnError(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
}

func TestNewChatService_Validates(t *testing.T) {
	_, err := NewChatService(testConfig(), nil, newMemStore())
	require.Error(t, err)
	_, err = NewChatService(testConfig(), &mockLLM{}, nil)
	require.Error(t, err)
	_, err = NewChatService(config.Config{}, &mockLLM{}, newMemStore())
	require.Error(t, err)
}

func TestHandleTurn_EmptyMessage(t *testing.T) {
	llm := &mockLLM{}
	svc := newTestService(t, llm, newMemStore())
	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "  "})
	expectTurnError(t, err, ErrorEmptyMessage)
	require.Empty(t, llm.calls)
}

func TestHandleTurn_InvalidModelNeverCallsUpstream(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("ignored")}}
	store := newMemStore()
	store.addConversation("c1")
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "hi", Model: "model-z"})
	expectTurnError(t, err, ErrorInvalidModel)
	require.Empty(t, llm.calls, "invalid model must be rejected before any remote call")
	require.Zero(t, store.appendCalls)
}

func TestHandleTurn_UnknownConversation(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("ignored")}}
	svc := newTestService(t, llm, newMemStore())
	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "missing", Message: "hi"})
	expectTurnError(t, err, ErrorUnknownConversation)
	require.Empty(t, llm.calls)
}

func TestHandleTurn_HappyPath(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("4")}}
	store := newMemStore()
	meta := store.addConversation("c1")
	svc := newTestService(t, llm, store)

	out, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "What is 2+2?", Model: "model-a"})
	require.NoError(t, err)
	require.Equal(t, "4", out.Response)
	require.NotEmpty(t, out.Timestamp)

	history, err := store.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "What is 2+2?", history[0].User)
	require.Equal(t, "4", history[0].AI)

	got, found, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.UpdatedAt.After(meta.CreatedAt))

	require.Len(t, llm.calls, 1)
	require.Equal(t, "model-a", llm.calls[0].model)
}

func TestHandleTurn_DefaultsModelWhenUnset(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("hello")}}
	store := newMemStore()
	store.addConversation("c1")
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "model-a", llm.calls[0].model)
}

func TestHandleTurn_AssemblesFullHistory(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("third answer")}}
	store := newMemStore()
	store.addConversation("c1")
	store.histories["c1"] = []domain.Exchange{
		{User: "first", AI: "first answer"},
		{User: "second", AI: "second answer"},
	}
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "third"})
	require.NoError(t, err)

	msgs := llm.calls[0].messages
	require.Len(t, msgs, 6)
	require.Equal(t, domain.ChatMessage{Role: domain.RoleSystem, Content: "You are a helpful assistant."}, msgs[0])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "first"}, msgs[1])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleAssistant, Content: "first answer"}, msgs[2])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "second"}, msgs[3])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleAssistant, Content: "second answer"}, msgs[4])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "third"}, msgs[5])
}

func TestHandleTurn_UpstreamFailureLeavesHistoryUntouched(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{{err: &upstreamErr{status: 502}}}}
	store := newMemStore()
	store.addConversation("c1")
	store.histories["c1"] = []domain.Exchange{{User: "hi", AI: "hello"}}
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "again"})
	expectTurnError(t, err, ErrorUpstream)

	history, err := store.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 1, "a failed turn must not append")
	require.Zero(t, store.appendCalls)
}

func TestHandleTurn_TransportFailureIsInternal(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{{err: errors.New("connection refused")}}}
	store := newMemStore()
	store.addConversation("c1")
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "hi"})
	expectTurnError(t, err, ErrorInternal)
	require.Zero(t, store.appendCalls)
}

func TestHandleTurn_BelowThresholdMakesNoTitleCall(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("hello")}}
	store := newMemStore()
	store.addConversation("c1")
	store.histories["c1"] = []domain.Exchange{{User: "one", AI: "ack"}}
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "two"})
	require.NoError(t, err)
	require.Len(t, llm.calls, 1)
	require.Zero(t, store.renameCalls)
}

func TestHandleTurn_ThresholdTriggersOneTitleCall(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("hello"), reply("Arithmetic questions")}}
	store := newMemStore()
	store.addConversation("c1")
	store.histories["c1"] = []domain.Exchange{
		{User: "one", AI: "ack"},
		{User: "two", AI: "ack"},
	}
	svc := newTestService(t, llm, store)

	out, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "three", Model: "model-b"})
	require.NoError(t, err)
	require.Equal(t, "hello", out.Response)

	require.Len(t, llm.calls, 2, "exactly one extra call for the title")
	require.Equal(t, "model-a", llm.calls[1].model, "title call uses the default model")
	require.Equal(t, domain.RoleSystem, llm.calls[1].messages[0].Role)

	got, _, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "Arithmetic questions", got.Title)
}

func TestHandleTurn_TitleFailureIsInvisible(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("hello"), {err: &upstreamErr{status: 500}}}}
	store := newMemStore()
	store.addConversation("c1")
	store.histories["c1"] = []domain.Exchange{
		{User: "one", AI: "ack"},
		{User: "two", AI: "ack"},
	}
	svc := newTestService(t, llm, store)

	out, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "three"})
	require.NoError(t, err, "a failed title call must not fail the turn")
	require.Equal(t, "hello", out.Response)

	got, _, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "New conversation", got.Title, "title unchanged on summarization failure")

	history, err := store.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 3, "the turn itself still persisted")
}

func TestHandleTurn_EveryTurnPastThresholdRetitles(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("hello"), reply("Title one"), reply("hello"), reply("Title two")}}
	store := newMemStore()
	store.addConversation("c1")
	store.histories["c1"] = []domain.Exchange{
		{User: "one", AI: "ack"},
		{User: "two", AI: "ack"},
	}
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "three"})
	require.NoError(t, err)
	_, err = svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "four"})
	require.NoError(t, err)
	require.Equal(t, 2, store.renameCalls)
}

func TestHandleTurn_AppendFailureIsInternal(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("hello")}}
	store := newMemStore()
	store.addConversation("c1")
	store.appendErr = errors.New("boom")
	svc := newTestService(t, llm, store)

	_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: "hi"})
	expectTurnError(t, err, ErrorInternal)
}

func TestHandleTurn_ConcurrentTurnsAllPersisted(t *testing.T) {
	const turns = 8
	llm := &mockLLM{replies: []scriptedReply{reply("ack")}}
	store := newMemStore()
	store.addConversation("c1")
	svc := newTestService(t, llm, store)

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: fmt.Sprintf("message %d", n)})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := store.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, turns, "no concurrent turn may lose another's append")
}

func TestSequentialTurnsAccumulateInOrder(t *testing.T) {
	llm := &mockLLM{replies: []scriptedReply{reply("a1"), reply("a2"), reply("a3"), reply("Some topic")}}
	store := newMemStore()
	store.addConversation("c1")
	svc := newTestService(t, llm, store)

	for _, msg := range []string{"q1", "q2", "q3"} {
		_, err := svc.HandleTurn(context.Background(), TurnInput{ConversationID: "c1", Message: msg})
		require.NoError(t, err)
	}

	history, err := store.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "q1", history[0].User)
	require.Equal(t, "a1", history[0].AI)
	require.Equal(t, "q2", history[1].User)
	require.Equal(t, "a2", history[1].AI)
	require.Equal(t, "q3", history[2].User)
	require.Equal(t, "a3", history[2].AI)
}

func TestPassthroughs(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, &mockLLM{}, store)

	meta, err := svc.CreateConversation(context.Background())
	require.NoError(t, err)

	metas, err := svc.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 1)

	history, err := svc.History(context.Background(), meta.ID)
	require.NoError(t, err)
	require.Empty(t, history)

	require.NoError(t, svc.DeleteConversation(context.Background(), meta.ID))
	metas, err = svc.ListConversations(context.Background())
	require.NoError(t, err)
	require.Empty(t, metas)

	require.Equal(t, []string{"model-a", "model-b"}, svc.Models())
	require.Equal(t, "model-a", svc.DefaultModel())
}
