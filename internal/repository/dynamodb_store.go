package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-agent/internal/domain"
)

const (
	indexPK      = "CONVERSATIONS"
	indexSK      = "INDEX"
	convPKPrefix = "CONV#"
	historySK    = "HISTORY"

	attrMetas     = "metas"
	attrExchanges = "exchanges"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store persists the conversation index and per-conversation histories in a
// single DynamoDB table. The index lives in one item and each conversation's
// exchanges in another, both written as whole-record JSON snapshots so a
// failed write can never leave a partially interleaved record.
type Store struct {
	api       dynamodbAPI
	tableName string

	// indexMu serializes read-modify-writes of the index item.
	indexMu sync.Mutex
}

// Test seams.
var (
	newID = uuid.NewString
	now   = time.Now
)

// New creates a new conversation Store.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func convPK(conversationID string) string {
	return convPKPrefix + conversationID
}

// ListConversations returns the conversation index. An absent index item
// yields an empty slice; a malformed one is treated the same and logged.
func (s *Store) ListConversations(ctx context.Context) ([]domain.ConversationMeta, error) {
	return s.readIndex(ctx)
}

// GetConversation looks up one index entry by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.ConversationMeta, bool, error) {
	metas, err := s.readIndex(ctx)
	if err != nil {
		return domain.ConversationMeta{}, false, err
	}
	for _, m := range metas {
		if m.ID == conversationID {
			return m, true, nil
		}
	}
	return domain.ConversationMeta{}, false, nil
}

// CreateConversation appends a fresh conversation to the index and persists
// an empty history record for it in a single transaction, so a failure leaves
// no index entry pointing at a missing record.
func (s *Store) CreateConversation(ctx context.Context) (domain.ConversationMeta, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	metas, err := s.readIndex(ctx)
	if err != nil {
		return domain.ConversationMeta{}, err
	}

	t := now()
	meta := domain.ConversationMeta{
		ID:        newID(),
		Title:     "New conversation " + t.Format(domain.TimestampLayout),
		CreatedAt: t.UTC(),
		UpdatedAt: t.UTC(),
	}

	indexItem, err := indexItem(append(metas, meta))
	if err != nil {
		return domain.ConversationMeta{}, err
	}
	emptyHistory, err := historyItem(meta.ID, []domain.Exchange{})
	if err != nil {
		return domain.ConversationMeta{}, err
	}

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: indexItem}},
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: emptyHistory}},
		},
	})
	if err != nil {
		return domain.ConversationMeta{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return meta, nil
}

// DeleteConversation removes a conversation's history record and its index
// entry. Both removals are attempted even if one fails; failures are logged
// and not surfaced, and an unknown id is not an error.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var errs []error

	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: historySK},
		},
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("delete history: %w", err))
	}

	metas, err := s.readIndex(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("read index: %w", err))
	} else {
		kept := metas[:0]
		for _, m := range metas {
			if m.ID != conversationID {
				kept = append(kept, m)
			}
		}
		if len(kept) != len(metas) {
			if err := s.putIndex(ctx, kept); err != nil {
				errs = append(errs, fmt.Errorf("write index: %w", err))
			}
		}
	}

	if joined := errors.Join(errs...); joined != nil {
		slog.Error("conversation deletion incomplete", "conversation_id", conversationID, "err", joined)
	}
	return nil
}

// LoadHistory returns a conversation's exchanges in append order. An absent
// record yields an empty slice; a malformed one is treated the same and
// logged. Transport failures propagate.
func (s *Store) LoadHistory(ctx context.Context, conversationID string) ([]domain.Exchange, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: historySK},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: LoadHistory: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return []domain.Exchange{}, nil
	}
	raw, err := strAttr(out.Item, attrExchanges)
	if err != nil {
		slog.Warn("history record missing exchanges attribute, treating as empty", "conversation_id", conversationID, "err", err)
		return []domain.Exchange{}, nil
	}
	exchanges, ok := decodeExchanges(raw)
	if !ok {
		slog.Warn("history record is corrupt, treating as empty", "conversation_id", conversationID)
		return []domain.Exchange{}, nil
	}
	return exchanges, nil
}

// AppendAndSave reads the current history, appends the exchange and persists
// the record back as a whole-record replacement.
func (s *Store) AppendAndSave(ctx context.Context, conversationID string, exchange domain.Exchange) error {
	history, err := s.LoadHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	item, err := historyItem(conversationID, append(history, exchange))
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: AppendAndSave: %w", err)
	}
	return nil
}

// TouchUpdatedAt refreshes a conversation's UpdatedAt. No-op if id is absent.
func (s *Store) TouchUpdatedAt(ctx context.Context, conversationID string) error {
	return s.updateMeta(ctx, conversationID, func(m *domain.ConversationMeta) {
		m.UpdatedAt = now().UTC()
	})
}

// RenameConversation replaces a conversation's title. No-op if id is absent.
func (s *Store) RenameConversation(ctx context.Context, conversationID, newTitle string) error {
	return s.updateMeta(ctx, conversationID, func(m *domain.ConversationMeta) {
		m.Title = newTitle
	})
}

func (s *Store) updateMeta(ctx context.Context, conversationID string, mutate func(*domain.ConversationMeta)) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	metas, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	for i := range metas {
		if metas[i].ID == conversationID {
			mutate(&metas[i])
			return s.putIndex(ctx, metas)
		}
	}
	return nil
}

func (s *Store) readIndex(ctx context.Context) ([]domain.ConversationMeta, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: indexPK},
			"SK": &types.AttributeValueMemberS{Value: indexSK},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: read index: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return []domain.ConversationMeta{}, nil
	}
	raw, err := strAttr(out.Item, attrMetas)
	if err != nil {
		slog.Warn("index record missing metas attribute, treating as empty", "err", err)
		return []domain.ConversationMeta{}, nil
	}
	metas, ok := decodeMetas(raw)
	if !ok {
		slog.Warn("index record is corrupt, treating as empty")
		return []domain.ConversationMeta{}, nil
	}
	return metas, nil
}

func (s *Store) putIndex(ctx context.Context, metas []domain.ConversationMeta) error {
	item, err := indexItem(metas)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: write index: %w", err)
	}
	return nil
}

func indexItem(metas []domain.ConversationMeta) (map[string]types.AttributeValue, error) {
	raw, err := json.Marshal(metas)
	if err != nil {
		return nil, fmt.Errorf("repository: encode index: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: indexPK},
		"SK":      &types.AttributeValueMemberS{Value: indexSK},
		attrMetas: &types.AttributeValueMemberS{Value: string(raw)},
	}, nil
}

func historyItem(conversationID string, exchanges []domain.Exchange) (map[string]types.AttributeValue, error) {
	raw, err := json.Marshal(exchanges)
	if err != nil {
		return nil, fmt.Errorf("repository: encode history: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK":          &types.AttributeValueMemberS{Value: historySK},
		attrExchanges: &types.AttributeValueMemberS{Value: string(raw)},
	}, nil
}

// decodeMetas decodes the index blob, reporting ok=false on corruption so the
// caller can apply the treat-as-empty policy explicitly.
func decodeMetas(raw string) ([]domain.ConversationMeta, bool) {
	var metas []domain.ConversationMeta
	if err := json.Unmarshal([]byte(raw), &metas); err != nil {
		return nil, false
	}
	if metas == nil {
		metas = []domain.ConversationMeta{}
	}
	return metas, true
}

// decodeExchanges decodes a history blob, reporting ok=false on corruption.
func decodeExchanges(raw string) ([]domain.Exchange, bool) {
	var exchanges []domain.Exchange
	if err := json.Unmarshal([]byte(raw), &exchanges); err != nil {
		return nil, false
	}
	if exchanges == nil {
		exchanges = []domain.Exchange{}
	}
	return exchanges, true
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
