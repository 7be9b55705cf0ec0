package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"companion-chat/internal/domain"
)

const (
	skProfile   = "PROFILE"
	skPrefixMsg = "MSG#"
	skPrefixRec = "REC#"

	defaultRecallLimit = 20
	memoryTTL          = 30 * 24 * time.Hour // 30-day retention

	// sortTimeLayout is fixed width so that sort keys order chronologically.
	sortTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by this package.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores companions, their transcripts and the long-term memory log
// in a single DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// companionPK returns the partition key shared by a companion profile and
// its transcript.
func companionPK(companionID string) string {
	return "COMPANION#" + companionID
}

func memoryPK(key domain.CompanionKey) string {
	return "MEMORY#" + key.String()
}

func sortKey(prefix string, ts time.Time, id string) string {
	return prefix + ts.UTC().Format(sortTimeLayout) + "#" + id
}

// PutCompanion writes or replaces a companion profile.
func (c *Client) PutCompanion(ctx context.Context, companion domain.Companion) error {
	if strings.TrimSpace(companion.ID) == "" {
		return errors.New("repository: PutCompanion: id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      companionItem(companion),
	})
	if err != nil {
		return fmt.Errorf("repository: PutCompanion: %w", err)
	}
	return nil
}

// FindCompanionAndAppendTurn resolves the companion behind conversationID and
// appends turn to its transcript.
func (c *Client) FindCompanionAndAppendTurn(ctx context.Context, conversationID string, turn domain.Turn) (domain.Companion, domain.Turn, error) {
	companion, err := c.getCompanion(ctx, conversationID)
	if err != nil {
		return domain.Companion{}, domain.Turn{}, err
	}
	saved, err := c.AppendTurn(ctx, conversationID, turn)
	if err != nil {
		return domain.Companion{}, domain.Turn{}, err
	}
	return companion, saved, nil
}

// AppendTurn assigns an id and timestamp to turn and writes it, conditioned
// on the companion profile existing.
func (c *Client) AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) (domain.Turn, error) {
	turn.ID = newUUID()
	turn.ConversationID = conversationID
	turn.CreatedAt = c.now().UTC()

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(c.tableName),
					Key:                 profileKey(conversationID),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if companionCheckFailed(err) {
			return domain.Turn{}, fmt.Errorf("repository: AppendTurn %q: %w", conversationID, domain.ErrNotFound)
		}
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn, nil
}

// ListTurns returns the full transcript of a conversation in creation order.
func (c *Client) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: companionPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	turns := []domain.Turn{}
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Recall returns up to limit of the most recent memory records for key,
// oldest first. An unknown key yields an empty slice.
func (c *Client) Recall(ctx context.Context, key domain.CompanionKey, limit int) ([]domain.MemoryRecord, error) {
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: memoryPK(key)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixRec},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Recall query: %w", err)
	}

	records := make([]domain.MemoryRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToMemoryRecord(item, key)
		if err != nil {
			return nil, fmt.Errorf("repository: Recall unmarshal: %w", err)
		}
		records = append(records, rec)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Remember appends one memory record for key.
func (c *Client) Remember(ctx context.Context, text string, key domain.CompanionKey) error {
	now := c.now().UTC()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: memoryPK(key)},
			"SK":        &types.AttributeValueMemberS{Value: sortKey(skPrefixRec, now, newUUID())},
			"key":       &types.AttributeValueMemberS{Value: key.String()},
			"content":   &types.AttributeValueMemberS{Value: text},
			"createdAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(memoryTTL).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Remember: %w", err)
	}
	return nil
}

func (c *Client) getCompanion(ctx context.Context, id string) (domain.Companion, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            profileKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Companion{}, fmt.Errorf("repository: get companion: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Companion{}, fmt.Errorf("repository: get companion %q: %w", id, domain.ErrNotFound)
	}
	companion, err := itemToCompanion(id, out.Item)
	if err != nil {
		return domain.Companion{}, fmt.Errorf("repository: get companion unmarshal: %w", err)
	}
	return companion, nil
}

// companionCheckFailed reports whether a transaction was canceled because the
// companion profile condition check (always the first item) failed.
func companionCheckFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || len(tce.CancellationReasons) == 0 {
		return false
	}
	code := tce.CancellationReasons[0].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func profileKey(companionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: companionPK(companionID)},
		"SK": &types.AttributeValueMemberS{Value: skProfile},
	}
}

func companionItem(companion domain.Companion) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: companionPK(companion.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skProfile},
		"name":         &types.AttributeValueMemberS{Value: companion.Name},
		"instructions": &types.AttributeValueMemberS{Value: companion.Instructions},
		"src":          &types.AttributeValueMemberS{Value: companion.Src},
	}
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: companionPK(turn.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: sortKey(skPrefixMsg, turn.CreatedAt, turn.ID)},
		"id":             &types.AttributeValueMemberS{Value: turn.ID},
		"conversationId": &types.AttributeValueMemberS{Value: turn.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(turn.Role)},
		"content":        &types.AttributeValueMemberS{Value: turn.Content},
		"authorId":       &types.AttributeValueMemberS{Value: turn.AuthorID},
		"createdAt":      &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToCompanion(id string, item map[string]types.AttributeValue) (domain.Companion, error) {
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.Companion{}, err
	}
	instructions, err := strAttr(item, "instructions")
	if err != nil {
		return domain.Companion{}, err
	}
	src, _ := strAttr(item, "src") // optional
	return domain.Companion{ID: id, Name: name, Instructions: instructions, Src: src}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Turn{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	authorID, _ := strAttr(item, "authorId") // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		ID:             id,
		ConversationID: conversationID,
		Role:           domain.Role(role),
		Content:        content,
		AuthorID:       authorID,
		CreatedAt:      createdAt,
	}, nil
}

func itemToMemoryRecord(item map[string]types.AttributeValue, key domain.CompanionKey) (domain.MemoryRecord, error) {
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.MemoryRecord{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.MemoryRecord{}, err
	}
	return domain.MemoryRecord{Key: key, Content: content, CreatedAt: createdAt}, nil
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
