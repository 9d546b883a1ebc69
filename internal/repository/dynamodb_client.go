package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"corex-gateway/internal/domain"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a DynamoDB table holding the per-user append-only turn log.
// The table is keyed by userId (partition) and timestamp (sort).
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// writeTimestamp returns the sort key value for a turn written now.
func writeTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Append writes one immutable turn. The timestamp is assigned at write time
// when the caller leaves it empty. The conditional put rejects overwrites, so
// a same-instant collision fails the write instead of clobbering history.
func (c *Client) Append(ctx context.Context, turn domain.Turn) error {
	if turn.UserID == "" {
		return errors.New("repository: Append: userId is required")
	}
	if turn.Timestamp == "" {
		turn.Timestamp = writeTimestamp()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(userId) AND attribute_not_exists(#ts)"),
		// "timestamp" is a DynamoDB reserved word.
		ExpressionAttributeNames: map[string]string{"#ts": "timestamp"},
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// QueryAll returns the full turn history for a user in ascending timestamp
// order, following pagination to the end. An empty history is not an error.
func (c *Client) QueryAll(ctx context.Context, userID string) ([]domain.Turn, error) {
	if userID == "" {
		return nil, errors.New("repository: QueryAll: userId is required")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var turns []domain.Turn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: QueryAll query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: QueryAll unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return turns, nil
}

// QuerySession returns at most limit turns for one session, the most recent
// ones, in ascending timestamp order. DynamoDB applies FilterExpression after
// the key condition, so a server-side Limit would bound scanned items rather
// than matched ones; pages are walked newest-first until enough turns match.
func (c *Client) QuerySession(ctx context.Context, userID, sessionID string, limit int) ([]domain.Turn, error) {
	if userID == "" {
		return nil, errors.New("repository: QuerySession: userId is required")
	}
	if sessionID == "" {
		return nil, errors.New("repository: QuerySession: sessionId is required")
	}
	if limit <= 0 {
		return nil, errors.New("repository: QuerySession: limit must be positive")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("userId = :uid"),
		FilterExpression:       aws.String("sessionId = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
		// Read newest first so the window favors the most recent turns.
		ScanIndexForward: aws.Bool(false),
	}

	var turns []domain.Turn
	for len(turns) < limit {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: QuerySession query: %w", err)
		}
		for _, item := range out.Items {
			if len(turns) == limit {
				break
			}
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: QuerySession unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := strAttr(item, "timestamp")
	if err != nil {
		return domain.Turn{}, err
	}
	sessionID, _ := strAttr(item, "sessionId")         // allow empty
	userMessage, _ := strAttr(item, "userMessage")     // allow empty
	agentResponse, _ := strAttr(item, "agentResponse") // allow empty

	return domain.Turn{
		UserID:        userID,
		Timestamp:     ts,
		SessionID:     sessionID,
		UserMessage:   userMessage,
		AgentResponse: agentResponse,
	}, nil
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":        &types.AttributeValueMemberS{Value: turn.UserID},
		"timestamp":     &types.AttributeValueMemberS{Value: turn.Timestamp},
		"sessionId":     &types.AttributeValueMemberS{Value: turn.SessionID},
		"userMessage":   &types.AttributeValueMemberS{Value: turn.UserMessage},
		"agentResponse": &types.AttributeValueMemberS{Value: turn.AgentResponse},
	}
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
