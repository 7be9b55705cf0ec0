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
)

// RateLimiter is a fixed-window request counter kept in DynamoDB. Each
// (key, window) pair is one item whose hit count is incremented with a
// conditional update, so concurrent callers can never over-admit.
type RateLimiter struct {
	api       dynamodbAPI
	tableName string
	capacity  int
	window    time.Duration
	now       func() time.Time
}

// NewRateLimiter creates a RateLimiter admitting capacity requests per key
// in every window.
func NewRateLimiter(api dynamodbAPI, tableName string, capacity int, window time.Duration) (*RateLimiter, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if capacity <= 0 {
		return nil, errors.New("repository: rate limit capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("repository: rate limit window must be positive")
	}
	return &RateLimiter{api: api, tableName: tableName, capacity: capacity, window: window, now: time.Now}, nil
}

// Allow counts one request for key and reports whether it fits in the
// current window. A rejected request leaves the counter untouched.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	start := windowStart(l.now(), l.window)
	expires := start.Add(2 * l.window)

	_, err := l.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "RATE#" + key},
			"SK": &types.AttributeValueMemberS{Value: "WINDOW#" + strconv.FormatInt(start.UnixMilli(), 10)},
		},
		UpdateExpression:    aws.String("ADD hits :one SET #ttl = if_not_exists(#ttl, :ttl)"),
		ConditionExpression: aws.String("attribute_not_exists(hits) OR hits < :capacity"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":      &types.AttributeValueMemberN{Value: "1"},
			":capacity": &types.AttributeValueMemberN{Value: strconv.Itoa(l.capacity)},
			":ttl":      &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("repository: rate limit %q: %w", key, err)
	}
	return true, nil
}

// windowStart aligns t to the beginning of its window, counted from the Unix
// epoch.
func windowStart(t time.Time, window time.Duration) time.Time {
	n := t.UnixNano()
	return time.Unix(0, n-n%window.Nanoseconds()).UTC()
}
