package repository

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// counterDynamo evaluates the limiter's conditional ADD the way DynamoDB does:
// atomically per item, failing the condition once hits reaches capacity.
type counterDynamo struct {
	fakeDynamo
	mu   sync.Mutex
	hits map[string]int
}

func (c *counterDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil {
		c.hits = map[string]int{}
	}
	id := in.Key["PK"].(*types.AttributeValueMemberS).Value + "|" + in.Key["SK"].(*types.AttributeValueMemberS).Value
	capacity, _ := strconv.Atoi(in.ExpressionAttributeValues[":capacity"].(*types.AttributeValueMemberN).Value)
	if c.hits[id] >= capacity {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	c.hits[id]++
	return &dynamodb.UpdateItemOutput{}, nil
}

func newTestLimiter(t *testing.T, api dynamodbAPI, capacity int, now time.Time) *RateLimiter {
	t.Helper()
	l, err := NewRateLimiter(api, "test-table", capacity, 10*time.Second)
	require.NoError(t, err)
	l.now = func() time.Time { return now }
	return l
}

func TestNewRateLimiter_ValidatesArguments(t *testing.T) {
	_, err := NewRateLimiter(nil, "t", 1, time.Second)
	require.Error(t, err)
	_, err = NewRateLimiter(&fakeDynamo{}, "", 1, time.Second)
	require.Error(t, err)
	_, err = NewRateLimiter(&fakeDynamo{}, "t", 0, time.Second)
	require.Error(t, err)
	_, err = NewRateLimiter(&fakeDynamo{}, "t", 1, 0)
	require.Error(t, err)
}

func TestRateLimiter_RejectsOnlyTheRequestOverCapacity(t *testing.T) {
	db := &counterDynamo{}
	l := newTestLimiter(t, db, 3, fixedNow)

	var results []bool
	for i := 0; i < 4; i++ {
		ok, err := l.Allow(context.Background(), "/api/chat/c1-u1")
		require.NoError(t, err)
		results = append(results, ok)
	}
	require.Equal(t, []bool{true, true, true, false}, results)

	// The rejection did not bump the counter.
	for _, n := range db.hits {
		require.Equal(t, 3, n)
	}
}

func TestRateLimiter_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	db := &counterDynamo{}
	l := newTestLimiter(t, db, 10, fixedNow)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(context.Background(), "k")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, allowed)
}

func TestRateLimiter_KeysAndWindowsAreIndependent(t *testing.T) {
	db := &counterDynamo{}
	l := newTestLimiter(t, db, 1, fixedNow)

	ok, _ := l.Allow(context.Background(), "a")
	require.True(t, ok)
	ok, _ = l.Allow(context.Background(), "b")
	require.True(t, ok)
	ok, _ = l.Allow(context.Background(), "a")
	require.False(t, ok)

	l.now = func() time.Time { return fixedNow.Add(10 * time.Second) }
	ok, _ = l.Allow(context.Background(), "a")
	require.True(t, ok)
}

func TestRateLimiter_UpdateShape(t *testing.T) {
	db := &fakeDynamo{}
	l := newTestLimiter(t, db, 10, fixedNow)
	ok, err := l.Allow(context.Background(), "/api/chat/c1-u1")
	require.NoError(t, err)
	require.True(t, ok)

	in := db.lastUpdateIn
	require.Equal(t, "RATE#/api/chat/c1-u1", in.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "WINDOW#"+strconv.FormatInt(windowStart(fixedNow, 10*time.Second).UnixMilli(), 10), in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(hits) OR hits < :capacity", *in.ConditionExpression)
	require.Equal(t, "10", in.ExpressionAttributeValues[":capacity"].(*types.AttributeValueMemberN).Value)
}

func TestRateLimiter_BackendErrorIsReturned(t *testing.T) {
	l := newTestLimiter(t, &fakeDynamo{updateErr: errors.New("RequestTimeout")}, 10, fixedNow)
	ok, err := l.Allow(context.Background(), "k")
	require.False(t, ok)
	require.ErrorContains(t, err, "RequestTimeout")
}

func TestWindowStart(t *testing.T) {
	require.Equal(t, time.Date(2026, 10, 17, 12, 30, 0, 0, time.UTC), windowStart(fixedNow, 10*time.Second))
	require.Equal(t, time.Date(2026, 10, 17, 12, 30, 5, 0, time.UTC), windowStart(fixedNow, time.Second))
}
