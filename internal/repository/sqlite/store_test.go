package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion-chat/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "companion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCompanion(t *testing.T, s *Store) domain.Companion {
	t.Helper()
	c := domain.Companion{ID: "c1", Name: "Ada", Instructions: "You are Ada Lovelace.", Src: "/ada.png"}
	require.NoError(t, s.PutCompanion(context.Background(), c))
	return c
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestPutCompanion_Upserts(t *testing.T) {
	s := openTestStore(t)
	seedCompanion(t, s)
	require.NoError(t, s.PutCompanion(context.Background(), domain.Companion{ID: "c1", Name: "Ada", Instructions: "Updated."}))

	c, _, err := s.FindCompanionAndAppendTurn(context.Background(), "c1", domain.Turn{Role: domain.RoleUser, Content: "hi", AuthorID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "Updated.", c.Instructions)

	require.Error(t, s.PutCompanion(context.Background(), domain.Companion{}))
}

func TestFindCompanionAndAppendTurn(t *testing.T) {
	s := openTestStore(t)
	want := seedCompanion(t, s)

	c, turn, err := s.FindCompanionAndAppendTurn(context.Background(), "c1", domain.Turn{Role: domain.RoleUser, Content: "hello", AuthorID: "u1"})
	require.NoError(t, err)
	require.Equal(t, want, c)
	require.NotEmpty(t, turn.ID)
	require.Equal(t, "c1", turn.ConversationID)
	require.False(t, turn.CreatedAt.IsZero())
}

func TestAppendTurn_UnknownCompanion(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.FindCompanionAndAppendTurn(context.Background(), "missing", domain.Turn{Role: domain.RoleUser, Content: "hi"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.AppendTurn(context.Background(), "missing", domain.Turn{Role: domain.RoleSystem, Content: "hi"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	turns, err := s.ListTurns(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestListTurns_CreationOrder(t *testing.T) {
	s := openTestStore(t)
	seedCompanion(t, s)
	ctx := context.Background()

	_, _, err := s.FindCompanionAndAppendTurn(ctx, "c1", domain.Turn{Role: domain.RoleUser, Content: "first", AuthorID: "u1"})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "c1", domain.Turn{Role: domain.RoleSystem, Content: "second", AuthorID: "u1"})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "c1", domain.Turn{Role: domain.RoleUser, Content: "third", AuthorID: "u1"})
	require.NoError(t, err)

	turns, err := s.ListTurns(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, []string{"first", "second", "third"}, []string{turns[0].Content, turns[1].Content, turns[2].Content})
	require.Equal(t, domain.RoleSystem, turns[1].Role)
	require.Equal(t, "u1", turns[2].AuthorID)
}

func TestAppendTurn_ConcurrentWritersAllLand(t *testing.T) {
	s := openTestStore(t)
	seedCompanion(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTurn(context.Background(), "c1", domain.Turn{Role: domain.RoleUser, Content: "x", AuthorID: "u1"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := s.ListTurns(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 20)
}

func TestRecallAndRemember(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := domain.CompanionKey{CompanionID: "c1", UserID: "u1", ModelName: "llama2-13b"}
	other := domain.CompanionKey{CompanionID: "c1", UserID: "u2", ModelName: "llama2-13b"}

	records, err := s.Recall(ctx, key, 5)
	require.NoError(t, err)
	require.Empty(t, records)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.Remember(ctx, text, key))
	}
	require.NoError(t, s.Remember(ctx, "not mine", other))

	records, err = s.Recall(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "two", records[0].Content)
	require.Equal(t, "three", records[1].Content)
	require.Equal(t, key, records[0].Key)

	records, err = s.Recall(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestRateLimiter(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 10, 17, 12, 30, 5, 0, time.UTC)
	l, err := NewRateLimiter(s, 2, 10*time.Second)
	require.NoError(t, err)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	var results []bool
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "/api/chat/c1-u1")
		require.NoError(t, err)
		results = append(results, ok)
	}
	require.Equal(t, []bool{true, true, false}, results)

	var hits int
	require.NoError(t, s.db.QueryRow(`SELECT hits FROM rate_limits WHERE key = ?`, "/api/chat/c1-u1").Scan(&hits))
	require.Equal(t, 2, hits, "rejection must not bump the counter")

	ok, err := l.Allow(ctx, "/api/chat/c1-u2")
	require.NoError(t, err)
	require.True(t, ok)

	l.now = func() time.Time { return now.Add(10 * time.Second) }
	ok, err = l.Allow(ctx, "/api/chat/c1-u1")
	require.NoError(t, err)
	require.True(t, ok)

	var windows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM rate_limits WHERE key = ?`, "/api/chat/c1-u1").Scan(&windows))
	require.Equal(t, 1, windows, "expired window is cleaned up")
}

func TestRateLimiter_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	s := openTestStore(t)
	l, err := NewRateLimiter(s, 5, time.Minute)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 10, 17, 12, 30, 5, 0, time.UTC) }

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 25; i++ {
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
	require.Equal(t, 5, allowed)
}

func TestNewRateLimiter_Validates(t *testing.T) {
	_, err := NewRateLimiter(nil, 1, time.Second)
	require.Error(t, err)
	s := openTestStore(t)
	_, err = NewRateLimiter(s, 0, time.Second)
	require.Error(t, err)
	_, err = NewRateLimiter(s, 1, 0)
	require.Error(t, err)
}
