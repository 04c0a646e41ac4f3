package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// skip when Redis is not running
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func cleanup(t *testing.T, rdb *redis.Client, docID string, users ...string) {
	t.Cleanup(func() {
		ctx := context.Background()
		keys := []string{roomKey(docID), namesKey(docID)}
		for _, u := range users {
			keys = append(keys, cursorKey(docID, u))
		}
		rdb.Del(ctx, keys...)
		rdb.SRem(ctx, docsKey(), docID)
	})
}

func TestPresence_MembersExpire(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	docID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	cleanup(t, rdb, docID, "u1", "u2")

	p := NewRedisPresence(rdb).(*redisPresence)
	require.NoError(t, p.AddMember(ctx, docID, "u1", "alice", time.Minute))
	require.NoError(t, p.AddMember(ctx, docID, "u2", "bob", time.Minute))

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{{UserID: "u1", Username: "alice"}, {UserID: "u2", Username: "bob"}}, members)

	docs, err := p.GetDocuments(ctx)
	require.NoError(t, err)
	assert.Contains(t, docs, docID)

	// two minutes later only a refreshed member is alive
	start := time.Now()
	p.now = func() time.Time { return start.Add(2 * time.Minute) }
	require.NoError(t, p.AddMember(ctx, docID, "u2", "bob", time.Minute))
	members, err = p.GetAliveMembersWithNames(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{UserID: "u2", Username: "bob"}}, members)

	names, err := rdb.HGetAll(ctx, namesKey(docID)).Result()
	require.NoError(t, err)
	assert.NotContains(t, names, "u1", "reaped members lose their name")
}

func TestPresence_CursorAndRemove(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	docID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	cleanup(t, rdb, docID, "u1")

	p := NewRedisPresence(rdb)
	got, err := p.GetCursor(ctx, docID, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, p.AddMember(ctx, docID, "u1", "alice", time.Minute))
	require.NoError(t, p.SetCursor(ctx, docID, "u1", []byte(`{"line":1}`), time.Minute))
	got, err = p.GetCursor(ctx, docID, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"line":1}`, string(got))

	require.NoError(t, p.RemoveMember(ctx, docID, "u1"))
	members, err := p.GetAliveMembersWithNames(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, members)
	got, err = p.GetCursor(ctx, docID, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
