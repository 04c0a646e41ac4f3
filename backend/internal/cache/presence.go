package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache shares who is in which document, and their last cursor,
// between relay instances.
type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisPresence accepts a single-node or cluster client.
func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// KEYS[1] room, KEYS[2] names, ARGV[1] now (unix seconds)
var reapScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember also refreshes the TTL of an existing member.
func (p *redisPresence) AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error {
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// docs index lives in another slot, so it is outside the transaction
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, docsKey()).Result()
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

// GetCursor returns nil, nil when the user has no live cursor.
func (p *redisPresence) GetCursor(ctx context.Context, docID, userID string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// score is expireAt; expireAt <= now counts as gone
	now := p.now().Unix()
	if err := reapScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: aliveIDs[i], Username: name})
	}
	return members, nil
}
