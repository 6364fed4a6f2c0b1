package journal

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

// RedisStore keeps matches in Redis so a restarted process can resume them.
type RedisStore struct {
    rdb *redis.Client
    now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb, now: time.Now} }

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
    opt, err := redis.ParseURL(strings.TrimSpace(url))
    if err != nil { return nil, fmt.Errorf("parse redis url: %w", err) }
    rdb := redis.NewClient(opt)
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return NewRedisStore(rdb), nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) keyMeta(sid string) string  { return "cm:" + strings.TrimSpace(sid) }
func (s *RedisStore) keyMoves(sid string) string { return s.keyMeta(sid) + ":moves" }
func (s *RedisStore) keyTx(sid string) string    { return s.keyMeta(sid) + ":tx" }

func (s *RedisStore) Begin(ctx context.Context, rec *Record) error {
    if rec == nil || strings.TrimSpace(rec.SessionID) == "" { return ErrInvalidArgs }
    cp := *rec
    now := s.now()
    if cp.CreatedAt.IsZero() { cp.CreatedAt = now }
    cp.UpdatedAt = now
    raw, err := json.Marshal(&cp)
    if err != nil { return err }
    ok, err := s.rdb.SetNX(ctx, s.keyMeta(rec.SessionID), raw, TTL).Result()
    if err != nil { return err }
    if !ok { return ErrExists }
    return nil
}

func (s *RedisStore) ClaimTx(ctx context.Context, sessionID, txID string) (bool, error) {
    if sessionID == "" || txID == "" { return false, ErrInvalidArgs }
    key := s.keyTx(sessionID)
    added, err := s.rdb.SAdd(ctx, key, txID).Result()
    if err != nil { return false, err }
    _ = s.rdb.Expire(ctx, key, TTL).Err()
    return added == 1, nil
}

func (s *RedisStore) AppendMove(ctx context.Context, sessionID string, mv MoveEntry) error {
    raw, err := json.Marshal(mv)
    if err != nil { return err }
    key := s.keyMoves(sessionID)
    pipe := s.rdb.TxPipeline()
    pipe.RPush(ctx, key, raw)
    pipe.Expire(ctx, key, TTL)
    _, err = pipe.Exec(ctx)
    return err
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, sessionID string, board []byte, plies int, lastTx string) error {
    return s.Update(ctx, sessionID, func(r *Record) {
        r.Board = append([]byte(nil), board...)
        r.Plies = plies
        r.LastTx = lastTx
    })
}

// Update is a WATCH-guarded read-modify-write of the record.
func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(*Record)) error {
    key := s.keyMeta(sessionID)
    return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
        raw, err := tx.Get(ctx, key).Bytes()
        if errors.Is(err, redis.Nil) { return ErrNotFound }
        if err != nil { return err }
        var r Record
        if err := json.Unmarshal(raw, &r); err != nil { return err }
        fn(&r)
        r.UpdatedAt = s.now()
        out, err := json.Marshal(&r)
        if err != nil { return err }
        pipe := tx.TxPipeline()
        pipe.Set(ctx, key, out, TTL)
        pipe.Expire(ctx, s.keyMoves(sessionID), TTL)
        pipe.Expire(ctx, s.keyTx(sessionID), TTL)
        _, err = pipe.Exec(ctx)
        return err
    }, key)
}

func (s *RedisStore) Finish(ctx context.Context, sessionID string, state State, winner, reason string) error {
    return s.Update(ctx, sessionID, func(r *Record) {
        r.State = state
        r.Winner = winner
        r.Reason = reason
    })
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Record, []MoveEntry, error) {
    raw, err := s.rdb.Get(ctx, s.keyMeta(sessionID)).Bytes()
    if errors.Is(err, redis.Nil) { return nil, nil, nil }
    if err != nil { return nil, nil, err }
    var r Record
    if err := json.Unmarshal(raw, &r); err != nil { return nil, nil, err }
    items, err := s.rdb.LRange(ctx, s.keyMoves(sessionID), 0, -1).Result()
    if err != nil { return nil, nil, err }
    moves := make([]MoveEntry, 0, len(items))
    for _, it := range items {
        var mv MoveEntry
        if err := json.Unmarshal([]byte(it), &mv); err != nil { return nil, nil, err }
        moves = append(moves, mv)
    }
    return &r, moves, nil
}
