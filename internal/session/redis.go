package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"siderec/internal/redisconn"
)

// RedisConfig configures the Redis-backed registry.
type RedisConfig struct {
	Client redisconn.Config
	// KeyPrefix namespaces every key, default "siderec".
	KeyPrefix string
	// TTL bounds how long an unrefreshed session survives. Keys are retained
	// for twice the TTL so a reaper can still read a session that went stale.
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// RedisRegistry shares session state between instances through Redis.
type RedisRegistry struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry connects to Redis and returns a registry.
func NewRedisRegistry(ctx context.Context, cfg RedisConfig) (*RedisRegistry, error) {
	client, err := redisconn.New(ctx, cfg.Client)
	if err != nil {
		return nil, err
	}
	return newRedisRegistry(client, cfg), nil
}

func newRedisRegistry(client redis.UniversalClient, cfg RedisConfig) *RedisRegistry {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "siderec"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RedisRegistry{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		retention: 2 * ttl,
		logger:    logger,
		now:       now,
	}
}

func (r *RedisRegistry) sessionKey(connID string) string {
	return r.prefix + ":session:" + connID
}

func (r *RedisRegistry) memberKey(meetingID, userID string) string {
	return r.prefix + ":member:" + meetingID + ":" + userID
}

func (r *RedisRegistry) roomKey(meetingID string) string {
	return r.prefix + ":room:" + meetingID
}

func (r *RedisRegistry) readyKey(connID string) string {
	return r.prefix + ":ready:" + connID
}

func (r *RedisRegistry) allKey() string {
	return r.prefix + ":sessions"
}

// Register writes the session and its room membership before claiming the
// member key with SET ... GET. The swap is atomic, so when two connections of
// the same user register concurrently, on any instance, the later claim sees
// the earlier connection id and evicts it.
func (r *RedisRegistry) Register(ctx context.Context, s Session) (string, error) {
	now := r.now().UTC()
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = now
	}
	s.LastSeen = now
	s.ReadinessSignaled = false

	if existing, ok, err := r.Lookup(ctx, s.ConnID); err != nil {
		return "", err
	} else if ok && (existing.MeetingID != s.MeetingID || existing.UserID != s.UserID) {
		if _, _, err := r.Remove(ctx, s.ConnID); err != nil {
			return "", err
		}
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Del(ctx, r.readyKey(s.ConnID)).Err(); err != nil {
		return "", fmt.Errorf("reset readiness: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(s.ConnID), payload, r.retention).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	if err := r.client.SAdd(ctx, r.roomKey(s.MeetingID), s.ConnID).Err(); err != nil {
		return "", fmt.Errorf("add to room: %w", err)
	}
	if err := r.client.SAdd(ctx, r.allKey(), s.ConnID).Err(); err != nil {
		return "", fmt.Errorf("index session: %w", err)
	}

	prev, err := r.client.SetArgs(ctx, r.memberKey(s.MeetingID, s.UserID), s.ConnID, redis.SetArgs{
		TTL: r.retention,
		Get: true,
	}).Result()
	if err != nil && !redisconn.IsNil(err) {
		return "", fmt.Errorf("claim member: %w", err)
	}
	if prev == "" || prev == s.ConnID {
		return "", nil
	}
	_, removed, err := r.Remove(ctx, prev)
	if err != nil {
		return "", fmt.Errorf("evict %s: %w", prev, err)
	}
	if !removed {
		return "", nil
	}
	return prev, nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, connID string) (Session, bool, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(connID)).Bytes()
	if redisconn.IsNil(err) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("lookup session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return s, true, nil
}

func (r *RedisRegistry) FindByUser(ctx context.Context, meetingID, userID string) (string, bool, error) {
	connID, err := r.client.Get(ctx, r.memberKey(meetingID, userID)).Result()
	if redisconn.IsNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup member: %w", err)
	}
	// The member key can outlive its session by a heartbeat interval.
	if _, ok, err := r.Lookup(ctx, connID); err != nil || !ok {
		return "", false, err
	}
	return connID, true, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, connID string) (Session, bool, error) {
	s, ok, err := r.Lookup(ctx, connID)
	if err != nil {
		return Session{}, false, err
	}
	if !ok {
		_ = r.client.SRem(ctx, r.allKey(), connID).Err()
		return Session{}, false, nil
	}
	deleted, err := r.client.Del(ctx, r.sessionKey(connID)).Result()
	if err != nil {
		return Session{}, false, fmt.Errorf("delete session: %w", err)
	}
	if deleted == 0 {
		// Another instance won the race.
		return Session{}, false, nil
	}
	if err := r.client.SRem(ctx, r.roomKey(s.MeetingID), connID).Err(); err != nil {
		r.logger.Warn("remove from room failed", "conn_id", connID, "error", err)
	}
	if err := r.client.SRem(ctx, r.allKey(), connID).Err(); err != nil {
		r.logger.Warn("remove from index failed", "conn_id", connID, "error", err)
	}
	if err := r.client.Del(ctx, r.readyKey(connID)).Err(); err != nil {
		r.logger.Warn("clear readiness failed", "conn_id", connID, "error", err)
	}
	if err := r.releaseMember(ctx, s); err != nil {
		r.logger.Warn("clear member failed", "conn_id", connID, "error", err)
	}
	return s, true, nil
}

// releaseMember deletes the member key only while it still names s. A
// concurrent Register that claimed the key in between aborts the transaction
// and keeps its claim.
func (r *RedisRegistry) releaseMember(ctx context.Context, s Session) error {
	member := r.memberKey(s.MeetingID, s.UserID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, member).Result()
		if redisconn.IsNil(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != s.ConnID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, member)
			return nil
		})
		return err
	}, member)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (r *RedisRegistry) MarkReady(ctx context.Context, connID string) (bool, error) {
	s, ok, err := r.Lookup(ctx, connID)
	if err != nil || !ok {
		return false, err
	}
	won, err := r.client.SetNX(ctx, r.readyKey(connID), "1", r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("set readiness: %w", err)
	}
	if !won {
		return false, nil
	}
	s.ReadinessSignaled = true
	if err := r.save(ctx, s); err != nil {
		r.logger.Warn("persist readiness flag failed", "conn_id", connID, "error", err)
	}
	return true, nil
}

// save rewrites an existing session, leaving its expiry untouched.
func (r *RedisRegistry) save(ctx context.Context, s Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return r.client.SetArgs(ctx, r.sessionKey(s.ConnID), payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
}

func (r *RedisRegistry) ListMeeting(ctx context.Context, meetingID string) ([]Session, error) {
	return r.collect(ctx, r.roomKey(meetingID), func(Session) bool { return true })
}

// collect loads every session referenced by the set at key, pruning ids
// whose session key is gone.
func (r *RedisRegistry) collect(ctx context.Context, key string, keep func(Session) bool) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	out := make([]Session, 0, len(ids))
	for _, connID := range ids {
		s, ok, err := r.Lookup(ctx, connID)
		if err != nil {
			return nil, err
		}
		if !ok {
			_ = r.client.SRem(ctx, key, connID).Err()
			continue
		}
		if keep(s) {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *RedisRegistry) Touch(ctx context.Context, connID string) error {
	s, ok, err := r.Lookup(ctx, connID)
	if err != nil || !ok {
		return err
	}
	s.LastSeen = r.now().UTC()
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = r.client.SetArgs(ctx, r.sessionKey(connID), payload, redis.SetArgs{Mode: "XX", TTL: r.retention}).Err()
	if err != nil && !redisconn.IsNil(err) {
		return fmt.Errorf("refresh session: %w", err)
	}
	if err := r.client.Expire(ctx, r.memberKey(s.MeetingID, s.UserID), r.retention).Err(); err != nil {
		return fmt.Errorf("refresh member: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Expired(ctx context.Context, cutoff time.Time) ([]Session, error) {
	return r.collect(ctx, r.allKey(), func(s Session) bool {
		return s.LastSeen.Before(cutoff)
	})
}

func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

// Ping reports whether Redis is reachable.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
