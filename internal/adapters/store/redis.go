package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Redis keeps presence as a sorted set of instance ids scored by the claim's
// expiry in unix milliseconds.
type Redis struct {
	client *redis.Client
	clock  clock.Clock
}

var (
	_ core.PresenceStore        = (*Redis)(nil)
	_ core.OfflineQueue         = (*Redis)(nil)
	_ core.ParticipantDirectory = (*Redis)(nil)
)

func NewRedis(client *redis.Client, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{client: client, clock: o.clock}
}

func (r *Redis) now() int64 { return r.clock.Now().UnixMilli() }

func (r *Redis) Refresh(ctx context.Context, user domain.UserID, instance string, ttl time.Duration) error {
	key := presenceKey(user)
	now := r.now()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now, 10))
		p.ZAdd(ctx, key, redis.Z{Score: float64(now + ttl.Milliseconds()), Member: instance})
		p.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence refresh %s: %w", user, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context, user domain.UserID, instance string) error {
	if err := r.client.ZRem(ctx, presenceKey(user), instance).Err(); err != nil {
		return fmt.Errorf("presence clear %s: %w", user, err)
	}
	return nil
}

func (r *Redis) Online(ctx context.Context, user domain.UserID) (bool, error) {
	n, err := r.client.ZCount(ctx, presenceKey(user), "("+strconv.FormatInt(r.now(), 10), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", user, err)
	}
	return n > 0, nil
}

func (r *Redis) Alive(ctx context.Context, user domain.UserID, instance string) (bool, error) {
	score, err := r.client.ZScore(ctx, presenceKey(user), instance).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", user, err)
	}
	return int64(score) > r.now(), nil
}

func (r *Redis) Push(ctx context.Context, user domain.UserID, f core.Frame) error {
	if err := r.client.RPush(ctx, offlineKey(user), []byte(f)).Err(); err != nil {
		return fmt.Errorf("offline push %s: %w", user, err)
	}
	return nil
}

// Prepend pushes frames onto the head last to first, so frames[0] is read next.
func (r *Redis) Prepend(ctx context.Context, user domain.UserID, frames []core.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	values := make([]any, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		values = append(values, []byte(frames[i]))
	}
	if err := r.client.LPush(ctx, offlineKey(user), values...).Err(); err != nil {
		return fmt.Errorf("offline prepend %s: %w", user, err)
	}
	return nil
}

// Drain reads and deletes the queue in one transaction.
func (r *Redis) Drain(ctx context.Context, user domain.UserID) ([]core.Frame, error) {
	key := offlineKey(user)
	var items *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		items = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("offline drain %s: %w", user, err)
	}
	raw := items.Val()
	out := make([]core.Frame, 0, len(raw))
	for _, s := range raw {
		out = append(out, core.Frame(s))
	}
	return out, nil
}

func (r *Redis) AddParticipant(ctx context.Context, p domain.Participant) error {
	if err := r.client.SAdd(ctx, participantsKey(p.SessionID), string(p.UserID)).Err(); err != nil {
		return fmt.Errorf("add participant %s: %w", p.SessionID, err)
	}
	return nil
}

func (r *Redis) RemoveParticipant(ctx context.Context, p domain.Participant) error {
	if err := r.client.SRem(ctx, participantsKey(p.SessionID), string(p.UserID)).Err(); err != nil {
		return fmt.Errorf("remove participant %s: %w", p.SessionID, err)
	}
	return nil
}

// Participants lists the users recorded for a session.
func (r *Redis) Participants(ctx context.Context, sid domain.SessionID) ([]domain.UserID, error) {
	members, err := r.client.SMembers(ctx, participantsKey(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("participants %s: %w", sid, err)
	}
	out := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		out = append(out, domain.UserID(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
