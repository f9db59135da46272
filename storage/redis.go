package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"pvp-match-server/match"
	"pvp-match-server/matcherrors"
	"pvp-match-server/pubsub"
)

const (
	redisKeyPrefix     = "pvp:match:"
	redisIndexKey      = "pvp:matches"
	redisUpdateChannel = "pvp:match-updates"
)

func matchKey(id string) string { return redisKeyPrefix + id }

// RedisStore keeps each match as a JSON string. Conditional writes use
// WATCH/MULTI and are retried a bounded number of times when another writer
// touches the key in between. Waiting records carry a key TTL as a backstop
// for the sweeper; completed records expire after the retention window.
type RedisStore struct {
	rdb        *redis.Client
	broker     *pubsub.Broker
	now        Clock
	waitingTTL time.Duration
	retention  time.Duration
	maxRetries int

	ps     *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock overrides the time source used for timestamps.
func WithRedisClock(c Clock) RedisOption {
	return func(s *RedisStore) { s.now = c }
}

// WithRedisTTLs sets the waiting TTL and completed retention used for key expiry.
func WithRedisTTLs(waiting, retention time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.waitingTTL = waiting
		s.retention = retention
	}
}

// WithRedisRetries bounds optimistic transaction retries.
func WithRedisRetries(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewRedisClient builds a client from connection settings and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	slog.Info("connected to Redis", "tag", "storage", "addr", addr)
	return rdb, nil
}

// NewRedisStore subscribes to the update channel and starts relaying changes.
// The client is owned by the caller.
func NewRedisStore(ctx context.Context, rdb *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{
		rdb:        rdb,
		broker:     pubsub.NewBroker(),
		now:        time.Now,
		waitingTTL: 60 * time.Second,
		retention:  time.Hour,
		maxRetries: 8,
	}
	for _, o := range opts {
		o(s)
	}

	ps := rdb.Subscribe(ctx, redisUpdateChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", redisUpdateChannel, err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	s.ps = ps
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(lctx, ps.Channel())
	return s, nil
}

// Create stores m under a new uuid.
func (s *RedisStore) Create(ctx context.Context, m *match.Match) (string, error) {
	rec := m.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt
	if rec.GameState == nil {
		rec.GameState = match.GameState{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", matcherrors.Invalid("encode match: %v", err)
	}

	key := matchKey(rec.ID)
	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, key, data, 0)
		pipe.SAdd(ctx, redisIndexKey, rec.ID)
		s.applyTTL(ctx, pipe, key, rec)
		pipe.Publish(ctx, redisUpdateChannel, rec.ID)
		return nil
	})
	if err != nil {
		return "", matcherrors.Unavailable("create", err)
	}
	if !created.Val() {
		return "", matcherrors.Unavailable("create", fmt.Errorf("id collision on %s", rec.ID))
	}
	return rec.ID, nil
}

// Get returns the record with the given id.
func (s *RedisStore) Get(ctx context.Context, id string) (*match.Match, error) {
	m, err := readMatch(ctx, s.rdb, matchKey(id))
	if err != nil && !errors.Is(err, matcherrors.ErrNotFound) {
		return nil, matcherrors.Unavailable("get", err)
	}
	return m, err
}

// ConditionalUpdate runs guard and patch inside a WATCH on the record key.
func (s *RedisStore) ConditionalUpdate(ctx context.Context, id string, guard Guard, patch Patch) (*match.Match, error) {
	key := matchKey(id)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var (
			out    *match.Match
			domain error
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := readMatch(ctx, tx, key)
			if err != nil {
				if errors.Is(err, matcherrors.ErrNotFound) {
					domain = err
				}
				return err
			}
			if guard != nil && !guard(cur.Clone()) {
				domain = matcherrors.ErrGuardFailed
				return domain
			}
			next := cur.Clone()
			if err := patch(next); err != nil {
				domain = err
				return err
			}
			next.ID, next.CreatedAt, next.GameID = cur.ID, cur.CreatedAt, cur.GameID
			next.UpdatedAt = nextUpdatedAt(s.now(), cur.UpdatedAt)
			data, err := json.Marshal(next)
			if err != nil {
				domain = matcherrors.Invalid("encode match: %v", err)
				return domain
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				s.applyTTL(ctx, pipe, key, next)
				pipe.Publish(ctx, redisUpdateChannel, id)
				return nil
			})
			out = next
			return err
		}, key)
		switch {
		case domain != nil:
			return nil, domain
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return nil, matcherrors.Unavailable("update", err)
		}
		return out, nil
	}
	return nil, matcherrors.Unavailable("update", fmt.Errorf("%d optimistic retries exhausted", s.maxRetries))
}

// Delete removes the record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.DeleteIf(ctx, id, nil)
}

// DeleteIf removes the record while guard holds on the watched current value.
func (s *RedisStore) DeleteIf(ctx context.Context, id string, guard Guard) error {
	key := matchKey(id)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var domain error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := readMatch(ctx, tx, key)
			if err != nil {
				if errors.Is(err, matcherrors.ErrNotFound) {
					domain = err
				}
				return err
			}
			if guard != nil && !guard(cur) {
				domain = matcherrors.ErrGuardFailed
				return domain
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, redisIndexKey, id)
				pipe.Publish(ctx, redisUpdateChannel, id)
				return nil
			})
			return err
		}, key)
		switch {
		case domain != nil:
			return domain
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return matcherrors.Unavailable("delete", err)
		}
		return nil
	}
	return matcherrors.Unavailable("delete", fmt.Errorf("%d optimistic retries exhausted", s.maxRetries))
}

// Query loads every indexed record and filters in process. Index entries
// whose key has expired are pruned and announced as absent.
func (s *RedisStore) Query(ctx context.Context, f Filter) ([]*match.Match, error) {
	ids, err := s.rdb.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, matcherrors.Unavailable("query", err)
	}
	out := make([]*match.Match, 0)
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = matchKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, matcherrors.Unavailable("query", err)
	}

	var stale []interface{}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var m match.Match
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			slog.Warn("skipping undecodable match", "tag", "storage", "match", ids[i], "err", err)
			continue
		}
		if f.Matches(&m) {
			out = append(out, &m)
		}
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, redisIndexKey, stale...).Err(); err != nil {
			slog.Warn("pruning match index failed", "tag", "storage", "err", err)
		}
		for _, id := range stale {
			s.broker.Publish(id.(string), nil)
		}
	}
	sortByCreation(out)
	return out, nil
}

// Subscribe registers fn and fetches the current record for it in the background.
func (s *RedisStore) Subscribe(id string, fn func(m *match.Match)) func() {
	sub := s.broker.Subscribe(id, fn)
	go func() {
		m, err := s.Get(context.Background(), id)
		switch {
		case err == nil:
			s.broker.Deliver(sub, m)
		case errors.Is(err, matcherrors.ErrNotFound):
			s.broker.Deliver(sub, nil)
		default:
			slog.Warn("initial snapshot failed", "tag", "storage", "match", id, "err", err)
		}
	}()
	return func() { s.broker.Unsubscribe(sub) }
}

// Close stops the relay and all subscriptions. The client stays open.
func (s *RedisStore) Close() error {
	s.cancel()
	err := s.ps.Close()
	s.wg.Wait()
	s.broker.Close()
	return err
}

// applyTTL queues the key expiry that matches the status of m.
func (s *RedisStore) applyTTL(ctx context.Context, pipe redis.Pipeliner, key string, m *match.Match) {
	switch m.Status {
	case match.StatusWaiting:
		// The sweeper normally deletes first and notifies observers; the
		// key TTL only guarantees cleanup when no sweeper runs.
		pipe.ExpireAt(ctx, key, m.CreatedAt.Add(2*s.waitingTTL))
	case match.StatusCompleted:
		pipe.Expire(ctx, key, s.retention)
	default:
		pipe.Persist(ctx, key)
	}
}

// listen relays update notifications to local subscribers. The go-redis
// PubSub reconnects on its own.
func (s *RedisStore) listen(ctx context.Context, ch <-chan *redis.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.relay(ctx, msg.Payload)
		}
	}
}

func (s *RedisStore) relay(ctx context.Context, id string) {
	if !s.broker.HasSubscribers(id) {
		return
	}
	m, err := s.Get(ctx, id)
	switch {
	case err == nil:
		s.broker.Publish(id, m)
	case errors.Is(err, matcherrors.ErrNotFound):
		s.broker.Publish(id, nil)
	default:
		slog.Warn("reload after notification failed", "tag", "storage", "match", id, "err", err)
	}
}

// redisGetter is satisfied by both *redis.Client and *redis.Tx.
type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readMatch(ctx context.Context, c redisGetter, key string) (*match.Match, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, matcherrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m match.Match
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if m.GameState == nil {
		m.GameState = match.GameState{}
	}
	return &m, nil
}
