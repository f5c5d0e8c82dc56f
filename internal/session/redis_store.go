package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"revbroker/internal/constants"
)

// RedisStore mirrors session records into Redis with a TTL so several broker
// instances can be observed from one place. Records of a crashed broker
// expire on their own; live ones are refreshed by the broker janitor.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	ctx    context.Context
	cancel func()
}

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = constants.RedisRecordTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := &RedisStore{client: client, ttl: ttl, ctx: ctx, cancel: cancel}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	return store, nil
}

func redisKey(id string) string {
	return constants.RedisKeyPrefix + id
}

func (st *RedisStore) Save(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("session", rec.ID).Msg("marshal session record")
		return
	}
	if err := st.client.Set(st.ctx, redisKey(rec.ID), data, st.ttl).Err(); err != nil {
		log.Error().Err(err).Str("session", rec.ID).Msg("save session record to redis")
	}
}

func (st *RedisStore) Get(id string) (Record, bool) {
	data, err := st.client.Get(st.ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false
	}
	if err != nil {
		log.Error().Err(err).Str("session", id).Msg("get session record from redis")
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Error().Err(err).Str("session", id).Msg("unmarshal session record")
		return Record{}, false
	}
	return rec, true
}

func (st *RedisStore) Delete(id string) {
	if err := st.client.Del(st.ctx, redisKey(id)).Err(); err != nil {
		log.Error().Err(err).Str("session", id).Msg("delete session record from redis")
	}
}

func (st *RedisStore) List() []Record {
	var keys []string
	iter := st.client.Scan(st.ctx, 0, constants.RedisKeyPrefix+"*", 100).Iterator()
	for iter.Next(st.ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Error().Err(err).Msg("redis scan error")
		return nil
	}
	if len(keys) == 0 {
		return nil
	}

	values, err := st.client.MGet(st.ctx, keys...).Result()
	if err != nil {
		log.Error().Err(err).Msg("redis mget error")
		return nil
	}

	out := make([]Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (st *RedisStore) Close() error {
	st.cancel()
	return st.client.Close()
}
