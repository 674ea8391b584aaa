package store

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/walletconnect-go/wcrelay/pkg/errors"
)

// redisKeyPrefix namespaces sequence records so they don't collide with
// any other use of the same Redis database.
const redisKeyPrefix = "wcrelay:sequence:"

// redisStore is a Store backed by Redis, grounded on the teacher's
// internal/cache connector's Redis.Get/Set/Del usage, generalized from
// ad hoc string caches to JSON-encoded Entry records. It lets several
// relay client processes share one sequence store, which the in-memory
// Store cannot do.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore returns a Store backed by an existing redis.Client.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (r *redisStore) key(topic string) string {
	return redisKeyPrefix + topic
}

func (r *redisStore) Put(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode sequence entry")
	}
	if err := r.client.Set(ctx, r.key(entry.Topic), raw, 0).Err(); err != nil {
		return errors.Wrap(err, "put sequence entry")
	}
	return nil
}

func (r *redisStore) Get(ctx context.Context, topic string) (Entry, error) {
	raw, err := r.client.Get(ctx, r.key(topic)).Bytes()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, "get sequence entry")
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, errors.Wrap(err, "decode sequence entry")
	}
	return entry, nil
}

// Migrate uses a Redis transaction (MULTI/EXEC via TxPipelined) so the
// delete of oldTopic and the insert of the new topic are applied
// atomically, matching §6's crash-consistency requirement.
func (r *redisStore) Migrate(ctx context.Context, oldTopic string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode sequence entry")
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(oldTopic))
		pipe.Set(ctx, r.key(entry.Topic), raw, 0)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "migrate sequence entry")
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, topic string) error {
	if err := r.client.Del(ctx, r.key(topic)).Err(); err != nil {
		return errors.Wrap(err, "delete sequence entry")
	}
	return nil
}

// Topics scans the keyspace for every sequence key. It is intended for
// the sweeper, not the request hot path.
func (r *redisStore) Topics(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		topics []string
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan sequence keys")
		}
		for _, k := range keys {
			topics = append(topics, k[len(redisKeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return topics, nil
}
