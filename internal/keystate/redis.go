package keystate

import (
	"context"
	"encoding/json"
	"fmt"
)

// HashClient is the subset of the redis client the store needs.
type HashClient interface {
	Key(parts ...string) string
	ReplaceHash(ctx context.Context, key string, fields map[string]string) error
	GetHash(ctx context.Context, key string) (map[string]string, error)
}

// RedisStore persists entries in a single redis hash, one field per
// key id and kind, each value a JSON encoded Entry.
type RedisStore struct {
	client HashClient
	key    string
}

// NewRedisStore returns a store using client. The client is not closed by the store.
func NewRedisStore(client HashClient) *RedisStore {
	return &RedisStore{client: client, key: client.Key("keystate", "v1")}
}

func (s *RedisStore) Load(ctx context.Context) ([]Entry, error) {
	fields, err := s.client.GetHash(ctx, s.key)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(fields))
	for field, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode key state %s: %w", field, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Save(ctx context.Context, entries []Entry) error {
	fields := make(map[string]string, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode key state %s: %w", e.KeyID, err)
		}
		fields[e.KeyID+":"+string(e.Kind)] = string(raw)
	}
	return s.client.ReplaceHash(ctx, s.key, fields)
}

func (s *RedisStore) Close() error { return nil }
