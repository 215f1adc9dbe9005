package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis persists documents as JSON strings with one ZSET per index. Scores
// come from a per-prefix INCR sequence so listing preserves insertion order.
type Redis[T any] struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis binds a store to a key prefix such as "sheath:gateway".
func NewRedis[T any](client redis.UniversalClient, prefix string) *Redis[T] {
	return &Redis[T]{client: client, prefix: prefix}
}

func (s *Redis[T]) docKey(id string) string { return s.prefix + ":doc:" + id }
func (s *Redis[T]) allKey() string          { return s.prefix + ":idx:all" }
func (s *Redis[T]) seqKey() string          { return s.prefix + ":seq" }
func (s *Redis[T]) indexKey(idx Index) string {
	return s.prefix + ":idx:" + idx.Name + ":" + idx.Value
}

func (s *Redis[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	data, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, fmt.Errorf("get document %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal document %s: %w", id, err)
	}
	return out, nil
}

func (s *Redis[T]) Put(ctx context.Context, id string, doc T, indexes ...Index) error {
	if id == "" {
		return fmt.Errorf("document id required")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", id, err)
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	member := redis.Z{Score: float64(seq), Member: id}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.docKey(id), payload, 0)
	pipe.ZAddNX(ctx, s.allKey(), member)
	for _, idx := range indexes {
		pipe.ZAddNX(ctx, s.indexKey(idx), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put document %s: %w", id, err)
	}
	return nil
}

func (s *Redis[T]) List(ctx context.Context, idx Index) ([]T, error) {
	return s.listKey(ctx, s.indexKey(idx))
}

func (s *Redis[T]) ListAll(ctx context.Context) ([]T, error) {
	return s.listKey(ctx, s.allKey())
}

func (s *Redis[T]) Count(ctx context.Context, idx Index) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey(idx)).Result()
	if err != nil {
		return 0, fmt.Errorf("count index %s: %w", idx.Name, err)
	}
	return int(n), nil
}

func (s *Redis[T]) listKey(ctx context.Context, key string) ([]T, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	if len(ids) == 0 {
		return []T{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.docKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	out := make([]T, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", ids[i], err)
		}
		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal document %s: %w", ids[i], err)
		}
		out = append(out, doc)
	}
	return out, nil
}
