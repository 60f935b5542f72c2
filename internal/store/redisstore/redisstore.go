// Package redisstore implements the State Store adapter against Redis,
// the external KV the orchestrator treats as a black box (§1). Keys are
// model:{abbr}, gpu_assignment:{abbr}, apikey:{hash} and session:{hash},
// each holding a JSON string value (not a hash), plus two index sets,
// mind:model-index and mind:apikey-index.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/worldline-go/types"

	"github.com/mind-orchestrator/mind/internal/model"
	"github.com/mind-orchestrator/mind/internal/store"
)

const (
	modelKeyPrefix      = "model:"
	gpuAssignmentPrefix = "gpu_assignment:"
	apiKeyPrefix        = "apikey:"
	sessionKeyPrefix    = "session:"

	modelIndexKey = "mind:model-index" // Set of all known abbrs, for ListModels.
	apiKeyIndex   = "mind:apikey-index"
)

// Redis is a Store implementation backed by a single Redis instance,
// addressed by REDIS_HOST/REDIS_PORT (§6).
type Redis struct {
	client *redis.Client
}

var _ store.Store = (*Redis)(nil)

// New dials Redis at host:port. The connection is lazy (go-redis connects
// on first command); New never contacts the server and never returns an error.
func New(host, port string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port),
	})

	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) GetModel(ctx context.Context, abbr string) (*model.Record, error) {
	raw, err := r.client.Get(ctx, modelKeyPrefix+abbr).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get model %s: %w", abbr, err)
	}

	var rec model.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", abbr, err)
	}
	return &rec, nil
}

func (r *Redis) ListModels(ctx context.Context) ([]model.Record, error) {
	abbrs, err := r.client.SMembers(ctx, modelIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list model index: %w", err)
	}

	out := make([]model.Record, 0, len(abbrs))
	for _, abbr := range abbrs {
		rec, err := r.GetModel(ctx, abbr)
		if err == store.ErrNotFound {
			// Index and data disagree (e.g. a delete raced the index
			// update); drop the stale index entry and move on.
			r.client.SRem(ctx, modelIndexKey, abbr)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r *Redis) PutModel(ctx context.Context, rec model.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode model %s: %w", rec.Abbr, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, modelKeyPrefix+rec.Abbr, raw, 0)
	pipe.SAdd(ctx, modelIndexKey, rec.Abbr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put model %s: %w", rec.Abbr, err)
	}
	return nil
}

func (r *Redis) DeleteModel(ctx context.Context, abbr string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, modelKeyPrefix+abbr)
	pipe.Del(ctx, gpuAssignmentPrefix+abbr)
	pipe.SRem(ctx, modelIndexKey, abbr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete model %s: %w", abbr, err)
	}
	return nil
}

func (r *Redis) PutGPUAssignment(ctx context.Context, abbr string, gpuDevice int) error {
	if err := r.client.Set(ctx, gpuAssignmentPrefix+abbr, gpuDevice, 0).Err(); err != nil {
		return fmt.Errorf("redis put gpu assignment %s: %w", abbr, err)
	}
	return nil
}

func (r *Redis) DeleteGPUAssignment(ctx context.Context, abbr string) error {
	if err := r.client.Del(ctx, gpuAssignmentPrefix+abbr).Err(); err != nil {
		return fmt.Errorf("redis delete gpu assignment %s: %w", abbr, err)
	}
	return nil
}

func (r *Redis) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	raw, err := r.client.Get(ctx, apiKeyPrefix+hash).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get apikey: %w", err)
	}

	var key model.APIKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decode apikey: %w", err)
	}
	return &key, nil
}

func (r *Redis) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	hashes, err := r.client.SMembers(ctx, apiKeyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list apikey index: %w", err)
	}

	out := make([]model.APIKey, 0, len(hashes))
	for _, hash := range hashes {
		key, err := r.GetAPIKeyByHash(ctx, hash)
		if err == store.ErrNotFound {
			r.client.SRem(ctx, apiKeyIndex, hash)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *key)
	}
	return out, nil
}

func (r *Redis) PutAPIKey(ctx context.Context, hash string, key model.APIKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode apikey: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, apiKeyPrefix+hash, raw, 0)
	pipe.SAdd(ctx, apiKeyIndex, hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put apikey: %w", err)
	}
	return nil
}

func (r *Redis) DeleteAPIKeyByHash(ctx context.Context, hash string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, apiKeyPrefix+hash)
	pipe.SRem(ctx, apiKeyIndex, hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete apikey: %w", err)
	}
	return nil
}

func (r *Redis) DeleteAPIKeyByPrefix(ctx context.Context, prefix string) error {
	keys, err := r.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Prefix == prefix {
			// The hash isn't stored on the value itself; re-derive the
			// delete by scanning the index directly.
			hashes, err := r.client.SMembers(ctx, apiKeyIndex).Result()
			if err != nil {
				return fmt.Errorf("redis scan apikey index: %w", err)
			}
			for _, hash := range hashes {
				cur, err := r.GetAPIKeyByHash(ctx, hash)
				if err != nil {
					continue
				}
				if cur.Prefix == prefix {
					if err := r.DeleteAPIKeyByHash(ctx, hash); err != nil {
						return err
					}
				}
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (r *Redis) TouchAPIKeyLastUsed(ctx context.Context, hash string, epochMS int64) error {
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return err
	}
	key.LastUsedAt = types.NewTimeNull(time.UnixMilli(epochMS).UTC())
	return r.PutAPIKey(ctx, hash, *key)
}

func (r *Redis) PutSession(ctx context.Context, hash string, expiresAtMS int64) error {
	ttl := time.Until(time.UnixMilli(expiresAtMS))
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+hash, expiresAtMS, ttl).Err(); err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

func (r *Redis) GetSessionExpiry(ctx context.Context, hash string) (int64, error) {
	v, err := r.client.Get(ctx, sessionKeyPrefix+hash).Int64()
	if err == redis.Nil {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis get session: %w", err)
	}
	return v, nil
}

func (r *Redis) DeleteSession(ctx context.Context, hash string) error {
	if err := r.client.Del(ctx, sessionKeyPrefix+hash).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}
