package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "delivery:"
	redisPMIDPrefix   = "delivery:pmid:"
	redisIDSetKey     = "delivery:ids"
	redisListChunk    = 200
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps records as JSON documents so several engine instances can
// share tracking state. Writes use WATCH/MULTI on the record key.
type RedisStore struct {
	client goredis.UniversalClient
}

func NewRedisStore(client goredis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func recordKey(id string) string { return redisRecordPrefix + id }
func pmidKey(pmid string) string { return redisPMIDPrefix + pmid }

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	raw, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery %s: %w", id, err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) Put(ctx context.Context, record *domain.DeliveryRecord) error {
	key := recordKey(record.ID)

	next := record.Clone()
	next.Version = 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode delivery %s: %w", record.ID, err)
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: delivery %s already exists", domain.ErrConflict, record.ID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, redisIDSetKey, record.ID)
			if next.ProviderMessageID != "" {
				pipe.Set(ctx, pmidKey(next.ProviderMessageID), record.ID, 0)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapTxError(record.ID, err)
	}

	record.Version = 1
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, record *domain.DeliveryRecord) error {
	key := recordKey(record.ID)

	next := record.Clone()
	next.Version++
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode delivery %s: %w", record.ID, err)
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, record.ID)
		}
		if err != nil {
			return err
		}

		current, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if current.Version != record.Version {
			return fmt.Errorf("%w: delivery %s version %d, stored %d", domain.ErrConflict, record.ID, record.Version, current.Version)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if current.ProviderMessageID != "" && current.ProviderMessageID != next.ProviderMessageID {
				pipe.Del(ctx, pmidKey(current.ProviderMessageID))
			}
			if next.ProviderMessageID != "" {
				pipe.Set(ctx, pmidKey(next.ProviderMessageID), record.ID, 0)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapTxError(record.ID, err)
	}

	record.Version = next.Version
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	key := recordKey(id)

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		current, err := decodeRecord(raw)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, redisIDSetKey, id)
			if current.ProviderMessageID != "" {
				pipe.Del(ctx, pmidKey(current.ProviderMessageID))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapTxError(id, err)
	}
	return nil
}

func (s *RedisStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	id, err := s.client.Get(ctx, pmidKey(providerMessageID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: provider message %s", domain.ErrNotFound, providerMessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider message %s: %w", providerMessageID, err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.DeliveryRecord, error) {
	ids, err := s.client.SMembers(ctx, redisIDSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}

	out := make([]*domain.DeliveryRecord, 0)
	for start := 0; start < len(ids); start += redisListChunk {
		end := min(start+redisListChunk, len(ids))

		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, recordKey(id))
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load deliveries: %w", err)
		}

		for _, value := range values {
			raw, ok := value.(string)
			if !ok {
				// Deleted between SMEMBERS and MGET.
				continue
			}
			record, err := decodeRecord([]byte(raw))
			if err != nil {
				return nil, err
			}
			if filter.Matches(record) {
				out = append(out, record)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func decodeRecord(raw []byte) (*domain.DeliveryRecord, error) {
	var record domain.DeliveryRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode delivery: %w", err)
	}
	return &record, nil
}

func mapTxError(id string, err error) error {
	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("%w: delivery %s modified concurrently", domain.ErrConflict, id)
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return err
	}
	return fmt.Errorf("failed to write delivery %s: %w", id, err)
}
