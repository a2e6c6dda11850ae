package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/redis/go-redis/v9"
)

// appendScript reserves the record ID, pushes the record and indexes its key
// in one atomic step. KEYS: ids set, records list, index hash, matches list.
// ARGV: id, lookup key, record JSON, "1" when the record is indexable.
//
//nolint:gochecknoglobals // compiled once, shared by all ledgers
var appendScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[3])
if ARGV[4] == '1' then
	redis.call('HSETNX', KEYS[3], ARGV[2], ARGV[3])
	redis.call('RPUSH', KEYS[4], ARGV[3])
end
return 1
`)

// RedisLedger stores records in Redis
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLedger creates a ledger on top of an existing client
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "medallion:ledger"
	}

	return &RedisLedger{
		client:    client,
		keyPrefix: prefix,
	}
}

func (r *RedisLedger) idsKey() string     { return r.keyPrefix + ":ids" }
func (r *RedisLedger) recordsKey() string { return r.keyPrefix + ":records" }
func (r *RedisLedger) indexKey() string   { return r.keyPrefix + ":index" }

func (r *RedisLedger) matchesKey(key string) string {
	return r.keyPrefix + ":matches:" + key
}

// Lookup implements Ledger
func (r *RedisLedger) Lookup(ctx context.Context, transform string, inputs []dataset.Ref) (*Record, error) {
	raw, err := r.client.HGet(ctx, r.indexKey(), Key(transform, inputs)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, err
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode run record: %w", err)
	}

	return &record, nil
}

// Matches implements Ledger
func (r *RedisLedger) Matches(ctx context.Context, transform string, inputs []dataset.Ref) ([]Record, error) {
	raw, err := r.client.LRange(ctx, r.matchesKey(Key(transform, inputs)), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	return decodeRecords(raw, Filter{})
}

// Append implements Ledger
func (r *RedisLedger) Append(ctx context.Context, record Record) error {
	if err := prepare(&record); err != nil {
		return err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	indexable := "0"
	if record.Status == StatusSucceeded {
		indexable = "1"
	}

	added, err := appendScript.Run(ctx, r.client,
		[]string{r.idsKey(), r.recordsKey(), r.indexKey(), r.matchesKey(record.Key())},
		record.ID, record.Key(), string(payload), indexable,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to append run record: %w", err)
	}

	if added == 0 {
		return duplicate(record.ID)
	}

	return nil
}

// Records implements Ledger
func (r *RedisLedger) Records(ctx context.Context, filter Filter) ([]Record, error) {
	raw, err := r.client.LRange(ctx, r.recordsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out, err := decodeRecords(raw, filter)
	if err != nil {
		return nil, err
	}

	return limit(out, filter.Limit), nil
}

func decodeRecords(raw []string, filter Filter) ([]Record, error) {
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var record Record
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to decode run record: %w", err)
		}

		if filter.matches(&record) {
			out = append(out, record)
		}
	}

	return out, nil
}

// Close implements Ledger. The client is owned by the caller.
func (r *RedisLedger) Close() error {
	return nil
}

var _ Ledger = (*RedisLedger)(nil)
