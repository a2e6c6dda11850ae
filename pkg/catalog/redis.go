package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/redis/go-redis/v9"
)

// RedisTracker stores versions in Redis. Commits run inside WATCH/MULTI/EXEC
// on the dataset's current-version key, so the payload, the version index and
// the current pointer become visible together or not at all.
type RedisTracker struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisTracker creates a tracker on top of an existing client. prefix
// namespaces every key, e.g. "medallion:catalog".
func NewRedisTracker(client *redis.Client, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = "medallion:catalog"
	}

	return &RedisTracker{
		client:    client,
		keyPrefix: prefix,
		now:       time.Now,
	}
}

func (r *RedisTracker) datasetsKey() string {
	return r.keyPrefix + ":datasets"
}

func (r *RedisTracker) currentKey(id dataset.ID) string {
	return fmt.Sprintf("%s:%s:current", r.keyPrefix, id)
}

func (r *RedisTracker) versionsKey(id dataset.ID) string {
	return fmt.Sprintf("%s:%s:versions", r.keyPrefix, id)
}

func (r *RedisTracker) dataKey(id dataset.ID, version uint64) string {
	return fmt.Sprintf("%s:%s:data:%d", r.keyPrefix, id, version)
}

// Resolve implements Tracker
func (r *RedisTracker) Resolve(ctx context.Context, id dataset.ID, asOf uint64) (dataset.Ref, error) {
	current, err := r.current(ctx, r.client, id)
	if err != nil {
		return dataset.Ref{}, err
	}

	if current == 0 {
		return dataset.Ref{}, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}

	version := asOf
	if version == 0 {
		version = current
	}

	meta, err := r.version(ctx, id, version)
	if err != nil {
		return dataset.Ref{}, err
	}

	return meta.Ref, nil
}

// Commit implements Tracker
func (r *RedisTracker) Commit(ctx context.Context, id dataset.ID, data *dataset.Data, expectedPrior uint64) (dataset.Ref, error) {
	if err := validateCommit(id, data); err != nil {
		return dataset.Ref{}, err
	}

	encoded, err := data.Encode()
	if err != nil {
		return dataset.Ref{}, err
	}

	var ref dataset.Ref

	currentKey := r.currentKey(id)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.current(ctx, tx, id)
		if err != nil {
			return err
		}

		if current != expectedPrior {
			return conflict(id, expectedPrior, current)
		}

		next := current + 1
		ref = dataset.Ref{Dataset: id, Version: next, Fingerprint: dataset.Fingerprint(encoded)}

		meta, err := json.Marshal(Version{
			Ref:         ref,
			Rows:        data.Len(),
			CommittedAt: r.now().UTC(),
		})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.dataKey(id, next), encoded, 0)
			pipe.HSet(ctx, r.versionsKey(id), strconv.FormatUint(next, 10), meta)
			pipe.Set(ctx, currentKey, next, 0)
			pipe.SAdd(ctx, r.datasetsKey(), id.String())

			return nil
		})

		return err
	}, currentKey)

	if errors.Is(err, redis.TxFailedErr) {
		return dataset.Ref{}, fmt.Errorf("%w: %s changed during commit", ErrConcurrentModification, id)
	}

	if err != nil {
		return dataset.Ref{}, err
	}

	return ref, nil
}

// Load implements Tracker
func (r *RedisTracker) Load(ctx context.Context, ref dataset.Ref) (*dataset.Snapshot, error) {
	meta, err := r.version(ctx, ref.Dataset, ref.Version)
	if err != nil {
		return nil, err
	}

	payload, err := r.client.Get(ctx, r.dataKey(ref.Dataset, ref.Version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, versionNotFound(ref.Dataset, ref.Version)
		}

		return nil, err
	}

	data, err := dataset.Decode(payload)
	if err != nil {
		return nil, err
	}

	return &dataset.Snapshot{
		Ref:         meta.Ref,
		Schema:      data.Schema,
		Rows:        data.Rows,
		CommittedAt: meta.CommittedAt,
	}, nil
}

// Versions implements Tracker
func (r *RedisTracker) Versions(ctx context.Context, id dataset.ID) ([]Version, error) {
	raw, err := r.client.HGetAll(ctx, r.versionsKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}

	out := make([]Version, 0, len(raw))
	for _, v := range raw {
		var meta Version
		if err := json.Unmarshal([]byte(v), &meta); err != nil {
			return nil, fmt.Errorf("failed to decode version metadata for %s: %w", id, err)
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Version < out[j].Ref.Version })

	return out, nil
}

// Datasets implements Tracker
func (r *RedisTracker) Datasets(ctx context.Context) ([]dataset.ID, error) {
	members, err := r.client.SMembers(ctx, r.datasetsKey()).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]dataset.ID, 0, len(members))
	for _, m := range members {
		id, err := dataset.ParseID(m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	sortIDs(ids)

	return ids, nil
}

// Vacuum implements Tracker
func (r *RedisTracker) Vacuum(ctx context.Context, id dataset.ID, retain int) (int, error) {
	if retain < 1 {
		return 0, ErrInvalidRetention
	}

	versions, err := r.Versions(ctx, id)
	if err != nil {
		return 0, err
	}

	current := versions[len(versions)-1].Ref.Version

	var retired []uint64
	for _, v := range versions {
		if v.Ref.Version+uint64(retain) <= current {
			retired = append(retired, v.Ref.Version)
		}
	}

	if len(retired) == 0 {
		return 0, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, version := range retired {
			pipe.HDel(ctx, r.versionsKey(id), strconv.FormatUint(version, 10))
			pipe.Del(ctx, r.dataKey(id, version))
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(retired), nil
}

// getter is satisfied by both *redis.Client and *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisTracker) current(ctx context.Context, c getter, id dataset.ID) (uint64, error) {
	current, err := c.Get(ctx, r.currentKey(id)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	return current, err
}

func (r *RedisTracker) version(ctx context.Context, id dataset.ID, version uint64) (*Version, error) {
	raw, err := r.client.HGet(ctx, r.versionsKey(id), strconv.FormatUint(version, 10)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, versionNotFound(id, version)
		}

		return nil, err
	}

	var meta Version
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode version metadata for %s@%d: %w", id, version, err)
	}

	return &meta, nil
}

var _ Tracker = (*RedisTracker)(nil)
