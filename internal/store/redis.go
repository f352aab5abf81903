package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/lakeflow/pkg/schema"
)

// RedisStore is a Store backed by Redis. Key layout:
//
//	<prefix>run:<id>          => JSON RunRecord
//	<prefix>idx:runs          => ZSET of run IDs scored by started_at (unix nanos)
//	<prefix>events:<id>       => LIST of JSON events
//	<prefix>evseq:<id>        => per-run event sequence counter
//	<prefix>evid              => global event id counter
//	<prefix>trigger:<id>      => JSON Trigger
//	<prefix>idx:triggers      => SET of trigger IDs
//
// SaveRun uses WATCH on the run key so concurrent writers surface as CONFLICT.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. The store takes ownership of client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lakeflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyRun(id string) string      { return r.prefix + "run:" + id }
func (r *RedisStore) keyRuns() string              { return r.prefix + "idx:runs" }
func (r *RedisStore) keyEvents(id string) string   { return r.prefix + "events:" + id }
func (r *RedisStore) keyEventSeq(id string) string { return r.prefix + "evseq:" + id }
func (r *RedisStore) keyEventID() string           { return r.prefix + "evid" }
func (r *RedisStore) keyTrigger(id string) string  { return r.prefix + "trigger:" + id }
func (r *RedisStore) keyTriggers() string          { return r.prefix + "idx:triggers" }

// Migrate verifies connectivity; Redis needs no schema.
func (r *RedisStore) Migrate(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

// --- Runs ---

func (r *RedisStore) CreateRun(ctx context.Context, run *RunRecord) error {
	if run.Version == 0 {
		run.Version = 1
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.StartedAt
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return duplicateRun(run.ID)
	}
	return r.client.ZAdd(ctx, r.keyRuns(), redis.Z{
		Score:  float64(toNanos(run.StartedAt)),
		Member: run.ID,
	}).Err()
}

func (r *RedisStore) SaveRun(ctx context.Context, run *RunRecord) error {
	key := r.keyRun(run.ID)
	next := run.Clone()
	next.Version = run.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storeNotFound("run", run.ID)
		}
		if err != nil {
			return err
		}
		var cur RunRecord
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("unmarshal run: %w", err)
		}
		if cur.Version != run.Version || cur.Status != schema.RunStatusRunning {
			return runConflict(run.ID, run.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return runConflict(run.ID, run.Version)
	}
	if err != nil {
		return err
	}
	run.Version++
	return nil
}

func (r *RedisStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	raw, err := r.client.Get(ctx, r.keyRun(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	var run RunRecord
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (r *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	ids, err := r.client.ZRevRange(ctx, r.keyRuns(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var runs []*RunRecord
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var run RunRecord
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		if filter.Match(&run) {
			runs = append(runs, &run)
		}
	}
	sortRuns(runs)
	return paginate(runs, filter.Offset, filter.Limit), nil
}

// --- Events ---

func (r *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	seq, err := r.client.Incr(ctx, r.keyEventSeq(event.RunID)).Result()
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	id, err := r.client.Incr(ctx, r.keyEventID()).Result()
	if err != nil {
		return fmt.Errorf("next event id: %w", err)
	}
	event.Sequence = seq
	event.ID = id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.RPush(ctx, r.keyEvents(event.RunID), data).Err()
}

func (r *RedisStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	items, err := r.client.LRange(ctx, r.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var events []*Event
	for _, item := range items {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if e.Sequence > since {
			events = append(events, &e)
		}
	}
	return events, nil
}

// --- Triggers ---

func (r *RedisStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.keyTrigger(t.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q already exists", t.ID)
	}
	return r.client.SAdd(ctx, r.keyTriggers(), t.ID).Err()
}

func (r *RedisStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	raw, err := r.client.Get(ctx, r.keyTrigger(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("trigger", id)
	}
	if err != nil {
		return nil, err
	}
	var t Trigger
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	return &t, nil
}

func (r *RedisStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	t, err := r.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	update.Apply(t)
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	return r.client.Set(ctx, r.keyTrigger(id), data, 0).Err()
}

func (r *RedisStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	ids, err := r.client.SMembers(ctx, r.keyTriggers()).Result()
	if err != nil {
		return nil, err
	}
	var out []*Trigger
	for _, id := range ids {
		t, err := r.GetTrigger(ctx, id)
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, t)
	}
	sortTriggers(out)
	return paginate(out, 0, filter.Limit), nil
}

func (r *RedisStore) DeleteTrigger(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.keyTrigger(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("trigger", id)
	}
	return r.client.SRem(ctx, r.keyTriggers(), id).Err()
}
