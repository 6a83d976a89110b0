package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// RedisStore keeps everything in Redis under a common key prefix.
//
// Key layout:
//
//	{prefix}sim:{userId}:{id}        STRING  JSON simRecord
//	{prefix}sims:{userId}            SET     simulation ids of the user
//	{prefix}log:{simId}:sources      SET     log sources
//	{prefix}log:{simId}:src:{source} LIST    log lines of one source
//	{prefix}trace:{simId}            HASH    chunk index -> JSON SimTrace
//	{prefix}spatial:{simId}          HASH    step index -> JSON SimSpatialStepTrace
//	{prefix}spatial:{simId}:idx      ZSET    step indices (score = index)
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. The caller owns the client;
// Close closes it.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) simKey(userID, id string) string {
	return s.prefix + "sim:" + userID + ":" + id
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "sims:" + userID
}

func (s *RedisStore) logSources(simID string) string {
	return s.prefix + "log:" + simID + ":sources"
}

func (s *RedisStore) logLines(simID, source string) string {
	return s.prefix + "log:" + simID + ":src:" + source
}

func (s *RedisStore) traceKey(simID string) string {
	return s.prefix + "trace:" + simID
}

func (s *RedisStore) spatialKey(simID string) string {
	return s.prefix + "spatial:" + simID
}

func (s *RedisStore) spatialIdxKey(simID string) string {
	return s.prefix + "spatial:" + simID + ":idx"
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Simulations ---

func (s *RedisStore) CreateSimulation(ctx context.Context, sim protocol.JobConfig) error {
	key := s.simKey(sim.UserID, sim.ID)
	data, err := json.Marshal(simRecord{JobConfig: sim})
	if err != nil {
		return fmt.Errorf("marshaling simulation: %w", err)
	}

	// WATCH guards against a concurrent create of the same key.
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.loadRecord(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && !existing.Deleted {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.userKey(sim.UserID), sim.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("creating simulation %s: %w", sim.ID, err)
	}
	return nil
}

func (s *RedisStore) UpdateSimulation(ctx context.Context, patch protocol.SimulationPatch) error {
	key := s.simKey(patch.UserID, patch.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.loadRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Deleted {
			return ErrNotFound
		}
		applyPatch(&rec.JobConfig, patch)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling simulation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("updating simulation %s: %w", patch.ID, err)
	}
	return nil
}

func (s *RedisStore) DeleteSimulation(ctx context.Context, ref protocol.SimRef) error {
	key := s.simKey(ref.UserID, ref.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.loadRecord(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec.Deleted = true
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling simulation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SRem(ctx, s.userKey(ref.UserID), ref.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("deleting simulation %s: %w", ref.ID, err)
	}
	return nil
}

func (s *RedisStore) GetSimulation(ctx context.Context, ref protocol.SimRef) (protocol.JobConfig, error) {
	rec, err := s.loadRecord(ctx, s.client, s.simKey(ref.UserID, ref.ID))
	if err != nil {
		return protocol.JobConfig{}, err
	}
	if rec.Deleted {
		return protocol.JobConfig{}, ErrNotFound
	}
	return rec.JobConfig, nil
}

func (s *RedisStore) GetSimulations(ctx context.Context, userID, modelID string) ([]protocol.JobConfig, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing simulations of %s: %w", userID, err)
	}
	sort.Strings(ids)

	out := make([]protocol.JobConfig, 0, len(ids))
	for _, id := range ids {
		rec, err := s.loadRecord(ctx, s.client, s.simKey(userID, id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Deleted || (modelID != "" && rec.ModelID != modelID) {
			continue
		}
		out = append(out, rec.JobConfig)
	}
	return out, nil
}

// loadRecord reads a simulation through any command interface (client or tx).
func (s *RedisStore) loadRecord(ctx context.Context, c redis.Cmdable, key string) (simRecord, error) {
	var rec simRecord
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decoding %s: %w", key, err)
	}
	return rec, nil
}

// --- Logs ---

func (s *RedisStore) CreateSimLog(ctx context.Context, log protocol.SimLog) error {
	if len(log.Log) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for source, lines := range log.Log {
			pipe.SAdd(ctx, s.logSources(log.ID), source)
			if len(lines) == 0 {
				continue
			}
			vals := make([]interface{}, len(lines))
			for i, l := range lines {
				vals[i] = l
			}
			pipe.RPush(ctx, s.logLines(log.ID, source), vals...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending log of %s: %w", log.ID, err)
	}
	return nil
}

func (s *RedisStore) GetSimLog(ctx context.Context, simID string) (protocol.SimLog, error) {
	sources, err := s.client.SMembers(ctx, s.logSources(simID)).Result()
	if err != nil {
		return protocol.SimLog{}, fmt.Errorf("reading log sources of %s: %w", simID, err)
	}
	if len(sources) == 0 {
		return protocol.SimLog{}, ErrNotFound
	}

	book := make(protocol.LogBook, len(sources))
	for _, source := range sources {
		lines, err := s.client.LRange(ctx, s.logLines(simID, source), 0, -1).Result()
		if err != nil {
			return protocol.SimLog{}, fmt.Errorf("reading log of %s/%s: %w", simID, source, err)
		}
		book[source] = lines
	}
	return protocol.SimLog{SimRef: protocol.SimRef{ID: simID}, Log: book}, nil
}

func (s *RedisStore) DeleteSimLog(ctx context.Context, simID string) error {
	sources, err := s.client.SMembers(ctx, s.logSources(simID)).Result()
	if err != nil {
		return fmt.Errorf("reading log sources of %s: %w", simID, err)
	}
	keys := []string{s.logSources(simID)}
	for _, source := range sources {
		keys = append(keys, s.logLines(simID, source))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting log of %s: %w", simID, err)
	}
	return nil
}

// --- Traces ---

func (s *RedisStore) CreateSimTrace(ctx context.Context, chunk protocol.SimTrace) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshaling trace chunk: %w", err)
	}
	if err := s.client.HSet(ctx, s.traceKey(chunk.ID), strconv.Itoa(chunk.Index), data).Err(); err != nil {
		return fmt.Errorf("storing trace chunk %s/%d: %w", chunk.ID, chunk.Index, err)
	}
	return nil
}

func (s *RedisStore) GetSimTrace(ctx context.Context, simID string) ([]protocol.SimTrace, error) {
	fields, err := s.client.HGetAll(ctx, s.traceKey(simID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading trace of %s: %w", simID, err)
	}
	out := make([]protocol.SimTrace, 0, len(fields))
	for field, raw := range fields {
		var chunk protocol.SimTrace
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			return nil, fmt.Errorf("decoding trace chunk %s/%s: %w", simID, field, err)
		}
		out = append(out, chunk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *RedisStore) DeleteSimTrace(ctx context.Context, simID string) error {
	if err := s.client.Del(ctx, s.traceKey(simID)).Err(); err != nil {
		return fmt.Errorf("deleting trace of %s: %w", simID, err)
	}
	return nil
}

// --- Spatial step traces ---

func (s *RedisStore) CreateSimSpatialStepTrace(ctx context.Context, step protocol.SimSpatialStepTrace) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshaling spatial step: %w", err)
	}
	idx := strconv.Itoa(step.StepIdx)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.spatialKey(step.ID), idx, data)
		pipe.ZAdd(ctx, s.spatialIdxKey(step.ID), redis.Z{Score: float64(step.StepIdx), Member: idx})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing spatial step %s/%d: %w", step.ID, step.StepIdx, err)
	}
	return nil
}

func (s *RedisStore) GetSpatialStepTrace(ctx context.Context, simID string, stepIdx int) (protocol.SimSpatialStepTrace, error) {
	var step protocol.SimSpatialStepTrace
	raw, err := s.client.HGet(ctx, s.spatialKey(simID), strconv.Itoa(stepIdx)).Bytes()
	if errors.Is(err, redis.Nil) {
		return step, ErrNotFound
	}
	if err != nil {
		return step, fmt.Errorf("reading spatial step %s/%d: %w", simID, stepIdx, err)
	}
	if err := json.Unmarshal(raw, &step); err != nil {
		return step, fmt.Errorf("decoding spatial step %s/%d: %w", simID, stepIdx, err)
	}
	return step, nil
}

func (s *RedisStore) GetLastSpatialStepTraceIdx(ctx context.Context, simID string) (int, bool, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, s.spatialIdxKey(simID), 0, 0).Result()
	if err != nil {
		return 0, false, fmt.Errorf("reading spatial index of %s: %w", simID, err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return int(zs[0].Score), true, nil
}

func (s *RedisStore) DeleteSimSpatialTraces(ctx context.Context, simID string) error {
	if err := s.client.Del(ctx, s.spatialKey(simID), s.spatialIdxKey(simID)).Err(); err != nil {
		return fmt.Errorf("deleting spatial traces of %s: %w", simID, err)
	}
	return nil
}

var _ Repository = (*RedisStore)(nil)
