package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/kode4food/sortie/pkg/api"
)

// RedisStore persists mission metadata, runs, and run logs in redis, and
// artifact bodies in a blob bucket
type RedisStore struct {
	client *redis.Client
	bucket *blob.Bucket
	prefix string
}

// NewRedisStore creates a store over an existing redis client and blob
// bucket. The prefix namespaces all keys
func NewRedisStore(
	client *redis.Client, bucket *blob.Bucket, prefix string,
) *RedisStore {
	return &RedisStore{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// CreateMission stores a new mission record
func (s *RedisStore) CreateMission(
	ctx context.Context, m *api.Mission,
) error {
	key := s.missionKey(m.ID)
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionExists, m.ID)
	}
	return s.client.SAdd(ctx, s.indexKey(), string(m.ID)).Err()
}

// GetMeta loads a mission record
func (s *RedisStore) GetMeta(
	ctx context.Context, id api.MissionID,
) (*api.Mission, error) {
	data, err := s.client.Get(ctx, s.missionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var m api.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMeta applies a partial merge to a mission record and returns the
// updated state. The engine is the single writer of mission metadata
func (s *RedisStore) UpdateMeta(
	ctx context.Context, id api.MissionID, patch api.MissionPatch,
) (*api.Mission, error) {
	m, err := s.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	applyMissionPatch(m, patch)
	m.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.missionKey(id), data, 0).Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMissions returns all mission records
func (s *RedisStore) ListMissions(
	ctx context.Context,
) ([]*api.Mission, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}

	res := make([]*api.Mission, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMeta(ctx, api.MissionID(id))
		if errors.Is(err, ErrMissionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// CreateRun appends a run record to a mission's run list
func (s *RedisStore) CreateRun(ctx context.Context, r *api.Run) error {
	if _, err := s.GetMeta(ctx, r.MissionID); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := s.runKey(r.MissionID, r.ID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return err
	}
	return s.client.RPush(
		ctx, s.runIndexKey(r.MissionID), string(r.ID),
	).Err()
}

// LoadRuns returns a mission's runs ordered by started_at ascending,
// regardless of creation order
func (s *RedisStore) LoadRuns(
	ctx context.Context, id api.MissionID,
) ([]*api.Run, error) {
	ids, err := s.client.LRange(ctx, s.runIndexKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	res := make([]*api.Run, 0, len(ids))
	for _, runID := range ids {
		r, err := s.getRun(ctx, id, api.RunID(runID))
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].StartedAt.Before(res[j].StartedAt)
	})
	return res, nil
}

// UpdateRun applies a partial merge to a run record
func (s *RedisStore) UpdateRun(
	ctx context.Context, id api.MissionID, runID api.RunID,
	patch api.RunPatch,
) (*api.Run, error) {
	r, err := s.getRun(ctx, id, runID)
	if err != nil {
		return nil, err
	}

	applyRunPatch(r, patch)

	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	key := s.runKey(id, runID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetArtifact loads an artifact body from the blob bucket
func (s *RedisStore) GetArtifact(
	ctx context.Context, id api.MissionID, name string,
) (string, error) {
	data, err := s.bucket.ReadAll(ctx, artifactKey(id, name))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return "", fmt.Errorf("%w: %s/%s", ErrArtifactNotFound, id, name)
		}
		return "", err
	}
	return string(data), nil
}

// SaveArtifact writes an artifact body to the blob bucket
func (s *RedisStore) SaveArtifact(
	ctx context.Context, id api.MissionID, name, content string,
) error {
	return s.bucket.WriteAll(ctx, artifactKey(id, name), []byte(content), nil)
}

// AppendLog appends output bytes to a run's log
func (s *RedisStore) AppendLog(
	ctx context.Context, id api.MissionID, runID api.RunID, chunk []byte,
) error {
	return s.client.Append(ctx, s.logKey(id, runID), string(chunk)).Err()
}

// GetLogTail returns the last maxBytes bytes appended for a run. A missing
// log yields an empty string, not an error
func (s *RedisStore) GetLogTail(
	ctx context.Context, id api.MissionID, runID api.RunID, maxBytes int,
) (string, error) {
	key := s.logKey(id, runID)
	size, err := s.client.StrLen(ctx, key).Result()
	if err != nil {
		return "", err
	}
	if size == 0 || maxBytes <= 0 {
		return "", nil
	}

	start := size - int64(maxBytes)
	if start < 0 {
		start = 0
	}
	return s.client.GetRange(ctx, key, start, size-1).Result()
}

func (s *RedisStore) getRun(
	ctx context.Context, id api.MissionID, runID api.RunID,
) (*api.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(id, runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRunNotFound, id, runID)
	}
	if err != nil {
		return nil, err
	}

	var r api.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RedisStore) missionKey(id api.MissionID) string {
	return fmt.Sprintf("%s:mission:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":missions"
}

func (s *RedisStore) runKey(id api.MissionID, runID api.RunID) string {
	return fmt.Sprintf("%s:run:%s:%s", s.prefix, id, runID)
}

func (s *RedisStore) runIndexKey(id api.MissionID) string {
	return fmt.Sprintf("%s:runs:%s", s.prefix, id)
}

func (s *RedisStore) logKey(id api.MissionID, runID api.RunID) string {
	return fmt.Sprintf("%s:log:%s:%s", s.prefix, id, runID)
}

func artifactKey(id api.MissionID, name string) string {
	return fmt.Sprintf("missions/%s/artifacts/%s", id, name)
}
