package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/model"
)

const (
	jobKeyPrefix   = "job:"
	defaultJobTTL  = 7 * 24 * time.Hour
	maxCASAttempts = 8
)

// RedisStore keeps each job as a JSON document under job:<id>. State changes
// run inside WATCH/MULTI so concurrent callbacks for one job serialize.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	return &RedisStore{
		redis: redisClient,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	created, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !created {
		return apperr.DuplicateJobID(job.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.get(ctx, s.redis, id)
}

func (s *RedisStore) Transition(ctx context.Context, id string, to model.JobState, result *model.NormalizedResult, errDetail string) (*model.Job, error) {
	var out *model.Job
	err := s.update(ctx, id, func(job *model.Job) (bool, error) {
		out = job
		if err := applyTransition(job, to, result, errDetail, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	return out, err
}

func (s *RedisStore) AttachVendorRequest(ctx context.Context, id, requestID string) error {
	return s.update(ctx, id, func(job *model.Job) (bool, error) {
		if job.IsTerminal() {
			return false, nil
		}
		job.VendorRequestID = requestID
		return true, nil
	})
}

// update runs mutate against the current record under WATCH and retries when
// another writer got there first. mutate returns false to skip the write.
func (s *RedisStore) update(ctx context.Context, id string, mutate func(*model.Job) (bool, error)) error {
	key := jobKey(id)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			job, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}

			write, err := mutate(job)
			if err != nil || !write {
				return err
			}

			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, redis.KeepTTL)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("store: job %s update contended after %d attempts", id, maxCASAttempts)
}

func (s *RedisStore) get(ctx context.Context, cmd redis.Cmdable, id string) (*model.Job, error) {
	data, err := cmd.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.JobNotFound(id)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
