// Package regqueue is a redis-backed work queue for validator registration
// persistence. Registrations are validated synchronously on the serving path;
// writing them to the database is deferred through this queue so a slow or
// unavailable database never blocks a proposer.
//
// The queue is a single redis sorted set scored by enqueue time, so items are
// processed roughly in arrival order. Items that fail to process are requeued
// with an incremented retry count, up to MaxRetries.
//
// NOTE: the queue is not 100% reliable. An item claimed by a worker that
// crashes before finishing is lost; at most one item per worker can be lost
// this way.
package regqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrRequeueFailed     = errors.New("item requeue failed")

	// ErrProcessRetry is returned by ProcessFunc when the item should be
	// retried by another worker.
	ErrProcessRetry = errors.New("retry processing on another worker")
)

const (
	DefaultMaxRetries          = uint16(10)
	DefaultMaxUnprocessedItems = uint64(4096)
	DefaultWorkerTimeout       = 4 * time.Second
)

type ProcessFunc func(ctx context.Context, data json.RawMessage) error

type envelope struct {
	Retries uint16          `json:"retries"`
	Data    json.RawMessage `json:"data"`
}

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string

	MaxRetries          uint16
	MaxUnprocessedItems uint64
	WorkerTimeout       time.Duration
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{
		log:                 log.With(zap.String("queue", queueName)),
		red:                 red,
		queueName:           queueName,
		MaxRetries:          DefaultMaxRetries,
		MaxUnprocessedItems: DefaultMaxUnprocessedItems,
		WorkerTimeout:       DefaultWorkerTimeout,
	}
}

// Push enqueues an item. Returns ErrQueueFull when the backlog cap is hit, in
// which case the item is dropped.
func (s *RedisQueue) Push(ctx context.Context, data json.RawMessage) error {
	return s.push(ctx, envelope{Retries: 0, Data: data})
}

func (s *RedisQueue) push(ctx context.Context, env envelope) error {
	queued, err := s.red.ZCard(ctx, s.queueName).Uint64()
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	if queued >= s.MaxUnprocessedItems {
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued))
		return ErrQueueFull
	}

	member, err := json.Marshal(env)
	if err != nil {
		return err
	}
	score := float64(time.Now().UnixMicro())
	return s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: member}).Err()
}

// popFromQueue blocks for up to 1 second waiting for an item.
func (s *RedisQueue) popFromQueue(ctx context.Context) (envelope, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Error("failed to pop from queue", zap.Error(err))
		}
		return envelope{}, err
	}

	member, ok := value.Member.(string)
	if !ok {
		return envelope{}, errors.New("invalid queue member type")
	}
	var env envelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		s.log.Error("failed to unpack queue item", zap.Error(err))
		return envelope{}, err
	}
	return env, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	env, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, env.Data)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessRetry) {
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("retries", env.Retries))
		return s.retryItem(ctx, env, back)
	}
	return err
}

// StartProcessLoop spawns a goroutine per worker. Cancel ctx to shut down;
// the returned wait group reports when all workers have drained.
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, env envelope, back backoff.BackOff) error {
	if env.Retries >= s.MaxRetries {
		return ErrMaxRetriesReached
	}
	env.Retries++

	err := backoff.Retry(func() error {
		return s.push(ctx, env)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueue removes all queued items.
// NOTE: should only be used for testing
func (s *RedisQueue) CleanQueue(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
