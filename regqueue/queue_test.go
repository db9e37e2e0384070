package regqueue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	queue := NewRedisQueue(log, red, "regqueue_test")
	require.NoError(t, queue.CleanQueue(ctx))

	processed := make(chan json.RawMessage, 10)
	nextProcessed := func() json.RawMessage {
		select {
		case data := <-processed:
			return data
		case <-time.After(3 * time.Second):
			t.Fatal("timeout")
		}
		return nil
	}
	processOk := func(ctx context.Context, data json.RawMessage) error {
		processed <- data
		return nil
	}

	wg := queue.StartProcessLoop(ctx, []ProcessFunc{processOk})

	require.NoError(t, queue.Push(ctx, json.RawMessage(`{"pubkey":"0x01"}`)))
	require.JSONEq(t, `{"pubkey":"0x01"}`, string(nextProcessed()))

	cancel()
	wg.Wait()
}

func TestRedisQueueRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	queue := NewRedisQueue(log, red, "regqueue_test_retries")
	require.NoError(t, queue.CleanQueue(ctx))

	var attempts atomic.Int64
	processed := make(chan json.RawMessage, 1)
	processFlaky := func(ctx context.Context, data json.RawMessage) error {
		if attempts.Add(1) == 1 {
			return ErrProcessRetry
		}
		processed <- data
		return nil
	}

	wg := queue.StartProcessLoop(ctx, []ProcessFunc{processFlaky})

	require.NoError(t, queue.Push(ctx, json.RawMessage(`{"pubkey":"0x02"}`)))
	select {
	case data := <-processed:
		require.JSONEq(t, `{"pubkey":"0x02"}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	require.GreaterOrEqual(t, attempts.Load(), int64(2))

	cancel()
	wg.Wait()
}

func TestRedisQueueFull(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	queue := NewRedisQueue(log, red, "regqueue_test_full")
	require.NoError(t, queue.CleanQueue(ctx))
	queue.MaxUnprocessedItems = 1

	require.NoError(t, queue.Push(ctx, json.RawMessage(`{"pubkey":"0x03"}`)))
	require.ErrorIs(t, queue.Push(ctx, json.RawMessage(`{"pubkey":"0x04"}`)), ErrQueueFull)

	require.NoError(t, queue.CleanQueue(ctx))
}
