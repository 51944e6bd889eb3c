package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix: префикс ключей очередей в Redis.
const keyPrefix = "cs:queue:"

// promoteBatch: сколько отложенных задач переносится за один вызов Dequeue.
const promoteBatch = 100

// RedisQueue: очередь поверх Redis.
//   - cs:queue:<name>         LIST готовых задач (LPUSH / BRPOP)
//   - cs:queue:<name>:delayed ZSET отложенных задач, score = NotBefore в мс
type RedisQueue struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewRedisQueue создаёт очередь поверх существующего клиента Redis.
func NewRedisQueue(rdb redis.UniversalClient, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "redis_queue")),
	}
}

// Connect разбирает URL Redis и проверяет подключение.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга CS_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}
	return rdb, nil
}

func readyKey(queue string) string   { return keyPrefix + queue }
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }

// Enqueue добавляет задачу в список готовых или в множество отложенных.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("кодирование задачи %s: %w", task.ID, err)
	}

	if task.NotBefore.After(time.Now()) {
		err = q.rdb.ZAdd(ctx, delayedKey(task.Queue), redis.Z{
			Score:  float64(task.NotBefore.UnixMilli()),
			Member: payload,
		}).Err()
	} else {
		err = q.rdb.LPush(ctx, readyKey(task.Queue), payload).Err()
	}
	if err != nil {
		return fmt.Errorf("постановка задачи %s в очередь %s: %w", task.Name, task.Queue, err)
	}
	return nil
}

// Dequeue переносит наступившие отложенные задачи и ждёт готовую задачу.
func (q *RedisQueue) Dequeue(ctx context.Context, queues []string, wait time.Duration) (*Task, error) {
	keys := make([]string, 0, len(queues))
	for _, name := range queues {
		if err := q.promote(ctx, name); err != nil {
			q.logger.Warn("Ошибка переноса отложенных задач",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
		}
		keys = append(keys, readyKey(name))
	}

	res, err := q.rdb.BRPop(ctx, wait, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("получение задачи: %w", err)
	}
	// res = [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("неожиданный ответ BRPOP: %v", res)
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("декодирование задачи из %s: %w", res[0], err)
	}
	return &task, nil
}

// promote переносит задачи с наступившим NotBefore в список готовых.
// ZREM гарантирует, что задачу перенесёт только один воркер.
func (q *RedisQueue) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, payload := range due {
		removed, err := q.rdb.ZRem(ctx, delayedKey(queue), payload).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey(queue), payload).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Depth возвращает LLEN + ZCARD очереди.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, readyKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("глубина очереди %s: %w", queue, err)
	}
	return int(ready.Val() + delayed.Val()), nil
}

// Close закрывает клиент Redis.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// ReadinessChecker: проверка готовности Redis для health endpoint.
type ReadinessChecker struct {
	rdb redis.UniversalClient
}

// NewReadinessChecker создаёт проверку готовности Redis.
func NewReadinessChecker(rdb redis.UniversalClient) *ReadinessChecker {
	return &ReadinessChecker{rdb: rdb}
}

// CheckReady проверяет подключение через PING.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
