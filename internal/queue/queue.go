package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
)

// Message 队列中的一条待处理消息
type Message struct {
	ID     string
	Values map[string]interface{}
}

// Queue 摄取队列（Redis Streams + 消费者组，至少一次投递）
// worker 处理成功后 Ack；处理失败的消息留在 pending 列表，
// 由认领任务在空闲超时后重新投递，超过最大投递次数进入死信 Stream
type Queue struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewQueue 创建摄取队列
func NewQueue(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// EnsureGroup 创建消费者组（已存在则忽略）
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.redisClient.XGroupCreateMkStream(ctx, q.config.Ingest.Stream, q.config.Ingest.ConsumerGroup, "0").Err()

	// BUSYGROUP 表示组已存在，属于正常情况
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	return nil
}

// Enqueue 入队一条上行任务（供传输适配器调用）
func (q *Queue) Enqueue(ctx context.Context, job *models.UplinkJob) (string, error) {
	jsonData, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal uplink job: %w", err)
	}

	id, err := q.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.Ingest.Stream,
		Values: map[string]interface{}{
			"data":      string(jsonData),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue uplink job: %w", err)
	}

	return id, nil
}

// Read 从消费者组读取一批新消息
func (q *Queue) Read(ctx context.Context) ([]Message, error) {
	streams, err := q.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.Ingest.ConsumerGroup,
		Consumer: q.config.Ingest.ConsumerName,
		Streams:  []string{q.config.Ingest.Stream, ">"},
		Count:    q.config.Ingest.BatchSize,
		Block:    q.config.Ingest.BlockTimeout,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, Message{
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}

	return messages, nil
}

// Ack 确认消息已处理
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	if err := q.redisClient.XAck(ctx, q.config.Ingest.Stream, q.config.Ingest.ConsumerGroup, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	return nil
}

// ClaimStale 认领空闲超时未确认的消息
// 投递次数超过上限的消息转入死信 Stream 并确认，其余重新交由当前消费者处理
func (q *Queue) ClaimStale(ctx context.Context) ([]Message, error) {
	pending, err := q.redisClient.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.config.Ingest.Stream,
		Group:  q.config.Ingest.ConsumerGroup,
		Idle:   q.config.Ingest.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  q.config.Ingest.BatchSize,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}

	if len(pending) == 0 {
		return nil, nil
	}

	var retryIDs []string
	var deadIDs []string
	for _, p := range pending {
		if p.RetryCount >= q.config.Ingest.MaxDeliveries {
			deadIDs = append(deadIDs, p.ID)
		} else {
			retryIDs = append(retryIDs, p.ID)
		}
	}

	// 死信消息：先认领取出内容，转存后确认
	if len(deadIDs) > 0 {
		if err := q.deadLetter(ctx, deadIDs); err != nil {
			q.logger.Error("Failed to dead-letter messages", zap.Error(err))
		}
	}

	if len(retryIDs) == 0 {
		return nil, nil
	}

	claimed, err := q.redisClient.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.config.Ingest.Stream,
		Group:    q.config.Ingest.ConsumerGroup,
		Consumer: q.config.Ingest.ConsumerName,
		MinIdle:  q.config.Ingest.ClaimMinIdle,
		Messages: retryIDs,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	var messages []Message
	for _, msg := range claimed {
		messages = append(messages, Message{
			ID:     msg.ID,
			Values: msg.Values,
		})
	}

	if len(messages) > 0 {
		q.logger.Info("Claimed stale messages for retry",
			zap.Int("count", len(messages)),
		)
	}

	return messages, nil
}

// deadLetter 将超限消息转入死信 Stream 并确认
func (q *Queue) deadLetter(ctx context.Context, messageIDs []string) error {
	claimed, err := q.redisClient.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.config.Ingest.Stream,
		Group:    q.config.Ingest.ConsumerGroup,
		Consumer: q.config.Ingest.ConsumerName,
		MinIdle:  q.config.Ingest.ClaimMinIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to claim dead messages: %w", err)
	}

	for _, msg := range claimed {
		values := make(map[string]interface{}, len(msg.Values)+1)
		for k, v := range msg.Values {
			values[k] = v
		}
		values["origin_id"] = msg.ID

		if err := q.redisClient.XAdd(ctx, &redis.XAddArgs{
			Stream: q.config.Ingest.DeadLetterStream,
			Values: values,
		}).Err(); err != nil {
			q.logger.Error("Failed to append to dead-letter stream",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}

		if err := q.Ack(ctx, msg.ID); err != nil {
			q.logger.Error("Failed to ack dead-lettered message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}

		q.logger.Warn("Message dead-lettered after max deliveries",
			zap.String("message_id", msg.ID),
			zap.Int64("max_deliveries", q.config.Ingest.MaxDeliveries),
		)
	}

	return nil
}
