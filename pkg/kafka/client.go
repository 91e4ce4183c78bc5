// Package kafka 提供了与 Kafka 消息队列交互的功能，用于异步的会话标题任务。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"ruleout-go/internal/config"
	"ruleout-go/pkg/log"
	"ruleout-go/pkg/tasks"
)

// maxAttempts 是同一任务失败后允许的重试次数，达到后提交 offset 放弃该任务。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a title task.
type TaskProcessor interface {
	Apply(ctx context.Context, task tasks.TitleTask) error
}

// messageWriter 是 kafka.Writer 中生产者用到的部分。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader 是 kafka.Reader 中消费者用到的部分。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func brokers(cfg config.KafkaConfig) []string {
	return strings.Split(cfg.Brokers, ",")
}

// Producer 将标题任务写入 Kafka。
type Producer struct {
	writer messageWriter
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// RequestTitle 发送一个标题任务到 Kafka，同一会话的任务落在同一分区。
func (p *Producer) RequestTitle(ctx context.Context, task tasks.TitleTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ConversationID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费标题任务，失败次数记录在 Redis 中。
type Consumer struct {
	reader    messageReader
	rdb       *redis.Client
	processor TaskProcessor
}

// NewConsumer 创建一个 Kafka 消费者来处理标题任务。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, processor TaskProcessor) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, rdb: rdb, processor: processor}
}

// Run 持续拉取消息直到 ctx 取消或读取失败。
func (c *Consumer) Run(ctx context.Context) {
	log.Info("Kafka 标题任务消费者已启动")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		c.handle(ctx, m)
	}

	if err := c.reader.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

func attemptsKey(conversationID string) string {
	return fmt.Sprintf("kafka:attempts:%s", conversationID)
}

// handle 处理单条消息。成功、消息无法解析或失败次数达到上限时提交 offset，否则留给 Kafka 重投。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var task tasks.TitleTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	if err := c.processor.Apply(ctx, task); err != nil {
		log.Errorf("处理标题任务失败: conversation=%s, Error: %v", task.ConversationID, err)
		key := attemptsKey(task.ConversationID)
		attempts, incErr := c.rdb.Incr(ctx, key).Result()
		if incErr != nil {
			// Redis 异常时不提交 offset，让 Kafka 重试
			return
		}
		_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
		if attempts >= maxAttempts {
			log.Errorf("标题任务多次失败(>=%d)，提交 offset 终止重试: conversation=%s", maxAttempts, task.ConversationID)
			c.commit(ctx, m)
		}
		return
	}

	_ = c.rdb.Del(ctx, attemptsKey(task.ConversationID)).Err()
	c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
