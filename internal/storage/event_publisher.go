package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"mono-simulator/pkg/protocol"
)

// EventPublisher 通过 Redis Pub/Sub 广播命令事件, 不做持久化
type EventPublisher struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
}

func NewEventPublisher(ctx context.Context, addr, password, channel string, db int, poolSize int, log logrus.FieldLogger) (*EventPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Infof("Redis连接成功: %s, 频道: %s", addr, channel)

	return &EventPublisher{
		client:  client,
		channel: channel,
		log:     log,
	}, nil
}

// Publish 发布单个命令事件
func (p *EventPublisher) Publish(ctx context.Context, event *protocol.CommandEvent) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, jsonData).Err(); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}

	return nil
}

// Close 关闭连接
func (p *EventPublisher) Close() error {
	return p.client.Close()
}
