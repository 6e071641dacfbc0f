package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/segmentio/kafka-go"
)

// Producer 订单履约事件生产者
type Producer struct {
	writer *kafka.Writer
	ctx    context.Context
}

func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	ctx := context.Background()

	// 确认主题可达
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			topicPartitions++
		}
	}
	log.Printf("生产者检测到Kafka主题 %s 有 %d 个分区", cfg.Topic, topicPartitions)

	// 使用Hash分区器，同一用户的履约事件进入同一分区，保证按用户FIFO
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}

	return &Producer{
		writer: writer,
		ctx:    ctx,
	}, nil
}

// SendOrderFulfilledEvent 发送订单履约事件到Kafka
func (p *Producer) SendOrderFulfilledEvent(event *model.OrderFulfilledEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化履约事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.UserID, 10)),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("发送履约事件失败: %w", err)
	}

	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
