package kafka

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/segmentio/kafka-go"
)

// Consumer 订单履约事件消费者
// 使用消费者组模式，多个实例分摊分区
type Consumer struct {
	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MessageHandler 履约事件处理回调
type MessageHandler func(event *model.OrderFulfilledEvent) error

func NewConsumer(cfg *config.KafkaConfig) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	log.Printf("创建履约事件消费者，GroupID: %s", cfg.GroupID)

	return &Consumer{
		reader: reader,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// StartConsuming 开始消费履约事件
func (c *Consumer) StartConsuming(handler MessageHandler) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeMessages(handler)
	}()

	log.Printf("履约事件消费者已启动")
}

func (c *Consumer) consumeMessages(handler MessageHandler) {
	for {
		select {
		case <-c.ctx.Done():
			log.Printf("履约事件消费者收到停止信号")
			return
		default:
			m, err := c.reader.ReadMessage(c.ctx)
			if err != nil {
				if err == context.Canceled {
					return
				}
				log.Printf("履约事件消费者读取消息失败: %v", err)
				time.Sleep(time.Second)
				continue
			}

			var event model.OrderFulfilledEvent
			if err := json.Unmarshal(m.Value, &event); err != nil {
				log.Printf("履约事件消费者解析消息失败: %v", err)
				continue
			}

			if err := handler(&event); err != nil {
				// 缓存预热失败不致命，轮询会退化为直接查库
				log.Printf("处理履约事件失败: %v", err)
			}
		}
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		log.Printf("关闭履约事件消费者失败: %v", err)
		return err
	}

	log.Printf("履约事件消费者已停止")
	return nil
}
