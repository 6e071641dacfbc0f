package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/lock"
	"github.com/lvdashuaibi/flashvoucher/internal/metrics"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
)

// fulfillStatus 一次履约尝试的结果分类
// 消费循环的恢复策略由这个类型显式表达，而不是从错误分支里推断
type fulfillStatus int

const (
	fulfillOK    fulfillStatus = iota // 订单已落库，或早已存在（幂等）
	fulfillDrop                       // 用户锁被占用，本次尝试放弃并确认
	fulfillRetry                      // 瞬时错误，不确认，交给pending恢复
	fulfillFatal                      // 数据完整性告警，确认后放弃并大声记录
)

// fulfillConsumerName 履约消费者在消费者组内的固定名字
// pending列表按消费者名记账，选主换届后的新消费者必须沿用同一名字，
// 才能接管前任崩溃时留在pending列表里的未确认消息
const fulfillConsumerName = "c1"

// orderStream 订单消息流，由Redis Stream消费者组实现
type orderStream interface {
	ReadOrderEvents(consumer string, count int64) ([]*model.OrderEvent, error)
	ReadPendingOrderEvents(consumer string, count int64) ([]*model.OrderEvent, error)
	AckOrderEvent(streamID string) error
}

// orderStore 订单落库入口，由MySQL事务实现
type orderStore interface {
	CreateVoucherOrder(order *model.VoucherOrder) error
}

// fulfilledPublisher 订单落库成功后的事件发布口
type fulfilledPublisher interface {
	SendOrderFulfilledEvent(event *model.OrderFulfilledEvent) error
}

// OrderWorker 履约消费者
// 阻塞消费订单消息流，在用户锁保护下把订单事务性写入数据库，
// 只有处理成功才ACK；进程崩溃留下的未确认消息由pending恢复扫描补上
type OrderWorker struct {
	stream    orderStream
	store     orderStore
	locker    lock.DistributedLock
	publisher fulfilledPublisher

	lockTTL time.Duration
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrderWorker(
	stream orderStream,
	store orderStore,
	locker lock.DistributedLock,
	publisher fulfilledPublisher,
	cfg *config.SeckillConfig,
) *OrderWorker {
	ctx, cancel := context.WithCancel(context.Background())

	return &OrderWorker{
		stream:    stream,
		store:     store,
		locker:    locker,
		publisher: publisher,
		lockTTL:   cfg.OrderLockTTL,
		backoff:   cfg.RetryBackoff,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 启动消费循环
// 启动时先做一次pending恢复，接上上次崩溃留下的未确认消息
func (w *OrderWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		log.Printf("履约消费者 %s 已启动", fulfillConsumerName)
		w.recoverPending()
		w.consumeLoop()
	}()
}

// Stop 停止消费并等待在途处理完成
func (w *OrderWorker) Stop() {
	w.cancel()
	w.wg.Wait()
	log.Printf("履约消费者 %s 已停止", fulfillConsumerName)
}

// consumeLoop 主消费循环：阻塞读取有超时上限，超时后回到循环头做停止检查
func (w *OrderWorker) consumeLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		events, err := w.stream.ReadOrderEvents(fulfillConsumerName, 1)
		if err != nil {
			log.Printf("履约消费者 %s 读取订单消息流失败: %v", fulfillConsumerName, err)
			w.sleep(w.backoff)
			continue
		}
		if len(events) == 0 {
			continue
		}

		if retry := w.process(events[0]); retry {
			// 瞬时错误未确认，先走一遍pending恢复再继续
			w.sleep(w.backoff)
			w.recoverPending()
		}
	}
}

// recoverPending 从pending列表起点循环处理所有已投递未确认的消息
// 保证至少一次投递：崩溃在处理与ACK之间的消息会再次出现在这里
func (w *OrderWorker) recoverPending() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		events, err := w.stream.ReadPendingOrderEvents(fulfillConsumerName, 1)
		if err != nil {
			log.Printf("履约消费者 %s 读取pending列表失败: %v", fulfillConsumerName, err)
			w.sleep(w.backoff)
			continue
		}
		if len(events) == 0 {
			// pending列表已清空
			return
		}

		if retry := w.process(events[0]); retry {
			w.sleep(w.backoff)
		}
	}
}

// process 处理一条订单事件，返回是否需要进入重试恢复
// 只有瞬时错误不做ACK，其余结果都确认以免消息在pending列表里永远打转
func (w *OrderWorker) process(event *model.OrderEvent) bool {
	switch w.fulfill(event) {
	case fulfillOK:
	case fulfillDrop:
		log.Printf("订单事件 %s 放弃处理: 用户 %d 的订单锁被占用", event.StreamID, event.UserID)
	case fulfillFatal:
		// 准入说有货而数据库说没有，这属于数据完整性告警，必须人工介入
		metrics.InvariantViolationTotal.Inc()
		log.Printf("数据完整性告警: 订单 %d (用户 %d, 优惠券 %d) 准入通过但数据库扣减失败",
			event.OrderID, event.UserID, event.VoucherID)
	case fulfillRetry:
		metrics.OrderRetryTotal.Inc()
		return true
	}

	if err := w.stream.AckOrderEvent(event.StreamID); err != nil {
		// ACK失败留给pending恢复，幂等落库保证重复处理无害
		log.Printf("确认订单事件 %s 失败: %v", event.StreamID, err)
		return true
	}
	return false
}

// fulfill 在用户锁保护下把订单写入数据库
func (w *OrderWorker) fulfill(event *model.OrderEvent) fulfillStatus {
	lockName := lock.Key("order", event.UserID)

	acquired, err := w.locker.TryAcquire(lockName, w.lockTTL)
	if err != nil {
		log.Printf("获取订单锁 %s 失败: %v", lockName, err)
		return fulfillRetry
	}
	if !acquired {
		// 同一用户的另一次履约正在进行，准入预留已生效，放弃是安全的
		return fulfillDrop
	}
	defer func() {
		if err := w.locker.Release(lockName); err != nil {
			log.Printf("释放订单锁 %s 失败: %v", lockName, err)
		}
	}()

	order := &model.VoucherOrder{
		OrderID:   event.OrderID,
		UserID:    event.UserID,
		VoucherID: event.VoucherID,
		CreatedAt: time.Now(),
	}

	err = w.store.CreateVoucherOrder(order)
	switch {
	case err == nil:
		metrics.OrderFulfilledTotal.Inc()
		w.publishFulfilled(order)
		return fulfillOK
	case errors.Is(err, repository.ErrAlreadyPurchased):
		// 重复投递被幂等吸收
		log.Printf("用户 %d 已经购买过优惠券 %d，跳过重复事件 %s", event.UserID, event.VoucherID, event.StreamID)
		return fulfillOK
	case errors.Is(err, repository.ErrStockInsufficient):
		return fulfillFatal
	default:
		log.Printf("订单 %d 落库失败: %v", event.OrderID, err)
		return fulfillRetry
	}
}

// publishFulfilled 落库成功后发布事件，发布失败只影响下游缓存预热，不回滚订单
func (w *OrderWorker) publishFulfilled(order *model.VoucherOrder) {
	if w.publisher == nil {
		return
	}

	event := &model.OrderFulfilledEvent{
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		VoucherID:   order.VoucherID,
		FulfilledAt: order.CreatedAt,
	}
	if err := w.publisher.SendOrderFulfilledEvent(event); err != nil {
		log.Printf("发布订单履约事件失败: %v", err)
	}
}

// sleep 可被停止信号打断的休眠
func (w *OrderWorker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.ctx.Done():
	}
}
