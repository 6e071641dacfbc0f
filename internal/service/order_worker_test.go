package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
)

// fakeOrderStream 内存版订单消息流，模拟消费者组的投递与pending语义
// pending列表按消费者名记账，与Redis Stream的消费者组行为一致
type fakeOrderStream struct {
	mu      sync.Mutex
	queue   []*model.OrderEvent
	pending map[string][]*model.OrderEvent
	acked   map[string]bool
}

func newFakeOrderStream(events ...*model.OrderEvent) *fakeOrderStream {
	return &fakeOrderStream{
		queue:   events,
		pending: make(map[string][]*model.OrderEvent),
		acked:   make(map[string]bool),
	}
}

func (s *fakeOrderStream) ReadOrderEvents(consumer string, count int64) ([]*model.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, nil
	}
	event := s.queue[0]
	s.queue = s.queue[1:]
	// 投递过但未确认的消息进入该消费者名下的pending
	s.pending[consumer] = append(s.pending[consumer], event)
	return []*model.OrderEvent{event}, nil
}

func (s *fakeOrderStream) ReadPendingOrderEvents(consumer string, count int64) ([]*model.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range s.pending[consumer] {
		if !s.acked[event.StreamID] {
			return []*model.OrderEvent{event}, nil
		}
	}
	return nil, nil
}

func (s *fakeOrderStream) AckOrderEvent(streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acked[streamID] = true
	return nil
}

// fakeOrderStore 内存版订单落库，带一人一单约束和可注入的瞬时失败
type fakeOrderStore struct {
	mu        sync.Mutex
	orders    map[int64]*model.VoucherOrder
	purchased map[[2]int64]bool
	failures  int
	stockErr  bool
	attempts  int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders:    make(map[int64]*model.VoucherOrder),
		purchased: make(map[[2]int64]bool),
	}
}

func (s *fakeOrderStore) CreateVoucherOrder(order *model.VoucherOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("数据库连接中断")
	}
	if s.stockErr {
		return repository.ErrStockInsufficient
	}

	key := [2]int64{order.UserID, order.VoucherID}
	if s.purchased[key] {
		return repository.ErrAlreadyPurchased
	}
	s.purchased[key] = true
	s.orders[order.OrderID] = order
	return nil
}

func (s *fakeOrderStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// fakeLocker 内存版分布式锁
type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	busy  bool
	fails bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) TryAcquire(lockName string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fails {
		return false, errors.New("锁服务不可用")
	}
	if l.busy || l.held[lockName] {
		return false, nil
	}
	l.held[lockName] = true
	return true, nil
}

func (l *fakeLocker) Release(lockName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockName)
	return nil
}

func (l *fakeLocker) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = make(map[string]bool)
}

func (l *fakeLocker) Close() error { return nil }

// fakeFulfilledPublisher 记录发布的履约事件
type fakeFulfilledPublisher struct {
	mu     sync.Mutex
	events []*model.OrderFulfilledEvent
}

func (p *fakeFulfilledPublisher) SendOrderFulfilledEvent(event *model.OrderFulfilledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func workerConfig() *config.SeckillConfig {
	return &config.SeckillConfig{
		StreamKey:     "stream.orders",
		ConsumerGroup: "g1",
		BlockTimeout:  10 * time.Millisecond,
		OrderLockTTL:  time.Second,
		RetryBackoff:  time.Millisecond,
	}
}

func TestOrderWorkerProcess(t *testing.T) {
	event := &model.OrderEvent{StreamID: "1-0", OrderID: 100, UserID: 5, VoucherID: 7}

	t.Run("落库成功并确认", func(t *testing.T) {
		stream := newFakeOrderStream()
		store := newFakeOrderStore()
		publisher := &fakeFulfilledPublisher{}
		worker := NewOrderWorker(stream, store, newFakeLocker(), publisher, workerConfig())

		retry := worker.process(event)

		require.False(t, retry)
		assert.True(t, stream.acked["1-0"])
		assert.Equal(t, 1, store.orderCount())
		require.Len(t, publisher.events, 1)
		assert.Equal(t, int64(100), publisher.events[0].OrderID)
	})

	t.Run("重复投递被幂等吸收", func(t *testing.T) {
		stream := newFakeOrderStream()
		store := newFakeOrderStore()
		worker := NewOrderWorker(stream, store, newFakeLocker(), nil, workerConfig())

		require.False(t, worker.process(event))
		// 同一条消息再次投递，不应产生第二个订单
		require.False(t, worker.process(event))

		assert.Equal(t, 1, store.orderCount())
	})

	t.Run("用户锁被占用时放弃并确认", func(t *testing.T) {
		stream := newFakeOrderStream()
		store := newFakeOrderStore()
		locker := newFakeLocker()
		locker.busy = true
		worker := NewOrderWorker(stream, store, locker, nil, workerConfig())

		retry := worker.process(event)

		require.False(t, retry)
		assert.True(t, stream.acked["1-0"])
		assert.Equal(t, 0, store.orderCount())
	})

	t.Run("瞬时错误不确认", func(t *testing.T) {
		stream := newFakeOrderStream()
		store := newFakeOrderStore()
		store.failures = 1
		worker := NewOrderWorker(stream, store, newFakeLocker(), nil, workerConfig())

		retry := worker.process(event)

		require.True(t, retry)
		assert.False(t, stream.acked["1-0"])
	})

	t.Run("锁服务故障按瞬时错误处理", func(t *testing.T) {
		stream := newFakeOrderStream()
		locker := newFakeLocker()
		locker.fails = true
		worker := NewOrderWorker(stream, newFakeOrderStore(), locker, nil, workerConfig())

		require.True(t, worker.process(event))
		assert.False(t, stream.acked["1-0"])
	})

	t.Run("库存不一致确认后放弃", func(t *testing.T) {
		stream := newFakeOrderStream()
		store := newFakeOrderStore()
		store.stockErr = true
		worker := NewOrderWorker(stream, store, newFakeLocker(), nil, workerConfig())

		// 准入说有货而数据库扣减失败，不应反复重试
		retry := worker.process(event)

		require.False(t, retry)
		assert.True(t, stream.acked["1-0"])
		assert.Equal(t, 0, store.orderCount())
	})
}

func TestOrderWorkerPendingRecovery(t *testing.T) {
	t.Run("崩溃前未确认的消息恢复后只产生一个订单", func(t *testing.T) {
		event := &model.OrderEvent{StreamID: "1-0", OrderID: 200, UserID: 8, VoucherID: 3}
		stream := newFakeOrderStream(event)
		store := newFakeOrderStore()

		// 前任消费者读到消息后在落库与确认之间崩溃：消息停留在它名下的pending
		events, err := stream.ReadOrderEvents(fulfillConsumerName, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.NoError(t, store.CreateVoucherOrder(&model.VoucherOrder{
			OrderID:   event.OrderID,
			UserID:    event.UserID,
			VoucherID: event.VoucherID,
			CreatedAt: time.Now(),
		}))

		// 重启后的消费者先做pending恢复
		worker := NewOrderWorker(stream, store, newFakeLocker(), nil, workerConfig())
		worker.recoverPending()

		assert.True(t, stream.acked["1-0"])
		assert.Equal(t, 1, store.orderCount())
	})

	t.Run("换届后的新消费者能接管前任的pending消息", func(t *testing.T) {
		event := &model.OrderEvent{StreamID: "1-0", OrderID: 201, UserID: 9, VoucherID: 3}
		stream := newFakeOrderStream(event)
		store := newFakeOrderStore()

		// 旧主实例读到消息后在落库之前崩溃，消息未落库也未确认
		events, err := stream.ReadOrderEvents(fulfillConsumerName, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)

		// 另一实例竞选成功，新建的消费者沿用固定名字，恢复时必须能看到这条消息
		takeover := NewOrderWorker(stream, store, newFakeLocker(), nil, workerConfig())
		takeover.recoverPending()

		assert.True(t, stream.acked["1-0"])
		assert.Equal(t, 1, store.orderCount(), "前任未落库的订单必须由接管者补上")
	})

	t.Run("消费循环能被停止信号打断", func(t *testing.T) {
		stream := newFakeOrderStream(
			&model.OrderEvent{StreamID: "1-0", OrderID: 300, UserID: 1, VoucherID: 1},
			&model.OrderEvent{StreamID: "2-0", OrderID: 301, UserID: 2, VoucherID: 1},
		)
		store := newFakeOrderStore()
		worker := NewOrderWorker(stream, store, newFakeLocker(), nil, workerConfig())

		worker.Start()

		require.Eventually(t, func() bool {
			return store.orderCount() == 2
		}, time.Second, 5*time.Millisecond)

		done := make(chan struct{})
		go func() {
			worker.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("停止履约消费者超时")
		}
	})
}
