package service

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
)

// fakeAdmissionGate 内存版准入网关，复刻准入脚本的判定顺序：
// 先库存，再一人一单，最后扣减
type fakeAdmissionGate struct {
	mu       sync.Mutex
	stock    map[int64]int
	admitted map[[2]int64]bool
	err      error
}

func newFakeAdmissionGate() *fakeAdmissionGate {
	return &fakeAdmissionGate{
		stock:    make(map[int64]int),
		admitted: make(map[[2]int64]bool),
	}
}

func (g *fakeAdmissionGate) SeckillAdmit(voucherID, userID, orderID int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return 0, g.err
	}
	if g.stock[voucherID] <= 0 {
		return repository.AdmitNoStock, nil
	}
	if g.admitted[[2]int64{voucherID, userID}] {
		return repository.AdmitDuplicateUser, nil
	}
	g.stock[voucherID]--
	g.admitted[[2]int64{voucherID, userID}] = true
	return repository.AdmitOK, nil
}

// fakeIDGenerator 单调递增的ID生成器
type fakeIDGenerator struct {
	next int64
}

func (g *fakeIDGenerator) NextID(prefix string) (int64, error) {
	return atomic.AddInt64(&g.next, 1), nil
}

// fakeVoucherSource 内存版优惠券读取
type fakeVoucherSource struct {
	vouchers map[int64]*model.SeckillVoucher
}

func (s *fakeVoucherSource) GetVoucherByID(voucherID int64) (*model.SeckillVoucher, error) {
	return s.vouchers[voucherID], nil
}

func activeVoucher(voucherID int64, stock int) *model.SeckillVoucher {
	now := time.Now()
	return &model.SeckillVoucher{
		VoucherID: voucherID,
		Title:     "100元代金券",
		Stock:     stock,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}
}

func newTestSeckillService(gate *fakeAdmissionGate, vouchers ...*model.SeckillVoucher) *SeckillService {
	source := &fakeVoucherSource{vouchers: make(map[int64]*model.SeckillVoucher)}
	for _, v := range vouchers {
		source.vouchers[v.VoucherID] = v
		gate.stock[v.VoucherID] = v.Stock
	}
	return NewSeckillService(gate, &fakeIDGenerator{}, source)
}

func TestRequestPurchase(t *testing.T) {
	t.Run("准入成功返回订单ID", func(t *testing.T) {
		svc := newTestSeckillService(newFakeAdmissionGate(), activeVoucher(7, 10))

		orderID, err := svc.RequestPurchase(7, 1)

		require.NoError(t, err)
		assert.Greater(t, orderID, int64(0))
	})

	t.Run("库存耗尽返回库存不足", func(t *testing.T) {
		svc := newTestSeckillService(newFakeAdmissionGate(), activeVoucher(7, 1))

		_, err := svc.RequestPurchase(7, 1)
		require.NoError(t, err)

		_, err = svc.RequestPurchase(7, 2)
		assert.ErrorIs(t, err, ErrNoStock)
	})

	t.Run("同一用户重复下单被拒绝", func(t *testing.T) {
		svc := newTestSeckillService(newFakeAdmissionGate(), activeVoucher(7, 10))

		_, err := svc.RequestPurchase(7, 1)
		require.NoError(t, err)

		_, err = svc.RequestPurchase(7, 1)
		assert.ErrorIs(t, err, ErrDuplicateOrder)
	})

	t.Run("优惠券不存在", func(t *testing.T) {
		svc := newTestSeckillService(newFakeAdmissionGate())

		_, err := svc.RequestPurchase(99, 1)
		assert.ErrorIs(t, err, repository.ErrVoucherNotFound)
	})

	t.Run("活动时间窗口校验", func(t *testing.T) {
		now := time.Now()

		notStarted := activeVoucher(7, 10)
		notStarted.BeginTime = now.Add(time.Hour)
		notStarted.EndTime = now.Add(2 * time.Hour)

		ended := activeVoucher(8, 10)
		ended.BeginTime = now.Add(-2 * time.Hour)
		ended.EndTime = now.Add(-time.Hour)

		svc := newTestSeckillService(newFakeAdmissionGate(), notStarted, ended)

		_, err := svc.RequestPurchase(7, 1)
		assert.ErrorIs(t, err, ErrSeckillNotStarted)

		_, err = svc.RequestPurchase(8, 1)
		assert.ErrorIs(t, err, ErrSeckillEnded)
	})

	t.Run("准入网关故障向上透传", func(t *testing.T) {
		gate := newFakeAdmissionGate()
		svc := newTestSeckillService(gate, activeVoucher(7, 10))
		gate.err = errors.New("redis连接中断")

		_, err := svc.RequestPurchase(7, 1)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoStock)
	})
}

// TestRequestPurchaseConcurrent 并发抢购不会超卖，也不会让同一用户买到两单
func TestRequestPurchaseConcurrent(t *testing.T) {
	const stock = 10
	const users = 100

	svc := newTestSeckillService(newFakeAdmissionGate(), activeVoucher(7, stock))

	var admitted, noStock int64
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()

			// 每个用户连发两次请求，第二次必须被一人一单拦下
			for j := 0; j < 2; j++ {
				_, err := svc.RequestPurchase(7, userID)
				switch {
				case err == nil:
					atomic.AddInt64(&admitted, 1)
				case errors.Is(err, ErrNoStock):
					atomic.AddInt64(&noStock, 1)
				case errors.Is(err, ErrDuplicateOrder):
				default:
					t.Errorf("未预期的错误: %v", err)
				}
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int64(stock), admitted)
	assert.Greater(t, noStock, int64(0))
}
