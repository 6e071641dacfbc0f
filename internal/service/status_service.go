package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/cache"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
)

const OrderCachePrefix = "cache:order"

// StatusService 订单状态查询服务
// 准入成功即返回订单ID，真正的订单行稍后才落库；调用方用这里轮询
// 订单从PENDING到FULFILLED的推进，弥合承诺与落库之间的窗口
type StatusService struct {
	cacheClient *cache.CacheClient
	mysqlRepo   *repository.MySQLRepository
	orderTTL    time.Duration
}

func NewStatusService(
	cacheClient *cache.CacheClient,
	mysqlRepo *repository.MySQLRepository,
	cfg *config.CacheConfig,
) *StatusService {
	orderTTL := cfg.OrderTTL
	if orderTTL <= 0 {
		orderTTL = 10 * time.Minute
	}

	return &StatusService{
		cacheClient: cacheClient,
		mysqlRepo:   mysqlRepo,
		orderTTL:    orderTTL,
	}
}

// GetOrderStatus 查询订单状态
// 订单行还不存在时返回PENDING：准入已经成功，落库只是时间问题
// 空值哨兵会在履约事件到达时被Kafka消费者用真实订单覆盖
func (s *StatusService) GetOrderStatus(orderID int64) (*model.OrderStatusResult, error) {
	order, err := cache.QueryWithPassThrough(s.cacheClient, OrderCachePrefix, orderID, s.orderTTL,
		func(id int64) (*model.VoucherOrder, error) {
			o, err := s.mysqlRepo.GetOrderByID(id)
			if err != nil {
				if errors.Is(err, repository.ErrOrderNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return o, nil
		})
	if err != nil {
		return nil, fmt.Errorf("查询订单状态失败: %w", err)
	}

	if order == nil {
		return &model.OrderStatusResult{
			OrderID: orderID,
			Status:  model.OrderStatusPending,
		}, nil
	}

	return &model.OrderStatusResult{
		OrderID: orderID,
		Status:  model.OrderStatusFulfilled,
		Order:   order,
	}, nil
}

// ProcessOrderFulfilled 处理Kafka上的订单履约事件（消费者回调）
// 用真实订单覆盖状态缓存，让轮询方尽快看到FULFILLED并停止打数据库
func (s *StatusService) ProcessOrderFulfilled(event *model.OrderFulfilledEvent) error {
	order := &model.VoucherOrder{
		OrderID:   event.OrderID,
		UserID:    event.UserID,
		VoucherID: event.VoucherID,
		CreatedAt: event.FulfilledAt,
	}

	key := fmt.Sprintf("%s:%d", OrderCachePrefix, event.OrderID)
	if err := s.cacheClient.Set(key, order, s.orderTTL); err != nil {
		return fmt.Errorf("预热订单状态缓存失败: %w", err)
	}
	return nil
}
