package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/flashvoucher/internal/metrics"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
)

var (
	// ErrNoStock 库存不足（业务结果，不是故障）
	ErrNoStock = errors.New("库存不足")

	// ErrDuplicateOrder 该用户已下过单（业务结果）
	ErrDuplicateOrder = errors.New("不能重复下单")

	// ErrSeckillNotStarted 秒杀尚未开始
	ErrSeckillNotStarted = errors.New("秒杀尚未开始")

	// ErrSeckillEnded 秒杀已经结束
	ErrSeckillEnded = errors.New("秒杀已经结束")
)

// admissionGate 原子准入网关，由Redis准入脚本实现
type admissionGate interface {
	SeckillAdmit(voucherID, userID, orderID int64) (int, error)
}

// idGenerator 全局订单ID生成器
type idGenerator interface {
	NextID(prefix string) (int64, error)
}

// voucherSource 优惠券读取入口，由VoucherService的缓存读取路径实现
type voucherSource interface {
	GetVoucherByID(voucherID int64) (*model.SeckillVoucher, error)
}

// SeckillService 秒杀准入服务
// 只做准入决策并立即返回订单ID，订单落库由履约消费者异步完成
type SeckillService struct {
	gate     admissionGate
	idGen    idGenerator
	vouchers voucherSource
}

func NewSeckillService(gate admissionGate, idGen idGenerator, vouchers voucherSource) *SeckillService {
	return &SeckillService{
		gate:     gate,
		idGen:    idGen,
		vouchers: vouchers,
	}
}

// RequestPurchase 请求购买一张秒杀优惠券
// 成功时返回订单ID；此时订单行还未落库，但预留已经生效，
// 订单最终一定会由履约消费者写入数据库
func (s *SeckillService) RequestPurchase(voucherID, userID int64) (int64, error) {
	// 活动时间窗口校验
	voucher, err := s.vouchers.GetVoucherByID(voucherID)
	if err != nil {
		return 0, fmt.Errorf("查询优惠券失败: %w", err)
	}
	if voucher == nil {
		return 0, repository.ErrVoucherNotFound
	}

	now := time.Now()
	if now.Before(voucher.BeginTime) {
		return 0, ErrSeckillNotStarted
	}
	if now.After(voucher.EndTime) {
		return 0, ErrSeckillEnded
	}

	// 先生成订单ID，准入脚本会把它一并写进订单消息流
	orderID, err := s.idGen.NextID("order")
	if err != nil {
		return 0, fmt.Errorf("生成订单ID失败: %w", err)
	}

	// 原子准入：库存校验、一人一单、扣减、事件入流一步完成
	code, err := s.gate.SeckillAdmit(voucherID, userID, orderID)
	if err != nil {
		metrics.AdmissionTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return 0, fmt.Errorf("秒杀准入失败: %w", err)
	}

	switch code {
	case repository.AdmitOK:
		metrics.AdmissionTotal.WithLabelValues(metrics.OutcomeAdmitted).Inc()
		return orderID, nil
	case repository.AdmitNoStock:
		metrics.AdmissionTotal.WithLabelValues(metrics.OutcomeNoStock).Inc()
		return 0, ErrNoStock
	case repository.AdmitDuplicateUser:
		metrics.AdmissionTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return 0, ErrDuplicateOrder
	default:
		metrics.AdmissionTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return 0, fmt.Errorf("未知的准入脚本返回码: %d", code)
	}
}
