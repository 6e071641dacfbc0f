package service

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/cache"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
)

const VoucherCachePrefix = "cache:voucher"

// VoucherService 优惠券读取与管理服务
type VoucherService struct {
	cacheClient *cache.CacheClient
	mysqlRepo   *repository.MySQLRepository
	redisRepo   *repository.RedisRepository
	voucherTTL  time.Duration
}

func NewVoucherService(
	cacheClient *cache.CacheClient,
	mysqlRepo *repository.MySQLRepository,
	redisRepo *repository.RedisRepository,
	cfg *config.CacheConfig,
) *VoucherService {
	voucherTTL := cfg.VoucherTTL
	if voucherTTL <= 0 {
		voucherTTL = 30 * time.Minute
	}

	return &VoucherService{
		cacheClient: cacheClient,
		mysqlRepo:   mysqlRepo,
		redisRepo:   redisRepo,
		voucherTTL:  voucherTTL,
	}
}

// GetVoucherByID 旁路缓存读取优惠券，不存在时返回nil
func (s *VoucherService) GetVoucherByID(voucherID int64) (*model.SeckillVoucher, error) {
	return cache.QueryWithPassThrough(s.cacheClient, VoucherCachePrefix, voucherID, s.voucherTTL,
		func(id int64) (*model.SeckillVoucher, error) {
			voucher, err := s.mysqlRepo.GetVoucher(id)
			if err != nil {
				if errors.Is(err, repository.ErrVoucherNotFound) {
					// 让缓存层写入空值哨兵
					return nil, nil
				}
				return nil, err
			}
			return voucher, nil
		})
}

// AddSeckillVoucher 创建或补货秒杀优惠券（管理接口）
// 先写MySQL作为事实来源，再初始化Redis库存与下单集合，最后失效旁路缓存
func (s *VoucherService) AddSeckillVoucher(voucher *model.SeckillVoucher) error {
	if voucher.Stock < 0 {
		return fmt.Errorf("库存不能为负数: %d", voucher.Stock)
	}

	if err := s.mysqlRepo.SaveVoucher(voucher); err != nil {
		return fmt.Errorf("保存优惠券到MySQL失败: %w", err)
	}

	if err := s.redisRepo.PrepareSeckillStock(voucher.VoucherID, voucher.Stock); err != nil {
		return fmt.Errorf("初始化Redis秒杀库存失败: %w", err)
	}

	// 旁路缓存里可能还留着旧库存
	key := fmt.Sprintf("%s:%d", VoucherCachePrefix, voucher.VoucherID)
	if err := s.cacheClient.Delete(key); err != nil {
		log.Printf("删除优惠券缓存 %s 失败: %v", key, err)
	}

	return nil
}

// GetSeckillStock 查询Redis侧剩余库存（监控展示用）
func (s *VoucherService) GetSeckillStock(voucherID int64) (int, error) {
	return s.redisRepo.GetSeckillStock(voucherID)
}
