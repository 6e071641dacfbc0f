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

const ShopCachePrefix = "cache:shop"

// ShopService 店铺读取服务，走逻辑过期缓存
// 店铺是无竞争实体，读多写少，逻辑过期换来有界的旧值和零重建风暴
type ShopService struct {
	cacheClient *cache.CacheClient
	mysqlRepo   *repository.MySQLRepository
	shopTTL     time.Duration
}

func NewShopService(
	cacheClient *cache.CacheClient,
	mysqlRepo *repository.MySQLRepository,
	cfg *config.CacheConfig,
) *ShopService {
	shopTTL := cfg.ShopTTL
	if shopTTL <= 0 {
		shopTTL = 30 * time.Minute
	}

	return &ShopService{
		cacheClient: cacheClient,
		mysqlRepo:   mysqlRepo,
		shopTTL:     shopTTL,
	}
}

// GetShopByID 逻辑过期读取店铺，未预热的key返回nil
func (s *ShopService) GetShopByID(shopID int64) (*model.Shop, error) {
	return cache.QueryWithLogicalExpire(s.cacheClient, ShopCachePrefix, shopID, s.shopTTL,
		func(id int64) (*model.Shop, error) {
			shop, err := s.mysqlRepo.GetShop(id)
			if err != nil {
				if errors.Is(err, repository.ErrShopNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return shop, nil
		})
}

// WarmShopCache 预热店铺缓存，逻辑过期策略要求key先被写入一次
func (s *ShopService) WarmShopCache(shopID int64) error {
	shop, err := s.mysqlRepo.GetShop(shopID)
	if err != nil {
		return fmt.Errorf("预热店铺缓存失败: %w", err)
	}

	key := fmt.Sprintf("%s:%d", ShopCachePrefix, shopID)
	return s.cacheClient.SetWithLogicalExpire(key, shop, s.shopTTL)
}

// UpdateShop 更新店铺，牢记先操作数据库再删缓存
func (s *ShopService) UpdateShop(shop *model.Shop) error {
	if shop.ID == 0 {
		return fmt.Errorf("店铺ID不能为空")
	}

	if err := s.mysqlRepo.UpdateShop(shop); err != nil {
		return err
	}

	key := fmt.Sprintf("%s:%d", ShopCachePrefix, shop.ID)
	if err := s.cacheClient.Delete(key); err != nil {
		log.Printf("删除店铺缓存 %s 失败: %v", key, err)
	}

	return nil
}
