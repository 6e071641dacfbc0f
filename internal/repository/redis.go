package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
)

const (
	// Redis键前缀
	SeckillStockKeyPrefix = "seckill:stock:"
	SeckillOrderKeyPrefix = "seckill:order:"

	// 准入脚本的返回码
	AdmitOK            = 0 // 准入成功，库存已扣减，订单事件已入流
	AdmitNoStock       = 1 // 库存不足
	AdmitDuplicateUser = 2 // 该用户已下过单

	// SeckillAdmitScript 原子准入脚本
	// 库存校验、一人一单校验、扣减库存、记录用户、订单事件入流在一次
	// 脚本执行内完成，中途不可能插入其他调用方的读写。
	// 事件入流与库存扣减同脚本提交，准入成功的预留不会丢失。
	// KEYS[1] 库存key  KEYS[2] 下单用户集合key  KEYS[3] 订单消息流key
	// ARGV[1] 用户ID   ARGV[2] 订单ID           ARGV[3] 优惠券ID
	SeckillAdmitScript = `
		-- 检查库存
		local stock = tonumber(redis.call('GET', KEYS[1]))
		if not stock or stock <= 0 then
			return 1
		end

		-- 检查一人一单
		if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
			return 2
		end

		-- 扣减库存并记录用户
		redis.call('INCRBY', KEYS[1], -1)
		redis.call('SADD', KEYS[2], ARGV[1])

		-- 订单事件写入消息流
		redis.call('XADD', KEYS[3], '*',
			'orderId', ARGV[2], 'userId', ARGV[1], 'voucherId', ARGV[3])
		return 0
	`
)

type RedisRepository struct {
	client       *redis.Client
	ctx          context.Context
	streamKey    string
	group        string
	blockTimeout time.Duration
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(cfg *config.RedisConfig, seckillCfg *config.SeckillConfig) (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		ctx:          ctx,
		streamKey:    seckillCfg.StreamKey,
		group:        seckillCfg.ConsumerGroup,
		blockTimeout: seckillCfg.BlockTimeout,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	// 确保消费者组存在
	if err := repo.EnsureOrderStreamGroup(); err != nil {
		return nil, fmt.Errorf("初始化订单消息流消费者组失败: %w", err)
	}

	return repo, nil
}

// Client 返回底层Redis客户端，供ID生成器、分布式锁和缓存客户端复用连接
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts() error {
	sha1, err := r.client.ScriptLoad(r.ctx, SeckillAdmitScript).Result()
	if err != nil {
		return fmt.Errorf("加载秒杀准入脚本失败: %w", err)
	}
	r.scriptHashes["seckillAdmit"] = sha1

	return nil
}

// SeckillAdmit 执行原子准入脚本
// 这是保证不超卖和一人一单的唯一决策点，其余各处的校验只是兜底
func (r *RedisRepository) SeckillAdmit(voucherID, userID, orderID int64) (int, error) {
	keys := []string{
		SeckillStockKeyPrefix + strconv.FormatInt(voucherID, 10),
		SeckillOrderKeyPrefix + strconv.FormatInt(voucherID, 10),
		r.streamKey,
	}
	args := []interface{}{
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(orderID, 10),
		strconv.FormatInt(voucherID, 10),
	}

	result, err := r.runScript("seckillAdmit", SeckillAdmitScript, keys, args...)
	if err != nil {
		return -1, fmt.Errorf("执行秒杀准入脚本失败: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return -1, fmt.Errorf("LUA脚本返回类型错误: %T", result)
	}

	return int(code), nil
}

// runScript 通过EVALSHA执行预加载脚本，脚本被Redis淘汰时重新加载并重试
func (r *RedisRepository) runScript(name, script string, keys []string, args ...interface{}) (interface{}, error) {
	sha1, ok := r.scriptHashes[name]
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := r.client.EvalSha(r.ctx, sha1, keys, args...).Result()
	if err != nil {
		if !strings.Contains(err.Error(), "NOSCRIPT") {
			return nil, err
		}

		// 重新加载脚本再试一次
		sha1, err = r.client.ScriptLoad(r.ctx, script).Result()
		if err != nil {
			return nil, fmt.Errorf("重新加载脚本 %s 失败: %w", name, err)
		}
		r.scriptHashes[name] = sha1

		result, err = r.client.EvalSha(r.ctx, sha1, keys, args...).Result()
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// PrepareSeckillStock 初始化或补充秒杀库存（管理用途）
// 重置库存的同时清空下单用户集合
func (r *RedisRepository) PrepareSeckillStock(voucherID int64, stock int) error {
	stockKey := SeckillStockKeyPrefix + strconv.FormatInt(voucherID, 10)
	orderKey := SeckillOrderKeyPrefix + strconv.FormatInt(voucherID, 10)

	pipe := r.client.Pipeline()
	pipe.Set(r.ctx, stockKey, stock, 0)
	pipe.Del(r.ctx, orderKey)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("初始化秒杀库存失败: %w", err)
	}
	return nil
}

// GetSeckillStock 读取当前剩余库存（监控用途，不参与准入决策）
func (r *RedisRepository) GetSeckillStock(voucherID int64) (int, error) {
	stockKey := SeckillStockKeyPrefix + strconv.FormatInt(voucherID, 10)
	val, err := r.client.Get(r.ctx, stockKey).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("读取秒杀库存失败: %w", err)
	}

	stock, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("解析秒杀库存失败: %w", err)
	}
	return stock, nil
}

// EnsureOrderStreamGroup 创建订单消息流的消费者组，流不存在时一并创建
func (r *RedisRepository) EnsureOrderStreamGroup() error {
	err := r.client.XGroupCreateMkStream(r.ctx, r.streamKey, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("创建消费者组 %s 失败: %w", r.group, err)
	}
	return nil
}

// ReadOrderEvents 阻塞读取消费者组内未投递过的订单事件
// 阻塞有超时上限，超时返回空切片让消费者循环做存活检查
func (r *RedisRepository) ReadOrderEvents(consumer string, count int64) ([]*model.OrderEvent, error) {
	return r.readGroup(consumer, ">", count, r.blockTimeout)
}

// ReadPendingOrderEvents 从pending列表起点读取已投递未确认的订单事件
// 偏移量"0"表示本消费者名下所有未ACK的消息
func (r *RedisRepository) ReadPendingOrderEvents(consumer string, count int64) ([]*model.OrderEvent, error) {
	return r.readGroup(consumer, "0", count, 0)
}

func (r *RedisRepository) readGroup(consumer, offset string, count int64, block time.Duration) ([]*model.OrderEvent, error) {
	args := &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: consumer,
		Streams:  []string{r.streamKey, offset},
		Count:    count,
	}
	if block > 0 {
		args.Block = block
	} else {
		// 负值表示完全不阻塞
		args.Block = -1
	}

	streams, err := r.client.XReadGroup(r.ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			// 阻塞超时或没有新消息
			return nil, nil
		}
		return nil, fmt.Errorf("读取订单消息流失败: %w", err)
	}

	var events []*model.OrderEvent
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := decodeOrderEvent(msg)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}
	}

	return events, nil
}

// AckOrderEvent 确认订单事件，将其从pending列表移除
func (r *RedisRepository) AckOrderEvent(streamID string) error {
	if err := r.client.XAck(r.ctx, r.streamKey, r.group, streamID).Err(); err != nil {
		return fmt.Errorf("确认订单事件 %s 失败: %w", streamID, err)
	}
	return nil
}

// decodeOrderEvent 解析消息流条目为订单事件
func decodeOrderEvent(msg redis.XMessage) (*model.OrderEvent, error) {
	event := &model.OrderEvent{StreamID: msg.ID}

	var err error
	if event.OrderID, err = fieldInt64(msg, "orderId"); err != nil {
		return nil, err
	}
	if event.UserID, err = fieldInt64(msg, "userId"); err != nil {
		return nil, err
	}
	if event.VoucherID, err = fieldInt64(msg, "voucherId"); err != nil {
		return nil, err
	}

	return event, nil
}

func fieldInt64(msg redis.XMessage, field string) (int64, error) {
	raw, ok := msg.Values[field]
	if !ok {
		return 0, fmt.Errorf("订单事件 %s 缺少字段 %s", msg.ID, field)
	}

	str, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("订单事件 %s 字段 %s 类型错误: %T", msg.ID, field, raw)
	}

	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析订单事件 %s 字段 %s 失败: %w", msg.ID, field, err)
	}
	return val, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
