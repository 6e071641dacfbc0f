package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
)

var (
	// ErrAlreadyPurchased 该用户已持有此优惠券的订单（幂等兜底，不是故障）
	ErrAlreadyPurchased = errors.New("用户已经购买过该优惠券")

	// ErrStockInsufficient 条件扣减影响0行
	// 准入通过后出现此错误意味着Redis预留与数据库库存出现分歧，属于数据完整性告警
	ErrStockInsufficient = errors.New("数据库库存不足")

	// ErrVoucherNotFound 优惠券不存在
	ErrVoucherNotFound = errors.New("优惠券不存在")

	// ErrOrderNotFound 订单不存在
	ErrOrderNotFound = errors.New("订单不存在")

	// ErrShopNotFound 店铺不存在
	ErrShopNotFound = errors.New("店铺不存在")
)

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository(cfg *config.MySQLConfig) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", cfg.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
	slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// GetVoucher 获取秒杀优惠券信息
func (r *MySQLRepository) GetVoucher(voucherID int64) (*model.SeckillVoucher, error) {
	query := "SELECT voucher_id, title, stock, begin_time, end_time FROM seckill_vouchers WHERE voucher_id = ?"
	row := r.slaveDB.QueryRow(query, voucherID)

	var voucher model.SeckillVoucher
	err := row.Scan(&voucher.VoucherID, &voucher.Title, &voucher.Stock, &voucher.BeginTime, &voucher.EndTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrVoucherNotFound
		}
		return nil, fmt.Errorf("查询优惠券失败: %w", err)
	}

	return &voucher, nil
}

// SaveVoucher 保存或更新秒杀优惠券（管理用途）
func (r *MySQLRepository) SaveVoucher(voucher *model.SeckillVoucher) error {
	query := `INSERT INTO seckill_vouchers (voucher_id, title, stock, begin_time, end_time)
			 VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			 title = VALUES(title),
			 stock = VALUES(stock),
			 begin_time = VALUES(begin_time),
			 end_time = VALUES(end_time)`

	_, err := r.masterDB.Exec(query,
		voucher.VoucherID,
		voucher.Title,
		voucher.Stock,
		voucher.BeginTime,
		voucher.EndTime,
	)
	if err != nil {
		return fmt.Errorf("保存优惠券失败: %w", err)
	}
	return nil
}

// CreateVoucherOrder 在一个事务内完成订单落库
// 步骤：一人一单复查 -> 条件扣减库存 -> 插入订单
// 复查和条件扣减只是兜底，真正的准入决策在Redis准入脚本里已经完成
func (r *MySQLRepository) CreateVoucherOrder(order *model.VoucherOrder) error {
	tx, err := r.masterDB.Begin()
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	// 一人一单复查，消息至少投递一次，重复投递在这里吸收
	var count int
	countQuery := "SELECT COUNT(*) FROM voucher_orders WHERE user_id = ? AND voucher_id = ?"
	if err := tx.QueryRow(countQuery, order.UserID, order.VoucherID).Scan(&count); err != nil {
		tx.Rollback()
		return fmt.Errorf("查询用户订单数失败: %w", err)
	}
	if count > 0 {
		tx.Rollback()
		return ErrAlreadyPurchased
	}

	// 条件扣减库存，stock > 0 的谓词由数据库行级一致性保证
	result, err := tx.Exec(
		"UPDATE seckill_vouchers SET stock = stock - 1 WHERE voucher_id = ? AND stock > 0",
		order.VoucherID,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("扣减库存失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("获取扣减结果失败: %w", err)
	}
	if rowsAffected == 0 {
		tx.Rollback()
		return ErrStockInsufficient
	}

	// 插入订单
	_, err = tx.Exec(
		"INSERT INTO voucher_orders (order_id, user_id, voucher_id, created_at) VALUES (?, ?, ?, ?)",
		order.OrderID, order.UserID, order.VoucherID, order.CreatedAt,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("插入订单失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	return nil
}

// CountOrders 统计用户在某优惠券上的订单数
func (r *MySQLRepository) CountOrders(userID, voucherID int64) (int, error) {
	query := "SELECT COUNT(*) FROM voucher_orders WHERE user_id = ? AND voucher_id = ?"

	var count int
	if err := r.slaveDB.QueryRow(query, userID, voucherID).Scan(&count); err != nil {
		return 0, fmt.Errorf("统计用户订单数失败: %w", err)
	}
	return count, nil
}

// GetOrderByID 按订单ID查询订单
func (r *MySQLRepository) GetOrderByID(orderID int64) (*model.VoucherOrder, error) {
	query := "SELECT order_id, user_id, voucher_id, created_at FROM voucher_orders WHERE order_id = ?"
	row := r.slaveDB.QueryRow(query, orderID)

	var order model.VoucherOrder
	err := row.Scan(&order.OrderID, &order.UserID, &order.VoucherID, &order.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}

	return &order, nil
}

// GetShop 获取店铺信息
func (r *MySQLRepository) GetShop(shopID int64) (*model.Shop, error) {
	query := "SELECT id, name, address, sold, updated_at FROM shops WHERE id = ?"
	row := r.slaveDB.QueryRow(query, shopID)

	var shop model.Shop
	err := row.Scan(&shop.ID, &shop.Name, &shop.Address, &shop.Sold, &shop.Updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrShopNotFound
		}
		return nil, fmt.Errorf("查询店铺失败: %w", err)
	}

	return &shop, nil
}

// UpdateShop 更新店铺信息，缓存失效由服务层负责（先库后缓存）
func (r *MySQLRepository) UpdateShop(shop *model.Shop) error {
	query := "UPDATE shops SET name = ?, address = ?, sold = ?, updated_at = ? WHERE id = ?"
	result, err := r.masterDB.Exec(query, shop.Name, shop.Address, shop.Sold, time.Now(), shop.ID)
	if err != nil {
		return fmt.Errorf("更新店铺失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		return ErrShopNotFound
	}

	return nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
