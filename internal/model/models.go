package model

import (
	"encoding/json"
	"time"
)

// SeckillVoucher 秒杀优惠券库存模型
// Stock只允许通过Lua准入脚本或补货接口修改，任何代码不得先读后写
type SeckillVoucher struct {
	VoucherID int64     `json:"voucherId"`
	Title     string    `json:"title"`
	Stock     int       `json:"stock"`
	BeginTime time.Time `json:"beginTime"`
	EndTime   time.Time `json:"endTime"`
}

// VoucherOrder 优惠券订单模型
// 对任意(UserID, VoucherID)组合至多存在一条订单记录
type VoucherOrder struct {
	OrderID   int64     `json:"orderId"`
	UserID    int64     `json:"userId"`
	VoucherID int64     `json:"voucherId"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrderEvent 订单消息流上的瞬态记录，由准入脚本写入，由履约消费者确认
type OrderEvent struct {
	StreamID  string `json:"-"` // Redis Stream消息ID，ACK时使用
	OrderID   int64  `json:"orderId"`
	UserID    int64  `json:"userId"`
	VoucherID int64  `json:"voucherId"`
}

// OrderFulfilledEvent 订单落库成功后发往Kafka的事件
type OrderFulfilledEvent struct {
	OrderID     int64     `json:"orderId"`
	UserID      int64     `json:"userId"`
	VoucherID   int64     `json:"voucherId"`
	FulfilledAt time.Time `json:"fulfilledAt"`
}

// OrderStatus 订单状态，准入成功后即为Pending，落库后变为Fulfilled
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFulfilled OrderStatus = "FULFILLED"
)

// OrderStatusResult 订单状态查询结果
type OrderStatusResult struct {
	OrderID int64         `json:"orderId"`
	Status  OrderStatus   `json:"status"`
	Order   *VoucherOrder `json:"order,omitempty"`
}

// Shop 店铺模型，缓存读取路径使用
type Shop struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	Sold    int       `json:"sold"`
	Updated time.Time `json:"updated"`
}

// RedisData 逻辑过期缓存的包装结构
// ExpireTime是业务层的逻辑过期时间，与Redis键本身的TTL无关
type RedisData struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}
