package graph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
	"github.com/lvdashuaibi/flashvoucher/internal/service"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
	path     string
}

// GraphQL Schema定义
// 64位ID统一用String传输，避免前端侧的精度丢失
const schemaString = `
type Voucher {
  voucherId: String!
  title: String!
  stock: Int!
  beginTime: String!
  endTime: String!
}

type Shop {
  id: String!
  name: String!
  address: String!
  sold: Int!
  updated: String!
}

type Order {
  orderId: String!
  userId: String!
  voucherId: String!
  createdAt: String!
}

type OrderStatus {
  orderId: String!
  status: String!
  order: Order
}

type SeckillResponse {
  success: Boolean!
  message: String!
  orderId: String!
}

input VoucherInput {
  voucherId: String!
  title: String!
  stock: Int!
  beginTime: String!
  endTime: String!
}

type Query {
  # 查询秒杀优惠券
  getVoucher(voucherId: String!): Voucher

  # 查询店铺
  getShop(shopId: String!): Shop

  # 轮询订单状态：准入成功后订单先是PENDING，落库后变为FULFILLED
  getOrderStatus(orderId: String!): OrderStatus!
}

type Mutation {
  # 秒杀下单，成功时立即返回订单ID，订单稍后异步落库
  seckillVoucher(voucherId: String!, userId: String!): SeckillResponse!

  # 创建或补货秒杀优惠券
  addSeckillVoucher(input: VoucherInput!): Boolean!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(
	seckillService *service.SeckillService,
	voucherService *service.VoucherService,
	shopService *service.ShopService,
	statusService *service.StatusService,
	cfg *config.GraphQLConfig,
) *GraphQLServer {
	resolver := &Resolver{
		seckillService: seckillService,
		voucherService: voucherService,
		shopService:    shopService,
		statusService:  statusService,
	}

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	path := cfg.Path
	if path == "" {
		path = "/graphql"
	}

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
		path:     path,
	}
}

// Start 启动GraphQL服务器
func (s *GraphQLServer) Start(port int) error {
	mux := http.NewServeMux()

	// GraphQL API端点
	mux.Handle(s.path, s.handler)

	// Prometheus指标端点
	mux.Handle("/metrics", promhttp.Handler())

	// GraphQL Playground
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(playgroundHTML))
	})

	addr := fmt.Sprintf(":%d", port)
	log.Printf("GraphQL服务已启动，API端点: %s, 指标端点: /metrics, Playground: http://localhost%s/", s.path, addr)

	return http.ListenAndServe(addr, mux)
}

// Resolver GraphQL解析器
type Resolver struct {
	seckillService *service.SeckillService
	voucherService *service.VoucherService
	shopService    *service.ShopService
	statusService  *service.StatusService
}

// GetVoucher 查询秒杀优惠券
func (r *Resolver) GetVoucher(ctx context.Context, args struct{ VoucherID string }) (*VoucherResolver, error) {
	voucherID, err := strconv.ParseInt(args.VoucherID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的优惠券ID: %s", args.VoucherID)
	}

	voucher, err := r.voucherService.GetVoucherByID(voucherID)
	if err != nil {
		return nil, err
	}
	if voucher == nil {
		return nil, nil
	}

	return &VoucherResolver{voucher: voucher}, nil
}

// GetShop 查询店铺
func (r *Resolver) GetShop(ctx context.Context, args struct{ ShopID string }) (*ShopResolver, error) {
	shopID, err := strconv.ParseInt(args.ShopID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的店铺ID: %s", args.ShopID)
	}

	shop, err := r.shopService.GetShopByID(shopID)
	if err != nil {
		return nil, err
	}
	if shop == nil {
		return nil, nil
	}

	return &ShopResolver{shop: shop}, nil
}

// GetOrderStatus 轮询订单状态
func (r *Resolver) GetOrderStatus(ctx context.Context, args struct{ OrderID string }) (*OrderStatusResolver, error) {
	orderID, err := strconv.ParseInt(args.OrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的订单ID: %s", args.OrderID)
	}

	result, err := r.statusService.GetOrderStatus(orderID)
	if err != nil {
		return nil, err
	}

	return &OrderStatusResolver{result: result}, nil
}

// SeckillVoucher 秒杀下单
func (r *Resolver) SeckillVoucher(ctx context.Context, args struct{ VoucherID, UserID string }) (*SeckillResponseResolver, error) {
	voucherID, err := strconv.ParseInt(args.VoucherID, 10, 64)
	if err != nil {
		return failSeckill(fmt.Sprintf("无效的优惠券ID: %s", args.VoucherID)), nil
	}
	userID, err := strconv.ParseInt(args.UserID, 10, 64)
	if err != nil {
		return failSeckill(fmt.Sprintf("无效的用户ID: %s", args.UserID)), nil
	}

	orderID, err := r.seckillService.RequestPurchase(voucherID, userID)
	if err != nil {
		// 业务结果返回给调用方，基础设施故障走error通道
		switch {
		case errors.Is(err, service.ErrNoStock),
			errors.Is(err, service.ErrDuplicateOrder),
			errors.Is(err, service.ErrSeckillNotStarted),
			errors.Is(err, service.ErrSeckillEnded),
			errors.Is(err, repository.ErrVoucherNotFound):
			return failSeckill(err.Error()), nil
		default:
			return failSeckill("秒杀下单失败"), err
		}
	}

	return &SeckillResponseResolver{
		success: true,
		message: "下单成功",
		orderID: orderID,
	}, nil
}

// AddSeckillVoucher 创建或补货秒杀优惠券
func (r *Resolver) AddSeckillVoucher(ctx context.Context, args struct{ Input VoucherInput }) (bool, error) {
	voucherID, err := strconv.ParseInt(args.Input.VoucherID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("无效的优惠券ID: %s", args.Input.VoucherID)
	}

	beginTime, err := time.Parse(time.RFC3339, args.Input.BeginTime)
	if err != nil {
		return false, fmt.Errorf("解析开始时间失败: %w", err)
	}
	endTime, err := time.Parse(time.RFC3339, args.Input.EndTime)
	if err != nil {
		return false, fmt.Errorf("解析结束时间失败: %w", err)
	}

	voucher := &model.SeckillVoucher{
		VoucherID: voucherID,
		Title:     args.Input.Title,
		Stock:     int(args.Input.Stock),
		BeginTime: beginTime,
		EndTime:   endTime,
	}

	if err := r.voucherService.AddSeckillVoucher(voucher); err != nil {
		return false, err
	}
	return true, nil
}

func failSeckill(message string) *SeckillResponseResolver {
	return &SeckillResponseResolver{
		success: false,
		message: message,
	}
}

// VoucherResolver 优惠券解析器
type VoucherResolver struct {
	voucher *model.SeckillVoucher
}

func (r *VoucherResolver) VoucherID() string {
	return strconv.FormatInt(r.voucher.VoucherID, 10)
}

func (r *VoucherResolver) Title() string {
	return r.voucher.Title
}

func (r *VoucherResolver) Stock() int32 {
	return int32(r.voucher.Stock)
}

func (r *VoucherResolver) BeginTime() string {
	return r.voucher.BeginTime.Format(time.RFC3339)
}

func (r *VoucherResolver) EndTime() string {
	return r.voucher.EndTime.Format(time.RFC3339)
}

// ShopResolver 店铺解析器
type ShopResolver struct {
	shop *model.Shop
}

func (r *ShopResolver) ID() string {
	return strconv.FormatInt(r.shop.ID, 10)
}

func (r *ShopResolver) Name() string {
	return r.shop.Name
}

func (r *ShopResolver) Address() string {
	return r.shop.Address
}

func (r *ShopResolver) Sold() int32 {
	return int32(r.shop.Sold)
}

func (r *ShopResolver) Updated() string {
	return r.shop.Updated.Format(time.RFC3339)
}

// OrderResolver 订单解析器
type OrderResolver struct {
	order *model.VoucherOrder
}

func (r *OrderResolver) OrderID() string {
	return strconv.FormatInt(r.order.OrderID, 10)
}

func (r *OrderResolver) UserID() string {
	return strconv.FormatInt(r.order.UserID, 10)
}

func (r *OrderResolver) VoucherID() string {
	return strconv.FormatInt(r.order.VoucherID, 10)
}

func (r *OrderResolver) CreatedAt() string {
	return r.order.CreatedAt.Format(time.RFC3339)
}

// OrderStatusResolver 订单状态解析器
type OrderStatusResolver struct {
	result *model.OrderStatusResult
}

func (r *OrderStatusResolver) OrderID() string {
	return strconv.FormatInt(r.result.OrderID, 10)
}

func (r *OrderStatusResolver) Status() string {
	return string(r.result.Status)
}

func (r *OrderStatusResolver) Order() *OrderResolver {
	if r.result.Order == nil {
		return nil
	}
	return &OrderResolver{order: r.result.Order}
}

// SeckillResponseResolver 秒杀响应解析器
type SeckillResponseResolver struct {
	success bool
	message string
	orderID int64
}

func (r *SeckillResponseResolver) Success() bool {
	return r.success
}

func (r *SeckillResponseResolver) Message() string {
	return r.message
}

func (r *SeckillResponseResolver) OrderID() string {
	if r.orderID == 0 {
		return ""
	}
	return strconv.FormatInt(r.orderID, 10)
}

// VoucherInput 优惠券输入类型
type VoucherInput struct {
	VoucherID string
	Title     string
	Stock     int32
	BeginTime string
	EndTime   string
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Flash Voucher GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root">
    <style>
      body {
        background-color: rgb(23, 42, 58);
        font-family: Open Sans, sans-serif;
        height: 90vh;
      }
      #root {
        height: 100%;
        width: 100%;
        display: flex;
        align-items: center;
        justify-content: center;
      }
      .loading {
        font-size: 32px;
        font-weight: 200;
        color: rgba(255, 255, 255, .6);
        margin-left: 20px;
      }
      img {
        width: 78px;
        height: 78px;
      }
      .title {
        font-weight: 400;
      }
    </style>
    <img src='https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/logo.png' alt=''>
    <div class="loading">
      <span class="title">Flash Voucher GraphQL Playground</span>
    </div>
  </div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '/graphql'
      })
    })</script>
</body>
</html>
`
