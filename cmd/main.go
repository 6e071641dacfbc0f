package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/api/graph"
	"github.com/lvdashuaibi/flashvoucher/internal/cache"
	"github.com/lvdashuaibi/flashvoucher/internal/idgen"
	intkafka "github.com/lvdashuaibi/flashvoucher/internal/kafka"
	"github.com/lvdashuaibi/flashvoucher/internal/lock"
	"github.com/lvdashuaibi/flashvoucher/internal/repository"
	"github.com/lvdashuaibi/flashvoucher/internal/service"
)

const (
	WorkerLeaderLockName      = "flashvoucher:worker:leader:lock"
	WorkerLeaderLockTTL       = 30 * time.Second
	WorkerLeaderRetryInterval = 10 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("配置加载成功，当前实例ID: %d", *instanceID)

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository(&cfg.MySQL)
	if err != nil {
		log.Fatalf("初始化MySQL仓库失败: %v", err)
	}
	defer mysqlRepo.Close()
	log.Printf("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository(&cfg.Redis, &cfg.Seckill)
	if err != nil {
		log.Fatalf("初始化Redis仓库失败: %v", err)
	}
	defer redisRepo.Close()
	log.Printf("Redis仓库初始化成功")

	// Redis分布式锁，用于订单落库互斥和缓存重建互斥
	redisLock := lock.NewRedisLock(redisRepo.Client())
	defer redisLock.Close()

	// ETCD分布式锁，用于订单消费者选主
	etcdLock, err := lock.NewETCDLock(&cfg.ETCD)
	if err != nil {
		log.Fatalf("初始化ETCD分布式锁失败: %v", err)
	}
	defer etcdLock.Close()
	log.Printf("ETCD分布式锁初始化成功")

	// 获取消费者选主锁
	leaderAcquired, err := etcdLock.TryAcquire(WorkerLeaderLockName, WorkerLeaderLockTTL)
	if err != nil {
		log.Printf("获取消费者选主锁失败: %v，将以普通节点模式启动", err)
	}

	var isWorkerLeader bool
	if leaderAcquired {
		log.Printf("实例 %d 获取消费者选主锁成功，将作为订单消费者启动", *instanceID)
		isWorkerLeader = true
		defer etcdLock.Release(WorkerLeaderLockName)
	} else {
		log.Printf("实例 %d 未获取到消费者选主锁，以普通节点模式启动", *instanceID)
		isWorkerLeader = false
	}

	// 创建ID生成器
	idGenerator := idgen.NewIDGenerator(redisRepo.Client())

	// 创建缓存客户端(含逻辑过期重建工作池)
	cacheClient := cache.NewCacheClient(redisRepo.Client(), redisLock, &cfg.Cache)
	defer cacheClient.Shutdown()
	log.Printf("缓存客户端初始化成功，重建工作池大小: %d", cfg.Cache.RebuildWorkers)

	// 创建Kafka生产者
	producer, err := intkafka.NewProducer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("初始化Kafka生产者失败: %v", err)
	}
	defer producer.Close()
	log.Printf("Kafka生产者初始化成功")

	// 创建Kafka消费者
	consumer, err := intkafka.NewConsumer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("初始化Kafka消费者失败: %v", err)
	}
	defer consumer.Stop()
	log.Printf("Kafka消费者初始化成功")

	// 创建业务服务
	voucherService := service.NewVoucherService(cacheClient, mysqlRepo, redisRepo, &cfg.Cache)
	shopService := service.NewShopService(cacheClient, mysqlRepo, &cfg.Cache)
	statusService := service.NewStatusService(cacheClient, mysqlRepo, &cfg.Cache)
	seckillService := service.NewSeckillService(redisRepo, idGenerator, voucherService)
	log.Printf("业务服务初始化成功")

	// 启动Kafka消费者，用订单落库事件预热订单状态缓存
	consumer.StartConsuming(statusService.ProcessOrderFulfilled)
	log.Printf("Kafka消费者已启动")

	// 只有持有选主锁的实例才运行订单落库消费者
	var workerMu sync.Mutex
	var orderWorker *service.OrderWorker
	startWorker := func() {
		workerMu.Lock()
		defer workerMu.Unlock()
		if orderWorker != nil {
			return
		}
		orderWorker = service.NewOrderWorker(redisRepo, mysqlRepo, redisLock, producer, &cfg.Seckill)
		orderWorker.Start()
		log.Printf("实例 %d 的订单落库消费者已启动", *instanceID)
	}
	defer func() {
		workerMu.Lock()
		worker := orderWorker
		workerMu.Unlock()
		if worker != nil {
			worker.Stop()
		}
	}()

	if isWorkerLeader {
		startWorker()
	} else {
		// 候补实例周期性竞选：前任退出或崩溃后租约到期，锁释放，
		// 竞选成功的候补接管订单落库消费者
		standbyDone := make(chan struct{})
		defer close(standbyDone)
		go func() {
			ticker := time.NewTicker(WorkerLeaderRetryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-standbyDone:
					return
				case <-ticker.C:
					acquired, err := etcdLock.TryAcquire(WorkerLeaderLockName, WorkerLeaderLockTTL)
					if err != nil {
						log.Printf("候补竞选消费者选主锁失败: %v", err)
						continue
					}
					if acquired {
						log.Printf("实例 %d 竞选成功，接管订单落库消费者", *instanceID)
						startWorker()
						return
					}
				}
			}
		}()
	}

	// 创建GraphQL服务
	graphqlServer := graph.NewGraphQLServer(seckillService, voucherService, shopService, statusService, &cfg.GraphQL)
	log.Printf("GraphQL服务初始化成功")

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1

	// 启动HTTP服务器(异步)
	go func() {
		if err := graphqlServer.Start(serverPort); err != nil {
			log.Fatalf("启动GraphQL服务器失败: %v", err)
		}
	}()

	log.Printf("Flash Voucher 系统 (实例 %d) 已启动，服务地址: http://localhost:%d", *instanceID, serverPort)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("正在关闭服务...")
}
