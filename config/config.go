package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	Seckill SeckillConfig `mapstructure:"seckill"`
	Cache   CacheConfig   `mapstructure:"cache"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Address    string        `mapstructure:"address"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SessionTTL  int64         `mapstructure:"session_ttl"`
}

// SeckillConfig 秒杀下单流水线配置
type SeckillConfig struct {
	StreamKey     string        `mapstructure:"stream_key"`     // 订单消息流的key
	ConsumerGroup string        `mapstructure:"consumer_group"` // 消费者组名
	BlockTimeout  time.Duration `mapstructure:"block_timeout"`  // 消费者阻塞读超时
	OrderLockTTL  time.Duration `mapstructure:"order_lock_ttl"` // 下单用户锁的过期时间
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`  // 瞬时错误重试间隔
}

// CacheConfig 缓存读取路径配置
type CacheConfig struct {
	ShopTTL        time.Duration `mapstructure:"shop_ttl"`        // 店铺缓存逻辑过期时间
	VoucherTTL     time.Duration `mapstructure:"voucher_ttl"`     // 优惠券缓存过期时间
	OrderTTL       time.Duration `mapstructure:"order_ttl"`       // 订单状态缓存过期时间
	NullTTL        time.Duration `mapstructure:"null_ttl"`        // 空值缓存过期时间
	RebuildWorkers int           `mapstructure:"rebuild_workers"` // 缓存重建工作池大小
	RebuildLockTTL time.Duration `mapstructure:"rebuild_lock_ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults 填充缺省配置，保证流水线关键参数不为零值
func applyDefaults(cfg *Config) {
	if cfg.Seckill.StreamKey == "" {
		cfg.Seckill.StreamKey = "stream.orders"
	}
	if cfg.Seckill.ConsumerGroup == "" {
		cfg.Seckill.ConsumerGroup = "g1"
	}
	if cfg.Seckill.BlockTimeout <= 0 {
		cfg.Seckill.BlockTimeout = 2 * time.Second
	}
	if cfg.Seckill.OrderLockTTL <= 0 {
		cfg.Seckill.OrderLockTTL = 10 * time.Second
	}
	if cfg.Seckill.RetryBackoff <= 0 {
		cfg.Seckill.RetryBackoff = time.Second
	}
	if cfg.Cache.NullTTL <= 0 {
		cfg.Cache.NullTTL = 2 * time.Minute
	}
	if cfg.Cache.RebuildWorkers <= 0 {
		cfg.Cache.RebuildWorkers = 10
	}
	if cfg.Cache.RebuildLockTTL <= 0 {
		cfg.Cache.RebuildLockTTL = 10 * time.Second
	}
}
