package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	t.Run("空配置填入缺省值", func(t *testing.T) {
		var cfg Config
		applyDefaults(&cfg)

		assert.Equal(t, "stream.orders", cfg.Seckill.StreamKey)
		assert.Equal(t, "g1", cfg.Seckill.ConsumerGroup)
		assert.Equal(t, 2*time.Second, cfg.Seckill.BlockTimeout)
		assert.Equal(t, 10*time.Second, cfg.Seckill.OrderLockTTL)
		assert.Equal(t, time.Second, cfg.Seckill.RetryBackoff)
		assert.Equal(t, 2*time.Minute, cfg.Cache.NullTTL)
		assert.Equal(t, 10, cfg.Cache.RebuildWorkers)
		assert.Equal(t, 10*time.Second, cfg.Cache.RebuildLockTTL)
	})

	t.Run("显式配置不被覆盖", func(t *testing.T) {
		cfg := Config{
			Seckill: SeckillConfig{
				StreamKey:     "stream.orders.custom",
				ConsumerGroup: "g2",
				BlockTimeout:  5 * time.Second,
			},
			Cache: CacheConfig{RebuildWorkers: 20},
		}
		applyDefaults(&cfg)

		assert.Equal(t, "stream.orders.custom", cfg.Seckill.StreamKey)
		assert.Equal(t, "g2", cfg.Seckill.ConsumerGroup)
		assert.Equal(t, 5*time.Second, cfg.Seckill.BlockTimeout)
		assert.Equal(t, 20, cfg.Cache.RebuildWorkers)
	})
}
