package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ration/internal/balancestore"
	"github.com/smallbiznis/ration/internal/balancestore/memstore"
	"github.com/smallbiznis/ration/internal/balancestore/rediscache"
	"github.com/smallbiznis/ration/internal/clock"
	"github.com/smallbiznis/ration/internal/config"
	"github.com/smallbiznis/ration/internal/entitlement"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/internal/feature"
	"github.com/smallbiznis/ration/internal/jobqueue"
	"github.com/smallbiznis/ration/internal/ledger"
	"github.com/smallbiznis/ration/internal/logger"
	"github.com/smallbiznis/ration/internal/observability/metrics"
	"github.com/smallbiznis/ration/internal/syncbatcher"
	"github.com/smallbiznis/ration/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		metrics.Module,
		db.Module,
		fx.Provide(
			newSnowflakeNode,
			newCache,
			newSyncConfig,
			newQueueConfig,
		),

		// Engine
		feature.Module,
		ledger.Module,
		balancestore.Module,
		syncbatcher.Module,
		jobqueue.Module,
		entitlement.Module,

		fx.Invoke(migrate),
		fx.Invoke(func(domain.Service) {}),
	)
	app.Run()
}

func newSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

func newCache(cfg config.Config) balancestore.Cache {
	if cfg.Cache.Backend == "memory" {
		return memstore.New()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	return rediscache.New(client, rediscache.Config{
		TTL:      cfg.Cache.TTL,
		GuardTTL: cfg.Cache.GuardTTL,
	})
}

func newSyncConfig(cfg config.Config) syncbatcher.Config {
	return syncbatcher.Config{
		FlushWindow: cfg.Sync.FlushWindow,
		MaxPending:  cfg.Sync.MaxPending,
	}
}

func newQueueConfig(cfg config.Config) jobqueue.Config {
	return jobqueue.Config{Buffer: cfg.Sync.QueueBuffer}
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&domain.Feature{},
		&domain.Grant{},
		&domain.OrgSettings{},
	)
}
