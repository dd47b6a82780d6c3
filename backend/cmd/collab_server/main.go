package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"tripCollabServer/backend/internal/cache"
	"tripCollabServer/backend/internal/collab"
	"tripCollabServer/backend/internal/httpapi/handlers"
	"tripCollabServer/backend/internal/httpapi/middleware"
	"tripCollabServer/backend/internal/store"
	"tripCollabServer/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Collab struct {
		InactivityTimeoutSec int `mapstructure:"inactivityTimeoutSec"`
		SweepIntervalSec     int `mapstructure:"sweepIntervalSec"`
		MaxParticipants      int `mapstructure:"maxParticipants"`
		HistoryCap           int `mapstructure:"historyCap"`
	} `mapstructure:"Collab"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gormDB, err := gorm.Open(gormmysql.Open(cfg.Mysql.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatalf("Failed to get sql.DB: %v", err)
	}
	defer sqlDB.Close()

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)

	sessionStore := store.NewSessionStore(gormDB)
	if err := sessionStore.AutoMigrate(); err != nil {
		log.Fatalf("Failed to migrate session tables: %v", err)
	}
	snapshotStore := store.NewSnapshotStore(sqlDB)

	kafkaSem := collab.NewSemaphoreControl()
	wsSem := collab.NewSemaphoreControl()

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	// 广播链：kafka（跨实例/审计）+ ws hub（本实例房间推送）
	svc := collab.NewEngine(sessionStore, snapshotStore,
		collab.MultiBroadcaster{kafkaDispatcher, hub},
		collab.EngineOptions{
			RingCap: cfg.Collab.HistoryCap,
			Defaults: collab.SessionConfig{
				InactivityTimeout: time.Duration(cfg.Collab.InactivityTimeoutSec) * time.Second,
				MaxParticipants:   cfg.Collab.MaxParticipants,
			},
		})
	manager := ws.NewManager(hub, svc, wsSem)
	sessionHandlers := handlers.NewSessionHandlers(svc)

	// 闲置会话回收
	sweepInterval := time.Duration(cfg.Collab.SweepIntervalSec) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n := svc.SweepInactive(context.Background()); n > 0 {
				log.Printf("inactivity sweep closed %d session(s)", n)
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.POST("/sessions", sessionHandlers.CreateSession)
	collabGroup.GET("/sessions/:sessionID", sessionHandlers.GetSession)
	collabGroup.POST("/sessions/:sessionID/changes", sessionHandlers.SubmitChange)
	collabGroup.GET("/sessions/:sessionID/changes", sessionHandlers.ChangesSince)
	collabGroup.POST("/sessions/:sessionID/invite", sessionHandlers.Invite)
	collabGroup.POST("/sessions/:sessionID/role", sessionHandlers.ChangeRole)
	collabGroup.POST("/sessions/:sessionID/close", sessionHandlers.CloseSession)
	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
