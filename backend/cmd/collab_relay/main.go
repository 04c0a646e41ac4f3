package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabSync/backend/config"
	"collabSync/backend/internal/auth"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/relay"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Fatalf("init config failed: %v", err)
	}
	if cfg.Auth.Secret == "" {
		glog.Fatal("auth.secret is required (COLLAB_AUTH_SECRET)")
	}

	opts := []relay.Option{relay.WithRingCapacity(cfg.Relay.RingCapacity)}

	// presence in redis is optional; without it rooms live only in this process
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			glog.Fatalf("connect redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	if cfg.Mysql.DSN != "" {
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			glog.Fatalf("connect mysql (gorm): %v", err)
		}
		repo := store.NewDocumentRepo(gdb)
		if err := repo.Migrate(); err != nil {
			glog.Fatalf("migrate documents: %v", err)
		}
		db, err := store.OpenDB(cfg.Mysql.DSN)
		if err != nil {
			glog.Fatalf("connect mysql: %v", err)
		}
		defer db.Close()
		snapshots := store.NewSnapshotStore(db)
		if err := snapshots.Migrate(context.Background()); err != nil {
			glog.Fatalf("migrate snapshots: %v", err)
		}
		opts = append(opts, relay.WithDocumentRepo(repo), relay.WithSnapshotStore(snapshots))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := relay.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			glog.Fatalf("connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher := relay.NewKafkaDispatcher(producer, cfg.Kafka.Topic, relay.NewSemaphoreControl(cfg.Kafka.Workers), relay.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
		// closes before the producer
		defer dispatcher.Close()
		opts = append(opts, relay.WithPublisher(dispatcher, 50*time.Millisecond))
	}

	svc := relay.NewInMemoryService(opts...)
	hub := ws.NewHub(presence)
	manager := ws.NewManager(hub, svc, relay.NewSemaphoreControl(cfg.Relay.SubmitConcurrency), cfg.RelaySettings())
	signer := auth.NewSigner(cfg.Auth.Secret)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowMethods:     []string{"GET", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.GET("/healthz", handlers.Healthz)

	g := r.Group("/collab")
	g.Use(auth.Middleware(signer))
	g.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(svc).Register(g)

	glog.Infof("[relay] listening on :%d (redis=%t mysql=%t kafka=%t)",
		cfg.Running.Port, presence != nil, cfg.Mysql.DSN != "", len(cfg.Kafka.Brokers) > 0)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		glog.Errorf("[relay] serve: %v", err)
	}
}
