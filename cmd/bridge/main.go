package main

import (
	"log"
	"net/http"
	"os"
	"time"

	v1 "go_bridge/api/v1"
	"go_bridge/internal/auth"
	"go_bridge/internal/bridge"
	"go_bridge/internal/cache"
	"go_bridge/internal/config"
	"go_bridge/internal/db"
	"go_bridge/internal/enroll"
	"go_bridge/internal/policy"
	"go_bridge/internal/registry"
	"go_bridge/internal/task"
	"go_bridge/internal/tools"
	"go_bridge/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.Println("✓ Configuration loaded")

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(db.GetDB()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
			os.Exit(1)
		}
		log.Println("✓ Database migrated")
	}

	// 3. Initialize Redis
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	// 4. Initialize JWT
	auth.InitJWT(cfg.JWT.Secret)

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// 5. Instance registry, seeded from the database
	reg := registry.New(registry.NewGormPersister(db.GetDB()))
	if err := registry.LoadAll(db.GetDB(), reg); err != nil {
		log.Fatalf("Failed to load instance registry: %v", err)
		os.Exit(1)
	}

	// 6. Tool registry
	toolReg := tools.NewRegistry(db.GetDB())
	if err := toolReg.LoadAll(); err != nil {
		log.Fatalf("Failed to load tool registry: %v", err)
		os.Exit(1)
	}
	if err := toolReg.SeedAutomationTools(cfg.Tools.AutomationEndpoint); err != nil {
		log.Fatalf("Failed to seed automation tools: %v", err)
		os.Exit(1)
	}

	// 7. Bridge core
	store := task.NewGormStore(db.GetDB())
	engine := policy.NewEngine(cfg.Policy.ExtraDenyList...)
	invoker := tools.NewHTTPInvoker(time.Duration(cfg.Tools.InvokeTimeoutSec) * time.Second)
	b := bridge.New(store, reg, toolReg, invoker, engine, logger, bridge.Config{
		DisconnectGrace:    time.Duration(cfg.Bridge.DisconnectGraceSec) * time.Second,
		CancelGrace:        time.Duration(cfg.Bridge.CancelGraceSec) * time.Second,
		ToolInvokeTimeout:  time.Duration(cfg.Tools.InvokeTimeoutSec) * time.Second,
		SubscriberBuffer:   cfg.Bridge.SubscriberBuffer,
		MaxPendingCommands: cfg.Bridge.MaxPendingCommands,
	})
	b.SetWaker(bridge.NewHTTPWaker(&http.Client{Timeout: 5 * time.Second}))

	// 8. Background workers
	if cfg.Heartbeat.Enabled {
		sweeper := registry.NewSweeper(registry.SweeperConfig{
			Registry:    reg,
			Logger:      logger,
			IntervalSec: cfg.Heartbeat.IntervalSec,
			TimeoutSec:  cfg.Heartbeat.TimeoutSec,
			OnOffline:   b.HandleInstanceLost,
		})
		sweeper.Start()
		defer sweeper.Stop()
	}
	if cfg.Approval.Enabled {
		janitor := bridge.NewJanitor(bridge.JanitorConfig{
			Bridge:               b,
			Logger:               logger,
			IntervalSec:          cfg.Approval.IntervalSec,
			StrictTimeoutSec:     cfg.Approval.StrictTimeoutSec,
			DefaultTimeoutSec:    cfg.Approval.DefaultTimeoutSec,
			UnattendedTimeoutSec: cfg.Approval.UnattendedTimeoutSec,
			RetryOnTimeout:       cfg.Approval.RetryOnTimeout,
		})
		janitor.Start()
		defer janitor.Stop()
	}

	// 9. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	// Socket.IO endpoint for instances and event subscribers
	wsServer, err := ws.InitServer(b, reg, db.GetDB())
	if err != nil {
		log.Fatalf("Failed to initialize WebSocket server: %v", err)
		os.Exit(1)
	}
	defer wsServer.Close()
	wsHandler := ws.WrapWithAuth(wsServer)
	r.GET("/socket.io/*any", gin.WrapH(wsHandler))
	r.POST("/socket.io/*any", gin.WrapH(wsHandler))

	// Setup API v1 routes
	v1.SetupRouter(r, v1.Deps{
		DB:       db.GetDB(),
		Bridge:   b,
		Registry: reg,
		Tools:    toolReg,
		Tokens:   enroll.NewTokenStore(cache.Client),
		Config:   cfg,
	})

	log.Printf("✓ Server starting on %s", cfg.HTTPAddr)

	// Start server
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
