package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"opsconductor/internal/api"
	"opsconductor/internal/config"
	"opsconductor/internal/ctxlog"
	"opsconductor/internal/dispatch"
	"opsconductor/internal/engine"
	"opsconductor/internal/events"
	"opsconductor/internal/models"
	"opsconductor/internal/serial"
	"opsconductor/internal/store"
	"opsconductor/internal/transport"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	// Database connection
	dsn := cfg.Database.URL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=opsconductor port=5432 sslmode=disable"
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	if err := models.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	st := store.NewStore(db)
	alloc := serial.NewAllocator(db)

	connector, err := transport.NewSSHConnector(transport.SSHConfig{
		User:           cfg.SSH.User,
		KeyFile:        cfg.SSH.KeyFile,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		OutputLimit:    cfg.Engine.OutputLimitBytes,
	})
	if err != nil {
		log.Fatalf("Failed to initialize SSH connector: %v", err)
	}

	pool := engine.NewPool(connector, engine.PoolConfig{
		GlobalLimit:    cfg.Pool.GlobalLimit,
		PerTargetLimit: cfg.Pool.PerTargetLimit,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	})
	defer pool.Close()

	hub := events.NewHub()
	go hub.Run()

	runner := engine.NewBranchRunner(pool, engine.NewActionExecutor(), st)
	coordinator := engine.NewCoordinator(st, runner, hub, cfg.Engine.MaxConcurrency)

	dispatcher := dispatch.NewDispatcher(st, alloc, coordinator, st, dispatch.Defaults{
		ActionTimeout: cfg.Engine.DefaultActionTimeout,
		BranchTimeout: cfg.Engine.DefaultBranchTimeout,
	})

	ctx := ctxlog.WithLogger(context.Background(), slog.Default())
	trigger := dispatch.NewTrigger(st, dispatcher, 5*time.Second)
	go trigger.Run(ctx)

	apiServer := api.NewServer(st, alloc, dispatcher, coordinator, hub)

	httpPort := cfg.Server.Port
	if httpPort == "" {
		httpPort = "8080"
	}

	log.Printf("Starting HTTP server on 0.0.0.0:%s", httpPort)
	log.Printf("WebSocket event feed: ws://0.0.0.0:%s/ws", httpPort)
	log.Printf("REST API endpoint: http://0.0.0.0:%s/api/v1", httpPort)

	if err := http.ListenAndServe("0.0.0.0:"+httpPort, apiServer.GetRouter()); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
