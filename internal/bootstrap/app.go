package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"codecollab/internal/executor"
	httpHandler "codecollab/internal/handler/http"
	wsHandler "codecollab/internal/handler/websocket"
	"codecollab/internal/hub"
	gormpersistence "codecollab/internal/infra/persistence/gorm"
	"codecollab/internal/infra/setup"
	"codecollab/internal/mailer"
	"codecollab/internal/middleware"
	"codecollab/internal/service"
	"codecollab/internal/tasks"
	"codecollab/internal/worker"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DBUser        string
	DBPassword    string
	DBHost        string
	DBPort        string
	DBName        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JWTSecret     string
	ServerPort    string
	LogLevel      string
	AppEnv        string

	RateLimitMax    int
	RateLimitWindow time.Duration
	JWTExpiryHours  int

	FrontendURL string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	ExecWorkDir       string
	ExecTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)，允许只使用环境变量
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBName:        os.Getenv("DB_NAME"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ServerPort:    os.Getenv("SERVER_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		AppEnv:        os.Getenv("APP_ENV"),
		FrontendURL:   os.Getenv("FRONTEND_URL"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPUser:      os.Getenv("SMTP_USER"),
		SMTPPass:      os.Getenv("SMTP_PASS"),
		SMTPFrom:      os.Getenv("SMTP_FROM"),
		ExecWorkDir:   os.Getenv("EXEC_WORK_DIR"),
		// 默认值
		RateLimitMax:      100,
		RateLimitWindow:   1 * time.Second,
		JWTExpiryHours:    24,
		ExecTimeout:       executor.DefaultTimeout,
		HeartbeatInterval: hub.DefaultHeartbeatInterval,
	}

	cfg.RedisDB, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	cfg.SMTPPort, _ = strconv.Atoi(os.Getenv("SMTP_PORT"))
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if v, err := strconv.Atoi(os.Getenv("EXEC_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.ExecTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("HEARTBEAT_INTERVAL_SECONDS")); err == nil && v > 0 {
		cfg.HeartbeatInterval = time.Duration(v) * time.Second
	}

	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.FrontendURL == "" {
		cfg.FrontendURL = "http://localhost:3000"
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Hub         *hub.Hub
	HttpServer  *http.Server

	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	log.Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database initialized and migrated")

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	log.Info("Asynq client initialized")

	// 4. 初始化 Repositories
	userRepo := gormpersistence.NewGormUserRepository(db)
	roomRepo := gormpersistence.NewGormRoomRepository(db)
	log.Info("Repositories initialized")

	// 5. 初始化 Services 与执行引擎
	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	roomService := service.NewRoomService(roomRepo, userRepo, asynqClient, cfg.FrontendURL)
	engine := executor.NewEngine(cfg.ExecWorkDir, cfg.ExecTimeout)
	log.Info("Services initialized")

	// 6. 初始化 Hub
	hubInstance := hub.NewHub(roomService, engine, asynqClient, cfg.HeartbeatInterval)
	log.Info("Hub initialized")

	// 7. 初始化 Handlers
	authHandler := httpHandler.NewAuthHandler(authService)
	roomHandler := httpHandler.NewRoomHandler(roomService)
	execHandler := httpHandler.NewExecutionHandler(engine)
	socketHandler := wsHandler.NewWebSocketHandler(hubInstance, authService)
	log.Info("Handlers initialized")

	// 8. 初始化邮件与 Worker Server
	var m mailer.Mailer
	if cfg.SMTPHost != "" {
		m = mailer.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	} else {
		log.Warn("SMTP_HOST not set, invite emails will be logged and dropped")
		m = mailer.NewNopMailer()
	}
	workerServer := worker.NewWorkerServer(redisClientOpt, roomRepo, m, log)
	log.Info("Worker server initialized")

	// 9. 初始化 Gin Engine 和路由
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(corsMiddleware(cfg.FrontendURL))
	router.Use(middleware.RateLimit(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow))

	api := router.Group("/api")
	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/login", authHandler.Login)
	}
	roomRoutes := api.Group("/rooms").Use(middleware.Auth(cfg.JWTSecret))
	{
		roomRoutes.POST("", roomHandler.CreateRoom)
		roomRoutes.POST("/join", roomHandler.JoinRoom)
		roomRoutes.GET("/:roomId", roomHandler.GetRoom)
		roomRoutes.POST("/:roomId/invite", roomHandler.Invite)
	}
	api.POST("/execute", middleware.Auth(cfg.JWTSecret), execHandler.Execute)
	// WebSocket 凭证走 ?token= 查询参数，升级前在 handler 内校验
	router.GET("/ws", socketHandler.HandleConnection)
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	log.Info("Router setup complete")

	// 10. 初始化 HTTP Server
	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	return &App{
		Config:         cfg,
		Log:            log,
		DB:             db,
		RedisClient:    redisClient,
		AsynqClient:    asynqClient,
		AsynqServer:    workerServer,
		Hub:            hubInstance,
		HttpServer:     httpServer,
		redisClientOpt: redisClientOpt,
	}, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()
	go a.AsynqServer.Start()
	a.registerPeriodicTasks()

	go func() {
		a.Log.Infof("HTTP server listening on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// registerPeriodicTasks 注册周期性的过期房间清理任务
func (a *App) registerPeriodicTasks() {
	a.scheduler = asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{})

	schedule := "@every 1h"
	entryID, err := a.scheduler.Register(schedule, tasks.NewRoomPurgeTask(), asynq.Queue("low"))
	if err != nil {
		a.Log.Errorf("Could not register periodic room purge task: %v", err)
	} else {
		a.Log.Infof("Periodic room purge task registered with schedule '%s' (EntryID: %s)", schedule, entryID)
	}

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := a.scheduler.Run(); err != nil {
			if !errors.Is(err, asynq.ErrServerClosed) {
				a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
			} else {
				a.Log.Info("Asynq scheduler stopped.")
			}
		}
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止 Hub 调度循环，连接随之注销
	if a.Hub != nil {
		a.Hub.Stop()
	}

	// 2. 停止周期任务与 Worker Server
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	// 3. 优雅关闭 HTTP 服务器
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 4. 关闭 Asynq Client 与 Redis 连接
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// corsMiddleware 设置跨域响应头，预检请求直接放行
func corsMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		if errorMessage != "" {
			entry.Error(errorMessage)
		} else if statusCode >= 500 {
			entry.Error("Server error")
		} else if statusCode >= 400 {
			entry.Warn("Client error")
		} else {
			entry.Info("Request handled")
		}
	}
}
