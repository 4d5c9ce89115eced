package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classcheck/internal/cache"
	"classcheck/internal/chat"
	"classcheck/internal/cloudinary"
	"classcheck/internal/config"
	"classcheck/internal/docstore"
	"classcheck/internal/httpmiddleware"
	"classcheck/internal/qrclient"
	"classcheck/internal/queue"
	"classcheck/internal/roster"
	"classcheck/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *store.Redis
	if cfg.CacheBackend == "redis" || cfg.QueueBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
	}

	docs, closeDocs, err := openDocstore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDocs()

	var cacheStore cache.Store
	if cfg.CacheBackend == "redis" {
		cacheStore = cache.NewRedis(redisClient.Client, cfg.CacheTTL)
	} else {
		cacheStore = cache.NewMemory()
	}
	guard := cache.NewGuard(cacheStore, cfg.CacheSizeLimit)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, "classcheck:writebacks")
	} else {
		mem := queue.NewInMemory(64)
		q = mem
		// nothing else drains the in-memory queue, so consume it here
		msgs, cerr := mem.Consume(ctx)
		if cerr != nil {
			return cerr
		}
		go roster.RunWritebacks(msgs, guard)
	}

	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	api := &apiServer{
		cfg:      cfg,
		docs:     docs,
		guard:    guard,
		q:        q,
		svc:      roster.NewService(docs),
		att:      roster.NewAttendance(docs),
		chats:    chat.NewService(docs),
		qr:       qrclient.New(cfg.QRServiceURL, cfg.QRSkip),
		cdn:      cdnClient,
		sessions: newSessionRegistry(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient == nil || redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy})
	})

	api.routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	api.sessions.teardownAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func openDocstore(ctx context.Context, cfg config.App) (docstore.Store, func(), error) {
	switch cfg.DocstoreBackend {
	case "firestore":
		fs, err := docstore.NewFirestore(ctx, cfg.FirestoreProject, cfg.FirebaseCredFile)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil
	case "postgres":
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg, err := docstore.NewPostgres(ctx, db.Client, cfg.PollInterval)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return pg, func() { _ = db.Close() }, nil
	default:
		log.Println("using in-memory document store (dev mode)")
		return docstore.NewMemory(), func() {}, nil
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
