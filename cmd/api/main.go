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

	"qrollcall/internal/attendance"
	"qrollcall/internal/auth"
	"qrollcall/internal/config"
	"qrollcall/internal/handler"
	"qrollcall/internal/httpmiddleware"
	"qrollcall/internal/queue"
	"qrollcall/internal/session"
	"qrollcall/internal/store"
	"qrollcall/internal/users"
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
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrollcall:marks")
	}

	userRepo := users.NewRepository(db.Client)
	userSvc := users.NewService(userRepo)
	sessionRepo := session.NewRepository(db.Client)
	sessionSvc := session.NewService(sessionRepo, cfg.QRValidity, cfg.DefaultCapacity, cfg.MaxCapacity)
	ledger := attendance.NewRepository(db.Client)
	recorder := attendance.NewService(sessionRepo, ledger, userRepo, cfg.QRValidity)

	h := handler.New(cfg, userSvc, userRepo, sessionSvc, recorder, ledger, q)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil && db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	api := r.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.POST("/register", h.Register)
	authRoutes.POST("/login", h.Login)
	authRoutes.POST("/refresh", h.Refresh)
	authRoutes.GET("/me", auth.RequireAuth(cfg.JWTSigningKey, cfg.JWTIssuer), h.Me)

	qrRoutes := api.Group("/qr", auth.RequireAuth(cfg.JWTSigningKey, cfg.JWTIssuer),
		auth.RequireRole(users.RoleTeacher, users.RoleAdmin))
	qrRoutes.POST("/generate", h.GenerateQR)
	qrRoutes.GET("/active", h.ActiveSessions)
	qrRoutes.PUT("/:id/deactivate", h.DeactivateSession)
	qrRoutes.GET("/stats", h.SessionStats)

	attRoutes := api.Group("/attendance", auth.RequireAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	attRoutes.POST("/mark", auth.RequireRole(users.RoleStudent), h.MarkAttendance)
	attRoutes.GET("/student", auth.RequireRole(users.RoleStudent), h.StudentHistory)
	attRoutes.GET("/teacher", auth.RequireRole(users.RoleTeacher, users.RoleAdmin), h.TeacherHistory)
	attRoutes.GET("/stats", h.AttendanceStats)

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

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
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

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
