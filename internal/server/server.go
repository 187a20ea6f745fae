package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"canvas-sync/internal/auth"
	"canvas-sync/internal/config"
	"canvas-sync/internal/database"
	"canvas-sync/internal/handler"
	"canvas-sync/internal/storage"
	"canvas-sync/internal/store"
)

// Server Fiber 서버 래퍼
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	db      *gorm.DB
	stores  store.Stores
	tickets *auth.TicketManager

	canvasHandler *handler.CanvasHandler
	assetHandler  *handler.AssetHandler
	healthHandler *handler.HealthHandler
	wsHandler     *handler.CanvasWSHandler
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:               "Canvas Sync Gateway",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384, // 16KB - 큰 헤더 허용
		WriteBufferSize:       16384,
		BodyLimit:             10 * 1024 * 1024, // 10MB
		DisableStartupMessage: false,
	})

	stores, db, err := buildStores(cfg)
	if err != nil {
		return nil, err
	}

	tickets := auth.NewTicketManager(cfg.Auth.TicketSecret, cfg.Auth.TicketExpiry)

	// S3 에셋 서비스 초기화 (선택적)
	var s3Service *storage.S3Service
	if cfg.S3.BucketName != "" && cfg.S3.AccessKeyID != "" {
		s3Service, err = storage.NewS3Service(&cfg.S3)
		if err != nil {
			log.Printf("⚠️ S3 service initialization failed: %v (image upload will be disabled)", err)
			s3Service = nil
		} else {
			log.Printf("✅ S3 service initialized (bucket: %s)", cfg.S3.BucketName)
		}
	} else {
		log.Println("ℹ️ S3 service not configured (image upload will be disabled)")
	}

	return &Server{
		app:           app,
		cfg:           cfg,
		db:            db,
		stores:        stores,
		tickets:       tickets,
		canvasHandler: handler.NewCanvasHandler(stores.Meta, tickets),
		assetHandler:  handler.NewAssetHandler(s3Service),
		healthHandler: handler.NewHealthHandler(stores, db),
		wsHandler:     handler.NewCanvasWSHandler(stores, cfg),
	}, nil
}

// buildStores 설정에 따라 스토어 어댑터 조립
func buildStores(cfg *config.Config) (store.Stores, *gorm.DB, error) {
	var stores store.Stores

	switch cfg.Store.Backend {
	case "redis":
		r, err := store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PresenceTTL)
		if err != nil {
			return stores, nil, fmt.Errorf("connect redis: %w", err)
		}
		stores = store.Stores{Objects: r, Presence: r, Meta: r}
		log.Printf("✅ Store backend: redis (%s)", cfg.Redis.Addr)

	case "firestore":
		f, err := store.NewFirestore(context.Background(), cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile)
		if err != nil {
			return stores, nil, fmt.Errorf("connect firestore: %w", err)
		}
		stores = store.Stores{Objects: f, Presence: f, Meta: f}
		log.Printf("✅ Store backend: firestore (%s)", cfg.Firestore.ProjectID)

	case "memory", "":
		m := store.NewMemory()
		stores = store.Stores{Objects: m, Presence: m, Meta: m}
		log.Println("ℹ️ Store backend: memory (single process, no persistence)")

	default:
		return stores, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	// 도형 쓰기 경로에 재시도 데코레이터
	stores.Objects = store.NewRetryingObjectStore(stores.Objects, store.RetryPolicy{
		Attempts:  cfg.Store.RetryCount,
		BaseDelay: cfg.Store.RetryBackoff,
		Factor:    2,
	})

	// Postgres 레지스트리 (선택적)
	var db *gorm.DB
	if cfg.Store.MetaBackend == "postgres" {
		gdb, err := database.Connect(cfg.Database)
		if err != nil {
			return stores, nil, fmt.Errorf("connect postgres: %w", err)
		}
		db = gdb
		stores.Meta = store.NewPostgresMeta(gdb)
		log.Printf("✅ Canvas registry: postgres (%s/%s)", cfg.Database.Host, cfg.Database.Name)
	}

	return stores, db, nil
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Asia/Seoul",
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Prometheus 메트릭 (선택적 BasicAuth)
	if s.cfg.Metrics.Enabled {
		metricsHandler := adaptor.HTTPHandler(promhttp.Handler())
		if s.cfg.Metrics.User != "" {
			s.app.Get("/metrics", basicauth.New(basicauth.Config{
				Users: map[string]string{s.cfg.Metrics.User: s.cfg.Metrics.Password},
			}), metricsHandler)
		} else {
			s.app.Get("/metrics", metricsHandler)
		}
	}

	// Rate Limiter 설정 (입장/업로드 엔드포인트용 - Brute Force 방지)
	joinLimiter := limiter.New(limiter.Config{
		Max:        10,              // 최대 10회
		Expiration: 1 * time.Minute, // 1분당
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() // IP 기반 제한
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	// Canvas 라우트 그룹
	canvasGroup := s.app.Group("/api/canvases")
	canvasGroup.Post("/", s.canvasHandler.CreateCanvas)
	canvasGroup.Get("/", s.canvasHandler.ListCanvases)
	canvasGroup.Get("/:id", s.canvasHandler.GetCanvas)
	canvasGroup.Put("/:id/viewport", s.canvasHandler.UpdateViewport)
	canvasGroup.Put("/:id/permissions", s.canvasHandler.UpdatePermissions)
	canvasGroup.Delete("/:id", s.canvasHandler.DeleteCanvas)
	canvasGroup.Post("/:id/join", joinLimiter, s.canvasHandler.JoinCanvas)

	// Asset 라우트 그룹 (티켓 인증)
	assetGroup := s.app.Group("/api/assets", auth.TicketMiddleware(s.tickets))
	assetGroup.Post("/presign", joinLimiter, s.assetHandler.PresignUpload)
	assetGroup.Get("/url", s.assetHandler.GetAssetURL)
	assetGroup.Delete("/", s.assetHandler.DeleteAsset)

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket 캔버스 동기화 엔드포인트
	s.app.Get("/ws/canvas/:id", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		// 브라우저는 업그레이드 요청에 헤더를 못 실으므로 쿼리 우선
		token := c.Query("ticket")
		if token == "" {
			token = c.Cookies("canvas_ticket")
		}
		if token == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.tickets.ValidateForCanvas(token, c.Params("id"))
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		c.Locals("userId", claims.UserID)
		c.Locals("displayName", claims.DisplayName)
		c.Locals("avatar", claims.Avatar)
		c.Locals("canvasId", claims.CanvasID)

		return c.Next()
	}, websocket.New(s.wsHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Canvas Sync Gateway starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/canvas/:id", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료
func (s *Server) Shutdown() error {
	err := s.app.ShutdownWithTimeout(30 * time.Second)
	if s.db != nil {
		if cerr := database.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// App 테스트용 Fiber 앱 접근자
func (s *Server) App() *fiber.App {
	return s.app
}
