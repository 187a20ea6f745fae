package handler

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gofiber/fiber/v2"

	"canvas-sync/internal/store"
)

// HealthHandler 헬스체크 핸들러
type HealthHandler struct {
	stores store.Stores
	db     *gorm.DB
}

// NewHealthHandler HealthHandler 생성. db는 Postgres 레지스트리 미사용 시 nil.
func NewHealthHandler(stores store.Stores, db *gorm.DB) *HealthHandler {
	return &HealthHandler{stores: stores, db: db}
}

// ComponentCheck 컴포넌트 상태
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse 헬스체크 응답
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

// Check 전체 상태 확인 (스토어 + DB)
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	// 1. 레지스트리 왕복 체크. 없는 id 조회가 ErrNotFound로 돌아오면 정상.
	storeStart := time.Now()
	if err := h.probeRegistry(c); err != nil {
		response.Status = "unhealthy"
		response.Checks["store"] = ComponentCheck{
			Status: "unhealthy",
			Error:  err.Error(),
		}
	} else {
		response.Checks["store"] = ComponentCheck{
			Status:  "healthy",
			Latency: time.Since(storeStart).String(),
		}
	}

	// 2. Postgres 체크
	if h.db != nil {
		dbStart := time.Now()
		sqlDB, err := h.db.DB()
		if err != nil {
			response.Status = "unhealthy"
			response.Checks["database"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "failed to get database connection",
			}
		} else if err := sqlDB.Ping(); err != nil {
			response.Status = "unhealthy"
			response.Checks["database"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "database ping failed",
			}
		} else {
			response.Checks["database"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(dbStart).String(),
			}
		}
	} else {
		response.Checks["database"] = ComponentCheck{
			Status: "not_configured",
		}
	}

	statusCode := fiber.StatusOK
	if response.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(response)
}

// Liveness K8s liveness probe용 (단순 체크)
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Readiness K8s readiness probe용 (스토어 왕복 체크)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	if err := h.probeRegistry(c); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
	}
	return c.SendString("READY")
}

func (h *HealthHandler) probeRegistry(c *fiber.Ctx) error {
	_, err := h.stores.Meta.GetCanvas(c.Context(), "health-probe-"+uuid.New().String())
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
