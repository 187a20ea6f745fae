package handler

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"canvas-sync/internal/auth"
	"canvas-sync/internal/model"
	"canvas-sync/internal/store"
)

// CanvasHandler 캔버스 레지스트리 REST 핸들러
type CanvasHandler struct {
	meta    store.MetaStore
	tickets *auth.TicketManager
}

// NewCanvasHandler CanvasHandler 생성
func NewCanvasHandler(meta store.MetaStore, tickets *auth.TicketManager) *CanvasHandler {
	return &CanvasHandler{meta: meta, tickets: tickets}
}

// CanvasResponse 캔버스 응답. 비밀번호는 절대 내보내지 않는다.
type CanvasResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	OwnerID     string           `json:"ownerId"`
	AccessType  model.AccessType `json:"accessType"`
	HasPassword bool             `json:"hasPassword"`
	Viewport    model.Viewport   `json:"viewport"`
	CreatedAt   int64            `json:"createdAt"`
	UpdatedAt   int64            `json:"updatedAt"`
}

func toCanvasResponse(meta model.CanvasMeta) CanvasResponse {
	return CanvasResponse{
		ID:          meta.ID,
		Name:        meta.Name,
		OwnerID:     meta.Permissions.OwnerID,
		AccessType:  meta.Permissions.AccessType,
		HasPassword: meta.Permissions.Password != "",
		Viewport:    meta.Viewport,
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,
	}
}

// CreateCanvasRequest 캔버스 생성 요청
type CreateCanvasRequest struct {
	Name       string           `json:"name"`
	OwnerID    string           `json:"ownerId"`
	AccessType model.AccessType `json:"accessType,omitempty"`
	Password   string           `json:"password,omitempty"`
	Viewport   *model.Viewport  `json:"viewport,omitempty"`
}

// CreateCanvas 캔버스 생성
func (h *CanvasHandler) CreateCanvas(c *fiber.Ctx) error {
	var req CreateCanvasRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.OwnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name and ownerId are required",
		})
	}
	if len(req.Name) > 255 {
		req.Name = req.Name[:255]
	}

	meta := model.CanvasMeta{
		Name: req.Name,
		Permissions: model.Permissions{
			OwnerID:    req.OwnerID,
			AccessType: req.AccessType,
			Password:   req.Password,
		},
	}
	if req.Viewport != nil {
		meta.Viewport = *req.Viewport
	}

	created, err := h.meta.CreateCanvas(c.Context(), meta)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create canvas",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(toCanvasResponse(created))
}

// ListCanvases 소유자의 캔버스 목록
func (h *CanvasHandler) ListCanvases(c *fiber.Ctx) error {
	ownerID := c.Query("ownerId")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "ownerId query parameter is required",
		})
	}

	list, err := h.meta.ListCanvases(c.Context(), ownerID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list canvases",
		})
	}

	out := make([]CanvasResponse, 0, len(list))
	for _, meta := range list {
		out = append(out, toCanvasResponse(meta))
	}

	return c.JSON(fiber.Map{
		"canvases": out,
		"total":    len(out),
	})
}

// GetCanvas 캔버스 조회
func (h *CanvasHandler) GetCanvas(c *fiber.Ctx) error {
	meta, err := h.meta.GetCanvas(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "canvas not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get canvas",
		})
	}

	return c.JSON(toCanvasResponse(meta))
}

// UpdateViewport 공유 뷰포트 저장
func (h *CanvasHandler) UpdateViewport(c *fiber.Ctx) error {
	var v model.Viewport
	if err := c.BodyParser(&v); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	err := h.meta.SaveViewport(c.Context(), c.Params("id"), v)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "canvas not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to save viewport",
		})
	}

	return c.JSON(fiber.Map{"message": "viewport saved"})
}

// UpdatePermissionsRequest 권한 변경 요청
type UpdatePermissionsRequest struct {
	ActorID    string           `json:"actorId"`
	OwnerID    string           `json:"ownerId,omitempty"`
	AccessType model.AccessType `json:"accessType,omitempty"`
	Password   string           `json:"password,omitempty"`
}

// UpdatePermissions 접근 권한 변경 (소유자 전용)
func (h *CanvasHandler) UpdatePermissions(c *fiber.Ctx) error {
	var req UpdatePermissionsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.ActorID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "actorId is required",
		})
	}

	perms := model.Permissions{
		OwnerID:    req.OwnerID,
		AccessType: req.AccessType,
		Password:   req.Password,
	}

	err := h.meta.SavePermissions(c.Context(), c.Params("id"), req.ActorID, perms)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "canvas not found",
		})
	case errors.Is(err, store.ErrPermissionDenied):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "only the owner can change permissions",
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to save permissions",
		})
	}

	return c.JSON(fiber.Map{"message": "permissions saved"})
}

// DeleteCanvas 캔버스 삭제 (소유자 전용)
func (h *CanvasHandler) DeleteCanvas(c *fiber.Ctx) error {
	actorID := c.Query("actorId")
	if actorID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "actorId query parameter is required",
		})
	}

	err := h.meta.DeleteCanvas(c.Context(), c.Params("id"), actorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "canvas not found",
		})
	case errors.Is(err, store.ErrPermissionDenied):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "only the owner can delete the canvas",
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to delete canvas",
		})
	}

	return c.JSON(fiber.Map{"message": "canvas deleted"})
}

// JoinCanvasRequest 캔버스 입장 요청
type JoinCanvasRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Password    string `json:"password,omitempty"`
}

// JoinCanvas 접근 검사 후 세션 티켓 발급
func (h *CanvasHandler) JoinCanvas(c *fiber.Ctx) error {
	var req JoinCanvasRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "userId is required",
		})
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	canvasID := c.Params("id")
	meta, err := h.meta.GetCanvas(c.Context(), canvasID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "canvas not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get canvas",
		})
	}

	switch err := auth.CheckAccess(meta, req.UserID, req.Password); {
	case errors.Is(err, auth.ErrPasswordRequired):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "password required",
			"code":  "PASSWORD_REQUIRED",
		})
	case errors.Is(err, auth.ErrWrongPassword):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "wrong password",
			"code":  "WRONG_PASSWORD",
		})
	case err != nil:
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "access denied",
		})
	}

	ticket, err := h.tickets.Issue(req.UserID, req.DisplayName, req.Avatar, canvasID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to issue ticket",
		})
	}

	return c.JSON(fiber.Map{
		"ticket":    ticket,
		"expiresAt": time.Now().Add(h.tickets.Expiry()).Format(time.RFC3339),
		"canvas":    toCanvasResponse(meta),
	})
}
