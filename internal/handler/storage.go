package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"canvas-sync/internal/storage"
)

// AssetHandler 이미지 에셋 업로드 핸들러. 티켓 인증 뒤에 선다.
type AssetHandler struct {
	s3 *storage.S3Service
}

// NewAssetHandler AssetHandler 생성
func NewAssetHandler(s3 *storage.S3Service) *AssetHandler {
	return &AssetHandler{s3: s3}
}

// 이미지 도형 소스로 허용하는 타입
var allowedImageTypes = map[string]bool{
	"image/png":     true,
	"image/jpeg":    true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

// PresignUploadRequest Presigned URL 요청
type PresignUploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

// PresignUpload 업로드용 Presigned URL 생성
func (h *AssetHandler) PresignUpload(c *fiber.Ctx) error {
	if h.s3 == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "asset storage is not configured",
		})
	}

	canvasID, _ := c.Locals("canvasID").(string)
	if canvasID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "ticket required",
		})
	}

	var req PresignUploadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.FileName == "" || req.ContentType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "fileName and contentType are required",
		})
	}

	if !allowedImageTypes[req.ContentType] {
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "only image uploads are allowed",
		})
	}

	presigned, err := h.s3.GenerateUploadURL(canvasID, req.FileName, req.ContentType)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate presigned URL",
		})
	}

	return c.JSON(fiber.Map{
		"uploadUrl": presigned.URL,
		"key":       presigned.Key,
		"publicUrl": h.s3.GetPublicURL(presigned.Key),
		"expiresAt": presigned.ExpiresAt,
	})
}

// GetAssetURL 다운로드용 Presigned URL 생성
func (h *AssetHandler) GetAssetURL(c *fiber.Ctx) error {
	if h.s3 == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "asset storage is not configured",
		})
	}

	canvasID, _ := c.Locals("canvasID").(string)
	key := c.Query("key")

	// 티켓이 가리키는 캔버스의 에셋만 내준다.
	if key == "" || !strings.HasPrefix(key, "canvases/"+canvasID+"/") {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "key does not belong to this canvas",
		})
	}

	url, err := h.s3.GetFileURL(key)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate download URL",
		})
	}

	return c.JSON(fiber.Map{"url": url})
}

// DeleteAsset 에셋 삭제
func (h *AssetHandler) DeleteAsset(c *fiber.Ctx) error {
	if h.s3 == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "asset storage is not configured",
		})
	}

	canvasID, _ := c.Locals("canvasID").(string)
	key := c.Query("key")

	if key == "" || !strings.HasPrefix(key, "canvases/"+canvasID+"/") {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "key does not belong to this canvas",
		})
	}

	if err := h.s3.DeleteFile(key); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to delete asset",
		})
	}

	return c.JSON(fiber.Map{"message": "asset deleted"})
}
