package handler

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"canvas-sync/internal/auth"
	appconfig "canvas-sync/internal/config"
	"canvas-sync/internal/storage"
)

// Presign 서명은 로컬 연산이므로 가짜 자격 증명으로도 전체 흐름을
// 네트워크 없이 돌려볼 수 있다.
func newAssetTestApp(t *testing.T, s3 *storage.S3Service) (*fiber.App, *auth.TicketManager) {
	t.Helper()
	tickets := auth.NewTicketManager("test-secret", time.Hour)
	h := NewAssetHandler(s3)

	app := fiber.New(fiber.Config{
		StrictRouting: true,
		CaseSensitive: true,
	})
	grp := app.Group("/api/assets", auth.TicketMiddleware(tickets))
	grp.Post("/presign", h.PresignUpload)
	grp.Get("/url", h.GetAssetURL)
	grp.Delete("/", h.DeleteAsset)
	return app, tickets
}

func newOfflineS3(t *testing.T) *storage.S3Service {
	t.Helper()
	svc, err := storage.NewS3Service(&appconfig.S3Config{
		Region:          "us-east-1",
		BucketName:      "asset-test-bucket",
		AccessKeyID:     "AKIATESTFAKEKEY",
		SecretAccessKey: "test-secret-key",
		PresignExpiry:   15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewS3Service: %v", err)
	}
	return svc
}

func assetTicket(t *testing.T, tickets *auth.TicketManager, canvasID string) string {
	t.Helper()
	token, err := tickets.Issue("alice", "Alice", "", canvasID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func TestAssetRoutesRequireTicket(t *testing.T) {
	app, _ := newAssetTestApp(t, newOfflineS3(t))

	resp := request(t, app, fiber.MethodPost, "/api/assets/presign",
		map[string]string{"fileName": "a.png", "contentType": "image/png"})
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a ticket", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPresignUploadFlow(t *testing.T) {
	app, tickets := newAssetTestApp(t, newOfflineS3(t))
	token := assetTicket(t, tickets, "canvas-1")

	body, _ := json.Marshal(map[string]string{"fileName": "photo.PNG", "contentType": "image/png"})
	req := httptest.NewRequest(fiber.MethodPost, "/api/assets/presign", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("presign request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		UploadURL string `json:"uploadUrl"`
		Key       string `json:"key"`
		PublicURL string `json:"publicUrl"`
	}
	decode(t, resp, &out)

	if !strings.HasPrefix(out.Key, "canvases/canvas-1/assets/") {
		t.Fatalf("key = %s", out.Key)
	}
	if !strings.HasSuffix(out.Key, ".png") {
		t.Fatalf("key %s does not keep the lowered extension", out.Key)
	}
	if !strings.Contains(out.UploadURL, "X-Amz-Signature") {
		t.Fatalf("uploadUrl is not presigned: %s", out.UploadURL)
	}
	if !strings.Contains(out.UploadURL, "asset-test-bucket") {
		t.Fatalf("uploadUrl misses the bucket: %s", out.UploadURL)
	}
	want := "https://asset-test-bucket.s3.us-east-1.amazonaws.com/" + out.Key
	if out.PublicURL != want {
		t.Fatalf("publicUrl = %s, want %s", out.PublicURL, want)
	}
}

func TestPresignRejectsNonImage(t *testing.T) {
	app, tickets := newAssetTestApp(t, newOfflineS3(t))
	token := assetTicket(t, tickets, "canvas-1")

	resp := request(t, app, fiber.MethodPost, "/api/assets/presign?ticket="+token,
		map[string]string{"fileName": "doc.pdf", "contentType": "application/pdf"})
	if resp.StatusCode != fiber.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPresignValidation(t *testing.T) {
	app, tickets := newAssetTestApp(t, newOfflineS3(t))
	token := assetTicket(t, tickets, "canvas-1")

	resp := request(t, app, fiber.MethodPost, "/api/assets/presign?ticket="+token,
		map[string]string{"contentType": "image/png"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without fileName", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPresignUnconfigured(t *testing.T) {
	app, tickets := newAssetTestApp(t, nil)
	token := assetTicket(t, tickets, "canvas-1")

	resp := request(t, app, fiber.MethodPost, "/api/assets/presign?ticket="+token,
		map[string]string{"fileName": "a.png", "contentType": "image/png"})
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without storage", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAssetKeyScopedToTicketCanvas(t *testing.T) {
	app, tickets := newAssetTestApp(t, newOfflineS3(t))
	token := assetTicket(t, tickets, "canvas-1")

	resp := request(t, app, fiber.MethodGet,
		"/api/assets/url?ticket="+token+"&key=canvases/other-canvas/assets/x.png", nil)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("foreign key: status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = request(t, app, fiber.MethodDelete,
		"/api/assets/?ticket="+token+"&key=canvases/other-canvas/assets/x.png", nil)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("foreign delete: status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = request(t, app, fiber.MethodGet,
		"/api/assets/url?ticket="+token+"&key=canvases/canvas-1/assets/x.png", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("own key: status = %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	decode(t, resp, &out)
	if !strings.Contains(out.URL, "X-Amz-Signature") {
		t.Fatalf("download url is not presigned: %s", out.URL)
	}
}
