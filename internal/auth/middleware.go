package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// TicketMiddleware 세션 티켓 인증 미들웨어
// Accepts the ticket as a Bearer header, the session cookie, or a
// `ticket` query parameter (browsers cannot set headers on a websocket
// upgrade).
func TicketMiddleware(tickets *TicketManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractTicket(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing session ticket",
			})
		}

		// 티켓 검증
		claims, err := tickets.Validate(token)
		if err != nil {
			if err == ErrExpiredTicket {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "ticket expired",
					"code":  "TICKET_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid ticket",
			})
		}

		// 사용자 정보를 컨텍스트에 저장
		c.Locals("userID", claims.UserID)
		c.Locals("displayName", claims.DisplayName)
		c.Locals("avatar", claims.Avatar)
		c.Locals("canvasID", claims.CanvasID)
		c.Locals("claims", claims)

		return c.Next()
	}
}

// OptionalTicketMiddleware 선택적 인증 미들웨어 (인증 실패해도 계속 진행)
func OptionalTicketMiddleware(tickets *TicketManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token := extractTicket(c); token != "" {
			claims, err := tickets.Validate(token)
			if err == nil {
				c.Locals("userID", claims.UserID)
				c.Locals("displayName", claims.DisplayName)
				c.Locals("avatar", claims.Avatar)
				c.Locals("canvasID", claims.CanvasID)
				c.Locals("claims", claims)
			}
		}

		return c.Next()
	}
}

func extractTicket(c *fiber.Ctx) string {
	// Authorization 헤더에서 토큰 추출
	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
		return ""
	}
	// 쿠키 또는 쿼리 파라미터 확인
	if token := c.Cookies("canvas_ticket"); token != "" {
		return token
	}
	return c.Query("ticket")
}
