package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrExpiredTicket = errors.New("ticket has expired")
)

// TicketClaims 세션 티켓 클레임
// A ticket admits one identity to one canvas; the websocket upgrade
// trusts nothing else.
type TicketClaims struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	CanvasID    string `json:"canvasId"`
	jwt.RegisteredClaims
}

// TicketManager 세션 티켓 관리자
type TicketManager struct {
	secretKey []byte
	expiry    time.Duration
}

// NewTicketManager TicketManager 생성
func NewTicketManager(secretKey string, expiry time.Duration) *TicketManager {
	return &TicketManager{
		secretKey: []byte(secretKey),
		expiry:    expiry,
	}
}

// Expiry 티켓 유효 기간
func (m *TicketManager) Expiry() time.Duration {
	return m.expiry
}

// Issue 캔버스 입장 티켓 발급
func (m *TicketManager) Issue(userID, displayName, avatar, canvasID string) (string, error) {
	claims := &TicketClaims{
		UserID:      userID,
		DisplayName: displayName,
		Avatar:      avatar,
		CanvasID:    canvasID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "canvas-sync",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Validate 티켓 검증
func (m *TicketManager) Validate(tokenString string) (*TicketClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidTicket
		}
		return m.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredTicket
		}
		return nil, ErrInvalidTicket
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidTicket
	}

	return claims, nil
}

// ValidateForCanvas 티켓 검증 후 캔버스 일치 확인
func (m *TicketManager) ValidateForCanvas(tokenString, canvasID string) (*TicketClaims, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.CanvasID != canvasID {
		return nil, ErrInvalidTicket
	}
	return claims, nil
}
