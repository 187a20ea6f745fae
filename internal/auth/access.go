package auth

import (
	"crypto/subtle"
	"errors"

	"canvas-sync/internal/model"
)

var (
	ErrAccessDenied     = errors.New("access denied")
	ErrPasswordRequired = errors.New("canvas password required")
	ErrWrongPassword    = errors.New("wrong canvas password")
)

// CheckAccess 캔버스 입장 권한 확인
// The owner always gets in. Public canvases admit anyone; link
// canvases admit anyone holding the id, gated by the canvas password
// when one is set; private canvases admit the owner only.
func CheckAccess(meta model.CanvasMeta, userID, password string) error {
	perms := meta.Permissions
	if userID != "" && userID == perms.OwnerID {
		return nil
	}

	switch perms.AccessType {
	case model.AccessPublic:
		return nil
	case model.AccessLink:
		if perms.Password == "" {
			return nil
		}
		if password == "" {
			return ErrPasswordRequired
		}
		if subtle.ConstantTimeCompare([]byte(password), []byte(perms.Password)) != 1 {
			return ErrWrongPassword
		}
		return nil
	default:
		// 비공개 캔버스
		return ErrAccessDenied
	}
}
