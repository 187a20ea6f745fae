package model

import (
	"time"
)

// Viewport is the per-canvas camera: pan offset in screen pixels and
// zoom scale.
type Viewport struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

// Clamp repairs the viewport in place. Scale zero (an unset viewport)
// becomes 1.
func (v *Viewport) Clamp() {
	v.X = clampFinite(v.X, -MaxCoordinate, MaxCoordinate)
	v.Y = clampFinite(v.Y, -MaxCoordinate, MaxCoordinate)
	if v.Scale == 0 {
		v.Scale = 1
	}
	v.Scale = clampFinite(v.Scale, MinViewportScale, MaxViewportScale)
}

const (
	MinViewportScale = 0.05
	MaxViewportScale = 8
)

// Permissions 캔버스 접근 권한
type Permissions struct {
	OwnerID    string     `json:"ownerId"`
	AccessType AccessType `json:"accessType"`
	Password   string     `json:"password,omitempty"`
}

// CanvasMeta 캔버스 메타데이터 (구독 루트)
type CanvasMeta struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Viewport    Viewport    `json:"viewport"`
	Permissions Permissions `json:"permissions"`
	CreatedAt   int64       `json:"createdAt"`
	UpdatedAt   int64       `json:"updatedAt"`
}

// Canvas 캔버스 레지스트리 엔티티
type Canvas struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	Name          string     `gorm:"size:255;not null" json:"name"`
	OwnerID       string     `gorm:"size:64;not null;index" json:"ownerId"`
	AccessType    AccessType `gorm:"size:16;not null;default:private" json:"accessType"`
	Password      *string    `gorm:"size:128" json:"-"`
	ViewportX     float64    `gorm:"not null;default:0" json:"viewportX"`
	ViewportY     float64    `gorm:"not null;default:0" json:"viewportY"`
	ViewportScale float64    `gorm:"not null;default:1" json:"viewportScale"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName 테이블명 지정
func (Canvas) TableName() string {
	return "canvases"
}

// Meta converts the registry row into the wire form clients subscribe to.
func (c Canvas) Meta() CanvasMeta {
	password := ""
	if c.Password != nil {
		password = *c.Password
	}
	meta := CanvasMeta{
		ID:   c.ID,
		Name: c.Name,
		Viewport: Viewport{
			X:     c.ViewportX,
			Y:     c.ViewportY,
			Scale: c.ViewportScale,
		},
		Permissions: Permissions{
			OwnerID:    c.OwnerID,
			AccessType: c.AccessType,
			Password:   password,
		},
		CreatedAt: c.CreatedAt.UnixMilli(),
		UpdatedAt: c.UpdatedAt.UnixMilli(),
	}
	meta.Viewport.Clamp()
	return meta
}

// CanvasFromMeta builds a registry row from the wire form.
func CanvasFromMeta(m CanvasMeta) Canvas {
	var password *string
	if m.Permissions.Password != "" {
		p := m.Permissions.Password
		password = &p
	}
	v := m.Viewport
	v.Clamp()
	accessType := m.Permissions.AccessType
	if !accessType.Valid() {
		accessType = AccessPrivate
	}
	return Canvas{
		ID:            m.ID,
		Name:          m.Name,
		OwnerID:       m.Permissions.OwnerID,
		AccessType:    accessType,
		Password:      password,
		ViewportX:     v.X,
		ViewportY:     v.Y,
		ViewportScale: v.Scale,
	}
}
