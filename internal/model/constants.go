package model

// ShapeKind 도형 종류
type ShapeKind string

const (
	KindRectangle ShapeKind = "rectangle"
	KindCircle    ShapeKind = "circle"
	KindEllipse   ShapeKind = "ellipse"
	KindLine      ShapeKind = "line"
	KindArrow     ShapeKind = "arrow"
	KindPolygon   ShapeKind = "polygon"
	KindStar      ShapeKind = "star"
	KindText      ShapeKind = "text"
	KindImage     ShapeKind = "image"
	KindDiagram   ShapeKind = "diagram"
)

// String 메서드
func (k ShapeKind) String() string {
	return string(k)
}

// Kinds returns every shape kind in a fixed order.
func Kinds() []ShapeKind {
	return []ShapeKind{
		KindRectangle, KindCircle, KindEllipse, KindLine, KindArrow,
		KindPolygon, KindStar, KindText, KindImage, KindDiagram,
	}
}

// BlendMode 합성 모드
type BlendMode string

const (
	BlendNormal   BlendMode = "normal"
	BlendMultiply BlendMode = "multiply"
	BlendScreen   BlendMode = "screen"
	BlendOverlay  BlendMode = "overlay"
	BlendDarken   BlendMode = "darken"
	BlendLighten  BlendMode = "lighten"
)

func (b BlendMode) String() string {
	return string(b)
}

// Valid reports whether the blend mode is one of the supported set.
func (b BlendMode) Valid() bool {
	switch b {
	case BlendNormal, BlendMultiply, BlendScreen, BlendOverlay, BlendDarken, BlendLighten:
		return true
	}
	return false
}

// AccessType 캔버스 공개 범위
type AccessType string

const (
	AccessPrivate AccessType = "private"
	AccessLink    AccessType = "link"
	AccessPublic  AccessType = "public"
)

func (a AccessType) String() string {
	return string(a)
}

// Valid reports whether the access type is one of the supported set.
func (a AccessType) Valid() bool {
	switch a {
	case AccessPrivate, AccessLink, AccessPublic:
		return true
	}
	return false
}

// Sanitization bounds. Out-of-range input is clamped at the write
// boundary, never rejected.
const (
	MaxCoordinate  = 1e6
	MaxStrokeWidth = 100
	MaxZIndex      = 1 << 20
	MinDimension   = 1
	MaxTextRunes   = 5000

	DefaultFill       = "#cccccc"
	DefaultStroke     = "#333333"
	DefaultFontFamily = "Inter"
)

// DuplicateOffset is the x/y displacement applied to duplicated shapes.
const DuplicateOffset = 20
