package model

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"unicode/utf8"
)

// Geometry is the variant payload of a Shape. Exactly one concrete
// geometry type exists per ShapeKind, so a switch over the concrete
// type (with a default that fails) covers every variant.
type Geometry interface {
	Kind() ShapeKind
}

// RectangleGeometry 사각형
type RectangleGeometry struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (RectangleGeometry) Kind() ShapeKind { return KindRectangle }

// CircleGeometry 원
type CircleGeometry struct {
	Radius float64 `json:"radius"`
}

func (CircleGeometry) Kind() ShapeKind { return KindCircle }

// EllipseGeometry 타원
type EllipseGeometry struct {
	RadiusX float64 `json:"radiusX"`
	RadiusY float64 `json:"radiusY"`
}

func (EllipseGeometry) Kind() ShapeKind { return KindEllipse }

// LineGeometry holds the second endpoint in absolute canvas coordinates.
type LineGeometry struct {
	EndX float64 `json:"endX"`
	EndY float64 `json:"endY"`
}

func (LineGeometry) Kind() ShapeKind { return KindLine }

// ArrowGeometry holds the head endpoint in absolute canvas coordinates.
type ArrowGeometry struct {
	EndX float64 `json:"endX"`
	EndY float64 `json:"endY"`
}

func (ArrowGeometry) Kind() ShapeKind { return KindArrow }

// PolygonGeometry is a regular polygon; six sides renders the default hexagon.
type PolygonGeometry struct {
	Radius float64 `json:"radius"`
	Sides  int     `json:"sides"`
	ScaleX float64 `json:"scaleX"`
	ScaleY float64 `json:"scaleY"`
}

func (PolygonGeometry) Kind() ShapeKind { return KindPolygon }

// StarGeometry 별
type StarGeometry struct {
	InnerRadius float64 `json:"innerRadius"`
	OuterRadius float64 `json:"outerRadius"`
	Points      int     `json:"points"`
	ScaleX      float64 `json:"scaleX"`
	ScaleY      float64 `json:"scaleY"`
}

func (StarGeometry) Kind() ShapeKind { return KindStar }

// TextGeometry 텍스트
type TextGeometry struct {
	Text       string  `json:"text"`
	FontSize   float64 `json:"fontSize"`
	FontFamily string  `json:"fontFamily"`
	Width      float64 `json:"width"`
	ScaleX     float64 `json:"scaleX"`
	ScaleY     float64 `json:"scaleY"`
}

func (TextGeometry) Kind() ShapeKind { return KindText }

// ImageGeometry references an uploaded asset by URL.
type ImageGeometry struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Src    string  `json:"src"`
}

func (ImageGeometry) Kind() ShapeKind { return KindImage }

// DiagramGeometry embeds a rendered diagram; Source is the diagram
// definition text, not an asset URL.
type DiagramGeometry struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Source string  `json:"source"`
}

func (DiagramGeometry) Kind() ShapeKind { return KindDiagram }

// Shape is one canvas object. Fields shared by every kind live on the
// struct; kind-specific fields live in Geometry. On the wire the two are
// flattened into a single document discriminated by "kind".
type Shape struct {
	ID          string
	X           float64
	Y           float64
	Rotation    float64
	ZIndex      int
	Opacity     float64
	Fill        string
	Stroke      string
	StrokeWidth float64
	BlendMode   BlendMode
	CreatedAt   int64
	CreatedBy   string
	UpdatedAt   int64
	UpdatedBy   string
	Geometry    Geometry
}

// Kind returns the variant tag, or empty when no geometry is attached.
func (s Shape) Kind() ShapeKind {
	if s.Geometry == nil {
		return ""
	}
	return s.Geometry.Kind()
}

// shapeHeader decodes the shared fields of the flat wire document.
type shapeHeader struct {
	ID          string    `json:"id"`
	Kind        ShapeKind `json:"kind"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Rotation    float64   `json:"rotation"`
	ZIndex      int       `json:"zIndex"`
	Opacity     *float64  `json:"opacity"`
	Fill        string    `json:"fill"`
	Stroke      string    `json:"stroke"`
	StrokeWidth float64   `json:"strokeWidth"`
	BlendMode   BlendMode `json:"blendMode"`
	CreatedAt   int64     `json:"createdAt"`
	CreatedBy   string    `json:"createdBy"`
	UpdatedAt   int64     `json:"updatedAt"`
	UpdatedBy   string    `json:"updatedBy"`
}

// MarshalJSON flattens the shape into one document: shared fields plus
// the geometry fields of its kind, discriminated by "kind".
func (s Shape) MarshalJSON() ([]byte, error) {
	if s.Geometry == nil {
		return nil, fmt.Errorf("shape %s: missing geometry", s.ID)
	}
	doc := map[string]any{
		"id":          s.ID,
		"kind":        s.Geometry.Kind(),
		"x":           s.X,
		"y":           s.Y,
		"rotation":    s.Rotation,
		"zIndex":      s.ZIndex,
		"opacity":     s.Opacity,
		"fill":        s.Fill,
		"stroke":      s.Stroke,
		"strokeWidth": s.StrokeWidth,
		"blendMode":   s.BlendMode,
		"createdAt":   s.CreatedAt,
		"createdBy":   s.CreatedBy,
		"updatedAt":   s.UpdatedAt,
		"updatedBy":   s.UpdatedBy,
	}
	gb, err := json.Marshal(s.Geometry)
	if err != nil {
		return nil, fmt.Errorf("shape %s: encode geometry: %w", s.ID, err)
	}
	var gm map[string]any
	if err := json.Unmarshal(gb, &gm); err != nil {
		return nil, fmt.Errorf("shape %s: flatten geometry: %w", s.ID, err)
	}
	for k, v := range gm {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the flat wire document, selecting the geometry
// variant by "kind". Unknown kinds fail decoding.
func (s *Shape) UnmarshalJSON(b []byte) error {
	var h shapeHeader
	if err := json.Unmarshal(b, &h); err != nil {
		return err
	}

	var g Geometry
	switch h.Kind {
	case KindRectangle:
		var v RectangleGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindCircle:
		var v CircleGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindEllipse:
		var v EllipseGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindLine:
		var v LineGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindArrow:
		var v ArrowGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindPolygon:
		var v PolygonGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindStar:
		var v StarGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindText:
		var v TextGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindImage:
		var v ImageGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	case KindDiagram:
		var v DiagramGeometry
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		g = v
	default:
		return fmt.Errorf("shape %s: unknown kind %q", h.ID, h.Kind)
	}

	opacity := 1.0
	if h.Opacity != nil {
		opacity = *h.Opacity
	}
	*s = Shape{
		ID:          h.ID,
		X:           h.X,
		Y:           h.Y,
		Rotation:    h.Rotation,
		ZIndex:      h.ZIndex,
		Opacity:     opacity,
		Fill:        h.Fill,
		Stroke:      h.Stroke,
		StrokeWidth: h.StrokeWidth,
		BlendMode:   h.BlendMode,
		CreatedAt:   h.CreatedAt,
		CreatedBy:   h.CreatedBy,
		UpdatedAt:   h.UpdatedAt,
		UpdatedBy:   h.UpdatedBy,
		Geometry:    g,
	}
	return nil
}

// DefaultGeometry returns the default payload for a kind, so callers can
// create a shape from a kind alone.
func DefaultGeometry(kind ShapeKind) (Geometry, error) {
	switch kind {
	case KindRectangle:
		return RectangleGeometry{Width: 100, Height: 100}, nil
	case KindCircle:
		return CircleGeometry{Radius: 50}, nil
	case KindEllipse:
		return EllipseGeometry{RadiusX: 60, RadiusY: 40}, nil
	case KindLine:
		return LineGeometry{EndX: 100, EndY: 0}, nil
	case KindArrow:
		return ArrowGeometry{EndX: 100, EndY: 0}, nil
	case KindPolygon:
		return PolygonGeometry{Radius: 50, Sides: 6, ScaleX: 1, ScaleY: 1}, nil
	case KindStar:
		return StarGeometry{InnerRadius: 25, OuterRadius: 50, Points: 5, ScaleX: 1, ScaleY: 1}, nil
	case KindText:
		return TextGeometry{Text: "Text", FontSize: 16, FontFamily: "Inter", Width: 200, ScaleX: 1, ScaleY: 1}, nil
	case KindImage:
		return ImageGeometry{Width: 200, Height: 150}, nil
	case KindDiagram:
		return DiagramGeometry{Width: 300, Height: 200}, nil
	default:
		return nil, fmt.Errorf("unknown shape kind %q", kind)
	}
}

// Patch is a shallow field merge keyed by wire field names. Values
// replace the document field as-is; id, kind and creation stamps are
// protected and silently skipped.
type Patch map[string]any

// protectedFields never change after creation.
var protectedFields = map[string]bool{
	"id":        true,
	"kind":      true,
	"createdAt": true,
	"createdBy": true,
}

// Merge applies a patch to the shape's flat document form and decodes
// the result. The merge is absolute: re-applying the same patch yields
// the same document.
func (s Shape) Merge(p Patch) (Shape, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return Shape{}, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return Shape{}, err
	}
	for k, v := range p {
		if protectedFields[k] {
			continue
		}
		doc[k] = v
	}
	nb, err := json.Marshal(doc)
	if err != nil {
		return Shape{}, err
	}
	var out Shape
	if err := json.Unmarshal(nb, &out); err != nil {
		return Shape{}, fmt.Errorf("shape %s: merge patch: %w", s.ID, err)
	}
	return out, nil
}

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// Sanitize clamps every field into its valid range in place. Invalid
// input is repaired, never rejected; rejection happens nowhere in the
// write path.
func (s *Shape) Sanitize() {
	s.X = clampFinite(s.X, -MaxCoordinate, MaxCoordinate)
	s.Y = clampFinite(s.Y, -MaxCoordinate, MaxCoordinate)
	s.Rotation = normalizeAngle(s.Rotation)
	s.Opacity = clampFinite(s.Opacity, 0, 1)
	s.StrokeWidth = clampFinite(s.StrokeWidth, 0, MaxStrokeWidth)
	if s.ZIndex < 0 {
		s.ZIndex = 0
	} else if s.ZIndex > MaxZIndex {
		s.ZIndex = MaxZIndex
	}
	if !colorPattern.MatchString(s.Fill) {
		s.Fill = DefaultFill
	}
	if !colorPattern.MatchString(s.Stroke) {
		s.Stroke = DefaultStroke
	}
	if !s.BlendMode.Valid() {
		s.BlendMode = BlendNormal
	}

	switch g := s.Geometry.(type) {
	case RectangleGeometry:
		g.Width = clampFinite(g.Width, MinDimension, MaxCoordinate)
		g.Height = clampFinite(g.Height, MinDimension, MaxCoordinate)
		s.Geometry = g
	case CircleGeometry:
		g.Radius = clampFinite(g.Radius, MinDimension, MaxCoordinate)
		s.Geometry = g
	case EllipseGeometry:
		g.RadiusX = clampFinite(g.RadiusX, MinDimension, MaxCoordinate)
		g.RadiusY = clampFinite(g.RadiusY, MinDimension, MaxCoordinate)
		s.Geometry = g
	case LineGeometry:
		g.EndX = clampFinite(g.EndX, -MaxCoordinate, MaxCoordinate)
		g.EndY = clampFinite(g.EndY, -MaxCoordinate, MaxCoordinate)
		s.Geometry = g
	case ArrowGeometry:
		g.EndX = clampFinite(g.EndX, -MaxCoordinate, MaxCoordinate)
		g.EndY = clampFinite(g.EndY, -MaxCoordinate, MaxCoordinate)
		s.Geometry = g
	case PolygonGeometry:
		g.Radius = clampFinite(g.Radius, MinDimension, MaxCoordinate)
		if g.Sides < 3 {
			g.Sides = 6
		} else if g.Sides > 64 {
			g.Sides = 64
		}
		g.ScaleX = clampScale(g.ScaleX)
		g.ScaleY = clampScale(g.ScaleY)
		s.Geometry = g
	case StarGeometry:
		g.InnerRadius = clampFinite(g.InnerRadius, MinDimension, MaxCoordinate)
		g.OuterRadius = clampFinite(g.OuterRadius, MinDimension, MaxCoordinate)
		if g.Points < 3 {
			g.Points = 5
		} else if g.Points > 64 {
			g.Points = 64
		}
		g.ScaleX = clampScale(g.ScaleX)
		g.ScaleY = clampScale(g.ScaleY)
		s.Geometry = g
	case TextGeometry:
		g.Text = truncateRunes(g.Text, MaxTextRunes)
		g.FontSize = clampFinite(g.FontSize, 1, 512)
		if g.FontFamily == "" {
			g.FontFamily = DefaultFontFamily
		}
		g.Width = clampFinite(g.Width, MinDimension, MaxCoordinate)
		g.ScaleX = clampScale(g.ScaleX)
		g.ScaleY = clampScale(g.ScaleY)
		s.Geometry = g
	case ImageGeometry:
		g.Width = clampFinite(g.Width, MinDimension, MaxCoordinate)
		g.Height = clampFinite(g.Height, MinDimension, MaxCoordinate)
		s.Geometry = g
	case DiagramGeometry:
		g.Width = clampFinite(g.Width, MinDimension, MaxCoordinate)
		g.Height = clampFinite(g.Height, MinDimension, MaxCoordinate)
		g.Source = truncateRunes(g.Source, MaxTextRunes)
		s.Geometry = g
	}
}

// SortShapes orders by zIndex, ties broken by id so every client renders
// the same stacking.
func SortShapes(shapes []Shape) {
	sort.Slice(shapes, func(i, j int) bool {
		if shapes[i].ZIndex != shapes[j].ZIndex {
			return shapes[i].ZIndex < shapes[j].ZIndex
		}
		return shapes[i].ID < shapes[j].ID
	})
}

func clampFinite(v, min, max float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampScale(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
		return 1
	}
	return clampFinite(v, 0.01, 100)
}

func normalizeAngle(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
