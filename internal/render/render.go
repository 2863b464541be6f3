// Package render rasterizes a scene into a PNG preview. The preview is fed
// back to the reasoning oracle after every edit and served to callers.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"sceneforge/internal/domain"
	"sceneforge/internal/geometry"
)

const (
	DefaultWidth  = 1024
	DefaultHeight = 768

	circleSegments  = 32
	outlineWidth    = 1.5
	constraintWidth = 3.0
)

var (
	background     = color.RGBA{15, 23, 42, 255}
	outlineColor   = color.RGBA{255, 255, 255, 180}
	constraintLine = color.RGBA{234, 179, 8, 220}
	labelColor     = color.RGBA{226, 232, 240, 255}

	bodyColors = map[domain.BodyType]color.RGBA{
		domain.BodyTypeDynamic:   {79, 70, 229, 120},
		domain.BodyTypeStatic:    {156, 163, 175, 120},
		domain.BodyTypeKinematic: {16, 185, 129, 120},
	}
	defaultBodyColor = color.RGBA{59, 130, 246, 120}
)

// canvas wraps the destination image and the pixel mapping.
type canvas struct {
	img     *image.RGBA
	mapping domain.Mapping
}

// PNG draws sc over a canvas the size of img, or DefaultWidth x DefaultHeight
// when img is unset. Without a scene mapping the canvas center is the origin.
func PNG(sc domain.Scene, img *domain.ImageMeta) ([]byte, error) {
	size := domain.ImageMeta{WidthPx: DefaultWidth, HeightPx: DefaultHeight}
	if img.Valid() {
		size = *img
	}
	mapping := geometry.MappingFor(size, 0)
	if sc.Mapping != nil && sc.Mapping.ScaleMPerPx > 0 {
		mapping = *sc.Mapping
	}

	c := &canvas{
		img:     image.NewRGBA(image.Rect(0, 0, size.WidthPx, size.HeightPx)),
		mapping: mapping,
	}
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	for _, b := range sc.Bodies {
		c.body(b)
	}
	for _, con := range sc.Constraints {
		c.constraint(sc, con)
	}
	for _, b := range sc.Bodies {
		c.label(b.ID, c.toPx(b.PositionM))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, c.img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *canvas) toPx(p domain.Vec2) domain.Vec2 {
	return geometry.ToPixels(p, c.mapping.OriginPx, c.mapping.ScaleMPerPx)
}

// Outline returns the body's footprint in meters, rotated by its angle.
// Circles are approximated by a regular polygon.
func Outline(b domain.Body) []domain.Vec2 {
	var local []domain.Vec2
	switch b.Collider.Type {
	case domain.ColliderRectangle:
		hw, hh := b.Collider.WidthM/2, b.Collider.HeightM/2
		local = []domain.Vec2{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}
	case domain.ColliderCircle:
		local = make([]domain.Vec2, circleSegments)
		for i := range local {
			a := 2 * math.Pi * float64(i) / circleSegments
			local[i] = domain.Vec2{b.Collider.RadiusM * math.Cos(a), b.Collider.RadiusM * math.Sin(a)}
		}
	case domain.ColliderPolygon:
		local = b.Collider.VerticesM
	}

	rot := mgl64.Ident2()
	if b.AngleRad != nil {
		rot = mgl64.Rotate2D(*b.AngleRad)
	}
	out := make([]domain.Vec2, len(local))
	for i, v := range local {
		out[i] = rot.Mul2x1(v).Add(b.PositionM)
	}
	return out
}

func (c *canvas) body(b domain.Body) {
	pts := Outline(b)
	if len(pts) < 3 {
		return
	}
	px := make([]domain.Vec2, len(pts))
	for i, p := range pts {
		px[i] = c.toPx(p)
	}

	fill, ok := bodyColors[b.Type]
	if !ok {
		fill = defaultBodyColor
	}
	c.fillPolygon(px, fill)
	for i := range px {
		c.line(px[i], px[(i+1)%len(px)], outlineWidth, outlineColor)
	}
}

// constraint draws a line between the two anchor points. A world anchor
// without an explicit point falls back to the pulley anchor, then to the
// other body.
func (c *canvas) constraint(sc domain.Scene, con domain.Constraint) {
	a, okA := anchor(sc, con.BodyA, con.AnchorAM)
	b, okB := anchor(sc, con.BodyB, con.AnchorBM)
	switch {
	case !okA && !okB:
		return
	case !okA:
		a = fallbackAnchor(con, b)
	case !okB:
		b = fallbackAnchor(con, a)
	}

	if con.PulleyAnchorM != nil && okA && okB {
		p := c.toPx(*con.PulleyAnchorM)
		c.line(c.toPx(a), p, constraintWidth, constraintLine)
		c.line(p, c.toPx(b), constraintWidth, constraintLine)
		return
	}
	c.line(c.toPx(a), c.toPx(b), constraintWidth, constraintLine)
}

func anchor(sc domain.Scene, bodyID string, offset *domain.Vec2) (domain.Vec2, bool) {
	if bodyID == "" {
		if offset != nil {
			return *offset, true
		}
		return domain.Vec2{}, false
	}
	b, ok := sc.Body(bodyID)
	if !ok {
		return domain.Vec2{}, false
	}
	if offset != nil {
		return b.PositionM.Add(*offset), true
	}
	return b.PositionM, true
}

func fallbackAnchor(con domain.Constraint, other domain.Vec2) domain.Vec2 {
	if con.PulleyAnchorM != nil {
		return *con.PulleyAnchorM
	}
	return other
}

func (c *canvas) fillPolygon(pts []domain.Vec2, col color.Color) {
	b := c.img.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	first := c.clampPt(pts[0])
	r.MoveTo(first[0], first[1])
	for _, p := range pts[1:] {
		q := c.clampPt(p)
		r.LineTo(q[0], q[1])
	}
	r.ClosePath()
	r.Draw(c.img, b, image.NewUniform(col), image.Point{})
}

// line strokes a segment as a thin quad.
func (c *canvas) line(from, to domain.Vec2, width float64, col color.Color) {
	d := to.Sub(from)
	if d.Len() == 0 {
		return
	}
	n := domain.Vec2{-d.Y(), d.X()}.Normalize().Mul(width / 2)
	c.fillPolygon([]domain.Vec2{from.Add(n), to.Add(n), to.Sub(n), from.Sub(n)}, col)
}

// clampPt keeps rasterizer input inside the canvas.
func (c *canvas) clampPt(p domain.Vec2) [2]float32 {
	b := c.img.Bounds()
	x := math.Max(0, math.Min(float64(b.Dx()), p.X()))
	y := math.Max(0, math.Min(float64(b.Dy()), p.Y()))
	return [2]float32{float32(x), float32(y)}
}

func (c *canvas) label(text string, at domain.Vec2) {
	if math.IsNaN(at.X()) || math.IsNaN(at.Y()) {
		return
	}
	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(int(at.X())-font.MeasureString(basicfont.Face7x13, text).Round()/2, int(at.Y())+4),
	}
	d.DrawString(text)
}
