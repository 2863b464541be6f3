package render_test

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"testing"

	"sceneforge/internal/domain"
	"sceneforge/internal/render"
)

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return img
}

func rgba(img image.Image, x, y int) [4]uint32 {
	r, g, b, a := img.At(x, y).RGBA()
	return [4]uint32{r >> 8, g >> 8, b >> 8, a >> 8}
}

func TestPNGCanvasSize(t *testing.T) {
	tests := []struct {
		name string
		img  *domain.ImageMeta
		w, h int
	}{
		{"default", nil, render.DefaultWidth, render.DefaultHeight},
		{"image", &domain.ImageMeta{WidthPx: 200, HeightPx: 100}, 200, 100},
		{"invalid image", &domain.ImageMeta{WidthPx: 0, HeightPx: 100}, render.DefaultWidth, render.DefaultHeight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := render.PNG(domain.Scene{World: domain.DefaultWorld()}, tt.img)
			if err != nil {
				t.Fatalf("PNG: %v", err)
			}
			b := decode(t, data).Bounds()
			if b.Dx() != tt.w || b.Dy() != tt.h {
				t.Errorf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.w, tt.h)
			}
		})
	}
}

func TestPNGDrawsBodies(t *testing.T) {
	sc := domain.Scene{
		World:   domain.DefaultWorld(),
		Mapping: &domain.Mapping{OriginPx: domain.Vec2{100, 50}, ScaleMPerPx: 0.01},
		Bodies: []domain.Body{
			{ID: "a", Type: domain.BodyTypeDynamic, PositionM: domain.Vec2{-0.5, 0}, Collider: domain.Collider{Type: domain.ColliderRectangle, WidthM: 0.3, HeightM: 0.3}},
			{ID: "b", Type: domain.BodyTypeStatic, PositionM: domain.Vec2{0.5, 0}, Collider: domain.Collider{Type: domain.ColliderCircle, RadiusM: 0.2}},
		},
		Constraints: []domain.Constraint{{ID: "r", Type: domain.ConstraintRope, BodyA: "a", BodyB: "b"}},
	}
	data, err := render.PNG(sc, &domain.ImageMeta{WidthPx: 200, HeightPx: 100})
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	img := decode(t, data)

	bg := [4]uint32{15, 23, 42, 255}
	if got := rgba(img, 1, 1); got != bg {
		t.Errorf("corner = %v, want background %v", got, bg)
	}
	// body a spans pixels 35..65 x 35..65; sample off the label row
	if got := rgba(img, 40, 40); got == bg {
		t.Error("rectangle body not drawn")
	}
	if got := rgba(img, 150, 60); got == bg {
		t.Error("circle body not drawn")
	}
	// rope runs along y=50 between the two centers
	if got := rgba(img, 100, 50); got == bg {
		t.Error("constraint not drawn")
	}
}

func TestOutlineRotation(t *testing.T) {
	b := domain.Body{
		PositionM: domain.Vec2{1, 1},
		AngleRad:  domain.Ptr(math.Pi / 2),
		Collider:  domain.Collider{Type: domain.ColliderRectangle, WidthM: 2, HeightM: 1},
	}
	pts := render.Outline(b)
	if len(pts) != 4 {
		t.Fatalf("got %d points", len(pts))
	}
	// (-1, -0.5) rotated a quarter turn is (0.5, -1)
	want := domain.Vec2{1.5, 0}
	if math.Abs(pts[0].X()-want.X()) > 1e-9 || math.Abs(pts[0].Y()-want.Y()) > 1e-9 {
		t.Errorf("first corner = %v, want %v", pts[0], want)
	}
}

func TestOutlineUnknownCollider(t *testing.T) {
	if pts := render.Outline(domain.Body{}); len(pts) != 0 {
		t.Errorf("expected no outline, got %v", pts)
	}
}
