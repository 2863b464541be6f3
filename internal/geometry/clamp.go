package geometry

import (
	"math"

	"sceneforge/internal/domain"
)

const (
	MarginPx = 2.0

	// minimum change, in pixels, reported as a position adjustment
	positionEpsilon = 1e-6
)

const (
	AdjustWidth     = "width_clamped"
	AdjustHeight    = "height_clamped"
	AdjustPositionX = "position_x_clamped"
	AdjustPositionY = "position_y_clamped"
)

type ClampResult struct {
	Center      domain.Vec2
	Size        domain.Vec2
	Adjustments []string
}

// Clamped reports whether anything was adjusted.
func (r ClampResult) Clamped() bool {
	return len(r.Adjustments) > 0
}

// ClampRect fits a rectangular footprint (center and size in meters) inside
// the image, MarginPx away from every edge. Oversized dimensions shrink first,
// then the center moves. Without a usable mapping or image size the input is
// returned untouched.
func ClampRect(center, size domain.Vec2, mapping *domain.Mapping, img *domain.ImageMeta) ClampResult {
	res := ClampResult{Center: center, Size: size}
	if mapping == nil || mapping.ScaleMPerPx <= 0 || !img.Valid() {
		return res
	}

	scale := mapping.ScaleMPerPx
	origin := mapping.OriginPx
	widthPx := float64(img.WidthPx)
	heightPx := float64(img.HeightPx)

	maxW := math.Max(widthPx-MarginPx*2, 2)
	maxH := math.Max(heightPx-MarginPx*2, 2)

	wPx := math.Max(size.X()/scale, 1e-6)
	hPx := math.Max(size.Y()/scale, 1e-6)

	if wPx > maxW {
		wPx = maxW
		res.Size[0] = wPx * scale
		res.Adjustments = append(res.Adjustments, AdjustWidth)
	}
	if hPx > maxH {
		hPx = maxH
		res.Size[1] = hPx * scale
		res.Adjustments = append(res.Adjustments, AdjustHeight)
	}

	c := ToPixels(center, origin, scale)

	x, movedX := clampAxis(c.X(), wPx/2, widthPx)
	if movedX {
		res.Adjustments = append(res.Adjustments, AdjustPositionX)
	}
	y, movedY := clampAxis(c.Y(), hPx/2, heightPx)
	if movedY {
		res.Adjustments = append(res.Adjustments, AdjustPositionY)
	}

	res.Center = ToMeters(domain.Vec2{x, y}, origin, scale)
	return res
}

// clampAxis keeps [v-half, v+half] inside [margin, limit-margin]. When the
// range is empty the footprint is centered without reporting a move.
func clampAxis(v, half, limit float64) (float64, bool) {
	lo := MarginPx + half
	hi := limit - MarginPx - half
	if lo > hi {
		return limit / 2, false
	}
	clamped := math.Min(math.Max(v, lo), hi)
	return clamped, math.Abs(clamped-v) > positionEpsilon
}

// ClampCircle clamps a circle through its square footprint. The returned
// radius is half the shorter clamped side.
func ClampCircle(center domain.Vec2, radius float64, mapping *domain.Mapping, img *domain.ImageMeta) (ClampResult, float64) {
	res := ClampRect(center, domain.Vec2{radius * 2, radius * 2}, mapping, img)
	return res, math.Min(res.Size.X(), res.Size.Y()) / 2
}

// FootprintPx returns the pixel-space bounding box (min, max) of a
// rectangle given in meters.
func FootprintPx(center, size domain.Vec2, mapping domain.Mapping) (domain.Vec2, domain.Vec2) {
	c := ToPixels(center, mapping.OriginPx, mapping.ScaleMPerPx)
	half := domain.Vec2{size.X() / mapping.ScaleMPerPx / 2, size.Y() / mapping.ScaleMPerPx / 2}
	return c.Sub(half), c.Add(half)
}
