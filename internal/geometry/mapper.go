// Package geometry converts between image pixels and scene meters and keeps
// bodies inside the source image.
package geometry

import (
	"math"

	"sceneforge/internal/domain"
)

// DefaultScale is used when no positive scale is configured.
const DefaultScale = 0.01

// NormalizeScale returns s when it is a usable scale, DefaultScale otherwise.
func NormalizeScale(s float64) float64 {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return DefaultScale
	}
	return s
}

// ToPixels projects a meter-space point into pixel space. The y axis flips.
func ToPixels(pointM, originPx domain.Vec2, scale float64) domain.Vec2 {
	return domain.Vec2{
		originPx.X() + pointM.X()/scale,
		originPx.Y() - pointM.Y()/scale,
	}
}

// ToMeters is the inverse of ToPixels.
func ToMeters(pointPx, originPx domain.Vec2, scale float64) domain.Vec2 {
	return domain.Vec2{
		(pointPx.X() - originPx.X()) * scale,
		(originPx.Y() - pointPx.Y()) * scale,
	}
}

// MappingFor returns the default mapping for an image: origin at the image
// center, normalized scale.
func MappingFor(img domain.ImageMeta, scale float64) domain.Mapping {
	return domain.Mapping{OriginPx: img.Center(), ScaleMPerPx: NormalizeScale(scale)}
}
