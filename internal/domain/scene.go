package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Vec2 is a 2D point or vector. Meter-space y points up, pixel-space y points down.
type Vec2 = mgl64.Vec2

const (
	SceneVersion = "0.6-iterative"

	DefaultGravity  = 9.81
	DefaultTimeStep = 0.016
	MaxTimeStep     = 0.1

	// Frame assumed when a build has no source image.
	DefaultImageWidthPx  = 800
	DefaultImageHeightPx = 600
)

type BodyType string

const (
	BodyTypeDynamic   BodyType = "dynamic"
	BodyTypeStatic    BodyType = "static"
	BodyTypeKinematic BodyType = "kinematic"
)

func (t BodyType) Valid() bool {
	switch t {
	case BodyTypeDynamic, BodyTypeStatic, BodyTypeKinematic:
		return true
	}
	return false
}

type ColliderType string

const (
	ColliderRectangle ColliderType = "rectangle"
	ColliderCircle    ColliderType = "circle"
	ColliderPolygon   ColliderType = "polygon"
)

type ConstraintType string

const (
	ConstraintRope     ConstraintType = "rope"
	ConstraintSpring   ConstraintType = "spring"
	ConstraintHinge    ConstraintType = "hinge"
	ConstraintDistance ConstraintType = "distance"
	ConstraintPulley   ConstraintType = "pulley"
)

func (t ConstraintType) Valid() bool {
	switch t {
	case ConstraintRope, ConstraintSpring, ConstraintHinge, ConstraintDistance, ConstraintPulley:
		return true
	}
	return false
}

type World struct {
	GravityMS2 float64 `json:"gravity_m_s2" yaml:"gravity_m_s2"`
	TimeStepS  float64 `json:"time_step_s" yaml:"time_step_s"`
}

func DefaultWorld() World {
	return World{GravityMS2: DefaultGravity, TimeStepS: DefaultTimeStep}
}

// Validate checks gravity is finite and positive and the time step lies in
// (0, MaxTimeStep].
func (w World) Validate() error {
	if math.IsNaN(w.GravityMS2) || math.IsInf(w.GravityMS2, 0) || w.GravityMS2 <= 0 {
		return fmt.Errorf("gravity must be finite and positive, got %v: %w", w.GravityMS2, ErrInvalidArgument)
	}
	if math.IsNaN(w.TimeStepS) || w.TimeStepS <= 0 || w.TimeStepS > MaxTimeStep {
		return fmt.Errorf("time step must be in (0, %g], got %v: %w", MaxTimeStep, w.TimeStepS, ErrInvalidArgument)
	}
	return nil
}

type Mapping struct {
	OriginPx    Vec2    `json:"origin_px" yaml:"origin_px"`
	ScaleMPerPx float64 `json:"scale_m_per_px" yaml:"scale_m_per_px"`
}

func (m *Mapping) Clone() *Mapping {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

type ImageMeta struct {
	WidthPx  int `json:"width_px" yaml:"width_px"`
	HeightPx int `json:"height_px" yaml:"height_px"`
}

func (m *ImageMeta) Valid() bool {
	return m != nil && m.WidthPx > 0 && m.HeightPx > 0
}

// DefaultImage is the frame used when no source image is known.
func DefaultImage() ImageMeta {
	return ImageMeta{WidthPx: DefaultImageWidthPx, HeightPx: DefaultImageHeightPx}
}

// Center returns the pixel center of the image.
func (m ImageMeta) Center() Vec2 {
	return Vec2{float64(m.WidthPx) / 2, float64(m.HeightPx) / 2}
}

func (m *ImageMeta) Clone() *ImageMeta {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

type Collider struct {
	Type      ColliderType `json:"type"`
	WidthM    float64      `json:"width_m,omitempty"`
	HeightM   float64      `json:"height_m,omitempty"`
	RadiusM   float64      `json:"radius_m,omitempty"`
	VerticesM []Vec2       `json:"vertices_m,omitempty"` // body-local
}

type Material struct {
	Friction    *float64 `json:"friction,omitempty"`
	Restitution *float64 `json:"restitution,omitempty"`
	DensityKgM3 *float64 `json:"density_kg_m3,omitempty"`
}

func (m *Material) Empty() bool {
	return m == nil || (m.Friction == nil && m.Restitution == nil && m.DensityKgM3 == nil)
}

// BodyMeta holds annotations that engines ignore.
type BodyMeta struct {
	Category                 string   `json:"category,omitempty"`
	Parent                   string   `json:"parent,omitempty"`
	SegmentID                string   `json:"segment_id,omitempty"`
	ImageBoundaryAdjustments []string `json:"image_boundary_adjustments,omitempty"`
}

func (m *BodyMeta) Empty() bool {
	return m == nil || (m.Category == "" && m.Parent == "" && m.SegmentID == "" && len(m.ImageBoundaryAdjustments) == 0)
}

type Body struct {
	ID         string    `json:"id"`
	Type       BodyType  `json:"type"`
	PositionM  Vec2      `json:"position_m"`
	VelocityMS *Vec2     `json:"velocity_m_s,omitempty"`
	AngleRad   *float64  `json:"angle_rad,omitempty"`
	MassKg     *float64  `json:"mass_kg,omitempty"`
	Collider   Collider  `json:"collider"`
	Material   *Material `json:"material,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Meta       *BodyMeta `json:"meta,omitempty"`
}

// Constraint links two bodies. An empty BodyA or BodyB anchors to the world.
type Constraint struct {
	ID            string         `json:"id"`
	Type          ConstraintType `json:"type"`
	BodyA         string         `json:"body_a,omitempty"`
	BodyB         string         `json:"body_b,omitempty"`
	AnchorAM      *Vec2          `json:"anchor_a_m,omitempty"`
	AnchorBM      *Vec2          `json:"anchor_b_m,omitempty"`
	LengthM       *float64       `json:"length_m,omitempty"`
	Stiffness     *float64       `json:"stiffness,omitempty"`
	Damping       *float64       `json:"damping,omitempty"`
	WheelRadiusM  *float64       `json:"wheel_radius_m,omitempty"`
	PulleyAnchorM *Vec2          `json:"pulley_anchor_m,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// References returns the non-world body ids the constraint points at.
func (c Constraint) References() []string {
	var ids []string
	if c.BodyA != "" {
		ids = append(ids, c.BodyA)
	}
	if c.BodyB != "" {
		ids = append(ids, c.BodyB)
	}
	return ids
}

// Scene is the canonical external representation handed to engines and callers.
type Scene struct {
	Version     string       `json:"version"`
	World       World        `json:"world"`
	Bodies      []Body       `json:"bodies"`
	Constraints []Constraint `json:"constraints"`
	Mapping     *Mapping     `json:"mapping,omitempty"`
}

func (s Scene) Body(id string) (Body, bool) {
	for _, b := range s.Bodies {
		if b.ID == id {
			return b, true
		}
	}
	return Body{}, false
}

type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
	Scene     Scene     `json:"scene"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
