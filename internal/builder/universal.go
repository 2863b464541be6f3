// Package builder turns segmented, labeled diagram entities into an initial
// scene in one deterministic pass.
package builder

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"sceneforge/internal/domain"
	"sceneforge/internal/geometry"
)

const (
	Name         = "universal_v1"
	SceneVersion = "0.4.0"

	DefaultImageWidth  = domain.DefaultImageWidthPx
	DefaultImageHeight = domain.DefaultImageHeightPx

	// pulleyTolerancePx is the horizontal slack for a mass to hang from a pulley.
	pulleyTolerancePx = 100.0

	// referenceAreaPx is the bbox area that maps to referenceMassKg.
	referenceAreaPx = 2500.0
	referenceMassKg = 3.0

	staticMassKg  = 1000.0
	pulleyMassKg  = 0.1
	defaultMassKg = 1.0
	ropeStiffness = 1.0
)

// Entity categories with special handling.
const (
	CategoryMass    = "mass"
	CategorySurface = "surface"
	CategoryRamp    = "ramp"
	CategoryGround  = "ground"
	CategoryPulley  = "pulley"
)

type Request struct {
	Image       domain.ImageMeta `json:"image"`
	Regions     []domain.Region  `json:"segments"`
	Entities    []domain.Entity  `json:"entities"`
	ScaleMPerPx float64          `json:"scale_m_per_px"`
	World       *domain.World    `json:"defaults,omitempty"`
}

type Meta struct {
	Builder         string `json:"builder"`
	EntityCount     int    `json:"entity_count"`
	BodyCount       int    `json:"body_count"`
	ConstraintCount int    `json:"constraint_count"`
}

type Result struct {
	Scene    domain.Scene `json:"scene"`
	Warnings []string     `json:"warnings"`
	Meta     Meta         `json:"meta"`
}

// placed is an entity resolved against its region.
type placed struct {
	entity domain.Entity
	region domain.Region
	body   domain.Body
}

// Build translates entities into bodies and infers rope constraints through
// pulleys. It has no side effects and is safe to call concurrently.
func Build(req Request) Result {
	img := req.Image
	if img.WidthPx <= 0 {
		img.WidthPx = DefaultImageWidth
	}
	if img.HeightPx <= 0 {
		img.HeightPx = DefaultImageHeight
	}
	mapping := geometry.MappingFor(img, req.ScaleMPerPx)
	world := domain.DefaultWorld()
	if req.World != nil {
		if req.World.GravityMS2 != 0 {
			world.GravityMS2 = req.World.GravityMS2
		}
		if req.World.TimeStepS > 0 {
			world.TimeStepS = req.World.TimeStepS
		}
	}

	regions := lo.KeyBy(req.Regions, func(r domain.Region) string { return r.ID })
	warnings := []string{}

	var all, masses, pulleys []placed
	seen := make(map[string]bool, len(req.Entities))
	for _, ent := range req.Entities {
		region, ok := regions[ent.SegmentID]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("Segment %s not found for entity %s", ent.SegmentID, ent.Type))
			continue
		}
		id := BodyID(ent)
		if seen[id] {
			warnings = append(warnings, fmt.Sprintf("Duplicate %s entity for segment %s skipped", ent.Type, ent.SegmentID))
			continue
		}
		seen[id] = true
		p := placed{entity: ent, region: region, body: bodyFor(ent, region, mapping)}
		all = append(all, p)
		switch ent.Type {
		case CategoryMass:
			masses = append(masses, p)
		case CategoryPulley:
			pulleys = append(pulleys, p)
		}
	}

	constraints := []domain.Constraint{}
	for _, pulley := range pulleys {
		rope, ok := inferRope(pulley, masses, mapping)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("Pulley %s has no connected masses", pulley.entity.SegmentID))
			continue
		}
		constraints = append(constraints, rope)
	}

	bodies := lo.Map(all, func(p placed, _ int) domain.Body { return p.body })
	return Result{
		Scene: domain.Scene{
			Version:     SceneVersion,
			World:       world,
			Bodies:      bodies,
			Constraints: constraints,
			Mapping:     &mapping,
		},
		Warnings: warnings,
		Meta: Meta{
			Builder:         Name,
			EntityCount:     len(req.Entities),
			BodyCount:       len(bodies),
			ConstraintCount: len(constraints),
		},
	}
}

// BodyID is the id a body built from ent receives.
func BodyID(ent domain.Entity) string {
	return ent.Type + "_" + ent.SegmentID
}

func bodyFor(ent domain.Entity, region domain.Region, mapping domain.Mapping) domain.Body {
	center := geometry.ToMeters(region.BBoxCenter(), mapping.OriginPx, mapping.ScaleMPerPx)
	bodyType, mass := classify(ent, region)

	b := domain.Body{
		ID:         BodyID(ent),
		Type:       bodyType,
		PositionM:  center,
		VelocityMS: &domain.Vec2{0, 0},
		MassKg:     domain.Ptr(mass),
		Collider:   colliderFor(region, center, mapping),
		Material:   materialFor(ent.Props),
		Meta:       &domain.BodyMeta{Category: ent.Type, SegmentID: ent.SegmentID},
	}
	if ent.Props.Material != "" {
		b.Notes = ent.Props.Material
	}
	return b
}

func classify(ent domain.Entity, region domain.Region) (domain.BodyType, float64) {
	hint := func(fallback float64) float64 {
		if m := ent.Props.MassGuessKg; m != nil && *m > 0 {
			return *m
		}
		return fallback
	}
	switch ent.Type {
	case CategoryMass:
		return domain.BodyTypeDynamic, hint(estimateMass(region))
	case CategorySurface, CategoryRamp, CategoryGround:
		return domain.BodyTypeStatic, hint(staticMassKg)
	case CategoryPulley:
		return domain.BodyTypeStatic, hint(pulleyMassKg)
	default:
		return domain.BodyTypeDynamic, hint(defaultMassKg)
	}
}

// estimateMass scales the bbox area against a 50x50 px reference block.
func estimateMass(region domain.Region) float64 {
	area := math.Max(1, region.BBoxArea())
	return referenceMassKg * area / referenceAreaPx
}

func colliderFor(region domain.Region, center domain.Vec2, mapping domain.Mapping) domain.Collider {
	if len(region.PolygonPx) >= 3 {
		return domain.Collider{
			Type: domain.ColliderPolygon,
			VerticesM: lo.Map(region.PolygonPx, func(p domain.Vec2, _ int) domain.Vec2 {
				return geometry.ToMeters(p, mapping.OriginPx, mapping.ScaleMPerPx).Sub(center)
			}),
		}
	}
	return domain.Collider{
		Type:    domain.ColliderRectangle,
		WidthM:  region.BBoxPx[2] * mapping.ScaleMPerPx,
		HeightM: region.BBoxPx[3] * mapping.ScaleMPerPx,
	}
}

func materialFor(props domain.EntityProps) *domain.Material {
	m := &domain.Material{}
	if props.MuK != nil && *props.MuK >= 0 {
		m.Friction = domain.Ptr(*props.MuK)
	}
	if props.Restitution != nil && *props.Restitution >= 0 {
		m.Restitution = domain.Ptr(math.Min(*props.Restitution, 1))
	}
	if m.Empty() {
		return nil
	}
	return m
}

// inferRope links the two masses hanging closest below or above a pulley,
// provided at least two masses share its vertical line.
func inferRope(pulley placed, masses []placed, mapping domain.Mapping) (domain.Constraint, bool) {
	pc := pulley.region.BBoxCenter()

	type candidate struct {
		p  placed
		dy float64
	}
	var cands []candidate
	for _, m := range masses {
		mc := m.region.BBoxCenter()
		if math.Abs(mc.X()-pc.X()) < pulleyTolerancePx {
			cands = append(cands, candidate{p: m, dy: math.Abs(mc.Y() - pc.Y())})
		}
	}
	if len(cands) < 2 {
		return domain.Constraint{}, false
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dy < cands[j].dy })

	a := cands[0]
	b, ok := lo.Find(cands[1:], func(c candidate) bool { return c.p.body.ID != a.p.body.ID })
	if !ok {
		return domain.Constraint{}, false
	}
	anchor := pulley.body.PositionM
	rope := domain.Constraint{
		ID:            "rope_" + pulley.entity.SegmentID,
		Type:          domain.ConstraintRope,
		BodyA:         a.p.body.ID,
		BodyB:         b.p.body.ID,
		LengthM:       domain.Ptr((a.dy + b.dy) * mapping.ScaleMPerPx),
		Stiffness:     domain.Ptr(ropeStiffness),
		PulleyAnchorM: &anchor,
	}
	if r := pulley.entity.Props.WheelRadiusM; r != nil && *r > 0 {
		rope.WheelRadiusM = domain.Ptr(*r)
	}
	return rope, true
}
