package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/domain"
	"sceneforge/internal/geometry"
)

// ─────────────────────────────────────────────────────────────
// Scene Service — validated edit operations over a conversation
// ─────────────────────────────────────────────────────────────

// defaultMassKg is assigned to dynamic bodies created without a mass.
const defaultMassKg = 1.0

// EditResult is returned by every edit operation.
type EditResult struct {
	Scene                domain.Scene `json:"scene"`
	Message              string       `json:"message"`
	UpdatedBodyIDs       []string     `json:"updated_body_ids"`
	UpdatedConstraintIDs []string     `json:"updated_constraint_ids"`
}

// Simulator runs a scene through the external physics engine.
type Simulator interface {
	Simulate(ctx context.Context, scene domain.Scene, req domain.SimulationRequest) ([]domain.Frame, error)
}

// SceneService applies edit operations. Each operation holds the
// conversation lock for its whole duration and records one snapshot.
type SceneService struct {
	registry *Registry
	engine   Simulator
	audit    *AuditLog
	emitter  EventEmitter
	log      *slog.Logger
	simDef   domain.SimulationRequest
}

type SceneServiceOptions struct {
	Engine Simulator
	// SimDefaults fills simulation requests that leave duration or frame
	// rate unset.
	SimDefaults domain.SimulationRequest
	Audit       *AuditLog
	Emitter     EventEmitter
	Logger      *slog.Logger
}

func NewSceneService(registry *Registry, opts SceneServiceOptions) *SceneService {
	s := &SceneService{
		registry: registry,
		engine:   opts.Engine,
		audit:    opts.Audit,
		emitter:  opts.Emitter,
		log:      opts.Logger,
		simDef:   opts.SimDefaults,
	}
	if s.simDef.DurationS <= 0 {
		s.simDef.DurationS = defaultSimDurationS
	}
	if s.simDef.FrameRate <= 0 {
		s.simDef.FrameRate = defaultSimFrameRate
	}
	if s.emitter == nil {
		s.emitter = nopEmitter{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *SceneService) Registry() *Registry { return s.registry }

// ── Inputs ──────────────────────────────────────────────────

type CreateBlockInput struct {
	BodyID      string          `json:"body_id,omitempty"`
	PositionM   domain.Vec2     `json:"position_m"`
	SizeM       domain.Vec2     `json:"size_m"`
	BodyType    domain.BodyType `json:"body_type,omitempty"`
	AngleRad    *float64        `json:"angle_rad,omitempty"`
	VelocityMS  *domain.Vec2    `json:"velocity_m_s,omitempty"`
	MassKg      *float64        `json:"mass_kg,omitempty"`
	Friction    *float64        `json:"friction,omitempty"`
	Restitution *float64        `json:"restitution,omitempty"`
	DensityKgM3 *float64        `json:"density_kg_m3,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

type ModifyBlockInput struct {
	BodyID      string           `json:"body_id"`
	PositionM   *domain.Vec2     `json:"position_m,omitempty"`
	SizeM       *domain.Vec2     `json:"size_m,omitempty"`
	BodyType    *domain.BodyType `json:"body_type,omitempty"`
	AngleRad    *float64         `json:"angle_rad,omitempty"`
	VelocityMS  *domain.Vec2     `json:"velocity_m_s,omitempty"`
	MassKg      *float64         `json:"mass_kg,omitempty"`
	Friction    *float64         `json:"friction,omitempty"`
	Restitution *float64         `json:"restitution,omitempty"`
	DensityKgM3 *float64         `json:"density_kg_m3,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
}

type CreatePulleyInput struct {
	PulleyID    string      `json:"pulley_id,omitempty"`
	CenterM     domain.Vec2 `json:"center_m"`
	RadiusM     float64     `json:"radius_m"`
	AxleRadiusM *float64    `json:"axle_radius_m,omitempty"`
	AxleBodyID  string      `json:"axle_body_id,omitempty"`
	Notes       string      `json:"notes,omitempty"`
}

type CreateRopeInput struct {
	ConstraintID string       `json:"constraint_id,omitempty"`
	BodyA        string       `json:"body_a"`
	BodyB        string       `json:"body_b"`
	AnchorAM     *domain.Vec2 `json:"anchor_a_m,omitempty"`
	AnchorBM     *domain.Vec2 `json:"anchor_b_m,omitempty"`
	LengthM      *float64     `json:"length_m,omitempty"`
	Stiffness    *float64     `json:"stiffness,omitempty"`
	Damping      *float64     `json:"damping,omitempty"`
	Notes        string       `json:"notes,omitempty"`
}

type SetWorldInput struct {
	GravityMS2 float64 `json:"gravity_m_s2"`
	TimeStepS  float64 `json:"time_step_s"`
}

type SetMappingInput struct {
	OriginPx    domain.Vec2 `json:"origin_px"`
	ScaleMPerPx float64     `json:"scale_m_per_px"`
}

// ── Plumbing ────────────────────────────────────────────────

// mutation describes what an edit touched.
type mutation struct {
	note        string
	message     string
	bodies      []string
	constraints []string
}

// apply runs fn under the conversation lock. fn validates before it mutates
// the document; on error nothing is recorded.
func (s *SceneService) apply(ctx context.Context, conversationID string, fn func(c *Conversation) (mutation, error)) (*EditResult, error) {
	conv, release, err := s.registry.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := fn(conv)
	if err != nil {
		return nil, err
	}
	sc := conv.Doc.Record(m.note)
	if err := s.registry.Persist(ctx, conv); err != nil {
		s.log.Warn("persist after edit failed", "conversation", conversationID, "note", m.note, "err", err)
	}
	s.emitter.Emit(ctx, EventSceneUpdated, map[string]string{"conversationId": conversationID, "note": m.note})
	s.log.Info("scene edited", "conversation", conversationID, "note", m.note)

	return &EditResult{
		Scene:                sc,
		Message:              m.message,
		UpdatedBodyIDs:       nonNil(m.bodies),
		UpdatedConstraintIDs: nonNil(m.constraints),
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func clampedSuffix(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return " (clamped: " + strings.Join(tags, ", ") + ")"
}

// clampBody fits rectangles and circles inside the conversation image and
// updates the boundary tags. Polygons pass through.
func clampBody(b *domain.Body, mapping *domain.Mapping, img *domain.ImageMeta) []string {
	var tags []string
	switch b.Collider.Type {
	case domain.ColliderRectangle:
		res := geometry.ClampRect(b.PositionM, domain.Vec2{b.Collider.WidthM, b.Collider.HeightM}, mapping, img)
		b.PositionM = res.Center
		b.Collider.WidthM, b.Collider.HeightM = res.Size.X(), res.Size.Y()
		tags = res.Adjustments
	case domain.ColliderCircle:
		res, r := geometry.ClampCircle(b.PositionM, b.Collider.RadiusM, mapping, img)
		b.PositionM = res.Center
		b.Collider.RadiusM = r
		tags = res.Adjustments
	}
	setBoundaryTags(b, tags)
	return tags
}

func setBoundaryTags(b *domain.Body, tags []string) {
	if len(tags) > 0 {
		if b.Meta == nil {
			b.Meta = &domain.BodyMeta{}
		}
		b.Meta.ImageBoundaryAdjustments = append([]string(nil), tags...)
		return
	}
	if b.Meta != nil {
		b.Meta.ImageBoundaryAdjustments = nil
		if b.Meta.Empty() {
			b.Meta = nil
		}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteVec(v domain.Vec2) bool {
	return finite(v.X()) && finite(v.Y())
}

func checkNonNegative(name string, v *float64) error {
	if v != nil && (!finite(*v) || *v < 0) {
		return fmt.Errorf("%s must be >= 0, got %v: %w", name, *v, domain.ErrInvalidArgument)
	}
	return nil
}

func checkMaterial(friction, restitution, density *float64) error {
	if err := checkNonNegative("friction", friction); err != nil {
		return err
	}
	if restitution != nil && (!finite(*restitution) || *restitution < 0 || *restitution > 1) {
		return fmt.Errorf("restitution must be in [0, 1], got %v: %w", *restitution, domain.ErrInvalidArgument)
	}
	return checkNonNegative("density_kg_m3", density)
}

func checkMass(mass *float64) error {
	if mass != nil && (!finite(*mass) || *mass <= 0) {
		return fmt.Errorf("mass_kg must be > 0, got %v: %w", *mass, domain.ErrInvalidArgument)
	}
	return nil
}

func checkSize(size domain.Vec2) error {
	if !finiteVec(size) || size.X() <= 0 || size.Y() <= 0 {
		return fmt.Errorf("block size must be positive, got %v: %w", size, domain.ErrInvalidGeometry)
	}
	return nil
}

func mergeMaterial(m *domain.Material, friction, restitution, density *float64) *domain.Material {
	if m == nil {
		m = &domain.Material{}
	}
	if friction != nil {
		m.Friction = domain.Ptr(*friction)
	}
	if restitution != nil {
		m.Restitution = domain.Ptr(*restitution)
	}
	if density != nil {
		m.DensityKgM3 = domain.Ptr(*density)
	}
	if m.Empty() {
		return nil
	}
	return m
}

func ensureMass(b *domain.Body) {
	if b.Type == domain.BodyTypeDynamic && b.MassKg == nil {
		b.MassKg = domain.Ptr(defaultMassKg)
	}
}

// ── Edit operations ─────────────────────────────────────────

// CreateBlock adds a rectangular body. An explicit id replaces an existing body.
func (s *SceneService) CreateBlock(ctx context.Context, conversationID string, in CreateBlockInput) (*EditResult, error) {
	if err := checkSize(in.SizeM); err != nil {
		return nil, err
	}
	if !finiteVec(in.PositionM) {
		return nil, fmt.Errorf("position_m must be finite: %w", domain.ErrInvalidArgument)
	}
	if in.BodyType == "" {
		in.BodyType = domain.BodyTypeDynamic
	}
	if !in.BodyType.Valid() {
		return nil, fmt.Errorf("body_type %q: %w", in.BodyType, domain.ErrInvalidArgument)
	}
	if err := checkMass(in.MassKg); err != nil {
		return nil, err
	}
	if err := checkMaterial(in.Friction, in.Restitution, in.DensityKgM3); err != nil {
		return nil, err
	}

	return s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		id := in.BodyID
		if id == "" {
			id = c.Doc.NextBodyID("block")
		}
		b := domain.Body{
			ID:        id,
			Type:      in.BodyType,
			PositionM: in.PositionM,
			Collider:  domain.Collider{Type: domain.ColliderRectangle, WidthM: in.SizeM.X(), HeightM: in.SizeM.Y()},
			Material:  mergeMaterial(nil, in.Friction, in.Restitution, in.DensityKgM3),
			Notes:     in.Notes,
		}
		if in.VelocityMS != nil {
			b.VelocityMS = domain.Ptr(*in.VelocityMS)
		}
		if in.AngleRad != nil {
			b.AngleRad = domain.Ptr(*in.AngleRad)
		}
		if in.MassKg != nil {
			b.MassKg = domain.Ptr(*in.MassKg)
		}
		ensureMass(&b)
		tags := clampBody(&b, c.Doc.Mapping(), c.Image)
		c.Doc.PutBody(b)

		return mutation{
			note:    "create_block:" + id,
			message: fmt.Sprintf("Block '%s' created%s", id, clampedSuffix(tags)),
			bodies:  []string{id},
		}, nil
	})
}

// ModifyBlock merges the provided fields into an existing body.
func (s *SceneService) ModifyBlock(ctx context.Context, conversationID string, in ModifyBlockInput) (*EditResult, error) {
	if in.SizeM != nil {
		if err := checkSize(*in.SizeM); err != nil {
			return nil, err
		}
	}
	if in.PositionM != nil && !finiteVec(*in.PositionM) {
		return nil, fmt.Errorf("position_m must be finite: %w", domain.ErrInvalidArgument)
	}
	if in.BodyType != nil && !in.BodyType.Valid() {
		return nil, fmt.Errorf("body_type %q: %w", *in.BodyType, domain.ErrInvalidArgument)
	}
	if err := checkMass(in.MassKg); err != nil {
		return nil, err
	}
	if err := checkMaterial(in.Friction, in.Restitution, in.DensityKgM3); err != nil {
		return nil, err
	}

	return s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		b, ok := c.Doc.Body(in.BodyID)
		if !ok {
			return mutation{}, fmt.Errorf("body %q: %w", in.BodyID, domain.ErrBodyNotFound)
		}

		if in.PositionM != nil {
			b.PositionM = *in.PositionM
		}
		if in.SizeM != nil {
			b.Collider = domain.Collider{Type: domain.ColliderRectangle, WidthM: in.SizeM.X(), HeightM: in.SizeM.Y()}
		}
		if in.BodyType != nil {
			b.Type = *in.BodyType
		}
		if in.AngleRad != nil {
			b.AngleRad = domain.Ptr(*in.AngleRad)
		}
		if in.VelocityMS != nil {
			b.VelocityMS = domain.Ptr(*in.VelocityMS)
		}
		if in.MassKg != nil {
			b.MassKg = domain.Ptr(*in.MassKg)
		}
		if in.Notes != nil {
			b.Notes = *in.Notes
		}
		b.Material = mergeMaterial(b.Material, in.Friction, in.Restitution, in.DensityKgM3)
		ensureMass(&b)

		tags := clampBody(&b, c.Doc.Mapping(), c.Image)
		c.Doc.PutBody(b)

		return mutation{
			note:    "modify_block:" + b.ID,
			message: fmt.Sprintf("Block '%s' updated%s", b.ID, clampedSuffix(tags)),
			bodies:  []string{b.ID},
		}, nil
	})
}

// RemoveBlock deletes a body and the constraints attached to it. Removing
// an absent body is not an error; a snapshot is still recorded.
func (s *SceneService) RemoveBlock(ctx context.Context, conversationID, bodyID string) (*EditResult, error) {
	return s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		existed, dropped := c.Doc.RemoveBody(bodyID)
		msg := fmt.Sprintf("Block '%s' removed", bodyID)
		switch {
		case !existed:
			msg = fmt.Sprintf("Block '%s' was not present", bodyID)
		case len(dropped) > 0:
			msg += fmt.Sprintf(" with constraints %s", strings.Join(dropped, ", "))
		}
		return mutation{
			note:        "remove_block:" + bodyID,
			message:     msg,
			bodies:      []string{bodyID},
			constraints: dropped,
		}, nil
	})
}

// CreatePulley adds a static circular pulley body and, when an axle radius
// is given, a static axle body parented to it.
func (s *SceneService) CreatePulley(ctx context.Context, conversationID string, in CreatePulleyInput) (*EditResult, error) {
	if !finite(in.RadiusM) || in.RadiusM <= 0 {
		return nil, fmt.Errorf("pulley radius must be positive, got %v: %w", in.RadiusM, domain.ErrInvalidGeometry)
	}
	if !finiteVec(in.CenterM) {
		return nil, fmt.Errorf("center_m must be finite: %w", domain.ErrInvalidArgument)
	}
	if in.AxleRadiusM != nil && (!finite(*in.AxleRadiusM) || *in.AxleRadiusM < 0) {
		return nil, fmt.Errorf("axle radius must be >= 0, got %v: %w", *in.AxleRadiusM, domain.ErrInvalidGeometry)
	}

	return s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		id := in.PulleyID
		if id == "" {
			id = c.Doc.NextBodyID("pulley")
		}
		notes := in.Notes
		if notes == "" {
			notes = "pulley"
		}
		pulley := domain.Body{
			ID:         id,
			Type:       domain.BodyTypeStatic,
			PositionM:  in.CenterM,
			VelocityMS: &domain.Vec2{0, 0},
			Collider:   domain.Collider{Type: domain.ColliderCircle, RadiusM: in.RadiusM},
			Notes:      notes,
			Meta:       &domain.BodyMeta{Category: "pulley"},
		}
		tags := clampBody(&pulley, c.Doc.Mapping(), c.Image)
		updated := []string{id}

		var axle *domain.Body
		if in.AxleRadiusM != nil && *in.AxleRadiusM > 0 {
			axleID := in.AxleBodyID
			if axleID == "" {
				axleID = id + "_axle"
			}
			if axleID == id {
				return mutation{}, fmt.Errorf("axle id %q equals pulley id: %w", axleID, domain.ErrInvalidArgument)
			}
			if b, ok := c.Doc.Body(axleID); ok && !isAxleOf(b, id) {
				return mutation{}, fmt.Errorf("axle id %q is taken by another body: %w", axleID, domain.ErrInvalidArgument)
			}
			axle = &domain.Body{
				ID:         axleID,
				Type:       domain.BodyTypeStatic,
				PositionM:  pulley.PositionM,
				VelocityMS: &domain.Vec2{0, 0},
				Collider:   domain.Collider{Type: domain.ColliderCircle, RadiusM: math.Max(0.01, *in.AxleRadiusM)},
				Notes:      "axle",
				Meta:       &domain.BodyMeta{Category: "axle", Parent: id},
			}
			clampBody(axle, c.Doc.Mapping(), c.Image)
			updated = append(updated, axleID)
		}

		// axles left over from an earlier version of this pulley
		var dropped []string
		for _, bid := range c.Doc.BodyIDs() {
			b, _ := c.Doc.Body(bid)
			if isAxleOf(b, id) && (axle == nil || bid != axle.ID) {
				_, cons := c.Doc.RemoveBody(bid)
				dropped = append(dropped, cons...)
				updated = append(updated, bid)
			}
		}

		c.Doc.PutBody(pulley)
		if axle != nil {
			c.Doc.PutBody(*axle)
		}
		return mutation{
			note:        "create_pulley:" + id,
			message:     fmt.Sprintf("Pulley '%s' created%s", id, clampedSuffix(tags)),
			bodies:      updated,
			constraints: dropped,
		}, nil
	})
}

func isAxleOf(b domain.Body, pulleyID string) bool {
	return b.Meta != nil && b.Meta.Category == "axle" && b.Meta.Parent == pulleyID
}

// CreateRope links two bodies with a rope constraint. Both non-empty body
// references must already exist; an empty reference anchors to the world.
func (s *SceneService) CreateRope(ctx context.Context, conversationID string, in CreateRopeInput) (*EditResult, error) {
	if in.BodyA == "" && in.BodyB == "" {
		return nil, fmt.Errorf("rope needs at least one body: %w", domain.ErrInvalidArgument)
	}
	for name, v := range map[string]*float64{"length_m": in.LengthM, "stiffness": in.Stiffness, "damping": in.Damping} {
		if err := checkNonNegative(name, v); err != nil {
			return nil, err
		}
	}

	return s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		id := in.ConstraintID
		if id == "" {
			id = c.Doc.NextConstraintID("rope")
		}
		rope := domain.Constraint{
			ID:        id,
			Type:      domain.ConstraintRope,
			BodyA:     in.BodyA,
			BodyB:     in.BodyB,
			AnchorAM:  in.AnchorAM,
			AnchorBM:  in.AnchorBM,
			LengthM:   in.LengthM,
			Stiffness: in.Stiffness,
			Damping:   in.Damping,
			Notes:     in.Notes,
		}
		if err := c.Doc.PutConstraint(rope); err != nil {
			return mutation{}, err
		}
		return mutation{
			note:        "create_rope:" + id,
			message:     fmt.Sprintf("Rope '%s' created", id),
			constraints: []string{id},
		}, nil
	})
}

// SetWorld overwrites gravity and time step. Gravity is stored as a
// magnitude; its direction is always -y.
func (s *SceneService) SetWorld(ctx context.Context, conversationID string, in SetWorldInput) (*EditResult, error) {
	// the sign of gravity is accepted either way; down is implied
	world := domain.World{GravityMS2: math.Abs(in.GravityMS2), TimeStepS: in.TimeStepS}
	if err := world.Validate(); err != nil {
		return nil, err
	}
	return s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		c.Doc.SetWorld(world)
		return mutation{note: "set_world", message: "World settings updated"}, nil
	})
}

// SetMapping overwrites the pixel to meter mapping. Existing bodies are not
// re-projected.
func (s *SceneService) SetMapping(ctx context.Context, conversationID string, in SetMappingInput) (*EditResult, error) {
	if !finite(in.ScaleMPerPx) || in.ScaleMPerPx <= 0 {
		return nil, fmt.Errorf("scale_m_per_px must be > 0, got %v: %w", in.ScaleMPerPx, domain.ErrInvalidMapping)
	}
	if !finiteVec(in.OriginPx) {
		return nil, fmt.Errorf("origin_px must be finite: %w", domain.ErrInvalidMapping)
	}
	return s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		if err := c.Doc.SetMapping(&domain.Mapping{OriginPx: in.OriginPx, ScaleMPerPx: in.ScaleMPerPx}); err != nil {
			return mutation{}, err
		}
		return mutation{note: "set_mapping", message: "Mapping updated"}, nil
	})
}

// ── Conversation-level operations ───────────────────────────

// ResetScene clears the document and seeds world and mapping. A nil
// mapping is derived from the conversation image when there is one.
func (s *SceneService) ResetScene(ctx context.Context, conversationID string, world domain.World, mapping *domain.Mapping, img *domain.ImageMeta) error {
	if mapping != nil && mapping.ScaleMPerPx <= 0 {
		return fmt.Errorf("reset scene: %w", domain.ErrInvalidMapping)
	}
	if err := world.Validate(); err != nil {
		return fmt.Errorf("reset scene: %w", err)
	}
	return s.registry.Update(ctx, conversationID, func(c *Conversation) error {
		if img.Valid() {
			c.Image = img.Clone()
		}
		if mapping == nil && c.Image.Valid() {
			m := geometry.MappingFor(*c.Image, s.registry.opts.DefaultScale)
			mapping = &m
		}
		c.Doc.Reset(world, mapping)
		c.Frames = nil
		c.LastRender = nil
		s.log.Info("scene reset", "conversation", conversationID)
		return nil
	})
}

// Seed replaces the document contents with a prepared scene, typically a
// universal builder result. History is not touched.
func (s *SceneService) Seed(ctx context.Context, conversationID string, sc domain.Scene) error {
	err := s.registry.Update(ctx, conversationID, func(c *Conversation) error {
		return c.Doc.Load(sc)
	})
	if err == nil {
		s.emitter.Emit(ctx, EventSceneUpdated, map[string]string{"conversationId": conversationID, "note": "seed"})
	}
	return err
}

// SetImage records the source image for a conversation.
func (s *SceneService) SetImage(ctx context.Context, conversationID, imageID string, img domain.ImageMeta) error {
	if !img.Valid() {
		return fmt.Errorf("image dimensions must be positive: %w", domain.ErrInvalidArgument)
	}
	return s.registry.Update(ctx, conversationID, func(c *Conversation) error {
		c.ImageID = imageID
		c.Image = img.Clone()
		return nil
	})
}

// Snapshot returns the current scene without recording history.
func (s *SceneService) Snapshot(ctx context.Context, conversationID string) (domain.Scene, error) {
	conv, release, err := s.registry.Acquire(ctx, conversationID)
	if err != nil {
		return domain.Scene{}, err
	}
	defer release()
	return conv.Doc.Snapshot(), nil
}

// History returns every snapshot recorded for the conversation.
func (s *SceneService) History(ctx context.Context, conversationID string) ([]domain.Snapshot, error) {
	conv, release, err := s.registry.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()
	return conv.Doc.History(), nil
}

// Image returns the conversation's image metadata, if any.
func (s *SceneService) Image(ctx context.Context, conversationID string) (*domain.ImageMeta, error) {
	conv, release, err := s.registry.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()
	return conv.Image.Clone(), nil
}

// StoreRender keeps the latest rendered PNG on the conversation.
func (s *SceneService) StoreRender(ctx context.Context, conversationID string, png []byte) error {
	conv, release, err := s.registry.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()
	conv.LastRender = png
	return nil
}

// RecordToolCall appends an audit entry to the conversation and the audit log.
func (s *SceneService) RecordToolCall(ctx context.Context, conversationID, tool string, args json.RawMessage, callErr error, message string) domain.ToolCallRecord {
	rec := domain.ToolCallRecord{
		ID:        uuid.NewString(),
		Tool:      tool,
		Arguments: append(json.RawMessage(nil), args...),
		Status:    domain.ToolCallOK,
		Message:   message,
		At:        time.Now().UTC(),
	}
	if callErr != nil {
		rec.Status = domain.ToolCallError
		rec.Message = callErr.Error()
	}
	s.audit.Record(ctx, conversationID, rec)

	err := s.registry.Update(ctx, conversationID, func(c *Conversation) error {
		c.ToolCalls = append(c.ToolCalls, rec)
		return nil
	})
	if err != nil {
		s.log.Warn("record tool call failed", "conversation", conversationID, "tool", tool, "err", err)
	}
	return rec
}
