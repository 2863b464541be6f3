package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"sceneforge/internal/domain"
	"sceneforge/internal/scene"
)

// ── Batch update ────────────────────────────────────────────

// BodyPatch updates or creates one body. A patch for an unknown id must
// carry a type and a collider.
type BodyPatch struct {
	ID         string           `json:"id"`
	Type       *domain.BodyType `json:"type,omitempty"`
	PositionM  *domain.Vec2     `json:"position_m,omitempty"`
	VelocityMS *domain.Vec2     `json:"velocity_m_s,omitempty"`
	AngleRad   *float64         `json:"angle_rad,omitempty"`
	MassKg     *float64         `json:"mass_kg,omitempty"`
	Collider   *domain.Collider `json:"collider,omitempty"`
	Material   *domain.Material `json:"material,omitempty"`
	Notes      *string          `json:"notes,omitempty"`
}

type BatchUpdateInput struct {
	Bodies              []BodyPatch         `json:"bodies,omitempty"`
	Constraints         []domain.Constraint `json:"constraints,omitempty"`
	RemoveBodyIDs       []string            `json:"remove_body_ids,omitempty"`
	RemoveConstraintIDs []string            `json:"remove_constraint_ids,omitempty"`

	Simulate  bool    `json:"simulate,omitempty"`
	DurationS float64 `json:"duration_s,omitempty"`
	FrameRate int     `json:"frame_rate,omitempty"`
}

type BatchResult struct {
	EditResult
	Warnings []string       `json:"warnings,omitempty"`
	Frames   []domain.Frame `json:"frames,omitempty"`
}

const (
	defaultSimDurationS = 5.0
	defaultSimFrameRate = 60
)

// BatchUpdate applies many edits as one unit: either all of them land and a
// single snapshot is recorded, or none do. With Simulate set, the resulting
// scene is handed to the engine after the conversation lock is released.
// Engine failures are reported as warnings; the edits stay applied.
func (s *SceneService) BatchUpdate(ctx context.Context, conversationID string, in BatchUpdateInput) (*BatchResult, error) {
	for _, p := range in.Bodies {
		if err := checkPatch(p); err != nil {
			return nil, err
		}
	}
	for _, c := range in.Constraints {
		if err := checkConstraint(c); err != nil {
			return nil, err
		}
	}

	note := fmt.Sprintf("batch_update: %d bodies, %d constraints", len(in.Bodies), len(in.Constraints))
	var warnings []string

	res, err := s.apply(ctx, conversationID, func(c *Conversation) (mutation, error) {
		work, err := scene.Restore(c.Doc.Snapshot(), nil)
		if err != nil {
			return mutation{}, err
		}
		mapping := work.Mapping()

		var touchedBodies, touchedConstraints []string
		for _, p := range in.Bodies {
			b, ok := work.Body(p.ID)
			if !ok {
				if p.Type == nil || p.Collider == nil {
					return mutation{}, fmt.Errorf("body %q: new bodies need type and collider: %w", p.ID, domain.ErrBodyNotFound)
				}
				b = domain.Body{ID: p.ID}
			}
			applyPatch(&b, p)
			ensureMass(&b)
			if tags := clampBody(&b, mapping, c.Image); len(tags) > 0 {
				warnings = append(warnings, fmt.Sprintf("body %s clamped: %v", b.ID, tags))
			}
			work.PutBody(b)
			touchedBodies = append(touchedBodies, b.ID)
		}

		for _, id := range in.RemoveBodyIDs {
			if _, dropped := work.RemoveBody(id); len(dropped) > 0 {
				touchedConstraints = append(touchedConstraints, dropped...)
			}
			touchedBodies = append(touchedBodies, id)
		}
		for _, id := range in.RemoveConstraintIDs {
			work.RemoveConstraint(id)
			touchedConstraints = append(touchedConstraints, id)
		}

		for _, con := range in.Constraints {
			if con.ID == "" {
				con.ID = work.NextConstraintID(string(con.Type))
			}
			if err := work.PutConstraint(con); err != nil {
				return mutation{}, err
			}
			touchedConstraints = append(touchedConstraints, con.ID)
		}

		if err := c.Doc.Load(work.Snapshot()); err != nil {
			return mutation{}, err
		}
		return mutation{
			note:        note,
			message:     fmt.Sprintf("Applied %d body and %d constraint updates", len(in.Bodies), len(in.Constraints)),
			bodies:      lo.Uniq(touchedBodies),
			constraints: lo.Uniq(touchedConstraints),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	out := &BatchResult{EditResult: *res, Warnings: warnings}
	if !in.Simulate {
		return out, nil
	}

	frames, err := s.Simulate(ctx, conversationID, domain.SimulationRequest{DurationS: in.DurationS, FrameRate: in.FrameRate})
	if err != nil {
		out.Warnings = append(out.Warnings, "simulation failed: "+err.Error())
		return out, nil
	}
	out.Frames = frames
	return out, nil
}

func checkPatch(p BodyPatch) error {
	if p.ID == "" {
		return fmt.Errorf("body patch without id: %w", domain.ErrInvalidArgument)
	}
	if p.Type != nil && !p.Type.Valid() {
		return fmt.Errorf("body %s type %q: %w", p.ID, *p.Type, domain.ErrInvalidArgument)
	}
	if p.PositionM != nil && !finiteVec(*p.PositionM) {
		return fmt.Errorf("body %s position must be finite: %w", p.ID, domain.ErrInvalidArgument)
	}
	if err := checkMass(p.MassKg); err != nil {
		return fmt.Errorf("body %s: %w", p.ID, err)
	}
	if p.Material != nil {
		if err := checkMaterial(p.Material.Friction, p.Material.Restitution, p.Material.DensityKgM3); err != nil {
			return fmt.Errorf("body %s: %w", p.ID, err)
		}
	}
	if p.Collider != nil {
		if err := checkCollider(*p.Collider); err != nil {
			return fmt.Errorf("body %s: %w", p.ID, err)
		}
	}
	return nil
}

func checkCollider(c domain.Collider) error {
	switch c.Type {
	case domain.ColliderRectangle:
		return checkSize(domain.Vec2{c.WidthM, c.HeightM})
	case domain.ColliderCircle:
		if !finite(c.RadiusM) || c.RadiusM <= 0 {
			return fmt.Errorf("circle radius must be positive: %w", domain.ErrInvalidGeometry)
		}
	case domain.ColliderPolygon:
		if len(c.VerticesM) < 3 {
			return fmt.Errorf("polygon needs at least 3 vertices: %w", domain.ErrInvalidGeometry)
		}
	default:
		return fmt.Errorf("collider type %q: %w", c.Type, domain.ErrInvalidGeometry)
	}
	return nil
}

func checkConstraint(c domain.Constraint) error {
	if !c.Type.Valid() {
		return fmt.Errorf("constraint %s type %q: %w", c.ID, c.Type, domain.ErrInvalidArgument)
	}
	if c.BodyA == "" && c.BodyB == "" {
		return fmt.Errorf("constraint %s needs at least one body: %w", c.ID, domain.ErrInvalidArgument)
	}
	for name, v := range map[string]*float64{"length_m": c.LengthM, "stiffness": c.Stiffness, "damping": c.Damping, "wheel_radius_m": c.WheelRadiusM} {
		if err := checkNonNegative(name, v); err != nil {
			return fmt.Errorf("constraint %s: %w", c.ID, err)
		}
	}
	return nil
}

func applyPatch(b *domain.Body, p BodyPatch) {
	if p.Type != nil {
		b.Type = *p.Type
	}
	if p.PositionM != nil {
		b.PositionM = *p.PositionM
	}
	if p.VelocityMS != nil {
		b.VelocityMS = domain.Ptr(*p.VelocityMS)
	}
	if p.AngleRad != nil {
		b.AngleRad = domain.Ptr(*p.AngleRad)
	}
	if p.MassKg != nil {
		b.MassKg = domain.Ptr(*p.MassKg)
	}
	if p.Collider != nil {
		b.Collider = p.Collider.Clone()
	}
	if p.Material != nil {
		b.Material = mergeMaterial(b.Material, p.Material.Friction, p.Material.Restitution, p.Material.DensityKgM3)
	}
	if p.Notes != nil {
		b.Notes = *p.Notes
	}
}

// ── Simulation ──────────────────────────────────────────────

// ErrNoEngine is returned when simulation is requested without an engine.
var ErrNoEngine = errors.New("physics engine not configured")

// Simulate runs the current scene through the engine and stores the frames
// on the conversation. The conversation lock is not held while the engine runs.
func (s *SceneService) Simulate(ctx context.Context, conversationID string, req domain.SimulationRequest) ([]domain.Frame, error) {
	if s.engine == nil {
		return nil, ErrNoEngine
	}
	if req.DurationS <= 0 {
		req.DurationS = s.simDef.DurationS
	}
	if req.FrameRate <= 0 {
		req.FrameRate = s.simDef.FrameRate
	}

	sc, err := s.Snapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	frames, err := s.engine.Simulate(ctx, sc, req)
	if err != nil {
		s.log.Error("simulation failed", "conversation", conversationID, "err", err)
		return nil, fmt.Errorf("simulate %s: %w", conversationID, err)
	}

	err = s.registry.Update(ctx, conversationID, func(c *Conversation) error {
		c.Frames = frames
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(ctx, EventSimulationCompleted, map[string]any{"conversationId": conversationID, "frames": len(frames)})
	s.log.Info("simulation stored", "conversation", conversationID, "frames", len(frames))
	return frames, nil
}
