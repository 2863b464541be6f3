package domain

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (c Collider) Clone() Collider {
	out := c
	if c.VerticesM != nil {
		out.VerticesM = append([]Vec2(nil), c.VerticesM...)
	}
	return out
}

func (m *Material) Clone() *Material {
	if m == nil {
		return nil
	}
	return &Material{
		Friction:    clonePtr(m.Friction),
		Restitution: clonePtr(m.Restitution),
		DensityKgM3: clonePtr(m.DensityKgM3),
	}
}

func (m *BodyMeta) Clone() *BodyMeta {
	if m == nil {
		return nil
	}
	out := *m
	if m.ImageBoundaryAdjustments != nil {
		out.ImageBoundaryAdjustments = append([]string(nil), m.ImageBoundaryAdjustments...)
	}
	return &out
}

func (b Body) Clone() Body {
	out := b
	out.VelocityMS = clonePtr(b.VelocityMS)
	out.AngleRad = clonePtr(b.AngleRad)
	out.MassKg = clonePtr(b.MassKg)
	out.Collider = b.Collider.Clone()
	out.Material = b.Material.Clone()
	out.Meta = b.Meta.Clone()
	return out
}

func (c Constraint) Clone() Constraint {
	out := c
	out.AnchorAM = clonePtr(c.AnchorAM)
	out.AnchorBM = clonePtr(c.AnchorBM)
	out.LengthM = clonePtr(c.LengthM)
	out.Stiffness = clonePtr(c.Stiffness)
	out.Damping = clonePtr(c.Damping)
	out.WheelRadiusM = clonePtr(c.WheelRadiusM)
	out.PulleyAnchorM = clonePtr(c.PulleyAnchorM)
	return out
}

func (s Scene) Clone() Scene {
	out := Scene{
		Version:     s.Version,
		World:       s.World,
		Bodies:      make([]Body, len(s.Bodies)),
		Constraints: make([]Constraint, len(s.Constraints)),
		Mapping:     s.Mapping.Clone(),
	}
	for i, b := range s.Bodies {
		out.Bodies[i] = b.Clone()
	}
	for i, c := range s.Constraints {
		out.Constraints[i] = c.Clone()
	}
	return out
}

func (s Snapshot) Clone() Snapshot {
	return Snapshot{Timestamp: s.Timestamp, Note: s.Note, Scene: s.Scene.Clone()}
}

func (f Frame) Clone() Frame {
	return Frame{
		T:          f.T,
		Positions:  cloneVecMap(f.Positions),
		Velocities: cloneVecMap(f.Velocities),
		Forces:     cloneVecMap(f.Forces),
	}
}

func cloneVecMap(m map[string]Vec2) map[string]Vec2 {
	if m == nil {
		return nil
	}
	out := make(map[string]Vec2, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
