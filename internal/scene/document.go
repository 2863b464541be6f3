// Package scene holds the mutable per-conversation scene document and its
// snapshot history.
package scene

import (
	"fmt"
	"strconv"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"sceneforge/internal/domain"
)

// Document is the authoritative state of one conversation's scene. Bodies
// and constraints keep insertion order; Snapshot is the only place they are
// flattened to lists.
//
// A Document is not safe for concurrent use. The registry serialises access
// per conversation.
type Document struct {
	world       domain.World
	mapping     *domain.Mapping
	bodies      *orderedmap.OrderedMap[string, domain.Body]
	constraints *orderedmap.OrderedMap[string, domain.Constraint]
	history     []domain.Snapshot

	now func() time.Time
}

func New(world domain.World, mapping *domain.Mapping) *Document {
	d := &Document{now: time.Now}
	d.Reset(world, mapping)
	return d
}

// WithClock replaces the snapshot clock. Used by tests.
func (d *Document) WithClock(now func() time.Time) *Document {
	d.now = now
	return d
}

// Reset clears bodies, constraints and history and seeds world and mapping.
func (d *Document) Reset(world domain.World, mapping *domain.Mapping) {
	d.world = world
	d.mapping = mapping.Clone()
	d.bodies = orderedmap.New[string, domain.Body]()
	d.constraints = orderedmap.New[string, domain.Constraint]()
	d.history = nil
}

func (d *Document) World() domain.World { return d.world }

func (d *Document) SetWorld(w domain.World) { d.world = w }

// Mapping returns a copy of the current mapping, or nil.
func (d *Document) Mapping() *domain.Mapping { return d.mapping.Clone() }

func (d *Document) SetMapping(m *domain.Mapping) error {
	if m != nil && m.ScaleMPerPx <= 0 {
		return fmt.Errorf("set mapping: scale %g: %w", m.ScaleMPerPx, domain.ErrInvalidMapping)
	}
	d.mapping = m.Clone()
	return nil
}

// ── Bodies ──────────────────────────────────────────────────

func (d *Document) Body(id string) (domain.Body, bool) {
	b, ok := d.bodies.Get(id)
	if !ok {
		return domain.Body{}, false
	}
	return b.Clone(), true
}

func (d *Document) HasBody(id string) bool {
	_, ok := d.bodies.Get(id)
	return ok
}

// PutBody inserts or replaces a body. Replacing keeps the original position
// in the ordering.
func (d *Document) PutBody(b domain.Body) {
	d.bodies.Set(b.ID, b.Clone())
}

// RemoveBody deletes a body and every constraint referencing it. It returns
// whether the body existed and the ids of the removed constraints.
func (d *Document) RemoveBody(id string) (bool, []string) {
	if _, ok := d.bodies.Delete(id); !ok {
		return false, nil
	}
	var dropped []string
	for pair := d.constraints.Oldest(); pair != nil; pair = pair.Next() {
		c := pair.Value
		if c.BodyA == id || c.BodyB == id {
			dropped = append(dropped, pair.Key)
		}
	}
	for _, cid := range dropped {
		d.constraints.Delete(cid)
	}
	return true, dropped
}

func (d *Document) BodyIDs() []string {
	ids := make([]string, 0, d.bodies.Len())
	for pair := d.bodies.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

func (d *Document) BodyCount() int { return d.bodies.Len() }

// ── Constraints ─────────────────────────────────────────────

func (d *Document) Constraint(id string) (domain.Constraint, bool) {
	c, ok := d.constraints.Get(id)
	if !ok {
		return domain.Constraint{}, false
	}
	return c.Clone(), true
}

// PutConstraint inserts or replaces a constraint after checking that its
// body references resolve.
func (d *Document) PutConstraint(c domain.Constraint) error {
	for _, ref := range c.References() {
		if !d.HasBody(ref) {
			return fmt.Errorf("constraint %s references %q: %w", c.ID, ref, domain.ErrBodyNotFound)
		}
	}
	d.constraints.Set(c.ID, c.Clone())
	return nil
}

func (d *Document) RemoveConstraint(id string) bool {
	_, ok := d.constraints.Delete(id)
	return ok
}

func (d *Document) ConstraintCount() int { return d.constraints.Len() }

// NextBodyID returns the first free id of the form prefix_n, n >= BodyCount()+1.
func (d *Document) NextBodyID(prefix string) string {
	return nextID(prefix, d.bodies.Len()+1, d.HasBody)
}

// NextConstraintID returns the first free id of the form prefix_n, n >= ConstraintCount()+1.
func (d *Document) NextConstraintID(prefix string) string {
	return nextID(prefix, d.constraints.Len()+1, func(id string) bool {
		_, ok := d.constraints.Get(id)
		return ok
	})
}

func nextID(prefix string, n int, taken func(string) bool) string {
	for {
		id := prefix + "_" + strconv.Itoa(n)
		if !taken(id) {
			return id
		}
		n++
	}
}

// ── Snapshots ───────────────────────────────────────────────

// Snapshot flattens the document into the canonical external Scene.
func (d *Document) Snapshot() domain.Scene {
	s := domain.Scene{
		Version:     domain.SceneVersion,
		World:       d.world,
		Bodies:      make([]domain.Body, 0, d.bodies.Len()),
		Constraints: make([]domain.Constraint, 0, d.constraints.Len()),
		Mapping:     d.mapping.Clone(),
	}
	for pair := d.bodies.Oldest(); pair != nil; pair = pair.Next() {
		s.Bodies = append(s.Bodies, pair.Value.Clone())
	}
	for pair := d.constraints.Oldest(); pair != nil; pair = pair.Next() {
		s.Constraints = append(s.Constraints, pair.Value.Clone())
	}
	return s
}

// Record appends a snapshot of the current state to history and returns the
// scene it captured.
func (d *Document) Record(note string) domain.Scene {
	scene := d.Snapshot()
	d.history = append(d.history, domain.Snapshot{
		Timestamp: d.now().UTC(),
		Note:      note,
		Scene:     scene.Clone(),
	})
	return scene
}

// History returns deep copies of every recorded snapshot, oldest first.
func (d *Document) History() []domain.Snapshot {
	out := make([]domain.Snapshot, len(d.history))
	for i, s := range d.history {
		out[i] = s.Clone()
	}
	return out
}

func (d *Document) HistoryLen() int { return len(d.history) }

// Load replaces world, mapping, bodies and constraints with the scene's
// contents. History is left untouched.
func (d *Document) Load(s domain.Scene) error {
	next := New(s.World, nil)
	if err := next.SetMapping(s.Mapping); err != nil {
		return err
	}
	for _, b := range s.Bodies {
		if b.ID == "" {
			return fmt.Errorf("load scene: body without id: %w", domain.ErrInvalidArgument)
		}
		next.PutBody(b)
	}
	for _, c := range s.Constraints {
		if err := next.PutConstraint(c); err != nil {
			return fmt.Errorf("load scene: %w", err)
		}
	}
	d.world, d.mapping = next.world, next.mapping
	d.bodies, d.constraints = next.bodies, next.constraints
	return nil
}

// Restore rebuilds a document from a durable record: current state plus history.
func Restore(s domain.Scene, history []domain.Snapshot) (*Document, error) {
	d := New(s.World, nil)
	if err := d.Load(s); err != nil {
		return nil, err
	}
	d.history = make([]domain.Snapshot, len(history))
	for i, h := range history {
		d.history[i] = h.Clone()
	}
	return d, nil
}

// Validate checks referential integrity and mapping scale.
func (d *Document) Validate() error {
	if d.mapping != nil && d.mapping.ScaleMPerPx <= 0 {
		return domain.ErrInvalidMapping
	}
	for pair := d.constraints.Oldest(); pair != nil; pair = pair.Next() {
		for _, ref := range pair.Value.References() {
			if !d.HasBody(ref) {
				return fmt.Errorf("constraint %s references %q: %w", pair.Key, ref, domain.ErrBodyNotFound)
			}
		}
	}
	return nil
}
