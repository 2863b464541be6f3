package domain

// Region is one segmented area of the source diagram.
type Region struct {
	ID        string     `json:"id"`
	BBoxPx    [4]float64 `json:"bbox_px"` // x, y, w, h
	PolygonPx []Vec2     `json:"polygon_px,omitempty"`
}

// BBoxCenter returns the pixel center of the region's bounding box.
func (r Region) BBoxCenter() Vec2 {
	return Vec2{r.BBoxPx[0] + r.BBoxPx[2]/2, r.BBoxPx[1] + r.BBoxPx[3]/2}
}

func (r Region) BBoxArea() float64 {
	return r.BBoxPx[2] * r.BBoxPx[3]
}

type EntityProps struct {
	MassGuessKg  *float64 `json:"mass_guess_kg,omitempty"`
	WheelRadiusM *float64 `json:"wheel_radius_m,omitempty"`
	MuK          *float64 `json:"mu_k,omitempty"`
	Restitution  *float64 `json:"restitution,omitempty"`
	Material     string   `json:"material,omitempty"`
}

// Entity is a labeled region: what the segment depicts.
type Entity struct {
	SegmentID string      `json:"segment_id"`
	Type      string      `json:"type"`
	Props     EntityProps `json:"props"`
}
