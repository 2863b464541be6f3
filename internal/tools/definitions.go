package tools

import "github.com/mark3labs/mcp-go/mcp"

type removeBlockInput struct {
	BodyID string `json:"body_id"`
}

// vec2 declares a [x, y] number pair.
func vec2(name, desc string, opts ...mcp.PropertyOption) mcp.ToolOption {
	opts = append([]mcp.PropertyOption{
		mcp.Description(desc),
		mcp.Items(map[string]any{"type": "number"}),
		mcp.MinItems(2),
		mcp.MaxItems(2),
	}, opts...)
	return mcp.WithArray(name, opts...)
}

func materialOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("friction", mcp.Description("Friction coefficient, >= 0"), mcp.Min(0)),
		mcp.WithNumber("restitution", mcp.Description("Restitution in [0, 1]"), mcp.Min(0), mcp.Max(1)),
		mcp.WithNumber("density_kg_m3", mcp.Description("Density in kg/m^3, >= 0"), mcp.Min(0)),
	}
}

func newTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, opts...)
}

var (
	// ── create_block ───────────────────────────────────
	createBlockTool = newTool("create_block", append([]mcp.ToolOption{
		mcp.WithDescription("Create a rectangular body. Meters, y up. The block is clamped to stay inside the source image."),
		mcp.WithString("body_id", mcp.Description("Body ID (optional; an existing ID is replaced)")),
		vec2("position_m", "Center [x, y] in meters", mcp.Required()),
		vec2("size_m", "Size [width, height] in meters, both > 0", mcp.Required()),
		mcp.WithString("body_type", mcp.Description("dynamic (default), static or kinematic"), mcp.Enum("dynamic", "static", "kinematic")),
		mcp.WithNumber("angle_rad", mcp.Description("Rotation in radians")),
		vec2("velocity_m_s", "Initial velocity [vx, vy] in m/s"),
		mcp.WithNumber("mass_kg", mcp.Description("Mass in kg, > 0 (dynamic bodies default to 1.0)")),
		mcp.WithString("notes", mcp.Description("Free-form notes")),
	}, materialOptions()...)...)

	// ── modify_block ───────────────────────────────────
	modifyBlockTool = newTool("modify_block", append([]mcp.ToolOption{
		mcp.WithDescription("Update fields of an existing body. Only provided fields change."),
		mcp.WithString("body_id", mcp.Description("Body ID"), mcp.Required()),
		vec2("position_m", "New center [x, y] in meters"),
		vec2("size_m", "New size [width, height] in meters; turns the collider into a rectangle"),
		mcp.WithString("body_type", mcp.Description("dynamic, static or kinematic"), mcp.Enum("dynamic", "static", "kinematic")),
		mcp.WithNumber("angle_rad", mcp.Description("Rotation in radians")),
		vec2("velocity_m_s", "Velocity [vx, vy] in m/s"),
		mcp.WithNumber("mass_kg", mcp.Description("Mass in kg, > 0")),
		mcp.WithString("notes", mcp.Description("Free-form notes")),
	}, materialOptions()...)...)

	// ── remove_block ───────────────────────────────────
	removeBlockTool = newTool("remove_block",
		mcp.WithDescription("Remove a body and every constraint attached to it. Removing an absent body is not an error."),
		mcp.WithString("body_id", mcp.Description("Body ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: mcp.ToBoolPtr(true)}),
	)

	// ── create_pulley ──────────────────────────────────
	createPulleyTool = newTool("create_pulley",
		mcp.WithDescription("Create a static circular pulley, optionally with an axle body."),
		mcp.WithString("pulley_id", mcp.Description("Pulley ID (optional)")),
		vec2("center_m", "Center [x, y] in meters", mcp.Required()),
		mcp.WithNumber("radius_m", mcp.Description("Wheel radius in meters, > 0"), mcp.Required()),
		mcp.WithNumber("axle_radius_m", mcp.Description("Axle radius in meters (optional)")),
		mcp.WithString("axle_body_id", mcp.Description("Axle body ID (optional, defaults to <pulley_id>_axle)")),
		mcp.WithString("notes", mcp.Description("Free-form notes")),
	)

	// ── create_rope ────────────────────────────────────
	createRopeTool = newTool("create_rope",
		mcp.WithDescription("Connect two existing bodies with a rope. An empty body reference anchors to the world."),
		mcp.WithString("constraint_id", mcp.Description("Constraint ID (optional)")),
		mcp.WithString("body_a", mcp.Description("First body ID"), mcp.Required()),
		mcp.WithString("body_b", mcp.Description("Second body ID"), mcp.Required()),
		vec2("anchor_a_m", "Anchor offset on body A in meters"),
		vec2("anchor_b_m", "Anchor offset on body B in meters"),
		mcp.WithNumber("length_m", mcp.Description("Rope length in meters, >= 0"), mcp.Min(0)),
		mcp.WithNumber("stiffness", mcp.Description("Stiffness, >= 0"), mcp.Min(0)),
		mcp.WithNumber("damping", mcp.Description("Damping, >= 0"), mcp.Min(0)),
		mcp.WithString("notes", mcp.Description("Free-form notes")),
	)

	// ── set_world ──────────────────────────────────────
	setWorldTool = newTool("set_world",
		mcp.WithDescription("Set gravity magnitude and simulation time step."),
		mcp.WithNumber("gravity_m_s2", mcp.Description("Gravity magnitude in m/s^2"), mcp.Required()),
		mcp.WithNumber("time_step_s", mcp.Description("Time step in seconds, in (0, 0.1]"), mcp.Required()),
	)

	// ── set_mapping ────────────────────────────────────
	setMappingTool = newTool("set_mapping",
		mcp.WithDescription("Set the pixel origin and meters-per-pixel scale. Existing bodies are not re-projected."),
		vec2("origin_px", "Origin [x, y] in image pixels", mcp.Required()),
		mcp.WithNumber("scale_m_per_px", mcp.Description("Meters per pixel, > 0"), mcp.Required()),
	)
)
