package domain

import "errors"

// Errors shared across the scene packages. Callers match with errors.Is.
var (
	// ErrConversationNotFound indicates an unknown or evicted conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrBodyNotFound indicates an edit referencing a body that is not in the scene.
	ErrBodyNotFound = errors.New("body not found")

	// ErrConstraintNotFound indicates an edit referencing a missing constraint.
	ErrConstraintNotFound = errors.New("constraint not found")

	// ErrInvalidGeometry indicates a non-positive size, radius or similar.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrInvalidArgument indicates a value outside its valid range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidMapping indicates a non-positive pixel to meter scale.
	ErrInvalidMapping = errors.New("invalid mapping")

	// ErrUnsupportedTool indicates a tool name outside the catalogue.
	ErrUnsupportedTool = errors.New("unsupported tool")

	// ErrBuildInProgress indicates a build loop already running for the conversation.
	ErrBuildInProgress = errors.New("build already in progress")

	// ErrOracle indicates a failed or malformed reasoning oracle exchange.
	ErrOracle = errors.New("oracle call failed")

	// ErrEngine indicates a failed physics engine run.
	ErrEngine = errors.New("physics engine failed")
)
