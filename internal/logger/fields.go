package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the caller-supplied request ID (UUID)
	FieldRequestID = "request_id"

	// FieldScanID is the media analysis run ID
	FieldScanID = "scan_id"

	// FieldContentHash is the content hash being operated on
	FieldContentHash = "content_hash"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldPlatform is the source platform of a sighting or registration
	FieldPlatform = "platform"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldDistance is a Hamming distance in bits
	FieldDistance = "distance"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
