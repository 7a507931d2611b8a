package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldOwnerID   = "owner_id"
	FieldRecordID  = "record_id"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldFailure  = "failure"

	// Path fields
	FieldPath     = "path"
	FieldSpoolDir = "spool_dir"
)
