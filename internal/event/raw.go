package event

// RawRecord is a tool-specific record as read from a tool's native storage,
// before normalization. Extractors fill what their format provides and leave
// the rest empty.
type RawRecord struct {
	// Tool is the originating extractor's name.
	Tool string

	// SourceIDs are the source-specific identifiers (session id, message
	// uuid, row key...) the stable event id is derived from.
	SourceIDs []string

	// Timestamp is the source clock value, in whatever textual form the
	// tool stores it (RFC 3339, unix millis).
	Timestamp string

	// Kind is an optional type hint ("decision", "error_resolved").
	Kind string

	// Role is the speaker ("user", "assistant") when the source has one.
	Role string

	// Text is the natural-language content the summary is derived from.
	Text string

	// Files are paths touched by this record, in source order.
	Files []string

	// User overrides the resolved identity when the source records one.
	User string
}
