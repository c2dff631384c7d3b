package speaker

import "strings"

// ID identifies one speaker within a session. The zero value is Unknown,
// used when the backend could not attribute an utterance to anyone.
type ID struct {
	value string
}

// Unknown is the speaker id for unattributed utterances
var Unknown = ID{}

// NewID wraps a backend speaker identifier. Blank identifiers map to Unknown.
func NewID(raw string) ID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Unknown
	}
	return ID{value: raw}
}

// IsUnknown reports whether the id is the Unknown variant
func (id ID) IsUnknown() bool {
	return id.value == ""
}

// String returns the raw identifier, or "Unknown"
func (id ID) String() string {
	if id.IsUnknown() {
		return "Unknown"
	}
	return id.value
}

// Placeholder returns the display name used when no introduction was heard
func (id ID) Placeholder() string {
	return "Speaker " + id.String()
}
