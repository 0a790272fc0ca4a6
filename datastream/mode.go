package datastream

import (
	"fmt"
	"strings"
)

// BufferHandlingMode decides which frame a consumer receives relative to
// producer progress.
type BufferHandlingMode int

const (
	// OldestFirstOverwrite delivers every frame in id order. When the
	// producer has overwritten frames the consumer had not read yet, the
	// consumer jumps to the oldest frame still present and reports the gap.
	OldestFirstOverwrite BufferHandlingMode = iota
	// NewestOnly always delivers the most recently submitted frame.
	NewestOnly
)

func (m BufferHandlingMode) Valid() bool {
	return m == OldestFirstOverwrite || m == NewestOnly
}

func (m BufferHandlingMode) String() string {
	switch m {
	case OldestFirstOverwrite:
		return "oldest_first_overwrite"
	case NewestOnly:
		return "newest_only"
	default:
		return fmt.Sprintf("BufferHandlingMode(%d)", int(m))
	}
}

// ParseBufferHandlingMode accepts the String forms plus "oldest" and "newest".
func ParseBufferHandlingMode(s string) (BufferHandlingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oldest", "oldest_first", "oldest_first_overwrite":
		return OldestFirstOverwrite, nil
	case "newest", "newest_only":
		return NewestOnly, nil
	}
	return 0, fmt.Errorf("%w: unknown buffer handling mode %q", ErrInvalidArgument, s)
}
