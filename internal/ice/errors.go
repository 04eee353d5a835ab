package ice

import "github.com/pkg/errors"

// ICE errors
var (
	ErrNotConnected         = errors.New("ice: component not connected")
	ErrNoCandidates         = errors.New("ice: no candidates available")
	ErrPortRangeUnavailable = errors.New("ice: port range exhausted")
	ErrStreamRemoved        = errors.New("ice: stream removed")
	ErrUnknownStream        = errors.New("ice: unknown stream id")
	ErrUnknownComponent     = errors.New("ice: unknown component id")
)
