// Package mode defines the closed set of mount strategies a module can
// resolve to, and the mapping between those strategies and their external
// string representations in config and override files.
package mode

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the mount strategy resolved for a module.
type Mode int

// The four mount strategies. Exactly one is active per module per cycle.
const (
	// Overlay stacks the module tree as an overlayfs lower layer over the
	// target partition. This is the default strategy.
	Overlay Mode = iota

	// Magic bind-mounts individual files and directories instead of
	// stacking a whole-partition overlay.
	Magic

	// Image reads the module tree out of a loop-mounted backing image
	// before overlaying or binding it into the target partitions.
	Image

	// Ignore excludes the module from mounting entirely.
	Ignore
)

// ErrUnknownMode is returned when an external string does not map to any
// known mode. Callers treat it as a config parse failure, not a default.
var ErrUnknownMode = errors.New("unknown mount mode")

// String returns the canonical external name of the mode.
func (m Mode) String() string {
	switch m {
	case Overlay:
		return "overlay"
	case Magic:
		return "magic"
	case Image:
		return "image"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m >= Overlay && m <= Ignore
}

// MarshalText implements encoding.TextMarshaler so modes serialize as their
// canonical names in JSON and TOML.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Parse maps an external mode string to a Mode. The historical override
// vocabulary used "auto" for the default overlay strategy, so "auto" is
// accepted as an input alias and normalized to Overlay. Unknown strings are
// rejected with ErrUnknownMode rather than silently defaulted.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "overlay", "auto":
		return Overlay, nil
	case "magic":
		return Magic, nil
	case "image":
		return Image, nil
	case "ignore":
		return Ignore, nil
	default:
		return Overlay, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// All returns the defined modes in declaration order.
func All() []Mode {
	return []Mode{Overlay, Magic, Image, Ignore}
}
