package mode

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Mode
	}{
		{"overlay", Overlay},
		{"auto", Overlay}, // legacy alias
		{"AUTO", Overlay},
		{"magic", Magic},
		{"image", Image},
		{"ignore", Ignore},
		{"  overlay  ", Overlay},
	}

	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "hybrid", "bind", "overlayfs", "0"} {
		_, err := Parse(in)
		if !errors.Is(err, ErrUnknownMode) {
			t.Errorf("Parse(%q) error = %v, want ErrUnknownMode", in, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, m := range All() {
		got, err := Parse(m.String())
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", m.String(), err)
		}
		if got != m {
			t.Errorf("Parse(%q) = %v, want %v", m.String(), got, m)
		}
	}
}

func TestMarshalText(t *testing.T) {
	t.Parallel()

	text, err := Magic.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	if string(text) != "magic" {
		t.Errorf("MarshalText() = %q, want %q", text, "magic")
	}

	var m Mode
	if err := m.UnmarshalText([]byte("auto")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if m != Overlay {
		t.Errorf("UnmarshalText(auto) = %v, want Overlay", m)
	}

	if _, err := Mode(42).MarshalText(); err == nil {
		t.Error("MarshalText() on invalid mode: error = nil, want error")
	}
}
