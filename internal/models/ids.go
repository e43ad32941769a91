package models

import (
	"fmt"
	"strings"
)

// Typed handles. Entities refer to each other only through these.
type (
	TimestampID  string
	VolumeID     string
	AnnotationID string
	AtlasID      string
	ReportID     string
)

// Color is an 8-bit RGB triple.
type Color [3]int

// Valid reports whether every component is within 0..255.
func (c Color) Valid() bool {
	for _, v := range c {
		if v < 0 || v > 255 {
			return false
		}
	}
	return true
}

// String renders the color as #rrggbb.
func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// ColorFromSlice converts a three-element slice, as read from config or a manifest.
func ColorFromSlice(v []int) (Color, error) {
	if len(v) != 3 {
		return Color{}, Validationf("color needs 3 components, got %d", len(v))
	}
	c := Color{v[0], v[1], v[2]}
	if !c.Valid() {
		return Color{}, Validationf("color %v out of range", v)
	}
	return c, nil
}

// Slug turns a display name into a folder-safe token.
func Slug(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
