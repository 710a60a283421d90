// Package geometry validates clip rectangles against page bounds.
// Coordinates are document units with the origin fixed by the page format.
package geometry

import "fmt"

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Bounds struct {
	Width  int
	Height int
}

// Validate checks a rectangle against the bounds of the page it sits on.
// Bounds must come from the document's real page dimensions, never from a
// global maximum.
func Validate(r Rect, b Bounds) error {
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("origin must be non-negative, got (%d, %d)", r.X, r.Y)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("dimensions must be positive, got %dx%d", r.Width, r.Height)
	}
	if r.X+r.Width > b.Width {
		return fmt.Errorf("right edge %d exceeds page width %d", r.X+r.Width, b.Width)
	}
	if r.Y+r.Height > b.Height {
		return fmt.Errorf("bottom edge %d exceeds page height %d", r.Y+r.Height, b.Height)
	}
	return nil
}

// Merge overlays the provided axes onto the current rectangle. Unspecified
// axes inherit their current values.
func Merge(current Rect, x, y, width, height *int) Rect {
	merged := current
	if x != nil {
		merged.X = *x
	}
	if y != nil {
		merged.Y = *y
	}
	if width != nil {
		merged.Width = *width
	}
	if height != nil {
		merged.Height = *height
	}
	return merged
}
