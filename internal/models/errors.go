package models

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is returned when band-algebra operands do not share a footprint
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNoValidData is returned when a masked reduction has an empty population
	ErrNoValidData = errors.New("no valid data")

	// ErrNameCollision is returned when assembling bands with duplicate names
	ErrNameCollision = errors.New("band name collision")

	// ErrBandNotFound is returned when a raster lacks a requested band
	ErrBandNotFound = errors.New("band not found")

	// ErrTooManyPixels is returned when a reduction or export exceeds its pixel ceiling
	ErrTooManyPixels = errors.New("too many pixels")
)

// ShapeMismatchError carries the operation and the offending footprints
type ShapeMismatchError struct {
	Operation string
	Detail    string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrShapeMismatch, e.Operation, e.Detail)
}

func (e *ShapeMismatchError) Unwrap() error {
	return ErrShapeMismatch
}

// NameCollisionError names the duplicated band
type NameCollisionError struct {
	Name string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("%s: %q appears more than once", ErrNameCollision, e.Name)
}

func (e *NameCollisionError) Unwrap() error {
	return ErrNameCollision
}

// NewShapeMismatch describes two footprints that cannot be combined
func NewShapeMismatch(op string, a, b Footprint) error {
	return &ShapeMismatchError{
		Operation: op,
		Detail:    fmt.Sprintf("%dx%d@%gm vs %dx%d@%gm", a.Width, a.Height, a.Resolution, b.Width, b.Height, b.Resolution),
	}
}
