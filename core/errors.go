package core

import "errors"

var (
	// ErrInvalidDimension indicates a non-positive grid width or height.
	ErrInvalidDimension = errors.New("invalid grid dimension")
	// ErrInvalidRadius indicates a non-positive body or coverage radius.
	ErrInvalidRadius = errors.New("invalid radius")
	// ErrInvalidAltitude indicates a non-positive orbit altitude.
	ErrInvalidAltitude = errors.New("invalid altitude")
	// ErrInvalidAngularSpeed indicates a NaN or infinite angular speed.
	ErrInvalidAngularSpeed = errors.New("invalid angular speed")
	// ErrInvalidTLE indicates a two-line element set that cannot be propagated.
	ErrInvalidTLE = errors.New("invalid TLE")
)
