package models

import "errors"

var (
	ErrRideNotFound            = errors.New("ride not found")
	ErrRideAlreadyAssigned     = errors.New("ride already assigned to a driver")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrUnauthorized            = errors.New("driver was not offered this ride")
	ErrMatchingTimeout         = errors.New("offer expired")
	ErrDriverNotFound          = errors.New("driver not found")
	ErrDriverNotAvailable      = errors.New("driver is not available")
	ErrNoDriversAvailable      = errors.New("no drivers available in the area")
	ErrInvalidLocation         = errors.New("invalid location coordinates")
)
