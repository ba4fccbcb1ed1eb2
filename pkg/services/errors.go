// Package services contains the orchestration layer between the HTTP
// handlers and the tracking engine.
package services

import "errors"

var (
	// ErrUnsupportedPlatform is returned when a start request names a
	// platform no adapter is registered for.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrNoPlatforms is returned when a start-all request finds no
	// registered platforms.
	ErrNoPlatforms = errors.New("no platforms registered")
)
