package mock

import "errors"

// Mock package errors.
var (
	// ErrBoxClosed is returned when operating on a closed box.
	ErrBoxClosed = errors.New("box closed")

	// ErrNoClients is returned by Push when no client is authenticated.
	ErrNoClients = errors.New("no authenticated clients")
)
