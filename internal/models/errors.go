package models

import "errors"

// Error taxonomy shared across the sync core. Connectivity failures are
// recoverable and trigger the offline path; validation and conflict failures
// are fatal for the current call and are never queued.
var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("remote unavailable")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPartialTransfer   = errors.New("destination update failed after source was decremented")
)
