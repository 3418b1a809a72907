package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDraftNotFound   = errors.New("draft not found")

	// Invariant-violation requests; rejected before any state change.
	ErrLastSession = errors.New("cannot delete the only remaining chat")
	ErrLastDraft   = errors.New("cannot delete the only remaining draft")

	ErrInvalidTitle = errors.New("title must not be empty")
	ErrEmptyMessage = errors.New("message must not be empty")

	// ErrQuotaExceeded means the local store is full and the write was dropped.
	ErrQuotaExceeded = errors.New("local storage quota exceeded")

	// ErrBusy is returned when a send is already in flight.
	ErrBusy = errors.New("a message is already being sent")
)
