package service

import "errors"

var (
	// ErrInvalidRequest is returned when neither email nor phone number is set.
	ErrInvalidRequest = errors.New("need at least one of email or phoneNumber")

	// ErrStorageUnavailable wraps every failure of the record store. No partial
	// state is committed when it is returned, so callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDataIntegrity marks link chains that break the flat primary/secondary
	// shape: dangling parents, cycles, or chains deeper than maxLinkDepth.
	ErrDataIntegrity = errors.New("data integrity violation")

	ErrContactNotFound = errors.New("contact not found")
)
