package models

import (
	"errors"
	"fmt"
)

// Error families. Every error returned by the data model wraps exactly one.
var (
	// ErrValidation marks bad or duplicate caller input.
	ErrValidation = errors.New("validation error")
	// ErrReferential marks an operation that would break a parent/child link.
	ErrReferential = errors.New("referential error")
	// ErrStorage marks an I/O or conversion failure.
	ErrStorage = errors.New("storage error")
	// ErrManifest marks a corrupt or unreadable persisted document.
	ErrManifest = errors.New("manifest error")
	// ErrNotFound is returned by id lookups that miss.
	ErrNotFound = errors.New("not found")
)

// Specific validation failures.
var (
	ErrDuplicateSource = fmt.Errorf("%w: duplicate source", ErrValidation)
	ErrNameCollision   = fmt.Errorf("%w: name collision", ErrValidation)
	ErrInvalidLocation = fmt.Errorf("%w: invalid location", ErrValidation)
	ErrUnknownTag      = fmt.Errorf("%w: unknown tag", ErrValidation)
)

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Referentialf builds an ErrReferential with a formatted message.
func Referentialf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrReferential, fmt.Sprintf(format, args...))
}

// Manifestf builds an ErrManifest with a formatted message.
func Manifestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrManifest, fmt.Sprintf(format, args...))
}

// Storagef wraps cause as an ErrStorage with context. A nil cause yields nil.
func Storagef(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, fmt.Sprintf(format, args...), cause)
}

// NotFoundf builds an ErrNotFound naming the missing id.
func NotFoundf(kind string, id any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, kind, id)
}
