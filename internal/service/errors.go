package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL          = errors.New("invalid URL format")
	ErrInvalidCode         = errors.New("invalid custom code format")
	ErrInvalidExpiry       = errors.New("invalid expiry")
	ErrCodeTaken           = errors.New("custom code already exists")
	ErrGenerationExhausted = errors.New("failed to generate a unique short code")
	ErrNotFound            = errors.New("short URL not found")
	ErrExpired             = errors.New("short URL has expired")
	ErrStorage             = errors.New("storage failure")
)

// Kind is the stable, machine-readable name of an error
type Kind string

const (
	KindInvalidURL          Kind = "invalid_url"
	KindInvalidCode         Kind = "invalid_code_format"
	KindInvalidExpiry       Kind = "invalid_expiry"
	KindCodeTaken           Kind = "code_taken"
	KindGenerationExhausted Kind = "generation_exhausted"
	KindNotFound            Kind = "not_found"
	KindExpired             Kind = "expired"
	KindStorage             Kind = "storage_failure"
)

// KindOf maps err to its Kind. Unrecognised errors are storage failures.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidURL):
		return KindInvalidURL
	case errors.Is(err, ErrInvalidCode):
		return KindInvalidCode
	case errors.Is(err, ErrInvalidExpiry):
		return KindInvalidExpiry
	case errors.Is(err, ErrCodeTaken):
		return KindCodeTaken
	case errors.Is(err, ErrGenerationExhausted):
		return KindGenerationExhausted
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrExpired):
		return KindExpired
	default:
		return KindStorage
	}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
