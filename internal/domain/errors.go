package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotDraft        = errors.New("assessment is not a draft")
	ErrUnauthenticated = errors.New("not authenticated")

	ErrUnknownSection = errors.New("unknown section")
	ErrUnknownStep    = errors.New("unknown step")
	ErrUnknownField   = errors.New("unknown field")
	ErrInvalidValue   = errors.New("invalid field value")
)
