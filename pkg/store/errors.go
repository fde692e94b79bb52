package store

import "errors"

var (
	ErrEmptyKey        = errors.New("store: empty key")
	ErrInvalidCapacity = errors.New("store: capacity must be positive")
)
