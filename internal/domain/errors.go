// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrValidation indicates an event failed its metadata contract and was
// rejected before any write was attempted. Callers should treat this as a
// programmer error worth logging loudly.
var ErrValidation = errors.New("validation failed")
