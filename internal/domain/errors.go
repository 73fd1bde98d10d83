package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies a scrape failure where it happens.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindNetwork
	KindAuth
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable is true for transient kinds.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindNetwork
}

// ScrapeError is produced by the account gateway for every failed step.
type ScrapeError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ScrapeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

func NewScrapeError(kind ErrorKind, op string, err error) *ScrapeError {
	return &ScrapeError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of a scrape error; anything else is KindUnknown.
func KindOf(err error) ErrorKind {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
