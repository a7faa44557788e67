// Package apperrors defines the error kinds used across the QA backend.
//
// Adapter failures carry a Kind so callers can distinguish a cache outage
// from a row-store outage, and a Transient flag so the retry layer can
// decide whether another attempt makes sense.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error by the subsystem it originated from.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindCache
	KindRowStore
	KindTextIndex
	KindGraphEngine
	KindLLM
	KindEmbedding
	KindIntentParse
	KindRetrieval
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCache:
		return "cache"
	case KindRowStore:
		return "rowstore"
	case KindTextIndex:
		return "textindex"
	case KindGraphEngine:
		return "graphengine"
	case KindLLM:
		return "llm"
	case KindEmbedding:
		return "embedding"
	case KindIntentParse:
		return "intentparse"
	case KindRetrieval:
		return "retrieval"
	default:
		return "unknown"
	}
}

// Error is the common error envelope for the backend.
type Error struct {
	Kind      Kind
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err and marks it eligible for retry.
func Transient(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Transient: true}
}

// Config reports an invalid or missing configuration value. Fatal at startup.
func Config(op string, err error) *Error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err looks like a transient network-class
// failure worth retrying: either explicitly marked, a timeout, or a
// temporary transport error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Transient {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
