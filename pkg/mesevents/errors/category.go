// Package errors classifies failures and retries transient ones with backoff.
//
// A failing handler is retried a bounded number of times before its event is
// dead-lettered. Categorization decides which failures are worth another
// attempt. Ordinary handler errors, timeouts and recovered panics are
// transient. Undecodable payloads, cancelled contexts and errors wrapped with
// Permanent are not.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category tells the retry loop whether another attempt can help.
type Category int

const (
	CategoryTransient Category = iota
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	}
	return "unknown"
}

// CategorizedError is the final error of a retry loop, or an error a handler
// marked explicitly with Transient or Permanent.
type CategorizedError struct {
	Err      error
	Category Category
	// Retries is the number of attempts made when the loop gave up.
	Retries int
	// Context names the stage that produced the error.
	Context string
}

func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%s (category: %s, attempts: %d)", e.Err, e.Category, e.Retries)
	if e.Context == "" {
		return msg
	}
	return e.Context + ": " + msg
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Transient marks err as worth retrying regardless of its type.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: context}
}

// Permanent marks err as final: the handler is not retried and the event goes
// straight to the dead-letter queue.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: context}
}

// permanentError is implemented by error types that know retrying cannot
// help, such as event.SerializationError.
type permanentError interface {
	Permanent() bool
}

// Categorize determines how err should be handled. Unknown errors are
// transient so that a handler returning a plain error gets its full budget.
func Categorize(err error) Category {
	var (
		catErr  *CategorizedError
		timeout *TimeoutError
		perm    permanentError
	)
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &catErr):
		return catErr.Category
	case errors.As(err, &timeout):
		return CategoryTransient
	case errors.As(err, &perm) && perm.Permanent():
		return CategoryPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryPermanent
	}
	return CategoryTransient
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
