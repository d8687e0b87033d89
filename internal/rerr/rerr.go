// Package rerr classifies errors into the coarse taxonomy the transport layer
// routes on. Decision-layer packages return plain wrapped errors; the gateway
// wraps them with a class where the client needs to distinguish a bad frame
// from an expired session or an exhausted budget.
package rerr

import "errors"

// Class is the coarse error category reported to clients.
type Class string

const (
	// ClassProvider marks an upstream provider failure.
	ClassProvider Class = "provider"

	// ClassBudget marks a cost-guard denial.
	ClassBudget Class = "budget"

	// ClassTimeout marks a deadline or cancellation.
	ClassTimeout Class = "timeout"

	// ClassValidation marks a malformed or unacceptable client frame.
	ClassValidation Class = "validation"

	// ClassSession marks an unknown, expired, or ended session.
	ClassSession Class = "session"

	// ClassInternal is the fallback for everything else.
	ClassInternal Class = "internal"
)

// classified carries a class alongside the wrapped error.
type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap tags err with a class. Wrapping nil returns nil.
func Wrap(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

// ClassOf returns the innermost class tag on err, or ClassInternal when it
// carries none.
func ClassOf(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassInternal
}
