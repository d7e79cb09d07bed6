package hil

import (
	"errors"
	"fmt"
)

// Class tells callers how to react to a failed allocator call.
type Class int

const (
	// Permanent failures are not retried within a pass.
	Permanent Class = iota
	// Transient failures may succeed if retried shortly, e.g. a node with a
	// networking action still pending.
	Transient
	// NotFound means the named object does not exist.
	NotFound
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "Transient"
	case NotFound:
		return "NotFound"
	default:
		return "Permanent"
	}
}

// Error is a failed allocator call.
type Error struct {
	Op     string
	Class  Class
	Status int
	// Type is the allocator's error type, e.g. BlockedError.
	Type string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("hil %s: %v", e.Op, e.Err)
	case e.Type != "":
		return fmt.Sprintf("hil %s: %s (%d %s): %s", e.Op, e.Class, e.Status, e.Type, e.Msg)
	default:
		return fmt.Sprintf("hil %s: %s (%d): %s", e.Op, e.Class, e.Status, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// blockedError is what the allocator reports while a node still has a
// networking action in flight.
const blockedError = "BlockedError"

func classify(status int, errType string) Class {
	switch {
	case errType == blockedError:
		return Transient
	case status == 404:
		return NotFound
	default:
		return Permanent
	}
}

// ClassOf returns the class of err, or Permanent when err is not an
// allocator error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Permanent
}

// IsTransient reports whether err is worth retrying shortly.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == Transient
}

// IsNotFound reports whether err says the object does not exist.
func IsNotFound(err error) bool {
	return err != nil && ClassOf(err) == NotFound
}
