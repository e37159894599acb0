// Package relayerr defines the error kinds surfaced by the relay core.
//
// Callers match kinds with errors.Is:
//
//	if errors.Is(err, relayerr.Capacity) { ... }
package relayerr

import (
	"errors"
	"fmt"
)

// Kind classifies a relay error. A Kind is itself an error so it can be
// used as an errors.Is target.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	NotFound            Kind = "not_found"
	Capacity            Kind = "capacity"
	DuplicateMembership Kind = "duplicate_membership"
	NotMember           Kind = "not_member"
	Unregistered        Kind = "unregistered"
	TransportFailure    Kind = "transport_failure"
	Orphaned            Kind = "orphaned"
	Overflow            Kind = "overflow"
	Invalid             Kind = "invalid"
	Denied              Kind = "denied"
	Duplicate           Kind = "duplicate"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// Resource errors shared by several packages.

func ResourceNotFound(resource, id string) *Error {
	return New(NotFound, "%s '%s' does not exist", resource, id)
}

func ChannelLimit(group string, limit int) *Error {
	return New(Capacity, "group %s reached its channel limit of %d", group, limit)
}

func AlreadyMember(channelID string) *Error {
	return New(DuplicateMembership, "channel registry '%s' already belongs to a group", channelID)
}

func ChannelUnregistered(channelID string) *Error {
	return New(Unregistered, "channel '%s' has no webhook registered", channelID)
}
