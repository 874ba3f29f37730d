/*
Package ferrors defines satchel's public error taxonomy.

Every subsystem (kvp, blob, revision, query, replicator) surfaces failures
as a *ferrors.Error carrying a domain (which subsystem) and a kind (how the
caller should react: retry, not retry, treat as fatal). This mirrors the
domain/code convention the original Objective-C datastore used for its
NSError values, adapted to Go's errors.As/errors.Is idiom instead of a
domain string + opaque integer code.
*/
package ferrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of retry/propagation policy.
type Kind string

const (
	// KindNotFound means the requested entity does not exist. Non-fatal.
	KindNotFound Kind = "not_found"
	// KindConflict means an MVCC precondition was violated.
	KindConflict Kind = "conflict"
	// KindCorruption means on-disk or wire data failed an integrity check. Fatal.
	KindCorruption Kind = "corruption"
	// KindTransient means a network/IO error that may succeed on retry.
	KindTransient Kind = "transient"
	// KindConfiguration means bad input supplied by the caller. Not retried.
	KindConfiguration Kind = "configuration"
	// KindCancelled means the operation was cancelled by the caller.
	KindCancelled Kind = "cancelled"
)

// Domain names the subsystem that raised the error.
type Domain string

const (
	DomainKVP         Domain = "kvp"
	DomainBlob        Domain = "blob"
	DomainRevision    Domain = "revision"
	DomainAttachment  Domain = "attachment"
	DomainQuery       Domain = "query"
	DomainReplication Domain = "replication"
	DomainConflict    Domain = "conflict"
	DomainDatastore   Domain = "datastore"
)

// Error is satchel's structured error type.
type Error struct {
	Domain  Domain
	Kind    Kind
	Code    string // short machine-readable identifier within the domain, e.g. "UndefinedSource"
	Message string
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, ferrors.NotFound) style sentinels by comparing Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		if t.Domain != "" && t.Domain != e.Domain {
			return false
		}
		if t.Code != "" && t.Code != e.Code {
			return false
		}
		return t.Kind == e.Kind
	}
	return false
}

// New builds a new *Error.
func New(domain Domain, kind Kind, code, message string) *Error {
	return &Error{Domain: domain, Kind: kind, Code: code, Message: message}
}

// Wrap builds a new *Error around an existing cause.
func Wrap(domain Domain, kind Kind, code, message string, err error) *Error {
	return &Error{Domain: domain, Kind: kind, Code: code, Message: message, Err: err}
}

// NotFound is a sentinel matched via errors.Is for any KindNotFound error in domain.
func NotFound(domain Domain) *Error { return &Error{Domain: domain, Kind: KindNotFound} }

// Conflict is a sentinel matched via errors.Is for any KindConflict error in domain.
func Conflict(domain Domain) *Error { return &Error{Domain: domain, Kind: KindConflict} }

// IsNotFound reports whether err is a KindNotFound ferrors.Error, in any domain.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsConflict reports whether err is a KindConflict ferrors.Error, in any domain.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConflict
}

// IsTransient reports whether err is a KindTransient ferrors.Error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}
