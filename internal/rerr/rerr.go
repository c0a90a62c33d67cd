// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rerr provides the structured error kinds the shim core
// signals upward to its controller, per spec §7.
package rerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error returned by the core.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBadArgument: null instance, invalid port-id, unparseable config.
	KindBadArgument
	// KindWrongState: operation attempted on a flow in an incompatible state.
	KindWrongState
	// KindNotFound: no flow, no registered app, no directory entry, no factory.
	KindNotFound
	// KindNameConflict: factory name duplicate, app already registered, DIF already assigned.
	KindNameConflict
	// KindWouldBlock: egress queue saturated or device transmit busy.
	KindWouldBlock
	// KindResource: allocation of a kernel/userspace object failed.
	KindResource
	// KindPeerRefused: negative allocate response.
	KindPeerRefused
	// KindTransient: ARP resolution failed, TCP connect failed, handshake lost.
	KindTransient
)

// kindNames is indexed by Kind so String() never needs a switch.
var kindNames = [...]string{
	"unknown",
	"bad_argument",
	"wrong_state",
	"not_found",
	"name_conflict",
	"would_block",
	"resource",
	"peer_refused",
	"transient",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Error is a Kind-tagged error. Rather than holding a message and a
// cause as separate fields, it holds one already-composed error built
// with fmt.Errorf's %w, and lets errors.Unwrap peel it: the wrapping
// machinery is the standard library's, not hand-rolled string
// concatenation.
type Error struct {
	kind  Kind
	err   error
	attrs map[string]any
}

func (e *Error) Error() string { return e.err.Error() }

// Unwrap exposes whatever e.err itself wraps (the original cause),
// skipping over the formatted-message layer entirely.
func (e *Error) Unwrap() error { return errors.Unwrap(e.err) }

// Kind reports the error's category.
func (e *Error) Kind() Kind { return e.kind }

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, err: errors.New(msg)}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap tags cause with kind under a new message, preserving the chain
// so errors.Is/As still reach cause.
func Wrap(cause error, kind Kind, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, err: fmt.Errorf("%s: %w", msg, cause)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, err: fmt.Errorf(fmt.Sprintf(format, args...)+": %w", cause)}
}

// Attr attaches an attribute to err, folding a plain (non-*Error) err
// into a KindUnknown Error first so it has somewhere to keep it.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if !ok {
		var target *Error
		if errors.As(err, &target) {
			e = target
		} else {
			e = &Error{kind: KindUnknown, err: fmt.Errorf("%w", err)}
		}
	}
	if e.attrs == nil {
		e.attrs = make(map[string]any)
	}
	e.attrs[key] = val
	return e
}

// GetKind returns the Kind of err, or KindUnknown if it is not a *Error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindUnknown
}

// GetAttributes walks err's chain of *Error nodes, merging their
// attribute bags. Where a key appears at more than one level, the
// outermost (most specific) value wins.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for cur := err; cur != nil; {
		var e *Error
		if !errors.As(cur, &e) {
			break
		}
		for k, v := range e.attrs {
			if _, seen := attrs[k]; !seen {
				attrs[k] = v
			}
		}
		cur = e.Unwrap()
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the result of calling err's Unwrap method, if any.
func Unwrap(err error) error { return errors.Unwrap(err) }
