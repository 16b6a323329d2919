package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChannelUnavailable = errors.New("event log channel unavailable")
	ErrInvalidCount       = errors.New("record count must be greater than zero")
	ErrUnknownCategory    = errors.New("unknown category")
	ErrBind               = errors.New("callback listener bind failed")
	ErrAddressInUse       = errors.New("address already in use")
	ErrDispatch           = errors.New("dispatch failed")
	ErrCallbackMalformed  = errors.New("malformed callback")
	ErrCallbackTimeout    = errors.New("timed out waiting for callback")
	ErrAlreadyInFlight    = errors.New("a request is already in flight")
	ErrCancelled          = errors.New("request cancelled")
)

// ChannelError reports a log channel that could not be opened.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("open event log %q: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func (e *ChannelError) Is(target error) bool { return target == ErrChannelUnavailable }

type UnknownCategoryError struct {
	Name string
}

func (e *UnknownCategoryError) Error() string {
	labels := make([]string, 0, len(categories))
	for _, c := range categories {
		labels = append(labels, c.Label)
	}
	return fmt.Sprintf("unknown category %q (use one of: %s)", e.Name, strings.Join(labels, ", "))
}

func (e *UnknownCategoryError) Is(target error) bool { return target == ErrUnknownCategory }

// BindError reports that the callback listener could not take its port.
type BindError struct {
	Addr  string
	InUse bool
	Err   error
}

func (e *BindError) Error() string {
	if e.InUse {
		return fmt.Sprintf("callback listener: %s is already in use; close other running instances or change callback.port", e.Addr)
	}
	return fmt.Sprintf("callback listener: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool {
	return target == ErrBind || (e.InUse && target == ErrAddressInUse)
}

// DispatchKind classifies a failed dispatch.
type DispatchKind string

const (
	DispatchRejected    DispatchKind = "rejected"
	DispatchTimedOut    DispatchKind = "timed_out"
	DispatchUnreachable DispatchKind = "unreachable"
)

// DispatchError reports a dispatch that was not accepted by the remote endpoint.
type DispatchError struct {
	Kind       DispatchKind
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *DispatchError) Error() string {
	switch e.Kind {
	case DispatchRejected:
		if e.Detail == "" {
			return fmt.Sprintf("dispatch to %s rejected: HTTP %d", e.Endpoint, e.StatusCode)
		}
		return fmt.Sprintf("dispatch to %s rejected: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Detail)
	case DispatchTimedOut:
		return fmt.Sprintf("dispatch to %s timed out: %s", e.Endpoint, e.Detail)
	default:
		return fmt.Sprintf("dispatch to %s unreachable: %s", e.Endpoint, e.Detail)
	}
}

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// CallbackError reports a callback body that could not be parsed.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string { return fmt.Sprintf("malformed callback: %v", e.Err) }

func (e *CallbackError) Unwrap() error { return e.Err }

func (e *CallbackError) Is(target error) bool { return target == ErrCallbackMalformed }
