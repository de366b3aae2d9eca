package domain

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeSignalingTimeout   Code = "SignalingTimeout"
	CodeEngineInitFailed   Code = "EngineInitFailed"
	CodeDeviceAccessDenied Code = "DeviceAccessDenied"
	CodeDeviceNotFound     Code = "DeviceNotFound"
	CodeDeviceBusy         Code = "DeviceBusy"
	CodeScreenShareFailed  Code = "ScreenShareFailed"
	CodeCancelled          Code = "Cancelled"
)

var messages = map[Code]string{
	CodeSignalingTimeout:   "Could not reach the call server. Check your connection and try again.",
	CodeEngineInitFailed:   "The call could not be set up on this device.",
	CodeDeviceAccessDenied: "Camera or microphone access was denied. Allow access and retry.",
	CodeDeviceNotFound:     "No camera or microphone was found.",
	CodeDeviceBusy:         "Your camera or microphone is in use by another application.",
	CodeScreenShareFailed:  "Screen sharing could not be started.",
	CodeCancelled:          "The call was ended.",
}

// Message returns the user-facing text for a code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return string(c)
}

// Fatal reports whether the code ends the call attempt.
func (c Code) Fatal() bool { return c != CodeScreenShareFailed }

// CallError is the taxonomy error surfaced to the UI layer.
type CallError struct {
	Code Code
	Err  error
}

func NewCallError(code Code, err error) *CallError {
	return &CallError{Code: code, Err: err}
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Message is the user-facing text.
func (e *CallError) Message() string { return e.Code.Message() }

// Is matches any *CallError with the same code, so sentinels below work with errors.Is.
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	return ok && t.Code == e.Code
}

var (
	ErrSignalingTimeout   = &CallError{Code: CodeSignalingTimeout}
	ErrEngineInitFailed   = &CallError{Code: CodeEngineInitFailed}
	ErrDeviceAccessDenied = &CallError{Code: CodeDeviceAccessDenied}
	ErrDeviceNotFound     = &CallError{Code: CodeDeviceNotFound}
	ErrDeviceBusy         = &CallError{Code: CodeDeviceBusy}
	ErrScreenShareFailed  = &CallError{Code: CodeScreenShareFailed}
	ErrCancelled          = &CallError{Code: CodeCancelled}
)

// CodeOf returns the taxonomy code carried by err, or "" when err is not a CallError.
func CodeOf(err error) Code {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
