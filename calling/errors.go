/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
)

// DeviceInitError indicates device construction or registration failed.
// The device is left in DeviceStateError; recovery is an explicit
// re-Initialize, never an automatic reconnect loop.
type DeviceInitError struct {
	Err error
}

// Error implements the error interface.
func (e *DeviceInitError) Error() string {
	return fmt.Sprintf("device initialization failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeviceInitError) Unwrap() error {
	return e.Err
}

// CallInProgressError indicates a control operation violated the
// single-active-call invariant. It is raised synchronously, before any
// vendor I/O, so two racing dial attempts can never both reach the vendor.
type CallInProgressError struct {
	// Current is the status of the call occupying the slot.
	Current CallStatus
}

// Error implements the error interface.
func (e *CallInProgressError) Error() string {
	return fmt.Sprintf("a call is already in progress (status %s)", e.Current)
}

// InvalidCallStateError records a control operation invoked in a state
// where it has no meaning, e.g. hangup while idle. These are logged and
// swallowed by the public operations so UI double-clicks are harmless.
type InvalidCallStateError struct {
	Op    string
	State CallStatus
}

// Error implements the error interface.
func (e *InvalidCallStateError) Error() string {
	return fmt.Sprintf("%s is not valid in call state %s", e.Op, e.State)
}

// ProviderRuntimeError wraps an opaque error raised by the telephony vendor
// during an active session.
type ProviderRuntimeError struct {
	Err error
}

// Error implements the error interface.
func (e *ProviderRuntimeError) Error() string {
	return fmt.Sprintf("provider runtime error: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProviderRuntimeError) Unwrap() error {
	return e.Err
}

// NotInitializedError indicates a call-control operation was invoked before
// a successful Initialize (or after Destroy).
type NotInitializedError struct{}

// Error implements the error interface.
func (e *NotInitializedError) Error() string {
	return "softphone device is not initialized"
}

// --- Convenience functions ---

// IsCallInProgress reports whether err is a single-active-call violation.
func IsCallInProgress(err error) bool {
	var e *CallInProgressError
	return errors.As(err, &e)
}

// IsDeviceInit reports whether err is a device initialization failure.
func IsDeviceInit(err error) bool {
	var e *DeviceInitError
	return errors.As(err, &e)
}

// IsProviderRuntime reports whether err is a vendor runtime failure.
func IsProviderRuntime(err error) bool {
	var e *ProviderRuntimeError
	return errors.As(err, &e)
}

// IsNotInitialized reports whether err indicates a missing Initialize.
func IsNotInitialized(err error) bool {
	var e *NotInitializedError
	return errors.As(err, &e)
}
