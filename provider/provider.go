/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package provider defines the capability interface the softphone requires
// from a telephony vendor. The calling package is written entirely against
// these interfaces, so it can be exercised with a fake implementation and
// the real gateway (voicegw) stays swappable.
package provider

import "context"

// ParamTo is the connect parameter naming the destination address.
const ParamTo = "To"

// ParamLeadID is the connect/custom parameter carrying the CRM lead id.
const ParamLeadID = "lead_id"

// ParamLeadName is the custom parameter carrying the CRM lead display name.
const ParamLeadName = "lead_name"

// Device is a registered signaling endpoint with the telephony vendor.
type Device interface {
	// Register announces the device to the vendor's signaling network.
	// It blocks until registration is confirmed or fails.
	Register(ctx context.Context) error

	// Connect starts an outbound call. The params map must include ParamTo
	// and may carry additional key/value pairs that survive into the
	// vendor's call object (and from there into backend call logs).
	// Connect returns once the vendor has acknowledged the attempt; call
	// progress arrives through the returned Call's handlers.
	Connect(ctx context.Context, params map[string]string) (Call, error)

	// UpdateToken replaces the access credential on the live device without
	// re-registering or interrupting an in-progress call.
	UpdateToken(token string) error

	// SetHandlers installs the device-level event callbacks. Must be called
	// before Register so no early event is lost.
	SetHandlers(h DeviceHandlers)

	// Destroy unregisters and releases the device. Safe to call repeatedly.
	Destroy()
}

// DeviceHandlers are the device-level callbacks a Device delivers.
// Zero-value fields are simply not invoked.
type DeviceHandlers struct {
	// Incoming fires when the vendor offers an inbound call.
	Incoming func(call Call)

	// TokenExpiring fires when the vendor signals that the current
	// credential is about to lapse.
	TokenExpiring func()

	// Error fires for vendor-originated runtime failures (network loss,
	// media failure) outside any single call.
	Error func(err error)
}

// Call is a single call leg managed by the vendor.
type Call interface {
	// SID returns the vendor-assigned call identifier.
	SID() string

	// From returns the remote address (phone number or handle).
	From() string

	// CustomParameters returns the raw key/value bag attached to the call.
	// Callers should narrow it with MetadataFromParameters immediately.
	CustomParameters() map[string]string

	// Accept answers an inbound ringing call.
	Accept(ctx context.Context) error

	// Reject declines an inbound ringing call.
	Reject() error

	// Disconnect sends the hangup intent. The call is only over once the
	// Disconnected handler fires.
	Disconnect() error

	// Mute sets the local audio mute state.
	Mute(muted bool) error

	// SendDigits plays DTMF tones on the active call.
	SendDigits(digits string) error

	// SetHandlers installs the per-call event callbacks.
	SetHandlers(h CallHandlers)
}

// CallHandlers are the per-call callbacks a Call delivers.
type CallHandlers struct {
	// Accepted fires when the call is answered (remote party for outbound,
	// local accept confirmation for inbound).
	Accepted func()

	// Disconnected fires when the call ends, whichever side ended it.
	Disconnected func()

	// Canceled fires when a ringing call is withdrawn before connecting
	// (caller hung up, outbound attempt rejected remotely).
	Canceled func()

	// Error fires for vendor runtime failures on this call.
	Error func(err error)
}

// Metadata is the typed view of a call's custom parameters. Raw parameter
// maps are narrowed into this at the boundary so the calling package never
// handles untyped bags.
type Metadata struct {
	LeadID   string
	LeadName string
}

// MetadataFromParameters narrows a vendor parameter bag into Metadata.
func MetadataFromParameters(params map[string]string) Metadata {
	if params == nil {
		return Metadata{}
	}
	return Metadata{
		LeadID:   params[ParamLeadID],
		LeadName: params[ParamLeadName],
	}
}

// Resolved reports whether the metadata identifies a known CRM lead.
func (m Metadata) Resolved() bool {
	return m.LeadID != ""
}
