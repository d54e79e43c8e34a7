/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "time"

// DeviceState represents the connectivity state of the softphone device.
// Exactly one value holds at a time; transitions are the only way consumers
// learn connectivity health.
type DeviceState string

const (
	DeviceStateOffline    DeviceState = "offline"
	DeviceStateConnecting DeviceState = "connecting"
	DeviceStateReady      DeviceState = "ready"
	DeviceStateBusy       DeviceState = "busy"
	DeviceStateError      DeviceState = "error"
)

// CallStatus represents the state of the call state machine.
type CallStatus string

const (
	CallStatusIdle          CallStatus = "idle"
	CallStatusRingingOut    CallStatus = "ringing_out"
	CallStatusRingingIn     CallStatus = "ringing_in"
	CallStatusConnected     CallStatus = "connected"
	CallStatusDisconnecting CallStatus = "disconnecting"
)

// Direction indicates which side originated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Session is the in-memory record of the single active or ringing call.
// At most one Session exists per Manager. UI layers only ever read a
// snapshot copy; the Manager owns the live record exclusively.
type Session struct {
	// SessionID is the vendor-assigned call identifier.
	SessionID string

	// Direction is inbound or outbound.
	Direction Direction

	// RemoteAddress is the remote phone number or handle.
	RemoteAddress string

	// LeadID is the associated CRM lead, when resolved. Opaque here.
	LeadID string

	// LeadName is the lead display name, when known.
	LeadName string

	// StartedAt is set when the call connects.
	StartedAt time.Time

	// Muted is the local audio mute state.
	Muted bool

	// Status is the call state machine position.
	Status CallStatus
}
