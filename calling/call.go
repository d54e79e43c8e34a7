/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"time"

	"github.com/dealerdesk/softphone-go/events"
	"github.com/dealerdesk/softphone-go/provider"
)

// PlaceCall starts an outbound call to the given number, optionally tagged
// with a CRM lead id that survives into the vendor call object and backend
// call logs.
//
// The single-active-call invariant is enforced here, synchronously, before
// any vendor I/O: if any call is ringing or active the method returns
// CallInProgressError without contacting the vendor.
func (m *Manager) PlaceCall(ctx context.Context, number, leadID string) error {
	m.mu.Lock()
	if !m.initialized || m.device == nil {
		m.mu.Unlock()
		return &NotInitializedError{}
	}
	if m.session != nil {
		current := m.session.Status
		m.mu.Unlock()
		return &CallInProgressError{Current: current}
	}

	// Claim the call slot before the await so a second dialer arriving
	// during the connect is rejected rather than racing.
	sess := &Session{
		Direction:     DirectionOutbound,
		RemoteAddress: number,
		LeadID:        leadID,
		Status:        CallStatusRingingOut,
	}
	m.session = sess
	m.state = DeviceStateBusy
	dev := m.device

	connectCtx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.dispatcher.Emit(events.DeviceStateChanged, DeviceStateBusy)

	params := map[string]string{provider.ParamTo: number}
	if leadID != "" {
		params[provider.ParamLeadID] = leadID
	}

	call, err := dev.Connect(connectCtx, params)
	if err != nil {
		m.mu.Lock()
		m.session = nil
		m.connectCancel = nil
		if m.initialized {
			m.state = DeviceStateReady
		}
		next := m.state
		m.mu.Unlock()

		m.dispatcher.Emit(events.DeviceStateChanged, next)
		return &ProviderRuntimeError{Err: err}
	}

	m.mu.Lock()
	m.connectCancel = nil
	if m.session == nil {
		// Destroy ran while the connect was pending and won the race;
		// tear the late call down immediately.
		m.mu.Unlock()
		if derr := call.Disconnect(); derr != nil {
			m.logger.Printf("disconnecting late connect failed: %v", derr)
		}
		return &NotInitializedError{}
	}
	m.session.SessionID = call.SID()
	m.call = call
	m.mu.Unlock()

	call.SetHandlers(m.callHandlers())

	return nil
}

// AcceptCall answers the currently ringing inbound call. The transition to
// Connected happens on the vendor's acceptance confirmation, not here.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.session.Status != CallStatusRingingIn {
		status := m.statusLocked()
		m.mu.Unlock()
		m.warnInvalid("accept", status)
		return nil
	}
	call := m.call
	m.mu.Unlock()

	if err := call.Accept(ctx); err != nil {
		return &ProviderRuntimeError{Err: err}
	}
	return nil
}

// RejectCall declines the currently ringing inbound call. The session is
// destroyed when the vendor confirms the cancellation.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.session == nil || m.session.Status != CallStatusRingingIn {
		status := m.statusLocked()
		m.mu.Unlock()
		m.warnInvalid("reject", status)
		return nil
	}
	call := m.call
	m.mu.Unlock()

	if err := call.Reject(); err != nil {
		m.logger.Printf("reject request failed: %v", err)
	}
	return nil
}

// Hangup sends the disconnect intent for the connected call. "Intent sent"
// is all it means: the session reaches Idle only on the vendor's disconnect
// confirmation, and callers should wait for the CallDisconnected event.
// A second Hangup while disconnecting is a harmless no-op.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	if m.session == nil || m.session.Status != CallStatusConnected {
		status := m.statusLocked()
		m.mu.Unlock()
		m.warnInvalid("hangup", status)
		return nil
	}
	m.session.Status = CallStatusDisconnecting
	call := m.call
	m.mu.Unlock()

	if err := call.Disconnect(); err != nil {
		m.logger.Printf("hangup: disconnect request failed: %v", err)
	}
	return nil
}

// ToggleMute flips the local mute state of the ringing or active call.
func (m *Manager) ToggleMute() error {
	m.mu.Lock()
	if m.session == nil || m.call == nil {
		status := m.statusLocked()
		m.mu.Unlock()
		m.warnInvalid("toggle mute", status)
		return nil
	}
	next := !m.session.Muted
	call := m.call
	m.mu.Unlock()

	if err := call.Mute(next); err != nil {
		return &ProviderRuntimeError{Err: err}
	}

	m.mu.Lock()
	if m.session != nil {
		m.session.Muted = next
	}
	m.mu.Unlock()
	return nil
}

// SendDigits plays DTMF digits on the connected call, e.g. for IVR menus.
func (m *Manager) SendDigits(digits string) error {
	m.mu.Lock()
	if m.session == nil || m.session.Status != CallStatusConnected {
		status := m.statusLocked()
		m.mu.Unlock()
		m.warnInvalid("send digits", status)
		return nil
	}
	call := m.call
	m.mu.Unlock()

	if err := call.SendDigits(digits); err != nil {
		return &ProviderRuntimeError{Err: err}
	}
	return nil
}

// callHandlers wires per-call vendor callbacks into the state machine.
func (m *Manager) callHandlers() provider.CallHandlers {
	return provider.CallHandlers{
		Accepted:     m.handleCallAccepted,
		Disconnected: m.handleCallEnded,
		Canceled:     m.handleCallEnded,
		Error:        m.handleCallError,
	}
}

// handleCallAccepted moves a ringing call (either direction) to Connected.
func (m *Manager) handleCallAccepted() {
	m.mu.Lock()
	if m.session == nil ||
		(m.session.Status != CallStatusRingingOut && m.session.Status != CallStatusRingingIn) {
		m.mu.Unlock()
		return
	}
	m.session.Status = CallStatusConnected
	m.session.StartedAt = time.Now()
	m.mu.Unlock()

	m.dispatcher.Emit(events.CallConnected, nil)
}

// handleCallEnded destroys the session on the vendor's disconnect or cancel
// confirmation. Destroying exactly once here is what makes Hangup
// idempotent: a second confirmation finds no session and does nothing.
func (m *Manager) handleCallEnded() {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	sess := *m.session
	m.session = nil
	m.call = nil
	if m.initialized {
		m.state = DeviceStateReady
	} else {
		m.state = DeviceStateOffline
	}
	next := m.state
	m.mu.Unlock()

	m.dispatcher.Emit(events.CallDisconnected, nil)
	m.dispatcher.Emit(events.DeviceStateChanged, next)
	m.emitCaptureCandidate(sess)
}

// handleCallError surfaces a vendor runtime failure on the active call and
// tears the session down (best effort) so the device never stays Busy with
// no live call behind it.
func (m *Manager) handleCallError(err error) {
	wrapped := &ProviderRuntimeError{Err: err}
	m.dispatcher.Emit(events.CallError, wrapped)

	m.mu.Lock()
	call := m.call
	m.mu.Unlock()
	if call != nil {
		if derr := call.Disconnect(); derr != nil {
			m.logger.Printf("error teardown: disconnect failed: %v", derr)
		}
	}
	m.handleCallEnded()
}

// emitCaptureCandidate publishes a capture-candidate for a finished inbound
// call whose caller did not match a known lead. Advisory only; by the time
// it fires the session is already gone, so the UI can prompt after hangup.
func (m *Manager) emitCaptureCandidate(sess Session) {
	if sess.Direction != DirectionInbound || sess.LeadID != "" {
		return
	}
	m.dispatcher.Emit(events.CaptureCandidate, &events.CaptureCandidateInfo{
		CallSessionID: sess.SessionID,
		PhoneNumber:   sess.RemoteAddress,
	})
}

// statusLocked returns the current call status; Idle when no session.
// Callers must hold m.mu.
func (m *Manager) statusLocked() CallStatus {
	if m.session == nil {
		return CallStatusIdle
	}
	return m.session.Status
}

// warnInvalid logs a control operation that has no meaning in the current
// state. Swallowing these keeps UI double-clicks harmless.
func (m *Manager) warnInvalid(op string, status CallStatus) {
	m.logger.Printf("ignoring: %v", &InvalidCallStateError{Op: op, State: status})
}
