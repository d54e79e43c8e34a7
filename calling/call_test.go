/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dealerdesk/softphone-go/events"
	"github.com/dealerdesk/softphone-go/provider"
)

// placeTestCall dials through the harness and returns the underlying fake.
func placeTestCall(t *testing.T, h *testHarness, number, leadID string) *fakeCall {
	t.Helper()
	if err := h.manager.PlaceCall(context.Background(), number, leadID); err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	h.manager.mu.Lock()
	call := h.manager.call.(*fakeCall)
	h.manager.mu.Unlock()
	return call
}

// offerTestCall delivers an inbound vendor offer through the device handlers.
func offerTestCall(t *testing.T, h *testHarness, from string, params map[string]string) *fakeCall {
	t.Helper()
	inbound := &fakeCall{sid: "call-in-" + from, from: from, params: params}
	h.device.deviceHandlers().Incoming(inbound)
	if h.manager.CurrentSession() == nil {
		t.Fatal("Expected inbound offer to create a session")
	}
	return inbound
}

func TestPlaceCall(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)
	h.recorder.reset()

	call := placeTestCall(t, h, "+15550100", "lead-7")

	sess := h.manager.CurrentSession()
	if sess == nil {
		t.Fatal("Expected a session")
	}
	if sess.Direction != DirectionOutbound {
		t.Errorf("Expected outbound direction, got %s", sess.Direction)
	}
	if sess.Status != CallStatusRingingOut {
		t.Errorf("Expected RingingOut, got %s", sess.Status)
	}
	if sess.SessionID != call.SID() {
		t.Errorf("Expected session id %q from the vendor call, got %q", call.SID(), sess.SessionID)
	}
	if sess.RemoteAddress != "+15550100" {
		t.Errorf("Expected remote address preserved, got %q", sess.RemoteAddress)
	}
	if h.manager.State() != DeviceStateBusy {
		t.Errorf("Expected Busy while dialing, got %s", h.manager.State())
	}

	// Lead association must ride along to the vendor.
	h.device.mu.Lock()
	params := h.device.connectParams[0]
	h.device.mu.Unlock()
	if params[provider.ParamTo] != "+15550100" {
		t.Errorf("Expected To parameter, got %v", params)
	}
	if params[provider.ParamLeadID] != "lead-7" {
		t.Errorf("Expected lead_id parameter, got %v", params)
	}

	if e, ok := h.recorder.last(events.DeviceStateChanged); !ok || e.Data.(DeviceState) != DeviceStateBusy {
		t.Errorf("Expected Busy state event, got %+v", e)
	}
}

func TestPlaceCallWithoutLead(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	placeTestCall(t, h, "+15550100", "")

	h.device.mu.Lock()
	params := h.device.connectParams[0]
	h.device.mu.Unlock()
	if _, ok := params[provider.ParamLeadID]; ok {
		t.Errorf("Expected no lead_id parameter for an untagged dial, got %v", params)
	}
}

func TestPlaceCallRejectsSecondDial(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	placeTestCall(t, h, "+15550100", "")

	err := h.manager.PlaceCall(context.Background(), "+15550111", "")
	if err == nil {
		t.Fatal("Expected second dial to be rejected")
	}
	if !IsCallInProgress(err) {
		t.Errorf("Expected CallInProgressError, got %v", err)
	}
	var inProgress *CallInProgressError
	if errors.As(err, &inProgress) && inProgress.Current != CallStatusRingingOut {
		t.Errorf("Expected error to carry current status RingingOut, got %s", inProgress.Current)
	}

	// The vendor must not have been contacted for the second dial.
	if n := h.device.connects(); n != 1 {
		t.Errorf("Expected exactly one Connect, got %d", n)
	}
}

func TestPlaceCallWhileRingingInbound(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	offerTestCall(t, h, "+15550123", nil)

	err := h.manager.PlaceCall(context.Background(), "+15550111", "")
	if !IsCallInProgress(err) {
		t.Errorf("Expected CallInProgressError while inbound rings, got %v", err)
	}
	if n := h.device.connects(); n != 0 {
		t.Errorf("Expected no Connect while inbound rings, got %d", n)
	}
}

func TestPlaceCallNotInitialized(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()

	err := h.manager.PlaceCall(context.Background(), "+15550100", "")
	if !IsNotInitialized(err) {
		t.Errorf("Expected NotInitializedError, got %v", err)
	}
}

func TestPlaceCallConnectFailure(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	h.device.mu.Lock()
	h.device.connectErr = fmt.Errorf("gateway refused call")
	h.device.mu.Unlock()
	h.recorder.reset()

	err := h.manager.PlaceCall(context.Background(), "+15550100", "")
	if !IsProviderRuntime(err) {
		t.Fatalf("Expected ProviderRuntimeError, got %v", err)
	}

	if h.manager.CurrentSession() != nil {
		t.Error("Expected call slot released after connect failure")
	}
	if !h.manager.IsReady() {
		t.Errorf("Expected Ready again after connect failure, got %s", h.manager.State())
	}
	if e, ok := h.recorder.last(events.DeviceStateChanged); !ok || e.Data.(DeviceState) != DeviceStateReady {
		t.Errorf("Expected Ready state event after failure, got %+v", e)
	}

	// The slot is usable again.
	h.device.mu.Lock()
	h.device.connectErr = nil
	h.device.mu.Unlock()
	placeTestCall(t, h, "+15550111", "")
}

func TestCallAccepted(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	h.recorder.reset()

	call.fireAccepted()

	sess := h.manager.CurrentSession()
	if sess == nil || sess.Status != CallStatusConnected {
		t.Fatalf("Expected Connected, got %+v", sess)
	}
	if sess.StartedAt.IsZero() {
		t.Error("Expected StartedAt stamped on acceptance")
	}
	if n := h.recorder.count(events.CallConnected); n != 1 {
		t.Errorf("Expected one CallConnected event, got %d", n)
	}
}

func TestAcceptInboundCall(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	inbound := offerTestCall(t, h, "+15550123", nil)
	h.recorder.reset()

	if err := h.manager.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	inbound.mu.Lock()
	accepts := inbound.acceptCalls
	inbound.mu.Unlock()
	if accepts != 1 {
		t.Errorf("Expected one Accept request, got %d", accepts)
	}

	// Still ringing until the vendor confirms.
	if sess := h.manager.CurrentSession(); sess == nil || sess.Status != CallStatusRingingIn {
		t.Errorf("Expected RingingIn until confirmation, got %+v", sess)
	}

	inbound.fireAccepted()
	if sess := h.manager.CurrentSession(); sess == nil || sess.Status != CallStatusConnected {
		t.Errorf("Expected Connected after confirmation, got %+v", sess)
	}
}

func TestAcceptWithoutRingingCallIsNoOp(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	if err := h.manager.AcceptCall(context.Background()); err != nil {
		t.Errorf("Expected no-op accept to return nil, got %v", err)
	}

	// Accept on an outbound ringing call is equally meaningless.
	call := placeTestCall(t, h, "+15550100", "")
	if err := h.manager.AcceptCall(context.Background()); err != nil {
		t.Errorf("Expected no-op accept to return nil, got %v", err)
	}
	call.mu.Lock()
	accepts := call.acceptCalls
	call.mu.Unlock()
	if accepts != 0 {
		t.Errorf("Expected no Accept request, got %d", accepts)
	}
}

func TestRejectInboundCall(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	inbound := offerTestCall(t, h, "+15550123", map[string]string{provider.ParamLeadID: "lead-3"})
	h.recorder.reset()

	if err := h.manager.RejectCall(); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}

	inbound.mu.Lock()
	rejects := inbound.rejectCalls
	inbound.mu.Unlock()
	if rejects != 1 {
		t.Errorf("Expected one Reject request, got %d", rejects)
	}

	// Session lives until the vendor confirms the cancellation.
	if h.manager.CurrentSession() == nil {
		t.Fatal("Expected session until cancellation confirmation")
	}

	inbound.fireCanceled()

	if h.manager.CurrentSession() != nil {
		t.Error("Expected session destroyed after cancellation")
	}
	if !h.manager.IsReady() {
		t.Errorf("Expected Ready after rejection, got %s", h.manager.State())
	}
	if n := h.recorder.count(events.CallDisconnected); n != 1 {
		t.Errorf("Expected one CallDisconnected, got %d", n)
	}
}

func TestHangup(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	call.fireAccepted()
	h.recorder.reset()

	if err := h.manager.Hangup(); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}

	// Intent sent; session holds at Disconnecting until confirmation.
	if sess := h.manager.CurrentSession(); sess == nil || sess.Status != CallStatusDisconnecting {
		t.Fatalf("Expected Disconnecting, got %+v", sess)
	}
	if call.disconnects() != 1 {
		t.Errorf("Expected one Disconnect request, got %d", call.disconnects())
	}

	call.fireDisconnected()

	if h.manager.CurrentSession() != nil {
		t.Error("Expected session destroyed after confirmation")
	}
	if !h.manager.IsReady() {
		t.Errorf("Expected Ready after hangup, got %s", h.manager.State())
	}
	if n := h.recorder.count(events.CallDisconnected); n != 1 {
		t.Errorf("Expected exactly one CallDisconnected, got %d", n)
	}
}

func TestHangupIdempotent(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	call.fireAccepted()
	h.recorder.reset()

	if err := h.manager.Hangup(); err != nil {
		t.Fatalf("First hangup failed: %v", err)
	}
	// Frustrated double click while the vendor confirmation is in flight.
	if err := h.manager.Hangup(); err != nil {
		t.Fatalf("Second hangup failed: %v", err)
	}

	if call.disconnects() != 1 {
		t.Errorf("Expected exactly one Disconnect request, got %d", call.disconnects())
	}

	call.fireDisconnected()
	// A duplicate confirmation must not double-destroy.
	call.fireDisconnected()

	if n := h.recorder.count(events.CallDisconnected); n != 1 {
		t.Errorf("Expected exactly one CallDisconnected, got %d", n)
	}
}

func TestHangupWithoutCallIsNoOp(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	if err := h.manager.Hangup(); err != nil {
		t.Errorf("Expected no-op hangup to return nil, got %v", err)
	}
}

func TestToggleMute(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	call.fireAccepted()

	if err := h.manager.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute failed: %v", err)
	}
	if sess := h.manager.CurrentSession(); !sess.Muted {
		t.Error("Expected session muted after first toggle")
	}

	if err := h.manager.ToggleMute(); err != nil {
		t.Fatalf("Second ToggleMute failed: %v", err)
	}
	if sess := h.manager.CurrentSession(); sess.Muted {
		t.Error("Expected session unmuted after second toggle")
	}

	call.mu.Lock()
	args := call.muteArgs
	call.mu.Unlock()
	if len(args) != 2 || args[0] != true || args[1] != false {
		t.Errorf("Expected Mute(true) then Mute(false), got %v", args)
	}
}

func TestToggleMuteFailureLeavesState(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	call.fireAccepted()

	call.mu.Lock()
	call.muteErr = fmt.Errorf("media path unavailable")
	call.mu.Unlock()

	err := h.manager.ToggleMute()
	if !IsProviderRuntime(err) {
		t.Fatalf("Expected ProviderRuntimeError, got %v", err)
	}
	if sess := h.manager.CurrentSession(); sess.Muted {
		t.Error("Expected mute state unchanged after vendor failure")
	}
}

func TestSendDigits(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")

	// DTMF only makes sense on a live call.
	if err := h.manager.SendDigits("1"); err != nil {
		t.Errorf("Expected no-op while ringing to return nil, got %v", err)
	}

	call.fireAccepted()
	if err := h.manager.SendDigits("42#"); err != nil {
		t.Fatalf("SendDigits failed: %v", err)
	}

	call.mu.Lock()
	sent := call.digitsSent
	call.mu.Unlock()
	if len(sent) != 1 || sent[0] != "42#" {
		t.Errorf("Expected digits %q sent once, got %v", "42#", sent)
	}
}

func TestCallErrorTearsDownSession(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	call.fireAccepted()
	h.recorder.reset()

	call.fireError(fmt.Errorf("media timeout"))

	if h.manager.CurrentSession() != nil {
		t.Error("Expected session torn down after call error")
	}
	if !h.manager.IsReady() {
		t.Errorf("Expected device back to Ready, got %s", h.manager.State())
	}
	if call.disconnects() != 1 {
		t.Errorf("Expected best-effort disconnect, got %d", call.disconnects())
	}
	if n := h.recorder.count(events.CallError); n != 1 {
		t.Errorf("Expected one CallError event, got %d", n)
	}
	if n := h.recorder.count(events.CallDisconnected); n != 1 {
		t.Errorf("Expected one CallDisconnected event, got %d", n)
	}
}

func TestCaptureCandidateForUnmatchedInbound(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	inbound := offerTestCall(t, h, "+15550123", nil)
	if err := h.manager.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	inbound.fireAccepted()
	h.recorder.reset()

	if err := h.manager.Hangup(); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	inbound.fireDisconnected()

	if n := h.recorder.count(events.CaptureCandidate); n != 1 {
		t.Fatalf("Expected exactly one CaptureCandidate, got %d", n)
	}
	e, _ := h.recorder.last(events.CaptureCandidate)
	info := e.Data.(*events.CaptureCandidateInfo)
	if info.PhoneNumber != "+15550123" {
		t.Errorf("Expected caller number in candidate, got %q", info.PhoneNumber)
	}
	if info.CallSessionID != inbound.SID() {
		t.Errorf("Expected session id %q, got %q", inbound.SID(), info.CallSessionID)
	}

	// The duplicate confirmation path must not re-emit.
	inbound.fireDisconnected()
	if n := h.recorder.count(events.CaptureCandidate); n != 1 {
		t.Errorf("Expected still one CaptureCandidate, got %d", n)
	}
}

func TestNoCaptureCandidateForMatchedInbound(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	inbound := offerTestCall(t, h, "+15550123", map[string]string{
		provider.ParamLeadID:   "lead-3",
		provider.ParamLeadName: "Robin Vale",
	})
	inbound.fireAccepted()
	h.recorder.reset()

	inbound.fireDisconnected()

	if n := h.recorder.count(events.CaptureCandidate); n != 0 {
		t.Errorf("Expected no CaptureCandidate for a matched lead, got %d", n)
	}
}

func TestNoCaptureCandidateForOutbound(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	call.fireAccepted()
	h.recorder.reset()

	call.fireDisconnected()

	if n := h.recorder.count(events.CaptureCandidate); n != 0 {
		t.Errorf("Expected no CaptureCandidate for outbound calls, got %d", n)
	}
}

func TestRemoteHangup(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	call := placeTestCall(t, h, "+15550100", "")
	call.fireAccepted()
	h.recorder.reset()

	// Far end hangs up without any local intent.
	call.fireDisconnected()

	if h.manager.CurrentSession() != nil {
		t.Error("Expected session destroyed on remote hangup")
	}
	if !h.manager.IsReady() {
		t.Errorf("Expected Ready after remote hangup, got %s", h.manager.State())
	}
	if call.disconnects() != 0 {
		t.Errorf("Expected no local Disconnect request, got %d", call.disconnects())
	}
	if n := h.recorder.count(events.CallDisconnected); n != 1 {
		t.Errorf("Expected one CallDisconnected, got %d", n)
	}
}

func TestCurrentSessionIsSnapshot(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	h.initialize(t)

	placeTestCall(t, h, "+15550100", "")

	sess := h.manager.CurrentSession()
	sess.Status = CallStatusConnected

	if live := h.manager.CurrentSession(); live.Status != CallStatusRingingOut {
		t.Errorf("Expected internal session unaffected by snapshot mutation, got %s", live.Status)
	}
}
