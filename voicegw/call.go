/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package voicegw

import (
	"context"
	"fmt"
	"sync"

	"github.com/dealerdesk/softphone-go/provider"
)

// Call is a single call leg on the voice gateway. It implements
// provider.Call. Control requests are signaling POSTs; progress arrives
// through the device's event channel and is relayed via the handlers.
type Call struct {
	mu sync.Mutex

	device *Device
	sid    string
	from   string
	params map[string]string

	handlers provider.CallHandlers
}

// SID returns the gateway-assigned call identifier.
func (c *Call) SID() string {
	return c.sid
}

// From returns the remote address of the call.
func (c *Call) From() string {
	return c.from
}

// CustomParameters returns the raw parameter bag attached to the call.
func (c *Call) CustomParameters() map[string]string {
	return c.params
}

// SetHandlers installs the per-call event callbacks.
func (c *Call) SetHandlers(h provider.CallHandlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// Accept answers an inbound ringing call.
func (c *Call) Accept(ctx context.Context) error {
	return c.device.postJSON(ctx, c.controlURL("accept"), c.controlPayload(), nil)
}

// Reject declines an inbound ringing call.
func (c *Call) Reject() error {
	ctx, cancel := c.device.requestContext()
	defer cancel()
	return c.device.postJSON(ctx, c.controlURL("reject"), c.controlPayload(), nil)
}

// Disconnect sends the hangup intent. The leg is only over once the
// gateway's disconnected event arrives.
func (c *Call) Disconnect() error {
	ctx, cancel := c.device.requestContext()
	defer cancel()
	url := fmt.Sprintf("%s/devices/%s/calls/%s", c.device.config.BaseURL, c.device.currentDeviceID(), c.sid)
	return c.device.doDelete(ctx, url)
}

// Mute sets the local audio mute state.
func (c *Call) Mute(muted bool) error {
	ctx, cancel := c.device.requestContext()
	defer cancel()
	payload := c.controlPayload()
	payload["muted"] = muted
	return c.device.postJSON(ctx, c.controlURL("mute"), payload, nil)
}

// SendDigits plays DTMF tones on the active call.
func (c *Call) SendDigits(digits string) error {
	ctx, cancel := c.device.requestContext()
	defer cancel()
	payload := c.controlPayload()
	payload["digits"] = digits
	return c.device.postJSON(ctx, c.controlURL("dtmf"), payload, nil)
}

// controlURL builds a call-control endpoint URL.
func (c *Call) controlURL(action string) string {
	return fmt.Sprintf("%s/devices/%s/calls/%s/%s",
		c.device.config.BaseURL, c.device.currentDeviceID(), c.sid, action)
}

// controlPayload builds the common call-control payload.
func (c *Call) controlPayload() map[string]interface{} {
	return map[string]interface{}{
		"deviceId": c.device.currentDeviceID(),
		"callId":   c.sid,
	}
}

// invokeAccepted relays the gateway's accepted event.
func (c *Call) invokeAccepted() {
	c.mu.Lock()
	h := c.handlers.Accepted
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// invokeDisconnected relays the gateway's disconnected event.
func (c *Call) invokeDisconnected() {
	c.mu.Lock()
	h := c.handlers.Disconnected
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// invokeCanceled relays the gateway's canceled event.
func (c *Call) invokeCanceled() {
	c.mu.Lock()
	h := c.handlers.Canceled
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// invokeError relays a gateway call error.
func (c *Call) invokeError(err error) {
	c.mu.Lock()
	h := c.handlers.Error
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}
