/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package voicegw implements the provider capability interface against the
// DealerDesk voice gateway: HTTP for call signaling, a websocket channel
// for gateway-originated events.
package voicegw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dealerdesk/softphone-go/provider"
	"github.com/dealerdesk/softphone-go/softphonesdk"
)

// Config holds the configuration for the voice gateway device.
type Config struct {
	// BaseURL is the gateway signaling API base URL.
	BaseURL string

	// PreferredCodecs is sent at registration, first entry most preferred.
	PreferredCodecs []string

	// RejectWhileBusy asks the gateway to decline additional inbound calls
	// while this device has one in progress.
	RejectWhileBusy bool

	// HandshakeTimeout bounds the websocket dial and auth exchange.
	HandshakeTimeout time.Duration

	// PingInterval is the interval between websocket keepalive pings.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong before the connection is
	// considered dead.
	PongTimeout time.Duration

	// HTTPClient overrides the default HTTP client when set.
	HTTPClient *http.Client

	// Logger is the logger for gateway operations. If nil, the standard
	// library's default logger is used.
	Logger softphonesdk.Logger
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://voice.dealerdesk.app/api/v1",
		PreferredCodecs:  []string{"opus", "pcmu"},
		RejectWhileBusy:  true,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
	}
}

// registerResponse is the wire shape of the device registration response.
type registerResponse struct {
	DeviceID     string `json:"deviceId"`
	WebSocketURL string `json:"webSocketUrl"`
}

// gatewayEvent is a single event frame read off the websocket.
type gatewayEvent struct {
	Type             string            `json:"type"`
	CallID           string            `json:"callId,omitempty"`
	From             string            `json:"from,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	Error            string            `json:"error,omitempty"`
	TrackingID       string            `json:"trackingId,omitempty"`
}

// Gateway event types.
const (
	eventRegistered       = "device.registered"
	eventTokenExpiring    = "token.expiring"
	eventDeviceError      = "device.error"
	eventCallIncoming     = "call.incoming"
	eventCallAccepted     = "call.accepted"
	eventCallDisconnected = "call.disconnected"
	eventCallCanceled     = "call.canceled"
	eventCallError        = "call.error"
)

// Device is a registered voice gateway endpoint. It implements
// provider.Device.
type Device struct {
	mu sync.Mutex

	config     *Config
	httpClient *http.Client
	logger     softphonesdk.Logger

	token      string
	deviceID   string
	conn       *websocket.Conn
	registered bool
	closeCh    chan struct{}

	handlers provider.DeviceHandlers

	// Live calls keyed by call SID, so websocket events find their leg.
	calls map[string]*Call
}

// NewDevice creates an unregistered gateway device carrying the given
// voice credential.
func NewDevice(accessToken string, config *Config) *Device {
	if config == nil {
		config = DefaultConfig()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Device{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		token:      accessToken,
		calls:      make(map[string]*Call),
		closeCh:    make(chan struct{}),
	}
}

// SetHandlers installs the device-level event callbacks. Must be called
// before Register.
func (d *Device) SetHandlers(h provider.DeviceHandlers) {
	d.mu.Lock()
	d.handlers = h
	d.mu.Unlock()
}

// Register announces the device to the gateway and opens the websocket
// event channel. It blocks until the gateway confirms registration.
func (d *Device) Register(ctx context.Context) error {
	d.mu.Lock()
	if d.registered {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	payload := map[string]interface{}{
		"deviceType":      "WEB",
		"codecs":          d.config.PreferredCodecs,
		"rejectWhileBusy": d.config.RejectWhileBusy,
	}

	var resp registerResponse
	if err := d.postJSON(ctx, d.config.BaseURL+"/devices", payload, &resp); err != nil {
		return fmt.Errorf("device registration failed: %w", err)
	}
	if resp.DeviceID == "" || resp.WebSocketURL == "" {
		return fmt.Errorf("device registration returned incomplete response")
	}

	conn, err := d.openEventChannel(ctx, resp.WebSocketURL)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.deviceID = resp.DeviceID
	d.conn = conn
	d.registered = true
	d.closeCh = make(chan struct{})
	d.mu.Unlock()

	go d.readLoop(conn)
	go d.pingLoop(conn)

	return nil
}

// openEventChannel dials the websocket, authenticates, and waits for the
// gateway's registered confirmation.
func (d *Device) openEventChannel(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.token)
	headers.Set("TrackingID", trackingID())

	dialer := websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event channel: %w", err)
	}

	authMsg := map[string]interface{}{
		"type":       "authorization",
		"token":      d.token,
		"trackingId": trackingID(),
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send auth message: %w", err)
	}

	// Wait for the registered confirmation before handing the connection
	// to the read loop.
	deadline := time.Now().Add(d.config.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	for {
		var event gatewayEvent
		if err := conn.ReadJSON(&event); err != nil {
			conn.Close()
			return nil, fmt.Errorf("registration confirmation failed: %w", err)
		}
		if event.Type == eventRegistered {
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		}
		if event.Type == eventDeviceError {
			conn.Close()
			return nil, fmt.Errorf("gateway rejected registration: %s", event.Error)
		}
	}
}

// Connect starts an outbound call. The params bag (To, lead_id, ...) is
// forwarded as the call's custom parameters so the CRM association
// survives into the gateway call object.
func (d *Device) Connect(ctx context.Context, params map[string]string) (provider.Call, error) {
	d.mu.Lock()
	if !d.registered {
		d.mu.Unlock()
		return nil, fmt.Errorf("device is not registered")
	}
	deviceID := d.deviceID
	d.mu.Unlock()

	to := params[provider.ParamTo]
	if to == "" {
		return nil, fmt.Errorf("connect requires a %s parameter", provider.ParamTo)
	}

	payload := map[string]interface{}{
		"deviceId":         deviceID,
		"correlationId":    uuid.New().String(),
		"to":               to,
		"customParameters": params,
	}

	var resp struct {
		CallID string `json:"callId"`
	}
	url := fmt.Sprintf("%s/devices/%s/calls", d.config.BaseURL, deviceID)
	if err := d.postJSON(ctx, url, payload, &resp); err != nil {
		return nil, fmt.Errorf("connect request failed: %w", err)
	}
	if resp.CallID == "" {
		return nil, fmt.Errorf("connect response missing callId")
	}

	call := &Call{
		device: d,
		sid:    resp.CallID,
		from:   to,
		params: params,
	}

	d.mu.Lock()
	d.calls[call.sid] = call
	d.mu.Unlock()

	return call, nil
}

// UpdateToken replaces the credential on the live device. It only rewrites
// the bearer used for signaling and renews the websocket authorization; no
// re-registration happens and in-progress calls are untouched.
func (d *Device) UpdateToken(accessToken string) error {
	d.mu.Lock()
	d.token = accessToken
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return nil
	}

	msg := map[string]interface{}{
		"type":  "token.update",
		"token": accessToken,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to push token over event channel: %w", err)
	}
	return nil
}

// Destroy unregisters the device and closes the event channel. Safe to
// call repeatedly and before Register.
func (d *Device) Destroy() {
	d.mu.Lock()
	if !d.registered && d.conn == nil {
		d.mu.Unlock()
		return
	}
	deviceID := d.deviceID
	conn := d.conn
	d.conn = nil
	d.registered = false
	close(d.closeCh)
	d.closeCh = make(chan struct{})
	d.calls = make(map[string]*Call)
	d.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "device destroyed"))
		_ = conn.Close()
	}

	if deviceID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		url := fmt.Sprintf("%s/devices/%s", d.config.BaseURL, deviceID)
		if err := d.doDelete(ctx, url); err != nil {
			d.logger.Printf("device unregister failed: %v", err)
		}
	}
}

// readLoop decodes gateway events and routes them to device and call
// handlers until the connection dies or Destroy closes it.
func (d *Device) readLoop(conn *websocket.Conn) {
	for {
		var event gatewayEvent
		if err := conn.ReadJSON(&event); err != nil {
			d.handleChannelClosed(err)
			return
		}
		d.dispatchEvent(&event)
	}
}

// handleChannelClosed reports an unexpected event-channel loss. A close
// triggered by Destroy is silent.
func (d *Device) handleChannelClosed(err error) {
	d.mu.Lock()
	deliberate := d.conn == nil
	handlers := d.handlers
	d.registered = false
	d.mu.Unlock()

	if deliberate {
		return
	}
	d.logger.Printf("event channel lost: %v", err)
	if handlers.Error != nil {
		handlers.Error(fmt.Errorf("event channel lost: %w", err))
	}
}

// dispatchEvent routes one gateway event.
func (d *Device) dispatchEvent(event *gatewayEvent) {
	d.mu.Lock()
	handlers := d.handlers
	call := d.calls[event.CallID]
	d.mu.Unlock()

	switch event.Type {
	case eventCallIncoming:
		incoming := &Call{
			device: d,
			sid:    event.CallID,
			from:   event.From,
			params: event.CustomParameters,
		}
		d.mu.Lock()
		d.calls[incoming.sid] = incoming
		d.mu.Unlock()
		if handlers.Incoming != nil {
			handlers.Incoming(incoming)
		}

	case eventCallAccepted:
		if call != nil {
			call.invokeAccepted()
		}

	case eventCallDisconnected:
		d.dropCall(event.CallID)
		if call != nil {
			call.invokeDisconnected()
		}

	case eventCallCanceled:
		d.dropCall(event.CallID)
		if call != nil {
			call.invokeCanceled()
		}

	case eventCallError:
		if call != nil {
			call.invokeError(fmt.Errorf("%s", event.Error))
		} else if handlers.Error != nil {
			handlers.Error(fmt.Errorf("%s", event.Error))
		}

	case eventTokenExpiring:
		if handlers.TokenExpiring != nil {
			handlers.TokenExpiring()
		}

	case eventDeviceError:
		if handlers.Error != nil {
			handlers.Error(fmt.Errorf("%s", event.Error))
		}

	default:
		d.logger.Printf("ignoring unknown gateway event type %q", event.Type)
	}
}

// dropCall forgets a finished call leg.
func (d *Device) dropCall(sid string) {
	d.mu.Lock()
	delete(d.calls, sid)
	d.mu.Unlock()
}

// pingLoop keeps the event channel alive and detects dead peers via read
// deadlines around each ping/pong round trip.
func (d *Device) pingLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	d.mu.Lock()
	closeCh := d.closeCh
	d.mu.Unlock()

	ticker := time.NewTicker(d.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.SetReadDeadline(time.Now().Add(d.config.PongTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte(trackingID())); err != nil {
				return
			}
		case <-closeCh:
			return
		}
	}
}

// postJSON performs a signaling POST with the current bearer token and
// decodes the JSON response into out (when out is non-nil).
func (d *Device) postJSON(ctx context.Context, url string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	d.setHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

// doDelete performs a signaling DELETE with the current bearer token.
func (d *Device) doDelete(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	d.setHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// setHeaders sets the standard gateway signaling headers.
func (d *Device) setHeaders(req *http.Request) {
	d.mu.Lock()
	token := d.token
	d.mu.Unlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("trackingid", trackingID())
}

// currentDeviceID returns the registered device id.
func (d *Device) currentDeviceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}

// requestContext returns a bounded context for fire-and-forget signaling
// requests issued without a caller-supplied context.
func (d *Device) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// trackingID returns a fresh per-request tracking identifier.
func trackingID() string {
	return fmt.Sprintf("softphone-go_%s", uuid.New().String())
}
