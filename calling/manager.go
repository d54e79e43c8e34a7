/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements the real-time call session manager behind the
// CRM softphone. It owns the vendor device lifecycle and the single active
// call slot, and publishes typed domain events to UI consumers.
package calling

import (
	"context"
	"log"
	"sync"

	"github.com/dealerdesk/softphone-go/events"
	"github.com/dealerdesk/softphone-go/provider"
	"github.com/dealerdesk/softphone-go/softphonesdk"
	"github.com/dealerdesk/softphone-go/token"
)

// DeviceFactory builds a vendor device carrying the given credential.
// The voicegw package supplies the production factory; tests supply fakes.
type DeviceFactory func(accessToken string) (provider.Device, error)

// Config holds the configuration for the Manager.
type Config struct {
	// Refresher configures the credential refresh scheduler.
	Refresher *token.RefresherConfig
}

// DefaultConfig returns the default Manager configuration.
func DefaultConfig() *Config {
	return &Config{
		Refresher: token.DefaultRefresherConfig(),
	}
}

// Manager is the softphone call session manager. Each composition root
// constructs and owns its Manager; there is no package-level instance.
//
// All state transitions happen under one mutex: the active-call check and
// the state write that claims the call slot occur in the same critical
// section, before any vendor I/O, which is what closes the race between
// UI entry points dialing simultaneously.
type Manager struct {
	mu sync.Mutex

	core       *softphonesdk.Client
	logger     softphonesdk.Logger
	dispatcher *events.Dispatcher
	gateway    *token.Gateway
	newDevice  DeviceFactory
	config     *Config

	device    provider.Device
	refresher *token.Refresher

	state        DeviceState
	session      *Session
	call         provider.Call
	initialized  bool
	initializing bool

	// connectCancel aborts a pending outbound connect when Destroy runs.
	connectCancel context.CancelFunc

	// destroyGen is bumped by Destroy so an Initialize still awaiting
	// vendor I/O cannot commit a device Destroy never saw.
	destroyGen uint64
}

// NewManager creates a Manager. The dispatcher is shared with UI consumers;
// the factory produces the vendor device on each Initialize.
func NewManager(core *softphonesdk.Client, gateway *token.Gateway, dispatcher *events.Dispatcher, factory DeviceFactory, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}

	var logger softphonesdk.Logger = log.Default()
	if core != nil {
		logger = core.GetLogger()
	}

	return &Manager{
		core:       core,
		logger:     logger,
		dispatcher: dispatcher,
		gateway:    gateway,
		newDevice:  factory,
		config:     config,
		state:      DeviceStateOffline,
	}
}

// Initialize fetches a credential, constructs and registers the vendor
// device, and arms the credential refresher. A second call while already
// initialized is a no-op. On any failure the device state becomes Error and
// the caller decides whether to re-Initialize; no reconnect loop runs here.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized || m.initializing {
		m.mu.Unlock()
		return nil
	}
	m.initializing = true
	m.state = DeviceStateConnecting
	gen := m.destroyGen
	m.mu.Unlock()

	m.dispatcher.Emit(events.DeviceStateChanged, DeviceStateConnecting)

	cred, err := m.gateway.FetchCredential(ctx)
	if err != nil {
		m.failInitialize(gen)
		return err
	}

	dev, err := m.newDevice(cred.Token)
	if err != nil {
		m.failInitialize(gen)
		return &DeviceInitError{Err: err}
	}

	// Handlers go in before Register so no early inbound event is lost.
	dev.SetHandlers(provider.DeviceHandlers{
		Incoming:      m.handleIncoming,
		TokenExpiring: m.handleTokenExpiring,
		Error:         m.handleDeviceError,
	})

	if err := dev.Register(ctx); err != nil {
		dev.Destroy()
		m.failInitialize(gen)
		return &DeviceInitError{Err: err}
	}

	ref := token.NewRefresher(m.gateway, dev, m.config.Refresher, m.logger)

	m.mu.Lock()
	if gen != m.destroyGen {
		// Destroy ran while we were registering. It already reset the
		// manager to Offline (and cleared initializing); discard the
		// freshly registered device instead of resurrecting it.
		m.mu.Unlock()
		dev.Destroy()
		return &NotInitializedError{}
	}
	m.device = dev
	m.refresher = ref
	m.initialized = true
	m.initializing = false
	m.state = DeviceStateReady
	m.mu.Unlock()

	ref.Arm(cred)
	m.dispatcher.Emit(events.DeviceStateChanged, DeviceStateReady)

	return nil
}

// failInitialize records a failed initialization attempt. When Destroy ran
// mid-attempt the Offline state it set stands and no Error event fires.
func (m *Manager) failInitialize(gen uint64) {
	m.mu.Lock()
	if gen != m.destroyGen {
		m.mu.Unlock()
		return
	}
	m.initializing = false
	m.state = DeviceStateError
	m.mu.Unlock()

	m.dispatcher.Emit(events.DeviceStateChanged, DeviceStateError)
}

// Destroy tears down any active call (best effort), cancels the credential
// refresher, destroys the vendor device, and resets to Offline. Always safe
// to call, including when never initialized. A pending PlaceCall connect is
// cancelled; if the connect wins the race anyway, PlaceCall disconnects the
// late call immediately.
func (m *Manager) Destroy() {
	m.mu.Lock()
	cancel := m.connectCancel
	m.connectCancel = nil
	call := m.call
	m.call = nil
	sess := m.session
	m.session = nil
	dev := m.device
	m.device = nil
	ref := m.refresher
	m.refresher = nil
	changed := m.state != DeviceStateOffline
	m.initialized = false
	m.initializing = false
	m.state = DeviceStateOffline
	m.destroyGen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ref != nil {
		ref.Cancel()
	}
	if call != nil {
		if err := call.Disconnect(); err != nil {
			m.logger.Printf("destroy: disconnect of active call failed: %v", err)
		}
	}
	if dev != nil {
		dev.Destroy()
	}

	if sess != nil {
		m.dispatcher.Emit(events.CallDisconnected, nil)
		m.emitCaptureCandidate(*sess)
	}
	if changed {
		m.dispatcher.Emit(events.DeviceStateChanged, DeviceStateOffline)
	}
}

// IsReady reports whether the device is registered and idle.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == DeviceStateReady
}

// State returns the current device state.
func (m *Manager) State() DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentSession returns a snapshot of the active call session, or nil when
// no call is active or ringing.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	snapshot := *m.session
	return &snapshot
}

// handleIncoming processes a vendor-offered inbound call. If the call slot
// is occupied the offer is rejected; no Session is created for it and the
// state stays tied to the existing call.
func (m *Manager) handleIncoming(call provider.Call) {
	m.mu.Lock()
	if !m.initialized || m.session != nil {
		m.mu.Unlock()
		m.logger.Printf("rejecting inbound call %s: line busy", call.SID())
		if err := call.Reject(); err != nil {
			m.logger.Printf("rejecting inbound call %s failed: %v", call.SID(), err)
		}
		return
	}

	meta := provider.MetadataFromParameters(call.CustomParameters())
	sess := &Session{
		SessionID:     call.SID(),
		Direction:     DirectionInbound,
		RemoteAddress: call.From(),
		LeadID:        meta.LeadID,
		LeadName:      meta.LeadName,
		Status:        CallStatusRingingIn,
	}
	m.session = sess
	m.call = call
	m.state = DeviceStateBusy
	m.mu.Unlock()

	call.SetHandlers(m.callHandlers())

	m.dispatcher.Emit(events.DeviceStateChanged, DeviceStateBusy)
	m.dispatcher.Emit(events.IncomingCall, &events.IncomingCallInfo{
		CallSid:  sess.SessionID,
		From:     sess.RemoteAddress,
		LeadID:   sess.LeadID,
		LeadName: sess.LeadName,
	})
}

// handleTokenExpiring relays the vendor's expiry warning. The proactive
// refresher is the single refresh authority, so this only triggers a
// refresh when no timer is scheduled (e.g. after a failed refresh).
func (m *Manager) handleTokenExpiring() {
	m.dispatcher.Emit(events.TokenExpiring, nil)

	m.mu.Lock()
	ref := m.refresher
	m.mu.Unlock()

	if ref != nil && !ref.Armed() {
		go ref.RefreshNow()
	}
}

// handleDeviceError processes a vendor runtime failure outside any single
// call: surface it, tear down whatever session exists, and park the device
// in Error until an explicit re-Initialize.
func (m *Manager) handleDeviceError(err error) {
	wrapped := &ProviderRuntimeError{Err: err}
	m.logger.Printf("device error: %v", wrapped)
	m.dispatcher.Emit(events.CallError, wrapped)

	m.mu.Lock()
	call := m.call
	m.call = nil
	sess := m.session
	m.session = nil
	m.initialized = false
	m.state = DeviceStateError
	m.mu.Unlock()

	if call != nil {
		if derr := call.Disconnect(); derr != nil {
			m.logger.Printf("device error teardown: disconnect failed: %v", derr)
		}
	}
	if sess != nil {
		m.dispatcher.Emit(events.CallDisconnected, nil)
		m.emitCaptureCandidate(*sess)
	}
	m.dispatcher.Emit(events.DeviceStateChanged, DeviceStateError)
}
