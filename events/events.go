/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package events provides the domain-event dispatcher for the softphone.
// The event vocabulary is a closed set: UI consumers subscribe to the
// events they render and never see provider wire formats.
package events

import (
	"log"
	"sync"

	"github.com/dealerdesk/softphone-go/softphonesdk"
)

// Type identifies a domain event.
type Type string

const (
	// DeviceStateChanged carries the new device state as its payload.
	DeviceStateChanged Type = "device_state_changed"
	// IncomingCall carries an *IncomingCallInfo payload.
	IncomingCall Type = "incoming_call"
	// CallConnected fires when a ringing call (either direction) is answered.
	CallConnected Type = "call_connected"
	// CallDisconnected fires when the active call ends for any reason.
	CallDisconnected Type = "call_disconnected"
	// CallError carries the error raised by the provider during a session.
	CallError Type = "call_error"
	// TokenExpiring fires when the provider signals imminent credential expiry.
	TokenExpiring Type = "token_expiring"
	// CaptureCandidate carries a *CaptureCandidateInfo payload for inbound
	// callers that could not be matched to a CRM lead.
	CaptureCandidate Type = "capture_candidate"
)

// IncomingCallInfo is the payload of an IncomingCall event.
type IncomingCallInfo struct {
	CallSid  string
	From     string
	LeadID   string
	LeadName string
}

// CaptureCandidateInfo is the payload of a CaptureCandidate event. It is
// produced for inbound calls whose caller did not match a known lead and
// outlives the call itself so the UI can still prompt after hangup.
type CaptureCandidateInfo struct {
	CallSessionID string
	PhoneNumber   string
	LeadID        string
}

// Event is a dispatched domain event.
type Event struct {
	Type Type
	Data interface{}
}

// Handler is a callback invoked for each event of a subscribed type.
type Handler func(Event)

// listener is a node in the per-type listener list. Removal unlinks the
// node in O(1); the removed flag makes a second Cancel a no-op.
type listener struct {
	handler Handler
	prev    *listener
	next    *listener
	removed bool
}

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	dispatcher *Dispatcher
	eventType  Type
	node       *listener
}

// Cancel removes the subscription. Safe to call more than once, and safe to
// call from inside a handler; the removal takes effect on the next dispatch.
func (s *Subscription) Cancel() {
	if s == nil || s.dispatcher == nil {
		return
	}
	s.dispatcher.off(s)
}

// Dispatcher fans domain events out to subscribers. Delivery is synchronous,
// in registration order, and isolated: a panicking handler does not prevent
// delivery to the handlers after it.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[Type]*listenerList
	logger    softphonesdk.Logger
}

// listenerList is an ordered doubly-linked list of listeners for one type.
type listenerList struct {
	head *listener
	tail *listener
}

// NewDispatcher creates a Dispatcher. A nil logger falls back to the
// standard library default.
func NewDispatcher(logger softphonesdk.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		listeners: make(map[Type]*listenerList),
		logger:    logger,
	}
}

// On registers a handler for an event type and returns its subscription.
// Registration during a dispatch takes effect on the next dispatch.
func (d *Dispatcher) On(eventType Type, handler Handler) *Subscription {
	if handler == nil {
		return &Subscription{}
	}

	node := &listener{handler: handler}

	d.mu.Lock()
	list, ok := d.listeners[eventType]
	if !ok {
		list = &listenerList{}
		d.listeners[eventType] = list
	}
	if list.tail == nil {
		list.head = node
		list.tail = node
	} else {
		node.prev = list.tail
		list.tail.next = node
		list.tail = node
	}
	d.mu.Unlock()

	return &Subscription{dispatcher: d, eventType: eventType, node: node}
}

// off unlinks a subscription's node from its list.
func (d *Dispatcher) off(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node := s.node
	if node == nil || node.removed {
		return
	}
	node.removed = true

	list, ok := d.listeners[s.eventType]
	if !ok {
		return
	}
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		list.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		list.tail = node.prev
	}
	if list.head == nil {
		delete(d.listeners, s.eventType)
	}
}

// Emit dispatches an event to all handlers registered for its type.
// The handler set is snapshotted before iteration, so handlers may
// subscribe or cancel during dispatch: the change takes effect on the
// next dispatch, never the one in progress.
func (d *Dispatcher) Emit(eventType Type, data interface{}) {
	d.mu.Lock()
	var snapshot []*listener
	if list, ok := d.listeners[eventType]; ok {
		for node := list.head; node != nil; node = node.next {
			snapshot = append(snapshot, node)
		}
	}
	d.mu.Unlock()

	event := Event{Type: eventType, Data: data}
	for _, node := range snapshot {
		d.safeInvoke(node.handler, event)
	}
}

// safeInvoke calls a handler and converts a panic into a logged warning so
// one faulty subscriber cannot break delivery to the rest.
func (d *Dispatcher) safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("event handler panicked on %s: %v", event.Type, r)
		}
	}()
	handler(event)
}

// ListenerCount returns the number of live handlers for an event type.
func (d *Dispatcher) ListenerCount(eventType Type) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := 0
	if list, ok := d.listeners[eventType]; ok {
		for node := list.head; node != nil; node = node.next {
			count++
		}
	}
	return count
}
