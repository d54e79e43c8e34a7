/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package token

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dealerdesk/softphone-go/softphonesdk"
)

// Sink receives renewed credentials. The live provider device satisfies it:
// pushing a token must not re-register the device or interrupt a call.
type Sink interface {
	UpdateToken(token string) error
}

// RefresherConfig holds the configuration for the Refresher.
type RefresherConfig struct {
	// ExpiryMargin is how long before credential expiry the refresh fires.
	ExpiryMargin time.Duration

	// MinDelay is the shortest allowed refresh delay, so a short-lived
	// credential does not trigger an immediate refresh loop.
	MinDelay time.Duration

	// FetchTimeout bounds the token request made when the timer fires.
	FetchTimeout time.Duration
}

// DefaultRefresherConfig returns the default Refresher configuration.
func DefaultRefresherConfig() *RefresherConfig {
	return &RefresherConfig{
		ExpiryMargin: 5 * time.Minute,
		MinDelay:     60 * time.Second,
		FetchTimeout: 30 * time.Second,
	}
}

// Refresher renews the voice credential before it expires and pushes the
// new token into the live device. It is the single refresh authority; the
// vendor's own token-expiring signal is only a fallback trigger.
//
// On fetch failure the timer is NOT re-armed: hammering a possibly-down
// token endpoint from a timer is worse than waiting for the vendor's expiry
// signal or an explicit re-initialize.
type Refresher struct {
	gateway *Gateway
	sink    Sink
	config  *RefresherConfig
	logger  softphonesdk.Logger

	mu    sync.Mutex
	timer *time.Timer
	armed bool

	// gen is bumped by Cancel so a refresh already in flight cannot
	// push a token or re-arm after cancellation.
	gen uint64
}

// NewRefresher creates a Refresher feeding the given sink.
func NewRefresher(gateway *Gateway, sink Sink, config *RefresherConfig, logger softphonesdk.Logger) *Refresher {
	if config == nil {
		config = DefaultRefresherConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Refresher{
		gateway: gateway,
		sink:    sink,
		config:  config,
		logger:  logger,
	}
}

// Arm schedules a single-shot refresh for the given credential, replacing
// any previously scheduled one.
func (r *Refresher) Arm(cred Credential) {
	delay := r.delayFor(cred)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.armed = true
	r.timer = time.AfterFunc(delay, r.fire)
}

// Cancel stops any scheduled refresh. A refresh whose fetch is already in
// flight is abandoned: its result is discarded and it does not re-arm.
func (r *Refresher) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.armed = false
	r.gen++
}

// Armed reports whether a refresh is currently scheduled.
func (r *Refresher) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// RefreshNow performs an immediate refresh. Used as the fallback path when
// the vendor signals imminent expiry while no timer is scheduled.
func (r *Refresher) RefreshNow() {
	r.fire()
}

// delayFor computes the refresh delay: ExpiryMargin before expiry, but
// never sooner than MinDelay after issue.
func (r *Refresher) delayFor(cred Credential) time.Duration {
	delay := time.Duration(cred.ExpiresIn)*time.Second - r.config.ExpiryMargin
	if delay < r.config.MinDelay {
		delay = r.config.MinDelay
	}
	return delay
}

// fire fetches a fresh credential, pushes it into the sink, and re-arms.
func (r *Refresher) fire() {
	r.mu.Lock()
	r.armed = false
	gen := r.gen
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.FetchTimeout)
	defer cancel()

	cred, err := r.gateway.FetchCredential(ctx)
	if err != nil {
		// Deliberately not re-armed; see type comment.
		r.logger.Printf("credential refresh failed, waiting for expiry signal: %v", err)
		return
	}

	r.mu.Lock()
	cancelled := gen != r.gen
	r.mu.Unlock()
	if cancelled {
		// Cancel ran while the fetch was in flight; the device this
		// refresh was feeding is gone.
		return
	}

	if err := r.sink.UpdateToken(cred.Token); err != nil {
		r.logger.Printf("pushing refreshed credential into device failed: %v", err)
	}

	// Re-arm with the new expiry even if the push failed: the next cycle
	// gets another chance with a still-valid credential. Re-checking the
	// generation keeps a Cancel issued during the push final.
	delay := r.delayFor(cred)
	r.mu.Lock()
	if gen == r.gen {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.armed = true
		r.timer = time.AfterFunc(delay, r.fire)
	}
	r.mu.Unlock()
}
