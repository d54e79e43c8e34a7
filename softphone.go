/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package softphone is the top-level entry point for the DealerDesk CRM
// softphone SDK. A Softphone value is explicitly constructed and owned by
// its composition root; there is no package-level instance, so tests can
// run multiple independent softphones side by side.
package softphone

import (
	"sync"

	"github.com/dealerdesk/softphone-go/calling"
	"github.com/dealerdesk/softphone-go/events"
	"github.com/dealerdesk/softphone-go/provider"
	"github.com/dealerdesk/softphone-go/softphonesdk"
	"github.com/dealerdesk/softphone-go/token"
	"github.com/dealerdesk/softphone-go/voicegw"
)

// Softphone is the top-level client wiring the core backend client, the
// token gateway, the voice gateway device factory, the event dispatcher,
// and the call session manager.
type Softphone struct {
	core *softphonesdk.Client

	gatewayConfig *voicegw.Config
	callingConfig *calling.Config

	mu         sync.Mutex
	dispatcher *events.Dispatcher
	tokens     *token.Gateway
	manager    *calling.Manager
}

// Config holds the top-level configuration.
type Config struct {
	// Core configures the CRM backend client.
	Core *softphonesdk.Config

	// Gateway configures the voice gateway device.
	Gateway *voicegw.Config

	// Calling configures the call session manager.
	Calling *calling.Config
}

// New creates a Softphone with the given CRM access token and optional
// configuration.
func New(accessToken string, config *Config) (*Softphone, error) {
	if config == nil {
		config = &Config{}
	}

	core, err := softphonesdk.NewClient(accessToken, config.Core)
	if err != nil {
		return nil, err
	}

	gatewayConfig := config.Gateway
	if gatewayConfig == nil {
		gatewayConfig = voicegw.DefaultConfig()
	}
	if gatewayConfig.Logger == nil {
		gatewayConfig.Logger = core.GetLogger()
	}

	return &Softphone{
		core:          core,
		gatewayConfig: gatewayConfig,
		callingConfig: config.Calling,
	}, nil
}

// Events returns the domain-event dispatcher UI consumers subscribe to.
func (s *Softphone) Events() *events.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dispatcher == nil {
		s.dispatcher = events.NewDispatcher(s.core.GetLogger())
	}
	return s.dispatcher
}

// Tokens returns the voice credential gateway.
func (s *Softphone) Tokens() *token.Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens == nil {
		s.tokens = token.NewGateway(s.core)
	}
	return s.tokens
}

// Calling returns the call session manager, wired against the voice
// gateway device factory.
func (s *Softphone) Calling() *calling.Manager {
	dispatcher := s.Events()
	tokens := s.Tokens()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager == nil {
		factory := func(accessToken string) (provider.Device, error) {
			return voicegw.NewDevice(accessToken, s.gatewayConfig), nil
		}
		s.manager = calling.NewManager(s.core, tokens, dispatcher, factory, s.callingConfig)
	}
	return s.manager
}

// Core returns the core backend client.
func (s *Softphone) Core() *softphonesdk.Client {
	return s.core
}
