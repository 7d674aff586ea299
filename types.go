// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package uaf is an OPC UA client engine: it discovers servers, keeps
// sessions and subscriptions alive across reconnections, resolves absolute
// and relative node addresses across servers and correlates synchronous and
// asynchronous requests with their results.
//
// All handles are assigned by the client and never reused while a Client
// is alive, so they stay valid across reconnections and re-creation of the
// server side objects they stand for.
package uaf

import "github.com/edgeo-scada/uaf/ua"

// Transport and Channel are the wire stack interfaces.
type (
	Transport = ua.Transport
	Channel   = ua.Channel
)

// ConnectionID identifies a session.
type ConnectionID uint32

// SubscriptionHandle identifies a subscription.
type SubscriptionHandle uint32

// ClientHandle identifies a monitored item. It is also the client handle
// sent to the server, so notifications route by it directly.
type ClientHandle uint32

// RequestHandle identifies an asynchronous request.
type RequestHandle uint32

// SessionState is the state of a session.
type SessionState int

// Session states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateActivatingSession
	StateConnected
	StateReconnecting
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActivatingSession:
		return "activating_session"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ServerState is the server state read by the session watchdog.
type ServerState int32

// Server states (ServerState enumeration, i=852).
const (
	ServerStateRunning ServerState = iota
	ServerStateFailed
	ServerStateNoConfiguration
	ServerStateSuspended
	ServerStateShutdown
	ServerStateTest
	ServerStateCommunicationFault
	ServerStateUnknown
)

// CreationState is the server side state of a subscription or monitored
// item.
type CreationState int

// Creation states. A NotCreated object still has a valid client handle.
const (
	NotCreated CreationState = iota
	Creating
	Created
)

// String returns the state name.
func (s CreationState) String() string {
	switch s {
	case NotCreated:
		return "not_created"
	case Creating:
		return "creating"
	case Created:
		return "created"
	default:
		return "unknown"
	}
}
