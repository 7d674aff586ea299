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

package uasim

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// ServerConfig describes a simulated server.
type ServerConfig struct {
	URI         string
	EndpointURL string
	Name        string

	// Secured adds a Basic256Sha256 SignAndEncrypt endpoint next to the
	// None endpoint. Sessions on it must present a certificate and key.
	Secured     bool
	Certificate []byte

	// Users maps user names to passwords accepted by the server.
	Users         map[string]string
	DenyAnonymous bool
}

// MethodFunc implements a simulated method.
type MethodFunc func(args []*ua.Variant) ([]*ua.Variant, ua.StatusCode)

type reference struct {
	typeID  ua.NodeID
	forward bool
	target  ua.ExpandedNodeID
	name    ua.QualifiedName // remote targets only
}

type node struct {
	id         ua.NodeID
	class      ua.NodeClass
	name       ua.QualifiedName
	value      ua.DataValue
	writable   bool
	method     MethodFunc
	history    []ua.DataValue
	hasHistory bool
	refs       []reference
}

// Server is a simulated OPC UA server. All methods are safe for concurrent
// use.
type Server struct {
	net *Network
	cfg ServerConfig

	mu              sync.Mutex
	online          bool
	delay           time.Duration
	discardOverflow bool
	nodes           map[ua.NodeID]*node
	namespaces      []string
	serverArray     []string
	channels        map[*channel]struct{}
	subs            map[uint32]*subscription
	nextChannel     uint32
	nextSub         uint32
	nextItem        uint32
	nextCP          uint64
	calls           map[ua.ServiceID]int
	changed         chan struct{}
}

func newServer(n *Network, cfg ServerConfig) *Server {
	if cfg.Name == "" {
		cfg.Name = cfg.URI
	}
	s := &Server{
		net:         n,
		cfg:         cfg,
		online:      true,
		nodes:       make(map[ua.NodeID]*node),
		namespaces:  []string{"http://opcfoundation.org/UA/", cfg.URI},
		serverArray: []string{cfg.URI},
		channels:    make(map[*channel]struct{}),
		subs:        make(map[uint32]*subscription),
		calls:       make(map[ua.ServiceID]int),
		changed:     make(chan struct{}),
	}

	s.nodes[ua.RootFolder] = &node{id: ua.RootFolder, class: ua.NodeClassObject, name: ua.QualifiedName{Name: "Root"}}
	s.AddObject(ua.RootFolder, ua.ObjectsFolder, ua.QualifiedName{Name: "Objects"})
	s.AddObject(ua.ObjectsFolder, ua.ServerNode, ua.QualifiedName{Name: "Server"})
	s.addVariable(ua.ServerNode, ua.HasProperty, ua.ServerArrayNode, ua.QualifiedName{Name: "ServerArray"}, nil)
	s.addVariable(ua.ServerNode, ua.HasProperty, ua.NamespaceArrayNode, ua.QualifiedName{Name: "NamespaceArray"}, nil)
	status := ua.NewNumericNodeID(0, 2256)
	s.addVariable(ua.ServerNode, ua.HasComponent, status, ua.QualifiedName{Name: "ServerStatus"}, nil)
	s.addVariable(status, ua.HasComponent, ua.ServerStatusStateNode, ua.QualifiedName{Name: "State"}, int32(0))
	return s
}

// URI returns the application URI of the server.
func (s *Server) URI() string { return s.cfg.URI }

// EndpointURL returns the endpoint URL of the server.
func (s *Server) EndpointURL() string { return s.cfg.EndpointURL }

func (s *Server) application() ua.ApplicationDescription {
	return ua.ApplicationDescription{
		ApplicationURI:  s.cfg.URI,
		ProductURI:      "urn:edgeo-scada:uasim",
		ApplicationName: ua.LocalizedText{Text: s.cfg.Name},
		ApplicationType: ua.ApplicationTypeServer,
		DiscoveryURLs:   []string{s.cfg.EndpointURL},
	}
}

func (s *Server) endpoints() []ua.EndpointDescription {
	var tokens []ua.UserTokenPolicy
	if !s.cfg.DenyAnonymous {
		tokens = append(tokens, ua.UserTokenPolicy{PolicyID: "anonymous", TokenType: ua.UserTokenTypeAnonymous})
	}
	if len(s.cfg.Users) > 0 {
		tokens = append(tokens, ua.UserTokenPolicy{PolicyID: "username", TokenType: ua.UserTokenTypeUserName})
	}
	eps := []ua.EndpointDescription{{
		EndpointURL:        s.cfg.EndpointURL,
		Server:             s.application(),
		SecurityMode:       ua.MessageSecurityModeNone,
		SecurityPolicyURI:  ua.SecurityPolicyNone,
		UserIdentityTokens: tokens,
		SecurityLevel:      0,
	}}
	if s.cfg.Secured {
		eps = append(eps, ua.EndpointDescription{
			EndpointURL:        s.cfg.EndpointURL,
			Server:             s.application(),
			ServerCertificate:  s.cfg.Certificate,
			SecurityMode:       ua.MessageSecurityModeSignAndEncrypt,
			SecurityPolicyURI:  ua.SecurityPolicyBasic256Sha256,
			UserIdentityTokens: tokens,
			SecurityLevel:      3,
		})
	}
	return eps
}

// wait counts a call to svc and applies the configured delay.
func (s *Server) wait(ctx context.Context, svc ua.ServiceID) error {
	s.mu.Lock()
	s.calls[svc]++
	online, delay := s.online, s.delay
	s.mu.Unlock()

	if !online {
		return fmt.Errorf("uasim: %s is offline: %w", s.cfg.URI, ua.StatusBadConnectionRejected)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// open activates a session for cfg.
func (s *Server) open(cfg ua.ChannelConfig) (*channel, error) {
	ep := cfg.Endpoint
	supported := false
	for _, e := range s.endpoints() {
		if e.SecurityPolicyURI == ep.SecurityPolicyURI && e.SecurityMode == ep.SecurityMode {
			supported = true
		}
	}
	if !supported {
		return nil, ua.StatusBadSecurityPolicyRejected
	}
	if ep.SecurityMode != ua.MessageSecurityModeNone && (len(cfg.Certificate) == 0 || len(cfg.PrivateKey) == 0) {
		return nil, ua.StatusBadSecurityChecksFailed
	}
	switch {
	case cfg.Username != "":
		if pw, ok := s.cfg.Users[cfg.Username]; !ok || pw != cfg.Password {
			return nil, ua.StatusBadUserAccessDenied
		}
	case s.cfg.DenyAnonymous:
		return nil, ua.StatusBadIdentityTokenRejected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChannel++
	c := &channel{
		srv:  s,
		id:   s.nextChannel,
		name: cfg.SessionName,
		done: make(chan struct{}),
		cps:  make(map[string]*continuation),
	}
	s.channels[c] = struct{}{}
	return c, nil
}

// SetOnline makes the server reachable or not. Going offline drops every
// open session.
func (s *Server) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	if !online {
		s.Drop()
	}
}

// Drop closes every open session. Their subscriptions are lost and waiting
// Publish requests fail with BadConnectionClosed.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.channels {
		s.closeLocked(c)
	}
}

func (s *Server) closeLocked(c *channel) {
	if c.dead {
		return
	}
	c.dead = true
	close(c.done)
	delete(s.channels, c)
	clear(c.cps)
	for id, sub := range s.subs {
		if sub.owner == c {
			delete(s.subs, id)
		}
	}
	s.signalLocked()
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// SetDelay delays every service call by d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetState sets the value of Server.ServerStatus.State (0 is Running).
func (s *Server) SetState(state int32) {
	s.SetValue(ua.ServerStatusStateNode, state)
}

// SetDiscardOverflow makes the server drop every notification message but
// the first one produced by a tick. Dropped messages still consume sequence
// numbers and cannot be republished.
func (s *Server) SetDiscardOverflow(discard bool) {
	s.mu.Lock()
	s.discardOverflow = discard
	s.mu.Unlock()
}

// Calls returns how many times svc reached this server.
func (s *Server) Calls(svc ua.ServiceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[svc]
}

// AddNamespace registers a namespace URI and returns its index.
func (s *Server) AddNamespace(uri string) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.namespaces, uri); i >= 0 {
		return uint16(i)
	}
	s.namespaces = append(s.namespaces, uri)
	return uint16(len(s.namespaces) - 1)
}

// AddObject adds an object organized by parent.
func (s *Server) AddObject(parent, id ua.NodeID, name ua.QualifiedName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(parent, ua.Organizes, &node{id: id, class: ua.NodeClassObject, name: name})
}

// AddVariable adds a read-only variable as a component of parent.
func (s *Server) AddVariable(parent, id ua.NodeID, name ua.QualifiedName, value interface{}) {
	s.addVariable(parent, ua.HasComponent, id, name, value)
}

func (s *Server) addVariable(parent, refType, id ua.NodeID, name ua.QualifiedName, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.addLocked(parent, refType, &node{
		id:    id,
		class: ua.NodeClassVariable,
		name:  name,
		value: ua.DataValue{Value: ua.NewVariant(value), SourceTimestamp: now, ServerTimestamp: now},
	})
}

// AddMethod adds a method as a component of parent.
func (s *Server) AddMethod(parent, id ua.NodeID, name ua.QualifiedName, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(parent, ua.HasComponent, &node{id: id, class: ua.NodeClassMethod, name: name, method: fn})
}

func (s *Server) addLocked(parent, refType ua.NodeID, n *node) {
	p, ok := s.nodes[parent]
	if !ok {
		panic(fmt.Sprintf("uasim: parent %s of %s not found", parent, n.id))
	}
	s.nodes[n.id] = n
	p.refs = append(p.refs, reference{typeID: refType, forward: true, target: ua.ExpandedNodeID{NodeID: n.id}})
	n.refs = append(n.refs, reference{typeID: refType, target: ua.ExpandedNodeID{NodeID: parent}})
}

// AddReference adds a reference between two local nodes.
func (s *Server) AddReference(source, refType, target ua.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.nodes[source]
	dst, ok2 := s.nodes[target]
	if !ok || !ok2 {
		panic(fmt.Sprintf("uasim: reference %s -> %s between unknown nodes", source, target))
	}
	src.refs = append(src.refs, reference{typeID: refType, forward: true, target: ua.ExpandedNodeID{NodeID: target}})
	dst.refs = append(dst.refs, reference{typeID: refType, target: ua.ExpandedNodeID{NodeID: source}})
}

// AddRemoteReference adds a forward reference from source to a node on
// another server. The server URI is added to the ServerArray and the
// target is reported by server index.
func (s *Server) AddRemoteReference(source, refType ua.NodeID, name ua.QualifiedName, serverURI string, target ua.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.nodes[source]
	if !ok {
		panic(fmt.Sprintf("uasim: source %s not found", source))
	}
	idx := slices.Index(s.serverArray, serverURI)
	if idx < 0 {
		s.serverArray = append(s.serverArray, serverURI)
		idx = len(s.serverArray) - 1
	}
	src.refs = append(src.refs, reference{
		typeID:  refType,
		forward: true,
		target:  ua.ExpandedNodeID{NodeID: target, ServerIndex: uint32(idx)},
		name:    name,
	})
}

// SetWritable allows or denies writes to the value of a variable.
func (s *Server) SetWritable(id ua.NodeID, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustNode(id).writable = writable
}

// SetHistory sets the raw history of a variable.
func (s *Server) SetHistory(id ua.NodeID, values []ua.DataValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.mustNode(id)
	n.history = slices.Clone(values)
	n.hasHistory = true
}

// SetValue sets the value of a variable and queues a data change for the
// items monitoring it.
func (s *Server) SetValue(id ua.NodeID, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.setValueLocked(s.mustNode(id), ua.DataValue{Value: ua.NewVariant(value), SourceTimestamp: now})
}

func (s *Server) setValueLocked(n *node, dv ua.DataValue) {
	dv.ServerTimestamp = time.Now()
	n.value = dv
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		s.subs[id].valueChanged(n.id, dv)
	}
}

// Value returns the current value of a variable.
func (s *Server) Value(id ua.NodeID) (ua.DataValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ua.DataValue{}, false
	}
	return n.value, true
}

func (s *Server) mustNode(id ua.NodeID) *node {
	n, ok := s.nodes[id]
	if !ok {
		panic(fmt.Sprintf("uasim: node %s not found", id))
	}
	return n
}

// signalLocked wakes the waiting Publish requests.
func (s *Server) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// isSubtype reports whether refType is base or one of its subtypes.
func isSubtype(refType, base ua.NodeID) bool {
	for t := refType; ; {
		if t == base {
			return true
		}
		parent, ok := referenceSupertypes[t]
		if !ok {
			return false
		}
		t = parent
	}
}

var referenceSupertypes = map[ua.NodeID]ua.NodeID{
	ua.HasChild:     ua.HierarchicalReferences,
	ua.Organizes:    ua.HierarchicalReferences,
	ua.Aggregates:   ua.HasChild,
	ua.HasProperty:  ua.Aggregates,
	ua.HasComponent: ua.Aggregates,
}

func knownReferenceType(t ua.NodeID) bool {
	_, ok := referenceSupertypes[t]
	return ok || t == ua.HierarchicalReferences
}
