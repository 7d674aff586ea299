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

// Package uasim simulates OPC UA servers in memory. A Network implements
// ua.Transport over a set of simulated servers whose address space,
// availability and timing are driven by the test.
package uasim

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/edgeo-scada/uaf/ua"
)

// Network is a set of simulated servers reachable by endpoint URL.
type Network struct {
	mu        sync.Mutex
	servers   map[string]*Server // by endpoint URL
	discovery map[string][]*Server
	calls     map[ua.ServiceID]int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		servers:   make(map[string]*Server),
		discovery: make(map[string][]*Server),
		calls:     make(map[ua.ServiceID]int),
	}
}

// AddServer creates a server and makes it reachable at its endpoint URL.
func (n *Network) AddServer(cfg ServerConfig) *Server {
	s := newServer(n, cfg)
	n.mu.Lock()
	n.servers[s.cfg.EndpointURL] = s
	n.mu.Unlock()
	return s
}

// AddDiscoveryURL registers a discovery server that reports servers.
func (n *Network) AddDiscoveryURL(url string, servers ...*Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.discovery[url] = append(n.discovery[url], servers...)
}

// Calls returns how many times svc was invoked on any server.
func (n *Network) Calls(svc ua.ServiceID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[svc]
}

// TotalCalls returns the number of service invocations on the network.
func (n *Network) TotalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

// ResetCalls clears the call counters of the network and its servers.
func (n *Network) ResetCalls() {
	n.mu.Lock()
	clear(n.calls)
	servers := slices.Collect(maps.Values(n.servers))
	n.mu.Unlock()
	for _, s := range servers {
		s.mu.Lock()
		clear(s.calls)
		s.mu.Unlock()
	}
}

func (n *Network) count(svc ua.ServiceID) {
	n.mu.Lock()
	n.calls[svc]++
	n.mu.Unlock()
}

func (n *Network) server(url string) (*Server, error) {
	n.mu.Lock()
	s, ok := n.servers[url]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("uasim: no server at %s: %w", url, ua.StatusBadConnectionRejected)
	}
	return s, nil
}

// FindServers implements ua.Transport. A registered discovery URL reports
// its servers; a server's own endpoint URL reports the server itself.
func (n *Network) FindServers(ctx context.Context, discoveryURL string) ([]ua.ApplicationDescription, error) {
	n.count(ua.ServiceFindServers)
	n.mu.Lock()
	servers, ok := n.discovery[discoveryURL]
	n.mu.Unlock()
	if !ok {
		s, err := n.server(discoveryURL)
		if err != nil {
			return nil, err
		}
		servers = []*Server{s}
	}

	var out []ua.ApplicationDescription
	for _, s := range servers {
		if err := s.wait(ctx, ua.ServiceFindServers); err != nil {
			if !ok {
				return nil, err
			}
			continue
		}
		out = append(out, s.application())
	}
	return out, nil
}

// GetEndpoints implements ua.Transport.
func (n *Network) GetEndpoints(ctx context.Context, endpointURL string) ([]ua.EndpointDescription, error) {
	n.count(ua.ServiceGetEndpoints)
	s, err := n.server(endpointURL)
	if err != nil {
		return nil, err
	}
	if err := s.wait(ctx, ua.ServiceGetEndpoints); err != nil {
		return nil, err
	}
	return s.endpoints(), nil
}

// Connect implements ua.Transport.
func (n *Network) Connect(ctx context.Context, cfg ua.ChannelConfig) (ua.Channel, error) {
	n.count(ua.ServiceCreateSession)
	s, err := n.server(cfg.Endpoint.EndpointURL)
	if err != nil {
		return nil, err
	}
	if err := s.wait(ctx, ua.ServiceCreateSession); err != nil {
		return nil, err
	}
	c, err := s.open(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
