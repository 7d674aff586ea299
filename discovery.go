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

package uaf

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/uaf/ua"
)

// discoveryProbeLimit bounds the discovery URLs probed at once.
const discoveryProbeLimit = 8

// ServerInformation is one server found by discovery.
type ServerInformation struct {
	ServerURI   string
	Application ua.ApplicationDescription
	Endpoints   []ua.EndpointDescription
	LastSeen    time.Time
}

// DiscoveryManager keeps an inventory of the servers reachable through the
// configured discovery URLs. Only one discovery pass runs at a time.
type DiscoveryManager struct {
	transport ua.Transport
	urls      []string
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	servers map[string]*ServerInformation
	errs    map[string]error
	running chan struct{} // closed when the running pass ends
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDiscoveryManager(t ua.Transport, s ClientSettings, logger *slog.Logger, metrics *Metrics) *DiscoveryManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &DiscoveryManager{
		transport: t,
		urls:      slices.Clone(s.DiscoveryURLs),
		interval:  s.DiscoveryInterval,
		timeout:   s.Session.ConnectTimeout,
		logger:    logger,
		metrics:   metrics,
		servers:   make(map[string]*ServerInformation),
		errs:      make(map[string]error),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (d *DiscoveryManager) start() {
	if d.interval <= 0 || len(d.urls) == 0 {
		return
	}
	d.wg.Add(1)
	go d.loop()
}

func (d *DiscoveryManager) close() {
	d.cancel()
	d.wg.Wait()
}

func (d *DiscoveryManager) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.background(d.ctx)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.background(d.ctx)
		}
	}
}

func (d *DiscoveryManager) background(ctx context.Context) {
	done, ok := d.begin()
	if !ok {
		return
	}
	err := d.pass(ctx)
	d.end(done, err)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("discovery pass failed", slog.String("error", err.Error()))
	}
}

// FindServersNow runs a discovery pass and returns the inventory. It fails
// with ErrInvalidRequest when a pass is already running.
func (d *DiscoveryManager) FindServersNow(ctx context.Context) ([]ServerInformation, error) {
	done, ok := d.begin()
	if !ok {
		return nil, newError(ErrInvalidRequest, ua.ServiceFindServers, ua.StatusBadInvalidState,
			"discovery pass already running")
	}
	err := d.pass(ctx)
	d.end(done, err)
	if err != nil {
		return nil, err
	}
	return d.Servers(), nil
}

// ensurePass waits for the running pass, or runs one.
func (d *DiscoveryManager) ensurePass(ctx context.Context) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if running != nil {
		select {
		case <-running:
		case <-ctx.Done():
			return ctx.Err()
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.lastErr
	}
	done, ok := d.begin()
	if !ok {
		return d.ensurePass(ctx)
	}
	err := d.pass(ctx)
	d.end(done, err)
	return err
}

func (d *DiscoveryManager) begin() (chan struct{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running != nil {
		return nil, false
	}
	d.running = make(chan struct{})
	return d.running, true
}

func (d *DiscoveryManager) end(done chan struct{}, err error) {
	d.mu.Lock()
	d.running = nil
	d.lastErr = err
	d.mu.Unlock()
	close(done)
}

type probeResult struct {
	url     string
	servers []*ServerInformation
	err     error
}

func (d *DiscoveryManager) pass(ctx context.Context) error {
	d.metrics.DiscoveryPasses.Add(1)
	if len(d.urls) == 0 {
		return newError(ErrDiscovery, ua.ServiceFindServers, ua.StatusBadNotFound, "no discovery URLs configured")
	}

	results := make([]probeResult, len(d.urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryProbeLimit)
	for i, u := range d.urls {
		g.Go(func() error {
			servers, err := d.probe(gctx, u)
			results[i] = probeResult{url: u, servers: servers, err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	d.mu.Lock()
	for _, r := range results {
		if r.err != nil {
			failed++
			d.errs[r.url] = r.err
			d.metrics.DiscoveryErrors.Add(1)
			d.logger.Warn("discovery URL failed",
				slog.String("url", r.url),
				slog.String("error", r.err.Error()))
			continue
		}
		delete(d.errs, r.url)
		for _, s := range r.servers {
			d.servers[s.ServerURI] = s
		}
	}
	d.mu.Unlock()

	if failed == len(results) {
		return &Error{
			Kind:    ErrDiscovery,
			Service: ua.ServiceFindServers,
			Status:  ua.StatusBadNotFound,
			Message: "all discovery URLs failed",
			Err:     results[0].err,
		}
	}
	return nil
}

// probe asks one discovery URL for its servers and their endpoints.
func (d *DiscoveryManager) probe(ctx context.Context, discoveryURL string) ([]*ServerInformation, error) {
	fctx, cancel := d.withTimeout(ctx)
	apps, err := d.transport.FindServers(fctx, discoveryURL)
	cancel()
	if err != nil {
		return nil, classify(ua.ServiceFindServers, err)
	}

	now := time.Now()
	var servers []*ServerInformation
	for _, app := range apps {
		if app.ApplicationType == ua.ApplicationTypeDiscoveryServer {
			continue
		}
		urls := app.DiscoveryURLs
		if len(urls) == 0 {
			urls = []string{discoveryURL}
		}
		var (
			eps     []ua.EndpointDescription
			lastErr error
		)
		for _, u := range urls {
			ectx, cancel := d.withTimeout(ctx)
			eps, lastErr = d.transport.GetEndpoints(ectx, u)
			cancel()
			if lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			d.logger.Debug("get endpoints failed",
				slog.String("server_uri", app.ApplicationURI),
				slog.String("error", lastErr.Error()))
			continue
		}
		servers = append(servers, &ServerInformation{
			ServerURI:   app.ApplicationURI,
			Application: app,
			Endpoints:   eps,
			LastSeen:    now,
		})
	}
	return servers, nil
}

func (d *DiscoveryManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Servers returns the inventory sorted by server URI.
func (d *DiscoveryManager) Servers() []ServerInformation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ServerInformation, 0, len(d.servers))
	for _, uri := range slices.Sorted(maps.Keys(d.servers)) {
		s := *d.servers[uri]
		s.Endpoints = slices.Clone(s.Endpoints)
		out = append(out, s)
	}
	return out
}

// DiscoveryErrors returns the failures of the discovery URLs that failed in
// their last probe.
func (d *DiscoveryManager) DiscoveryErrors() map[string]error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.errs)
}

func (d *DiscoveryManager) lookup(serverURI string) (*ServerInformation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.servers[serverURI]
	return s, ok
}

// ResolveEndpoint returns the endpoint of serverURI matching the security
// policy and mode of settings. An unknown server triggers a discovery pass
// first. A server URI that is itself an opc.tcp URL not known to discovery
// is asked for its endpoints directly.
func (d *DiscoveryManager) ResolveEndpoint(ctx context.Context, serverURI string, settings SessionSettings) (ua.EndpointDescription, error) {
	info, ok := d.lookup(serverURI)
	if !ok {
		var passErr error
		if len(d.urls) > 0 {
			passErr = d.ensurePass(ctx)
			info, ok = d.lookup(serverURI)
		}
		if !ok {
			if isEndpointURL(serverURI) {
				return d.EndpointAt(ctx, serverURI, settings)
			}
			e := newError(ErrDiscovery, ua.ServiceFindServers, ua.StatusBadNotFound, "server %s not found", serverURI)
			e.Err = passErr
			return ua.EndpointDescription{}, e
		}
	}
	ep, found := selectEndpoint(info.Endpoints, settings.SecurityPolicy, settings.SecurityMode)
	if !found {
		return ua.EndpointDescription{}, newError(ErrSecurity, ua.ServiceGetEndpoints, ua.StatusBadSecurityPolicyRejected,
			"server %s has no endpoint with policy %s and mode %s",
			serverURI, settings.SecurityPolicy.ShortName(), settings.SecurityMode)
	}
	return ep, nil
}

// EndpointAt asks endpointURL for its endpoints and selects the one matching
// settings.
func (d *DiscoveryManager) EndpointAt(ctx context.Context, endpointURL string, settings SessionSettings) (ua.EndpointDescription, error) {
	ectx, cancel := d.withTimeout(ctx)
	defer cancel()
	eps, err := d.transport.GetEndpoints(ectx, endpointURL)
	if err != nil {
		return ua.EndpointDescription{}, classify(ua.ServiceGetEndpoints, err)
	}
	ep, found := selectEndpoint(eps, settings.SecurityPolicy, settings.SecurityMode)
	if !found {
		return ua.EndpointDescription{}, newError(ErrSecurity, ua.ServiceGetEndpoints, ua.StatusBadSecurityPolicyRejected,
			"%s has no endpoint with policy %s and mode %s",
			endpointURL, settings.SecurityPolicy.ShortName(), settings.SecurityMode)
	}
	return ep, nil
}

// selectEndpoint picks the endpoint with the highest security level among
// those matching policy and mode.
func selectEndpoint(eps []ua.EndpointDescription, policy ua.SecurityPolicy, mode ua.MessageSecurityMode) (ua.EndpointDescription, bool) {
	if policy == "" {
		policy = ua.SecurityPolicyNone
	}
	if mode == ua.MessageSecurityModeInvalid {
		mode = ua.MessageSecurityModeNone
	}
	best, found := ua.EndpointDescription{}, false
	for _, ep := range eps {
		if ep.SecurityPolicyURI != policy || ep.SecurityMode != mode {
			continue
		}
		if !found || ep.SecurityLevel > best.SecurityLevel {
			best, found = ep, true
		}
	}
	return best, found
}

func isEndpointURL(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "opc.tcp://")
}
