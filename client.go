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
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/edgeo-scada/uaf/ua"
	"github.com/edgeo-scada/uaf/uastack"
)

// Client is the engine facade. It owns the discovery, session,
// subscription and request components and the callback workers.
type Client struct {
	settings ClientSettings
	logger   *slog.Logger
	metrics  *Metrics

	notifier   *notifier
	workers    *workerPool
	discovery  *DiscoveryManager
	sessions   *SessionManager
	resolver   *AddressResolver
	subs       *SubscriptionManager
	dispatcher *RequestDispatcher

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a client and starts its background loops. Nothing is
// connected until a request or a Manually* call needs a server.
func NewClient(opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	s := o.settings
	if s.ApplicationURI == "" {
		s.ApplicationURI = "urn:edgeo-scada:uaf:" + uuid.NewString()
	}
	if s.ApplicationName == "" {
		s.ApplicationName = "uaf"
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	certs := o.certStore
	if certs == nil && s.CertificateFile != "" {
		store, err := NewFileCertificateStore(s.CertificateFile, s.PrivateKeyFile, s.TrustListDir)
		if err != nil {
			return nil, fmt.Errorf("uaf: load certificates: %w", err)
		}
		certs = store
	}
	transport := o.transport
	if transport == nil {
		transport = uastack.New(uastack.WithLogger(logger))
	}

	c := &Client{
		settings: s,
		logger:   logger,
		metrics:  NewMetrics(),
		notifier: newNotifier(),
	}
	c.workers = newWorkerPool(o.workers, logger)
	c.discovery = newDiscoveryManager(transport, s, logger, c.metrics)
	c.sessions = newSessionManager(transport, c.discovery, certs, s, logger, c.metrics)
	c.sessions.listener = c
	c.resolver = newAddressResolver(c.sessions, s.Service, logger)
	c.subs = newSubscriptionManager(c.sessions, c.resolver, c.notifier, c.workers, s, logger, c.metrics)
	c.dispatcher = newRequestDispatcher(c.sessions, c.resolver, c.notifier, c.workers, s.Service, logger)

	c.discovery.start()
	c.subs.start()
	logger.Debug("client started",
		slog.String("application_uri", s.ApplicationURI),
		slog.Int("discovery_urls", len(s.DiscoveryURLs)))
	return c, nil
}

func (c *Client) sessionStateChanged(s *session, prev, cur SessionState, status ua.StatusCode) {
	v := ConnectionStatusChange{
		ServerURI:    s.serverURI,
		ConnectionID: s.id,
		Previous:     prev,
		Current:      cur,
		Status:       status,
	}
	c.workers.submit(uint32(s.id), func() { c.notifier.connectionStatus(v) })
	c.subs.sessionStateChanged(s, prev, cur, status)
}

func (c *Client) sessionRemoved(s *session) {
	c.subs.sessionRemoved(s)
}

// Close stops every background loop, closes the sessions and waits for the
// queued callbacks to run.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.dispatcher.close()
		c.subs.close()
		c.closeErr = c.sessions.close(ctx)
		c.discovery.close()
		c.workers.close()
		c.logger.Debug("client closed")
	})
	return c.closeErr
}

// Settings returns the effective configuration.
func (c *Client) Settings() ClientSettings { return c.settings }

// Metrics returns the engine metrics.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Discovery returns the discovery manager.
func (c *Client) Discovery() *DiscoveryManager { return c.discovery }

// Sessions returns the session manager.
func (c *Client) Sessions() *SessionManager { return c.sessions }

// Subscriptions returns the subscription manager.
func (c *Client) Subscriptions() *SubscriptionManager { return c.subs }

// Resolver returns the address resolver.
func (c *Client) Resolver() *AddressResolver { return c.resolver }

// FindServersNow runs a discovery pass.
func (c *Client) FindServersNow(ctx context.Context) ([]ServerInformation, error) {
	return c.discovery.FindServersNow(ctx)
}

// Servers returns the discovered servers.
func (c *Client) Servers() []ServerInformation {
	return c.discovery.Servers()
}

// ManuallyConnect see SessionManager.ManuallyConnect.
func (c *Client) ManuallyConnect(ctx context.Context, serverURI string, settings *SessionSettings) (ConnectionID, error) {
	return c.sessions.ManuallyConnect(ctx, serverURI, settings)
}

// ManuallyConnectToEndpoint see SessionManager.ManuallyConnectToEndpoint.
func (c *Client) ManuallyConnectToEndpoint(ctx context.Context, endpointURL string, settings *SessionSettings) (ConnectionID, error) {
	return c.sessions.ManuallyConnectToEndpoint(ctx, endpointURL, settings)
}

// ManuallyDisconnect see SessionManager.ManuallyDisconnect.
func (c *Client) ManuallyDisconnect(ctx context.Context, id ConnectionID) error {
	return c.sessions.ManuallyDisconnect(ctx, id)
}

// SessionInformation returns a snapshot of one session.
func (c *Client) SessionInformation(id ConnectionID) (SessionInformation, error) {
	return c.sessions.SessionInformation(id)
}

// AllSessionInformations returns a snapshot of every session.
func (c *Client) AllSessionInformations() []SessionInformation {
	return c.sessions.AllSessionInformations()
}

// Resolve resolves one address.
func (c *Client) Resolve(ctx context.Context, a Address) (ResolvedAddress, error) {
	return c.resolver.Resolve(ctx, a)
}

// ResolveAll resolves addresses in one batch per server.
func (c *Client) ResolveAll(ctx context.Context, addrs []Address) []Resolution {
	return c.resolver.ResolveAll(ctx, addrs)
}

// Read reads attributes.
func (c *Client) Read(ctx context.Context, req *ReadRequest) (*ReadResult, error) {
	return c.dispatcher.Read(ctx, req)
}

// Write writes attributes.
func (c *Client) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	return c.dispatcher.Write(ctx, req)
}

// Call calls methods.
func (c *Client) Call(ctx context.Context, req *MethodCallRequest) (*MethodCallResult, error) {
	return c.dispatcher.Call(ctx, req)
}

// Browse browses nodes.
func (c *Client) Browse(ctx context.Context, req *BrowseRequest) (*BrowseResult, error) {
	return c.dispatcher.Browse(ctx, req)
}

// BrowseNext continues or releases browses.
func (c *Client) BrowseNext(ctx context.Context, req *BrowseNextRequest) (*BrowseResult, error) {
	return c.dispatcher.BrowseNext(ctx, req)
}

// HistoryReadRaw reads raw history.
func (c *Client) HistoryReadRaw(ctx context.Context, req *HistoryReadRawRequest) (*HistoryReadResult, error) {
	return c.dispatcher.HistoryReadRaw(ctx, req)
}

// BeginRead starts an asynchronous read.
func (c *Client) BeginRead(ctx context.Context, req *ReadRequest, sink NotificationSink[ReadComplete]) (AsyncResult, error) {
	return c.dispatcher.BeginRead(ctx, req, sink)
}

// BeginWrite starts an asynchronous write.
func (c *Client) BeginWrite(ctx context.Context, req *WriteRequest, sink NotificationSink[WriteComplete]) (AsyncResult, error) {
	return c.dispatcher.BeginWrite(ctx, req, sink)
}

// BeginCall starts an asynchronous method call.
func (c *Client) BeginCall(ctx context.Context, req *MethodCallRequest, sink NotificationSink[CallComplete]) (AsyncResult, error) {
	return c.dispatcher.BeginCall(ctx, req, sink)
}

// CreateMonitoredData creates data change monitored items.
func (c *Client) CreateMonitoredData(ctx context.Context, req *MonitoredDataRequest) (*MonitoredItemsResult, error) {
	return c.subs.CreateMonitoredData(ctx, req)
}

// CreateMonitoredEvents creates event monitored items.
func (c *Client) CreateMonitoredEvents(ctx context.Context, req *MonitoredEventRequest) (*MonitoredItemsResult, error) {
	return c.subs.CreateMonitoredEvents(ctx, req)
}

// DeleteMonitoredItems deletes monitored items.
func (c *Client) DeleteMonitoredItems(ctx context.Context, handles []ClientHandle) ([]ua.StatusCode, error) {
	return c.subs.DeleteMonitoredItems(ctx, handles)
}

// SetMonitoringMode changes the monitoring mode of items.
func (c *Client) SetMonitoringMode(ctx context.Context, handles []ClientHandle, mode ua.MonitoringMode) ([]ua.StatusCode, error) {
	return c.subs.SetMonitoringMode(ctx, handles, mode)
}

// SetPublishingMode enables or disables publishing of a subscription.
func (c *Client) SetPublishingMode(ctx context.Context, h SubscriptionHandle, enabled bool) error {
	return c.subs.SetPublishingMode(ctx, h, enabled)
}

// ManuallySubscribe creates a subscription on a session.
func (c *Client) ManuallySubscribe(ctx context.Context, id ConnectionID, settings *SubscriptionSettings) (SubscriptionHandle, error) {
	return c.subs.ManuallySubscribe(ctx, id, settings)
}

// ManuallyUnsubscribe deletes a subscription.
func (c *Client) ManuallyUnsubscribe(ctx context.Context, h SubscriptionHandle) error {
	return c.subs.ManuallyUnsubscribe(ctx, h)
}

// SubscriptionInformation returns a snapshot of one subscription.
func (c *Client) SubscriptionInformation(h SubscriptionHandle) (SubscriptionInformation, error) {
	return c.subs.SubscriptionInformation(h)
}

// AllSubscriptionInformations returns a snapshot of every subscription.
func (c *Client) AllSubscriptionInformations() []SubscriptionInformation {
	return c.subs.AllSubscriptionInformations()
}

// MonitoredItemInformation returns a snapshot of one monitored item.
func (c *Client) MonitoredItemInformation(h ClientHandle) (MonitoredItemInformation, error) {
	return c.subs.MonitoredItemInformation(h)
}

// The On* methods register client level sinks. Every matching sink
// receives each notification, after the per request sink if any. They
// return a function removing the sink.

// OnDataChange registers a data change sink.
func (c *Client) OnDataChange(f NotificationFilter, sink NotificationSink[DataChangeNotification]) (remove func()) {
	return c.notifier.data.add(f, sink)
}

// OnEvent registers an event sink.
func (c *Client) OnEvent(f NotificationFilter, sink NotificationSink[EventNotification]) (remove func()) {
	return c.notifier.events.add(f, sink)
}

// OnKeepAlive registers a keep-alive sink.
func (c *Client) OnKeepAlive(f NotificationFilter, sink NotificationSink[KeepAliveNotification]) (remove func()) {
	return c.notifier.keepAlives.add(f, sink)
}

// OnNotificationsMissing registers a sink for unrecovered sequence gaps.
func (c *Client) OnNotificationsMissing(f NotificationFilter, sink NotificationSink[NotificationsMissing]) (remove func()) {
	return c.notifier.missing.add(f, sink)
}

// OnSubscriptionStatusChange registers a subscription status sink.
func (c *Client) OnSubscriptionStatusChange(f NotificationFilter, sink NotificationSink[SubscriptionStatusChange]) (remove func()) {
	return c.notifier.subStatus.add(f, sink)
}

// OnConnectionStatusChange registers a session state sink.
func (c *Client) OnConnectionStatusChange(f NotificationFilter, sink NotificationSink[ConnectionStatusChange]) (remove func()) {
	return c.notifier.connStatus.add(f, sink)
}

// OnReadComplete registers a sink for asynchronous reads started with the
// default sink.
func (c *Client) OnReadComplete(f NotificationFilter, sink NotificationSink[ReadComplete]) (remove func()) {
	return c.notifier.readDone.add(f, sink)
}

// OnWriteComplete registers a sink for asynchronous writes started with
// the default sink.
func (c *Client) OnWriteComplete(f NotificationFilter, sink NotificationSink[WriteComplete]) (remove func()) {
	return c.notifier.writeDone.add(f, sink)
}

// OnCallComplete registers a sink for asynchronous calls started with the
// default sink.
func (c *Client) OnCallComplete(f NotificationFilter, sink NotificationSink[CallComplete]) (remove func()) {
	return c.notifier.callDone.add(f, sink)
}
