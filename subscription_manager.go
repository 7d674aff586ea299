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
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/uaf/ua"
)

// SubscriptionManager owns subscriptions and monitored items. Records are
// kept client side and the server side objects are re-created whenever a
// session reconnects.
type SubscriptionManager struct {
	sessions      *SessionManager
	resolver      *AddressResolver
	notifier      *notifier
	workers       *workerPool
	logger        *slog.Logger
	metrics       *Metrics
	defaults      SubscriptionSettings
	service       ServiceSettings
	retryInterval time.Duration
	maxRepublish  int

	nextSub    atomic.Uint32
	nextHandle atomic.Uint32
	nextGroup  atomic.Uint32

	mu    sync.Mutex
	subs  map[SubscriptionHandle]*subscription
	items map[ClientHandle]*monitoredItem
	pumps map[ConnectionID]*publishPump

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSubscriptionManager(sessions *SessionManager, resolver *AddressResolver, n *notifier, workers *workerPool, s ClientSettings, logger *slog.Logger, metrics *Metrics) *SubscriptionManager {
	ctx, cancel := context.WithCancel(context.Background())
	retry := s.CreationRetryInterval
	if retry <= 0 {
		retry = DefaultCreationRetryInterval
	}
	return &SubscriptionManager{
		sessions:      sessions,
		resolver:      resolver,
		notifier:      n,
		workers:       workers,
		logger:        logger,
		metrics:       metrics,
		defaults:      s.Subscription,
		service:       s.Service,
		retryInterval: retry,
		maxRepublish:  budget(s.MaxRepublish),
		subs:          make(map[SubscriptionHandle]*subscription),
		items:         make(map[ClientHandle]*monitoredItem),
		pumps:         make(map[ConnectionID]*publishPump),
		kick:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (m *SubscriptionManager) start() {
	m.wg.Add(1)
	go m.retryLoop()
}

// CreateMonitoredData creates data change monitored items. A client handle
// is assigned to every target, even one that cannot be created yet; such
// items are retried in the background and listed in the returned
// MonitoredItemsError.
func (m *SubscriptionManager) CreateMonitoredData(ctx context.Context, req *MonitoredDataRequest) (*MonitoredItemsResult, error) {
	if req == nil || len(req.Targets) == 0 {
		return nil, newError(ErrInvalidRequest, ua.ServiceCreateMonitoredItems, ua.StatusBadNothingToDo, "no targets")
	}
	for i, t := range req.Targets {
		if err := checkAddress(t.Address); err != nil {
			return nil, newError(ErrInvalidRequest, ua.ServiceCreateMonitoredItems, ua.StatusBadNodeIDInvalid, "target %d: %v", i, err)
		}
	}
	if err := m.checkSubscription(req.SubscriptionHandle); err != nil {
		return nil, err
	}

	base := m.itemBase(req.Session, req.Subscription, req.Service, req.SubscriptionHandle)
	items := make([]*monitoredItem, len(req.Targets))
	for i, t := range req.Targets {
		it := base
		it.handle = ClientHandle(m.nextHandle.Add(1))
		it.target = t.Address
		it.attribute = t.AttributeID
		if it.attribute == 0 {
			it.attribute = ua.AttributeValue
		}
		it.indexRange = t.IndexRange
		it.samplingInterval = t.SamplingInterval
		it.queueSize = queueSize(t.QueueSize)
		it.discardOldest = t.DiscardOldest
		it.mode = monitoringMode(t.MonitoringMode)
		if t.Filter != nil {
			it.filter = *t.Filter
		}
		items[i] = &it
		if req.Sink.Kind() != SinkDefault {
			m.notifier.dataItems.register(it.handle, req.Sink)
		}
	}
	return m.create(ctx, items)
}

// CreateMonitoredEvents creates event monitored items. See
// CreateMonitoredData.
func (m *SubscriptionManager) CreateMonitoredEvents(ctx context.Context, req *MonitoredEventRequest) (*MonitoredItemsResult, error) {
	if req == nil || len(req.Targets) == 0 {
		return nil, newError(ErrInvalidRequest, ua.ServiceCreateMonitoredItems, ua.StatusBadNothingToDo, "no targets")
	}
	for i, t := range req.Targets {
		if err := checkAddress(t.Address); err != nil {
			return nil, newError(ErrInvalidRequest, ua.ServiceCreateMonitoredItems, ua.StatusBadNodeIDInvalid, "target %d: %v", i, err)
		}
	}
	if err := m.checkSubscription(req.SubscriptionHandle); err != nil {
		return nil, err
	}

	base := m.itemBase(req.Session, req.Subscription, req.Service, req.SubscriptionHandle)
	items := make([]*monitoredItem, len(req.Targets))
	for i, t := range req.Targets {
		it := base
		it.handle = ClientHandle(m.nextHandle.Add(1))
		it.event = true
		it.target = t.Address
		it.attribute = ua.AttributeEventNotifier
		it.samplingInterval = t.SamplingInterval
		it.queueSize = queueSize(t.QueueSize)
		it.discardOldest = t.DiscardOldest
		it.mode = monitoringMode(t.MonitoringMode)
		clauses := t.SelectClauses
		if len(clauses) == 0 {
			clauses = DefaultEventFields
		}
		it.filter = ua.EventFilter{SelectClauses: slices.Clone(clauses)}
		items[i] = &it
		if req.Sink.Kind() != SinkDefault {
			m.notifier.eventItems.register(it.handle, req.Sink)
		}
	}
	return m.create(ctx, items)
}

func queueSize(n uint32) uint32 {
	if n == 0 {
		return DefaultQueueSize
	}
	return n
}

func (m *SubscriptionManager) checkSubscription(h SubscriptionHandle) error {
	if h == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[h]; !ok || sub.removed {
		return newError(ErrUnknownHandle, ua.ServiceCreateMonitoredItems, ua.StatusBadSubscriptionIDInvalid, "subscription %d", h)
	}
	return nil
}

// itemBase holds what the items of one request share.
func (m *SubscriptionManager) itemBase(ss *SessionSettings, subs *SubscriptionSettings, svc *ServiceSettings, h SubscriptionHandle) monitoredItem {
	it := monitoredItem{
		sessionSettings:      m.sessions.settings(ss),
		subscriptionSettings: m.defaults.Merge(subs),
		service:              m.service.Merge(svc),
		subscriptionHandle:   h,
		state:                NotCreated,
		status:               ua.StatusBadWaitingForInitialData,
		retry:                true,
	}
	if h == 0 && it.subscriptionSettings.Unique {
		it.group = m.nextGroup.Add(1)
	}
	return it
}

// create registers the items, then resolves and creates them.
func (m *SubscriptionManager) create(ctx context.Context, items []*monitoredItem) (*MonitoredItemsResult, error) {
	m.mu.Lock()
	for _, it := range items {
		m.items[it.handle] = it
	}
	m.mu.Unlock()

	m.attach(ctx, items)
	m.createAttached(ctx, items)

	m.mu.Lock()
	targets := make([]MonitoredItemResultTarget, len(items))
	for i, it := range items {
		targets[i] = it.result()
	}
	m.mu.Unlock()

	res := &MonitoredItemsResult{
		Targets: targets,
		OverallStatus: overallStatus(targets, func(t MonitoredItemResultTarget) ua.StatusCode {
			if t.State != Created && !t.Status.IsBad() {
				return ua.StatusBad
			}
			return t.Status
		}),
	}
	var (
		failed []ClientHandle
		first  error
	)
	for _, t := range targets {
		if t.State == Created {
			continue
		}
		failed = append(failed, t.ClientHandle)
		if first == nil {
			first = t.Err
			if first == nil {
				first = t.Status
			}
		}
	}
	if len(failed) > 0 {
		return res, &MonitoredItemsError{Handles: failed, Err: first}
	}
	return res, nil
}

// createAttached creates the given items on their subscriptions, one call
// per subscription.
func (m *SubscriptionManager) createAttached(ctx context.Context, items []*monitoredItem) {
	m.mu.Lock()
	bySub := make(map[*subscription][]*monitoredItem)
	for _, it := range items {
		if it.sub != nil && it.state != Created && m.items[it.handle] == it {
			bySub[it.sub] = append(bySub[it.sub], it)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for sub, its := range bySub {
		g.Go(func() error {
			sub.opMu.Lock()
			defer sub.opMu.Unlock()
			if err := m.ensureCreated(ctx, sub); err != nil {
				m.itemsFailed(its, err)
				return nil
			}
			m.createItems(ctx, sub, its)
			return nil
		})
	}
	_ = g.Wait()
}

type resolveKey struct {
	session SessionSettings
	service ServiceSettings
}

// attach resolves items that are not bound to a subscription yet and binds
// them to one, creating the subscription record when needed.
func (m *SubscriptionManager) attach(ctx context.Context, items []*monitoredItem) {
	groups := make(map[resolveKey][]*monitoredItem)
	var keys []resolveKey
	m.mu.Lock()
	for _, it := range items {
		if it.sub != nil {
			continue
		}
		k := resolveKey{it.sessionSettings, it.service}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], it)
	}
	m.mu.Unlock()

	for _, k := range keys {
		its := groups[k]
		addrs := make([]Address, len(its))
		for i, it := range its {
			addrs[i] = it.target
		}
		res := m.resolver.resolve(ctx, addrs, k.session, k.service)
		for i, it := range its {
			m.bind(it, res[i])
		}
	}
}

func (m *SubscriptionManager) bind(it *monitoredItem, r Resolution) {
	if r.Err != nil {
		m.mu.Lock()
		it.fail(r.Err)
		m.mu.Unlock()
		return
	}

	var (
		sess *session
		err  error
	)
	if it.subscriptionHandle == 0 {
		sess, err = m.sessions.acquire(r.ServerURI, it.sessionSettings)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[it.handle] != it {
		return
	}
	it.resolved = r.ResolvedAddress
	if err != nil {
		it.fail(err)
		return
	}
	sub, err := m.subscriptionForLocked(sess, it)
	if err != nil {
		it.fail(err)
		return
	}
	it.sub = sub
	sub.items[it.handle] = it
}

// subscriptionForLocked picks the subscription of an item: the one named by
// the request, a subscription of the same unique request, or a shared one
// with equal settings. A new record is created when none fits.
func (m *SubscriptionManager) subscriptionForLocked(s *session, it *monitoredItem) (*subscription, error) {
	if it.subscriptionHandle != 0 {
		sub, ok := m.subs[it.subscriptionHandle]
		if !ok || sub.removed {
			it.retry = false
			return nil, newError(ErrUnknownHandle, ua.ServiceCreateMonitoredItems, ua.StatusBadSubscriptionIDInvalid, "subscription %d", it.subscriptionHandle)
		}
		if sub.session.serverURI != it.resolved.ServerURI {
			it.retry = false
			return nil, newError(ErrInvalidRequest, ua.ServiceCreateMonitoredItems, ua.StatusBadNodeIDUnknown,
				"node is on %s, subscription %d is on %s", it.resolved.ServerURI, sub.handle, sub.session.serverURI)
		}
		return sub, nil
	}

	settings := it.subscriptionSettings
	var found *subscription
	for _, sub := range m.subs {
		if sub.session != s || sub.manual || sub.removed {
			continue
		}
		if settings.Unique {
			if sub.group != it.group {
				continue
			}
		} else if sub.group != 0 || sub.settings != settings {
			continue
		}
		if found == nil || sub.handle < found.handle {
			found = sub
		}
	}
	if found != nil {
		return found, nil
	}
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}

	sub := newSubscriptionRecord(SubscriptionHandle(m.nextSub.Add(1)), s, settings, it.group, false)
	m.subs[sub.handle] = sub
	m.startConsumer(sub)
	m.logger.Debug("subscription record created",
		slog.Uint64("subscription", uint64(sub.handle)),
		slog.Uint64("connection_id", uint64(s.id)))
	return sub, nil
}

// fail records why an item is not created. Must hold m.mu.
func (it *monitoredItem) fail(err error) {
	it.state = NotCreated
	it.status = StatusOf(err)
	it.err = err
	if it.retry {
		it.retry = retryable(err)
	}
}

// retryable reports whether creation may succeed later without a change of
// the request.
func retryable(err error) bool {
	return IsConnectionError(err) || IsTimeout(err) ||
		errors.Is(err, ErrDiscovery) || errors.Is(err, ErrSubscription) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (m *SubscriptionManager) itemsFailed(items []*monitoredItem, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if m.items[it.handle] == it && it.state != Created {
			it.state = NotCreated
			it.status = StatusOf(err)
			it.err = err
		}
	}
}

// ensureCreated creates the server side subscription. Must hold sub.opMu.
func (m *SubscriptionManager) ensureCreated(ctx context.Context, sub *subscription) error {
	m.mu.Lock()
	if sub.removed {
		m.mu.Unlock()
		return newError(ErrUnknownHandle, ua.ServiceCreateSubscription, ua.StatusBadSubscriptionIDInvalid, "subscription %d removed", sub.handle)
	}
	if sub.state == Created {
		m.mu.Unlock()
		return nil
	}
	sub.state = Creating
	params := sub.settings.parameters(sub.publishing)
	m.mu.Unlock()

	var (
		rev  ua.SubscriptionRevision
		used Channel
	)
	cctx, cancel := withCallTimeout(ctx, m.service.CallTimeout)
	err := sub.session.do(cctx, ua.ServiceCreateSubscription, func(ctx context.Context, ch Channel) error {
		var err error
		used = ch
		rev, err = ch.CreateSubscription(ctx, params)
		return err
	})
	cancel()

	m.mu.Lock()
	if err == nil && !sub.removed && !sub.session.isCurrent(used) {
		err = newError(ErrConnection, ua.ServiceCreateSubscription, ua.StatusBadSecureChannelClosed, "channel replaced while creating subscription %d", sub.handle)
	}
	if err == nil && sub.removed {
		err = newError(ErrUnknownHandle, ua.ServiceCreateSubscription, ua.StatusBadSubscriptionIDInvalid, "subscription %d removed", sub.handle)
	}
	if err != nil {
		if !sub.removed {
			sub.state = NotCreated
			sub.status = StatusOf(err)
		}
		m.mu.Unlock()
		m.logger.Warn("create subscription failed",
			slog.Uint64("subscription", uint64(sub.handle)),
			slog.String("error", err.Error()))
		return err
	}

	sub.state = Created
	sub.status = ua.StatusGood
	sub.serverID = rev.SubscriptionID
	sub.revision = rev
	sub.channel = used
	pump := m.pumpLocked(sub.session)
	pump.routes[rev.SubscriptionID] = sub
	m.mu.Unlock()

	m.metrics.ActiveSubscriptions.Add(1)
	pump.wakeUp()
	m.logger.Info("subscription created",
		slog.Uint64("subscription", uint64(sub.handle)),
		slog.Uint64("subscription_id", uint64(rev.SubscriptionID)),
		slog.Duration("publishing_interval", rev.RevisedPublishingInterval))
	m.emitSubscriptionStatus(sub, Created, ua.StatusGood)
	return nil
}

// createItems creates items on a created subscription. Must hold
// sub.opMu.
func (m *SubscriptionManager) createItems(ctx context.Context, sub *subscription, items []*monitoredItem) {
	m.mu.Lock()
	var live []*monitoredItem
	for _, it := range items {
		if m.items[it.handle] == it && it.sub == sub && it.state != Created {
			it.state = Creating
			live = append(live, it)
		}
	}
	reqs := make([]ua.MonitoredItemCreateRequest, len(live))
	for i, it := range live {
		reqs[i] = it.createRequest()
	}
	serverID := sub.serverID
	m.mu.Unlock()
	if len(live) == 0 {
		return
	}

	var (
		results []ua.MonitoredItemCreateResult
		used    Channel
	)
	cctx, cancel := withCallTimeout(ctx, live[0].service.CallTimeout)
	err := sub.session.do(cctx, ua.ServiceCreateMonitoredItems, func(ctx context.Context, ch Channel) error {
		var err error
		used = ch
		results, err = ch.CreateMonitoredItems(ctx, serverID, ua.TimestampsToReturnBoth, reqs)
		return err
	})
	cancel()
	if err == nil && len(results) != len(live) {
		err = newError(ErrSubscription, ua.ServiceCreateMonitoredItems, ua.StatusBadUnexpectedError, "%d results for %d items", len(results), len(live))
	}

	var (
		created  int64
		orphaned []uint32
		changed  bool
		status   ua.StatusCode
	)
	m.mu.Lock()
	if err == nil && !sub.session.isCurrent(used) {
		err = newError(ErrConnection, ua.ServiceCreateMonitoredItems, ua.StatusBadSecureChannelClosed, "channel replaced while creating items")
	}
	if err != nil {
		for _, it := range live {
			if it.state == Creating {
				it.state = NotCreated
				it.status = StatusOf(err)
				it.err = err
				if !retryable(err) {
					it.retry = false
				}
			}
		}
		if IsStatusCode(err, ua.StatusBadSubscriptionIDInvalid) && sub.serverID == serverID {
			status = StatusOf(err)
			changed = m.invalidateLocked(sub, status)
		}
	} else {
		for i, it := range live {
			r := results[i]
			switch {
			case m.items[it.handle] != it:
				if r.Status.IsGood() {
					orphaned = append(orphaned, r.MonitoredItemID)
				}
			case it.state != Creating:
			case r.Status.IsBad():
				it.state = NotCreated
				it.status = r.Status
				it.err = r.Status
				it.retry = false
			default:
				it.state = Created
				it.status = r.Status
				it.err = nil
				it.serverID = r.MonitoredItemID
				it.revisedSampling = r.RevisedSamplingInterval
				it.revisedQueue = r.RevisedQueueSize
				created++
			}
		}
	}
	m.mu.Unlock()

	m.metrics.MonitoredItems.Add(created)
	if changed {
		m.emitSubscriptionStatus(sub, NotCreated, status)
		m.kickRetry()
	}
	if len(orphaned) > 0 {
		m.deleteServerItems(ctx, sub, serverID, orphaned)
	}
	if created > 0 {
		m.logger.Debug("monitored items created",
			slog.Uint64("subscription", uint64(sub.handle)),
			slog.Int64("count", created))
	}
}

func (m *SubscriptionManager) deleteServerItems(ctx context.Context, sub *subscription, serverID uint32, ids []uint32) {
	cctx, cancel := withCallTimeout(ctx, m.service.CallTimeout)
	defer cancel()
	err := sub.session.do(cctx, ua.ServiceDeleteMonitoredItems, func(ctx context.Context, ch Channel) error {
		_, err := ch.DeleteMonitoredItems(ctx, serverID, ids)
		return err
	})
	if err != nil {
		m.logger.Debug("delete monitored items failed", slog.String("error", err.Error()))
	}
}

// invalidateLocked marks a subscription and its items as not created after
// the server side objects were lost. It reports whether the state changed.
func (m *SubscriptionManager) invalidateLocked(sub *subscription, status ua.StatusCode) bool {
	was := sub.state == Created
	if was {
		m.metrics.ActiveSubscriptions.Add(-1)
	}
	if p, ok := m.pumps[sub.session.id]; ok && sub.serverID != 0 {
		delete(p.routes, sub.serverID)
	}
	sub.state = NotCreated
	sub.status = status
	sub.serverID = 0
	sub.channel = nil

	var lost int64
	for _, it := range sub.items {
		if it.state == NotCreated {
			continue
		}
		if it.state == Created {
			lost++
		}
		it.state = NotCreated
		it.status = status
		it.err = nil
		it.serverID = 0
		it.retry = true
	}
	m.metrics.MonitoredItems.Add(-lost)
	return was
}

// removeLocked forgets a subscription and its items.
func (m *SubscriptionManager) removeLocked(sub *subscription) {
	m.invalidateLocked(sub, ua.StatusBadSubscriptionIDInvalid)
	sub.removed = true
	delete(m.subs, sub.handle)
	close(sub.stop)
	for h := range sub.items {
		m.forgetItemLocked(h)
	}
	sub.items = map[ClientHandle]*monitoredItem{}
}

func (m *SubscriptionManager) forgetItemLocked(h ClientHandle) {
	delete(m.items, h)
	m.notifier.dataItems.remove(h)
	m.notifier.eventItems.remove(h)
}

// sessionStateChanged invalidates the subscriptions of a session that lost
// its channel and schedules re-creation once it is connected again.
func (m *SubscriptionManager) sessionStateChanged(s *session, prev, cur SessionState, status ua.StatusCode) {
	if cur == StateConnected {
		m.kickRetry()
		return
	}
	if prev != StateConnected {
		return
	}
	if status == ua.StatusGood {
		status = ua.StatusBadConnectionClosed
	}

	m.mu.Lock()
	var changed []*subscription
	for _, sub := range m.subs {
		if sub.session == s && m.invalidateLocked(sub, status) {
			changed = append(changed, sub)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(changed, func(a, b *subscription) int { return cmp.Compare(a.handle, b.handle) })
	for _, sub := range changed {
		m.emitSubscriptionStatus(sub, NotCreated, status)
	}
}

// sessionRemoved forgets the subscriptions of a closed session.
func (m *SubscriptionManager) sessionRemoved(s *session) {
	m.mu.Lock()
	var removed []*subscription
	for _, sub := range m.subs {
		if sub.session == s {
			m.removeLocked(sub)
			removed = append(removed, sub)
		}
	}
	pump := m.pumps[s.id]
	delete(m.pumps, s.id)
	m.mu.Unlock()

	if pump != nil {
		pump.close()
	}
	slices.SortFunc(removed, func(a, b *subscription) int { return cmp.Compare(a.handle, b.handle) })
	for _, sub := range removed {
		m.emitSubscriptionStatus(sub, NotCreated, ua.StatusBadSessionClosed)
	}
}

func (m *SubscriptionManager) kickRetry() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// retryLoop re-resolves and re-creates what is not created.
func (m *SubscriptionManager) retryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		m.retry(m.ctx)
	}
}

func (m *SubscriptionManager) retry(ctx context.Context) {
	m.mu.Lock()
	var orphans []*monitoredItem
	for _, it := range m.items {
		if it.sub == nil && it.retry {
			orphans = append(orphans, it)
		}
	}
	m.mu.Unlock()

	if len(orphans) > 0 {
		slices.SortFunc(orphans, func(a, b *monitoredItem) int { return cmp.Compare(a.handle, b.handle) })
		m.attach(ctx, orphans)
	}

	m.mu.Lock()
	var subs []*subscription
	for _, sub := range m.subs {
		if sub.removed || !sub.session.isConnected() {
			continue
		}
		if sub.state != Created || sub.hasPendingItems() {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		g.Go(func() error {
			m.recreate(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()
}

// hasPendingItems reports whether items of the subscription wait for
// creation. Must hold m.mu.
func (s *subscription) hasPendingItems() bool {
	for _, it := range s.items {
		if it.state == NotCreated && it.retry {
			return true
		}
	}
	return false
}

func (m *SubscriptionManager) recreate(ctx context.Context, sub *subscription) {
	sub.opMu.Lock()
	defer sub.opMu.Unlock()

	if err := m.ensureCreated(ctx, sub); err != nil {
		return
	}
	m.mu.Lock()
	var pending []*monitoredItem
	for _, h := range slices.Sorted(maps.Keys(sub.items)) {
		if it := sub.items[h]; it.state == NotCreated && it.retry {
			pending = append(pending, it)
		}
	}
	m.mu.Unlock()
	m.createItems(ctx, sub, pending)
}

// ManuallySubscribe creates a subscription on a session. The handle is
// returned even when creation fails; the subscription is then retried in
// the background.
func (m *SubscriptionManager) ManuallySubscribe(ctx context.Context, id ConnectionID, settings *SubscriptionSettings) (SubscriptionHandle, error) {
	s, err := m.sessions.session(id)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	sub := newSubscriptionRecord(SubscriptionHandle(m.nextSub.Add(1)), s, m.defaults.Merge(settings), m.nextGroup.Add(1), true)
	m.subs[sub.handle] = sub
	m.startConsumer(sub)
	m.mu.Unlock()

	sub.opMu.Lock()
	defer sub.opMu.Unlock()
	return sub.handle, m.ensureCreated(ctx, sub)
}

// ManuallyUnsubscribe deletes a subscription and its monitored items.
func (m *SubscriptionManager) ManuallyUnsubscribe(ctx context.Context, h SubscriptionHandle) error {
	sub, err := m.subscription(h)
	if err != nil {
		return err
	}
	sub.opMu.Lock()
	defer sub.opMu.Unlock()

	m.mu.Lock()
	if sub.removed {
		m.mu.Unlock()
		return newError(ErrUnknownHandle, ua.ServiceDeleteSubscriptions, ua.StatusBadSubscriptionIDInvalid, "subscription %d", h)
	}
	created, serverID := sub.state == Created, sub.serverID
	m.removeLocked(sub)
	m.mu.Unlock()

	if !created {
		return nil
	}
	var results []ua.StatusCode
	cctx, cancel := withCallTimeout(ctx, m.service.CallTimeout)
	defer cancel()
	err = sub.session.do(cctx, ua.ServiceDeleteSubscriptions, func(ctx context.Context, ch Channel) error {
		var err error
		results, err = ch.DeleteSubscriptions(ctx, []uint32{serverID})
		return err
	})
	if err != nil {
		return err
	}
	if len(results) == 1 {
		return errIfBad(results[0])
	}
	return nil
}

// SetPublishingMode enables or disables publishing of a subscription. The
// setting is kept and applied again when the subscription is re-created.
func (m *SubscriptionManager) SetPublishingMode(ctx context.Context, h SubscriptionHandle, enabled bool) error {
	sub, err := m.subscription(h)
	if err != nil {
		return err
	}
	sub.opMu.Lock()
	defer sub.opMu.Unlock()

	m.mu.Lock()
	sub.publishing = enabled
	created, serverID := sub.state == Created, sub.serverID
	m.mu.Unlock()
	if !created {
		return nil
	}

	var results []ua.StatusCode
	cctx, cancel := withCallTimeout(ctx, m.service.CallTimeout)
	defer cancel()
	err = sub.session.do(cctx, ua.ServiceSetPublishingMode, func(ctx context.Context, ch Channel) error {
		var err error
		results, err = ch.SetPublishingMode(ctx, enabled, []uint32{serverID})
		return err
	})
	if err != nil {
		return err
	}
	if len(results) == 1 {
		return errIfBad(results[0])
	}
	return nil
}

// SetMonitoringMode changes the monitoring mode of items. Unknown handles
// fail the whole call before anything is sent. The mode is kept for items
// that are not created yet.
func (m *SubscriptionManager) SetMonitoringMode(ctx context.Context, handles []ClientHandle, mode ua.MonitoringMode) ([]ua.StatusCode, error) {
	if len(handles) == 0 {
		return nil, newError(ErrInvalidRequest, ua.ServiceSetMonitoringMode, ua.StatusBadNothingToDo, "no monitored items")
	}
	m.mu.Lock()
	for _, h := range handles {
		if _, ok := m.items[h]; !ok {
			m.mu.Unlock()
			return nil, newError(ErrUnknownHandle, ua.ServiceSetMonitoringMode, ua.StatusBadMonitoredItemIDInvalid, "monitored item %d", h)
		}
	}
	subs := make(map[*subscription][]int)
	statuses := make([]ua.StatusCode, len(handles))
	first := make(map[ClientHandle]int, len(handles))
	for i, h := range handles {
		statuses[i] = ua.StatusGood
		if _, dup := first[h]; dup {
			continue
		}
		first[h] = i
		it := m.items[h]
		it.mode = mode
		if it.sub != nil && it.state == Created {
			subs[it.sub] = append(subs[it.sub], i)
		}
	}
	m.mu.Unlock()

	err := m.eachCreated(subs, func(sub *subscription, serverID uint32, idx []int, ids []uint32) error {
		var results []ua.StatusCode
		cctx, cancel := withCallTimeout(ctx, m.service.CallTimeout)
		defer cancel()
		err := sub.session.do(cctx, ua.ServiceSetMonitoringMode, func(ctx context.Context, ch Channel) error {
			var err error
			results, err = ch.SetMonitoringMode(ctx, serverID, mode, ids)
			return err
		})
		fill(statuses, idx, results, err)
		return err
	}, handles)
	// listed twice
	for i, h := range handles {
		statuses[i] = statuses[first[h]]
	}
	return statuses, err
}

// DeleteMonitoredItems deletes items. Unknown handles fail the whole call
// before anything is sent.
func (m *SubscriptionManager) DeleteMonitoredItems(ctx context.Context, handles []ClientHandle) ([]ua.StatusCode, error) {
	if len(handles) == 0 {
		return nil, newError(ErrInvalidRequest, ua.ServiceDeleteMonitoredItems, ua.StatusBadNothingToDo, "no monitored items")
	}
	m.mu.Lock()
	for _, h := range handles {
		if _, ok := m.items[h]; !ok {
			m.mu.Unlock()
			return nil, newError(ErrUnknownHandle, ua.ServiceDeleteMonitoredItems, ua.StatusBadMonitoredItemIDInvalid, "monitored item %d", h)
		}
	}
	type pending struct {
		idx []int
		ids []uint32
	}
	subs := make(map[*subscription]*pending)
	statuses := make([]ua.StatusCode, len(handles))
	var created int64
	for i, h := range handles {
		it, ok := m.items[h]
		statuses[i] = ua.StatusGood
		if !ok {
			// listed twice
			continue
		}
		if it.sub != nil {
			delete(it.sub.items, h)
			if it.state == Created {
				p := subs[it.sub]
				if p == nil {
					p = &pending{}
					subs[it.sub] = p
				}
				p.idx = append(p.idx, i)
				p.ids = append(p.ids, it.serverID)
				created++
			}
		}
		m.forgetItemLocked(h)
	}
	serverIDs := make(map[*subscription]uint32, len(subs))
	for sub := range subs {
		serverIDs[sub] = sub.serverID
	}
	m.mu.Unlock()
	m.metrics.MonitoredItems.Add(-created)

	var (
		mu     sync.Mutex
		ok     int
		errs   []error
		groups int
	)
	var g errgroup.Group
	for sub, p := range subs {
		groups++
		g.Go(func() error {
			var results []ua.StatusCode
			cctx, cancel := withCallTimeout(ctx, m.service.CallTimeout)
			defer cancel()
			err := sub.session.do(cctx, ua.ServiceDeleteMonitoredItems, func(ctx context.Context, ch Channel) error {
				var err error
				results, err = ch.DeleteMonitoredItems(ctx, serverIDs[sub], p.ids)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			fill(statuses, p.idx, results, err)
			if err != nil {
				errs = append(errs, err)
			} else {
				ok++
			}
			return nil
		})
	}
	_ = g.Wait()
	if groups > 0 && ok == 0 {
		return statuses, errs[0]
	}
	return statuses, nil
}

// eachCreated runs fn once per subscription with the server ids of the
// selected items, holding the subscription's opMu. It fails only when
// every call failed.
func (m *SubscriptionManager) eachCreated(subs map[*subscription][]int, fn func(sub *subscription, serverID uint32, idx []int, ids []uint32) error, handles []ClientHandle) error {
	var (
		mu   sync.Mutex
		ok   int
		errs []error
	)
	var g errgroup.Group
	for sub, idx := range subs {
		g.Go(func() error {
			sub.opMu.Lock()
			defer sub.opMu.Unlock()

			m.mu.Lock()
			serverID := sub.serverID
			var (
				live []int
				ids  []uint32
			)
			for _, i := range idx {
				it := m.items[handles[i]]
				if it != nil && it.sub == sub && it.state == Created {
					live = append(live, i)
					ids = append(ids, it.serverID)
				}
			}
			m.mu.Unlock()
			if len(ids) == 0 {
				return nil
			}

			err := fn(sub, serverID, live, ids)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				ok++
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 && ok == 0 {
		return errs[0]
	}
	return nil
}

// fill copies per item results into statuses at idx, or the call's status
// when the call failed.
func fill(statuses []ua.StatusCode, idx []int, results []ua.StatusCode, err error) {
	for k, i := range idx {
		switch {
		case err != nil:
			statuses[i] = StatusOf(err)
		case k < len(results):
			statuses[i] = results[k]
		default:
			statuses[i] = ua.StatusBadUnexpectedError
		}
	}
}

func (m *SubscriptionManager) subscription(h SubscriptionHandle) (*subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[h]
	if !ok {
		return nil, newError(ErrUnknownHandle, 0, ua.StatusBadSubscriptionIDInvalid, "subscription %d", h)
	}
	return sub, nil
}

// SubscriptionInformation returns a snapshot of one subscription.
func (m *SubscriptionManager) SubscriptionInformation(h SubscriptionHandle) (SubscriptionInformation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[h]
	if !ok {
		return SubscriptionInformation{}, newError(ErrUnknownHandle, 0, ua.StatusBadSubscriptionIDInvalid, "subscription %d", h)
	}
	return sub.info(), nil
}

// AllSubscriptionInformations returns a snapshot of every subscription
// ordered by handle.
func (m *SubscriptionManager) AllSubscriptionInformations() []SubscriptionInformation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionInformation, 0, len(m.subs))
	for _, h := range slices.Sorted(maps.Keys(m.subs)) {
		out = append(out, m.subs[h].info())
	}
	return out
}

// MonitoredItemInformation returns a snapshot of one monitored item.
func (m *SubscriptionManager) MonitoredItemInformation(h ClientHandle) (MonitoredItemInformation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[h]
	if !ok {
		return MonitoredItemInformation{}, newError(ErrUnknownHandle, 0, ua.StatusBadMonitoredItemIDInvalid, "monitored item %d", h)
	}
	return it.info(), nil
}

// close stops the retry loop, the publish pumps and the consumers. Server
// side subscriptions go away with their sessions.
func (m *SubscriptionManager) close() {
	m.mu.Lock()
	m.cancel()
	pumps := slices.Collect(maps.Values(m.pumps))
	m.pumps = make(map[ConnectionID]*publishPump)
	m.mu.Unlock()

	for _, p := range pumps {
		p.close()
	}
	m.wg.Wait()
}
