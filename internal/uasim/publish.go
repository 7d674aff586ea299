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
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/edgeo-scada/uaf/ua"
)

const (
	defaultPublishingInterval = 100 * time.Millisecond
	defaultKeepAliveCount     = 10
)

// subscription is a server side subscription. Its notifications are queued
// by value changes and events and turned into messages by Tick.
type subscription struct {
	id               uint32
	owner            *channel
	keepAlive        uint32
	maxNotifications uint32
	enabled          bool
	expired          bool

	items      map[uint32]*item
	pending    []notification
	nextSeq    uint32
	idle       uint32
	ready      []ua.NotificationMessage
	retransmit map[uint32]ua.NotificationMessage
}

type item struct {
	id            uint32
	clientHandle  uint32
	node          ua.NodeID
	event         bool
	mode          ua.MonitoringMode
	queueSize     uint32
	discardOldest bool
	clauses       []ua.SimpleAttributeOperand
	timestamps    ua.TimestampsToReturn
}

type notification struct {
	item  uint32
	data  *ua.MonitoredItemNotification
	event *ua.EventFieldList
}

func (sub *subscription) takeSeq() uint32 {
	seq := sub.nextSeq
	sub.nextSeq++
	if sub.nextSeq == 0 {
		sub.nextSeq = 1
	}
	return seq
}

func (sub *subscription) valueChanged(id ua.NodeID, dv ua.DataValue) {
	for _, itemID := range slices.Sorted(maps.Keys(sub.items)) {
		it := sub.items[itemID]
		if it.event || it.node != id || it.mode != ua.MonitoringModeReporting {
			continue
		}
		sub.enqueueData(it, dv)
	}
}

func (sub *subscription) enqueueData(it *item, dv ua.DataValue) {
	switch it.timestamps {
	case ua.TimestampsToReturnSource:
		dv.ServerTimestamp = time.Time{}
	case ua.TimestampsToReturnServer:
		dv.SourceTimestamp = time.Time{}
	case ua.TimestampsToReturnNeither:
		dv.SourceTimestamp, dv.ServerTimestamp = time.Time{}, time.Time{}
	}
	n := notification{item: it.id, data: &ua.MonitoredItemNotification{ClientHandle: it.clientHandle, Value: dv}}

	var queued []int
	for i, p := range sub.pending {
		if p.item == it.id {
			queued = append(queued, i)
		}
	}
	switch {
	case uint32(len(queued)) < it.queueSize:
		sub.pending = append(sub.pending, n)
	case it.discardOldest:
		sub.pending = slices.Delete(sub.pending, queued[0], queued[0]+1)
		sub.pending = append(sub.pending, n)
	default:
		sub.pending[queued[len(queued)-1]] = n
	}
}

// tick turns the queued notifications into messages of at most
// maxNotifications notifications each, or queues a keep-alive once the
// subscription was idle for keepAlive ticks.
func (sub *subscription) tick(now time.Time, discardOverflow bool) {
	if sub.expired {
		return
	}
	if !sub.enabled {
		sub.pending = nil
	}
	if len(sub.pending) == 0 {
		sub.idle++
		if sub.idle >= sub.keepAlive && len(sub.ready) == 0 {
			sub.ready = append(sub.ready, ua.NotificationMessage{SequenceNumber: sub.nextSeq, PublishTime: now})
			sub.idle = 0
		}
		return
	}
	sub.idle = 0

	size := len(sub.pending)
	if sub.maxNotifications > 0 {
		size = int(sub.maxNotifications)
	}
	for i, chunk := range slices.Collect(slices.Chunk(sub.pending, size)) {
		msg := ua.NotificationMessage{SequenceNumber: sub.takeSeq(), PublishTime: now}
		for _, n := range chunk {
			if n.data != nil {
				msg.DataChanges = append(msg.DataChanges, *n.data)
			} else {
				msg.Events = append(msg.Events, *n.event)
			}
		}
		if discardOverflow && i > 0 {
			continue
		}
		sub.retransmit[msg.SequenceNumber] = msg
		sub.ready = append(sub.ready, msg)
	}
	sub.pending = nil
}

// Tick runs one publishing cycle on every subscription.
func (s *Server) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		s.subs[id].tick(now, s.discardOverflow)
	}
	s.signalLocked()
}

// ExpireSubscriptions ends every subscription with a BadTimeout status
// change, as when their lifetime elapses.
func (s *Server) ExpireSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := ua.StatusBadTimeout
	for _, sub := range s.subs {
		if sub.expired {
			continue
		}
		sub.expired = true
		msg := ua.NotificationMessage{SequenceNumber: sub.takeSeq(), PublishTime: time.Now(), StatusChange: &status}
		sub.ready = append(sub.ready[:0], msg)
	}
	s.signalLocked()
}

// Subscriptions returns the number of live subscriptions.
func (s *Server) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if !sub.expired {
			n++
		}
	}
	return n
}

// MonitoredItems returns the number of monitored items on live
// subscriptions.
func (s *Server) MonitoredItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if !sub.expired {
			n += len(sub.items)
		}
	}
	return n
}

// FireEvent reports an event from source to the event items monitoring
// source or the Server object. Fields are selected by the last browse name
// of each select clause; EventId, SourceName and Time are filled in when
// missing.
func (s *Server) FireEvent(source ua.NodeID, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.mustNode(source)
	values := maps.Clone(fields)
	if values == nil {
		values = make(map[string]interface{})
	}
	if _, ok := values["EventId"]; !ok {
		id := uuid.New()
		values["EventId"] = id[:]
	}
	if _, ok := values["SourceName"]; !ok {
		values["SourceName"] = src.name.Name
	}
	if _, ok := values["Time"]; !ok {
		values["Time"] = time.Now()
	}

	for _, subID := range slices.Sorted(maps.Keys(s.subs)) {
		sub := s.subs[subID]
		for _, itemID := range slices.Sorted(maps.Keys(sub.items)) {
			it := sub.items[itemID]
			if !it.event || it.mode != ua.MonitoringModeReporting || (it.node != source && it.node != ua.ServerNode) {
				continue
			}
			efl := &ua.EventFieldList{ClientHandle: it.clientHandle}
			for _, c := range it.clauses {
				efl.EventFields = append(efl.EventFields, eventField(values, c))
			}
			sub.pending = append(sub.pending, notification{item: it.id, event: efl})
		}
	}
}

func eventField(values map[string]interface{}, c ua.SimpleAttributeOperand) *ua.Variant {
	if len(c.BrowsePath) == 0 {
		return &ua.Variant{}
	}
	v, ok := values[c.BrowsePath[len(c.BrowsePath)-1].Name]
	if !ok {
		return &ua.Variant{}
	}
	if b, ok := v.([]byte); ok {
		return &ua.Variant{Type: ua.TypeByteString, Value: b}
	}
	return ua.NewVariant(v)
}

func (s *Server) ownedLocked(c *channel, id uint32) (*subscription, bool) {
	sub, ok := s.subs[id]
	if !ok || sub.owner != c || sub.expired {
		return nil, false
	}
	return sub, true
}

func (c *channel) CreateSubscription(ctx context.Context, params ua.SubscriptionParameters) (ua.SubscriptionRevision, error) {
	if err := c.begin(ctx, ua.ServiceCreateSubscription); err != nil {
		return ua.SubscriptionRevision{}, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	interval := params.PublishingInterval
	if interval <= 0 {
		interval = defaultPublishingInterval
	}
	keepAlive := params.MaxKeepAliveCount
	if keepAlive == 0 {
		keepAlive = defaultKeepAliveCount
	}
	lifetime := max(params.LifetimeCount, 3*keepAlive)

	s.nextSub++
	sub := &subscription{
		id:               s.nextSub,
		owner:            c,
		keepAlive:        keepAlive,
		maxNotifications: params.MaxNotificationsPerPublish,
		enabled:          params.PublishingEnabled,
		items:            make(map[uint32]*item),
		nextSeq:          1,
		retransmit:       make(map[uint32]ua.NotificationMessage),
	}
	s.subs[sub.id] = sub
	s.signalLocked()
	return ua.SubscriptionRevision{
		SubscriptionID:            sub.id,
		RevisedPublishingInterval: interval,
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	}, nil
}

func (c *channel) DeleteSubscriptions(ctx context.Context, ids []uint32) ([]ua.StatusCode, error) {
	if err := c.begin(ctx, ua.ServiceDeleteSubscriptions); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.StatusCode, len(ids))
	for i, id := range ids {
		if sub, ok := s.subs[id]; !ok || sub.owner != c {
			out[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		delete(s.subs, id)
	}
	s.signalLocked()
	return out, nil
}

func (c *channel) SetPublishingMode(ctx context.Context, enabled bool, ids []uint32) ([]ua.StatusCode, error) {
	if err := c.begin(ctx, ua.ServiceSetPublishingMode); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.StatusCode, len(ids))
	for i, id := range ids {
		sub, ok := s.ownedLocked(c, id)
		if !ok {
			out[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		sub.enabled = enabled
	}
	return out, nil
}

func (c *channel) CreateMonitoredItems(ctx context.Context, subscriptionID uint32, ts ua.TimestampsToReturn, items []ua.MonitoredItemCreateRequest) ([]ua.MonitoredItemCreateResult, error) {
	if err := c.begin(ctx, ua.ServiceCreateMonitoredItems); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.ownedLocked(c, subscriptionID)
	if !ok {
		return nil, ua.StatusBadSubscriptionIDInvalid
	}

	out := make([]ua.MonitoredItemCreateResult, len(items))
	for i, req := range items {
		n, ok := s.nodes[req.ItemToMonitor.NodeID]
		if !ok {
			out[i].Status = ua.StatusBadNodeIDUnknown
			continue
		}
		it := &item{
			clientHandle:  req.RequestedParameters.ClientHandle,
			node:          n.id,
			mode:          req.MonitoringMode,
			queueSize:     max(req.RequestedParameters.QueueSize, 1),
			discardOldest: req.RequestedParameters.DiscardOldest,
			timestamps:    ts,
		}
		switch req.ItemToMonitor.AttributeID {
		case ua.AttributeEventNotifier:
			f, ok := req.RequestedParameters.Filter.(ua.EventFilter)
			if n.class != ua.NodeClassObject || !ok {
				out[i].Status = ua.StatusBadInvalidArgument
				continue
			}
			it.event = true
			it.clauses = f.SelectClauses
		case ua.AttributeValue:
			if n.class != ua.NodeClassVariable {
				out[i].Status = ua.StatusBadAttributeIDInvalid
				continue
			}
		default:
			out[i].Status = ua.StatusBadAttributeIDInvalid
			continue
		}

		s.nextItem++
		it.id = s.nextItem
		sub.items[it.id] = it
		if !it.event && it.mode == ua.MonitoringModeReporting {
			sub.enqueueData(it, s.readLocked(req.ItemToMonitor))
		}
		out[i] = ua.MonitoredItemCreateResult{
			MonitoredItemID:         it.id,
			RevisedSamplingInterval: req.RequestedParameters.SamplingInterval,
			RevisedQueueSize:        it.queueSize,
		}
	}
	return out, nil
}

func (c *channel) DeleteMonitoredItems(ctx context.Context, subscriptionID uint32, ids []uint32) ([]ua.StatusCode, error) {
	if err := c.begin(ctx, ua.ServiceDeleteMonitoredItems); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.ownedLocked(c, subscriptionID)
	if !ok {
		return nil, ua.StatusBadSubscriptionIDInvalid
	}
	out := make([]ua.StatusCode, len(ids))
	for i, id := range ids {
		if _, ok := sub.items[id]; !ok {
			out[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		delete(sub.items, id)
		sub.pending = slices.DeleteFunc(sub.pending, func(n notification) bool { return n.item == id })
	}
	return out, nil
}

func (c *channel) SetMonitoringMode(ctx context.Context, subscriptionID uint32, mode ua.MonitoringMode, ids []uint32) ([]ua.StatusCode, error) {
	if err := c.begin(ctx, ua.ServiceSetMonitoringMode); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	if mode > ua.MonitoringModeReporting {
		return nil, ua.StatusBadMonitoringModeInvalid
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.ownedLocked(c, subscriptionID)
	if !ok {
		return nil, ua.StatusBadSubscriptionIDInvalid
	}
	out := make([]ua.StatusCode, len(ids))
	seen := make(map[uint32]bool, len(ids))
	for i, id := range ids {
		it, ok := sub.items[id]
		if !ok || seen[id] {
			out[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		seen[id] = true
		if it.mode != ua.MonitoringModeReporting && mode == ua.MonitoringModeReporting && !it.event {
			sub.enqueueData(it, s.readLocked(ua.ReadValueID{NodeID: it.node, AttributeID: ua.AttributeValue}))
		}
		it.mode = mode
	}
	return out, nil
}

// Publish acknowledges acks and returns the next message of a subscription
// of the session, waiting until one is ready.
func (c *channel) Publish(ctx context.Context, acks []ua.SubscriptionAcknowledgement) (*ua.PublishResult, error) {
	if err := c.begin(ctx, ua.ServicePublish); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	results := make([]ua.StatusCode, len(acks))
	for i, a := range acks {
		sub, ok := s.subs[a.SubscriptionID]
		if !ok || sub.owner != c {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		if _, ok := sub.retransmit[a.SequenceNumber]; !ok {
			results[i] = ua.StatusBadSequenceNumberUnknown
			continue
		}
		delete(sub.retransmit, a.SequenceNumber)
	}

	for {
		if c.dead {
			s.mu.Unlock()
			return nil, errChannelClosed
		}
		var owned []*subscription
		for _, id := range slices.Sorted(maps.Keys(s.subs)) {
			if sub := s.subs[id]; sub.owner == c {
				owned = append(owned, sub)
			}
		}
		if len(owned) == 0 {
			s.mu.Unlock()
			return nil, ua.StatusBadNoSubscription
		}
		for i, sub := range owned {
			if len(sub.ready) == 0 {
				continue
			}
			msg := sub.ready[0]
			sub.ready = sub.ready[1:]
			if sub.expired && len(sub.ready) == 0 {
				delete(s.subs, sub.id)
			}
			more := false
			for _, other := range owned[i:] {
				more = more || len(other.ready) > 0
			}
			res := &ua.PublishResult{
				SubscriptionID:           sub.id,
				AvailableSequenceNumbers: slices.Sorted(maps.Keys(sub.retransmit)),
				MoreNotifications:        more,
				Message:                  msg,
				Results:                  results,
			}
			s.mu.Unlock()
			return res, nil
		}

		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

func (c *channel) Republish(ctx context.Context, subscriptionID, sequenceNumber uint32) (*ua.NotificationMessage, error) {
	if err := c.begin(ctx, ua.ServiceRepublish); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subscriptionID]
	if !ok || sub.owner != c {
		return nil, ua.StatusBadSubscriptionIDInvalid
	}
	msg, ok := sub.retransmit[sequenceNumber]
	if !ok {
		return nil, ua.StatusBadMessageNotAvailable
	}
	return &msg, nil
}
