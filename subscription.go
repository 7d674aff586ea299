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
	"slices"
	"sync"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// subscriptionInboxSize is the number of publish responses queued for one
// subscription before the publish pump blocks.
const subscriptionInboxSize = 256

// SubscriptionInformation is a snapshot of a subscription.
type SubscriptionInformation struct {
	SubscriptionHandle        SubscriptionHandle
	ConnectionID              ConnectionID
	ServerURI                 string
	Settings                  SubscriptionSettings
	State                     CreationState
	Status                    ua.StatusCode
	PublishingEnabled         bool
	SubscriptionID            uint32
	RevisedPublishingInterval time.Duration
	RevisedMaxKeepAliveCount  uint32
	RevisedLifetimeCount      uint32
	MonitoredItems            []ClientHandle
}

// MonitoredItemInformation is a snapshot of a monitored item.
type MonitoredItemInformation struct {
	ClientHandle            ClientHandle
	SubscriptionHandle      SubscriptionHandle
	ConnectionID            ConnectionID
	Address                 Address
	ResolvedAddress         ResolvedAddress
	Event                   bool
	AttributeID             ua.AttributeID
	MonitoringMode          ua.MonitoringMode
	State                   CreationState
	Status                  ua.StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval time.Duration
	RevisedQueueSize        uint32
}

// subscription is the client side record of a subscription. It outlives
// the server side subscription, which is re-created after reconnection.
// Fields below opMu are guarded by SubscriptionManager.mu.
type subscription struct {
	handle   SubscriptionHandle
	session  *session
	settings SubscriptionSettings
	group    uint32 // request or manual id for unique subscriptions, else 0
	manual   bool

	// opMu serializes server side changes of the subscription.
	opMu sync.Mutex

	state      CreationState
	status     ua.StatusCode
	publishing bool
	serverID   uint32
	revision   ua.SubscriptionRevision
	channel    Channel // channel the server side subscription lives on
	items      map[ClientHandle]*monitoredItem
	removed    bool

	inbox chan delivery
	stop  chan struct{}
}

// delivery is one publish response routed to a subscription.
type delivery struct {
	serverID uint32
	result   *ua.PublishResult
}

func newSubscriptionRecord(h SubscriptionHandle, s *session, settings SubscriptionSettings, group uint32, manual bool) *subscription {
	return &subscription{
		handle:     h,
		session:    s,
		settings:   settings,
		group:      group,
		manual:     manual,
		status:     ua.StatusGood,
		publishing: true,
		items:      make(map[ClientHandle]*monitoredItem),
		inbox:      make(chan delivery, subscriptionInboxSize),
		stop:       make(chan struct{}),
	}
}

// keepAliveTimeout is how long a publish may wait for this subscription.
func (s *subscription) keepAliveTimeout() time.Duration {
	interval := s.revision.RevisedPublishingInterval
	if interval <= 0 {
		interval = s.settings.PublishingInterval
	}
	count := s.revision.RevisedMaxKeepAliveCount
	if count == 0 {
		count = s.settings.MaxKeepAliveCount
	}
	return 3 * time.Duration(count) * interval
}

func (s *subscription) info() SubscriptionInformation {
	items := make([]ClientHandle, 0, len(s.items))
	for h := range s.items {
		items = append(items, h)
	}
	slices.Sort(items)
	return SubscriptionInformation{
		SubscriptionHandle:        s.handle,
		ConnectionID:              s.session.id,
		ServerURI:                 s.session.serverURI,
		Settings:                  s.settings,
		State:                     s.state,
		Status:                    s.status,
		PublishingEnabled:         s.publishing,
		SubscriptionID:            s.serverID,
		RevisedPublishingInterval: s.revision.RevisedPublishingInterval,
		RevisedMaxKeepAliveCount:  s.revision.RevisedMaxKeepAliveCount,
		RevisedLifetimeCount:      s.revision.RevisedLifetimeCount,
		MonitoredItems:            items,
	}
}

// monitoredItem is the client side record of a monitored item. Its client
// handle never changes; the server side item may be re-created. Guarded by
// SubscriptionManager.mu.
type monitoredItem struct {
	handle ClientHandle
	event  bool
	target Address
	group  uint32

	// request context, kept for re-resolution and re-creation
	sessionSettings      SessionSettings
	subscriptionSettings SubscriptionSettings
	service              ServiceSettings
	subscriptionHandle   SubscriptionHandle

	attribute        ua.AttributeID
	indexRange       string
	samplingInterval time.Duration
	queueSize        uint32
	discardOldest    bool
	filter           ua.MonitoringFilter
	mode             ua.MonitoringMode

	sub      *subscription // nil until the address is resolved
	resolved ResolvedAddress
	state    CreationState
	status   ua.StatusCode
	err      error
	retry    bool // re-created by the retry loop while not created

	serverID        uint32
	revisedSampling time.Duration
	revisedQueue    uint32
}

func (i *monitoredItem) createRequest() ua.MonitoredItemCreateRequest {
	return ua.MonitoredItemCreateRequest{
		ItemToMonitor: ua.ReadValueID{
			NodeID:      i.resolved.NodeID,
			AttributeID: i.attribute,
			IndexRange:  i.indexRange,
		},
		MonitoringMode: i.mode,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:     uint32(i.handle),
			SamplingInterval: i.samplingInterval,
			Filter:           i.filter,
			QueueSize:        i.queueSize,
			DiscardOldest:    i.discardOldest,
		},
	}
}

func (i *monitoredItem) result() MonitoredItemResultTarget {
	r := MonitoredItemResultTarget{
		ResolvedAddress:         i.resolved,
		ClientHandle:            i.handle,
		State:                   i.state,
		RevisedSamplingInterval: i.revisedSampling,
		RevisedQueueSize:        i.revisedQueue,
		Status:                  i.status,
		Err:                     i.err,
	}
	if i.sub != nil {
		r.SubscriptionHandle = i.sub.handle
		r.ConnectionID = i.sub.session.id
	}
	return r
}

func (i *monitoredItem) info() MonitoredItemInformation {
	info := MonitoredItemInformation{
		ClientHandle:            i.handle,
		Address:                 i.target,
		ResolvedAddress:         i.resolved,
		Event:                   i.event,
		AttributeID:             i.attribute,
		MonitoringMode:          i.mode,
		State:                   i.state,
		Status:                  i.status,
		MonitoredItemID:         i.serverID,
		RevisedSamplingInterval: i.revisedSampling,
		RevisedQueueSize:        i.revisedQueue,
	}
	if i.sub != nil {
		info.SubscriptionHandle = i.sub.handle
		info.ConnectionID = i.sub.session.id
	}
	return info
}

// nextSequence returns the sequence number following seq. Sequence
// numbers wrap to 1; 0 is never used.
func nextSequence(seq uint32) uint32 {
	seq++
	if seq == 0 {
		seq = 1
	}
	return seq
}

// prevSequence is the inverse of nextSequence.
func prevSequence(seq uint32) uint32 {
	seq--
	if seq == 0 {
		seq = ^uint32(0)
	}
	return seq
}

// sequenceAfter reports whether a comes after b, allowing for wrap around.
func sequenceAfter(a, b uint32) bool {
	return int32(a-b) > 0
}
