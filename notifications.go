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
	"sync"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// DataChangeNotification is a new value of a monitored data item.
type DataChangeNotification struct {
	ServerURI          string
	ConnectionID       ConnectionID
	SubscriptionHandle SubscriptionHandle
	ClientHandle       ClientHandle
	SequenceNumber     uint32
	Value              ua.DataValue
	Status             ua.StatusCode
}

// EventNotification is one event reported by a monitored event item. Fields
// are ordered as the select clauses of the item.
type EventNotification struct {
	ServerURI          string
	ConnectionID       ConnectionID
	SubscriptionHandle SubscriptionHandle
	ClientHandle       ClientHandle
	SequenceNumber     uint32
	Fields             []*ua.Variant
}

// KeepAliveNotification is a publish response without notifications.
type KeepAliveNotification struct {
	ServerURI          string
	ConnectionID       ConnectionID
	SubscriptionHandle SubscriptionHandle
	SequenceNumber     uint32
	PublishTime        time.Time
}

// NotificationsMissing reports sequence numbers that could not be recovered
// between two received notification messages.
type NotificationsMissing struct {
	ServerURI              string
	ConnectionID           ConnectionID
	SubscriptionHandle     SubscriptionHandle
	PreviousSequenceNumber uint32
	NewSequenceNumber      uint32
}

// SubscriptionStatusChange reports a change of the server side state of a
// subscription.
type SubscriptionStatusChange struct {
	ServerURI          string
	ConnectionID       ConnectionID
	SubscriptionHandle SubscriptionHandle
	State              CreationState
	Status             ua.StatusCode
}

// ConnectionStatusChange reports a session state transition.
type ConnectionStatusChange struct {
	ServerURI    string
	ConnectionID ConnectionID
	Previous     SessionState
	Current      SessionState
	Status       ua.StatusCode
}

// NotificationFilter restricts a sink to matching notifications. Zero
// fields match anything.
type NotificationFilter struct {
	ServerURI          string
	ConnectionID       ConnectionID
	SubscriptionHandle SubscriptionHandle
}

func (f NotificationFilter) matches(serverURI string, conn ConnectionID, sub SubscriptionHandle) bool {
	return (f.ServerURI == "" || f.ServerURI == serverURI) &&
		(f.ConnectionID == 0 || f.ConnectionID == conn) &&
		(f.SubscriptionHandle == 0 || f.SubscriptionHandle == sub)
}

// SinkKind tells how a NotificationSink delivers.
type SinkKind int

// Sink kinds.
const (
	SinkDefault SinkKind = iota
	SinkOverride
	SinkExternal
)

// Handler receives notifications of type T.
type Handler[T any] interface {
	Handle(T)
}

// NotificationSink is where notifications of type T go: nowhere (Default),
// to a Handler implementation (Override) or to a plain function (External).
// The variant is fixed when the sink is built.
type NotificationSink[T any] struct {
	kind    SinkKind
	deliver func(T)
}

// DefaultSink drops notifications.
func DefaultSink[T any]() NotificationSink[T] {
	return NotificationSink[T]{}
}

// OverrideSink delivers to h.
func OverrideSink[T any](h Handler[T]) NotificationSink[T] {
	if h == nil {
		return DefaultSink[T]()
	}
	return NotificationSink[T]{kind: SinkOverride, deliver: h.Handle}
}

// ExternalSink delivers to fn.
func ExternalSink[T any](fn func(T)) NotificationSink[T] {
	if fn == nil {
		return DefaultSink[T]()
	}
	return NotificationSink[T]{kind: SinkExternal, deliver: fn}
}

// Kind returns the sink variant.
func (s NotificationSink[T]) Kind() SinkKind {
	return s.kind
}

func (s NotificationSink[T]) dispatch(v T) {
	if s.deliver != nil {
		s.deliver(v)
	}
}

type sinkEntry[T any] struct {
	id     uint64
	filter NotificationFilter
	sink   NotificationSink[T]
}

// sinkSet holds the client level sinks of one notification type.
type sinkSet[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []sinkEntry[T]
}

func (s *sinkSet[T]) add(f NotificationFilter, sink NotificationSink[T]) (remove func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, sinkEntry[T]{id: id, filter: f, sink: sink})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e.id == id {
				s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

func (s *sinkSet[T]) dispatch(serverURI string, conn ConnectionID, sub SubscriptionHandle, v T) {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()
	for _, e := range entries {
		if e.filter.matches(serverURI, conn, sub) {
			e.sink.dispatch(v)
		}
	}
}

// notifier fans notifications out to per item sinks and client level sinks.
type notifier struct {
	dataItems  *registry[ClientHandle, NotificationSink[DataChangeNotification]]
	eventItems *registry[ClientHandle, NotificationSink[EventNotification]]

	data       sinkSet[DataChangeNotification]
	events     sinkSet[EventNotification]
	keepAlives sinkSet[KeepAliveNotification]
	missing    sinkSet[NotificationsMissing]
	subStatus  sinkSet[SubscriptionStatusChange]
	connStatus sinkSet[ConnectionStatusChange]

	readDone  sinkSet[ReadComplete]
	writeDone sinkSet[WriteComplete]
	callDone  sinkSet[CallComplete]
}

func newNotifier() *notifier {
	return &notifier{
		dataItems:  newRegistry[ClientHandle, NotificationSink[DataChangeNotification]](),
		eventItems: newRegistry[ClientHandle, NotificationSink[EventNotification]](),
	}
}

func (n *notifier) dataChange(v DataChangeNotification) {
	if sink, ok := n.dataItems.get(v.ClientHandle); ok {
		sink.dispatch(v)
	}
	n.data.dispatch(v.ServerURI, v.ConnectionID, v.SubscriptionHandle, v)
}

func (n *notifier) event(v EventNotification) {
	if sink, ok := n.eventItems.get(v.ClientHandle); ok {
		sink.dispatch(v)
	}
	n.events.dispatch(v.ServerURI, v.ConnectionID, v.SubscriptionHandle, v)
}

func (n *notifier) keepAlive(v KeepAliveNotification) {
	n.keepAlives.dispatch(v.ServerURI, v.ConnectionID, v.SubscriptionHandle, v)
}

func (n *notifier) notificationsMissing(v NotificationsMissing) {
	n.missing.dispatch(v.ServerURI, v.ConnectionID, v.SubscriptionHandle, v)
}

func (n *notifier) subscriptionStatus(v SubscriptionStatusChange) {
	n.subStatus.dispatch(v.ServerURI, v.ConnectionID, v.SubscriptionHandle, v)
}

func (n *notifier) connectionStatus(v ConnectionStatusChange) {
	n.connStatus.dispatch(v.ServerURI, v.ConnectionID, 0, v)
}
