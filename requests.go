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
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// Requests carry ordered targets and optional settings. Nil settings use
// the client's defaults; non-zero fields override them. Results list one
// entry per target, in the order of the request.

// ReadTarget is one attribute to read.
type ReadTarget struct {
	Address     Address
	AttributeID ua.AttributeID // zero reads the Value attribute
	IndexRange  string
}

// ReadRequest reads attributes.
type ReadRequest struct {
	Targets []ReadTarget
	Session *SessionSettings
	Service *ServiceSettings
}

// ReadResultTarget is the outcome of reading one target.
type ReadResultTarget struct {
	ResolvedAddress
	ConnectionID ConnectionID
	Value        ua.DataValue
	Status       ua.StatusCode
	Err          error
}

// ReadResult is the outcome of a ReadRequest.
type ReadResult struct {
	Targets       []ReadResultTarget
	OverallStatus ua.StatusCode
}

// WriteTarget is one attribute to write.
type WriteTarget struct {
	Address     Address
	AttributeID ua.AttributeID // zero writes the Value attribute
	IndexRange  string
	Value       ua.DataValue
}

// WriteRequest writes attributes.
type WriteRequest struct {
	Targets []WriteTarget
	Session *SessionSettings
	Service *ServiceSettings
}

// WriteResultTarget is the outcome of writing one target.
type WriteResultTarget struct {
	ResolvedAddress
	ConnectionID ConnectionID
	Status       ua.StatusCode
	Err          error
}

// WriteResult is the outcome of a WriteRequest.
type WriteResult struct {
	Targets       []WriteResultTarget
	OverallStatus ua.StatusCode
}

// MethodCallTarget is one method call. Object and method must be on the
// same server.
type MethodCallTarget struct {
	Object         Address
	Method         Address
	InputArguments []*ua.Variant
}

// MethodCallRequest calls methods.
type MethodCallRequest struct {
	Targets []MethodCallTarget
	Session *SessionSettings
	Service *ServiceSettings
}

// MethodCallResultTarget is the outcome of one method call.
type MethodCallResultTarget struct {
	Object               ResolvedAddress
	Method               ResolvedAddress
	ConnectionID         ConnectionID
	InputArgumentResults []ua.StatusCode
	OutputArguments      []*ua.Variant
	Status               ua.StatusCode
	Err                  error
}

// MethodCallResult is the outcome of a MethodCallRequest.
type MethodCallResult struct {
	Targets       []MethodCallResultTarget
	OverallStatus ua.StatusCode
}

// BrowseTarget is one node to browse.
type BrowseTarget struct {
	Address         Address
	Direction       ua.BrowseDirection
	ReferenceTypeID ua.NodeID // null browses hierarchical references
	IncludeSubtypes bool
	NodeClassMask   uint32
}

// BrowseRequest browses nodes. Continuation points are followed
// automatically up to Service.MaxAutoBrowseNext times per target.
type BrowseRequest struct {
	Targets []BrowseTarget
	Session *SessionSettings
	Service *ServiceSettings
}

// BrowseResultTarget is the outcome of browsing one node. A non-empty
// ContinuationPoint can be passed to BrowseNext on the same connection.
type BrowseResultTarget struct {
	ResolvedAddress
	ConnectionID      ConnectionID
	References        []ua.ReferenceDescription
	ContinuationPoint []byte
	Status            ua.StatusCode
	Err               error
}

// BrowseResult is the outcome of a BrowseRequest or BrowseNextRequest.
type BrowseResult struct {
	Targets       []BrowseResultTarget
	OverallStatus ua.StatusCode
}

// BrowseNextTarget continues a browse on the connection that returned the
// continuation point.
type BrowseNextTarget struct {
	ConnectionID      ConnectionID
	ContinuationPoint []byte
}

// BrowseNextRequest continues or releases browses.
type BrowseNextRequest struct {
	Targets                   []BrowseNextTarget
	ReleaseContinuationPoints bool
	Service                   *ServiceSettings
}

// HistoryReadTarget is one node whose raw history is read.
type HistoryReadTarget struct {
	Address    Address
	IndexRange string
}

// HistoryReadRawRequest reads raw historical values. Continuation points
// are followed automatically up to Service.MaxAutoReadMore times.
type HistoryReadRawRequest struct {
	Targets          []HistoryReadTarget
	StartTime        time.Time
	EndTime          time.Time
	NumValuesPerNode uint32
	ReturnBounds     bool
	Session          *SessionSettings
	Service          *ServiceSettings
}

// HistoryReadResultTarget is the raw history of one node.
type HistoryReadResultTarget struct {
	ResolvedAddress
	ConnectionID      ConnectionID
	Values            []ua.DataValue
	ContinuationPoint []byte
	Status            ua.StatusCode
	Err               error
}

// HistoryReadResult is the outcome of a HistoryReadRawRequest.
type HistoryReadResult struct {
	Targets       []HistoryReadResultTarget
	OverallStatus ua.StatusCode
}

// MonitoredDataTarget is one attribute to monitor.
type MonitoredDataTarget struct {
	Address          Address
	AttributeID      ua.AttributeID // zero monitors the Value attribute
	IndexRange       string
	SamplingInterval time.Duration
	QueueSize        uint32 // zero means 1
	DiscardOldest    bool
	Filter           *ua.DataChangeFilter
	MonitoringMode   ua.MonitoringMode // zero (Disabled) is taken as Reporting
}

// MonitoredDataRequest creates data change monitored items. Items go into
// a subscription on the session of their server: the one named by
// SubscriptionHandle, or one with equal subscription settings.
type MonitoredDataRequest struct {
	Targets            []MonitoredDataTarget
	Session            *SessionSettings
	Subscription       *SubscriptionSettings
	Service            *ServiceSettings
	SubscriptionHandle SubscriptionHandle
	Sink               NotificationSink[DataChangeNotification]
}

// MonitoredEventTarget is one event notifier to monitor.
type MonitoredEventTarget struct {
	Address          Address
	SelectClauses    []ua.SimpleAttributeOperand // nil selects DefaultEventFields
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
	MonitoringMode   ua.MonitoringMode // zero (Disabled) is taken as Reporting
}

// MonitoredEventRequest creates event monitored items.
type MonitoredEventRequest struct {
	Targets            []MonitoredEventTarget
	Session            *SessionSettings
	Subscription       *SubscriptionSettings
	Service            *ServiceSettings
	SubscriptionHandle SubscriptionHandle
	Sink               NotificationSink[EventNotification]
}

// MonitoredItemResultTarget is the outcome of creating one monitored item.
// ClientHandle is valid even when the item could not be created.
type MonitoredItemResultTarget struct {
	ResolvedAddress
	ClientHandle            ClientHandle
	SubscriptionHandle      SubscriptionHandle
	ConnectionID            ConnectionID
	State                   CreationState
	RevisedSamplingInterval time.Duration
	RevisedQueueSize        uint32
	Status                  ua.StatusCode
	Err                     error
}

// MonitoredItemsResult is the outcome of a monitored item request.
type MonitoredItemsResult struct {
	Targets       []MonitoredItemResultTarget
	OverallStatus ua.StatusCode
}

// DefaultEventFields are the event fields selected when a monitored event
// target has no select clauses: EventId, EventType, SourceName, Time,
// Message and Severity of BaseEventType.
var DefaultEventFields = []ua.SimpleAttributeOperand{
	eventField("EventId"),
	eventField("EventType"),
	eventField("SourceName"),
	eventField("Time"),
	eventField("Message"),
	eventField("Severity"),
}

func eventField(name string) ua.SimpleAttributeOperand {
	return ua.SimpleAttributeOperand{
		TypeDefinitionID: ua.BaseEventType,
		BrowsePath:       []ua.QualifiedName{{Name: name}},
		AttributeID:      ua.AttributeValue,
	}
}

// AsyncResult identifies an asynchronous request.
type AsyncResult struct {
	RequestHandle RequestHandle
}

// ReadComplete is delivered when an asynchronous read completes.
type ReadComplete struct {
	RequestHandle RequestHandle
	ServerURI     string
	Result        *ReadResult
	Err           error
}

// WriteComplete is delivered when an asynchronous write completes.
type WriteComplete struct {
	RequestHandle RequestHandle
	ServerURI     string
	Result        *WriteResult
	Err           error
}

// CallComplete is delivered when an asynchronous method call completes.
type CallComplete struct {
	RequestHandle RequestHandle
	ServerURI     string
	Result        *MethodCallResult
	Err           error
}

// overallStatus is Good when every status is good or uncertain, Bad when
// every status is bad and Uncertain otherwise.
func overallStatus[T any](targets []T, status func(T) ua.StatusCode) ua.StatusCode {
	bad := 0
	for _, t := range targets {
		if status(t).IsBad() {
			bad++
		}
	}
	switch {
	case bad == 0:
		return ua.StatusGood
	case bad == len(targets):
		return ua.StatusBad
	default:
		return ua.StatusUncertain
	}
}

// errIfBad returns the status as an error when it is bad.
func errIfBad(sc ua.StatusCode) error {
	if sc.IsBad() {
		return sc
	}
	return nil
}

func monitoringMode(m ua.MonitoringMode) ua.MonitoringMode {
	if m == ua.MonitoringModeDisabled {
		return ua.MonitoringModeReporting
	}
	return m
}
