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

package ua

import "time"

// ReadValueID identifies an attribute to read.
type ReadValueID struct {
	NodeID       NodeID
	AttributeID  AttributeID
	IndexRange   string
	DataEncoding QualifiedName
}

// WriteValue is a value to write to an attribute.
type WriteValue struct {
	NodeID      NodeID
	AttributeID AttributeID
	IndexRange  string
	Value       DataValue
}

// CallMethodRequest is one method invocation.
type CallMethodRequest struct {
	ObjectID       NodeID
	MethodID       NodeID
	InputArguments []*Variant
}

// CallMethodResult is the outcome of one method invocation.
type CallMethodResult struct {
	Status               StatusCode
	InputArgumentResults []StatusCode
	OutputArguments      []*Variant
}

// BrowseDescription describes a node to browse.
type BrowseDescription struct {
	NodeID          NodeID
	BrowseDirection BrowseDirection
	ReferenceTypeID NodeID
	IncludeSubtypes bool
	NodeClassMask   uint32
	ResultMask      uint32
}

// BrowseResultMaskAll requests every field of a ReferenceDescription.
const BrowseResultMaskAll uint32 = 0x3F

// ReferenceDescription is one reference returned by Browse.
type ReferenceDescription struct {
	ReferenceTypeID NodeID
	IsForward       bool
	NodeID          ExpandedNodeID
	BrowseName      QualifiedName
	DisplayName     LocalizedText
	NodeClass       NodeClass
	TypeDefinition  ExpandedNodeID
}

// BrowseResult is the outcome of browsing one node.
type BrowseResult struct {
	Status            StatusCode
	ContinuationPoint []byte
	References        []ReferenceDescription
}

// RelativePathElement is one hop of a relative path.
type RelativePathElement struct {
	ReferenceTypeID NodeID
	IsInverse       bool
	IncludeSubtypes bool
	TargetName      QualifiedName
}

// BrowsePath is a starting node plus a relative path.
type BrowsePath struct {
	StartingNode NodeID
	RelativePath []RelativePathElement
}

// BrowsePathTarget is one node reached by a browse path. A
// RemainingPathIndex other than NoRemainingPath means the target lives on
// another server and the elements from that index on were not followed.
type BrowsePathTarget struct {
	TargetID           ExpandedNodeID
	RemainingPathIndex uint32
}

// NoRemainingPath marks a fully followed browse path target.
const NoRemainingPath uint32 = 0xFFFFFFFF

// BrowsePathResult is the outcome of translating one browse path.
type BrowsePathResult struct {
	Status  StatusCode
	Targets []BrowsePathTarget
}

// ReadRawDetails selects raw historical values.
type ReadRawDetails struct {
	IsReadModified   bool
	StartTime        time.Time
	EndTime          time.Time
	NumValuesPerNode uint32
	ReturnBounds     bool
}

// HistoryReadValueID identifies a node to read history from.
type HistoryReadValueID struct {
	NodeID            NodeID
	IndexRange        string
	ContinuationPoint []byte
}

// HistoryReadResult is the outcome of a history read for one node.
type HistoryReadResult struct {
	Status            StatusCode
	ContinuationPoint []byte
	DataValues        []DataValue
}

// SubscriptionParameters are the requested subscription parameters.
type SubscriptionParameters struct {
	PublishingInterval         time.Duration
	LifetimeCount              uint32
	MaxKeepAliveCount          uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled          bool
	Priority                   uint8
}

// SubscriptionRevision holds the server-assigned id and revised values.
type SubscriptionRevision struct {
	SubscriptionID            uint32
	RevisedPublishingInterval time.Duration
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

// MonitoringFilter is implemented by DataChangeFilter and EventFilter.
type MonitoringFilter interface {
	isMonitoringFilter()
}

// DataChangeTrigger selects what counts as a data change.
type DataChangeTrigger uint32

// Data change triggers.
const (
	DataChangeTriggerStatus               DataChangeTrigger = 0
	DataChangeTriggerStatusValue          DataChangeTrigger = 1
	DataChangeTriggerStatusValueTimestamp DataChangeTrigger = 2
)

// DeadbandType selects the deadband kind of a DataChangeFilter.
type DeadbandType uint32

// Deadband types.
const (
	DeadbandTypeNone     DeadbandType = 0
	DeadbandTypeAbsolute DeadbandType = 1
	DeadbandTypePercent  DeadbandType = 2
)

// DataChangeFilter filters data change notifications.
type DataChangeFilter struct {
	Trigger       DataChangeTrigger
	DeadbandType  DeadbandType
	DeadbandValue float64
}

func (DataChangeFilter) isMonitoringFilter() {}

// SimpleAttributeOperand selects an event field.
type SimpleAttributeOperand struct {
	TypeDefinitionID NodeID
	BrowsePath       []QualifiedName
	AttributeID      AttributeID
	IndexRange       string
}

// EventFilter selects the fields reported for each event. Where clauses are
// not supported.
type EventFilter struct {
	SelectClauses []SimpleAttributeOperand
}

func (EventFilter) isMonitoringFilter() {}

// MonitoringParameters configure sampling and queueing of an item.
type MonitoringParameters struct {
	ClientHandle     uint32
	SamplingInterval time.Duration
	Filter           MonitoringFilter
	QueueSize        uint32
	DiscardOldest    bool
}

// MonitoredItemCreateRequest requests one monitored item.
type MonitoredItemCreateRequest struct {
	ItemToMonitor       ReadValueID
	MonitoringMode      MonitoringMode
	RequestedParameters MonitoringParameters
}

// MonitoredItemCreateResult is the outcome of creating one monitored item.
type MonitoredItemCreateResult struct {
	Status                  StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval time.Duration
	RevisedQueueSize        uint32
}

// SubscriptionAcknowledgement acknowledges one notification message.
type SubscriptionAcknowledgement struct {
	SubscriptionID uint32
	SequenceNumber uint32
}

// MonitoredItemNotification carries one data change.
type MonitoredItemNotification struct {
	ClientHandle uint32
	Value        DataValue
}

// EventFieldList carries the selected fields of one event.
type EventFieldList struct {
	ClientHandle uint32
	EventFields  []*Variant
}

// NotificationMessage is one numbered message of a subscription. A message
// without data changes, events or a status change is a keep-alive.
type NotificationMessage struct {
	SequenceNumber uint32
	PublishTime    time.Time
	DataChanges    []MonitoredItemNotification
	Events         []EventFieldList
	StatusChange   *StatusCode
}

// IsKeepAlive reports whether the message carries no notifications.
func (m *NotificationMessage) IsKeepAlive() bool {
	return len(m.DataChanges) == 0 && len(m.Events) == 0 && m.StatusChange == nil
}

// PublishResult is the response to a Publish request.
type PublishResult struct {
	SubscriptionID           uint32
	AvailableSequenceNumbers []uint32
	MoreNotifications        bool
	Message                  NotificationMessage
	Results                  []StatusCode
}
