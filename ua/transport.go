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

import (
	"context"
	"time"
)

// Transport opens channels to OPC UA servers and answers discovery queries.
// Implementations must be safe for concurrent use.
type Transport interface {
	FindServers(ctx context.Context, discoveryURL string) ([]ApplicationDescription, error)
	GetEndpoints(ctx context.Context, endpointURL string) ([]EndpointDescription, error)
	Connect(ctx context.Context, cfg ChannelConfig) (Channel, error)
}

// ChannelConfig describes the secure channel and session to open.
type ChannelConfig struct {
	Endpoint        EndpointDescription
	SessionName     string
	SessionTimeout  time.Duration
	RequestTimeout  time.Duration // zero leaves request deadlines to the context
	Username        string
	Password        string
	ApplicationURI  string
	ApplicationName string

	// Certificate and PrivateKey are DER encoded (PKCS#1 for the key).
	// Required when Endpoint.SecurityMode is not None.
	Certificate []byte
	PrivateKey  []byte
}

// Channel is an activated session on one server. Errors returned by a
// Channel are either a bad StatusCode (service level result) or a transport
// failure; per-operation results carry their own status codes.
type Channel interface {
	Read(ctx context.Context, maxAge time.Duration, nodes []ReadValueID) ([]DataValue, error)
	Write(ctx context.Context, values []WriteValue) ([]StatusCode, error)
	Call(ctx context.Context, methods []CallMethodRequest) ([]CallMethodResult, error)
	Browse(ctx context.Context, nodes []BrowseDescription, maxReferences uint32) ([]BrowseResult, error)
	BrowseNext(ctx context.Context, release bool, continuationPoints [][]byte) ([]BrowseResult, error)
	TranslateBrowsePaths(ctx context.Context, paths []BrowsePath) ([]BrowsePathResult, error)
	HistoryReadRaw(ctx context.Context, details ReadRawDetails, release bool, nodes []HistoryReadValueID) ([]HistoryReadResult, error)

	CreateSubscription(ctx context.Context, params SubscriptionParameters) (SubscriptionRevision, error)
	DeleteSubscriptions(ctx context.Context, ids []uint32) ([]StatusCode, error)
	SetPublishingMode(ctx context.Context, enabled bool, ids []uint32) ([]StatusCode, error)
	CreateMonitoredItems(ctx context.Context, subscriptionID uint32, ts TimestampsToReturn, items []MonitoredItemCreateRequest) ([]MonitoredItemCreateResult, error)
	DeleteMonitoredItems(ctx context.Context, subscriptionID uint32, ids []uint32) ([]StatusCode, error)
	SetMonitoringMode(ctx context.Context, subscriptionID uint32, mode MonitoringMode, ids []uint32) ([]StatusCode, error)
	Publish(ctx context.Context, acks []SubscriptionAcknowledgement) (*PublishResult, error)
	Republish(ctx context.Context, subscriptionID, sequenceNumber uint32) (*NotificationMessage, error)

	Close(ctx context.Context) error
}
