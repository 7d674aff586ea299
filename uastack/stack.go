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

// Package uastack implements the uaf wire interfaces on top of the gopcua
// client stack. Every Channel is one gopcua client with one activated
// session; reconnection is left to the engine, so gopcua's own automatic
// reconnect is disabled.
package uastack

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gopcua/opcua"
	gid "github.com/gopcua/opcua/id"
	gua "github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/uaf/ua"
)

// DefaultDialTimeout bounds the TCP dial of a new channel.
const DefaultDialTimeout = 10 * time.Second

// Option configures a Stack.
type Option func(*Stack)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stack) {
		s.logger = logger
	}
}

// WithDialTimeout sets the TCP dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Stack) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// Stack is a ua.Transport backed by gopcua.
type Stack struct {
	logger      *slog.Logger
	dialTimeout time.Duration
}

// New creates a Stack.
func New(opts ...Option) *Stack {
	s := &Stack{
		logger:      slog.Default(),
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindServers implements ua.Transport.
func (s *Stack) FindServers(ctx context.Context, discoveryURL string) ([]ua.ApplicationDescription, error) {
	apps, err := opcua.FindServers(ctx, discoveryURL)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]ua.ApplicationDescription, 0, len(apps))
	for _, app := range apps {
		if app != nil {
			out = append(out, fromApplication(app))
		}
	}
	return out, nil
}

// GetEndpoints implements ua.Transport.
func (s *Stack) GetEndpoints(ctx context.Context, endpointURL string) ([]ua.EndpointDescription, error) {
	eps, err := opcua.GetEndpoints(ctx, endpointURL)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]ua.EndpointDescription, 0, len(eps))
	for _, ep := range eps {
		if ep != nil {
			out = append(out, fromEndpoint(ep))
		}
	}
	return out, nil
}

// Connect implements ua.Transport.
func (s *Stack) Connect(ctx context.Context, cfg ua.ChannelConfig) (ua.Channel, error) {
	opts, err := s.options(cfg)
	if err != nil {
		return nil, err
	}
	c, err := opcua.NewClient(cfg.Endpoint.EndpointURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("uastack: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, mapError(err)
	}
	s.logger.Debug("channel opened",
		slog.String("endpoint", cfg.Endpoint.EndpointURL),
		slog.String("session", cfg.SessionName))
	return &channel{c: c, logger: s.logger}, nil
}

func (s *Stack) options(cfg ua.ChannelConfig) ([]opcua.Option, error) {
	authType := gua.UserTokenTypeAnonymous
	if cfg.Username != "" {
		authType = gua.UserTokenTypeUserName
	}
	ep := toEndpoint(cfg.Endpoint)
	opts := []opcua.Option{
		opcua.SecurityFromEndpoint(ep, authType),
		opcua.AutoReconnect(false),
		opcua.DialTimeout(s.dialTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	if cfg.SessionName != "" {
		opts = append(opts, opcua.SessionName(cfg.SessionName))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, opcua.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(cfg.RequestTimeout))
	}
	if cfg.ApplicationURI != "" {
		opts = append(opts, opcua.ApplicationURI(cfg.ApplicationURI))
	}
	if cfg.ApplicationName != "" {
		opts = append(opts, opcua.ApplicationName(cfg.ApplicationName))
	}
	if len(cfg.Certificate) > 0 && len(cfg.PrivateKey) > 0 {
		key, err := x509.ParsePKCS1PrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("uastack: parse private key: %w", err)
		}
		opts = append(opts, opcua.Certificate(cfg.Certificate), opcua.PrivateKey(key))
	}
	return opts, nil
}

// channel is a ua.Channel over one gopcua client.
type channel struct {
	c      *opcua.Client
	logger *slog.Logger
}

// send issues a raw service request and hands the typed response to fn.
func send[T gua.Response](ctx context.Context, c *opcua.Client, req gua.Request, fn func(T) error) error {
	err := c.Send(ctx, req, func(v gua.Response) error {
		resp, ok := v.(T)
		if !ok {
			return fmt.Errorf("uastack: unexpected response %T", v)
		}
		if h := resp.Header(); h != nil && h.ServiceResult != gua.StatusOK {
			return h.ServiceResult
		}
		return fn(resp)
	})
	return mapError(err)
}

func (ch *channel) Read(ctx context.Context, maxAge time.Duration, nodes []ua.ReadValueID) ([]ua.DataValue, error) {
	req := &gua.ReadRequest{
		MaxAge:             float64(maxAge.Milliseconds()),
		TimestampsToReturn: gua.TimestampsToReturnBoth,
		NodesToRead:        make([]*gua.ReadValueID, len(nodes)),
	}
	for i, n := range nodes {
		req.NodesToRead[i] = toReadValueID(n)
	}
	resp, err := ch.c.Read(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]ua.DataValue, len(resp.Results))
	for i, dv := range resp.Results {
		out[i] = fromDataValue(dv)
	}
	return out, nil
}

func (ch *channel) Write(ctx context.Context, values []ua.WriteValue) ([]ua.StatusCode, error) {
	req := &gua.WriteRequest{NodesToWrite: make([]*gua.WriteValue, len(values))}
	for i, v := range values {
		dv, err := toDataValue(v.Value)
		if err != nil {
			return nil, err
		}
		req.NodesToWrite[i] = &gua.WriteValue{
			NodeID:      toNodeID(v.NodeID),
			AttributeID: gua.AttributeID(v.AttributeID),
			IndexRange:  v.IndexRange,
			Value:       dv,
		}
	}
	resp, err := ch.c.Write(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}
	return fromStatusCodes(resp.Results), nil
}

func (ch *channel) Call(ctx context.Context, methods []ua.CallMethodRequest) ([]ua.CallMethodResult, error) {
	req := &gua.CallRequest{MethodsToCall: make([]*gua.CallMethodRequest, len(methods))}
	for i, m := range methods {
		args, err := toVariants(m.InputArguments)
		if err != nil {
			return nil, err
		}
		req.MethodsToCall[i] = &gua.CallMethodRequest{
			ObjectID:       toNodeID(m.ObjectID),
			MethodID:       toNodeID(m.MethodID),
			InputArguments: args,
		}
	}
	var out []ua.CallMethodResult
	err := send(ctx, ch.c, req, func(resp *gua.CallResponse) error {
		out = make([]ua.CallMethodResult, len(resp.Results))
		for i, r := range resp.Results {
			if r == nil {
				out[i] = ua.CallMethodResult{Status: ua.StatusBadUnexpectedError}
				continue
			}
			out[i] = ua.CallMethodResult{
				Status:               ua.StatusCode(r.StatusCode),
				InputArgumentResults: fromStatusCodes(r.InputArgumentResults),
				OutputArguments:      fromVariants(r.OutputArguments),
			}
		}
		return nil
	})
	return out, err
}

func (ch *channel) Browse(ctx context.Context, nodes []ua.BrowseDescription, maxReferences uint32) ([]ua.BrowseResult, error) {
	req := &gua.BrowseRequest{
		View:                          &gua.ViewDescription{ViewID: gua.NewTwoByteNodeID(0)},
		RequestedMaxReferencesPerNode: maxReferences,
		NodesToBrowse:                 make([]*gua.BrowseDescription, len(nodes)),
	}
	for i, n := range nodes {
		req.NodesToBrowse[i] = &gua.BrowseDescription{
			NodeID:          toNodeID(n.NodeID),
			BrowseDirection: gua.BrowseDirection(n.BrowseDirection),
			ReferenceTypeID: toNodeID(n.ReferenceTypeID),
			IncludeSubtypes: n.IncludeSubtypes,
			NodeClassMask:   n.NodeClassMask,
			ResultMask:      n.ResultMask,
		}
	}
	resp, err := ch.c.Browse(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}
	return fromBrowseResults(resp.Results), nil
}

func (ch *channel) BrowseNext(ctx context.Context, release bool, continuationPoints [][]byte) ([]ua.BrowseResult, error) {
	resp, err := ch.c.BrowseNext(ctx, &gua.BrowseNextRequest{
		ReleaseContinuationPoints: release,
		ContinuationPoints:        continuationPoints,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return fromBrowseResults(resp.Results), nil
}

func (ch *channel) TranslateBrowsePaths(ctx context.Context, paths []ua.BrowsePath) ([]ua.BrowsePathResult, error) {
	req := &gua.TranslateBrowsePathsToNodeIDsRequest{BrowsePaths: make([]*gua.BrowsePath, len(paths))}
	for i, p := range paths {
		elems := make([]*gua.RelativePathElement, len(p.RelativePath))
		for j, e := range p.RelativePath {
			elems[j] = &gua.RelativePathElement{
				ReferenceTypeID: toNodeID(e.ReferenceTypeID),
				IsInverse:       e.IsInverse,
				IncludeSubtypes: e.IncludeSubtypes,
				TargetName:      toQualifiedName(e.TargetName),
			}
		}
		req.BrowsePaths[i] = &gua.BrowsePath{
			StartingNode: toNodeID(p.StartingNode),
			RelativePath: &gua.RelativePath{Elements: elems},
		}
	}
	var out []ua.BrowsePathResult
	err := send(ctx, ch.c, req, func(resp *gua.TranslateBrowsePathsToNodeIDsResponse) error {
		out = make([]ua.BrowsePathResult, len(resp.Results))
		for i, r := range resp.Results {
			if r == nil {
				out[i].Status = ua.StatusBadUnexpectedError
				continue
			}
			out[i].Status = ua.StatusCode(r.StatusCode)
			for _, t := range r.Targets {
				if t == nil {
					continue
				}
				out[i].Targets = append(out[i].Targets, ua.BrowsePathTarget{
					TargetID:           fromExpandedNodeID(t.TargetID),
					RemainingPathIndex: t.RemainingPathIndex,
				})
			}
		}
		return nil
	})
	return out, err
}

func (ch *channel) HistoryReadRaw(ctx context.Context, details ua.ReadRawDetails, release bool, nodes []ua.HistoryReadValueID) ([]ua.HistoryReadResult, error) {
	req := &gua.HistoryReadRequest{
		HistoryReadDetails: &gua.ExtensionObject{
			EncodingMask: gua.ExtensionObjectBinary,
			TypeID:       gua.NewFourByteExpandedNodeID(0, gid.ReadRawModifiedDetails_Encoding_DefaultBinary),
			Value: &gua.ReadRawModifiedDetails{
				IsReadModified:   details.IsReadModified,
				StartTime:        details.StartTime,
				EndTime:          details.EndTime,
				NumValuesPerNode: details.NumValuesPerNode,
				ReturnBounds:     details.ReturnBounds,
			},
		},
		TimestampsToReturn:        gua.TimestampsToReturnBoth,
		ReleaseContinuationPoints: release,
		NodesToRead:               make([]*gua.HistoryReadValueID, len(nodes)),
	}
	for i, n := range nodes {
		req.NodesToRead[i] = &gua.HistoryReadValueID{
			NodeID:            toNodeID(n.NodeID),
			IndexRange:        n.IndexRange,
			DataEncoding:      &gua.QualifiedName{},
			ContinuationPoint: n.ContinuationPoint,
		}
	}
	var out []ua.HistoryReadResult
	err := send(ctx, ch.c, req, func(resp *gua.HistoryReadResponse) error {
		out = make([]ua.HistoryReadResult, len(resp.Results))
		for i, r := range resp.Results {
			if r == nil {
				out[i].Status = ua.StatusBadUnexpectedError
				continue
			}
			out[i].Status = ua.StatusCode(r.StatusCode)
			out[i].ContinuationPoint = r.ContinuationPoint
			if r.HistoryData == nil {
				continue
			}
			if data, ok := r.HistoryData.Value.(*gua.HistoryData); ok {
				for _, dv := range data.DataValues {
					out[i].DataValues = append(out[i].DataValues, fromDataValue(dv))
				}
			}
		}
		return nil
	})
	return out, err
}

func (ch *channel) CreateSubscription(ctx context.Context, p ua.SubscriptionParameters) (ua.SubscriptionRevision, error) {
	req := &gua.CreateSubscriptionRequest{
		RequestedPublishingInterval: float64(p.PublishingInterval) / float64(time.Millisecond),
		RequestedLifetimeCount:      p.LifetimeCount,
		RequestedMaxKeepAliveCount:  p.MaxKeepAliveCount,
		MaxNotificationsPerPublish:  p.MaxNotificationsPerPublish,
		PublishingEnabled:           p.PublishingEnabled,
		Priority:                    p.Priority,
	}
	var rev ua.SubscriptionRevision
	err := send(ctx, ch.c, req, func(resp *gua.CreateSubscriptionResponse) error {
		rev = ua.SubscriptionRevision{
			SubscriptionID:            resp.SubscriptionID,
			RevisedPublishingInterval: millis(resp.RevisedPublishingInterval),
			RevisedLifetimeCount:      resp.RevisedLifetimeCount,
			RevisedMaxKeepAliveCount:  resp.RevisedMaxKeepAliveCount,
		}
		return nil
	})
	return rev, err
}

func (ch *channel) DeleteSubscriptions(ctx context.Context, ids []uint32) ([]ua.StatusCode, error) {
	var out []ua.StatusCode
	err := send(ctx, ch.c, &gua.DeleteSubscriptionsRequest{SubscriptionIDs: ids},
		func(resp *gua.DeleteSubscriptionsResponse) error {
			out = fromStatusCodes(resp.Results)
			return nil
		})
	return out, err
}

func (ch *channel) SetPublishingMode(ctx context.Context, enabled bool, ids []uint32) ([]ua.StatusCode, error) {
	var out []ua.StatusCode
	err := send(ctx, ch.c, &gua.SetPublishingModeRequest{PublishingEnabled: enabled, SubscriptionIDs: ids},
		func(resp *gua.SetPublishingModeResponse) error {
			out = fromStatusCodes(resp.Results)
			return nil
		})
	return out, err
}

func (ch *channel) CreateMonitoredItems(ctx context.Context, subscriptionID uint32, ts ua.TimestampsToReturn, items []ua.MonitoredItemCreateRequest) ([]ua.MonitoredItemCreateResult, error) {
	req := &gua.CreateMonitoredItemsRequest{
		SubscriptionID:     subscriptionID,
		TimestampsToReturn: gua.TimestampsToReturn(ts),
		ItemsToCreate:      make([]*gua.MonitoredItemCreateRequest, len(items)),
	}
	for i, it := range items {
		req.ItemsToCreate[i] = toMonitoredItemCreateRequest(it)
	}
	var out []ua.MonitoredItemCreateResult
	err := send(ctx, ch.c, req, func(resp *gua.CreateMonitoredItemsResponse) error {
		out = make([]ua.MonitoredItemCreateResult, len(resp.Results))
		for i, r := range resp.Results {
			if r == nil {
				out[i].Status = ua.StatusBadUnexpectedError
				continue
			}
			out[i] = ua.MonitoredItemCreateResult{
				Status:                  ua.StatusCode(r.StatusCode),
				MonitoredItemID:         r.MonitoredItemID,
				RevisedSamplingInterval: millis(r.RevisedSamplingInterval),
				RevisedQueueSize:        r.RevisedQueueSize,
			}
		}
		return nil
	})
	return out, err
}

func (ch *channel) DeleteMonitoredItems(ctx context.Context, subscriptionID uint32, ids []uint32) ([]ua.StatusCode, error) {
	var out []ua.StatusCode
	err := send(ctx, ch.c, &gua.DeleteMonitoredItemsRequest{SubscriptionID: subscriptionID, MonitoredItemIDs: ids},
		func(resp *gua.DeleteMonitoredItemsResponse) error {
			out = fromStatusCodes(resp.Results)
			return nil
		})
	return out, err
}

func (ch *channel) SetMonitoringMode(ctx context.Context, subscriptionID uint32, mode ua.MonitoringMode, ids []uint32) ([]ua.StatusCode, error) {
	req := &gua.SetMonitoringModeRequest{
		SubscriptionID:   subscriptionID,
		MonitoringMode:   gua.MonitoringMode(mode),
		MonitoredItemIDs: ids,
	}
	var out []ua.StatusCode
	err := send(ctx, ch.c, req, func(resp *gua.SetMonitoringModeResponse) error {
		out = fromStatusCodes(resp.Results)
		return nil
	})
	return out, err
}

func (ch *channel) Publish(ctx context.Context, acks []ua.SubscriptionAcknowledgement) (*ua.PublishResult, error) {
	req := &gua.PublishRequest{SubscriptionAcknowledgements: make([]*gua.SubscriptionAcknowledgement, len(acks))}
	for i, a := range acks {
		req.SubscriptionAcknowledgements[i] = &gua.SubscriptionAcknowledgement{
			SubscriptionID: a.SubscriptionID,
			SequenceNumber: a.SequenceNumber,
		}
	}
	var out *ua.PublishResult
	err := send(ctx, ch.c, req, func(resp *gua.PublishResponse) error {
		out = &ua.PublishResult{
			SubscriptionID:           resp.SubscriptionID,
			AvailableSequenceNumbers: resp.AvailableSequenceNumbers,
			MoreNotifications:        resp.MoreNotifications,
			Message:                  fromNotificationMessage(resp.NotificationMessage),
			Results:                  fromStatusCodes(resp.Results),
		}
		return nil
	})
	return out, err
}

func (ch *channel) Republish(ctx context.Context, subscriptionID, sequenceNumber uint32) (*ua.NotificationMessage, error) {
	req := &gua.RepublishRequest{
		SubscriptionID:           subscriptionID,
		RetransmitSequenceNumber: sequenceNumber,
	}
	var out *ua.NotificationMessage
	err := send(ctx, ch.c, req, func(resp *gua.RepublishResponse) error {
		msg := fromNotificationMessage(resp.NotificationMessage)
		out = &msg
		return nil
	})
	return out, err
}

func (ch *channel) Close(ctx context.Context) error {
	if err := ch.c.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		ch.logger.Debug("close channel", slog.String("error", err.Error()))
		return mapError(err)
	}
	return nil
}

// mapError turns gopcua status codes into ua status codes. Other errors
// are transport failures and pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sc gua.StatusCode
	if errors.As(err, &sc) {
		return ua.StatusCode(sc)
	}
	return err
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
