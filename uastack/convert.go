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

package uastack

import (
	"fmt"
	"time"

	gid "github.com/gopcua/opcua/id"
	gua "github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/uaf/ua"
)

// Node ids share the text notation of both stacks, so they convert through
// it.
func toNodeID(n ua.NodeID) *gua.NodeID {
	id, err := gua.ParseNodeID(n.String())
	if err != nil {
		return gua.NewTwoByteNodeID(0)
	}
	return id
}

func fromNodeID(n *gua.NodeID) ua.NodeID {
	if n == nil {
		return ua.NodeID{}
	}
	id, err := ua.ParseNodeID(n.String())
	if err != nil {
		return ua.NodeID{}
	}
	return id
}

func fromExpandedNodeID(n *gua.ExpandedNodeID) ua.ExpandedNodeID {
	if n == nil {
		return ua.ExpandedNodeID{}
	}
	return ua.ExpandedNodeID{
		NodeID:       fromNodeID(n.NodeID),
		NamespaceURI: n.NamespaceURI,
		ServerIndex:  n.ServerIndex,
	}
}

func toExpandedNodeID(n ua.ExpandedNodeID) *gua.ExpandedNodeID {
	return &gua.ExpandedNodeID{
		NodeID:       toNodeID(n.NodeID),
		NamespaceURI: n.NamespaceURI,
		ServerIndex:  n.ServerIndex,
	}
}

func toQualifiedName(q ua.QualifiedName) *gua.QualifiedName {
	return &gua.QualifiedName{NamespaceIndex: q.NamespaceIndex, Name: q.Name}
}

func fromQualifiedName(q *gua.QualifiedName) ua.QualifiedName {
	if q == nil {
		return ua.QualifiedName{}
	}
	return ua.QualifiedName{NamespaceIndex: q.NamespaceIndex, Name: q.Name}
}

func toLocalizedText(t ua.LocalizedText) *gua.LocalizedText {
	lt := gua.NewLocalizedText(t.Text)
	if t.Locale != "" {
		lt.Locale = t.Locale
		lt.EncodingMask |= gua.LocalizedTextLocale
	}
	return lt
}

func fromLocalizedText(t *gua.LocalizedText) ua.LocalizedText {
	if t == nil {
		return ua.LocalizedText{}
	}
	return ua.LocalizedText{Locale: t.Locale, Text: t.Text}
}

func toReadValueID(n ua.ReadValueID) *gua.ReadValueID {
	return &gua.ReadValueID{
		NodeID:       toNodeID(n.NodeID),
		AttributeID:  gua.AttributeID(n.AttributeID),
		IndexRange:   n.IndexRange,
		DataEncoding: toQualifiedName(n.DataEncoding),
	}
}

// toValue converts the ua model types a variant may hold. Everything else
// is a plain Go value gopcua encodes itself.
func toValue(v interface{}) interface{} {
	switch x := v.(type) {
	case ua.NodeID:
		return toNodeID(x)
	case ua.ExpandedNodeID:
		return toExpandedNodeID(x)
	case ua.QualifiedName:
		return toQualifiedName(x)
	case ua.LocalizedText:
		return toLocalizedText(x)
	case ua.StatusCode:
		return gua.StatusCode(x)
	case int:
		return int64(x)
	case []int:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		return out
	case []ua.NodeID:
		out := make([]*gua.NodeID, len(x))
		for i, n := range x {
			out[i] = toNodeID(n)
		}
		return out
	case []ua.QualifiedName:
		out := make([]*gua.QualifiedName, len(x))
		for i, q := range x {
			out[i] = toQualifiedName(q)
		}
		return out
	case []ua.LocalizedText:
		out := make([]*gua.LocalizedText, len(x))
		for i, t := range x {
			out[i] = toLocalizedText(t)
		}
		return out
	}
	return v
}

func fromValue(v interface{}) interface{} {
	switch x := v.(type) {
	case *gua.NodeID:
		return fromNodeID(x)
	case *gua.ExpandedNodeID:
		return fromExpandedNodeID(x)
	case *gua.QualifiedName:
		return fromQualifiedName(x)
	case *gua.LocalizedText:
		return fromLocalizedText(x)
	case gua.StatusCode:
		return ua.StatusCode(x)
	case []*gua.NodeID:
		out := make([]ua.NodeID, len(x))
		for i, n := range x {
			out[i] = fromNodeID(n)
		}
		return out
	case []*gua.QualifiedName:
		out := make([]ua.QualifiedName, len(x))
		for i, q := range x {
			out[i] = fromQualifiedName(q)
		}
		return out
	case []*gua.LocalizedText:
		out := make([]ua.LocalizedText, len(x))
		for i, t := range x {
			out[i] = fromLocalizedText(t)
		}
		return out
	case *gua.ExtensionObject:
		if x == nil {
			return nil
		}
		return x.Value
	}
	return v
}

func toVariant(v *ua.Variant) (*gua.Variant, error) {
	if v == nil || v.Value == nil {
		return &gua.Variant{}, nil
	}
	gv, err := gua.NewVariant(toValue(v.Value))
	if err != nil {
		return nil, fmt.Errorf("uastack: %s value %T: %w", v.Type, v.Value, err)
	}
	return gv, nil
}

func fromVariant(v *gua.Variant) *ua.Variant {
	if v == nil || v.Value() == nil {
		return nil
	}
	return &ua.Variant{Type: ua.TypeID(v.Type()), Value: fromValue(v.Value())}
}

func toVariants(vs []*ua.Variant) ([]*gua.Variant, error) {
	out := make([]*gua.Variant, len(vs))
	for i, v := range vs {
		gv, err := toVariant(v)
		if err != nil {
			return nil, err
		}
		out[i] = gv
	}
	return out, nil
}

func fromVariants(vs []*gua.Variant) []*ua.Variant {
	out := make([]*ua.Variant, len(vs))
	for i, v := range vs {
		out[i] = fromVariant(v)
	}
	return out
}

func toDataValue(dv ua.DataValue) (*gua.DataValue, error) {
	out := &gua.DataValue{}
	if dv.Value != nil {
		v, err := toVariant(dv.Value)
		if err != nil {
			return nil, err
		}
		out.Value = v
		out.EncodingMask |= gua.DataValueValue
	}
	if dv.Status != ua.StatusGood {
		out.Status = gua.StatusCode(dv.Status)
		out.EncodingMask |= gua.DataValueStatusCode
	}
	if !dv.SourceTimestamp.IsZero() {
		out.SourceTimestamp = dv.SourceTimestamp
		out.EncodingMask |= gua.DataValueSourceTimestamp
	}
	if !dv.ServerTimestamp.IsZero() {
		out.ServerTimestamp = dv.ServerTimestamp
		out.EncodingMask |= gua.DataValueServerTimestamp
	}
	return out, nil
}

func fromDataValue(dv *gua.DataValue) ua.DataValue {
	if dv == nil {
		return ua.DataValue{Status: ua.StatusBadUnexpectedError}
	}
	return ua.DataValue{
		Value:           fromVariant(dv.Value),
		Status:          ua.StatusCode(dv.Status),
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
	}
}

func fromStatusCodes(codes []gua.StatusCode) []ua.StatusCode {
	out := make([]ua.StatusCode, len(codes))
	for i, c := range codes {
		out[i] = ua.StatusCode(c)
	}
	return out
}

func fromBrowseResults(results []*gua.BrowseResult) []ua.BrowseResult {
	out := make([]ua.BrowseResult, len(results))
	for i, r := range results {
		if r == nil {
			out[i].Status = ua.StatusBadUnexpectedError
			continue
		}
		out[i].Status = ua.StatusCode(r.StatusCode)
		out[i].ContinuationPoint = r.ContinuationPoint
		for _, ref := range r.References {
			if ref == nil {
				continue
			}
			out[i].References = append(out[i].References, ua.ReferenceDescription{
				ReferenceTypeID: fromNodeID(ref.ReferenceTypeID),
				IsForward:       ref.IsForward,
				NodeID:          fromExpandedNodeID(ref.NodeID),
				BrowseName:      fromQualifiedName(ref.BrowseName),
				DisplayName:     fromLocalizedText(ref.DisplayName),
				NodeClass:       ua.NodeClass(ref.NodeClass),
				TypeDefinition:  fromExpandedNodeID(ref.TypeDefinition),
			})
		}
	}
	return out
}

func toMonitoredItemCreateRequest(it ua.MonitoredItemCreateRequest) *gua.MonitoredItemCreateRequest {
	p := it.RequestedParameters
	return &gua.MonitoredItemCreateRequest{
		ItemToMonitor:  toReadValueID(it.ItemToMonitor),
		MonitoringMode: gua.MonitoringMode(it.MonitoringMode),
		RequestedParameters: &gua.MonitoringParameters{
			ClientHandle:     p.ClientHandle,
			SamplingInterval: float64(p.SamplingInterval) / float64(time.Millisecond),
			Filter:           toFilter(p.Filter),
			QueueSize:        p.QueueSize,
			DiscardOldest:    p.DiscardOldest,
		},
	}
}

func toFilter(f ua.MonitoringFilter) *gua.ExtensionObject {
	switch x := f.(type) {
	case ua.DataChangeFilter:
		return &gua.ExtensionObject{
			EncodingMask: gua.ExtensionObjectBinary,
			TypeID:       &gua.ExpandedNodeID{NodeID: gua.NewNumericNodeID(0, gid.DataChangeFilter_Encoding_DefaultBinary)},
			Value: &gua.DataChangeFilter{
				Trigger:       gua.DataChangeTrigger(x.Trigger),
				DeadbandType:  uint32(x.DeadbandType),
				DeadbandValue: x.DeadbandValue,
			},
		}
	case ua.EventFilter:
		clauses := make([]*gua.SimpleAttributeOperand, len(x.SelectClauses))
		for i, c := range x.SelectClauses {
			path := make([]*gua.QualifiedName, len(c.BrowsePath))
			for j, q := range c.BrowsePath {
				path[j] = toQualifiedName(q)
			}
			clauses[i] = &gua.SimpleAttributeOperand{
				TypeDefinitionID: toNodeID(c.TypeDefinitionID),
				BrowsePath:       path,
				AttributeID:      gua.AttributeID(c.AttributeID),
				IndexRange:       c.IndexRange,
			}
		}
		return &gua.ExtensionObject{
			EncodingMask: gua.ExtensionObjectBinary,
			TypeID:       &gua.ExpandedNodeID{NodeID: gua.NewNumericNodeID(0, gid.EventFilter_Encoding_DefaultBinary)},
			Value: &gua.EventFilter{
				SelectClauses: clauses,
				WhereClause:   &gua.ContentFilter{},
			},
		}
	}
	return nil
}

func fromNotificationMessage(m *gua.NotificationMessage) ua.NotificationMessage {
	if m == nil {
		return ua.NotificationMessage{}
	}
	out := ua.NotificationMessage{
		SequenceNumber: m.SequenceNumber,
		PublishTime:    m.PublishTime,
	}
	for _, eo := range m.NotificationData {
		if eo == nil {
			continue
		}
		switch n := eo.Value.(type) {
		case *gua.DataChangeNotification:
			for _, item := range n.MonitoredItems {
				if item == nil {
					continue
				}
				out.DataChanges = append(out.DataChanges, ua.MonitoredItemNotification{
					ClientHandle: item.ClientHandle,
					Value:        fromDataValue(item.Value),
				})
			}
		case *gua.EventNotificationList:
			for _, ev := range n.Events {
				if ev == nil {
					continue
				}
				out.Events = append(out.Events, ua.EventFieldList{
					ClientHandle: ev.ClientHandle,
					EventFields:  fromVariants(ev.EventFields),
				})
			}
		case *gua.StatusChangeNotification:
			sc := ua.StatusCode(n.Status)
			out.StatusChange = &sc
		}
	}
	return out
}

func fromApplication(app *gua.ApplicationDescription) ua.ApplicationDescription {
	return ua.ApplicationDescription{
		ApplicationURI:      app.ApplicationURI,
		ProductURI:          app.ProductURI,
		ApplicationName:     fromLocalizedText(app.ApplicationName),
		ApplicationType:     ua.ApplicationType(app.ApplicationType),
		GatewayServerURI:    app.GatewayServerURI,
		DiscoveryProfileURI: app.DiscoveryProfileURI,
		DiscoveryURLs:       app.DiscoveryURLs,
	}
}

func toApplication(app ua.ApplicationDescription) *gua.ApplicationDescription {
	return &gua.ApplicationDescription{
		ApplicationURI:      app.ApplicationURI,
		ProductURI:          app.ProductURI,
		ApplicationName:     toLocalizedText(app.ApplicationName),
		ApplicationType:     gua.ApplicationType(app.ApplicationType),
		GatewayServerURI:    app.GatewayServerURI,
		DiscoveryProfileURI: app.DiscoveryProfileURI,
		DiscoveryURLs:       app.DiscoveryURLs,
	}
}

func fromEndpoint(ep *gua.EndpointDescription) ua.EndpointDescription {
	out := ua.EndpointDescription{
		EndpointURL:         ep.EndpointURL,
		ServerCertificate:   ep.ServerCertificate,
		SecurityMode:        ua.MessageSecurityMode(ep.SecurityMode),
		SecurityPolicyURI:   ua.SecurityPolicy(ep.SecurityPolicyURI),
		TransportProfileURI: ep.TransportProfileURI,
		SecurityLevel:       ep.SecurityLevel,
	}
	if ep.Server != nil {
		out.Server = fromApplication(ep.Server)
	}
	for _, t := range ep.UserIdentityTokens {
		if t == nil {
			continue
		}
		out.UserIdentityTokens = append(out.UserIdentityTokens, ua.UserTokenPolicy{
			PolicyID:          t.PolicyID,
			TokenType:         ua.UserTokenType(t.TokenType),
			IssuedTokenType:   t.IssuedTokenType,
			IssuerEndpointURL: t.IssuerEndpointURL,
			SecurityPolicyURI: t.SecurityPolicyURI,
		})
	}
	return out
}

func toEndpoint(ep ua.EndpointDescription) *gua.EndpointDescription {
	out := &gua.EndpointDescription{
		EndpointURL:         ep.EndpointURL,
		Server:              toApplication(ep.Server),
		ServerCertificate:   ep.ServerCertificate,
		SecurityMode:        gua.MessageSecurityMode(ep.SecurityMode),
		SecurityPolicyURI:   string(ep.SecurityPolicyURI),
		TransportProfileURI: ep.TransportProfileURI,
		SecurityLevel:       ep.SecurityLevel,
	}
	for _, t := range ep.UserIdentityTokens {
		out.UserIdentityTokens = append(out.UserIdentityTokens, &gua.UserTokenPolicy{
			PolicyID:          t.PolicyID,
			TokenType:         gua.UserTokenType(t.TokenType),
			IssuedTokenType:   t.IssuedTokenType,
			IssuerEndpointURL: t.IssuerEndpointURL,
			SecurityPolicyURI: t.SecurityPolicyURI,
		})
	}
	return out
}
