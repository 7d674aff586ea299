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
	"fmt"
	"strconv"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// channel is one activated session on a simulated server.
type channel struct {
	srv  *Server
	id   uint32
	name string
	done chan struct{}

	// guarded by srv.mu
	dead bool
	cps  map[string]*continuation
}

type continuation struct {
	refs   []ua.ReferenceDescription
	node   ua.NodeID
	offset int
	size   int
}

var errChannelClosed = fmt.Errorf("uasim: session closed: %w", ua.StatusBadConnectionClosed)

// begin counts a call and waits for the server. It fails when the session
// was dropped.
func (c *channel) begin(ctx context.Context, svc ua.ServiceID) error {
	c.srv.net.count(svc)
	if c.closed() {
		return errChannelClosed
	}
	if err := c.srv.wait(ctx, svc); err != nil {
		return err
	}
	if c.closed() {
		return errChannelClosed
	}
	return nil
}

func (c *channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *channel) Close(ctx context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.closeLocked(c)
	return nil
}

func (c *channel) Read(ctx context.Context, maxAge time.Duration, nodes []ua.ReadValueID) ([]ua.DataValue, error) {
	if err := c.begin(ctx, ua.ServiceRead); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.DataValue, len(nodes))
	for i, rv := range nodes {
		out[i] = s.readLocked(rv)
	}
	return out, nil
}

func (s *Server) readLocked(rv ua.ReadValueID) ua.DataValue {
	n, ok := s.nodes[rv.NodeID]
	if !ok {
		return ua.DataValue{Status: ua.StatusBadNodeIDUnknown}
	}
	now := time.Now()
	value := func(v interface{}) ua.DataValue {
		return ua.DataValue{Value: ua.NewVariant(v), ServerTimestamp: now}
	}
	switch rv.AttributeID {
	case ua.AttributeNodeID:
		return value(n.id)
	case ua.AttributeNodeClass:
		return value(int32(n.class))
	case ua.AttributeBrowseName:
		return value(n.name)
	case ua.AttributeDisplayName:
		return value(ua.LocalizedText{Text: n.name.Name})
	case ua.AttributeEventNotifier:
		if n.class != ua.NodeClassObject {
			return ua.DataValue{Status: ua.StatusBadAttributeIDInvalid}
		}
		return value(uint8(1))
	case ua.AttributeValue:
		switch {
		case n.class != ua.NodeClassVariable:
			return ua.DataValue{Status: ua.StatusBadAttributeIDInvalid}
		case n.id == ua.NamespaceArrayNode:
			return value(append([]string(nil), s.namespaces...))
		case n.id == ua.ServerArrayNode:
			return value(append([]string(nil), s.serverArray...))
		}
		return n.value
	}
	return ua.DataValue{Status: ua.StatusBadAttributeIDInvalid}
}

func (c *channel) Write(ctx context.Context, values []ua.WriteValue) ([]ua.StatusCode, error) {
	if err := c.begin(ctx, ua.ServiceWrite); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.StatusCode, len(values))
	for i, wv := range values {
		n, ok := s.nodes[wv.NodeID]
		switch {
		case !ok:
			out[i] = ua.StatusBadNodeIDUnknown
		case wv.AttributeID != ua.AttributeValue:
			out[i] = ua.StatusBadNotWritable
		case n.class != ua.NodeClassVariable || !n.writable:
			out[i] = ua.StatusBadNotWritable
		case wv.Value.Value == nil || (n.value.Value != nil && n.value.Value.Type != ua.TypeNull && wv.Value.Value.Type != n.value.Value.Type):
			out[i] = ua.StatusBadTypeMismatch
		default:
			dv := wv.Value
			if dv.SourceTimestamp.IsZero() {
				dv.SourceTimestamp = time.Now()
			}
			s.setValueLocked(n, dv)
		}
	}
	return out, nil
}

func (c *channel) Call(ctx context.Context, methods []ua.CallMethodRequest) ([]ua.CallMethodResult, error) {
	if err := c.begin(ctx, ua.ServiceCall); err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	fns := make([]MethodFunc, len(methods))
	out := make([]ua.CallMethodResult, len(methods))
	for i, m := range methods {
		obj, ok := s.nodes[m.ObjectID]
		if !ok || obj.class != ua.NodeClassObject {
			out[i].Status = ua.StatusBadNodeIDUnknown
			continue
		}
		meth, ok := s.nodes[m.MethodID]
		if !ok || meth.method == nil {
			out[i].Status = ua.StatusBadMethodInvalid
			continue
		}
		fns[i] = meth.method
	}
	s.mu.Unlock()

	for i, fn := range fns {
		if fn == nil {
			continue
		}
		out[i].OutputArguments, out[i].Status = fn(methods[i].InputArguments)
	}
	return out, nil
}

func (c *channel) Browse(ctx context.Context, nodes []ua.BrowseDescription, maxReferences uint32) ([]ua.BrowseResult, error) {
	if err := c.begin(ctx, ua.ServiceBrowse); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.BrowseResult, len(nodes))
	for i, d := range nodes {
		n, ok := s.nodes[d.NodeID]
		if !ok {
			out[i].Status = ua.StatusBadNodeIDUnknown
			continue
		}
		if !d.ReferenceTypeID.IsNull() && !knownReferenceType(d.ReferenceTypeID) {
			out[i].Status = ua.StatusBadReferenceTypeIDInvalid
			continue
		}
		var refs []ua.ReferenceDescription
		for _, r := range n.refs {
			if !matchDirection(r, d.BrowseDirection) || !matchType(r.typeID, d.ReferenceTypeID, d.IncludeSubtypes) {
				continue
			}
			rd := s.describeLocked(r)
			if d.NodeClassMask != 0 && rd.NodeClass != ua.NodeClassUnspecified && uint32(rd.NodeClass)&d.NodeClassMask == 0 {
				continue
			}
			refs = append(refs, rd)
		}
		out[i] = c.pageLocked(&continuation{refs: refs, node: n.id}, int(maxReferences))
	}
	return out, nil
}

// pageLocked returns up to limit references of cont, keeping the rest
// behind a continuation point.
func (c *channel) pageLocked(cont *continuation, limit int) ua.BrowseResult {
	refs := cont.refs[cont.offset:]
	if limit <= 0 || len(refs) <= limit {
		return ua.BrowseResult{References: refs}
	}
	cp := c.srv.continuationLocked()
	c.cps[cp] = &continuation{refs: cont.refs, node: cont.node, offset: cont.offset + limit, size: limit}
	return ua.BrowseResult{References: refs[:limit], ContinuationPoint: []byte(cp)}
}

func (s *Server) continuationLocked() string {
	s.nextCP++
	return "cp-" + strconv.FormatUint(s.nextCP, 10)
}

func (c *channel) BrowseNext(ctx context.Context, release bool, continuationPoints [][]byte) ([]ua.BrowseResult, error) {
	if err := c.begin(ctx, ua.ServiceBrowseNext); err != nil {
		return nil, err
	}
	if len(continuationPoints) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.BrowseResult, len(continuationPoints))
	for i, cp := range continuationPoints {
		cont, ok := c.cps[string(cp)]
		if !ok {
			out[i].Status = ua.StatusBadContinuationPointInvalid
			continue
		}
		delete(c.cps, string(cp))
		if release {
			continue
		}
		out[i] = c.pageLocked(cont, cont.size)
	}
	return out, nil
}

func matchDirection(r reference, dir ua.BrowseDirection) bool {
	switch dir {
	case ua.BrowseDirectionForward:
		return r.forward
	case ua.BrowseDirectionInverse:
		return !r.forward
	}
	return true
}

func matchType(refType, want ua.NodeID, subtypes bool) bool {
	if want.IsNull() {
		return true
	}
	if subtypes {
		return isSubtype(refType, want)
	}
	return refType == want
}

func (s *Server) describeLocked(r reference) ua.ReferenceDescription {
	rd := ua.ReferenceDescription{
		ReferenceTypeID: r.typeID,
		IsForward:       r.forward,
		NodeID:          r.target,
	}
	if !r.target.IsLocal() {
		rd.BrowseName = r.name
		rd.DisplayName = ua.LocalizedText{Text: r.name.Name}
		return rd
	}
	if t, ok := s.nodes[r.target.NodeID]; ok {
		rd.BrowseName = t.name
		rd.DisplayName = ua.LocalizedText{Text: t.name.Name}
		rd.NodeClass = t.class
		switch t.class {
		case ua.NodeClassObject:
			rd.TypeDefinition = ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, 58)}
		case ua.NodeClassVariable:
			rd.TypeDefinition = ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, 63)}
		}
	}
	return rd
}

func (c *channel) TranslateBrowsePaths(ctx context.Context, paths []ua.BrowsePath) ([]ua.BrowsePathResult, error) {
	if err := c.begin(ctx, ua.ServiceTranslateBrowsePathsToNodeIDs); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.BrowsePathResult, len(paths))
	for i, p := range paths {
		out[i] = s.translateLocked(p)
	}
	return out, nil
}

// translateLocked follows a relative path. A hop to another server ends
// the walk with a target whose RemainingPathIndex is the first element not
// followed.
func (s *Server) translateLocked(p ua.BrowsePath) ua.BrowsePathResult {
	if _, ok := s.nodes[p.StartingNode]; !ok {
		return ua.BrowsePathResult{Status: ua.StatusBadNodeIDUnknown}
	}
	if len(p.RelativePath) == 0 {
		return ua.BrowsePathResult{Status: ua.StatusBadNothingToDo}
	}
	current := []ua.NodeID{p.StartingNode}
	var remote []ua.BrowsePathTarget
	for i, e := range p.RelativePath {
		if e.ReferenceTypeID.IsNull() || !knownReferenceType(e.ReferenceTypeID) {
			return ua.BrowsePathResult{Status: ua.StatusBadReferenceTypeIDInvalid}
		}
		if e.TargetName.Name == "" {
			return ua.BrowsePathResult{Status: ua.StatusBadBrowseNameInvalid}
		}
		var next []ua.NodeID
		for _, id := range current {
			for _, r := range s.nodes[id].refs {
				if r.forward == e.IsInverse || !matchType(r.typeID, e.ReferenceTypeID, e.IncludeSubtypes) {
					continue
				}
				if !r.target.IsLocal() {
					if r.name != e.TargetName {
						continue
					}
					idx := uint32(i + 1)
					if i+1 == len(p.RelativePath) {
						idx = ua.NoRemainingPath
					}
					remote = append(remote, ua.BrowsePathTarget{TargetID: r.target, RemainingPathIndex: idx})
					continue
				}
				if t, ok := s.nodes[r.target.NodeID]; ok && t.name == e.TargetName {
					next = append(next, t.id)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		current = next
		if i == len(p.RelativePath)-1 {
			var targets []ua.BrowsePathTarget
			for _, id := range current {
				targets = append(targets, ua.BrowsePathTarget{
					TargetID:           ua.ExpandedNodeID{NodeID: id},
					RemainingPathIndex: ua.NoRemainingPath,
				})
			}
			return ua.BrowsePathResult{Targets: append(targets, remote...)}
		}
	}
	if len(remote) > 0 {
		return ua.BrowsePathResult{Targets: remote}
	}
	return ua.BrowsePathResult{Status: ua.StatusBadNoMatch}
}

func (c *channel) HistoryReadRaw(ctx context.Context, details ua.ReadRawDetails, release bool, nodes []ua.HistoryReadValueID) ([]ua.HistoryReadResult, error) {
	if err := c.begin(ctx, ua.ServiceHistoryRead); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ua.HistoryReadResult, len(nodes))
	for i, hv := range nodes {
		offset := 0
		if len(hv.ContinuationPoint) > 0 {
			cont, ok := c.cps[string(hv.ContinuationPoint)]
			if !ok || cont.node != hv.NodeID {
				out[i].Status = ua.StatusBadContinuationPointInvalid
				continue
			}
			delete(c.cps, string(hv.ContinuationPoint))
			offset = cont.offset
		}
		if release {
			continue
		}
		n, ok := s.nodes[hv.NodeID]
		switch {
		case !ok:
			out[i].Status = ua.StatusBadNodeIDUnknown
			continue
		case !n.hasHistory:
			out[i].Status = ua.StatusBadHistoryOperationUnsupported
			continue
		}

		var values []ua.DataValue
		for _, dv := range n.history {
			ts := dv.SourceTimestamp
			if !details.StartTime.IsZero() && ts.Before(details.StartTime) {
				continue
			}
			if !details.EndTime.IsZero() && ts.After(details.EndTime) {
				continue
			}
			values = append(values, dv)
		}
		if offset > len(values) {
			offset = len(values)
		}
		values = values[offset:]
		if per := int(details.NumValuesPerNode); per > 0 && len(values) > per {
			cp := s.continuationLocked()
			c.cps[cp] = &continuation{node: n.id, offset: offset + per}
			out[i].ContinuationPoint = []byte(cp)
			values = values[:per]
		}
		if len(values) == 0 {
			out[i].Status = ua.StatusGoodNoData
		}
		out[i].DataValues = values
	}
	return out, nil
}
