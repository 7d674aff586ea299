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
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/uaf/ua"
)

// maxServerHops bounds how many times one relative path may switch server.
const maxServerHops = 8

// ResolvedAddress is a node on a known server.
type ResolvedAddress struct {
	ServerURI string
	NodeID    ua.NodeID
}

// Resolution is the outcome of resolving one Address.
type Resolution struct {
	ResolvedAddress
	Err error
}

// AddressResolver translates addresses to nodes. Relative paths are
// translated with TranslateBrowsePathsToNodeIds, batched per server.
// Nothing is cached between calls.
type AddressResolver struct {
	sessions *SessionManager
	service  ServiceSettings
	logger   *slog.Logger
}

func newAddressResolver(sessions *SessionManager, service ServiceSettings, logger *slog.Logger) *AddressResolver {
	return &AddressResolver{sessions: sessions, service: service, logger: logger}
}

// Resolve resolves one address using the default session settings.
func (r *AddressResolver) Resolve(ctx context.Context, a Address) (ResolvedAddress, error) {
	res := r.ResolveAll(ctx, []Address{a})
	return res[0].ResolvedAddress, res[0].Err
}

// ResolveAll resolves addresses using the default session settings.
// Results are in the order of addrs.
func (r *AddressResolver) ResolveAll(ctx context.Context, addrs []Address) []Resolution {
	return r.resolve(ctx, addrs, r.sessions.settings(nil), r.service)
}

func (r *AddressResolver) resolve(ctx context.Context, addrs []Address, settings SessionSettings, service ServiceSettings) []Resolution {
	c := &resolveCall{
		r:            r,
		settings:     settings,
		service:      service,
		namespaces:   make(map[string][]string),
		serverArrays: make(map[string][]string),
	}
	return c.resolveAll(ctx, addrs)
}

// resolveCall holds the arrays read during one resolution.
type resolveCall struct {
	r        *AddressResolver
	settings SessionSettings
	service  ServiceSettings

	mu           sync.Mutex
	namespaces   map[string][]string
	serverArrays map[string][]string
}

type pendingPath struct {
	idx   int
	desc  string
	start ResolvedAddress
	path  []ua.RelativePathElement
	hops  int
}

func (c *resolveCall) resolveAll(ctx context.Context, addrs []Address) []Resolution {
	out := make([]Resolution, len(addrs))

	var relative []int
	for i, a := range addrs {
		if !a.IsRelative() {
			out[i] = c.absolute(ctx, a.absolute)
			continue
		}
		relative = append(relative, i)
	}
	if len(relative) == 0 {
		return out
	}

	starts := make([]Address, len(relative))
	for j, i := range relative {
		starts[j] = *addrs[i].start
	}
	startRes := c.resolveAll(ctx, starts)

	groups := make(map[string][]pendingPath)
	for j, i := range relative {
		if err := startRes[j].Err; err != nil {
			out[i].Err = err
			continue
		}
		path := addrs[i].path
		if len(path) == 0 {
			out[i] = startRes[j]
			continue
		}
		if err := checkPath(path); err != nil {
			out[i].Err = err
			continue
		}
		server := startRes[j].ServerURI
		groups[server] = append(groups[server], pendingPath{
			idx:   i,
			desc:  addrs[i].String(),
			start: startRes[j].ResolvedAddress,
			path:  path,
		})
	}
	c.translateGroups(ctx, groups, out)
	return out
}

func (c *resolveCall) translateGroups(ctx context.Context, groups map[string][]pendingPath, out []Resolution) {
	var g errgroup.Group
	for server, ps := range groups {
		g.Go(func() error {
			c.translate(ctx, server, ps, out)
			return nil
		})
	}
	_ = g.Wait()
}

func checkPath(path []ua.RelativePathElement) error {
	for i, e := range path {
		if e.ReferenceTypeID.IsNull() {
			return newError(ErrWrongType, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadReferenceTypeIDInvalid,
				"path element %d has no reference type", i)
		}
	}
	return nil
}

// absolute resolves an absolute address, mapping a namespace URI to the
// server's namespace index.
func (c *resolveCall) absolute(ctx context.Context, id ua.ExpandedNodeID) Resolution {
	if id.ServerURI == "" {
		return Resolution{Err: newError(ErrResolution, 0, ua.StatusBadServerURIInvalid,
			"address %s does not name a server", id)}
	}
	node := id.NodeID
	if id.NamespaceURI != "" {
		ns, err := c.namespaceIndex(ctx, id.ServerURI, id.NamespaceURI)
		if err != nil {
			return Resolution{Err: err}
		}
		node.Namespace = ns
	}
	return Resolution{ResolvedAddress: ResolvedAddress{ServerURI: id.ServerURI, NodeID: node}}
}

// translate resolves the paths starting on one server with one call.
func (c *resolveCall) translate(ctx context.Context, server string, ps []pendingPath, out []Resolution) {
	fail := func(err error) {
		for _, p := range ps {
			out[p.idx].Err = err
		}
	}

	paths := make([]ua.BrowsePath, len(ps))
	for i, p := range ps {
		paths[i] = ua.BrowsePath{StartingNode: p.start.NodeID, RelativePath: p.path}
	}

	var results []ua.BrowsePathResult
	err := c.do(ctx, server, ua.ServiceTranslateBrowsePathsToNodeIDs, func(ctx context.Context, ch Channel) error {
		var err error
		results, err = ch.TranslateBrowsePaths(ctx, paths)
		return err
	})
	if err != nil {
		fail(err)
		return
	}
	if len(results) != len(ps) {
		fail(newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadUnexpectedError,
			"%d results for %d paths", len(results), len(ps)))
		return
	}

	for i, res := range results {
		out[ps[i].idx] = c.target(ctx, server, ps[i], res)
	}
}

// target turns one translation result into a resolution, following the
// remaining path on another server when the server could not complete it.
func (c *resolveCall) target(ctx context.Context, server string, p pendingPath, res ua.BrowsePathResult) Resolution {
	switch {
	case res.Status.Code() == ua.StatusBadReferenceTypeIDInvalid:
		return Resolution{Err: newError(ErrWrongType, ua.ServiceTranslateBrowsePathsToNodeIDs, res.Status,
			"%s", p.desc)}
	case res.Status.IsBad():
		return Resolution{Err: newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, res.Status,
			"%s", p.desc)}
	case len(res.Targets) == 0:
		return Resolution{Err: newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadNoMatch,
			"%s", p.desc)}
	}

	t := res.Targets[0]
	if t.TargetID.IsLocal() {
		if t.RemainingPathIndex != ua.NoRemainingPath {
			return Resolution{Err: newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadNoMatch,
				"%s: path stops at element %d", p.desc, t.RemainingPathIndex)}
		}
		id := t.TargetID
		id.ServerURI = server
		return c.absolute(ctx, id)
	}

	remote, err := c.serverURIOf(ctx, server, t.TargetID)
	if err != nil {
		return Resolution{Err: err}
	}
	id := t.TargetID
	id.ServerURI, id.ServerIndex = remote, 0
	start := c.absolute(ctx, id)
	if start.Err != nil || t.RemainingPathIndex == ua.NoRemainingPath {
		return start
	}

	if p.hops+1 > maxServerHops {
		return Resolution{Err: newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadNoMatch,
			"%s: too many server hops", p.desc)}
	}
	idx := int(t.RemainingPathIndex)
	if idx >= len(p.path) {
		return Resolution{Err: newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadUnexpectedError,
			"%s: remaining path index %d out of range", p.desc, idx)}
	}
	c.r.logger.Debug("relative path crosses server",
		slog.String("from", server),
		slog.String("to", remote),
		slog.Int("remaining", len(p.path)-idx))

	next := []pendingPath{{
		desc:  p.desc,
		start: start.ResolvedAddress,
		path:  slices.Clone(p.path[idx:]),
		hops:  p.hops + 1,
	}}
	out := make([]Resolution, 1)
	c.translate(ctx, remote, next, out)
	return out[0]
}

// serverURIOf returns the server of a non-local target, mapping a server
// index through the ServerArray of the server that returned it.
func (c *resolveCall) serverURIOf(ctx context.Context, server string, id ua.ExpandedNodeID) (string, error) {
	if id.ServerURI != "" {
		return id.ServerURI, nil
	}
	arr, err := c.stringArray(ctx, server, ua.ServerArrayNode, c.serverArrays)
	if err != nil {
		return "", err
	}
	if int(id.ServerIndex) >= len(arr) {
		return "", newError(ErrResolution, ua.ServiceRead, ua.StatusBadServerURIInvalid,
			"server index %d not in ServerArray of %s", id.ServerIndex, server)
	}
	return arr[id.ServerIndex], nil
}

func (c *resolveCall) namespaceIndex(ctx context.Context, server, uri string) (uint16, error) {
	arr, err := c.stringArray(ctx, server, ua.NamespaceArrayNode, c.namespaces)
	if err != nil {
		return 0, err
	}
	if i := slices.Index(arr, uri); i >= 0 {
		return uint16(i), nil
	}
	return 0, newError(ErrResolution, ua.ServiceRead, ua.StatusBadNodeIDUnknown,
		"namespace %s not known to %s", uri, server)
}

// stringArray reads a string array variable once per resolution call.
func (c *resolveCall) stringArray(ctx context.Context, server string, node ua.NodeID, cache map[string][]string) ([]string, error) {
	c.mu.Lock()
	arr, ok := cache[server]
	c.mu.Unlock()
	if ok {
		return arr, nil
	}

	var dvs []ua.DataValue
	err := c.do(ctx, server, ua.ServiceRead, func(ctx context.Context, ch Channel) error {
		var err error
		dvs, err = ch.Read(ctx, 0, []ua.ReadValueID{{NodeID: node, AttributeID: ua.AttributeValue}})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(dvs) != 1 || dvs[0].Status.IsBad() {
		status := ua.StatusBadUnexpectedError
		if len(dvs) == 1 {
			status = dvs[0].Status
		}
		return nil, newError(ErrResolution, ua.ServiceRead, status, "read %s on %s", node, server)
	}
	if dvs[0].Value == nil {
		return nil, newError(ErrResolution, ua.ServiceRead, ua.StatusBadTypeMismatch, "%s on %s is empty", node, server)
	}
	arr, ok = dvs[0].Value.Value.([]string)
	if !ok {
		return nil, newError(ErrResolution, ua.ServiceRead, ua.StatusBadTypeMismatch,
			"%s on %s is %T, not a string array", node, server, dvs[0].Value.Value)
	}

	c.mu.Lock()
	cache[server] = arr
	c.mu.Unlock()
	return arr, nil
}

func (c *resolveCall) do(ctx context.Context, server string, svc ua.ServiceID, fn func(context.Context, Channel) error) error {
	s, err := c.r.sessions.acquire(server, c.settings)
	if err != nil {
		return err
	}
	cctx, cancel := withCallTimeout(ctx, c.service.CallTimeout)
	defer cancel()
	return s.do(cctx, svc, fn)
}

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
