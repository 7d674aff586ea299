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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/uaf/ua"
)

// RequestDispatcher runs attribute, method, browse and history requests.
// Targets are resolved, grouped per server and sent as one service call per
// server; results come back in the order of the targets.
type RequestDispatcher struct {
	sessions *SessionManager
	resolver *AddressResolver
	notifier *notifier
	workers  *workerPool
	logger   *slog.Logger
	service  ServiceSettings

	nextHandle atomic.Uint32
	pending    *registry[RequestHandle, context.CancelFunc]

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

func newRequestDispatcher(sessions *SessionManager, resolver *AddressResolver, n *notifier, workers *workerPool, service ServiceSettings, logger *slog.Logger) *RequestDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &RequestDispatcher{
		sessions: sessions,
		resolver: resolver,
		notifier: n,
		workers:  workers,
		logger:   logger,
		service:  service,
		pending:  newRegistry[RequestHandle, context.CancelFunc](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// checkAddress rejects addresses that cannot be routed to a server.
func checkAddress(a Address) error {
	if a.staticServerURI() == "" {
		return errors.New("address " + a.String() + " names no server")
	}
	return nil
}

func checkTargets(svc ua.ServiceID, addrs []Address) error {
	if len(addrs) == 0 {
		return newError(ErrInvalidRequest, svc, ua.StatusBadNothingToDo, "no targets")
	}
	for i, a := range addrs {
		if err := checkAddress(a); err != nil {
			return newError(ErrInvalidRequest, svc, ua.StatusBadNodeIDInvalid, "target %d: %v", i, err)
		}
	}
	return nil
}

// group is the targets of one request that go to one session.
type group struct {
	server string
	idx    []int
	s      *session
	conn   ConnectionID
}

// groupByServer groups resolved targets by server in order of first
// appearance. Failed resolutions are left out.
func groupByServer(res []Resolution) []*group {
	var groups []*group
	byServer := make(map[string]*group)
	for i, r := range res {
		if r.Err != nil {
			continue
		}
		g, ok := byServer[r.ServerURI]
		if !ok {
			g = &group{server: r.ServerURI}
			byServer[r.ServerURI] = g
			groups = append(groups, g)
		}
		g.idx = append(g.idx, i)
	}
	return groups
}

// fanOut runs call once per group, concurrently, and reports how many
// groups succeeded. fail is called for every group whose call failed.
func (d *RequestDispatcher) fanOut(ctx context.Context, groups []*group, ss SessionSettings, svc ServiceSettings, id ua.ServiceID,
	call func(ctx context.Context, ch Channel, g *group) error, fail func(g *group, err error)) int {
	var (
		mu sync.Mutex
		ok int
	)
	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error {
			err := d.callGroup(ctx, g, ss, svc, id, call)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fail(g, err)
				return nil
			}
			ok++
			return nil
		})
	}
	_ = eg.Wait()
	return ok
}

func (d *RequestDispatcher) callGroup(ctx context.Context, g *group, ss SessionSettings, svc ServiceSettings, id ua.ServiceID,
	call func(ctx context.Context, ch Channel, g *group) error) error {
	if g.s == nil {
		s, err := d.sessions.acquire(g.server, ss)
		if err != nil {
			return err
		}
		g.s = s
	}
	g.conn = g.s.id
	cctx, cancel := withCallTimeout(ctx, svc.CallTimeout)
	defer cancel()
	return g.s.do(cctx, id, func(ctx context.Context, ch Channel) error {
		return call(ctx, ch, g)
	})
}

func countMismatch(id ua.ServiceID, got, want int) error {
	return newError(nil, id, ua.StatusBadUnexpectedError, "%d results for %d operations", got, want)
}

// firstErr returns the first target error, or nil.
func firstErr[T any](targets []T, errOf func(T) error) error {
	for _, t := range targets {
		if err := errOf(t); err != nil {
			return err
		}
	}
	return nil
}

// Read reads attributes. The error is non-nil when the request is invalid
// or when no server could be reached; per target failures are reported in
// the result.
func (d *RequestDispatcher) Read(ctx context.Context, req *ReadRequest) (*ReadResult, error) {
	if req == nil {
		return nil, newError(ErrInvalidRequest, ua.ServiceRead, ua.StatusBadNothingToDo, "nil request")
	}
	addrs := make([]Address, len(req.Targets))
	for i, t := range req.Targets {
		addrs[i] = t.Address
	}
	if err := checkTargets(ua.ServiceRead, addrs); err != nil {
		return nil, err
	}
	ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)
	return d.read(ctx, req, ss, svc, d.resolver.resolve(ctx, addrs, ss, svc))
}

func (d *RequestDispatcher) read(ctx context.Context, req *ReadRequest, ss SessionSettings, svc ServiceSettings, res []Resolution) (*ReadResult, error) {
	out := make([]ReadResultTarget, len(res))
	for i, r := range res {
		out[i] = ReadResultTarget{ResolvedAddress: r.ResolvedAddress, Err: r.Err, Status: StatusOf(r.Err)}
	}

	ok := d.fanOut(ctx, groupByServer(res), ss, svc, ua.ServiceRead, func(ctx context.Context, ch Channel, g *group) error {
		nodes := make([]ua.ReadValueID, len(g.idx))
		for k, i := range g.idx {
			attr := req.Targets[i].AttributeID
			if attr == 0 {
				attr = ua.AttributeValue
			}
			nodes[k] = ua.ReadValueID{NodeID: out[i].NodeID, AttributeID: attr, IndexRange: req.Targets[i].IndexRange}
		}
		dvs, err := ch.Read(ctx, svc.MaxAge, nodes)
		if err != nil {
			return err
		}
		if len(dvs) != len(nodes) {
			return countMismatch(ua.ServiceRead, len(dvs), len(nodes))
		}
		for k, i := range g.idx {
			out[i].ConnectionID = g.conn
			out[i].Value = dvs[k]
			out[i].Status = dvs[k].Status
			out[i].Err = errIfBad(dvs[k].Status)
		}
		return nil
	}, func(g *group, err error) {
		for _, i := range g.idx {
			out[i].ConnectionID = g.conn
			out[i].Status = StatusOf(err)
			out[i].Err = err
		}
	})

	result := &ReadResult{
		Targets:       out,
		OverallStatus: overallStatus(out, func(t ReadResultTarget) ua.StatusCode { return t.Status }),
	}
	if ok == 0 {
		return result, firstErr(out, func(t ReadResultTarget) error { return t.Err })
	}
	return result, nil
}

// Write writes attributes. See Read for the error semantics.
func (d *RequestDispatcher) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	if req == nil {
		return nil, newError(ErrInvalidRequest, ua.ServiceWrite, ua.StatusBadNothingToDo, "nil request")
	}
	addrs := make([]Address, len(req.Targets))
	for i, t := range req.Targets {
		addrs[i] = t.Address
	}
	if err := checkTargets(ua.ServiceWrite, addrs); err != nil {
		return nil, err
	}
	ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)
	return d.write(ctx, req, ss, svc, d.resolver.resolve(ctx, addrs, ss, svc))
}

func (d *RequestDispatcher) write(ctx context.Context, req *WriteRequest, ss SessionSettings, svc ServiceSettings, res []Resolution) (*WriteResult, error) {
	out := make([]WriteResultTarget, len(res))
	for i, r := range res {
		out[i] = WriteResultTarget{ResolvedAddress: r.ResolvedAddress, Err: r.Err, Status: StatusOf(r.Err)}
	}

	ok := d.fanOut(ctx, groupByServer(res), ss, svc, ua.ServiceWrite, func(ctx context.Context, ch Channel, g *group) error {
		values := make([]ua.WriteValue, len(g.idx))
		for k, i := range g.idx {
			t := req.Targets[i]
			attr := t.AttributeID
			if attr == 0 {
				attr = ua.AttributeValue
			}
			values[k] = ua.WriteValue{NodeID: out[i].NodeID, AttributeID: attr, IndexRange: t.IndexRange, Value: t.Value}
		}
		codes, err := ch.Write(ctx, values)
		if err != nil {
			return err
		}
		if len(codes) != len(values) {
			return countMismatch(ua.ServiceWrite, len(codes), len(values))
		}
		for k, i := range g.idx {
			out[i].ConnectionID = g.conn
			out[i].Status = codes[k]
			out[i].Err = errIfBad(codes[k])
		}
		return nil
	}, func(g *group, err error) {
		for _, i := range g.idx {
			out[i].ConnectionID = g.conn
			out[i].Status = StatusOf(err)
			out[i].Err = err
		}
	})

	result := &WriteResult{
		Targets:       out,
		OverallStatus: overallStatus(out, func(t WriteResultTarget) ua.StatusCode { return t.Status }),
	}
	if ok == 0 {
		return result, firstErr(out, func(t WriteResultTarget) error { return t.Err })
	}
	return result, nil
}

// Call calls methods. Object and method of a target are resolved together
// and must end up on the same server.
func (d *RequestDispatcher) Call(ctx context.Context, req *MethodCallRequest) (*MethodCallResult, error) {
	if req == nil {
		return nil, newError(ErrInvalidRequest, ua.ServiceCall, ua.StatusBadNothingToDo, "nil request")
	}
	n := len(req.Targets)
	addrs := callAddresses(req)
	if n == 0 {
		return nil, newError(ErrInvalidRequest, ua.ServiceCall, ua.StatusBadNothingToDo, "no targets")
	}
	if err := checkTargets(ua.ServiceCall, addrs); err != nil {
		return nil, err
	}
	ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)
	return d.call(ctx, req, ss, svc, d.resolver.resolve(ctx, addrs, ss, svc))
}

// callAddresses lists the objects of all targets followed by their methods.
func callAddresses(req *MethodCallRequest) []Address {
	n := len(req.Targets)
	addrs := make([]Address, 2*n)
	for i, t := range req.Targets {
		addrs[i] = t.Object
		addrs[n+i] = t.Method
	}
	return addrs
}

// call expects the objects of all targets followed by their methods in res.
func (d *RequestDispatcher) call(ctx context.Context, req *MethodCallRequest, ss SessionSettings, svc ServiceSettings, res []Resolution) (*MethodCallResult, error) {
	n := len(req.Targets)
	out := make([]MethodCallResultTarget, n)
	objects := make([]Resolution, n)
	for i := range out {
		obj, meth := res[i], res[n+i]
		out[i] = MethodCallResultTarget{Object: obj.ResolvedAddress, Method: meth.ResolvedAddress}
		err := obj.Err
		if err == nil {
			err = meth.Err
		}
		if err == nil && obj.ServerURI != meth.ServerURI {
			err = newError(ErrInvalidRequest, ua.ServiceCall, ua.StatusBadMethodInvalid,
				"object is on %s, method on %s", obj.ServerURI, meth.ServerURI)
		}
		out[i].Err, out[i].Status = err, StatusOf(err)
		objects[i] = Resolution{ResolvedAddress: obj.ResolvedAddress, Err: err}
	}

	ok := d.fanOut(ctx, groupByServer(objects), ss, svc, ua.ServiceCall, func(ctx context.Context, ch Channel, g *group) error {
		methods := make([]ua.CallMethodRequest, len(g.idx))
		for k, i := range g.idx {
			methods[k] = ua.CallMethodRequest{
				ObjectID:       out[i].Object.NodeID,
				MethodID:       out[i].Method.NodeID,
				InputArguments: req.Targets[i].InputArguments,
			}
		}
		results, err := ch.Call(ctx, methods)
		if err != nil {
			return err
		}
		if len(results) != len(methods) {
			return countMismatch(ua.ServiceCall, len(results), len(methods))
		}
		for k, i := range g.idx {
			r := results[k]
			out[i].ConnectionID = g.conn
			out[i].InputArgumentResults = r.InputArgumentResults
			out[i].OutputArguments = r.OutputArguments
			out[i].Status = r.Status
			out[i].Err = errIfBad(r.Status)
		}
		return nil
	}, func(g *group, err error) {
		for _, i := range g.idx {
			out[i].ConnectionID = g.conn
			out[i].Status = StatusOf(err)
			out[i].Err = err
		}
	})

	result := &MethodCallResult{
		Targets:       out,
		OverallStatus: overallStatus(out, func(t MethodCallResultTarget) ua.StatusCode { return t.Status }),
	}
	if ok == 0 {
		return result, firstErr(out, func(t MethodCallResultTarget) error { return t.Err })
	}
	return result, nil
}

// Browse browses nodes and follows continuation points up to
// Service.MaxAutoBrowseNext times.
func (d *RequestDispatcher) Browse(ctx context.Context, req *BrowseRequest) (*BrowseResult, error) {
	if req == nil {
		return nil, newError(ErrInvalidRequest, ua.ServiceBrowse, ua.StatusBadNothingToDo, "nil request")
	}
	addrs := make([]Address, len(req.Targets))
	for i, t := range req.Targets {
		addrs[i] = t.Address
	}
	if err := checkTargets(ua.ServiceBrowse, addrs); err != nil {
		return nil, err
	}
	ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)

	res := d.resolver.resolve(ctx, addrs, ss, svc)
	out := make([]BrowseResultTarget, len(res))
	for i, r := range res {
		out[i] = BrowseResultTarget{ResolvedAddress: r.ResolvedAddress, Err: r.Err, Status: StatusOf(r.Err)}
	}

	ok := d.fanOut(ctx, groupByServer(res), ss, svc, ua.ServiceBrowse, func(ctx context.Context, ch Channel, g *group) error {
		nodes := make([]ua.BrowseDescription, len(g.idx))
		for k, i := range g.idx {
			t := req.Targets[i]
			ref := t.ReferenceTypeID
			include := t.IncludeSubtypes
			if ref.IsNull() {
				ref, include = ua.HierarchicalReferences, true
			}
			nodes[k] = ua.BrowseDescription{
				NodeID:          out[i].NodeID,
				BrowseDirection: t.Direction,
				ReferenceTypeID: ref,
				IncludeSubtypes: include,
				NodeClassMask:   t.NodeClassMask,
				ResultMask:      ua.BrowseResultMaskAll,
			}
		}
		results, err := ch.Browse(ctx, nodes, svc.MaxReferencesPerNode)
		if err != nil {
			return err
		}
		if len(results) != len(nodes) {
			return countMismatch(ua.ServiceBrowse, len(results), len(nodes))
		}
		for k, i := range g.idx {
			out[i].ConnectionID = g.conn
			setBrowse(&out[i], results[k])
		}
		browseNext(ctx, ch, out, g.idx, budget(svc.MaxAutoBrowseNext))
		return nil
	}, func(g *group, err error) {
		for _, i := range g.idx {
			out[i].ConnectionID = g.conn
			out[i].Status = StatusOf(err)
			out[i].Err = err
		}
	})

	result := &BrowseResult{
		Targets:       out,
		OverallStatus: overallStatus(out, func(t BrowseResultTarget) ua.StatusCode { return t.Status }),
	}
	if ok == 0 {
		return result, firstErr(out, func(t BrowseResultTarget) error { return t.Err })
	}
	return result, nil
}

func setBrowse(t *BrowseResultTarget, r ua.BrowseResult) {
	t.References = append(t.References, r.References...)
	t.ContinuationPoint = r.ContinuationPoint
	t.Status = r.Status
	t.Err = errIfBad(r.Status)
}

// browseNext follows the continuation points of the given targets, all
// from one channel, for at most rounds calls. A failed call leaves the
// remaining continuation points in the results.
func browseNext(ctx context.Context, ch Channel, out []BrowseResultTarget, idx []int, rounds int) {
	for ; rounds > 0; rounds-- {
		var (
			open []int
			cps  [][]byte
		)
		for _, i := range idx {
			if len(out[i].ContinuationPoint) > 0 && out[i].Err == nil {
				open = append(open, i)
				cps = append(cps, out[i].ContinuationPoint)
			}
		}
		if len(open) == 0 {
			return
		}
		results, err := ch.BrowseNext(ctx, false, cps)
		if err != nil || len(results) != len(open) {
			return
		}
		for k, i := range open {
			setBrowse(&out[i], results[k])
		}
	}
}

// BrowseNext continues or releases browses on the connections that
// returned the continuation points.
func (d *RequestDispatcher) BrowseNext(ctx context.Context, req *BrowseNextRequest) (*BrowseResult, error) {
	if req == nil || len(req.Targets) == 0 {
		return nil, newError(ErrInvalidRequest, ua.ServiceBrowseNext, ua.StatusBadNothingToDo, "no targets")
	}
	svc := d.service.Merge(req.Service)

	out := make([]BrowseResultTarget, len(req.Targets))
	var groups []*group
	byConn := make(map[ConnectionID]*group)
	for i, t := range req.Targets {
		out[i].ConnectionID = t.ConnectionID
		if len(t.ContinuationPoint) == 0 {
			return nil, newError(ErrInvalidRequest, ua.ServiceBrowseNext, ua.StatusBadContinuationPointInvalid, "target %d: empty continuation point", i)
		}
		g, ok := byConn[t.ConnectionID]
		if !ok {
			s, err := d.sessions.session(t.ConnectionID)
			if err != nil {
				return nil, err
			}
			g = &group{server: s.serverURI, s: s}
			byConn[t.ConnectionID] = g
			groups = append(groups, g)
		}
		g.idx = append(g.idx, i)
		out[i].ServerURI = g.server
	}

	ok := d.fanOut(ctx, groups, SessionSettings{}, svc, ua.ServiceBrowseNext, func(ctx context.Context, ch Channel, g *group) error {
		cps := make([][]byte, len(g.idx))
		for k, i := range g.idx {
			cps[k] = req.Targets[i].ContinuationPoint
		}
		results, err := ch.BrowseNext(ctx, req.ReleaseContinuationPoints, cps)
		if err != nil {
			return err
		}
		if len(results) != len(cps) {
			return countMismatch(ua.ServiceBrowseNext, len(results), len(cps))
		}
		for k, i := range g.idx {
			setBrowse(&out[i], results[k])
		}
		if !req.ReleaseContinuationPoints {
			browseNext(ctx, ch, out, g.idx, budget(svc.MaxAutoBrowseNext))
		}
		return nil
	}, func(g *group, err error) {
		for _, i := range g.idx {
			out[i].Status = StatusOf(err)
			out[i].Err = err
		}
	})

	result := &BrowseResult{
		Targets:       out,
		OverallStatus: overallStatus(out, func(t BrowseResultTarget) ua.StatusCode { return t.Status }),
	}
	if ok == 0 {
		return result, firstErr(out, func(t BrowseResultTarget) error { return t.Err })
	}
	return result, nil
}

// HistoryReadRaw reads raw historical values and follows continuation
// points up to Service.MaxAutoReadMore times. A continuation point left
// over is returned in the target.
func (d *RequestDispatcher) HistoryReadRaw(ctx context.Context, req *HistoryReadRawRequest) (*HistoryReadResult, error) {
	if req == nil {
		return nil, newError(ErrInvalidRequest, ua.ServiceHistoryRead, ua.StatusBadNothingToDo, "nil request")
	}
	addrs := make([]Address, len(req.Targets))
	for i, t := range req.Targets {
		addrs[i] = t.Address
	}
	if err := checkTargets(ua.ServiceHistoryRead, addrs); err != nil {
		return nil, err
	}
	ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)
	details := ua.ReadRawDetails{
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		NumValuesPerNode: req.NumValuesPerNode,
		ReturnBounds:     req.ReturnBounds,
	}

	res := d.resolver.resolve(ctx, addrs, ss, svc)
	out := make([]HistoryReadResultTarget, len(res))
	for i, r := range res {
		out[i] = HistoryReadResultTarget{ResolvedAddress: r.ResolvedAddress, Err: r.Err, Status: StatusOf(r.Err)}
	}

	ok := d.fanOut(ctx, groupByServer(res), ss, svc, ua.ServiceHistoryRead, func(ctx context.Context, ch Channel, g *group) error {
		open := g.idx
		for round := 0; len(open) > 0 && round <= budget(svc.MaxAutoReadMore); round++ {
			nodes := make([]ua.HistoryReadValueID, len(open))
			for k, i := range open {
				nodes[k] = ua.HistoryReadValueID{
					NodeID:            out[i].NodeID,
					IndexRange:        req.Targets[i].IndexRange,
					ContinuationPoint: out[i].ContinuationPoint,
				}
			}
			results, err := ch.HistoryReadRaw(ctx, details, false, nodes)
			if err != nil {
				if round == 0 {
					return err
				}
				return nil
			}
			if len(results) != len(nodes) {
				return countMismatch(ua.ServiceHistoryRead, len(results), len(nodes))
			}
			var next []int
			for k, i := range open {
				r := results[k]
				out[i].ConnectionID = g.conn
				out[i].Values = append(out[i].Values, r.DataValues...)
				out[i].ContinuationPoint = r.ContinuationPoint
				out[i].Status = r.Status
				out[i].Err = errIfBad(r.Status)
				if len(r.ContinuationPoint) > 0 && !r.Status.IsBad() {
					next = append(next, i)
				}
			}
			open = next
		}
		return nil
	}, func(g *group, err error) {
		for _, i := range g.idx {
			out[i].ConnectionID = g.conn
			out[i].Status = StatusOf(err)
			out[i].Err = err
		}
	})

	result := &HistoryReadResult{
		Targets:       out,
		OverallStatus: overallStatus(out, func(t HistoryReadResultTarget) ua.StatusCode { return t.Status }),
	}
	if ok == 0 {
		return result, firstErr(out, func(t HistoryReadResultTarget) error { return t.Err })
	}
	return result, nil
}

// asyncServer returns the one server an asynchronous request goes to
// before resolution.
func asyncServer(svc ua.ServiceID, addrs []Address) (string, error) {
	if err := checkTargets(svc, addrs); err != nil {
		return "", err
	}
	server := addrs[0].staticServerURI()
	for _, a := range addrs[1:] {
		if a.staticServerURI() != server {
			return "", newError(ErrInvalidRequest, svc, ua.StatusBadInvalidArgument,
				"asynchronous request spans servers %s and %s", server, a.staticServerURI())
		}
	}
	return server, nil
}

// resolvedServer checks that the resolved targets of an asynchronous
// request are on a single server, which it returns. Relative paths may
// leave the server they start on. Failed resolutions do not count.
func resolvedServer(svc ua.ServiceID, server string, res []Resolution) (string, error) {
	resolved := ""
	for _, r := range res {
		if r.Err != nil {
			continue
		}
		if resolved == "" {
			resolved = r.ServerURI
			continue
		}
		if r.ServerURI != resolved {
			return server, newError(ErrInvalidRequest, svc, ua.StatusBadInvalidArgument,
				"asynchronous request resolves to servers %s and %s", resolved, r.ServerURI)
		}
	}
	if resolved == "" {
		return server, nil
	}
	return resolved, nil
}

// begin runs work in the background and hands its completion to deliver
// on the worker of the request handle.
func (d *RequestDispatcher) begin(ctx context.Context, run func(ctx context.Context, h RequestHandle) func()) (AsyncResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return AsyncResult{}, ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	h := RequestHandle(d.nextHandle.Add(1))
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.ctx, cancel)
	d.pending.register(h, cancel)

	go func() {
		defer d.wg.Done()
		defer stop()
		defer cancel()
		deliver := run(cctx, h)
		d.pending.remove(h)
		if !d.workers.submit(uint32(h), deliver) {
			deliver()
		}
	}()
	return AsyncResult{RequestHandle: h}, nil
}

// BeginRead starts an asynchronous read of targets on one server. The
// targets are resolved first; when they end up on more than one server
// the completion carries ErrInvalidRequest and nothing is read. The
// completion goes to sink, or to the client's read completion sinks when
// sink is the default sink.
func (d *RequestDispatcher) BeginRead(ctx context.Context, req *ReadRequest, sink NotificationSink[ReadComplete]) (AsyncResult, error) {
	if req == nil {
		return AsyncResult{}, newError(ErrInvalidRequest, ua.ServiceRead, ua.StatusBadNothingToDo, "nil request")
	}
	addrs := make([]Address, len(req.Targets))
	for i, t := range req.Targets {
		addrs[i] = t.Address
	}
	server, err := asyncServer(ua.ServiceRead, addrs)
	if err != nil {
		return AsyncResult{}, err
	}
	return d.begin(ctx, func(ctx context.Context, h RequestHandle) func() {
		ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)
		res := d.resolver.resolve(ctx, addrs, ss, svc)
		done := ReadComplete{RequestHandle: h}
		done.ServerURI, done.Err = resolvedServer(ua.ServiceRead, server, res)
		if done.Err == nil {
			done.Result, done.Err = d.read(ctx, req, ss, svc, res)
		}
		return func() { completeTo(sink, &d.notifier.readDone, done.ServerURI, done) }
	})
}

// BeginWrite starts an asynchronous write. See BeginRead.
func (d *RequestDispatcher) BeginWrite(ctx context.Context, req *WriteRequest, sink NotificationSink[WriteComplete]) (AsyncResult, error) {
	if req == nil {
		return AsyncResult{}, newError(ErrInvalidRequest, ua.ServiceWrite, ua.StatusBadNothingToDo, "nil request")
	}
	addrs := make([]Address, len(req.Targets))
	for i, t := range req.Targets {
		addrs[i] = t.Address
	}
	server, err := asyncServer(ua.ServiceWrite, addrs)
	if err != nil {
		return AsyncResult{}, err
	}
	return d.begin(ctx, func(ctx context.Context, h RequestHandle) func() {
		ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)
		res := d.resolver.resolve(ctx, addrs, ss, svc)
		done := WriteComplete{RequestHandle: h}
		done.ServerURI, done.Err = resolvedServer(ua.ServiceWrite, server, res)
		if done.Err == nil {
			done.Result, done.Err = d.write(ctx, req, ss, svc, res)
		}
		return func() { completeTo(sink, &d.notifier.writeDone, done.ServerURI, done) }
	})
}

// BeginCall starts an asynchronous method call. See BeginRead.
func (d *RequestDispatcher) BeginCall(ctx context.Context, req *MethodCallRequest, sink NotificationSink[CallComplete]) (AsyncResult, error) {
	if req == nil {
		return AsyncResult{}, newError(ErrInvalidRequest, ua.ServiceCall, ua.StatusBadNothingToDo, "nil request")
	}
	addrs := callAddresses(req)
	server, err := asyncServer(ua.ServiceCall, addrs)
	if err != nil {
		return AsyncResult{}, err
	}
	return d.begin(ctx, func(ctx context.Context, h RequestHandle) func() {
		ss, svc := d.sessions.settings(req.Session), d.service.Merge(req.Service)
		res := d.resolver.resolve(ctx, addrs, ss, svc)
		done := CallComplete{RequestHandle: h}
		done.ServerURI, done.Err = resolvedServer(ua.ServiceCall, server, res)
		if done.Err == nil {
			done.Result, done.Err = d.call(ctx, req, ss, svc, res)
		}
		return func() { completeTo(sink, &d.notifier.callDone, done.ServerURI, done) }
	})
}

func completeTo[T any](sink NotificationSink[T], fallback *sinkSet[T], server string, v T) {
	if sink.Kind() != SinkDefault {
		sink.dispatch(v)
		return
	}
	fallback.dispatch(server, 0, 0, v)
}

// close cancels the asynchronous requests in flight and waits for their
// completions to be handed out.
func (d *RequestDispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	for _, cancel := range d.pending.drain() {
		cancel()
	}
	d.wg.Wait()
}
