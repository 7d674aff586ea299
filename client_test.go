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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/edgeo-scada/uaf/ua"
)

func TestResolveAcrossServers(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	addr := NewRelativeAddress(NewNodeAddress(serverA, ua.ObjectsFolder), MustParseRelativePath("/2:Demo/2:Remote.2:Temp")...)
	got, err := env.c.Resolve(ctx, addr)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", addr, err)
	}
	want := ResolvedAddress{ServerURI: serverB, NodeID: remoteTemp}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
	if n := env.a.Calls(ua.ServiceTranslateBrowsePathsToNodeIDs); n != 1 {
		t.Errorf("server A translate calls = %d, want 1", n)
	}
	if n := env.b.Calls(ua.ServiceTranslateBrowsePathsToNodeIDs); n != 1 {
		t.Errorf("server B translate calls = %d, want 1", n)
	}
}

func TestResolveAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	objects := NewNodeAddress(serverA, ua.ObjectsFolder)
	demo := NewRelativeAddress(objects, MustParseRelativePath("/2:Demo")...)
	addrs := []Address{
		NewNodeAddress(serverA, demoValue),
		NewRelativeAddress(demo, MustParseRelativePath(".2:Counter")...),
		NewAddress(ua.ExpandedNodeID{ServerURI: serverA, NamespaceURI: demoNSURI, NodeID: ua.NewStringNodeID(0, "Demo.Value")}),
		NewRelativeAddress(objects, MustParseRelativePath("/2:Missing")...),
		NewRelativeAddress(objects, ua.RelativePathElement{TargetName: ua.QualifiedName{NamespaceIndex: 2, Name: "Demo"}}),
		NewRelativeAddress(objects, ua.RelativePathElement{ReferenceTypeID: ua.NewNumericNodeID(0, 9999), TargetName: ua.QualifiedName{NamespaceIndex: 2, Name: "Demo"}}),
		NewAddress(ua.ExpandedNodeID{ServerURI: serverA, NamespaceURI: "urn:unknown", NodeID: ua.NewStringNodeID(0, "x")}),
	}
	res := env.c.ResolveAll(ctx, addrs)
	if len(res) != len(addrs) {
		t.Fatalf("ResolveAll returned %d results for %d addresses", len(res), len(addrs))
	}

	ok := []ResolvedAddress{
		{ServerURI: serverA, NodeID: demoValue},
		{ServerURI: serverA, NodeID: demoCounter},
		{ServerURI: serverA, NodeID: demoValue},
	}
	for i, want := range ok {
		if res[i].Err != nil {
			t.Errorf("target %d: %v", i, res[i].Err)
			continue
		}
		if diff := cmp.Diff(want, res[i].ResolvedAddress); diff != "" {
			t.Errorf("target %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	if err := res[3].Err; !IsResolutionError(err) || !IsStatusCode(err, ua.StatusBadNoMatch) {
		t.Errorf("missing path: err = %v, want BadNoMatch resolution error", err)
	}
	if err := res[4].Err; !errors.Is(err, ErrWrongType) {
		t.Errorf("null reference type: err = %v, want ErrWrongType", err)
	}
	if err := res[5].Err; !errors.Is(err, ErrWrongType) {
		t.Errorf("unknown reference type: err = %v, want ErrWrongType", err)
	}
	if err := res[6].Err; !IsResolutionError(err) {
		t.Errorf("unknown namespace: err = %v, want resolution error", err)
	}

	// the paths starting on A go out in one call
	if n := env.a.Calls(ua.ServiceTranslateBrowsePathsToNodeIDs); n != 2 {
		t.Errorf("translate calls = %d, want 2 (one per path depth)", n)
	}
}

func TestReadAcrossServers(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	res, err := env.c.Read(ctx, &ReadRequest{Targets: []ReadTarget{
		{Address: NewNodeAddress(serverA, demoValue)},
		{Address: NewNodeAddress(serverB, remoteTemp)},
		{Address: NewNodeAddress(serverA, demoCounter)},
		{Address: NewNodeAddress(serverA, ua.NewStringNodeID(2, "Nope"))},
		{Address: NewNodeAddress(serverA, demoObject), AttributeID: ua.AttributeBrowseName},
	}})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	values := []interface{}{1.5, 21.5, int32(7)}
	for i, want := range values {
		tgt := res.Targets[i]
		if tgt.Err != nil {
			t.Errorf("target %d: %v", i, tgt.Err)
			continue
		}
		if got := tgt.Value.Value.Value; got != want {
			t.Errorf("target %d = %v, want %v", i, got, want)
		}
	}
	if res.Targets[0].ConnectionID == res.Targets[1].ConnectionID {
		t.Errorf("targets on different servers share connection %d", res.Targets[0].ConnectionID)
	}
	if res.Targets[0].ConnectionID != res.Targets[2].ConnectionID {
		t.Errorf("targets on one server use connections %d and %d", res.Targets[0].ConnectionID, res.Targets[2].ConnectionID)
	}
	if got := res.Targets[3].Status; got != ua.StatusBadNodeIDUnknown {
		t.Errorf("unknown node status = %v", got)
	}
	if qn, ok := res.Targets[4].Value.Value.Value.(ua.QualifiedName); !ok || qn.Name != "Demo" {
		t.Errorf("browse name = %v", res.Targets[4].Value.Value)
	}
	if res.OverallStatus != ua.StatusUncertain {
		t.Errorf("OverallStatus = %v, want Uncertain", res.OverallStatus)
	}
	if n := env.net.Calls(ua.ServiceRead); n != 2 {
		t.Errorf("read calls = %d, want one per server", n)
	}
}

func TestReadUnknownServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	res, err := env.c.Read(ctx, &ReadRequest{Targets: []ReadTarget{
		{Address: NewNodeAddress(serverA, demoValue)},
		{Address: NewNodeAddress("urn:uasim:missing", demoValue)},
	}})
	if err != nil {
		t.Fatalf("Read with one reachable server: %v", err)
	}
	if res.Targets[0].Err != nil {
		t.Errorf("reachable target: %v", res.Targets[0].Err)
	}
	if err := res.Targets[1].Err; !errors.Is(err, ErrDiscovery) {
		t.Errorf("unreachable target: err = %v, want ErrDiscovery", err)
	}

	_, err = env.c.Read(ctx, &ReadRequest{Targets: []ReadTarget{
		{Address: NewNodeAddress("urn:uasim:missing", demoValue)},
	}})
	if !errors.Is(err, ErrDiscovery) {
		t.Errorf("Read with no reachable server: err = %v, want ErrDiscovery", err)
	}
}

func TestReadInvalidRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	tests := []struct {
		name string
		req  *ReadRequest
	}{
		{"nil", nil},
		{"empty", &ReadRequest{}},
		{"no server", &ReadRequest{Targets: []ReadTarget{{Address: NewNodeAddress("", demoValue)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.c.Read(ctx, tt.req); !IsInvalidRequest(err) {
				t.Errorf("err = %v, want invalid request", err)
			}
		})
	}
	if n := env.net.TotalCalls(); n != 0 {
		t.Errorf("invalid requests made %d service calls", n)
	}
}

func TestWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	res, err := env.c.Write(ctx, &WriteRequest{Targets: []WriteTarget{
		{Address: NewNodeAddress(serverA, demoCounter), Value: ua.DataValue{Value: ua.NewVariant(int32(42))}},
		{Address: NewNodeAddress(serverA, demoValue), Value: ua.DataValue{Value: ua.NewVariant(2.5)}},
		{Address: NewNodeAddress(serverA, demoCounter), Value: ua.DataValue{Value: ua.NewVariant("text")}},
	}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := []ua.StatusCode{ua.StatusGood, ua.StatusBadNotWritable, ua.StatusBadTypeMismatch}
	var got []ua.StatusCode
	for _, tgt := range res.Targets {
		got = append(got, tgt.Status)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	if dv, _ := env.a.Value(demoCounter); dv.Value.Value != int32(42) {
		t.Errorf("counter = %v, want 42", dv.Value)
	}
}

func TestCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	object := NewNodeAddress(serverA, demoObject)
	res, err := env.c.Call(ctx, &MethodCallRequest{Targets: []MethodCallTarget{
		{
			Object:         object,
			Method:         NewRelativeAddress(object, MustParseRelativePath(".2:Add")...),
			InputArguments: []*ua.Variant{ua.NewVariant(int32(2)), ua.NewVariant(int32(3))},
		},
		{Object: object, Method: NewNodeAddress(serverA, demoValue)},
		{Object: object, Method: NewNodeAddress(serverB, remoteObj)},
	}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	add := res.Targets[0]
	if add.Err != nil {
		t.Fatalf("Add: %v", add.Err)
	}
	if len(add.OutputArguments) != 1 || add.OutputArguments[0].Value != int32(5) {
		t.Errorf("Add(2, 3) = %v", add.OutputArguments)
	}
	if add.Method.NodeID != demoAdd {
		t.Errorf("method resolved to %s", add.Method.NodeID)
	}
	if got := res.Targets[1].Status; got != ua.StatusBadMethodInvalid {
		t.Errorf("calling a variable: status = %v", got)
	}
	if err := res.Targets[2].Err; !IsInvalidRequest(err) {
		t.Errorf("object and method on different servers: err = %v", err)
	}
}

func TestBrowseContinuation(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	many := ua.NewStringNodeID(2, "Many")
	env.a.AddObject(ua.ObjectsFolder, many, ua.QualifiedName{NamespaceIndex: 2, Name: "Many"})
	for _, name := range []string{"V1", "V2", "V3"} {
		env.a.AddVariable(many, ua.NewStringNodeID(2, "Many."+name), ua.QualifiedName{NamespaceIndex: 2, Name: name}, 0.0)
	}
	target := BrowseTarget{Address: NewNodeAddress(serverA, many)}

	res, err := env.c.Browse(ctx, &BrowseRequest{
		Targets: []BrowseTarget{target},
		Service: &ServiceSettings{MaxReferencesPerNode: 1},
	})
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if got := res.Targets[0]; len(got.References) != 3 || len(got.ContinuationPoint) != 0 {
		t.Fatalf("auto browse next: %d references, continuation point %q", len(got.References), got.ContinuationPoint)
	}

	manual := &ServiceSettings{MaxReferencesPerNode: 1, MaxAutoBrowseNext: -1}
	res, err = env.c.Browse(ctx, &BrowseRequest{Targets: []BrowseTarget{target}, Service: manual})
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	first := res.Targets[0]
	if len(first.References) != 1 || len(first.ContinuationPoint) == 0 {
		t.Fatalf("first page: %d references, continuation point %q", len(first.References), first.ContinuationPoint)
	}
	if name := first.References[0].BrowseName.Name; name != "V1" {
		t.Errorf("first reference = %s, want V1", name)
	}

	next, err := env.c.BrowseNext(ctx, &BrowseNextRequest{
		Targets: []BrowseNextTarget{{ConnectionID: first.ConnectionID, ContinuationPoint: first.ContinuationPoint}},
		Service: manual,
	})
	if err != nil {
		t.Fatalf("BrowseNext: %v", err)
	}
	second := next.Targets[0]
	if len(second.References) != 1 || second.References[0].BrowseName.Name != "V2" {
		t.Fatalf("second page = %+v", second.References)
	}
	if second.ServerURI != serverA {
		t.Errorf("BrowseNext server = %q", second.ServerURI)
	}

	released, err := env.c.BrowseNext(ctx, &BrowseNextRequest{
		Targets:                   []BrowseNextTarget{{ConnectionID: first.ConnectionID, ContinuationPoint: second.ContinuationPoint}},
		ReleaseContinuationPoints: true,
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := released.Targets[0]; got.Err != nil || len(got.References) != 0 {
		t.Errorf("release returned %+v", got)
	}

	stale, err := env.c.BrowseNext(ctx, &BrowseNextRequest{
		Targets: []BrowseNextTarget{{ConnectionID: first.ConnectionID, ContinuationPoint: second.ContinuationPoint}},
	})
	if err != nil {
		t.Fatalf("BrowseNext with released continuation point: %v", err)
	}
	if got := stale.Targets[0].Status; got != ua.StatusBadContinuationPointInvalid {
		t.Errorf("released continuation point status = %v", got)
	}

	_, err = env.c.BrowseNext(ctx, &BrowseNextRequest{
		Targets: []BrowseNextTarget{{ConnectionID: 999, ContinuationPoint: []byte("x")}},
	})
	if !IsUnknownHandle(err) {
		t.Errorf("BrowseNext on unknown connection: err = %v", err)
	}
}

func TestHistoryReadRaw(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var history []ua.DataValue
	for i := 0; i < 5; i++ {
		history = append(history, ua.DataValue{Value: ua.NewVariant(float64(i)), SourceTimestamp: start.Add(time.Duration(i) * time.Minute)})
	}
	env.a.SetHistory(demoValue, history)

	req := &HistoryReadRawRequest{
		Targets: []HistoryReadTarget{
			{Address: NewNodeAddress(serverA, demoValue)},
			{Address: NewNodeAddress(serverA, demoCounter)},
		},
		StartTime:        start,
		EndTime:          start.Add(time.Hour),
		NumValuesPerNode: 2,
	}
	res, err := env.c.HistoryReadRaw(ctx, req)
	if err != nil {
		t.Fatalf("HistoryReadRaw: %v", err)
	}
	if got := res.Targets[0]; len(got.Values) != 5 || len(got.ContinuationPoint) != 0 {
		t.Errorf("auto read more: %d values, continuation point %q", len(got.Values), got.ContinuationPoint)
	}
	if got := res.Targets[1].Status; got != ua.StatusBadHistoryOperationUnsupported {
		t.Errorf("no history: status = %v", got)
	}

	req.Targets = req.Targets[:1]
	req.Service = &ServiceSettings{MaxAutoReadMore: -1}
	res, err = env.c.HistoryReadRaw(ctx, req)
	if err != nil {
		t.Fatalf("HistoryReadRaw: %v", err)
	}
	got := res.Targets[0]
	if len(got.Values) != 2 || len(got.ContinuationPoint) == 0 {
		t.Fatalf("single page: %d values, continuation point %q", len(got.Values), got.ContinuationPoint)
	}
	if got.Values[1].Value.Value != 1.0 {
		t.Errorf("second value = %v", got.Values[1].Value)
	}
}

func TestAsyncRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	_, err := env.c.BeginRead(ctx, &ReadRequest{Targets: []ReadTarget{
		{Address: NewNodeAddress(serverA, demoValue)},
		{Address: NewNodeAddress(serverB, remoteTemp)},
	}}, DefaultSink[ReadComplete]())
	if !IsInvalidRequest(err) {
		t.Fatalf("cross server BeginRead: err = %v, want invalid request", err)
	}
	if n := env.net.TotalCalls(); n != 0 {
		t.Fatalf("rejected request made %d service calls", n)
	}

	var reads collector[ReadComplete]
	h, err := env.c.BeginRead(ctx, &ReadRequest{Targets: []ReadTarget{
		{Address: NewNodeAddress(serverA, demoValue)},
	}}, reads.sink())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	done := reads.waitFor(t, "read completion", func(ReadComplete) bool { return true })
	if done.RequestHandle != h.RequestHandle || done.ServerURI != serverA || done.Err != nil {
		t.Errorf("completion = %+v, want handle %d", done, h.RequestHandle)
	}
	if got := done.Result.Targets[0].Value.Value.Value; got != 1.5 {
		t.Errorf("async read value = %v", got)
	}

	var writes collector[WriteComplete]
	remove := env.c.OnWriteComplete(NotificationFilter{ServerURI: serverA}, writes.sink())
	defer remove()
	wh, err := env.c.BeginWrite(ctx, &WriteRequest{Targets: []WriteTarget{
		{Address: NewNodeAddress(serverA, demoCounter), Value: ua.DataValue{Value: ua.NewVariant(int32(9))}},
	}}, DefaultSink[WriteComplete]())
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	wdone := writes.waitFor(t, "write completion", func(WriteComplete) bool { return true })
	if wdone.RequestHandle != wh.RequestHandle || wdone.Result.Targets[0].Status != ua.StatusGood {
		t.Errorf("write completion = %+v", wdone)
	}
	if wh.RequestHandle == h.RequestHandle {
		t.Errorf("request handles reused")
	}

	var calls collector[CallComplete]
	object := NewNodeAddress(serverA, demoObject)
	if _, err := env.c.BeginCall(ctx, &MethodCallRequest{Targets: []MethodCallTarget{{
		Object:         object,
		Method:         NewNodeAddress(serverA, demoAdd),
		InputArguments: []*ua.Variant{ua.NewVariant(int32(1)), ua.NewVariant(int32(1))},
	}}}, calls.sink()); err != nil {
		t.Fatalf("BeginCall: %v", err)
	}
	cdone := calls.waitFor(t, "call completion", func(CallComplete) bool { return true })
	if out := cdone.Result.Targets[0].OutputArguments; len(out) != 1 || out[0].Value != int32(2) {
		t.Errorf("async Add(1, 1) = %v", out)
	}
}

func TestAsyncReadResolvedAcrossServers(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	objects := NewNodeAddress(serverA, ua.ObjectsFolder)
	var reads collector[ReadComplete]
	h, err := env.c.BeginRead(ctx, &ReadRequest{Targets: []ReadTarget{
		{Address: NewNodeAddress(serverA, demoValue)},
		{Address: NewRelativeAddress(objects, MustParseRelativePath("/2:Demo/2:Remote.2:Temp")...)},
	}}, reads.sink())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	done := reads.waitFor(t, "read completion", func(ReadComplete) bool { return true })
	if done.RequestHandle != h.RequestHandle {
		t.Errorf("completion handle = %d, want %d", done.RequestHandle, h.RequestHandle)
	}
	if !IsInvalidRequest(done.Err) {
		t.Errorf("completion err = %v, want invalid request", done.Err)
	}
	if done.Result != nil {
		t.Errorf("completion result = %+v, want nil", done.Result)
	}
	if n := env.net.Calls(ua.ServiceRead); n != 0 {
		t.Errorf("read calls = %d, want 0", n)
	}

	var calls collector[CallComplete]
	demo := NewRelativeAddress(objects, MustParseRelativePath("/2:Demo")...)
	if _, err := env.c.BeginCall(ctx, &MethodCallRequest{Targets: []MethodCallTarget{{
		Object:         demo,
		Method:         NewRelativeAddress(demo, MustParseRelativePath(".2:Add")...),
		InputArguments: []*ua.Variant{ua.NewVariant(int32(2)), ua.NewVariant(int32(3))},
	}}}, calls.sink()); err != nil {
		t.Fatalf("BeginCall: %v", err)
	}
	cdone := calls.waitFor(t, "call completion", func(CallComplete) bool { return true })
	if cdone.Err != nil || cdone.ServerURI != serverA {
		t.Fatalf("call completion = %+v", cdone)
	}
	if out := cdone.Result.Targets[0].OutputArguments; len(out) != 1 || out[0].Value != int32(5) {
		t.Errorf("async Add(2, 3) = %v", out)
	}
}

func TestBeginReadDuringClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	const n = 50
	var (
		reads    collector[ReadComplete]
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.c.BeginRead(ctx, &ReadRequest{Targets: []ReadTarget{
				{Address: NewNodeAddress(serverA, demoValue)},
			}}, reads.sink())
			switch {
			case err == nil:
				mu.Lock()
				accepted++
				mu.Unlock()
			case !errors.Is(err, ErrClosed):
				t.Errorf("BeginRead: err = %v, want nil or ErrClosed", err)
			}
		}()
	}
	close(start)
	if err := env.c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if _, err := env.c.BeginRead(ctx, &ReadRequest{Targets: []ReadTarget{
		{Address: NewNodeAddress(serverA, demoValue)},
	}}, reads.sink()); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginRead after Close: err = %v, want ErrClosed", err)
	}
	if got := reads.len(); got != accepted {
		t.Errorf("completions = %d, want one per accepted request (%d)", got, accepted)
	}
}

func TestCallTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	id, err := env.c.ManuallyConnect(ctx, serverA, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	eventually(t, "session connected", func() bool {
		info, err := env.c.SessionInformation(id)
		return err == nil && info.State == StateConnected
	})
	env.a.SetDelay(500 * time.Millisecond)
	_, err = env.c.Read(ctx, &ReadRequest{
		Targets: []ReadTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		Service: &ServiceSettings{CallTimeout: 30 * time.Millisecond},
	})
	if !IsTimeout(err) {
		t.Fatalf("Read against slow server: err = %v, want timeout", err)
	}
	if StatusOf(err) != ua.StatusBadTimeout {
		t.Errorf("StatusOf = %v", StatusOf(err))
	}

	env.a.SetDelay(0)
	res, err := env.c.Read(ctx, &ReadRequest{Targets: []ReadTarget{{Address: NewNodeAddress(serverA, demoValue)}}})
	if err != nil {
		t.Fatalf("Read after delay removed: %v", err)
	}
	if res.Targets[0].ConnectionID != id {
		t.Errorf("timeout replaced the session: connection %d, want %d", res.Targets[0].ConnectionID, id)
	}
	if env.c.Metrics().ForService(ua.ServiceRead).Errors.Value() == 0 {
		t.Errorf("read error not counted")
	}
}
