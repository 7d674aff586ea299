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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/edgeo-scada/uaf/internal/uasim"
	"github.com/edgeo-scada/uaf/ua"
)

func monitorValues(t *testing.T, env *testEnv, req *MonitoredDataRequest) *MonitoredItemsResult {
	t.Helper()
	res, err := env.c.CreateMonitoredData(testContext(t), req)
	if err != nil {
		t.Fatalf("CreateMonitoredData: %v", err)
	}
	for i, tgt := range res.Targets {
		if tgt.State != Created {
			t.Fatalf("target %d: state %v status %v", i, tgt.State, tgt.Status)
		}
	}
	return res
}

func valueIs(h ClientHandle, want interface{}) func(DataChangeNotification) bool {
	return func(n DataChangeNotification) bool {
		return n.ClientHandle == h && n.Value.Value != nil && n.Value.Value.Value == want
	}
}

func itemState(c *Client, h ClientHandle) CreationState {
	info, err := c.MonitoredItemInformation(h)
	if err != nil {
		return -1
	}
	return info.State
}

func TestDataChange(t *testing.T) {
	env := newTestEnv(t)

	var items, global collector[DataChangeNotification]
	env.c.OnDataChange(NotificationFilter{ServerURI: serverA}, global.sink())

	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{{Address: NewRelativeAddress(NewNodeAddress(serverA, demoObject), MustParseRelativePath(".2:Value")...)}},
		Sink:    items.sink(),
	})
	h := res.Targets[0].ClientHandle
	if res.Targets[0].NodeID != demoValue {
		t.Errorf("resolved node = %v", res.Targets[0].NodeID)
	}

	env.a.Tick()
	first := items.waitFor(t, "initial value", valueIs(h, 1.5))
	if first.ServerURI != serverA || first.SubscriptionHandle != res.Targets[0].SubscriptionHandle {
		t.Errorf("notification = %+v", first)
	}

	env.a.SetValue(demoValue, 2.5)
	env.a.Tick()
	items.waitFor(t, "changed value", valueIs(h, 2.5))

	global.waitFor(t, "value on the client sink", valueIs(h, 2.5))
	if got := env.c.Metrics().DataNotifications.Value(); got != 2 {
		t.Errorf("DataNotifications = %d, want 2", got)
	}

	info, err := env.c.MonitoredItemInformation(h)
	if err != nil {
		t.Fatalf("MonitoredItemInformation: %v", err)
	}
	if info.ResolvedAddress.ServerURI != serverA || info.MonitoringMode != ua.MonitoringModeReporting || info.MonitoredItemID == 0 {
		t.Errorf("item = %+v", info)
	}
}

func TestDataChangeDefaultSink(t *testing.T) {
	env := newTestEnv(t)

	var a, b collector[DataChangeNotification]
	env.c.OnDataChange(NotificationFilter{ServerURI: serverA}, a.sink())
	env.c.OnDataChange(NotificationFilter{ServerURI: serverB}, b.sink())

	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{
			{Address: NewNodeAddress(serverA, demoValue)},
			{Address: NewNodeAddress(serverB, remoteTemp)},
		},
	})
	if res.Targets[0].ConnectionID == res.Targets[1].ConnectionID {
		t.Errorf("items on two servers share connection %d", res.Targets[0].ConnectionID)
	}

	env.a.Tick()
	env.b.Tick()
	a.waitFor(t, "value of A", valueIs(res.Targets[0].ClientHandle, 1.5))
	b.waitFor(t, "value of B", valueIs(res.Targets[1].ClientHandle, 21.5))
	for _, n := range a.all() {
		if n.ServerURI != serverA {
			t.Errorf("sink of A received %+v", n)
		}
	}
}

func TestKeepAlive(t *testing.T) {
	env := newTestEnv(t)

	var keepAlives collector[KeepAliveNotification]
	env.c.OnKeepAlive(NotificationFilter{}, keepAlives.sink())

	var values collector[DataChangeNotification]
	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets:      []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		Subscription: &SubscriptionSettings{MaxKeepAliveCount: 5},
		Sink:         values.sink(),
	})
	h := res.Targets[0].ClientHandle

	env.a.Tick()
	values.waitFor(t, "initial value", valueIs(h, 1.5))
	for range 7 {
		env.a.Tick()
	}
	ka := keepAlives.waitFor(t, "keep-alive", func(KeepAliveNotification) bool { return true })
	if ka.SubscriptionHandle != res.Targets[0].SubscriptionHandle || ka.SequenceNumber != 2 {
		t.Errorf("keep-alive = %+v", ka)
	}

	// Notifications of one subscription arrive in order, so every
	// keep-alive sent before the change has been delivered by now.
	env.a.SetValue(demoValue, 2.5)
	env.a.Tick()
	values.waitFor(t, "changed value", valueIs(h, 2.5))
	if n := keepAlives.len(); n != 1 {
		t.Errorf("%d keep-alives over 7 idle cycles, want 1", n)
	}
	if n := env.c.Metrics().KeepAlives.Value(); n != 1 {
		t.Errorf("KeepAlives = %d, want 1", n)
	}
	if n := env.c.Metrics().MissingNotifications.Value(); n != 0 {
		t.Errorf("keep-alive reported %d missing notifications", n)
	}
}

func TestNotificationsMissing(t *testing.T) {
	env := newTestEnv(t, WithMaxRepublish(3))
	env.a.SetDiscardOverflow(true)

	var missing collector[NotificationsMissing]
	env.c.OnNotificationsMissing(NotificationFilter{}, missing.sink())
	var values collector[DataChangeNotification]

	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{
			{Address: NewNodeAddress(serverA, demoValue)},
			{Address: NewNodeAddress(serverA, demoCounter)},
			{Address: NewNodeAddress(serverA, demoValue)},
		},
		Subscription: &SubscriptionSettings{MaxNotificationsPerPublish: 1},
		Sink:         values.sink(),
	})

	// Three messages are sent, the last two are lost.
	env.a.Tick()
	values.waitFor(t, "first message", func(n DataChangeNotification) bool { return n.SequenceNumber == 1 })

	env.a.SetValue(demoCounter, int32(8))
	env.a.Tick()
	values.waitFor(t, "value after the gap", valueIs(res.Targets[1].ClientHandle, int32(8)))

	got := missing.waitFor(t, "missing notifications", func(NotificationsMissing) bool { return true })
	if got.PreviousSequenceNumber != 1 || got.NewSequenceNumber != 4 {
		t.Errorf("missing = %d..%d, want 1..4", got.PreviousSequenceNumber, got.NewSequenceNumber)
	}
	if got.SubscriptionHandle != res.Targets[0].SubscriptionHandle || got.ServerURI != serverA {
		t.Errorf("missing = %+v", got)
	}
	if n := env.c.Metrics().RepublishRequests.Value(); n != 2 {
		t.Errorf("RepublishRequests = %d, want 2", n)
	}
	if n := env.net.Calls(ua.ServiceRepublish); n != 2 {
		t.Errorf("%d Republish calls, want 2", n)
	}
}

func TestPublishingMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	id, err := env.c.ManuallyConnectToEndpoint(ctx, env.a.EndpointURL(), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	first, err := env.c.ManuallySubscribe(ctx, id, nil)
	if err != nil {
		t.Fatalf("ManuallySubscribe: %v", err)
	}
	second, err := env.c.ManuallySubscribe(ctx, id, nil)
	if err != nil {
		t.Fatalf("ManuallySubscribe: %v", err)
	}
	if first == second {
		t.Fatalf("manual subscriptions share handle %d", first)
	}

	var one, two collector[DataChangeNotification]
	r1 := monitorValues(t, env, &MonitoredDataRequest{
		Targets:            []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		SubscriptionHandle: first,
		Sink:               one.sink(),
	})
	r2 := monitorValues(t, env, &MonitoredDataRequest{
		Targets:            []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		SubscriptionHandle: second,
		Sink:               two.sink(),
	})
	if r1.Targets[0].SubscriptionHandle != first || r2.Targets[0].SubscriptionHandle != second {
		t.Fatalf("items not placed in the requested subscriptions")
	}
	h1, h2 := r1.Targets[0].ClientHandle, r2.Targets[0].ClientHandle

	env.a.Tick()
	one.waitFor(t, "initial value on first", valueIs(h1, 1.5))
	two.waitFor(t, "initial value on second", valueIs(h2, 1.5))

	if err := env.c.SetPublishingMode(ctx, first, false); err != nil {
		t.Fatalf("SetPublishingMode: %v", err)
	}
	if info, _ := env.c.SubscriptionInformation(first); info.PublishingEnabled {
		t.Errorf("first subscription still publishing")
	}
	env.a.SetValue(demoValue, 3.5)
	env.a.Tick()
	two.waitFor(t, "value on second", valueIs(h2, 3.5))
	for _, n := range one.all() {
		if n.Value.Value.Value == 3.5 {
			t.Errorf("disabled subscription published %+v", n)
		}
	}

	if err := env.c.SetPublishingMode(ctx, first, true); err != nil {
		t.Fatalf("SetPublishingMode: %v", err)
	}
	env.a.SetValue(demoValue, 4.5)
	env.a.Tick()
	one.waitFor(t, "value on first", valueIs(h1, 4.5))

	if err := env.c.SetPublishingMode(ctx, 999, true); !IsUnknownHandle(err) {
		t.Errorf("unknown subscription: err = %v", err)
	}
	if _, err := env.c.ManuallySubscribe(ctx, 999, nil); !IsUnknownHandle(err) {
		t.Errorf("unknown connection: err = %v", err)
	}
}

func TestManuallyUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	id, err := env.c.ManuallyConnectToEndpoint(ctx, env.a.EndpointURL(), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, err := env.c.ManuallySubscribe(ctx, id, &SubscriptionSettings{PublishingInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("ManuallySubscribe: %v", err)
	}
	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets:            []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		SubscriptionHandle: h,
	})
	info, err := env.c.SubscriptionInformation(h)
	if err != nil {
		t.Fatalf("SubscriptionInformation: %v", err)
	}
	if info.State != Created || info.ConnectionID != id || len(info.MonitoredItems) != 1 || info.RevisedPublishingInterval != 100*time.Millisecond {
		t.Errorf("subscription = %+v", info)
	}

	if err := env.c.ManuallyUnsubscribe(ctx, h); err != nil {
		t.Fatalf("ManuallyUnsubscribe: %v", err)
	}
	if n := env.a.Subscriptions(); n != 0 {
		t.Errorf("server has %d subscriptions", n)
	}
	if _, err := env.c.SubscriptionInformation(h); !IsUnknownHandle(err) {
		t.Errorf("SubscriptionInformation: err = %v", err)
	}
	if _, err := env.c.MonitoredItemInformation(res.Targets[0].ClientHandle); !IsUnknownHandle(err) {
		t.Errorf("item outlived its subscription: err = %v", err)
	}
	if err := env.c.ManuallyUnsubscribe(ctx, h); !IsUnknownHandle(err) {
		t.Errorf("second unsubscribe: err = %v", err)
	}
	_, err = env.c.CreateMonitoredData(ctx, &MonitoredDataRequest{
		Targets:            []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		SubscriptionHandle: h,
	})
	if !IsUnknownHandle(err) {
		t.Errorf("item in removed subscription: err = %v", err)
	}
}

func TestDeleteMonitoredItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{
			{Address: NewNodeAddress(serverA, demoValue)},
			{Address: NewNodeAddress(serverA, demoCounter)},
		},
	})
	h1, h2 := res.Targets[0].ClientHandle, res.Targets[1].ClientHandle
	if n := env.a.MonitoredItems(); n != 2 {
		t.Fatalf("server has %d items, want 2", n)
	}

	if _, err := env.c.DeleteMonitoredItems(ctx, []ClientHandle{h1, 999}); !IsUnknownHandle(err) {
		t.Errorf("unknown handle: err = %v", err)
	}
	if n := env.a.MonitoredItems(); n != 2 {
		t.Errorf("failed delete removed items: %d left", n)
	}

	statuses, err := env.c.DeleteMonitoredItems(ctx, []ClientHandle{h1})
	if err != nil {
		t.Fatalf("DeleteMonitoredItems: %v", err)
	}
	if len(statuses) != 1 || statuses[0] != ua.StatusGood {
		t.Errorf("statuses = %v", statuses)
	}
	if n := env.a.MonitoredItems(); n != 1 {
		t.Errorf("server has %d items, want 1", n)
	}
	if _, err := env.c.MonitoredItemInformation(h1); !IsUnknownHandle(err) {
		t.Errorf("deleted item: err = %v", err)
	}
	if itemState(env.c, h2) != Created {
		t.Errorf("remaining item not created")
	}
	if _, err := env.c.DeleteMonitoredItems(ctx, nil); !IsInvalidRequest(err) {
		t.Errorf("empty delete: err = %v", err)
	}
}

func TestSetMonitoringMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	var values collector[DataChangeNotification]
	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		Sink:    values.sink(),
	})
	h := res.Targets[0].ClientHandle
	env.a.Tick()
	values.waitFor(t, "initial value", valueIs(h, 1.5))

	statuses, err := env.c.SetMonitoringMode(ctx, []ClientHandle{h}, ua.MonitoringModeSampling)
	if err != nil || len(statuses) != 1 || statuses[0] != ua.StatusGood {
		t.Fatalf("SetMonitoringMode = %v, %v", statuses, err)
	}
	if info, _ := env.c.MonitoredItemInformation(h); info.MonitoringMode != ua.MonitoringModeSampling {
		t.Errorf("mode = %v", info.MonitoringMode)
	}
	env.a.SetValue(demoValue, 6.5)
	env.a.Tick()

	if _, err := env.c.SetMonitoringMode(ctx, []ClientHandle{h}, ua.MonitoringModeReporting); err != nil {
		t.Fatalf("SetMonitoringMode: %v", err)
	}
	env.a.SetValue(demoValue, 7.5)
	env.a.Tick()
	values.waitFor(t, "value after reporting resumed", valueIs(h, 7.5))

	if _, err := env.c.SetMonitoringMode(ctx, []ClientHandle{999}, ua.MonitoringModeReporting); !IsUnknownHandle(err) {
		t.Errorf("unknown handle: err = %v", err)
	}

	calls := env.a.Calls(ua.ServiceSetMonitoringMode)
	statuses, err = env.c.SetMonitoringMode(ctx, []ClientHandle{h, h}, ua.MonitoringModeSampling)
	if err != nil {
		t.Fatalf("SetMonitoringMode with repeated handle: %v", err)
	}
	if diff := cmp.Diff([]ua.StatusCode{ua.StatusGood, ua.StatusGood}, statuses); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
	if n := env.a.Calls(ua.ServiceSetMonitoringMode) - calls; n != 1 {
		t.Errorf("SetMonitoringMode calls = %d, want 1", n)
	}
	if info, _ := env.c.MonitoredItemInformation(h); info.MonitoringMode != ua.MonitoringModeSampling {
		t.Errorf("mode = %v", info.MonitoringMode)
	}
}

func TestMonitoredItemUnknownNode(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.c.CreateMonitoredData(testContext(t), &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{
			{Address: NewNodeAddress(serverA, demoValue)},
			{Address: NewNodeAddress(serverA, ua.NewStringNodeID(2, "Nope"))},
		},
	})
	var itemsErr *MonitoredItemsError
	if !errors.As(err, &itemsErr) {
		t.Fatalf("err = %v, want *MonitoredItemsError", err)
	}
	bad := res.Targets[1]
	if len(itemsErr.Handles) != 1 || itemsErr.Handles[0] != bad.ClientHandle {
		t.Errorf("failed handles = %v, want [%d]", itemsErr.Handles, bad.ClientHandle)
	}
	if bad.State != NotCreated || bad.Status != ua.StatusBadNodeIDUnknown || bad.ClientHandle == 0 {
		t.Errorf("bad target = %+v", bad)
	}
	if res.Targets[0].State != Created {
		t.Errorf("good target = %+v", res.Targets[0])
	}
	if res.OverallStatus != ua.StatusUncertain {
		t.Errorf("OverallStatus = %v", res.OverallStatus)
	}
}

func TestMonitoredItemRetriedUntilServerIsUp(t *testing.T) {
	env := newTestEnv(t)

	c := env.net.AddServer(uasim.ServerConfig{URI: serverC, EndpointURL: "opc.tcp://c:4840", Name: "C"})
	env.net.AddDiscoveryURL(lds, env.a, env.b, c)
	c.SetOnline(false)

	var values collector[DataChangeNotification]
	res, err := env.c.CreateMonitoredData(testContext(t), &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{
			{Address: NewNodeAddress(serverC, ua.ServerStatusStateNode)},
			{Address: NewNodeAddress(serverC, ua.ServerStatusStateNode), MonitoringMode: ua.MonitoringModeSampling},
		},
		Sink: values.sink(),
	})
	var itemsErr *MonitoredItemsError
	if !errors.As(err, &itemsErr) {
		t.Fatalf("err = %v, want *MonitoredItemsError", err)
	}
	if len(itemsErr.Handles) != len(res.Targets) {
		t.Errorf("failed handles = %v, want all %d targets", itemsErr.Handles, len(res.Targets))
	}
	h := res.Targets[0].ClientHandle
	for _, tgt := range res.Targets {
		if tgt.State != NotCreated {
			t.Fatalf("target %d: state = %v", tgt.ClientHandle, tgt.State)
		}
		info, err := env.c.MonitoredItemInformation(tgt.ClientHandle)
		if err != nil {
			t.Fatalf("MonitoredItemInformation(%d): %v", tgt.ClientHandle, err)
		}
		if info.State != NotCreated {
			t.Errorf("item %d state = %v, want %v", tgt.ClientHandle, info.State, NotCreated)
		}
	}

	c.SetOnline(true)
	eventually(t, "items created", func() bool {
		return itemState(env.c, h) == Created && itemState(env.c, res.Targets[1].ClientHandle) == Created
	})
	c.Tick()
	values.waitFor(t, "server state", valueIs(h, int32(0)))
}

func TestSubscriptionRecreatedAfterConnectionLoss(t *testing.T) {
	env := newTestEnv(t)

	var status collector[SubscriptionStatusChange]
	env.c.OnSubscriptionStatusChange(NotificationFilter{}, status.sink())
	var values collector[DataChangeNotification]
	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		Sink:    values.sink(),
	})
	h, sh := res.Targets[0].ClientHandle, res.Targets[0].SubscriptionHandle
	env.a.Tick()
	values.waitFor(t, "initial value", valueIs(h, 1.5))
	before, _ := env.c.SubscriptionInformation(sh)

	env.a.Drop()
	status.waitFor(t, "subscription lost", func(v SubscriptionStatusChange) bool {
		return v.SubscriptionHandle == sh && v.State == NotCreated
	})
	eventually(t, "subscription re-created", func() bool {
		info, err := env.c.SubscriptionInformation(sh)
		return err == nil && info.State == Created && itemState(env.c, h) == Created
	})
	if n := env.a.MonitoredItems(); n != 1 {
		t.Errorf("server has %d items, want 1", n)
	}
	after, _ := env.c.SubscriptionInformation(sh)
	if after.SubscriptionID == before.SubscriptionID {
		t.Errorf("server subscription id unchanged: %d", after.SubscriptionID)
	}

	env.a.SetValue(demoValue, 9.5)
	env.a.Tick()
	values.waitFor(t, "value after re-creation", valueIs(h, 9.5))
}

func TestSubscriptionRecreatedAfterTimeout(t *testing.T) {
	env := newTestEnv(t)

	var status collector[SubscriptionStatusChange]
	env.c.OnSubscriptionStatusChange(NotificationFilter{}, status.sink())
	var values collector[DataChangeNotification]
	res := monitorValues(t, env, &MonitoredDataRequest{
		Targets: []MonitoredDataTarget{{Address: NewNodeAddress(serverA, demoValue)}},
		Sink:    values.sink(),
	})
	h, sh := res.Targets[0].ClientHandle, res.Targets[0].SubscriptionHandle

	env.a.ExpireSubscriptions()
	status.waitFor(t, "subscription timed out", func(v SubscriptionStatusChange) bool {
		return v.SubscriptionHandle == sh && v.State == NotCreated && v.Status == ua.StatusBadTimeout
	})
	eventually(t, "subscription re-created", func() bool {
		info, err := env.c.SubscriptionInformation(sh)
		return err == nil && info.State == Created && itemState(env.c, h) == Created && env.a.Subscriptions() == 1
	})

	env.a.SetValue(demoValue, 11.5)
	env.a.Tick()
	values.waitFor(t, "value after re-creation", valueIs(h, 11.5))
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)

	var events collector[EventNotification]
	res, err := env.c.CreateMonitoredEvents(testContext(t), &MonitoredEventRequest{
		Targets: []MonitoredEventTarget{{Address: NewNodeAddress(serverA, ua.ServerNode)}},
		Sink:    events.sink(),
	})
	if err != nil {
		t.Fatalf("CreateMonitoredEvents: %v", err)
	}
	h := res.Targets[0].ClientHandle

	env.a.FireEvent(demoObject, map[string]interface{}{"Severity": uint16(500), "Message": "limit exceeded"})
	env.a.Tick()
	ev := events.waitFor(t, "event", func(e EventNotification) bool { return e.ClientHandle == h })
	if len(ev.Fields) != len(DefaultEventFields) {
		t.Fatalf("%d fields, want %d", len(ev.Fields), len(DefaultEventFields))
	}
	if got := ev.Fields[2].Value; got != "Demo" {
		t.Errorf("SourceName = %v", got)
	}
	if got := ev.Fields[5].Value; got != uint16(500) {
		t.Errorf("Severity = %v", got)
	}
	if ev.Fields[0].Value == nil {
		t.Errorf("EventId missing")
	}
	if env.c.Metrics().EventNotifications.Value() != 1 {
		t.Errorf("EventNotifications = %d", env.c.Metrics().EventNotifications.Value())
	}

	if _, err := env.c.CreateMonitoredEvents(testContext(t), &MonitoredEventRequest{
		Targets: []MonitoredEventTarget{{Address: NewNodeAddress(serverA, demoValue)}},
	}); err == nil {
		t.Errorf("event item on a variable created")
	}
}
