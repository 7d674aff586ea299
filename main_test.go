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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/edgeo-scada/uaf/internal/uasim"
	"github.com/edgeo-scada/uaf/ua"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	serverA   = "urn:uasim:a"
	serverB   = "urn:uasim:b"
	serverC   = "urn:uasim:c"
	lds       = "opc.tcp://lds:4840"
	demoNSURI = "urn:uasim:demo"
)

var (
	demoObject  = ua.NewStringNodeID(2, "Demo")
	demoValue   = ua.NewStringNodeID(2, "Demo.Value")
	demoCounter = ua.NewStringNodeID(2, "Demo.Counter")
	demoAdd     = ua.NewStringNodeID(2, "Demo.Add")
	remoteObj   = ua.NewStringNodeID(2, "Remote")
	remoteTemp  = ua.NewStringNodeID(2, "Remote.Temp")
)

// testEnv is a client wired to a simulated network of two servers behind
// one discovery URL. Server A links to server B through a remote
// reference from its Demo object.
type testEnv struct {
	net  *uasim.Network
	a, b *uasim.Server
	c    *Client
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSessionSettings() SessionSettings {
	s := DefaultSessionSettings()
	s.ConnectTimeout = 2 * time.Second
	s.ReconnectBackoff = 10 * time.Millisecond
	s.MaxReconnectDelay = 50 * time.Millisecond
	s.WatchdogInterval = time.Hour
	return s
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	net := uasim.NewNetwork()
	a := net.AddServer(uasim.ServerConfig{URI: serverA, EndpointURL: "opc.tcp://a:4840", Name: "A"})
	b := net.AddServer(uasim.ServerConfig{URI: serverB, EndpointURL: "opc.tcp://b:4840", Name: "B"})
	net.AddDiscoveryURL(lds, a, b)

	ns := a.AddNamespace(demoNSURI)
	a.AddObject(ua.ObjectsFolder, demoObject, ua.QualifiedName{NamespaceIndex: ns, Name: "Demo"})
	a.AddVariable(demoObject, demoValue, ua.QualifiedName{NamespaceIndex: ns, Name: "Value"}, 1.5)
	a.AddVariable(demoObject, demoCounter, ua.QualifiedName{NamespaceIndex: ns, Name: "Counter"}, int32(7))
	a.SetWritable(demoCounter, true)
	a.AddMethod(demoObject, demoAdd, ua.QualifiedName{NamespaceIndex: ns, Name: "Add"},
		func(args []*ua.Variant) ([]*ua.Variant, ua.StatusCode) {
			if len(args) != 2 {
				return nil, ua.StatusBadArgumentsMissing
			}
			x, ok1 := args[0].Value.(int32)
			y, ok2 := args[1].Value.(int32)
			if !ok1 || !ok2 {
				return nil, ua.StatusBadTypeMismatch
			}
			return []*ua.Variant{ua.NewVariant(x + y)}, ua.StatusGood
		})
	a.AddRemoteReference(demoObject, ua.Organizes, ua.QualifiedName{NamespaceIndex: ns, Name: "Remote"}, serverB, remoteObj)

	nsB := b.AddNamespace(demoNSURI)
	b.AddObject(ua.ObjectsFolder, remoteObj, ua.QualifiedName{NamespaceIndex: nsB, Name: "Remote"})
	b.AddVariable(remoteObj, remoteTemp, ua.QualifiedName{NamespaceIndex: nsB, Name: "Temp"}, 21.5)

	all := append([]Option{
		WithTransport(net),
		WithDiscoveryURLs(lds),
		WithDiscoveryInterval(0),
		WithSessionSettings(testSessionSettings()),
		WithCreationRetryInterval(20 * time.Millisecond),
		WithLogger(quietLogger()),
		WithWorkers(2),
	}, opts...)
	c, err := NewClient(all...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return &testEnv{net: net, a: a, b: b, c: c}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// collector records the notifications delivered to an external sink.
type collector[T any] struct {
	mu  sync.Mutex
	got []T
}

func (c *collector[T]) sink() NotificationSink[T] {
	return ExternalSink(c.add)
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

// waitFor waits until a collected notification satisfies match and
// returns it.
func (c *collector[T]) waitFor(t *testing.T, what string, match func(T) bool) T {
	t.Helper()
	var found T
	eventually(t, what, func() bool {
		for _, v := range c.all() {
			if match(v) {
				found = v
				return true
			}
		}
		return false
	})
	return found
}
