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

	"github.com/edgeo-scada/uaf/ua"
)

func serverURIs(servers []ServerInformation) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.ServerURI
	}
	return out
}

func TestFindServersNow(t *testing.T) {
	env := newTestEnv(t)

	servers, err := env.c.FindServersNow(testContext(t))
	if err != nil {
		t.Fatalf("FindServersNow: %v", err)
	}
	if diff := cmp.Diff([]string{serverA, serverB}, serverURIs(servers)); diff != "" {
		t.Errorf("servers (-want +got):\n%s", diff)
	}
	for _, s := range servers {
		if len(s.Endpoints) != 1 || s.Endpoints[0].SecurityPolicyURI != ua.SecurityPolicyNone {
			t.Errorf("%s endpoints = %+v", s.ServerURI, s.Endpoints)
		}
		if s.LastSeen.IsZero() {
			t.Errorf("%s: LastSeen not set", s.ServerURI)
		}
	}
	if got := env.c.Metrics().DiscoveryPasses.Value(); got != 1 {
		t.Errorf("DiscoveryPasses = %d, want 1", got)
	}
}

func TestFindServersNowWhilePassRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	env.a.SetDelay(300 * time.Millisecond)

	type result struct {
		servers []ServerInformation
		err     error
	}
	first := make(chan result, 1)
	go func() {
		servers, err := env.c.FindServersNow(ctx)
		first <- result{servers, err}
	}()
	eventually(t, "first discovery pass", func() bool { return env.net.Calls(ua.ServiceFindServers) > 0 })

	if _, err := env.c.FindServersNow(ctx); !IsInvalidRequest(err) {
		t.Errorf("concurrent FindServersNow: err = %v, want invalid request", err)
	}
	r := <-first
	if r.err != nil {
		t.Fatalf("first FindServersNow: %v", r.err)
	}
	if diff := cmp.Diff([]string{serverA, serverB}, serverURIs(r.servers)); diff != "" {
		t.Errorf("servers (-want +got):\n%s", diff)
	}
	if got := env.c.Metrics().DiscoveryPasses.Value(); got != 1 {
		t.Errorf("DiscoveryPasses = %d, want 1", got)
	}
}

func TestDiscoveryKeepsServersGoneOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	if _, err := env.c.FindServersNow(ctx); err != nil {
		t.Fatalf("FindServersNow: %v", err)
	}
	env.b.SetOnline(false)
	servers, err := env.c.FindServersNow(ctx)
	if err != nil {
		t.Fatalf("FindServersNow: %v", err)
	}
	if diff := cmp.Diff([]string{serverA, serverB}, serverURIs(servers)); diff != "" {
		t.Errorf("servers (-want +got):\n%s", diff)
	}
}

func TestDiscoveryURLFailures(t *testing.T) {
	const bad = "opc.tcp://nowhere:4840"
	env := newTestEnv(t, WithDiscoveryURLs(lds, bad))

	servers, err := env.c.FindServersNow(testContext(t))
	if err != nil {
		t.Fatalf("FindServersNow: %v", err)
	}
	if len(servers) != 2 {
		t.Errorf("%d servers, want 2", len(servers))
	}
	errs := env.c.Discovery().DiscoveryErrors()
	if _, ok := errs[bad]; !ok || len(errs) != 1 {
		t.Errorf("DiscoveryErrors = %v", errs)
	}
	if got := env.c.Metrics().DiscoveryErrors.Value(); got != 1 {
		t.Errorf("DiscoveryErrors metric = %d, want 1", got)
	}
}

func TestDiscoveryAllURLsFail(t *testing.T) {
	env := newTestEnv(t, WithDiscoveryURLs("opc.tcp://nowhere:4840", "opc.tcp://void:4840"))

	_, err := env.c.FindServersNow(testContext(t))
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("err = %v, want discovery error", err)
	}
	if !errors.Is(err, ua.StatusBadConnectionRejected) {
		t.Errorf("err = %v does not carry the probe failure", err)
	}

	_, err = env.c.Read(testContext(t), &ReadRequest{Targets: []ReadTarget{{Address: NewNodeAddress(serverA, demoValue)}}})
	if !errors.Is(err, ErrDiscovery) {
		t.Errorf("read without discovery: err = %v", err)
	}
}

func TestDiscoveryThroughServerEndpoint(t *testing.T) {
	env := newTestEnv(t, WithDiscoveryURLs("opc.tcp://b:4840"))

	servers, err := env.c.FindServersNow(testContext(t))
	if err != nil {
		t.Fatalf("FindServersNow: %v", err)
	}
	if diff := cmp.Diff([]string{serverB}, serverURIs(servers)); diff != "" {
		t.Errorf("servers (-want +got):\n%s", diff)
	}
}

func TestServerAddressedByEndpointURL(t *testing.T) {
	env := newTestEnv(t, WithDiscoveryURLs())

	res, err := env.c.Read(testContext(t), &ReadRequest{
		Targets: []ReadTarget{{Address: NewNodeAddress("opc.tcp://b:4840", remoteTemp)}},
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := res.Targets[0].Value.Value.Value; got != 21.5 {
		t.Errorf("value = %v", got)
	}
	if n := env.net.Calls(ua.ServiceFindServers); n != 0 {
		t.Errorf("%d FindServers calls without discovery URLs", n)
	}
}

func TestBackgroundDiscovery(t *testing.T) {
	env := newTestEnv(t, WithDiscoveryInterval(10*time.Millisecond))

	eventually(t, "inventory filled", func() bool { return len(env.c.Servers()) == 2 })
	eventually(t, "several passes", func() bool { return env.c.Metrics().DiscoveryPasses.Value() >= 2 })
}
