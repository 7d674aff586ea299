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
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWorkerPoolOrdersPerKey(t *testing.T) {
	p := newWorkerPool(4, quietLogger())

	var mu sync.Mutex
	got := make(map[uint32][]int)
	for i := 0; i < 100; i++ {
		key := uint32(i % 3)
		p.submit(key, func() {
			mu.Lock()
			got[key] = append(got[key], i)
			mu.Unlock()
		})
	}
	p.close()

	for key, seq := range got {
		for j := 1; j < len(seq); j++ {
			if seq[j] < seq[j-1] {
				t.Fatalf("key %d ran out of order: %v", key, seq)
			}
		}
	}
	if n := len(got[0]) + len(got[1]) + len(got[2]); n != 100 {
		t.Errorf("ran %d jobs, want 100", n)
	}
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	p := newWorkerPool(1, quietLogger())
	ran := false
	p.submit(1, func() { panic("callback failure") })
	p.submit(1, func() { ran = true })
	p.close()
	if !ran {
		t.Errorf("job after a panicking job did not run")
	}
	if p.submit(1, func() {}) {
		t.Errorf("submit succeeded on a closed pool")
	}
	p.close()
}

func TestRegistry(t *testing.T) {
	r := newRegistry[ClientHandle, string]()
	if !r.register(1, "a") || !r.register(2, "b") {
		t.Fatalf("register failed")
	}
	if r.register(1, "c") {
		t.Errorf("register replaced an existing entry")
	}
	if v, ok := r.get(1); !ok || v != "a" {
		t.Errorf("get(1) = %q, %v", v, ok)
	}
	if v, ok := r.pop(2); !ok || v != "b" {
		t.Errorf("pop(2) = %q, %v", v, ok)
	}
	if _, ok := r.pop(2); ok {
		t.Errorf("pop(2) twice succeeded")
	}
	r.register(3, "c")
	r.remove(1)
	if diff := cmp.Diff(map[ClientHandle]string{3: "c"}, r.drain()); diff != "" {
		t.Errorf("drain mismatch (-want +got):\n%s", diff)
	}
	if r.len() != 0 {
		t.Errorf("len after drain = %d", r.len())
	}
}

type countingHandler struct{ n int }

func (h *countingHandler) Handle(KeepAliveNotification) { h.n++ }

func TestSinkSetFilters(t *testing.T) {
	var (
		set      sinkSet[KeepAliveNotification]
		all, onA collector[KeepAliveNotification]
		handler  countingHandler
	)
	set.add(NotificationFilter{}, all.sink())
	remove := set.add(NotificationFilter{ServerURI: serverA}, onA.sink())
	set.add(NotificationFilter{ConnectionID: 2, SubscriptionHandle: 7}, OverrideSink[KeepAliveNotification](&handler))

	set.dispatch(serverA, 1, 7, KeepAliveNotification{SequenceNumber: 1})
	set.dispatch(serverB, 2, 7, KeepAliveNotification{SequenceNumber: 2})
	set.dispatch(serverB, 2, 8, KeepAliveNotification{SequenceNumber: 3})
	remove()
	set.dispatch(serverA, 1, 7, KeepAliveNotification{SequenceNumber: 4})

	if all.len() != 4 {
		t.Errorf("unfiltered sink got %d notifications, want 4", all.len())
	}
	if got := onA.all(); len(got) != 1 || got[0].SequenceNumber != 1 {
		t.Errorf("server filtered sink got %+v", got)
	}
	if handler.n != 1 {
		t.Errorf("override sink got %d notifications, want 1", handler.n)
	}
}

func TestSinkKinds(t *testing.T) {
	if k := DefaultSink[ReadComplete]().Kind(); k != SinkDefault {
		t.Errorf("DefaultSink kind = %v", k)
	}
	if k := ExternalSink[ReadComplete](nil).Kind(); k != SinkDefault {
		t.Errorf("ExternalSink(nil) kind = %v", k)
	}
	if k := ExternalSink(func(ReadComplete) {}).Kind(); k != SinkExternal {
		t.Errorf("ExternalSink kind = %v", k)
	}
	if k := OverrideSink[KeepAliveNotification](&countingHandler{}).Kind(); k != SinkOverride {
		t.Errorf("OverrideSink kind = %v", k)
	}
}
