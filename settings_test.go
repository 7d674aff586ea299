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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/edgeo-scada/uaf/ua"
)

func TestSessionSettingsMerge(t *testing.T) {
	base := DefaultSessionSettings()

	if diff := cmp.Diff(base, base.Merge(nil)); diff != "" {
		t.Errorf("Merge(nil) changed settings (-want +got):\n%s", diff)
	}

	got := base.Merge(&SessionSettings{
		SecurityPolicy: ua.SecurityPolicyBasic256Sha256,
		SecurityMode:   ua.MessageSecurityModeSignAndEncrypt,
		Username:       "operator",
		Unique:         true,
	})
	want := base
	want.SecurityPolicy = ua.SecurityPolicyBasic256Sha256
	want.SecurityMode = ua.MessageSecurityModeSignAndEncrypt
	want.Username = "operator"
	want.Unique = true
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriptionSettingsMerge(t *testing.T) {
	got := DefaultSubscriptionSettings().Merge(&SubscriptionSettings{PublishingInterval: 250 * time.Millisecond, Priority: 3})
	want := SubscriptionSettings{
		PublishingInterval: 250 * time.Millisecond,
		MaxKeepAliveCount:  DefaultMaxKeepAliveCount,
		LifetimeCount:      DefaultLifetimeCount,
		Priority:           3,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriptionParameters(t *testing.T) {
	s := SubscriptionSettings{PublishingInterval: time.Second, MaxKeepAliveCount: 10, LifetimeCount: 5}
	p := s.parameters(true)
	if p.LifetimeCount != 30 {
		t.Errorf("LifetimeCount = %d, want 30 (three keep-alive periods)", p.LifetimeCount)
	}
	if !p.PublishingEnabled || p.MaxKeepAliveCount != 10 {
		t.Errorf("parameters = %+v", p)
	}
}

func TestServiceSettingsMerge(t *testing.T) {
	tests := []struct {
		name string
		in   *ServiceSettings
		want ServiceSettings
	}{
		{"nil", nil, DefaultServiceSettings()},
		{
			"disable auto browse",
			&ServiceSettings{MaxAutoBrowseNext: -1},
			ServiceSettings{CallTimeout: DefaultCallTimeout, MaxAutoBrowseNext: -1, MaxAutoReadMore: DefaultMaxAutoReadMore},
		},
		{
			"timeout",
			&ServiceSettings{CallTimeout: time.Second, MaxReferencesPerNode: 10},
			ServiceSettings{CallTimeout: time.Second, MaxReferencesPerNode: 10, MaxAutoBrowseNext: DefaultMaxAutoBrowseNext, MaxAutoReadMore: DefaultMaxAutoReadMore},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, DefaultServiceSettings().Merge(tt.in)); diff != "" {
				t.Errorf("Merge mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if budget(-1) != 0 || budget(3) != 3 {
		t.Errorf("budget wrong")
	}
}

func TestSequenceNumbers(t *testing.T) {
	const last = ^uint32(0)
	tests := []struct {
		seq, next uint32
	}{
		{1, 2},
		{41, 42},
		{last - 1, last},
		{last, 1},
	}
	for _, tt := range tests {
		if got := nextSequence(tt.seq); got != tt.next {
			t.Errorf("nextSequence(%d) = %d, want %d", tt.seq, got, tt.next)
		}
		if got := prevSequence(tt.next); got != tt.seq {
			t.Errorf("prevSequence(%d) = %d, want %d", tt.next, got, tt.seq)
		}
		if !sequenceAfter(tt.next, tt.seq) || sequenceAfter(tt.seq, tt.next) {
			t.Errorf("sequenceAfter wrong for %d, %d", tt.next, tt.seq)
		}
	}
	if sequenceAfter(5, 5) {
		t.Errorf("sequenceAfter(5, 5) = true")
	}
}
