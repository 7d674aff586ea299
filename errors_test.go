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
	"fmt"
	"testing"

	"github.com/edgeo-scada/uaf/ua"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   error
		status ua.StatusCode
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout, ua.StatusBadTimeout},
		{"bad timeout", ua.StatusBadTimeout, ErrTimeout, ua.StatusBadTimeout},
		{"connection closed", ua.StatusBadConnectionClosed, ErrConnection, ua.StatusBadConnectionClosed},
		{"wrapped rejected", fmt.Errorf("dial: %w", ua.StatusBadConnectionRejected), ErrConnection, ua.StatusBadConnectionRejected},
		{"session invalid", ua.StatusBadSessionIDInvalid, ErrConnection, ua.StatusBadSessionIDInvalid},
		{"plain error", errors.New("broken pipe"), ErrConnection, ua.StatusBadCommunicationError},
		{"policy rejected", ua.StatusBadSecurityPolicyRejected, ErrSecurity, ua.StatusBadSecurityPolicyRejected},
		{"access denied", ua.StatusBadUserAccessDenied, ErrSecurity, ua.StatusBadUserAccessDenied},
		{"no subscription", ua.StatusBadNoSubscription, ErrSubscription, ua.StatusBadNoSubscription},
		{"subscription invalid", ua.StatusBadSubscriptionIDInvalid, ErrSubscription, ua.StatusBadSubscriptionIDInvalid},
		{"node unknown", ua.StatusBadNodeIDUnknown, nil, ua.StatusBadNodeIDUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(ua.ServiceRead, tt.err)
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("classify returned %T, want *Error", err)
			}
			if e.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", e.Kind, tt.kind)
			}
			if got := StatusOf(err); got != tt.status {
				t.Errorf("StatusOf = %v, want %v", got, tt.status)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("classified error does not wrap its cause")
			}
		})
	}

	if classify(ua.ServiceRead, nil) != nil {
		t.Errorf("classify(nil) != nil")
	}
	e := newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadNoMatch, "no match")
	if got := classify(ua.ServiceRead, e); got != error(e) {
		t.Errorf("classify re-wrapped an *Error")
	}
}

func TestErrorPredicates(t *testing.T) {
	timeout := &Error{Kind: ErrTimeout, Service: ua.ServiceRead, Status: ua.StatusBadTimeout}
	noMatch := newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadNoMatch, "no match")
	handle := newError(ErrUnknownHandle, 0, ua.StatusBadInvalidArgument, "subscription 3")

	if !IsTimeout(timeout) || IsTimeout(noMatch) {
		t.Errorf("IsTimeout wrong")
	}
	if !IsResolutionError(noMatch) || !IsStatusCode(noMatch, ua.StatusBadNoMatch) {
		t.Errorf("resolution predicates wrong")
	}
	if !IsUnknownHandle(handle) || !IsInvalidRequest(newError(ErrInvalidRequest, 0, ua.StatusBadNothingToDo, "x")) {
		t.Errorf("handle predicates wrong")
	}
	if IsConnectionError(noMatch) || IsSecurityError(noMatch) {
		t.Errorf("resolution error matched another kind")
	}

	wrapped := &MonitoredItemsError{Handles: []ClientHandle{1, 2}, Err: noMatch}
	if !IsResolutionError(wrapped) {
		t.Errorf("MonitoredItemsError does not unwrap")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ua.StatusCode
	}{
		{"nil", nil, ua.StatusGood},
		{"status", ua.StatusBadNotWritable, ua.StatusBadNotWritable},
		{"wrapped status", fmt.Errorf("write: %w", ua.StatusBadNotWritable), ua.StatusBadNotWritable},
		{"closed", ErrClosed, ua.StatusBadShutdown},
		{"canceled", context.Canceled, ua.StatusBadShutdown},
		{"kind only", &Error{Kind: ErrWrongType}, ua.StatusBadReferenceTypeIDInvalid},
		{"unknown", errors.New("x"), ua.StatusBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	e := newError(ErrResolution, ua.ServiceTranslateBrowsePathsToNodeIDs, ua.StatusBadNoMatch, "path %s", "/2:Missing")
	want := "uaf: resolution error (TranslateBrowsePathsToNodeIds): path /2:Missing: BadNoMatch"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ua.StatusCode
		want     ua.StatusCode
	}{
		{"all good", []ua.StatusCode{ua.StatusGood, ua.StatusGood}, ua.StatusGood},
		{"uncertain counts as good", []ua.StatusCode{ua.StatusGood, ua.StatusUncertainLastUsableValue}, ua.StatusGood},
		{"some bad", []ua.StatusCode{ua.StatusGood, ua.StatusBadNodeIDUnknown}, ua.StatusUncertain},
		{"all bad", []ua.StatusCode{ua.StatusBadTimeout, ua.StatusBadNodeIDUnknown}, ua.StatusBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := overallStatus(tt.statuses, func(s ua.StatusCode) ua.StatusCode { return s })
			if got != tt.want {
				t.Errorf("overallStatus = %v, want %v", got, tt.want)
			}
		})
	}
}
