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

package uastack

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	gua "github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/uaf/ua"
)

func TestNodeIDConversion(t *testing.T) {
	tests := []ua.NodeID{
		ua.NewNumericNodeID(0, 85),
		ua.NewNumericNodeID(2, 1001),
		ua.NewStringNodeID(2, "Demo.Dynamic.Value"),
	}
	for _, id := range tests {
		t.Run(id.String(), func(t *testing.T) {
			got := fromNodeID(toNodeID(id))
			if diff := cmp.Diff(id, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromNotificationMessage(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	status := gua.StatusBadTimeout
	msg := &gua.NotificationMessage{
		SequenceNumber: 7,
		PublishTime:    now,
		NotificationData: []*gua.ExtensionObject{
			{Value: &gua.DataChangeNotification{
				MonitoredItems: []*gua.MonitoredItemNotification{{
					ClientHandle: 3,
					Value: &gua.DataValue{
						EncodingMask: gua.DataValueValue,
						Value:        gua.MustVariant(int32(42)),
					},
				}},
			}},
			{Value: &gua.StatusChangeNotification{Status: status}},
		},
	}

	got := fromNotificationMessage(msg)
	if got.SequenceNumber != 7 || !got.PublishTime.Equal(now) {
		t.Fatalf("header = %d %v", got.SequenceNumber, got.PublishTime)
	}
	if len(got.DataChanges) != 1 || got.DataChanges[0].ClientHandle != 3 {
		t.Fatalf("data changes = %+v", got.DataChanges)
	}
	if v := got.DataChanges[0].Value.Value; v == nil || v.Value != int32(42) || v.Type != ua.TypeInt32 {
		t.Errorf("value = %+v", v)
	}
	if got.StatusChange == nil || *got.StatusChange != ua.StatusBadTimeout {
		t.Errorf("status change = %v", got.StatusChange)
	}
	if got.IsKeepAlive() {
		t.Error("message reported as keep-alive")
	}
}

func TestKeepAliveMessage(t *testing.T) {
	got := fromNotificationMessage(&gua.NotificationMessage{SequenceNumber: 9})
	if !got.IsKeepAlive() {
		t.Errorf("message with no data is not a keep-alive: %+v", got)
	}
}

func TestMapError(t *testing.T) {
	var sc ua.StatusCode
	if err := mapError(gua.StatusBadSessionIDInvalid); !errors.As(err, &sc) || sc != ua.StatusBadSessionIDInvalid {
		t.Errorf("mapError(status) = %v", err)
	}
	if err := mapError(io.EOF); !errors.Is(err, io.EOF) {
		t.Errorf("mapError(io.EOF) = %v", err)
	}
	if mapError(nil) != nil {
		t.Error("mapError(nil) != nil")
	}
}

func TestDataValueMask(t *testing.T) {
	dv, err := toDataValue(ua.DataValue{Value: ua.NewVariant(1.5)})
	if err != nil {
		t.Fatal(err)
	}
	if dv.EncodingMask != gua.DataValueValue {
		t.Errorf("mask = %#x, want value only", dv.EncodingMask)
	}
	if dv.Value.Value() != 1.5 {
		t.Errorf("value = %v", dv.Value.Value())
	}
}
