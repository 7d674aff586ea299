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

package main

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/edgeo-scada/uaf/ua"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		value    string
		typeName string
		want     ua.TypeID
	}{
		{"true", "auto", ua.TypeBoolean},
		{"42", "", ua.TypeInt64},
		{"42", "int32", ua.TypeInt32},
		{"42", "uint16", ua.TypeUInt16},
		{"1.5", "auto", ua.TypeDouble},
		{"1.5", "float", ua.TypeFloat},
		{"pump", "auto", ua.TypeString},
		{"2025-01-01T00:00:00Z", "datetime", ua.TypeDateTime},
	}
	for _, tt := range tests {
		v, err := parseValue(tt.value, tt.typeName)
		if err != nil {
			t.Fatalf("parseValue(%q, %q): %v", tt.value, tt.typeName, err)
		}
		if v.Type != tt.want {
			t.Errorf("parseValue(%q, %q) type = %s, want %s", tt.value, tt.typeName, v.Type, tt.want)
		}
	}

	if _, err := parseValue("70000", "int16"); err == nil {
		t.Error("expected range error")
	}
	if _, err := parseValue("1", "complex"); err == nil {
		t.Error("expected unknown type error")
	}
}

func TestParseArgument(t *testing.T) {
	v, err := parseArgument("3:int32")
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != ua.TypeInt32 || v.Value != int32(3) {
		t.Errorf("got %s %v", v.Type, v.Value)
	}

	v, err = parseArgument("opc.tcp://host:4840")
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != ua.TypeString || v.Value != "opc.tcp://host:4840" {
		t.Errorf("got %s %v", v.Type, v.Value)
	}
}

func TestTargetAddress(t *testing.T) {
	defer viper.Reset()

	if _, err := targetAddress("ns=2;s=Temperature", ""); err == nil {
		t.Fatal("expected error without a server")
	}

	viper.Set("server", "urn:plant:line1")
	a, err := targetAddress("ns=2;s=Temperature", "")
	if err != nil {
		t.Fatal(err)
	}
	id := a.ExpandedNodeID()
	if id.ServerURI != "urn:plant:line1" || id.NodeID != ua.NewStringNodeID(2, "Temperature") {
		t.Errorf("got %s", id)
	}

	a, err = targetAddress("svu=urn:plant:line2;i=85", "/2:Demo/2:Value")
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsRelative() || len(a.RelativePath()) != 2 {
		t.Fatalf("got %s", a)
	}
	if got := a.StartingAddress().ExpandedNodeID().ServerURI; got != "urn:plant:line2" {
		t.Errorf("server = %s", got)
	}
}
