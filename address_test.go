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

	"github.com/google/go-cmp/cmp"

	"github.com/edgeo-scada/uaf/ua"
)

func TestParseRelativePath(t *testing.T) {
	tests := []struct {
		in   string
		want []ua.RelativePathElement
		err  error
	}{
		{
			in: "/2:Demo",
			want: []ua.RelativePathElement{
				{ReferenceTypeID: ua.HierarchicalReferences, IncludeSubtypes: true, TargetName: ua.QualifiedName{NamespaceIndex: 2, Name: "Demo"}},
			},
		},
		{
			in: "/2:Demo.2:Value",
			want: []ua.RelativePathElement{
				{ReferenceTypeID: ua.HierarchicalReferences, IncludeSubtypes: true, TargetName: ua.QualifiedName{NamespaceIndex: 2, Name: "Demo"}},
				{ReferenceTypeID: ua.Aggregates, IncludeSubtypes: true, TargetName: ua.QualifiedName{NamespaceIndex: 2, Name: "Value"}},
			},
		},
		{
			in: "/Server/a&/b",
			want: []ua.RelativePathElement{
				{ReferenceTypeID: ua.HierarchicalReferences, IncludeSubtypes: true, TargetName: ua.QualifiedName{Name: "Server"}},
				{ReferenceTypeID: ua.HierarchicalReferences, IncludeSubtypes: true, TargetName: ua.QualifiedName{Name: "a/b"}},
			},
		},
		{in: "", err: ErrInvalidRequest},
		{in: "2:Demo", err: ErrInvalidRequest},
		{in: "/", err: ErrInvalidRequest},
		{in: "<HasChild>2:Demo", err: ErrWrongType},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRelativePath(tt.in)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("ParseRelativePath(%q) error = %v, want %v", tt.in, err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRelativePath(%q): %v", tt.in, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseRelativePath(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestAddressString(t *testing.T) {
	objects := NewNodeAddress(serverA, ua.ObjectsFolder)
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{"absolute", NewNodeAddress(serverA, demoValue), "svu=urn:uasim:a;ns=2;s=Demo.Value"},
		{"relative", NewRelativeAddress(objects, MustParseRelativePath("/2:Demo.2:Value")...), "svu=urn:uasim:a;i=85/2:Demo.2:Value"},
		{
			"nested",
			NewRelativeAddress(NewRelativeAddress(objects, MustParseRelativePath("/2:Demo")...), MustParseRelativePath(".2:Value")...),
			"svu=urn:uasim:a;i=85/2:Demo.2:Value",
		},
		{
			"inverse",
			NewRelativeAddress(objects, ua.RelativePathElement{
				ReferenceTypeID: ua.Organizes,
				IsInverse:       true,
				TargetName:      ua.QualifiedName{Name: "Root"},
			}),
			"svu=urn:uasim:a;i=85<^#i=35>Root",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddressCompare(t *testing.T) {
	objects := NewNodeAddress(serverA, ua.ObjectsFolder)
	value := NewNodeAddress(serverA, demoValue)
	rel := NewRelativeAddress(objects, MustParseRelativePath("/2:Demo")...)
	rel2 := NewRelativeAddress(objects, MustParseRelativePath("/2:Demo")...)
	other := NewRelativeAddress(objects, MustParseRelativePath("/2:Other")...)

	if !rel.Equal(rel2) {
		t.Errorf("%s != %s", rel, rel2)
	}
	if rel.Equal(other) {
		t.Errorf("%s == %s", rel, other)
	}
	if value.Compare(rel) >= 0 {
		t.Errorf("absolute address should order before relative")
	}
	if a, b := rel.Compare(other), other.Compare(rel); a != -b || a == 0 {
		t.Errorf("Compare not antisymmetric: %d, %d", a, b)
	}
	if NewNodeAddress(serverA, demoValue).Equal(NewNodeAddress(serverB, demoValue)) {
		t.Errorf("addresses on different servers compare equal")
	}
}

func TestAddressRoot(t *testing.T) {
	objects := NewNodeAddress(serverB, ua.ObjectsFolder)
	inner := NewRelativeAddress(objects, MustParseRelativePath("/2:Remote")...)
	outer := NewRelativeAddress(inner, MustParseRelativePath(".2:Temp")...)

	if !outer.IsRelative() || objects.IsRelative() {
		t.Fatalf("IsRelative wrong")
	}
	if !outer.Root().Equal(objects) {
		t.Errorf("Root() = %s, want %s", outer.Root(), objects)
	}
	if !outer.StartingAddress().Equal(inner) {
		t.Errorf("StartingAddress() = %s, want %s", outer.StartingAddress(), inner)
	}
	if got := outer.staticServerURI(); got != serverB {
		t.Errorf("staticServerURI() = %q, want %q", got, serverB)
	}

	path := outer.RelativePath()
	path[0].TargetName.Name = "changed"
	if outer.RelativePath()[0].TargetName.Name != "Temp" {
		t.Errorf("RelativePath returned shared storage")
	}
}
