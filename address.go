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
	"cmp"
	"fmt"
	"strings"

	"github.com/edgeo-scada/uaf/ua"
)

// Address identifies a node for the engine. It is either absolute (an
// ExpandedNodeID naming its server) or relative: a starting Address plus a
// relative path. Relative addresses may be chained and may cross servers.
//
// An Address is immutable; the zero value is an absolute address of the
// null node on no server.
type Address struct {
	absolute ua.ExpandedNodeID
	start    *Address
	path     []ua.RelativePathElement
}

// NewAddress returns an absolute address.
func NewAddress(id ua.ExpandedNodeID) Address {
	return Address{absolute: id}
}

// NewNodeAddress returns the absolute address of id on the given server.
func NewNodeAddress(serverURI string, id ua.NodeID) Address {
	return Address{absolute: ua.NewExpandedNodeID(serverURI, id)}
}

// NewRelativeAddress returns the address reached by following path from
// start.
func NewRelativeAddress(start Address, path ...ua.RelativePathElement) Address {
	s := start
	return Address{
		start: &s,
		path:  append([]ua.RelativePathElement(nil), path...),
	}
}

// IsRelative reports whether the address is a relative path.
func (a Address) IsRelative() bool {
	return a.start != nil
}

// ExpandedNodeID returns the node of an absolute address.
func (a Address) ExpandedNodeID() ua.ExpandedNodeID {
	return a.absolute
}

// StartingAddress returns the start of a relative address, or a itself when
// absolute.
func (a Address) StartingAddress() Address {
	if a.start == nil {
		return a
	}
	return *a.start
}

// RelativePath returns a copy of the path of a relative address.
func (a Address) RelativePath() []ua.RelativePathElement {
	return append([]ua.RelativePathElement(nil), a.path...)
}

// Root returns the absolute address the chain of starting addresses ends
// at.
func (a Address) Root() Address {
	for a.start != nil {
		a = *a.start
	}
	return a
}

// staticServerURI returns the server a request for the address is known to
// go to before any resolution. Relative paths may still cross servers.
func (a Address) staticServerURI() string {
	return a.Root().absolute.ServerURI
}

// Equal reports whether a and b are structurally equal.
func (a Address) Equal(b Address) bool {
	return a.Compare(b) == 0
}

// Compare orders addresses structurally: absolute before relative, then
// field by field.
func (a Address) Compare(b Address) int {
	switch {
	case a.start == nil && b.start == nil:
		return compareExpanded(a.absolute, b.absolute)
	case a.start == nil:
		return -1
	case b.start == nil:
		return 1
	}
	if c := a.start.Compare(*b.start); c != 0 {
		return c
	}
	for i := 0; i < len(a.path) && i < len(b.path); i++ {
		if c := compareElement(a.path[i], b.path[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.path), len(b.path))
}

func compareExpanded(a, b ua.ExpandedNodeID) int {
	if c := strings.Compare(a.ServerURI, b.ServerURI); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ServerIndex, b.ServerIndex); c != 0 {
		return c
	}
	if c := strings.Compare(a.NamespaceURI, b.NamespaceURI); c != 0 {
		return c
	}
	return compareNodeID(a.NodeID, b.NodeID)
}

func compareNodeID(a, b ua.NodeID) int {
	if c := cmp.Compare(a.Namespace, b.Namespace); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	switch a.Type {
	case ua.NodeIDTypeNumeric:
		return cmp.Compare(a.Numeric, b.Numeric)
	case ua.NodeIDTypeString:
		return strings.Compare(a.StringID, b.StringID)
	case ua.NodeIDTypeGUID:
		return strings.Compare(string(a.GUID[:]), string(b.GUID[:]))
	default:
		return strings.Compare(a.Opaque, b.Opaque)
	}
}

func compareElement(a, b ua.RelativePathElement) int {
	if c := compareNodeID(a.ReferenceTypeID, b.ReferenceTypeID); c != 0 {
		return c
	}
	if c := compareBool(a.IsInverse, b.IsInverse); c != 0 {
		return c
	}
	if c := compareBool(a.IncludeSubtypes, b.IncludeSubtypes); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TargetName.NamespaceIndex, b.TargetName.NamespaceIndex); c != 0 {
		return c
	}
	return strings.Compare(a.TargetName.Name, b.TargetName.Name)
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// String formats the address. Relative paths use the OPC UA relative path
// text notation.
func (a Address) String() string {
	if a.start == nil {
		return a.absolute.String()
	}
	var b strings.Builder
	b.WriteString(a.start.String())
	for _, e := range a.path {
		b.WriteString(formatElement(e))
	}
	return b.String()
}

func formatElement(e ua.RelativePathElement) string {
	var prefix string
	switch {
	case e.ReferenceTypeID == ua.HierarchicalReferences && e.IncludeSubtypes && !e.IsInverse:
		prefix = "/"
	case e.ReferenceTypeID == ua.Aggregates && e.IncludeSubtypes && !e.IsInverse:
		prefix = "."
	default:
		var flags string
		if e.IsInverse {
			flags += "^"
		}
		if !e.IncludeSubtypes {
			flags += "#"
		}
		prefix = "<" + flags + e.ReferenceTypeID.String() + ">"
	}
	return prefix + e.TargetName.String()
}

// ParseRelativePath parses the OPC UA relative path text form, e.g.
// "/2:Demo/2:Dynamic.2:Value". A '/' follows hierarchical references and a
// '.' follows aggregates, both forward and including subtypes. Explicit
// "<refType>" segments are not supported.
func ParseRelativePath(s string) ([]ua.RelativePathElement, error) {
	if s == "" {
		return nil, newError(ErrInvalidRequest, 0, ua.StatusBadInvalidArgument, "empty relative path")
	}
	var elems []ua.RelativePathElement
	i := 0
	for i < len(s) {
		var ref ua.NodeID
		switch s[i] {
		case '/':
			ref = ua.HierarchicalReferences
		case '.':
			ref = ua.Aggregates
		case '<':
			return nil, newError(ErrWrongType, 0, ua.StatusBadReferenceTypeIDInvalid,
				"reference type segment %q not supported", s[i:])
		default:
			return nil, newError(ErrInvalidRequest, 0, ua.StatusBadBrowseNameInvalid,
				"unexpected %q at offset %d in %q", s[i], i, s)
		}
		i++
		name, n := scanName(s[i:])
		if name == "" {
			return nil, newError(ErrInvalidRequest, 0, ua.StatusBadBrowseNameInvalid,
				"empty browse name at offset %d in %q", i, s)
		}
		i += n
		elems = append(elems, ua.RelativePathElement{
			ReferenceTypeID: ref,
			IncludeSubtypes: true,
			TargetName:      ua.ParseQualifiedName(name),
		})
	}
	return elems, nil
}

// scanName reads a browse name up to the next unescaped delimiter. '&'
// escapes the following character.
func scanName(s string) (string, int) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case '/', '.', '<':
			return b.String(), i
		case '&':
			if i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), i
}

// MustParseRelativePath is like ParseRelativePath but panics on error.
func MustParseRelativePath(s string) []ua.RelativePathElement {
	p, err := ParseRelativePath(s)
	if err != nil {
		panic(fmt.Sprintf("uaf: %v", err))
	}
	return p
}
