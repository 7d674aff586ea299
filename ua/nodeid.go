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

package ua

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidNodeID is returned when a node id string cannot be parsed.
var ErrInvalidNodeID = errors.New("ua: invalid node ID")

// NodeIDType represents the identifier type of a NodeID.
type NodeIDType uint8

// NodeID identifier types.
const (
	NodeIDTypeNumeric NodeIDType = iota
	NodeIDTypeString
	NodeIDTypeGUID
	NodeIDTypeOpaque
)

// NodeID represents an OPC UA NodeId. It is comparable, so it can be used
// as a map key; opaque identifiers are held as a byte string.
type NodeID struct {
	Type      NodeIDType
	Namespace uint16
	Numeric   uint32
	StringID  string
	GUID      [16]byte
	Opaque    string
}

// NewNumericNodeID creates a numeric NodeID.
func NewNumericNodeID(namespace uint16, id uint32) NodeID {
	return NodeID{Type: NodeIDTypeNumeric, Namespace: namespace, Numeric: id}
}

// NewStringNodeID creates a string NodeID.
func NewStringNodeID(namespace uint16, id string) NodeID {
	return NodeID{Type: NodeIDTypeString, Namespace: namespace, StringID: id}
}

// NewGUIDNodeID creates a GUID NodeID.
func NewGUIDNodeID(namespace uint16, guid [16]byte) NodeID {
	return NodeID{Type: NodeIDTypeGUID, Namespace: namespace, GUID: guid}
}

// NewOpaqueNodeID creates an opaque NodeID.
func NewOpaqueNodeID(namespace uint16, b []byte) NodeID {
	return NodeID{Type: NodeIDTypeOpaque, Namespace: namespace, Opaque: string(b)}
}

// IsNull reports whether n is the null NodeId (ns=0;i=0).
func (n NodeID) IsNull() bool {
	return n == NodeID{}
}

// Identifier returns the identifier part in text form.
func (n NodeID) Identifier() string {
	switch n.Type {
	case NodeIDTypeNumeric:
		return fmt.Sprintf("i=%d", n.Numeric)
	case NodeIDTypeString:
		return "s=" + n.StringID
	case NodeIDTypeGUID:
		return "g=" + formatGUID(n.GUID)
	case NodeIDTypeOpaque:
		return "b=" + base64.StdEncoding.EncodeToString([]byte(n.Opaque))
	default:
		return fmt.Sprintf("<unknown type %d>", n.Type)
	}
}

// String formats the NodeID in the standard "ns=<n>;<type>=<id>" notation.
func (n NodeID) String() string {
	if n.Namespace == 0 {
		return n.Identifier()
	}
	return fmt.Sprintf("ns=%d;%s", n.Namespace, n.Identifier())
}

// ParseNodeID parses "ns=2;s=Foo", "i=85", "ns=1;g=...", "ns=1;b=...".
// An identifier without a type prefix is numeric when it parses as a
// number and a string otherwise.
func ParseNodeID(s string) (NodeID, error) {
	ns := uint16(0)
	identifier := strings.TrimSpace(s)
	if identifier == "" {
		return NodeID{}, fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}

	if strings.HasPrefix(identifier, "ns=") {
		parts := strings.SplitN(identifier, ";", 2)
		if len(parts) != 2 {
			return NodeID{}, fmt.Errorf("%w: %s", ErrInvalidNodeID, s)
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "ns="), 10, 16)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: invalid namespace in %s", ErrInvalidNodeID, s)
		}
		ns = uint16(v)
		identifier = parts[1]
	}

	switch {
	case strings.HasPrefix(identifier, "i="):
		v, err := strconv.ParseUint(identifier[2:], 10, 32)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: invalid numeric id in %s", ErrInvalidNodeID, s)
		}
		return NewNumericNodeID(ns, uint32(v)), nil
	case strings.HasPrefix(identifier, "s="):
		return NewStringNodeID(ns, identifier[2:]), nil
	case strings.HasPrefix(identifier, "g="):
		g, err := parseGUID(identifier[2:])
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
		}
		return NewGUIDNodeID(ns, g), nil
	case strings.HasPrefix(identifier, "b="):
		b, err := base64.StdEncoding.DecodeString(identifier[2:])
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: invalid opaque id in %s", ErrInvalidNodeID, s)
		}
		return NewOpaqueNodeID(ns, b), nil
	}

	if v, err := strconv.ParseUint(identifier, 10, 32); err == nil {
		return NewNumericNodeID(ns, uint32(v)), nil
	}
	return NewStringNodeID(ns, identifier), nil
}

// MustParseNodeID is like ParseNodeID but panics on error.
func MustParseNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// GUIDs are rendered in the registry format with the first three groups in
// little-endian order, as they appear on the wire.
func formatGUID(g [16]byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%X-%X",
		uint32(g[3])<<24|uint32(g[2])<<16|uint32(g[1])<<8|uint32(g[0]),
		uint16(g[5])<<8|uint16(g[4]),
		uint16(g[7])<<8|uint16(g[6]),
		g[8:10], g[10:16])
}

func parseGUID(s string) ([16]byte, error) {
	var g [16]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil || len(raw) != 16 {
		return g, fmt.Errorf("invalid GUID %q", s)
	}
	g[0], g[1], g[2], g[3] = raw[3], raw[2], raw[1], raw[0]
	g[4], g[5] = raw[5], raw[4]
	g[6], g[7] = raw[7], raw[6]
	copy(g[8:], raw[8:])
	return g, nil
}

// ExpandedNodeID is a NodeID that may name its namespace by URI and its
// server by URI or by index into the server's ServerArray.
type ExpandedNodeID struct {
	NodeID       NodeID
	NamespaceURI string
	ServerURI    string
	ServerIndex  uint32
}

// NewExpandedNodeID creates an ExpandedNodeID on the given server.
func NewExpandedNodeID(serverURI string, id NodeID) ExpandedNodeID {
	return ExpandedNodeID{NodeID: id, ServerURI: serverURI}
}

// IsLocal reports whether the id refers to the server that returned it.
func (e ExpandedNodeID) IsLocal() bool {
	return e.ServerURI == "" && e.ServerIndex == 0
}

// String formats the id as "svu=<uri>;nsu=<uri>;<id>", omitting empty parts.
func (e ExpandedNodeID) String() string {
	var b strings.Builder
	switch {
	case e.ServerURI != "":
		b.WriteString("svu=" + e.ServerURI + ";")
	case e.ServerIndex != 0:
		fmt.Fprintf(&b, "svr=%d;", e.ServerIndex)
	}
	if e.NamespaceURI != "" {
		b.WriteString("nsu=" + e.NamespaceURI + ";" + e.NodeID.Identifier())
	} else {
		b.WriteString(e.NodeID.String())
	}
	return b.String()
}

// ParseExpandedNodeID parses the notation produced by String.
func ParseExpandedNodeID(s string) (ExpandedNodeID, error) {
	var e ExpandedNodeID
	rest := strings.TrimSpace(s)
	for {
		switch {
		case strings.HasPrefix(rest, "svu="):
			i := strings.Index(rest, ";")
			if i < 0 {
				return e, fmt.Errorf("%w: %s", ErrInvalidNodeID, s)
			}
			e.ServerURI, rest = rest[4:i], rest[i+1:]
			continue
		case strings.HasPrefix(rest, "svr="):
			i := strings.Index(rest, ";")
			if i < 0 {
				return e, fmt.Errorf("%w: %s", ErrInvalidNodeID, s)
			}
			v, err := strconv.ParseUint(rest[4:i], 10, 32)
			if err != nil {
				return e, fmt.Errorf("%w: invalid server index in %s", ErrInvalidNodeID, s)
			}
			e.ServerIndex, rest = uint32(v), rest[i+1:]
			continue
		case strings.HasPrefix(rest, "nsu="):
			i := strings.Index(rest, ";")
			if i < 0 {
				return e, fmt.Errorf("%w: %s", ErrInvalidNodeID, s)
			}
			e.NamespaceURI, rest = rest[4:i], rest[i+1:]
			continue
		}
		break
	}
	id, err := ParseNodeID(rest)
	if err != nil {
		return e, err
	}
	e.NodeID = id
	return e, nil
}

// Well-known namespace 0 nodes.
var (
	RootFolder             = NewNumericNodeID(0, 84)
	ObjectsFolder          = NewNumericNodeID(0, 85)
	ServerNode             = NewNumericNodeID(0, 2253)
	ServerArrayNode        = NewNumericNodeID(0, 2254)
	NamespaceArrayNode     = NewNumericNodeID(0, 2255)
	ServerStatusStateNode  = NewNumericNodeID(0, 2259)
	HierarchicalReferences = NewNumericNodeID(0, 33)
	HasChild               = NewNumericNodeID(0, 34)
	Organizes              = NewNumericNodeID(0, 35)
	Aggregates             = NewNumericNodeID(0, 44)
	HasProperty            = NewNumericNodeID(0, 46)
	HasComponent           = NewNumericNodeID(0, 47)
	BaseEventType          = NewNumericNodeID(0, 2041)
)
