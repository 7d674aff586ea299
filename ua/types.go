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

// Package ua holds the OPC UA data model shared by the uaf engine and the
// wire stacks that implement its transport: identifiers, status codes,
// values and the service structures exchanged with a server.
package ua

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServiceID identifies an OPC UA service by its request type id.
type ServiceID uint32

// OPC UA service ids.
const (
	ServiceFindServers                   ServiceID = 422
	ServiceGetEndpoints                  ServiceID = 428
	ServiceCreateSession                 ServiceID = 461
	ServiceActivateSession               ServiceID = 467
	ServiceCloseSession                  ServiceID = 473
	ServiceBrowse                        ServiceID = 527
	ServiceBrowseNext                    ServiceID = 533
	ServiceTranslateBrowsePathsToNodeIDs ServiceID = 554
	ServiceRead                          ServiceID = 631
	ServiceHistoryRead                   ServiceID = 664
	ServiceWrite                         ServiceID = 673
	ServiceCall                          ServiceID = 712
	ServiceCreateMonitoredItems          ServiceID = 751
	ServiceSetMonitoringMode             ServiceID = 769
	ServiceDeleteMonitoredItems          ServiceID = 781
	ServiceCreateSubscription            ServiceID = 787
	ServiceSetPublishingMode             ServiceID = 799
	ServicePublish                       ServiceID = 826
	ServiceRepublish                     ServiceID = 832
	ServiceDeleteSubscriptions           ServiceID = 847
)

var serviceNames = map[ServiceID]string{
	ServiceFindServers:                   "FindServers",
	ServiceGetEndpoints:                  "GetEndpoints",
	ServiceCreateSession:                 "CreateSession",
	ServiceActivateSession:               "ActivateSession",
	ServiceCloseSession:                  "CloseSession",
	ServiceBrowse:                        "Browse",
	ServiceBrowseNext:                    "BrowseNext",
	ServiceTranslateBrowsePathsToNodeIDs: "TranslateBrowsePathsToNodeIds",
	ServiceRead:                          "Read",
	ServiceHistoryRead:                   "HistoryRead",
	ServiceWrite:                         "Write",
	ServiceCall:                          "Call",
	ServiceCreateMonitoredItems:          "CreateMonitoredItems",
	ServiceSetMonitoringMode:             "SetMonitoringMode",
	ServiceDeleteMonitoredItems:          "DeleteMonitoredItems",
	ServiceCreateSubscription:            "CreateSubscription",
	ServiceSetPublishingMode:             "SetPublishingMode",
	ServicePublish:                       "Publish",
	ServiceRepublish:                     "Republish",
	ServiceDeleteSubscriptions:           "DeleteSubscriptions",
}

// String returns the service name.
func (s ServiceID) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return "Unknown"
}

// AttributeID represents an OPC UA attribute identifier.
type AttributeID uint32

// OPC UA attribute ids.
const (
	AttributeNodeID                  AttributeID = 1
	AttributeNodeClass               AttributeID = 2
	AttributeBrowseName              AttributeID = 3
	AttributeDisplayName             AttributeID = 4
	AttributeDescription             AttributeID = 5
	AttributeWriteMask               AttributeID = 6
	AttributeUserWriteMask           AttributeID = 7
	AttributeIsAbstract              AttributeID = 8
	AttributeSymmetric               AttributeID = 9
	AttributeInverseName             AttributeID = 10
	AttributeContainsNoLoops         AttributeID = 11
	AttributeEventNotifier           AttributeID = 12
	AttributeValue                   AttributeID = 13
	AttributeDataType                AttributeID = 14
	AttributeValueRank               AttributeID = 15
	AttributeArrayDimensions         AttributeID = 16
	AttributeAccessLevel             AttributeID = 17
	AttributeUserAccessLevel         AttributeID = 18
	AttributeMinimumSamplingInterval AttributeID = 19
	AttributeHistorizing             AttributeID = 20
	AttributeExecutable              AttributeID = 21
	AttributeUserExecutable          AttributeID = 22
)

var attributeNames = []string{
	"", "NodeId", "NodeClass", "BrowseName", "DisplayName", "Description",
	"WriteMask", "UserWriteMask", "IsAbstract", "Symmetric", "InverseName",
	"ContainsNoLoops", "EventNotifier", "Value", "DataType", "ValueRank",
	"ArrayDimensions", "AccessLevel", "UserAccessLevel",
	"MinimumSamplingInterval", "Historizing", "Executable", "UserExecutable",
}

// String returns the attribute name.
func (a AttributeID) String() string {
	if a > 0 && int(a) < len(attributeNames) {
		return attributeNames[a]
	}
	return "Unknown"
}

// ParseAttributeID accepts an attribute name (case-insensitive) or number.
func ParseAttributeID(s string) (AttributeID, error) {
	for i, name := range attributeNames {
		if i > 0 && strings.EqualFold(name, s) {
			return AttributeID(i), nil
		}
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil && v > 0 && int(v) < len(attributeNames) {
		return AttributeID(v), nil
	}
	return 0, fmt.Errorf("ua: unknown attribute %q", s)
}

// NodeClass represents the class of an OPC UA node.
type NodeClass uint32

// OPC UA node classes.
const (
	NodeClassUnspecified   NodeClass = 0
	NodeClassObject        NodeClass = 1
	NodeClassVariable      NodeClass = 2
	NodeClassMethod        NodeClass = 4
	NodeClassObjectType    NodeClass = 8
	NodeClassVariableType  NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType      NodeClass = 64
	NodeClassView          NodeClass = 128
)

// String returns the node class name.
func (n NodeClass) String() string {
	switch n {
	case NodeClassUnspecified:
		return "Unspecified"
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassMethod:
		return "Method"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	default:
		return "Unknown"
	}
}

// BrowseDirection represents the direction to follow references.
type BrowseDirection uint32

// Browse directions.
const (
	BrowseDirectionForward BrowseDirection = 0
	BrowseDirectionInverse BrowseDirection = 1
	BrowseDirectionBoth    BrowseDirection = 2
)

// TimestampsToReturn specifies which timestamps the server returns.
type TimestampsToReturn uint32

// Timestamps to return.
const (
	TimestampsToReturnSource  TimestampsToReturn = 0
	TimestampsToReturnServer  TimestampsToReturn = 1
	TimestampsToReturnBoth    TimestampsToReturn = 2
	TimestampsToReturnNeither TimestampsToReturn = 3
)

// MessageSecurityMode represents the security mode for messages.
type MessageSecurityMode uint32

// Message security modes.
const (
	MessageSecurityModeInvalid        MessageSecurityMode = 0
	MessageSecurityModeNone           MessageSecurityMode = 1
	MessageSecurityModeSign           MessageSecurityMode = 2
	MessageSecurityModeSignAndEncrypt MessageSecurityMode = 3
)

// String returns the mode name.
func (m MessageSecurityMode) String() string {
	switch m {
	case MessageSecurityModeNone:
		return "None"
	case MessageSecurityModeSign:
		return "Sign"
	case MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// ParseMessageSecurityMode accepts None, Sign or SignAndEncrypt.
func ParseMessageSecurityMode(s string) (MessageSecurityMode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return MessageSecurityModeNone, nil
	case "sign":
		return MessageSecurityModeSign, nil
	case "signandencrypt", "sign_and_encrypt":
		return MessageSecurityModeSignAndEncrypt, nil
	default:
		return MessageSecurityModeInvalid, fmt.Errorf("ua: unknown security mode %q", s)
	}
}

// SecurityPolicy is an OPC UA security policy URI.
type SecurityPolicy string

// Security policies.
const (
	SecurityPolicyNone           SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyBasic128Rsa15  SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	SecurityPolicyBasic256       SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	SecurityPolicyBasic256Sha256 SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyAes128Sha256   SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyAes256Sha256   SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
)

// ShortName returns the fragment after '#', e.g. "Basic256Sha256".
func (p SecurityPolicy) ShortName() string {
	if i := strings.LastIndex(string(p), "#"); i >= 0 {
		return string(p)[i+1:]
	}
	return string(p)
}

// ParseSecurityPolicy accepts a short name or a full policy URI.
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return SecurityPolicyNone, nil
	case "basic128rsa15":
		return SecurityPolicyBasic128Rsa15, nil
	case "basic256":
		return SecurityPolicyBasic256, nil
	case "basic256sha256":
		return SecurityPolicyBasic256Sha256, nil
	case "aes128sha256rsaoaep", "aes128sha256", "aes128_sha256_rsaoaep":
		return SecurityPolicyAes128Sha256, nil
	case "aes256sha256rsapss", "aes256sha256", "aes256_sha256_rsapss":
		return SecurityPolicyAes256Sha256, nil
	}
	if strings.HasPrefix(s, "http://opcfoundation.org/UA/SecurityPolicy#") {
		return SecurityPolicy(s), nil
	}
	return "", fmt.Errorf("ua: unknown security policy %q", s)
}

// MonitoringMode represents the monitoring mode of a monitored item.
type MonitoringMode uint32

// Monitoring modes.
const (
	MonitoringModeDisabled  MonitoringMode = 0
	MonitoringModeSampling  MonitoringMode = 1
	MonitoringModeReporting MonitoringMode = 2
)

// String returns the mode name.
func (m MonitoringMode) String() string {
	switch m {
	case MonitoringModeDisabled:
		return "Disabled"
	case MonitoringModeSampling:
		return "Sampling"
	case MonitoringModeReporting:
		return "Reporting"
	default:
		return "Unknown"
	}
}

// TypeID represents an OPC UA built-in type.
type TypeID uint8

// OPC UA built-in types.
const (
	TypeNull            TypeID = 0
	TypeBoolean         TypeID = 1
	TypeSByte           TypeID = 2
	TypeByte            TypeID = 3
	TypeInt16           TypeID = 4
	TypeUInt16          TypeID = 5
	TypeInt32           TypeID = 6
	TypeUInt32          TypeID = 7
	TypeInt64           TypeID = 8
	TypeUInt64          TypeID = 9
	TypeFloat           TypeID = 10
	TypeDouble          TypeID = 11
	TypeString          TypeID = 12
	TypeDateTime        TypeID = 13
	TypeGUID            TypeID = 14
	TypeByteString      TypeID = 15
	TypeXMLElement      TypeID = 16
	TypeNodeID          TypeID = 17
	TypeExpandedNodeID  TypeID = 18
	TypeStatusCode      TypeID = 19
	TypeQualifiedName   TypeID = 20
	TypeLocalizedText   TypeID = 21
	TypeExtensionObject TypeID = 22
	TypeDataValue       TypeID = 23
	TypeVariant         TypeID = 24
	TypeDiagnosticInfo  TypeID = 25
)

var typeNames = []string{
	"Null", "Boolean", "SByte", "Byte", "Int16", "UInt16", "Int32", "UInt32",
	"Int64", "UInt64", "Float", "Double", "String", "DateTime", "Guid",
	"ByteString", "XmlElement", "NodeId", "ExpandedNodeId", "StatusCode",
	"QualifiedName", "LocalizedText", "ExtensionObject", "DataValue",
	"Variant", "DiagnosticInfo",
}

// String returns the built-in type name.
func (t TypeID) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", t)
}

// Variant holds a value together with its built-in type. Arrays are held
// as Go slices of the element type.
type Variant struct {
	Type  TypeID
	Value interface{}
}

// NewVariant wraps a Go value, inferring the built-in type.
func NewVariant(v interface{}) *Variant {
	return &Variant{Type: TypeOf(v), Value: v}
}

// TypeOf returns the built-in type for a Go value or slice of values.
func TypeOf(v interface{}) TypeID {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool, []bool:
		return TypeBoolean
	case int8, []int8:
		return TypeSByte
	case uint8, []uint8:
		return TypeByte
	case int16, []int16:
		return TypeInt16
	case uint16, []uint16:
		return TypeUInt16
	case int32, []int32:
		return TypeInt32
	case uint32, []uint32:
		return TypeUInt32
	case int64, int, []int64, []int:
		return TypeInt64
	case uint64, []uint64:
		return TypeUInt64
	case float32, []float32:
		return TypeFloat
	case float64, []float64:
		return TypeDouble
	case string, []string:
		return TypeString
	case time.Time, []time.Time:
		return TypeDateTime
	case NodeID, []NodeID:
		return TypeNodeID
	case ExpandedNodeID, []ExpandedNodeID:
		return TypeExpandedNodeID
	case StatusCode, []StatusCode:
		return TypeStatusCode
	case QualifiedName, []QualifiedName:
		return TypeQualifiedName
	case LocalizedText, []LocalizedText:
		return TypeLocalizedText
	default:
		return TypeExtensionObject
	}
}

// String formats the contained value.
func (v *Variant) String() string {
	if v == nil || v.Value == nil {
		return "<null>"
	}
	return fmt.Sprintf("%v", v.Value)
}

// DataValue is a value with status and timestamps.
type DataValue struct {
	Value           *Variant
	Status          StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// QualifiedName is a name qualified by a namespace index.
type QualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

// String formats the name as "<ns>:<name>" (namespace 0 omitted).
func (q QualifiedName) String() string {
	if q.NamespaceIndex == 0 {
		return q.Name
	}
	return fmt.Sprintf("%d:%s", q.NamespaceIndex, q.Name)
}

// ParseQualifiedName parses "<ns>:<name>" or a bare name in namespace 0.
func ParseQualifiedName(s string) QualifiedName {
	if i := strings.Index(s, ":"); i > 0 {
		if ns, err := strconv.ParseUint(s[:i], 10, 16); err == nil {
			return QualifiedName{NamespaceIndex: uint16(ns), Name: s[i+1:]}
		}
	}
	return QualifiedName{Name: s}
}

// LocalizedText is text with an optional locale.
type LocalizedText struct {
	Locale string
	Text   string
}

// ApplicationType represents the type of an OPC UA application.
type ApplicationType uint32

// Application types.
const (
	ApplicationTypeServer          ApplicationType = 0
	ApplicationTypeClient          ApplicationType = 1
	ApplicationTypeClientAndServer ApplicationType = 2
	ApplicationTypeDiscoveryServer ApplicationType = 3
)

// String returns the application type name.
func (a ApplicationType) String() string {
	switch a {
	case ApplicationTypeServer:
		return "Server"
	case ApplicationTypeClient:
		return "Client"
	case ApplicationTypeClientAndServer:
		return "ClientAndServer"
	case ApplicationTypeDiscoveryServer:
		return "DiscoveryServer"
	default:
		return "Unknown"
	}
}

// ApplicationDescription describes an OPC UA application.
type ApplicationDescription struct {
	ApplicationURI      string
	ProductURI          string
	ApplicationName     LocalizedText
	ApplicationType     ApplicationType
	GatewayServerURI    string
	DiscoveryProfileURI string
	DiscoveryURLs       []string
}

// UserTokenType represents the type of user identity token.
type UserTokenType uint32

// User token types.
const (
	UserTokenTypeAnonymous   UserTokenType = 0
	UserTokenTypeUserName    UserTokenType = 1
	UserTokenTypeCertificate UserTokenType = 2
	UserTokenTypeIssuedToken UserTokenType = 3
)

// String returns the token type name.
func (t UserTokenType) String() string {
	switch t {
	case UserTokenTypeAnonymous:
		return "Anonymous"
	case UserTokenTypeUserName:
		return "UserName"
	case UserTokenTypeCertificate:
		return "Certificate"
	case UserTokenTypeIssuedToken:
		return "IssuedToken"
	default:
		return "Unknown"
	}
}

// UserTokenPolicy describes a user identity token policy.
type UserTokenPolicy struct {
	PolicyID          string
	TokenType         UserTokenType
	IssuedTokenType   string
	IssuerEndpointURL string
	SecurityPolicyURI string
}

// EndpointDescription describes a server endpoint.
type EndpointDescription struct {
	EndpointURL         string
	Server              ApplicationDescription
	ServerCertificate   []byte
	SecurityMode        MessageSecurityMode
	SecurityPolicyURI   SecurityPolicy
	UserIdentityTokens  []UserTokenPolicy
	TransportProfileURI string
	SecurityLevel       uint8
}
