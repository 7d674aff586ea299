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

import "fmt"

// StatusCode severity levels.
const (
	StatusSeverityGood      uint32 = 0x00000000
	StatusSeverityUncertain uint32 = 0x40000000
	StatusSeverityBad       uint32 = 0x80000000
	StatusSeverityMask      uint32 = 0xC0000000
)

// StatusCode represents an OPC UA StatusCode.
type StatusCode uint32

// Status codes used by the engine. The values are those of Part 6 Annex A.
const (
	StatusGood                           StatusCode = 0x00000000
	StatusGoodNoData                     StatusCode = 0x00A50000
	StatusGoodMoreData                   StatusCode = 0x00A60000
	StatusUncertain                      StatusCode = 0x40000000
	StatusUncertainLastUsableValue       StatusCode = 0x40900000
	StatusBad                            StatusCode = 0x80000000
	StatusBadUnexpectedError             StatusCode = 0x80010000
	StatusBadInternalError               StatusCode = 0x80020000
	StatusBadResourceUnavailable         StatusCode = 0x80040000
	StatusBadCommunicationError          StatusCode = 0x80050000
	StatusBadTimeout                     StatusCode = 0x800A0000
	StatusBadServiceUnsupported          StatusCode = 0x800B0000
	StatusBadShutdown                    StatusCode = 0x800C0000
	StatusBadServerNotConnected          StatusCode = 0x800D0000
	StatusBadNothingToDo                 StatusCode = 0x800F0000
	StatusBadTooManyOperations           StatusCode = 0x80100000
	StatusBadCertificateInvalid          StatusCode = 0x80120000
	StatusBadSecurityChecksFailed        StatusCode = 0x80130000
	StatusBadCertificateUntrusted        StatusCode = 0x801A0000
	StatusBadUserAccessDenied            StatusCode = 0x801F0000
	StatusBadIdentityTokenRejected       StatusCode = 0x80210000
	StatusBadSessionIDInvalid            StatusCode = 0x80250000
	StatusBadSessionClosed               StatusCode = 0x80260000
	StatusBadSessionNotActivated         StatusCode = 0x80270000
	StatusBadSubscriptionIDInvalid       StatusCode = 0x80280000
	StatusBadWaitingForInitialData       StatusCode = 0x80320000
	StatusBadNodeIDInvalid               StatusCode = 0x80330000
	StatusBadNodeIDUnknown               StatusCode = 0x80340000
	StatusBadAttributeIDInvalid          StatusCode = 0x80350000
	StatusBadNotReadable                 StatusCode = 0x803A0000
	StatusBadNotWritable                 StatusCode = 0x803B0000
	StatusBadNotSupported                StatusCode = 0x803D0000
	StatusBadNotFound                    StatusCode = 0x803E0000
	StatusBadMonitoringModeInvalid       StatusCode = 0x80410000
	StatusBadMonitoredItemIDInvalid      StatusCode = 0x80420000
	StatusBadContinuationPointInvalid    StatusCode = 0x804A0000
	StatusBadNoContinuationPoints        StatusCode = 0x804B0000
	StatusBadReferenceTypeIDInvalid      StatusCode = 0x804C0000
	StatusBadServerURIInvalid            StatusCode = 0x804F0000
	StatusBadSecurityPolicyRejected      StatusCode = 0x80550000
	StatusBadBrowseNameInvalid           StatusCode = 0x80600000
	StatusBadNoMatch                     StatusCode = 0x806F0000
	StatusBadHistoryOperationUnsupported StatusCode = 0x80720000
	StatusBadTypeMismatch                StatusCode = 0x80740000
	StatusBadMethodInvalid               StatusCode = 0x80750000
	StatusBadArgumentsMissing            StatusCode = 0x80760000
	StatusBadTooManySubscriptions        StatusCode = 0x80770000
	StatusBadNoSubscription              StatusCode = 0x80790000
	StatusBadSequenceNumberUnknown       StatusCode = 0x807A0000
	StatusBadMessageNotAvailable         StatusCode = 0x807B0000
	StatusBadTCPEndpointURLInvalid       StatusCode = 0x80830000
	StatusBadRequestTimeout              StatusCode = 0x80850000
	StatusBadSecureChannelClosed         StatusCode = 0x80860000
	StatusBadNotConnected                StatusCode = 0x808A0000
	StatusBadInvalidArgument             StatusCode = 0x80AB0000
	StatusBadConnectionRejected          StatusCode = 0x80AC0000
	StatusBadDisconnect                  StatusCode = 0x80AD0000
	StatusBadConnectionClosed            StatusCode = 0x80AE0000
	StatusBadInvalidState                StatusCode = 0x80AF0000
)

type statusCodeInfo struct {
	name        string
	description string
}

var statusCodeMap = map[StatusCode]statusCodeInfo{
	StatusGood:                           {"Good", "The operation completed successfully"},
	StatusGoodNoData:                     {"GoodNoData", "No data exists for the requested time range or event filter"},
	StatusGoodMoreData:                   {"GoodMoreData", "More data is available in the time range beyond the number of values requested"},
	StatusUncertain:                      {"Uncertain", "The operation completed with an uncertain result"},
	StatusUncertainLastUsableValue:       {"UncertainLastUsableValue", "Whatever was updating this value has stopped doing so"},
	StatusBad:                            {"Bad", "The operation failed"},
	StatusBadUnexpectedError:             {"BadUnexpectedError", "An unexpected error occurred"},
	StatusBadInternalError:               {"BadInternalError", "An internal error occurred"},
	StatusBadResourceUnavailable:         {"BadResourceUnavailable", "An operating system resource is not available"},
	StatusBadCommunicationError:          {"BadCommunicationError", "A low level communication error occurred"},
	StatusBadTimeout:                     {"BadTimeout", "The operation timed out"},
	StatusBadServiceUnsupported:          {"BadServiceUnsupported", "The server does not support the requested service"},
	StatusBadShutdown:                    {"BadShutdown", "The operation was cancelled because the application is shutting down"},
	StatusBadServerNotConnected:          {"BadServerNotConnected", "The operation could not complete because the client is not connected to the server"},
	StatusBadNothingToDo:                 {"BadNothingToDo", "No processing could be done because there was nothing to do"},
	StatusBadTooManyOperations:           {"BadTooManyOperations", "The request specified too many operations"},
	StatusBadCertificateInvalid:          {"BadCertificateInvalid", "The certificate provided as a parameter is not valid"},
	StatusBadSecurityChecksFailed:        {"BadSecurityChecksFailed", "An error occurred verifying security"},
	StatusBadCertificateUntrusted:        {"BadCertificateUntrusted", "The certificate is not trusted"},
	StatusBadUserAccessDenied:            {"BadUserAccessDenied", "User does not have permission to perform the requested operation"},
	StatusBadIdentityTokenRejected:       {"BadIdentityTokenRejected", "The user identity token is valid but the server has rejected it"},
	StatusBadSessionIDInvalid:            {"BadSessionIdInvalid", "The session id is not valid"},
	StatusBadSessionClosed:               {"BadSessionClosed", "The session was closed by the client"},
	StatusBadSessionNotActivated:         {"BadSessionNotActivated", "The session cannot be used because ActivateSession has not been called"},
	StatusBadSubscriptionIDInvalid:       {"BadSubscriptionIdInvalid", "The subscription id is not valid"},
	StatusBadWaitingForInitialData:       {"BadWaitingForInitialData", "Waiting for the server to obtain values from the underlying data source"},
	StatusBadNodeIDInvalid:               {"BadNodeIdInvalid", "The syntax of the node id is not valid"},
	StatusBadNodeIDUnknown:               {"BadNodeIdUnknown", "The node id refers to a node that does not exist in the server address space"},
	StatusBadAttributeIDInvalid:          {"BadAttributeIdInvalid", "The attribute is not supported for the specified Node"},
	StatusBadNotReadable:                 {"BadNotReadable", "The access level does not allow reading or subscribing to the Node"},
	StatusBadNotWritable:                 {"BadNotWritable", "The access level does not allow writing to the Node"},
	StatusBadNotSupported:                {"BadNotSupported", "The requested operation is not supported"},
	StatusBadNotFound:                    {"BadNotFound", "A requested item was not found or a search operation ended without success"},
	StatusBadMonitoringModeInvalid:       {"BadMonitoringModeInvalid", "The monitoring mode is invalid"},
	StatusBadMonitoredItemIDInvalid:      {"BadMonitoredItemIdInvalid", "The monitoring item id does not refer to a valid monitored item"},
	StatusBadContinuationPointInvalid:    {"BadContinuationPointInvalid", "The continuation point provided is no longer valid"},
	StatusBadNoContinuationPoints:        {"BadNoContinuationPoints", "The operation could not be processed because all continuation points have been allocated"},
	StatusBadReferenceTypeIDInvalid:      {"BadReferenceTypeIdInvalid", "The reference type id does not refer to a valid reference type node"},
	StatusBadServerURIInvalid:            {"BadServerUriInvalid", "The ServerUri is not a valid URI"},
	StatusBadSecurityPolicyRejected:      {"BadSecurityPolicyRejected", "The security policy does not meet the requirements set by the server"},
	StatusBadBrowseNameInvalid:           {"BadBrowseNameInvalid", "The browse name is invalid"},
	StatusBadNoMatch:                     {"BadNoMatch", "The requested operation has no match to return"},
	StatusBadHistoryOperationUnsupported: {"BadHistoryOperationUnsupported", "The server does not support the requested history operation"},
	StatusBadTypeMismatch:                {"BadTypeMismatch", "The value supplied for the attribute is not of the same type as the attribute's value"},
	StatusBadMethodInvalid:               {"BadMethodInvalid", "The method id does not refer to a method for the specified object"},
	StatusBadArgumentsMissing:            {"BadArgumentsMissing", "The client did not specify all of the input arguments for the method"},
	StatusBadTooManySubscriptions:        {"BadTooManySubscriptions", "The server has reached its maximum number of subscriptions"},
	StatusBadNoSubscription:              {"BadNoSubscription", "There is no subscription available for this session"},
	StatusBadSequenceNumberUnknown:       {"BadSequenceNumberUnknown", "The sequence number is unknown to the server"},
	StatusBadMessageNotAvailable:         {"BadMessageNotAvailable", "The requested notification message is no longer available"},
	StatusBadTCPEndpointURLInvalid:       {"BadTcpEndpointUrlInvalid", "The server does not recognize the QueryString specified"},
	StatusBadRequestTimeout:              {"BadRequestTimeout", "Timeout occurred while processing the request"},
	StatusBadSecureChannelClosed:         {"BadSecureChannelClosed", "The secure channel has been closed"},
	StatusBadNotConnected:                {"BadNotConnected", "The variable should receive its value from another variable, but has never been configured to do so"},
	StatusBadInvalidArgument:             {"BadInvalidArgument", "One or more arguments are invalid"},
	StatusBadConnectionRejected:          {"BadConnectionRejected", "Could not establish a network connection to remote server"},
	StatusBadDisconnect:                  {"BadDisconnect", "The server has disconnected from the client"},
	StatusBadConnectionClosed:            {"BadConnectionClosed", "The network connection has been closed"},
	StatusBadInvalidState:                {"BadInvalidState", "The operation cannot be completed because the object is closed, uninitialized or in some other invalid state"},
}

// String returns the symbolic name of the status code.
func (s StatusCode) String() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// Description returns a human-readable description of the status code.
func (s StatusCode) Description() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.description
	}
	switch {
	case s.IsGood():
		return "The operation completed successfully"
	case s.IsUncertain():
		return "The operation completed with uncertain result"
	default:
		return "The operation failed"
	}
}

// Error implements the error interface so bad codes can be returned directly.
func (s StatusCode) Error() string {
	if info, ok := statusCodeMap[s]; ok {
		return fmt.Sprintf("%s (0x%08X): %s", info.name, uint32(s), info.description)
	}
	return fmt.Sprintf("StatusCode 0x%08X", uint32(s))
}

// IsGood reports whether the severity is Good.
func (s StatusCode) IsGood() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityGood
}

// IsUncertain reports whether the severity is Uncertain.
func (s StatusCode) IsUncertain() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityUncertain
}

// IsBad reports whether the severity is Bad.
func (s StatusCode) IsBad() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityBad
}

// IsNotBad reports whether the code is Good or Uncertain.
func (s StatusCode) IsNotBad() bool {
	return !s.IsBad()
}

// Code strips the info bits and returns the bare code.
func (s StatusCode) Code() StatusCode {
	return s & 0xFFFF0000
}
