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
	"strings"

	"github.com/edgeo-scada/uaf/ua"
)

// Error kinds. Every error returned by the engine matches at most one of
// them with errors.Is.
var (
	// ErrConnection indicates a secure channel or session could not be
	// established or was lost.
	ErrConnection = errors.New("uaf: connection error")

	// ErrDiscovery indicates no endpoint could be found for a server.
	ErrDiscovery = errors.New("uaf: discovery error")

	// ErrResolution indicates an address could not be translated.
	ErrResolution = errors.New("uaf: resolution error")

	// ErrWrongType indicates an address uses an unsupported reference type.
	ErrWrongType = errors.New("uaf: wrong type")

	// ErrTimeout indicates a service call exceeded its timeout.
	ErrTimeout = errors.New("uaf: timeout")

	// ErrInvalidRequest indicates a structurally invalid request.
	ErrInvalidRequest = errors.New("uaf: invalid request")

	// ErrSecurity indicates a certificate or security policy mismatch.
	ErrSecurity = errors.New("uaf: security error")

	// ErrSubscription indicates a subscription level service failure.
	ErrSubscription = errors.New("uaf: subscription error")

	// ErrUnknownHandle indicates a connection, subscription or client
	// handle that does not exist.
	ErrUnknownHandle = errors.New("uaf: unknown handle")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("uaf: client closed")
)

// Error is the concrete error type of the engine. It matches its Kind, its
// Status (when bad) and its cause with errors.Is.
type Error struct {
	Kind    error
	Service ua.ServiceID
	Status  ua.StatusCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("uaf: service error")
	}
	if e.Service != 0 {
		fmt.Fprintf(&b, " (%s)", e.Service)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Status != ua.StatusGood {
		b.WriteString(": " + e.Status.String())
	}
	if e.Err != nil && !errors.Is(e.Err, e.Status) {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the kind, the status and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Status.IsBad() {
		errs = append(errs, e.Status)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind error, svc ua.ServiceID, status ua.StatusCode, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Service: svc,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

// MonitoredItemsError reports a failed monitored item creation. The client
// handles were assigned anyway and stay valid; the items are retried in the
// background.
type MonitoredItemsError struct {
	Handles []ClientHandle
	Err     error
}

func (e *MonitoredItemsError) Error() string {
	return fmt.Sprintf("uaf: %d monitored items not created: %v", len(e.Handles), e.Err)
}

func (e *MonitoredItemsError) Unwrap() error {
	return e.Err
}

// StatusOf returns the OPC UA status code carried by err. A nil error is
// StatusGood; an error without a status maps from its kind.
func StatusOf(err error) ua.StatusCode {
	if err == nil {
		return ua.StatusGood
	}
	var e *Error
	if errors.As(err, &e) && e.Status != ua.StatusGood {
		return e.Status
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ua.StatusBadTimeout
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		return ua.StatusBadShutdown
	case errors.Is(err, ErrConnection):
		return ua.StatusBadNotConnected
	case errors.Is(err, ErrSecurity):
		return ua.StatusBadSecurityChecksFailed
	case errors.Is(err, ErrResolution):
		return ua.StatusBadNoMatch
	case errors.Is(err, ErrWrongType):
		return ua.StatusBadReferenceTypeIDInvalid
	case errors.Is(err, ErrUnknownHandle), errors.Is(err, ErrInvalidRequest):
		return ua.StatusBadInvalidArgument
	}
	return ua.StatusBad
}

// Status codes meaning the channel or session is gone.
var connectionStatus = map[ua.StatusCode]bool{
	ua.StatusBadCommunicationError:    true,
	ua.StatusBadShutdown:              true,
	ua.StatusBadServerNotConnected:    true,
	ua.StatusBadSessionIDInvalid:      true,
	ua.StatusBadSessionClosed:         true,
	ua.StatusBadSessionNotActivated:   true,
	ua.StatusBadSecureChannelClosed:   true,
	ua.StatusBadConnectionRejected:    true,
	ua.StatusBadDisconnect:            true,
	ua.StatusBadConnectionClosed:      true,
	ua.StatusBadTCPEndpointURLInvalid: true,
}

var securityStatus = map[ua.StatusCode]bool{
	ua.StatusBadCertificateInvalid:     true,
	ua.StatusBadCertificateUntrusted:   true,
	ua.StatusBadSecurityChecksFailed:   true,
	ua.StatusBadSecurityPolicyRejected: true,
	ua.StatusBadUserAccessDenied:       true,
	ua.StatusBadIdentityTokenRejected:  true,
}

// classify turns an error returned by a Channel or Transport into an *Error.
func classify(svc ua.ServiceID, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Service: svc, Status: ua.StatusBadTimeout, Err: err}
	}
	var sc ua.StatusCode
	if !errors.As(err, &sc) {
		// transport failure without a status code
		return &Error{Kind: ErrConnection, Service: svc, Status: ua.StatusBadCommunicationError, Err: err}
	}
	code := sc.Code()
	switch {
	case code == ua.StatusBadTimeout, code == ua.StatusBadRequestTimeout:
		return &Error{Kind: ErrTimeout, Service: svc, Status: code, Err: err}
	case connectionStatus[code]:
		return &Error{Kind: ErrConnection, Service: svc, Status: code, Err: err}
	case securityStatus[code]:
		return &Error{Kind: ErrSecurity, Service: svc, Status: code, Err: err}
	case code == ua.StatusBadSubscriptionIDInvalid, code == ua.StatusBadNoSubscription,
		code == ua.StatusBadTooManySubscriptions:
		return &Error{Kind: ErrSubscription, Service: svc, Status: code, Err: err}
	}
	return &Error{Service: svc, Status: code, Err: err}
}

// IsTimeout reports whether err is a service call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsSecurityError reports whether err is a security failure.
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrSecurity)
}

// IsUnknownHandle reports whether err refers to a handle that does not exist.
func IsUnknownHandle(err error) bool {
	return errors.Is(err, ErrUnknownHandle)
}

// IsInvalidRequest reports whether err is a request construction error.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsResolutionError reports whether err is an address resolution failure.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrResolution) || errors.Is(err, ErrWrongType)
}

// IsStatusCode reports whether err carries the given status code.
func IsStatusCode(err error, code ua.StatusCode) bool {
	return err != nil && StatusOf(err).Code() == code
}
