// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errtype holds the taxonomy of errors surfaced by the connector. A
// caller can switch on the concrete type (or use errors.As) to decide whether
// a failure is worth retrying the whole connection attempt or should be
// treated as fatal.
package errtype

import "fmt"

// ConfigError is returned when a caller has supplied an invalid
// configuration value: a malformed instance URI, an unrecognized ip_type, or
// a missing required option. ConfigErrors are never retried by the core.
type ConfigError struct {
	msg      string
	instance string
}

// NewConfigError initializes a ConfigError.
func NewConfigError(msg, instance string) *ConfigError {
	return &ConfigError{msg: msg, instance: instance}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("[%s] %s", e.instance, e.msg)
}

// AuthError is returned when acquiring an OAuth2 token fails, the token is
// expired, or it lacks sufficient scope. The core does not retry AuthErrors.
type AuthError struct {
	msg string
	err error
}

// NewAuthError initializes an AuthError.
func NewAuthError(msg string, err error) *AuthError {
	return &AuthError{msg: msg, err: err}
}

func (e *AuthError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

// Unwrap returns the underlying error, if any.
func (e *AuthError) Unwrap() error { return e.err }

// ControlPlaneError wraps a non-2xx response from the AlloyDB Admin API. The
// caller can inspect Status to distinguish a retryable 5xx from a terminal
// 4xx (though by the time this reaches a caller, the core has already
// exhausted its own retries for 5xx responses).
type ControlPlaneError struct {
	msg      string
	instance string
	Status   int
	err      error
}

// NewControlPlaneError initializes a ControlPlaneError.
func NewControlPlaneError(msg, instance string, status int, err error) *ControlPlaneError {
	return &ControlPlaneError{msg: msg, instance: instance, Status: status, err: err}
}

func (e *ControlPlaneError) Error() string {
	return fmt.Sprintf("[%s] %s (status = %d): %v", e.instance, e.msg, e.Status, e.err)
}

// Unwrap returns the underlying error, if any.
func (e *ControlPlaneError) Unwrap() error { return e.err }

// NetworkError is returned for TCP connect, DNS, or TLS handshake failures.
// Receiving a NetworkError also triggers a ForceRefresh of the originating
// Instance so that the next Connect attempt uses fresh credentials.
type NetworkError struct {
	msg      string
	instance string
	err      error
}

// NewNetworkError initializes a NetworkError.
func NewNetworkError(msg, instance string, err error) *NetworkError {
	return &NetworkError{msg: msg, instance: instance, err: err}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.instance, e.msg, e.err)
}

// Unwrap returns the underlying error, if any.
func (e *NetworkError) Unwrap() error { return e.err }

// ProtocolError is returned when the metadata exchange is rejected by the
// server or the framing is malformed. Like NetworkError, it triggers a
// ForceRefresh.
type ProtocolError struct {
	msg      string
	instance string
	err      error
}

// NewProtocolError initializes a ProtocolError.
func NewProtocolError(msg, instance string, err error) *ProtocolError {
	return &ProtocolError{msg: msg, instance: instance, err: err}
}

func (e *ProtocolError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("[%s] %s", e.instance, e.msg)
	}
	return fmt.Sprintf("[%s] %s: %v", e.instance, e.msg, e.err)
}

// Unwrap returns the underlying error, if any.
func (e *ProtocolError) Unwrap() error { return e.err }

// CertificateError is returned when a certificate returned by the control
// plane is expired, malformed, or does not match the expected peer identity.
// A CertificateError from a refresh is treated as a refresh failure:
// RefreshAheadCache keeps serving a still-valid prior result and schedules
// the next attempt immediately, with no back-off delay, while
// LazyRefreshCache returns the error to the caller. A peer identity mismatch
// found during the TLS handshake fails that Dial.
type CertificateError struct {
	msg      string
	instance string
	err      error
}

// NewCertificateError initializes a CertificateError.
func NewCertificateError(msg, instance string, err error) *CertificateError {
	return &CertificateError{msg: msg, instance: instance, err: err}
}

func (e *CertificateError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("[%s] %s", e.instance, e.msg)
	}
	return fmt.Sprintf("[%s] %s: %v", e.instance, e.msg, e.err)
}

// Unwrap returns the underlying error, if any.
func (e *CertificateError) Unwrap() error { return e.err }

// ClosedError is returned when an operation is attempted against a Connector
// or Instance that has already been closed.
type ClosedError struct {
	msg      string
	instance string
	err      error
}

// NewClosedError initializes a ClosedError. err may be nil; when set, it is
// exposed through Unwrap so callers checking a package-level sentinel with
// errors.Is continue to work against the typed error.
func NewClosedError(msg, instance string, err error) *ClosedError {
	return &ClosedError{msg: msg, instance: instance, err: err}
}

func (e *ClosedError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("[%s] %s", e.instance, e.msg)
	}
	return fmt.Sprintf("[%s] %s: %v", e.instance, e.msg, e.err)
}

// Unwrap returns the underlying error, if any.
func (e *ClosedError) Unwrap() error { return e.err }
