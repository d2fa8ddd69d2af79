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

// Package debug holds the logging interfaces the connector accepts. No
// implementation is provided here: callers inject whatever logging library
// they already use. Nothing routed through these interfaces may include
// tokens or key material.
package debug

import "context"

// Logger is the bare logging interface used by code that has no ambient
// context.Context to attach to a log line (for example, background timers).
type Logger interface {
	Debugf(format string, args ...interface{})
}

// ContextLogger is used by code that runs on behalf of a specific caller
// request and wants the log line to be attributable to that request's
// context (for structured logging backends that extract trace/span IDs from
// ctx).
type ContextLogger interface {
	Debugf(ctx context.Context, format string, args ...interface{})
}

// noopLogger discards everything. It is the default when a caller does not
// configure a logger.
type noopLogger struct{}

// Debugf implements Logger.
func (noopLogger) Debugf(string, ...interface{}) {}

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() Logger { return noopLogger{} }

type noopContextLogger struct{}

// Debugf implements ContextLogger.
func (noopContextLogger) Debugf(context.Context, string, ...interface{}) {}

// NewNoopContextLogger returns a ContextLogger that discards all output.
func NewNoopContextLogger() ContextLogger { return noopContextLogger{} }

// contextLoggerAdapter adapts a Logger to the ContextLogger interface by
// dropping the context.
type contextLoggerAdapter struct {
	l Logger
}

// Debugf implements ContextLogger.
func (a contextLoggerAdapter) Debugf(_ context.Context, format string, args ...interface{}) {
	a.l.Debugf(format, args...)
}

// ToContextLogger adapts a plain Logger so it can be used where a
// ContextLogger is expected.
func ToContextLogger(l Logger) ContextLogger {
	if l == nil {
		return NewNoopContextLogger()
	}
	return contextLoggerAdapter{l: l}
}
