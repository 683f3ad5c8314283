// Copyright concrnt Authors
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

// Package ccerrors defines the error kinds propagated by the fetch engine,
// cache layer, auth provider and realtime socket.
package ccerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that want to branch on it, e.g.
// retrying only on DomainOffline.
type Kind int

const (
	KindUnknown Kind = iota
	KindDomainOffline
	KindNotFound
	KindPermission
	KindTransport
	KindApplication
	KindCacheMiss
	KindNotImplemented
	KindInvalidKey
)

// DomainOffline is raised when a host's liveness gate is tripped, or a
// 502/503/504 or connection-refused/not-found network error is observed.
type DomainOffline struct{ Host string }

func (e *DomainOffline) Error() string { return fmt.Sprintf("domain offline: %s", e.Host) }

// NotFound is raised on a 404 for a cacheable resource, or a nil resolver
// result. Package cache records a negative entry when a read through it
// gets a NotFound from the network; other callers do not cache it.
type NotFound struct{ Message string }

func (e *NotFound) Error() string { return fmt.Sprintf("not found: %s", e.Message) }

// Permission is raised on a 403 response.
type Permission struct{ Message string }

func (e *Permission) Error() string { return fmt.Sprintf("permission denied: %s", e.Message) }

// Transport is raised on any other non-2xx HTTP response.
type Transport struct {
	Status int
	Body   string
}

func (e *Transport) Error() string {
	return fmt.Sprintf("transport error: status=%d body=%s", e.Status, e.Body)
}

// Application is raised on a 2xx response whose envelope carries
// status != "ok".
type Application struct{ Message string }

func (e *Application) Error() string { return fmt.Sprintf("application error: %s", e.Message) }

// CacheMiss is raised when cache option 'force-cache' finds no usable entry.
type CacheMiss struct{ Key string }

func (e *CacheMiss) Error() string { return fmt.Sprintf("cache miss: %s", e.Key) }

// NotImplemented is raised by Guest provider operations that require an
// identity.
type NotImplemented struct{ Operation string }

func (e *NotImplemented) Error() string {
	return fmt.Sprintf("not implemented for guest provider: %s", e.Operation)
}

// InvalidKey is raised when a key blob fails to parse during construction.
type InvalidKey struct{ Reason string }

func (e *InvalidKey) Error() string { return fmt.Sprintf("invalid key: %s", e.Reason) }

// KindOf classifies err into a Kind, unwrapping trace.Wrap-style wrappers
// via errors.As.
func KindOf(err error) Kind {
	var (
		offline   *DomainOffline
		notFound  *NotFound
		perm      *Permission
		transport *Transport
		app       *Application
		miss      *CacheMiss
		notImpl   *NotImplemented
		invalid   *InvalidKey
	)
	switch {
	case errors.As(err, &offline):
		return KindDomainOffline
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &perm):
		return KindPermission
	case errors.As(err, &transport):
		return KindTransport
	case errors.As(err, &app):
		return KindApplication
	case errors.As(err, &miss):
		return KindCacheMiss
	case errors.As(err, &notImpl):
		return KindNotImplemented
	case errors.As(err, &invalid):
		return KindInvalidKey
	default:
		return KindUnknown
	}
}
