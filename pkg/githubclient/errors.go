// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package githubclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies an upstream failure so the HTTP edge can map it to a
// response without string matching.
type ErrorKind string

const (
	// KindHTTPStatus means GitHub answered with a non-2xx status. StatusCode
	// and Body are populated.
	KindHTTPStatus ErrorKind = "http_status"

	// KindTimeout means the call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindNetwork means the call failed before an HTTP response arrived.
	KindNetwork ErrorKind = "network"

	// KindDecode means the response body was not the expected JSON.
	KindDecode ErrorKind = "decode"

	// KindInternal means a client-side bug or unexpected condition.
	KindInternal ErrorKind = "internal"
)

// Error is a classified upstream failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("%s: github responded %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps a transport-level error with the right kind.
func classify(op string, err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	default:
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
}
