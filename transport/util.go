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

package transport

import (
	"bytes"
	"io"
	"strings"
	"syscall"
)

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// isConnRefusedOrNotFound covers the dial-level failures (connection
// refused, DNS lookup failure) that spec §4.4 step 6 treats the same as a
// 502/503/504: the domain is unreachable, not merely erroring.
func isConnRefusedOrNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, syscall.ECONNREFUSED.Error()) ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection refused")
}
