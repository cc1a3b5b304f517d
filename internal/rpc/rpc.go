// Copyright 2025 The AnyRouter Authors
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

// Package rpc implements the privileged-channel protocol between the
// unprivileged foreground process and the anyrouter-helper daemon: JSON-RPC
// 2.0, one JSON object per request and response, over a local Unix-domain
// socket. There is no network-facing listener.
package rpc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/anyrouter/anyrouter/internal/hostsfile"
)

// Method names understood by the helper.
const (
	MethodPing               = "ping"
	MethodWriteBinding       = "write_binding"
	MethodWriteBindingsBatch = "write_bindings_batch"
	MethodClearBinding       = "clear_binding"
	MethodClearBindingsBatch = "clear_bindings_batch"
	MethodReadBinding        = "read_binding"
	MethodGetAllBindings     = "get_all_bindings"
	MethodFlushDNS           = "flush_dns"
)

// JSON-RPC 2.0 error codes, plus the helper's domain-specific codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodePermissionDenied = -1
	CodeInvalidIP        = -2
	CodeInvalidDomain    = -3
	CodeIO               = -4
)

const jsonrpcVersion = "2.0"

// Binding is the wire form of a managed hosts entry, shared with the store.
type Binding = hostsfile.Binding

// Request is one JSON-RPC call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries either a result or an error, never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a structured JSON-RPC error. It implements the error interface so
// helper-side failures can travel through ordinary error returns.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// BindingParams names a single domain→IP pair.
type BindingParams struct {
	Domain string `json:"domain"`
	IP     string `json:"ip,omitempty"`
}

// WriteBatchParams carries the bindings for write_bindings_batch.
type WriteBatchParams struct {
	Bindings []hostsfile.Binding `json:"bindings"`
}

// ClearBatchParams carries the domains for clear_bindings_batch.
type ClearBatchParams struct {
	Domains []string `json:"domains"`
}

// SuccessResult acknowledges a single mutation.
type SuccessResult struct {
	Success bool `json:"success"`
}

// CountResult reports how many entries a batch touched.
type CountResult struct {
	Count int `json:"count"`
}

// ReadResult reports the managed IP for a domain; IP is null when unbound.
type ReadResult struct {
	IP *string `json:"ip"`
}

// BindingsResult lists every managed binding.
type BindingsResult struct {
	Bindings []hostsfile.Binding `json:"bindings"`
}

// PingResult answers a liveness probe.
type PingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}

// DefaultSocketPath returns the platform's helper socket location.
func DefaultSocketPath() string {
	if runtime.GOOS == "windows" {
		programData := os.Getenv("ProgramData")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "anyrouter", "helper.sock")
	}
	return "/var/run/anyrouter.sock"
}
