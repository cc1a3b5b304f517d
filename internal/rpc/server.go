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

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anyrouter/anyrouter/internal/hostsfile"
)

// requestDeadline bounds one request on the helper side, so a stalled client
// cannot hold a connection goroutine forever.
const requestDeadline = 30 * time.Second

// Server answers the privileged-channel methods against a hosts store.
// Concurrent mutations are serialized by the store's own file lock.
type Server struct {
	Store   *hostsfile.Store
	Version string

	wg sync.WaitGroup
}

// NewServer returns a Server operating on store.
func NewServer(store *hostsfile.Store, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{Store: store, Version: version}
}

// Listen creates the helper socket, replacing a stale socket file from a
// previous run. The socket is world-connectable; authorization is the
// helper's job, not the filesystem's, because the whole point is to serve
// unprivileged clients.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o666); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

// Serve accepts connections until ctx is canceled, then closes the listener
// and waits for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves a stream of requests on one connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetDeadline(time.Now().Add(requestDeadline))

		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			// Anything undecodable poisons the stream; answer once and drop
			// the connection.
			writeResponse(enc, Response{
				JSONRPC: jsonrpcVersion,
				ID:      req.ID,
				Error:   &Error{Code: CodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
			})
			return
		}

		resp := s.handleRequest(ctx, &req)
		if !writeResponse(enc, resp) {
			return
		}
	}
}

func writeResponse(enc *json.Encoder, resp Response) bool {
	if err := enc.Encode(&resp); err != nil {
		slog.Warn("failed to write rpc response", "id", resp.ID, "error", err)
		return false
	}
	return true
}

func (s *Server) handleRequest(ctx context.Context, req *Request) Response {
	resp := Response{JSONRPC: jsonrpcVersion, ID: req.ID}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		resp.Error = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
		return resp
	}

	start := time.Now()
	result, rpcErr := s.dispatch(ctx, req)
	if rpcErr != nil {
		slog.Warn("rpc call failed", "method", req.Method, "id", req.ID, "code", rpcErr.Code, "error", rpcErr.Message)
		resp.Error = rpcErr
		return resp
	}
	slog.Debug("rpc call served", "method", req.Method, "id", req.ID, "duration", time.Since(start))

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternal, Message: fmt.Sprintf("encoding result: %v", err)}
		return resp
	}
	resp.Result = raw
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *Error) {
	switch req.Method {
	case MethodPing:
		return PingResult{Pong: true, Version: s.Version}, nil

	case MethodWriteBinding:
		var p BindingParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.Store.Apply(p.Domain, p.IP); err != nil {
			return nil, toRPCError(err)
		}
		return SuccessResult{Success: true}, nil

	case MethodWriteBindingsBatch:
		var p WriteBatchParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		count, err := s.Store.ApplyBatch(p.Bindings)
		if err != nil {
			return nil, toRPCError(err)
		}
		return CountResult{Count: count}, nil

	case MethodClearBinding:
		var p BindingParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.Store.Unbind(p.Domain); err != nil {
			return nil, toRPCError(err)
		}
		return SuccessResult{Success: true}, nil

	case MethodClearBindingsBatch:
		var p ClearBatchParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		count, err := s.Store.UnbindBatch(p.Domains)
		if err != nil {
			return nil, toRPCError(err)
		}
		return CountResult{Count: count}, nil

	case MethodReadBinding:
		var p BindingParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		ip, ok, err := s.Store.Read(p.Domain)
		if err != nil {
			return nil, toRPCError(err)
		}
		if !ok {
			return ReadResult{}, nil
		}
		return ReadResult{IP: &ip}, nil

	case MethodGetAllBindings:
		bindings, err := s.Store.List()
		if err != nil {
			return nil, toRPCError(err)
		}
		return BindingsResult{Bindings: bindings}, nil

	case MethodFlushDNS:
		if err := hostsfile.FlushDNS(ctx); err != nil {
			return nil, toRPCError(err)
		}
		return SuccessResult{Success: true}, nil

	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func unmarshalParams(raw json.RawMessage, out any) *Error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// toRPCError maps store failures onto the wire codes.
func toRPCError(err error) *Error {
	switch {
	case errors.Is(err, hostsfile.ErrInvalidIP):
		return &Error{Code: CodeInvalidIP, Message: err.Error()}
	case errors.Is(err, hostsfile.ErrInvalidDomain):
		return &Error{Code: CodeInvalidDomain, Message: err.Error()}
	case errors.Is(err, os.ErrPermission):
		return &Error{Code: CodePermissionDenied, Message: err.Error()}
	default:
		return &Error{Code: CodeIO, Message: err.Error()}
	}
}
