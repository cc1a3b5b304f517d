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
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/anyrouter/anyrouter/internal/hostsfile"
	"github.com/stretchr/testify/require"
)

// newTestRig starts a helper server on a socket in a temp dir and returns a
// client for it, together with the store the server mutates.
func newTestRig(t *testing.T) (*Client, *hostsfile.Store) {
	t.Helper()
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "hosts")
	require.NoError(t, os.WriteFile(hostsPath, []byte("127.0.0.1\tlocalhost\n"), 0o644))
	store := hostsfile.NewStore(hostsPath)

	socketPath := filepath.Join(dir, "helper.sock")
	lis, err := Listen(socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewServer(store, "test").Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewClient(socketPath), store
}

func TestPing(t *testing.T) {
	client, _ := newTestRig(t)
	res, err := client.Ping(context.Background())
	require.NoError(t, err)
	require.True(t, res.Pong)
	require.Equal(t, "test", res.Version)
}

func TestWriteAndReadBinding(t *testing.T) {
	client, store := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, client.WriteBinding(ctx, "api.example.com", "104.16.1.1"))

	ip, ok, err := client.ReadBinding(ctx, "api.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "104.16.1.1", ip)

	// The mutation is visible through the store directly, same file.
	ip, ok, err = store.Read("api.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "104.16.1.1", ip)
}

func TestReadUnboundDomain(t *testing.T) {
	client, _ := newTestRig(t)
	_, ok, err := client.ReadBinding(context.Background(), "nothing.example.com")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchWriteAndClear(t *testing.T) {
	client, _ := newTestRig(t)
	ctx := context.Background()

	count, err := client.WriteBindingsBatch(ctx, []Binding{
		{Domain: "a.example.com", IP: "104.16.1.1"},
		{Domain: "b.example.com", IP: "172.67.0.1"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	bindings, err := client.GetAllBindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 2)

	count, err = client.ClearBindingsBatch(ctx, []string{"a.example.com", "b.example.com", "absent.example.com"})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	bindings, err = client.GetAllBindings(ctx)
	require.NoError(t, err)
	require.Empty(t, bindings)
}

func TestClearBinding(t *testing.T) {
	client, _ := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, client.WriteBinding(ctx, "api.example.com", "104.16.1.1"))
	require.NoError(t, client.ClearBinding(ctx, "api.example.com"))
	_, ok, err := client.ReadBinding(ctx, "api.example.com")
	require.NoError(t, err)
	require.False(t, ok)

	// Clearing an absent binding is still a success.
	require.NoError(t, client.ClearBinding(ctx, "api.example.com"))
}

func TestInvalidInputCodes(t *testing.T) {
	client, _ := newTestRig(t)
	ctx := context.Background()

	err := client.WriteBinding(ctx, "api.example.com", "not-an-ip")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInvalidIP, rpcErr.Code)

	err = client.WriteBinding(ctx, "bad domain with spaces", "104.16.1.1")
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInvalidDomain, rpcErr.Code)
}

func TestMethodNotFound(t *testing.T) {
	client, _ := newTestRig(t)
	err := client.Call(context.Background(), "no_such_method", nil, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestMissingParams(t *testing.T) {
	client, _ := newTestRig(t)
	err := client.Call(context.Background(), MethodWriteBinding, nil, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestMultipleRequestsPerConnection(t *testing.T) {
	client, _ := newTestRig(t)
	conn, err := net.Dial("unix", client.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, enc.Encode(Request{JSONRPC: "2.0", ID: id, Method: MethodPing}))
		var resp Response
		require.NoError(t, dec.Decode(&resp))
		require.Equal(t, id, resp.ID)
		require.Nil(t, resp.Error)
	}
}

func TestMalformedRequestClosesConnection(t *testing.T) {
	client, _ := newTestRig(t)
	conn, err := net.Dial("unix", client.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeParseError, resp.Error.Code)

	var buf [1]byte
	_, err = conn.Read(buf[:])
	require.ErrorIs(t, err, io.EOF)
}

func TestInvalidRequestVersion(t *testing.T) {
	client, _ := newTestRig(t)
	conn, err := net.Dial("unix", client.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(map[string]any{"id": 7, "method": "ping"}))
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.Equal(t, uint64(7), resp.ID)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestClientAgainstDeadSocket(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nobody-home.sock"))
	_, err := client.Ping(context.Background())
	require.ErrorIs(t, err, ErrHelperUnavailable)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "helper.sock")

	lis, err := Listen(socketPath)
	require.NoError(t, err)
	lis.Close()
	// The socket file is left behind, as it would be after a crash.
	_, err = os.Stat(socketPath)
	if err != nil {
		require.NoError(t, os.WriteFile(socketPath, nil, 0o644))
	}

	lis, err = Listen(socketPath)
	require.NoError(t, err)
	lis.Close()
}
