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

// Command anyrouter-helper is the privileged hosts-file writer. It serves
// JSON-RPC over a world-writable unix socket so the unprivileged anyrouter
// process can mutate the hosts file without holding root itself. Install it
// as a system service, or run it ad hoc with sudo.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/anyrouter/anyrouter/internal/hostsfile"
	"github.com/anyrouter/anyrouter/internal/rpc"
)

const version = "0.1.0"

var (
	socketFlag  = flag.String("socket", rpc.DefaultSocketPath(), "Unix socket path to serve on")
	hostsFlag   = flag.String("hosts", hostsfile.DefaultPath(), "Hosts file to manage")
	verboseFlag = flag.Bool("v", false, "Enable debug output")
)

func init() {
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage: %v [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	if err := run(); err != nil {
		slog.Error("Helper failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Serve even without write access: clients get honest errors per call,
	// and a later privilege fix needs no restart here.
	if f, err := os.OpenFile(*hostsFlag, os.O_WRONLY|os.O_APPEND, 0); err != nil {
		slog.Warn("Cannot write the hosts file; serving anyway, mutations will fail",
			"hosts", *hostsFlag, "error", err)
	} else {
		f.Close()
	}

	lis, err := rpc.Listen(*socketFlag)
	if err != nil {
		return err
	}
	defer os.Remove(*socketFlag)

	slog.Info("Helper serving", "socket", *socketFlag, "hosts", *hostsFlag, "version", version)
	server := rpc.NewServer(hostsfile.NewStore(*hostsFlag), version)
	if err := server.Serve(ctx, lis); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Helper stopped")
	return nil
}
