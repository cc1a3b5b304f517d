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

// Command anyrouter probes API endpoints for faster addresses and pins the
// winners in the hosts file. One-shot subcommands test and apply bindings;
// `run` keeps a monitor loop in the foreground that switches automatically.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/anyrouter/anyrouter/internal/config"
	"github.com/anyrouter/anyrouter/internal/controller"
	"github.com/anyrouter/anyrouter/internal/gateway"
	"github.com/anyrouter/anyrouter/internal/history"
	"github.com/anyrouter/anyrouter/internal/hostsfile"
	"github.com/anyrouter/anyrouter/internal/metrics"
	"github.com/anyrouter/anyrouter/internal/probe"
	"github.com/anyrouter/anyrouter/internal/rpc"
	"github.com/anyrouter/anyrouter/internal/selector"
)

var (
	configFlag  = flag.String("config", config.DefaultPath(), "Path to the configuration file")
	verboseFlag = flag.Bool("v", false, "Enable debug output")
)

func init() {
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage: %v [flags] <command> [command flags]\n\n", os.Args[0])
		fmt.Fprintf(out, "Commands:\n")
		fmt.Fprintf(out, "  test      Probe endpoints and report the fastest address for each\n")
		fmt.Fprintf(out, "  apply     Pin a domain to an address in the hosts file\n")
		fmt.Fprintf(out, "  unbind    Return one domain to DNS\n")
		fmt.Fprintf(out, "  clear     Remove every managed hosts entry\n")
		fmt.Fprintf(out, "  bindings  List managed hosts entries\n")
		fmt.Fprintf(out, "  status    Show write permission, helper, and pin state\n")
		fmt.Fprintf(out, "  run       Run the monitor loop in the foreground\n")
		fmt.Fprintf(out, "  history   Show or clear recorded optimizations\n")
		fmt.Fprintf(out, "  config    Show or write the configuration file\n")
		fmt.Fprintf(out, "\nFlags:\n")
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

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, stop, flag.Arg(0), flag.Args()[1:]); err != nil {
		slog.Error("Command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, stop context.CancelFunc, command string, args []string) error {
	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}

	switch command {
	case "test":
		return cmdTest(ctx, cfg, args)
	case "apply":
		return cmdApply(ctx, cfg, args)
	case "unbind":
		return cmdUnbind(ctx, cfg, args)
	case "clear":
		return cmdClear(ctx, cfg)
	case "bindings":
		return cmdBindings(ctx, cfg)
	case "status":
		return cmdStatus(ctx, cfg)
	case "run":
		return cmdRun(ctx, stop, cfg)
	case "history":
		return cmdHistory(ctx, cfg, args)
	case "config":
		return cmdConfig(cfg, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// app wires the measurement, gateway, and controller layers the way the run
// daemon and the one-shot commands both need them.
type app struct {
	cfg     *config.Config
	prober  *probe.Prober
	metrics *metrics.Metrics
	ctl     *controller.Controller
	hist    *history.Store
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	prober := probe.New(probe.OptionsFromConfig(cfg))
	store := hostsfile.NewStore(hostsfile.DefaultPath())
	gw := gateway.New(store, rpc.NewClient(cfg.HelperSocket))
	m := metrics.New()
	gw.OnFallback = m.RecordHelperFallback

	var hist *history.Store
	var sink controller.RecordSink
	if path, enabled := historyPath(cfg); enabled {
		var err error
		hist, err = history.Open(ctx, path)
		if err != nil {
			slog.Warn("History store unavailable, outcomes will not be recorded", "path", path, "error", err)
		} else {
			sink = hist
		}
	}

	ctl, err := controller.New(controller.Options{
		Config:  cfg,
		Prober:  prober,
		Gateway: gw,
		History: sink,
		Metrics: m,
	})
	if err != nil {
		if hist != nil {
			hist.Close()
		}
		return nil, err
	}
	return &app{cfg: cfg, prober: prober, metrics: m, ctl: ctl, hist: hist}, nil
}

func (a *app) Close() {
	if a.hist != nil {
		a.hist.Close()
	}
}

// historyPath resolves the history_db setting: "" means the default
// location, "off" disables recording.
func historyPath(cfg *config.Config) (string, bool) {
	switch cfg.HistoryDB {
	case "off":
		return "", false
	case "":
		return config.DefaultHistoryPath(), true
	default:
		return cfg.HistoryDB, true
	}
}

func cmdTest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	domainFlag := fs.String("domain", "", "Test only this configured domain")
	jsonFlag := fs.Bool("json", false, "Emit results as JSON")
	fs.Parse(args)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var results []selector.EndpointResult
	if *domainFlag != "" {
		ep, ok := findEndpoint(cfg, *domainFlag)
		if !ok {
			return fmt.Errorf("domain %s is not in %s", *domainFlag, *configFlag)
		}
		results = []selector.EndpointResult{a.ctl.TestEndpoint(ctx, ep)}
	} else {
		results = a.ctl.TestAll(ctx, false)
	}

	if *jsonFlag {
		return printJSON(results)
	}
	for _, res := range results {
		printResult(res)
	}
	return nil
}

func cmdApply(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	domainFlag := fs.String("domain", "", "Domain to pin")
	ipFlag := fs.String("ip", "", "Address to pin the domain to")
	allFlag := fs.Bool("all", false, "Test every endpoint and pin each winner")
	fs.Parse(args)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if *allFlag {
		n, err := a.ctl.ApplyAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d binding(s).\n", n)
		return nil
	}

	if *domainFlag == "" || *ipFlag == "" {
		fs.Usage()
		return fmt.Errorf("apply needs -domain and -ip, or -all")
	}
	ep, ok := findEndpoint(cfg, *domainFlag)
	if !ok {
		return fmt.Errorf("domain %s is not in %s; add it to the endpoints list first", *domainFlag, *configFlag)
	}

	// Measure before pinning so a dead address is rejected and the monitor
	// loop starts with a real baseline.
	sample := a.prober.ProbeIP(ctx, ep.Domain, *ipFlag)
	if !sample.OK() {
		return fmt.Errorf("%s did not answer at %s: %w", ep.Domain, *ipFlag, sample.Err)
	}
	res := selector.EndpointResult{
		Endpoint:  ep,
		IP:        *ipFlag,
		LatencyMS: ms(sample.Total),
		TTFBMS:    ms(sample.TTFB),
		Success:   true,
	}
	if ips, err := a.prober.FreshResolve(ctx, ep.Domain); err == nil && len(ips) > 0 {
		if dns := a.prober.ProbeIP(ctx, ep.Domain, ips[0]); dns.OK() {
			res.OriginalIP = ips[0]
			res.OriginalLatencyMS = ms(dns.Total)
			res.SpeedupPercent = (res.OriginalLatencyMS - res.LatencyMS) / res.OriginalLatencyMS * 100
		}
	}
	if err := a.ctl.ApplyResult(ctx, res); err != nil {
		return err
	}
	fmt.Printf("Pinned %s to %s (%.0fms total, %.0fms TTFB).\n", ep.Domain, *ipFlag, res.LatencyMS, res.TTFBMS)
	return nil
}

func cmdUnbind(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("unbind", flag.ExitOnError)
	domainFlag := fs.String("domain", "", "Domain to return to DNS")
	fs.Parse(args)
	if *domainFlag == "" {
		fs.Usage()
		return fmt.Errorf("unbind needs -domain")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ctl.Unbind(ctx, *domainFlag); err != nil {
		return err
	}
	fmt.Printf("%s now resolves through DNS again.\n", *domainFlag)
	return nil
}

func cmdClear(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.ctl.ClearAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d managed entr%s.\n", n, plural(n, "y", "ies"))
	return nil
}

func cmdBindings(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	bindings, err := a.ctl.Bindings(ctx)
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		fmt.Println("No managed hosts entries.")
		return nil
	}
	for _, b := range bindings {
		fmt.Printf("%-32s %s\n", b.Domain, b.IP)
	}
	return nil
}

func cmdStatus(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.ctl.PermissionStatus(ctx)
	fmt.Printf("Hosts file:      %s\n", hostsfile.DefaultPath())
	switch {
	case st.UsingPrivilegedChannel:
		fmt.Printf("Write channel:   helper (version %s)\n", st.HelperVersion)
	case st.HasPermission:
		fmt.Println("Write channel:   direct")
	default:
		fmt.Println("Write channel:   none; start anyrouter-helper or re-run with privileges")
	}

	n, err := a.ctl.BindingCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Managed entries: %d\n", n)
	fmt.Printf("Endpoints:       %d enabled of %d configured\n",
		len(cfg.EnabledEndpoints()), len(cfg.Endpoints))

	statuses := a.ctl.DomainStatuses()
	if len(statuses) > 0 {
		fmt.Println("Domains:")
		for _, ds := range statuses {
			if ds.Mode == "pinned" {
				fmt.Printf("  %-30s pinned to %s for %s (baseline %.0fms)\n",
					ds.Domain, ds.PinnedIP, time.Since(ds.PinnedAt).Round(time.Second), ds.BaselineMS)
			} else {
				fmt.Printf("  %-30s dns\n", ds.Domain)
			}
		}
	}
	return nil
}

func cmdRun(ctx context.Context, stop context.CancelFunc, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.MetricsListen != "" {
		go func() {
			if err := a.metrics.ListenAndServe(ctx, cfg.MetricsListen); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	if err := a.ctl.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	// Restore default signal handling so a second interrupt kills us even
	// if the stop workflow hangs on a wedged hosts lock.
	stop()

	slog.Info("Shutting down, releasing managed entries")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.ctl.Stop(shutdownCtx)
}

func cmdHistory(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	hoursFlag := fs.Int("hours", 24, "Stats window in hours")
	clearFlag := fs.Bool("clear", false, "Delete all recorded history")
	fs.Parse(args)

	path, enabled := historyPath(cfg)
	if !enabled {
		return fmt.Errorf("history is disabled in %s (history_db: off)", *configFlag)
	}
	store, err := history.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	if *clearFlag {
		if err := store.Clear(ctx); err != nil {
			return err
		}
		fmt.Println("History cleared.")
		return nil
	}

	stats, err := store.Stats(ctx, time.Duration(*hoursFlag)*time.Hour)
	if err != nil {
		return err
	}
	if stats.Count == 0 {
		fmt.Printf("No records in the last %dh.\n", *hoursFlag)
		return nil
	}
	fmt.Printf("Last %dh: %d record(s), %d applied, avg speedup %.1f%%, avg optimized %.0fms, saved %.0fms\n",
		*hoursFlag, stats.Count, stats.Applied, stats.AvgSpeedup, stats.AvgOptimizedMS, stats.TotalSavedMS)
	if stats.BestDomain != "" {
		fmt.Printf("Best domain: %s\n", stats.BestDomain)
	}

	recent, err := store.Recent(ctx, 15)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		fmt.Println("\nRecent (* = binding applied):")
		for _, r := range recent {
			mark := " "
			if r.Applied {
				mark = "*"
			}
			fmt.Printf("%s %s %-28s %6.0fms -> %-6.0fms %+6.1f%%\n",
				r.Time.Local().Format("2006-01-02 15:04"), mark, r.Domain,
				r.OriginalMS, r.OptimizedMS, r.SpeedupPercent)
		}
	}
	return nil
}

func cmdConfig(cfg *config.Config, args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "show":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	case "init":
		if _, err := os.Stat(*configFlag); err == nil {
			return fmt.Errorf("config already exists at %s", *configFlag)
		}
		if err := config.Save(*configFlag, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", *configFlag)
		return nil
	default:
		return fmt.Errorf("unknown config subcommand %q (want show or init)", sub)
	}
}

func findEndpoint(cfg *config.Config, domain string) (config.Endpoint, bool) {
	for _, ep := range cfg.Endpoints {
		if ep.Domain == domain || ep.Name == domain {
			return ep, true
		}
	}
	return config.Endpoint{}, false
}

func printResult(res selector.EndpointResult) {
	domain := res.Endpoint.Domain
	if !res.Success {
		fmt.Printf("%s: unreachable (%s)\n", domain, res.Error)
		return
	}
	ip := res.IP
	if res.CDN {
		ip += " (cdn)"
	}
	if res.UseOriginal {
		fmt.Printf("%s: DNS answer %s is already fastest (%.0fms total, %.0fms TTFB)\n",
			domain, ip, res.LatencyMS, res.TTFBMS)
	} else {
		fmt.Printf("%s: %s beats DNS by %.1f%% (%.0fms vs %.0fms total, %.0fms TTFB)\n",
			domain, ip, res.SpeedupPercent, res.LatencyMS, res.OriginalLatencyMS, res.TTFBMS)
	}
	if res.Warning != "" {
		fmt.Printf("  warning: %s\n", res.Warning)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	fmt.Println()
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
