// Command phantomd runs the anonymous-identity daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phantomid/internal/config"
	"phantomid/internal/daemon"
	"phantomid/internal/logging"
	"phantomid/internal/metrics"
	"phantomid/internal/network"
	"phantomid/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	return execute(ctx, args, stdout, stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "phantomd: %s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var allowPublicPprof bool
	cmd := &cobra.Command{
		Use:           "phantomd",
		Short:         "phantomd keeps a forest of short-lived anonymous accounts and routes messages between them",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Example: `
  # listen on the default port with a 30 day account lifetime
  phantomd --ttl 720h

  # loopback only, metrics on :9464, deliveries journaled
  phantomd --host 127.0.0.1 --metrics-listen 127.0.0.1:9464 --journal ~/.phantomid/journal.jsonl

  # settings from a file, overridden by the environment
  PHANTOM_MAX_CHILDREN=8 phantomd --config /etc/phantomid.yaml
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, cfgPath, err := config.Load(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return serve(cmd.Context(), cfg, cfgPath, allowPublicPprof, stdout, stderr)
		},
	}
	config.Flags(cmd.Flags())
	cmd.Flags().BoolVar(&allowPublicPprof, "pprof-public", false, "allow pprof on a non-loopback address")
	cmd.AddCommand(newDevCACommand(), newSnapshotCommand())
	return cmd
}

func serve(ctx context.Context, cfg config.Config, cfgPath string, allowPublicPprof bool, stdout, stderr io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := logging.New("phantomid", cfg.LogLevel, stderr)
	cli := logging.WithSubsystem(logger, "cli")
	cli.Info("phantomd.starting",
		"pid", os.Getpid(),
		"config", cfgPath,
		"max_payload", humanize.IBytes(uint64(cfg.MaxPayload)),
	)

	m := metrics.New()
	if cfg.MetricsListen != "" {
		addr, errCh, err := m.Serve(ctx, cfg.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		cli.Info("phantomd.metrics.enabled", "url", "http://"+addr.String()+"/metrics")
		go func() {
			if err := <-errCh; err != nil {
				cli.Warn("phantomd.metrics.failed", "error", err)
			}
		}()
	}
	if _, err := pprofutil.Start(ctx, cfg.PprofListen, allowPublicPprof, logger); err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{Config: cfg, Metrics: m, Logger: logger})
	if err != nil {
		return err
	}
	defer d.Cleanup()
	if err := d.InitContext(ctx, cfg.Port); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "READY addr=%s\n", d.Addr())

	select {
	case <-ctx.Done():
		cli.Info("phantomd.shutdown", "reason", context.Cause(ctx).Error())
		return nil
	case <-d.Done():
		return d.ServeErr()
	}
}

func newDevCACommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dev-ca",
		Short: "Print the built-in development certificate (PEM) for clients to pin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pem, err := network.DevCAPEM()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(pem)
			return err
		},
	}
}

func newSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <file>",
		Short: "Summarize a metrics snapshot written with --metrics-snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var snap metrics.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printSnapshot(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Local counters (written %s):\n", humanize.Time(snap.GeneratedAt))
	fmt.Fprintf(w, "  accounts: created=%s removed=%s expired=%s\n",
		humanize.Comma(int64(snap.AccountsCreated)),
		humanize.Comma(int64(snap.AccountsRemoved)),
		humanize.Comma(int64(snap.AccountsExpired)))
	fmt.Fprintf(w, "  messages accepted: %s\n", humanize.Comma(int64(snap.MessagesAccepted)))
	fmt.Fprintf(w, "  open connections: %d\n", snap.CurrentConns)
	printCounts(w, "requests", snap.RequestsByOp)
	printCounts(w, "failures", snap.FailuresByCode)
	printCounts(w, "rejected", snap.RejectsByReason)
}

func printCounts(w io.Writer, label string, counts map[string]uint64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "  %s:", label)
	for _, k := range keys {
		fmt.Fprintf(w, " %s=%d", k, counts[k])
	}
	fmt.Fprintln(w)
}
