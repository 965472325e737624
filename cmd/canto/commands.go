package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canto-dev/canto"
)

const defaultAPIURL = "http://127.0.0.1:8420"

// printJSON pretty-prints a value (or raw message) to stdout.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func loadApp(flags *GlobalFlags) (*canto.App, *canto.Config, error) {
	cfg, err := canto.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	app, err := canto.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return app, cfg, nil
}

func printStartResults(results []canto.StartResult) error {
	failed := 0
	for _, r := range results {
		switch {
		case r.SkippedDependency:
			fmt.Printf("  %-20s skipped: %v\n", r.Name, r.Err)
			failed++
		case !r.OK:
			fmt.Printf("  %-20s failed: %v\n", r.Name, r.Err)
			failed++
		case r.AlreadyRunning:
			fmt.Printf("  %-20s already running\n", r.Name)
		default:
			fmt.Printf("  %-20s started\n", r.Name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed to start", failed, len(results))
	}
	return nil
}

func printStatusTable(snap []canto.ModuleStatus) {
	fmt.Printf("%-20s %-10s %-10s %8s\n", "MODULE", "KIND", "STATE", "PID")
	for _, st := range snap {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprintf("%d", st.PID)
		}
		extra := ""
		if st.Restarting && !st.RetryAt.IsZero() {
			extra = fmt.Sprintf("  retry in %s", time.Until(st.RetryAt).Round(time.Second))
		} else if st.LastError != "" {
			extra = "  " + st.LastError
		}
		fmt.Printf("%-20s %-10s %-10s %8s%s\n", st.Name, st.Kind, st.State, pid, extra)
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func createUpCommand(flags *GlobalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start every module and run in the foreground",
		Long: `Start all enabled modules in dependency order, keep capturing their
output, and auto-restart crashed ones. Ctrl-C stops everything in reverse
order before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cfg, err := loadApp(flags)
			if err != nil {
				return err
			}
			app.Run()
			_ = canto.RegisterMetricsDefault()

			if listen == "" {
				listen = cfg.Server.Listen
			}
			if listen != "" {
				if _, err := app.NewHTTPServer(listen, cfg.Server.BasePath); err != nil {
					return err
				}
				fmt.Printf("API listening on %s\n", listen)
			}

			results := app.StartAll(cmd.Context())
			startErr := printStartResults(results)
			app.ForceUpdate()
			printStatusTable(app.Snapshot())

			waitForSignal()
			fmt.Println("shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			app.Close(ctx)
			return startErr
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "expose the HTTP API on this address (e.g. 127.0.0.1:8420)")
	return cmd
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	var listen string
	var startAll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the canto daemon with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cfg, err := loadApp(flags)
			if err != nil {
				return err
			}
			app.Run()
			_ = canto.RegisterMetricsDefault()
			if listen == "" {
				listen = cfg.Server.Listen
				if listen == "" {
					listen = "127.0.0.1:8420"
				}
			}
			if _, err := app.NewHTTPServer(listen, cfg.Server.BasePath); err != nil {
				return err
			}
			fmt.Printf("API listening on %s\n", listen)
			if startAll {
				if err := printStartResults(app.StartAll(cmd.Context())); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			}
			waitForSignal()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			app.Close(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address for the HTTP API (default 127.0.0.1:8420, or [server].listen from the config)")
	cmd.Flags().BoolVar(&startAll, "start-all", false, "start every module after the API is up")
	return cmd
}

// addAPIFlags attaches the daemon connection flags used by remote commands.
func addAPIFlags(cmd *cobra.Command, apiURL *string, timeout *time.Duration) {
	cmd.Flags().StringVar(apiURL, "api-url", defaultAPIURL, "canto daemon URL")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}

func createDownCommand(flags *GlobalFlags) *cobra.Command {
	var apiURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop every module via the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(apiURL, timeout).Stop("")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &apiURL, &timeout)
	return cmd
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	var apiURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "start <module>",
		Short: "Start one module and its dependencies via the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(apiURL, timeout).Start(args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &apiURL, &timeout)
	return cmd
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	var apiURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop <module>",
		Short: "Stop one module (and its running dependents) via the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(apiURL, timeout).Stop(args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &apiURL, &timeout)
	return cmd
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	var apiURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "restart <module>",
		Short: "Restart one module via the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(apiURL, timeout).Restart(args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &apiURL, &timeout)
	return cmd
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	var apiURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status [module]",
		Short: "Show module status via the running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			out, err := newAPIClient(apiURL, timeout).Status(name)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &apiURL, &timeout)
	return cmd
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	var apiURL string
	var timeout time.Duration
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <module>",
		Short: "Show recent module output via the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(apiURL, timeout).Logs(args[0], tail)
			if err != nil {
				return err
			}
			var chunks []canto.Chunk
			if err := json.Unmarshal(out, &chunks); err != nil {
				printJSON(out)
				return nil
			}
			for _, ch := range chunks {
				fmt.Printf("%s [%s] %s\n", ch.Time.Format(time.TimeOnly), ch.Stream, ch.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 100, "number of log chunks to show")
	addAPIFlags(cmd, &apiURL, &timeout)
	return cmd
}

func createHistoryCommand(flags *GlobalFlags) *cobra.Command {
	var apiURL string
	var timeout time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "history [module]",
		Short: "Show recent lifecycle events via the running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			out, err := newAPIClient(apiURL, timeout).History(name, limit)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	addAPIFlags(cmd, &apiURL, &timeout)
	return cmd
}
