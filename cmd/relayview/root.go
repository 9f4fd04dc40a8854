package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HakAl/relayview/internal/config"
	"github.com/HakAl/relayview/internal/console"
)

// rootOptions holds the flags shared by the root command and its
// subcommands.
type rootOptions struct {
	configPath string
	logLevel   string

	target   string
	port     int
	listen   string
	admin    string
	history  bool
	dbPath   string
	live     string
	insecure bool
}

func newRootCmd() *cobra.Command {
	return newRootCommand(&rootOptions{})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayview [target]",
		Short: "Interactive reverse proxy with a live connection view",
		Long: `relayview relays HTTP requests and WebSocket sessions to a single upstream
target and shows every connection in a live terminal view while it is in flight.

The target is a URL, a host:port, or a bare port on 127.0.0.1:
  relayview 3000
  relayview localhost:3000
  relayview https://api.example.com`,
		Args:          cobra.MaximumNArgs(1),
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := console.Stdout()
			a := &app{
				cfg:    cfg,
				out:    out,
				live:   cfg.Render.LiveFor(out.ANSI()),
				stderr: os.Stderr,
			}
			return a.run(ctx)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (default ~/.config/relayview/config.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	f := cmd.Flags()
	f.StringVarP(&opts.target, "target", "t", "", "upstream origin, or a bare port on 127.0.0.1")
	f.IntVarP(&opts.port, "port", "p", config.DefaultPort, "port to listen on")
	f.StringVarP(&opts.listen, "listen", "l", "", "listen address, overrides --port")
	f.StringVar(&opts.admin, "admin", "", "address serving /metrics and /events (disabled when empty)")
	f.BoolVar(&opts.history, "history", false, "record completed connections to SQLite")
	f.StringVar(&opts.dbPath, "db", "", "history database path (implies --history)")
	f.StringVar(&opts.live, "live", "", "live view: auto, always or never")
	f.BoolVarP(&opts.insecure, "insecure", "k", false, "skip upstream TLS certificate verification")

	cmd.AddCommand(newHistoryCmd(opts), newVersionCmd())
	return cmd
}

// load reads the config file and environment, then applies the flags
// that were set on cmd.
func (o *rootOptions) load(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, &ActionableError{
			What:  "Failed to load config",
			Cause: err,
			Fix:   configLoadFix(o.configPath),
		}
	}

	flags := cmd.Flags()
	switch {
	case len(args) == 1 && o.target != "":
		return nil, fmt.Errorf("target given both as argument %q and --target %q", args[0], o.target)
	case len(args) == 1:
		cfg.Target.URL = args[0]
	case o.target != "":
		cfg.Target.URL = o.target
	}
	if flags.Changed("port") {
		cfg.Proxy.Port = o.port
		cfg.Proxy.Listen = ""
	}
	if o.listen != "" {
		cfg.Proxy.Listen = o.listen
	}
	if o.admin != "" {
		cfg.Admin.Listen = o.admin
	}
	if o.history {
		cfg.History.Enabled = true
	}
	if o.dbPath != "" {
		cfg.History.DBPath = o.dbPath
		cfg.History.Enabled = true
	}
	if o.live != "" {
		cfg.Render.Live = o.live
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.insecure {
		cfg.Target.InsecureSkipVerify = true
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		if cfg.History.DBPath, err = config.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("getting default db path: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ActionableError{
			What:  "Invalid configuration",
			Cause: err,
			Fix:   configLoadFix(o.configPath),
		}
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relayview %s (%s)\n", version, commit)
		},
	}
}
