package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HakAl/relayview/internal/config"
	"github.com/HakAl/relayview/internal/store"
	"github.com/HakAl/relayview/internal/task"
)

type historyOptions struct {
	root *rootOptions

	dbPath  string
	limit   int
	kind    string
	outcome string
	since   time.Duration
	json    bool
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{root: root}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded connections",
		Long: `List connections recorded with --history, newest first.

Examples:
  relayview history --limit 50
  relayview history --kind ws --outcome upstream_error
  relayview history --since 1h --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.SQLiteStore) error {
				return opts.list(cmd, st)
			})
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&opts.dbPath, "db", "", "history database path")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum records to show (0 for all)")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "only show http or ws connections")
	cmd.Flags().StringVar(&opts.outcome, "outcome", "", "only show success, client_abort, upstream_error or closed")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "only show connections started within this window, e.g. 1h")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print records as JSON lines")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one recorded connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.SQLiteStore) error {
				rec, err := st.GetRecord(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no record with id %s", args[0])
				}
				if err != nil {
					return err
				}
				return writeRecordJSON(cmd.OutOrStdout(), rec)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete expired records now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.SQLiteStore) error {
				deleted, err := st.RunRetention(cmd.Context())
				if err != nil {
					return fmt.Errorf("pruning history: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired records\n", deleted)
				return nil
			})
		},
	})
	return cmd
}

// withStore opens the history database named by --db, the config file or
// the default location, and passes it to fn.
func (o *historyOptions) withStore(fn func(*store.SQLiteStore) error) error {
	cfg, err := config.Load(o.root.configPath)
	if err != nil {
		return &ActionableError{What: "Failed to load config", Cause: err, Fix: configLoadFix(o.root.configPath)}
	}
	path := o.dbPath
	if path == "" {
		path = cfg.History.DBPath
	}
	if path == "" {
		if path, err = config.DefaultDBPath(); err != nil {
			return err
		}
	}

	ttl := time.Duration(cfg.History.TTLDays) * 24 * time.Hour
	st, err := store.NewSQLiteStore(path, ttl)
	if err != nil {
		return historyError(path, err)
	}
	defer st.Close()
	return fn(st)
}

func (o *historyOptions) filter() (store.RecordFilter, error) {
	f := store.RecordFilter{Limit: o.limit}
	if o.kind != "" {
		switch task.Kind(o.kind) {
		case task.KindHTTP, task.KindWebSocket:
		default:
			return f, fmt.Errorf("unknown kind %q (want http or ws)", o.kind)
		}
		f.Kind = &o.kind
	}
	if o.outcome != "" {
		f.Outcome = &o.outcome
	}
	if o.since > 0 {
		start := time.Now().Add(-o.since)
		f.StartTime = &start
	}
	return f, nil
}

func (o *historyOptions) list(cmd *cobra.Command, st store.Store) error {
	filter, err := o.filter()
	if err != nil {
		return err
	}
	recs, err := st.ListRecords(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("listing history: %w", err)
	}

	out := cmd.OutOrStdout()
	if o.json {
		for _, rec := range recs {
			if err := writeRecordJSON(out, rec); err != nil {
				return err
			}
		}
		return nil
	}

	total, err := st.CountRecords(cmd.Context(), store.RecordFilter{
		Kind:      filter.Kind,
		Outcome:   filter.Outcome,
		StartTime: filter.StartTime,
	})
	if err != nil {
		return fmt.Errorf("counting history: %w", err)
	}
	return writeRecordTable(out, recs, total)
}

func writeRecordTable(out io.Writer, recs []*store.Record, total int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tOUTCOME\tSTATUS\tDURATION\tCONNECTION\tDETAIL")
	for _, rec := range recs {
		status := "-"
		if rec.Status != 0 {
			status = fmt.Sprintf("%d", rec.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05.000"),
			rec.Kind,
			rec.Outcome,
			status,
			task.FormatDuration(time.Duration(rec.DurationMs)*time.Millisecond),
			rec.Label,
			rec.Detail,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d of %d records\n", len(recs), total)
	return err
}

type recordJSON struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Label       string     `json:"label"`
	Outcome     string     `json:"outcome"`
	Status      int        `json:"status,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func writeRecordJSON(out io.Writer, rec *store.Record) error {
	return json.NewEncoder(out).Encode(recordJSON(*rec))
}
