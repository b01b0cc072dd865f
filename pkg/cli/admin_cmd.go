package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"mdquery/internal/history"
)

var errNoHost = errors.New("this command needs a server: set --host, MDQ_HOST or a profile host")

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear your measure cache on the server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.remote() {
				return errNoHost
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			stats, err := c.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "hits: %d\nmisses: %d\nentries: %d\nevictions: %d\n",
				stats.Hits, stats.Misses, stats.Entries, stats.Evictions)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop your cached measures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.remote() {
				return errNoHost
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.ClearCache(cmd.Context()); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"status": "ok"})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
			return nil
		},
	})

	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		dbPath string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded queries",
		Long: "List your recorded queries from the server, or every recorded query of a " +
			"local history database with --db.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && status != history.StatusOK && status != history.StatusError {
				return fmt.Errorf("--status must be %q or %q", history.StatusOK, history.StatusError)
			}

			var entries []history.Entry
			switch {
			case dbPath != "":
				store, err := history.Open(dbPath)
				if err != nil {
					return err
				}
				defer store.Close() //nolint:errcheck
				if entries, err = store.List(cmd.Context(), history.Filter{User: opts.user, Status: status, Limit: limit}); err != nil {
					return err
				}
			case opts.remote():
				c, err := opts.client()
				if err != nil {
					return err
				}
				if entries, err = c.History(cmd.Context(), status, limit); err != nil {
					return err
				}
			default:
				return errNoHost
			}

			if opts.output == "json" {
				if entries == nil {
					entries = []history.Entry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}
			data := pterm.TableData{{"TIME", "USER", "STATUS", "ROWS", "CACHED", "MS", "QUERY ID"}}
			for _, e := range entries {
				data = append(data, []string{
					e.CreatedAt.Local().Format(time.DateTime),
					e.User,
					e.Status,
					strconv.Itoa(e.Rows),
					strconv.Itoa(e.CachedMeasures),
					strconv.FormatInt(e.DurationMs, 10),
					e.QueryID,
				})
			}
			rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Read a local history database instead of the server")
	cmd.Flags().StringVar(&status, "status", "", "Only list queries with this status (ok, error)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries")

	return cmd
}
