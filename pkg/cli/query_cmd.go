package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"mdquery/internal/config"
	"mdquery/internal/dialect"
	"mdquery/internal/service/query"
)

// localUser owns queries run without a server.
const localUser = "local"

// cliLogger logs to stderr at warn level unless LOG_LEVEL says otherwise.
func cliLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = (&config.Config{LogLevel: v}).SlogLevel()
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *rootOptions) client() (*Client, error) {
	return NewClient(o.host, o.apiKey, o.token, o.user)
}

func (o *rootOptions) openLocal(cmd *cobra.Command) (*backend, error) {
	cfg, err := o.localConfig()
	if err != nil {
		return nil, err
	}
	return openBackend(cmd.Context(), cfg, cliLogger(cmd))
}

func queryPath(args []string) string {
	if len(args) == 0 {
		return "-"
	}
	return args[0]
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var showSQL bool

	cmd := &cobra.Command{
		Use:   "run [query-file|-]",
		Short: "Execute a query",
		Long: "Execute a query read from a JSON or YAML file (or stdin) and print the result.\n" +
			"Without --host the query runs on the local engine.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dto, err := readQuery(queryPath(args), cmd.InOrStdin())
			if err != nil {
				return err
			}
			var res *query.Result
			if opts.remote() {
				c, err := opts.client()
				if err != nil {
					return err
				}
				if res, err = c.Query(cmd.Context(), dto); err != nil {
					return err
				}
			} else {
				b, err := opts.openLocal(cmd)
				if err != nil {
					return err
				}
				defer b.Close() //nolint:errcheck
				user := opts.user
				if user == "" {
					user = localUser
				}
				if res, err = b.svc.Execute(cmd.Context(), user, dto); err != nil {
					return err
				}
			}
			if err := printResult(cmd.OutOrStdout(), opts.output, res); err != nil {
				return err
			}
			if showSQL && opts.output != "json" && res.SQL != "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.SQL)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSQL, "show-sql", false, "Print the generated SQL after the result")

	return cmd
}

func newCompileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compile [query-file|-]",
		Short: "Print the SQL of a query without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dto, err := readQuery(queryPath(args), cmd.InOrStdin())
			if err != nil {
				return err
			}
			var sqlText string
			if opts.remote() {
				c, err := opts.client()
				if err != nil {
					return err
				}
				if sqlText, err = c.Compile(cmd.Context(), dto); err != nil {
					return err
				}
			} else {
				b, err := opts.openLocal(cmd)
				if err != nil {
					return err
				}
				defer b.Close() //nolint:errcheck
				compiled, err := b.svc.Compile(dto)
				if err != nil {
					return err
				}
				sqlText = compiled.SQL
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"sql": sqlText})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), sqlText)
			return nil
		},
	}
}

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog [table]",
		Short: "List the tables and fields queries can reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.remote() {
				return fmt.Errorf("catalog is only available for the local engine")
			}
			b, err := opts.openLocal(cmd)
			if err != nil {
				return err
			}
			defer b.Close() //nolint:errcheck

			tables := b.catalog.Tables()
			if len(args) == 1 {
				if _, ok := b.catalog.Fields(args[0]); !ok {
					return fmt.Errorf("table %q not found", args[0])
				}
				tables = args
			}

			if opts.output == "json" {
				out := map[string]any{}
				for _, t := range tables {
					fields, _ := b.catalog.Fields(t)
					out[t] = fields
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			data := pterm.TableData{{"TABLE", "FIELD", "TYPE"}}
			for _, t := range tables {
				fields, _ := b.catalog.Fields(t)
				for _, f := range fields {
					data = append(data, []string{t, f.Name, string(f.Type)})
				}
			}
			rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}

func newDialectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dialects",
		Short: "List the supported SQL dialects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := dialect.Names()
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), names)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			return nil
		},
	}
}
