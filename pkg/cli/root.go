// Package cli implements the mdq command-line tool.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	version = "dev"
	commit  = "none"
)

// rootOptions holds the resolved global flags.
type rootOptions struct {
	host    string
	apiKey  string
	token   string
	user    string
	output  string
	profile string

	engine  string
	dsn     string
	dialect string
	catalog string
	data    string
	limit   int
}

// remote reports whether commands talk to a server instead of a local engine.
func (o *rootOptions) remote() bool { return o.host != "" }

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		printError(rootCmd, os.Stdout, os.Stderr, err)
		return 1
	}
	return 0
}

func printError(rootCmd *cobra.Command, stdout, stderr io.Writer, err error) {
	output, _ := rootCmd.PersistentFlags().GetString("output")
	if output == "json" {
		errObj := map[string]any{"error": err.Error()}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			errObj["http_status"] = apiErr.HTTPStatus
			errObj["code"] = apiErr.Code
		}
		_ = printJSON(stdout, errObj)
		return
	}
	_, _ = color.New(color.FgRed, color.Bold).Fprint(stderr, "Error: ")
	_, _ = fmt.Fprintln(stderr, err)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "mdq",
		Short: "Multi-dimensional query CLI",
		Long: "Compile and run multi-dimensional queries (rollups, comparisons, buckets) " +
			"against a local DuckDB or SQLite engine, or against an mdq server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				// Config file is optional
				cfg = &UserConfig{CurrentProfile: "default", Profiles: map[string]Profile{}}
			}
			p := cfg.ActiveProfile(opts.profile)

			// Apply precedence: flag > env > profile > default
			flags := cmd.Flags()
			resolve(flags.Changed("host"), &opts.host, "MDQ_HOST", p.Host)
			resolve(flags.Changed("api-key"), &opts.apiKey, "MDQ_API_KEY", p.APIKey)
			resolve(flags.Changed("token"), &opts.token, "MDQ_TOKEN", p.Token)
			resolve(flags.Changed("user"), &opts.user, "MDQ_USER", p.User)
			resolve(flags.Changed("output"), &opts.output, "MDQ_OUTPUT", p.Output)
			resolve(flags.Changed("engine"), &opts.engine, "MDQ_ENGINE", p.Engine)
			resolve(flags.Changed("dsn"), &opts.dsn, "MDQ_DSN", p.DSN)
			resolve(flags.Changed("dialect"), &opts.dialect, "MDQ_DIALECT", p.Dialect)
			resolve(flags.Changed("catalog"), &opts.catalog, "MDQ_CATALOG_FILE", p.Catalog)
			resolve(flags.Changed("data"), &opts.data, "MDQ_DATA_FILE", p.Data)

			if err := validateOutputFormat(opts.output); err != nil {
				return err
			}
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				pterm.DisableStyling()
				color.NoColor = true
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.host, "host", "", "mdq server URL; empty runs queries locally")
	pf.StringVar(&opts.apiKey, "api-key", "", "API key for authentication")
	pf.StringVar(&opts.token, "token", "", "JWT token for authentication")
	pf.StringVar(&opts.user, "user", "", "User name sent when the server does not require credentials")
	pf.StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")
	pf.StringVarP(&opts.profile, "profile", "p", "", "Config profile to use")
	pf.StringVar(&opts.engine, "engine", "", "Local engine (duckdb, sqlite)")
	pf.StringVar(&opts.dsn, "dsn", "", "Local engine DSN; empty opens an in-memory database")
	pf.StringVar(&opts.dialect, "dialect", "", "SQL dialect; defaults to the engine")
	pf.StringVar(&opts.catalog, "catalog", "", "YAML dataset used as field catalog; empty introspects the engine")
	pf.StringVar(&opts.data, "data", "", "YAML dataset loaded into the local engine")
	pf.IntVar(&opts.limit, "limit", 0, "Default row limit for queries without one")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newCompileCmd(opts))
	rootCmd.AddCommand(newCatalogCmd(opts))
	rootCmd.AddCommand(newDialectsCmd())
	rootCmd.AddCommand(newCacheCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// resolve fills *dst from the environment or the profile unless the flag was set.
func resolve(changed bool, dst *string, env, profile string) {
	if changed {
		return
	}
	if v := os.Getenv(env); v != "" {
		*dst = v
	} else if profile != "" {
		*dst = profile
	}
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	return cmd
}
