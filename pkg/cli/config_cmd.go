package cli

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage mdq profiles",
		Long: "Profiles store defaults for the global flags. Precedence is flag, then " +
			"MDQ_* environment variable, then the active profile. MDQ_CONFIG overrides " +
			"the profile file location.",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigSetProfileCmd())
	cmd.AddCommand(newConfigUseProfileCmd())
	cmd.AddCommand(newConfigDeleteProfileCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the profiles with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "No profiles at %s; create one with 'mdq config set-profile'\n", ConfigPath())
				return err
			}
			if !reveal {
				cfg = maskConfig(cfg)
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print credentials and DSN passwords in clear")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the profile file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), ConfigPath())
			return nil
		},
	}
}

// maskConfig copies cfg with API keys, tokens and DSN passwords hidden.
func maskConfig(cfg *UserConfig) *UserConfig {
	masked := &UserConfig{
		CurrentProfile: cfg.CurrentProfile,
		Profiles:       make(map[string]Profile, len(cfg.Profiles)),
	}
	for name, p := range cfg.Profiles {
		p.APIKey = maskSecret(p.APIKey)
		p.Token = maskSecret(p.Token)
		p.DSN = maskDSN(p.DSN)
		masked.Profiles[name] = p
	}
	return masked
}

// maskSecret keeps the first and last four characters of s.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 10 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// maskDSN hides the password of a URL-style DSN and leaves file paths, which
// carry no credentials, readable.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	return u.Redacted()
}

func newConfigSetProfileCmd() *cobra.Command {
	var (
		name string
		p    Profile
	)

	cmd := &cobra.Command{
		Use:   "set-profile",
		Short: "Create or update a profile; only the given flags change",
		Example: `  mdq config set-profile --name local --engine duckdb --data sales.yaml
  mdq config set-profile --name prod --host https://mdq.example --api-key $KEY`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				cfg = &UserConfig{CurrentProfile: "default", Profiles: map[string]Profile{}}
			}

			flags := cmd.Flags()
			cur := cfg.Profiles[name]
			for flag, field := range map[string]struct{ dst, v *string }{
				"host":    {&cur.Host, &p.Host},
				"api-key": {&cur.APIKey, &p.APIKey},
				"token":   {&cur.Token, &p.Token},
				"user":    {&cur.User, &p.User},
				"output":  {&cur.Output, &p.Output},
				"engine":  {&cur.Engine, &p.Engine},
				"dsn":     {&cur.DSN, &p.DSN},
				"dialect": {&cur.Dialect, &p.Dialect},
				"catalog": {&cur.Catalog, &p.Catalog},
				"data":    {&cur.Data, &p.Data},
			} {
				if flags.Changed(flag) {
					*field.dst = *field.v
				}
			}
			if err := cur.Validate(); err != nil {
				return fmt.Errorf("profile %q: %w", name, err)
			}
			cfg.Profiles[name] = cur

			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"status":  "ok",
					"profile": name,
					"path":    ConfigPath(),
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %q saved to %s\n", name, ConfigPath())
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "Profile name (required)")
	f.StringVar(&p.Host, "host", "", "mdq server URL")
	f.StringVar(&p.APIKey, "api-key", "", "API key sent to the server")
	f.StringVar(&p.Token, "token", "", "JWT sent to the server")
	f.StringVar(&p.User, "user", "", "User name when the server runs without auth")
	f.StringVar(&p.Output, "output", "", "Default output format (table, json)")
	f.StringVar(&p.Engine, "engine", "", "Local engine (duckdb, sqlite)")
	f.StringVar(&p.DSN, "dsn", "", "Local engine DSN")
	f.StringVar(&p.Dialect, "dialect", "", "SQL dialect used to compile")
	f.StringVar(&p.Catalog, "catalog", "", "YAML dataset used as field catalog")
	f.StringVar(&p.Data, "data", "", "YAML dataset loaded into the local engine")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newConfigUseProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-profile <name>",
		Short: "Make a profile the default",
		Args:  cobra.ExactArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
			return profileNames(), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return fmt.Errorf("no profiles yet: %w", err)
			}
			name := args[0]
			if _, ok := cfg.Profiles[name]; !ok {
				return fmt.Errorf("profile %q not found", name)
			}
			cfg.CurrentProfile = name
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"status":         "ok",
					"active_profile": name,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Active profile set to %q\n", name)
			return nil
		},
	}
}

func newConfigDeleteProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-profile <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
			return profileNames(), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return fmt.Errorf("no profiles yet: %w", err)
			}
			name := args[0]
			if _, ok := cfg.Profiles[name]; !ok {
				return fmt.Errorf("profile %q not found", name)
			}
			if name == cfg.CurrentProfile {
				return fmt.Errorf("profile %q is active; switch with 'mdq config use-profile' first", name)
			}
			delete(cfg.Profiles, name)
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %q deleted\n", name)
			return nil
		},
	}
}

// profileNames lists the saved profiles for shell completion.
func profileNames() []string {
	cfg, err := LoadUserConfig()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Profiles))
	for n := range cfg.Profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
