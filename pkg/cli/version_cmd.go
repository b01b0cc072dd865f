package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"mdquery/internal/dialect"
	"mdquery/internal/engine"
)

// buildInfo describes the binary and what it can compile for and run on.
type buildInfo struct {
	Version  string   `json:"version"`
	Commit   string   `json:"commit"`
	Go       string   `json:"go"`
	Dialects []string `json:"dialects"`
	Engines  []string `json:"engines"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:  version,
		Commit:   commit,
		Go:       runtime.Version(),
		Dialects: dialect.Names(),
		Engines:  engine.Kinds(),
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mdq version with its dialects and local engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentBuild()
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), info)
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "mdq %s (commit %s, %s)\n", info.Version, info.Commit, info.Go)
			_, _ = fmt.Fprintf(w, "dialects: %s\n", strings.Join(info.Dialects, ", "))
			_, _ = fmt.Fprintf(w, "engines:  %s\n", strings.Join(info.Engines, ", "))
			return nil
		},
	}
}
