package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mdquery/internal/service/query"
	"mdquery/internal/table"
)

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult renders a query result in the requested format.
func printResult(w io.Writer, format string, res *query.Result) error {
	if format == "json" {
		return printJSON(w, res)
	}
	t, err := table.NewRowTable(res.Headers, res.Rows)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, t.String())
	if len(res.CachedMeasures) > 0 {
		_, _ = fmt.Fprintf(w, "cached: %v\n", res.CachedMeasures)
	}
	return nil
}
