package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fmueller/voxserve/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Current()
			if !asJSON {
				fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "output-json", false, "Print build information as JSON")
	return cmd
}
