package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(app.cfg.Model.Name, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			expectedChecksum := resolved.SHA256
			if expectedChecksum == "" && resolved.SHA256URL != "" {
				checksum, err := download.ResolveExpectedChecksum(cmd.Context(), resolved.SHA256URL, filepath.Base(resolved.Path), nil)
				if err != nil {
					return fmt.Errorf("resolve checksum for model %s: %w", resolved.Name, err)
				}
				expectedChecksum = checksum
			}

			app.log().Info("ensuring model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
			downloaded, err := download.EnsureFile(cmd.Context(), download.Options{
				URL:            resolved.URL,
				Destination:    resolved.Path,
				ExpectedSHA256: expectedChecksum,
				NoProgress:     app.noProgress,
				Logger:         app.log(),
			})
			if err != nil {
				return fmt.Errorf("download model %s: %w", resolved.Name, err)
			}

			if !downloaded {
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, resolved.Path)
			return nil
		},
	}
}
