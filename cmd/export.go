package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/export"
	"github.com/example/cardscan/internal/store"
)

func newExportCmd(root *rootOptions) *cobra.Command {
	var (
		formatName string
		out        string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored card database as parquet, yaml or json",
		Example: `  cardscan export --out cards.parquet
  cardscan export --format yaml --out cards.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				format export.Format
				err    error
			)
			if formatName != "" {
				format, err = export.ParseFormat(formatName)
			} else {
				format, err = export.FormatFromPath(out)
			}
			if err != nil {
				return err
			}

			fileStore, err := store.NewFileStore(root.cfg.Storage.SnapshotFile, root.logger)
			if err != nil {
				return err
			}
			snap, err := fileStore.Load(cmd.Context())
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: run `cardscan rebuild` first", catalog.ErrDatabaseUnavailable)
			}
			if err != nil {
				return err
			}

			if err := export.WriteFile(out, snap, format); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d cards (%s) to %s\n", snap.Len(), format, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&formatName, "format", "", "Output format: parquet, yaml or json (default from --out extension)")
	cmd.Flags().StringVar(&out, "out", "", "Output file (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}
