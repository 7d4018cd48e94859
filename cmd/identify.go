package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/usecase"
)

func newIdentifyCmd(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "identify <image>",
		Short: "Identify the card shown in an image file",
		Args:  cobra.ExactArgs(1),
		Example: `  cardscan identify photo.jpg
  cardscan identify --json photo.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			rt, err := newRuntime(ctx, root.cfg, root.logger, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.loadSnapshot(ctx); err != nil {
				return err
			}

			result, err := rt.useCase().Identify(ctx, data)
			switch {
			case errors.Is(err, catalog.ErrDatabaseUnavailable), errors.Is(err, usecase.ErrFingerprintsUnavailable):
				return fmt.Errorf("%w: run `cardscan rebuild --hashing` first", err)
			case err != nil:
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printIdentifyResult(cmd.OutOrStdout(), result, root.cfg.Match.Threshold)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	return cmd
}

func printIdentifyResult(w io.Writer, result *usecase.IdentifyResult, threshold int) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if result.Matched && result.Card != nil {
		green.Fprintf(w, "%s\n", result.Card.DisplayName)
		fmt.Fprintf(w, "  id:       %s\n", result.Card.ID)
		if result.Card.NameAlt != "" {
			fmt.Fprintf(w, "  name:     %s\n", result.Card.Name)
		}
		fmt.Fprintf(w, "  distance: %d (threshold %d)\n", result.Distance, threshold)
		fmt.Fprintf(w, "  image:    %s\n", result.Card.ImageURL)
		return
	}

	red.Fprintln(w, "No matching card")
	if result.Candidate != nil {
		yellow.Fprintf(w, "  nearest: %s (id %s, distance %d, threshold %d)\n",
			result.Candidate.DisplayName, result.Candidate.ID, result.Distance, threshold)
	}
}
