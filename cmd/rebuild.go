package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/cardscan/internal/rebuild"
)

func newRebuildCmd(root *rootOptions) *cobra.Command {
	var hashing bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Fetch the catalog and rebuild the card database",
		Long: `Fetches the primary and secondary language card lists, merges them and
writes a new card database. With --hashing every card's artwork is
downloaded and fingerprinted; without it only names are refreshed.`,
		Example: `  cardscan rebuild
  cardscan rebuild --hashing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg
			if !cmd.Flags().Changed("hashing") {
				hashing = cfg.Catalog.HashingEnabled
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg, root.logger, runtimeOptions{history: true, hashCache: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.builder.Rebuild(ctx, rebuild.Options{Hashing: hashing})
			if err != nil {
				return err
			}
			printRebuildResult(cmd.OutOrStdout(), res, rt.store.Path())
			return nil
		},
	}

	cmd.Flags().BoolVar(&hashing, "hashing", false, "Download artwork and compute fingerprints (default from catalog.hashing_enabled)")

	return cmd
}

func printRebuildResult(w io.Writer, res rebuild.Result, path string) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	green.Fprintf(w, "Database updated: %d cards\n", res.Records)
	fmt.Fprintf(w, "  version:       %s\n", res.Version)
	fmt.Fprintf(w, "  fingerprinted: %d\n", res.Fingerprinted)
	fmt.Fprintf(w, "  duration:      %s\n", res.Duration.Round(time.Millisecond))
	cyan.Fprintf(w, "  saved to %s\n", path)

	if res.SecondaryFailed {
		yellow.Fprintln(w, "  secondary language list unavailable; alternate names missing")
	}
	if res.HashFailures > 0 {
		yellow.Fprintf(w, "  %d cards could not be fingerprinted\n", res.HashFailures)
	}
	if !res.Hashing {
		yellow.Fprintln(w, "  fingerprints not computed; run with --hashing to enable identify")
	}
}
