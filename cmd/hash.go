package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/cardscan/internal/fingerprint"
)

func newHashCmd(_ *rootOptions) *cobra.Command {
	var showBits bool

	cmd := &cobra.Command{
		Use:   "hash <image>...",
		Short: "Print the perceptual fingerprint of image files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				fp, err := fingerprint.FromPath(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s  %s  %s\n", fp, fingerprint.Format, path)
				if showBits {
					fmt.Fprint(out, bitGrid(fp))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showBits, "bits", false, "Also print the 8x8 coefficient bit grid")

	return cmd
}

func bitGrid(fp fingerprint.Fingerprint) string {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			if fp.Bit(i, j) {
				b.WriteByte('1')
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
