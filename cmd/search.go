package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/example/cardscan/internal/catalog"
)

func newSearchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "search <query>",
		Short:   "Search cards by name in either language",
		Args:    cobra.MinimumNArgs(1),
		Example: `  cardscan search "blue-eyes"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, root.cfg, root.logger, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.loadSnapshot(ctx); err != nil {
				return err
			}

			hits, err := rt.useCase().Search(ctx, strings.Join(args, " "))
			if errors.Is(err, catalog.ErrDatabaseUnavailable) {
				return fmt.Errorf("%w: run `cardscan rebuild` first", err)
			}
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cards match.")
				return nil
			}

			rows := make([][]string, 0, len(hits))
			for _, hit := range hits {
				rows = append(rows, []string{hit.ID, hit.DisplayName, hit.ImageRef})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Image"}, rows, []columnAlignment{alignRight}))
			return nil
		},
	}
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}
