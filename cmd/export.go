package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/catalog"
	"github.com/sells-group/firstmover/internal/store"
)

var (
	exportOutput    string
	exportPlatforms []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export platform distributions to an XLSX workbook",
	Long: `Writes a Summary sheet with per-platform counts and date ranges, plus one
sheet per platform listing every user's join date in ascending order.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("export"); err != nil {
			return err
		}

		cat, err := loadCatalog(cfg.Catalog)
		if err != nil {
			return err
		}
		ids := exportPlatforms
		if len(ids) == 0 {
			ids = cat.IDs()
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		file, err := buildWorkbook(ctx, st, cat, ids)
		if err != nil {
			return err
		}
		if err := file.Save(exportOutput); err != nil {
			return eris.Wrap(err, "save workbook")
		}

		zap.L().Info("export complete",
			zap.String("output", exportOutput),
			zap.Int("platforms", len(ids)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOutput, "output", "distributions.xlsx", "output workbook path")
	exportCmd.Flags().StringSliceVar(&exportPlatforms, "platforms", nil, "platform ids to export (default all)")
	rootCmd.AddCommand(exportCmd)
}

// distributionReader is the store surface the export needs.
type distributionReader interface {
	DistributionSummary(ctx context.Context, platformID string) (*store.DistributionSummary, error)
	StreamDistribution(ctx context.Context, platformID string, fn func(userID string, date time.Time) error) error
}

func buildWorkbook(ctx context.Context, st distributionReader, cat *catalog.Catalog, ids []string) (*xlsx.File, error) {
	file := xlsx.NewFile()

	summary, err := file.AddSheet("Summary")
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	addRow(summary, "platform", "name", "users", "verified", "manual", "earliest", "latest")

	for _, id := range ids {
		p, ok := cat.Get(id)
		if !ok {
			return nil, eris.Errorf("export: unknown platform %q", id)
		}

		sum, err := st.DistributionSummary(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "export: summarize %s", id)
		}
		row := summary.AddRow()
		row.AddCell().SetString(p.ID)
		row.AddCell().SetString(p.Name)
		row.AddCell().SetInt(sum.Users)
		row.AddCell().SetInt(sum.Verified)
		row.AddCell().SetInt(sum.Manual)
		row.AddCell().SetString(formatDay(sum.Earliest))
		row.AddCell().SetString(formatDay(sum.Latest))

		sheet, err := file.AddSheet(sheetName(p.ID))
		if err != nil {
			return nil, eris.Wrapf(err, "export: add sheet %s", id)
		}
		addRow(sheet, "user_id", "joined_on")
		err = st.StreamDistribution(ctx, id, func(userID string, date time.Time) error {
			addRow(sheet, userID, date.Format(time.DateOnly))
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "export: stream %s", id)
		}
	}
	return file, nil
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func formatDay(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

// sheetName keeps names within Excel's 31 character limit.
func sheetName(id string) string {
	if len(id) > 31 {
		return id[:31]
	}
	return id
}
