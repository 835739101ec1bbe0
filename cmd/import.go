package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/catalog"
	"github.com/sells-group/firstmover/internal/model"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import join date records from CSV",
	Long: `Bulk-loads join date records. The CSV header must contain
user_id,platform_id,joined_on,provenance,confidence and may contain source.
Existing records are replaced under the same rules as scoring: a manual row
never overwrites a confident verified record.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		cat, err := loadCatalog(cfg.Catalog)
		if err != nil {
			return err
		}

		f, err := os.Open(importCSVPath)
		if err != nil {
			return eris.Wrap(err, "open csv")
		}
		defer f.Close() //nolint:errcheck

		recs, err := parseRecordsCSV(f, cat, time.Now())
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		n, err := st.ImportRecords(ctx, recs, cfg.Resolver.ReplaceThreshold)
		if err != nil {
			return eris.Wrap(err, "import records")
		}

		zap.L().Info("import complete",
			zap.Int("rows", len(recs)),
			zap.Int64("written", n),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}

type recordRow struct {
	UserID     string  `csv:"user_id"`
	PlatformID string  `csv:"platform_id"`
	JoinedOn   string  `csv:"joined_on"`
	Provenance string  `csv:"provenance"`
	Confidence float64 `csv:"confidence"`
	Source     string  `csv:"source,omitempty"`
}

// parseRecordsCSV decodes and validates record rows. A (user_id,
// platform_id) pair may appear once. Every invalid row is reported; nothing
// is returned unless all rows are valid.
func parseRecordsCSV(r io.Reader, cat *catalog.Catalog, now time.Time) ([]model.JoinDateRecord, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, eris.New("import: empty csv")
		}
		return nil, eris.Wrap(err, "import: read header")
	}

	var (
		recs []model.JoinDateRecord
		errs []string
	)
	firstSeen := make(map[[2]string]int)
	for line := 2; ; line++ {
		var row recordRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, eris.Wrapf(err, "import: line %d", line)
		}

		rec, err := row.toRecord(cat, now)
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %s", line, err))
			continue
		}
		key := [2]string{rec.UserID, rec.PlatformID}
		if prev, dup := firstSeen[key]; dup {
			errs = append(errs, fmt.Sprintf("line %d: duplicate of line %d for %s/%s", line, prev, rec.UserID, rec.PlatformID))
			continue
		}
		firstSeen[key] = line
		recs = append(recs, rec)
	}

	if len(errs) > 0 {
		return nil, eris.New("import: invalid rows: " + strings.Join(errs, "; "))
	}
	return recs, nil
}

func (row recordRow) toRecord(cat *catalog.Catalog, now time.Time) (model.JoinDateRecord, error) {
	if row.UserID == "" {
		return model.JoinDateRecord{}, eris.New("user_id is required")
	}
	p, ok := cat.Get(row.PlatformID)
	if !ok {
		return model.JoinDateRecord{}, eris.Errorf("unknown platform %q", row.PlatformID)
	}
	d, err := time.Parse(time.DateOnly, row.JoinedOn)
	if err != nil {
		return model.JoinDateRecord{}, eris.Errorf("joined_on %q: want YYYY-MM-DD", row.JoinedOn)
	}
	if !p.ValidWindow(d, now) {
		return model.JoinDateRecord{}, eris.Errorf("joined_on %s outside %s window", row.JoinedOn, p.ID)
	}
	prov := model.Provenance(row.Provenance)
	if prov != model.ProvenanceVerified && prov != model.ProvenanceManual {
		return model.JoinDateRecord{}, eris.Errorf("provenance %q: want verified or manual", row.Provenance)
	}
	if row.Confidence < 0 || row.Confidence > 1 {
		return model.JoinDateRecord{}, eris.Errorf("confidence %g out of [0, 1]", row.Confidence)
	}
	src := row.Source
	if src == "" {
		src = "import"
	}
	return model.JoinDateRecord{
		UserID:     row.UserID,
		PlatformID: p.ID,
		Date:       d,
		Provenance: prov,
		Confidence: row.Confidence,
		Source:     src,
	}, nil
}
