package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/firstmover/internal/store"
)

type fakeDistributions map[string][]time.Time

func (f fakeDistributions) DistributionSummary(_ context.Context, id string) (*store.DistributionSummary, error) {
	dates := f[id]
	sum := &store.DistributionSummary{PlatformID: id, Users: len(dates), Verified: len(dates)}
	if len(dates) > 0 {
		sum.Earliest = &dates[0]
		sum.Latest = &dates[len(dates)-1]
	}
	return sum, nil
}

func (f fakeDistributions) StreamDistribution(_ context.Context, id string, fn func(string, time.Time) error) error {
	for i, d := range f[id] {
		if err := fn(string(rune('a'+i)), d); err != nil {
			return err
		}
	}
	return nil
}

func TestBuildWorkbook(t *testing.T) {
	dists := fakeDistributions{
		"twitter": {time.Date(2007, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2009, 4, 2, 0, 0, 0, 0, time.UTC)},
	}
	file, err := buildWorkbook(context.Background(), dists, defaultCatalog(t), []string{"twitter", "reddit"})
	require.NoError(t, err)
	require.Len(t, file.Sheets, 3)

	summary := file.Sheets[0]
	assert.Equal(t, "Summary", summary.Name)
	require.Len(t, summary.Rows, 3)
	assert.Equal(t, "twitter", summary.Rows[1].Cells[0].Value)
	assert.Equal(t, "2", summary.Rows[1].Cells[2].Value)
	assert.Equal(t, "2007-01-01", summary.Rows[1].Cells[5].Value)
	assert.Equal(t, "", summary.Rows[2].Cells[5].Value, "empty platform has no earliest date")

	tw := file.Sheets[1]
	assert.Equal(t, "twitter", tw.Name)
	require.Len(t, tw.Rows, 3)
	assert.Equal(t, "2009-04-02", tw.Rows[2].Cells[1].Value)
}

func TestBuildWorkbook_UnknownPlatform(t *testing.T) {
	_, err := buildWorkbook(context.Background(), fakeDistributions{}, defaultCatalog(t), []string{"myspace"})
	assert.Error(t, err)
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "twitter", sheetName("twitter"))
	assert.Len(t, sheetName("a-very-long-platform-identifier-name"), 31)
}
