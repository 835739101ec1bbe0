package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/firstmover/internal/model"
)

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List the platform catalogue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := loadCatalog(cfg.Catalog)
		if err != nil {
			return err
		}
		formatPlatforms(os.Stdout, cat.Platforms())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(platformsCmd)
}

// formatPlatforms writes a tabular representation of platforms to out.
func formatPlatforms(out io.Writer, platforms []model.Platform) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tLAUNCHED\tMODE\tRULES")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t----\t-----")
	for _, p := range platforms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			p.ID,
			p.Name,
			p.LaunchDate.Format(time.DateOnly),
			p.Mode,
			len(p.Rules),
		)
	}
	_ = w.Flush()
}
