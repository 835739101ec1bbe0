package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/engine"
)

var (
	scoreUser    string
	scoreMailbox string
	scoreManual  []string
	scoreX       string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute an adoption score for one user",
	Long: `Scans the user's mailbox metadata, resolves one join date per platform,
records it and prints the score as JSON.

The mailbox is a JSON export (--mailbox) or, without one, Gmail using
FIRSTMOVER_SOURCE_GMAIL_TOKEN. Manual dates are used where no verified
evidence exists. With FIRSTMOVER_SOURCE_X_BEARER_TOKEN set, --x-username
looks up the Twitter/X account creation date.

Examples:
  score --user alice --mailbox alice.json
  score --user carol --mailbox carol.json --x-username carol_tweets
  score --user bob --manual twitter=2008-03-14 --manual reddit=2007-11-02`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		manual, err := parseManualDates(scoreManual)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "score")
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := openSource(scoreMailbox, cfg.Source.GmailToken)
		if err != nil {
			return err
		}
		if src == nil {
			zap.L().Warn("no mailbox source configured, scoring from manual dates and stored records")
		}

		score, err := env.Engine.ComputeScore(ctx, engine.Request{
			UserID:      scoreUser,
			ManualDates: manual,
			Source:      src,
			XUsername:   scoreX,
		})
		if err != nil {
			return eris.Wrap(err, "compute score")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(score)
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreUser, "user", "", "user id (required)")
	scoreCmd.Flags().StringVar(&scoreMailbox, "mailbox", "", "path to a JSON mailbox export")
	scoreCmd.Flags().StringArrayVar(&scoreManual, "manual", nil, "manual join date as platform=YYYY-MM-DD (repeatable)")
	scoreCmd.Flags().StringVar(&scoreX, "x-username", "", "Twitter/X username for an account creation lookup")
	_ = scoreCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(scoreCmd)
}

// parseManualDates parses platform=YYYY-MM-DD pairs.
func parseManualDates(pairs []string) (map[string]time.Time, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]time.Time, len(pairs))
	for _, p := range pairs {
		id, date, ok := strings.Cut(p, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, eris.Errorf("manual date %q: want platform=YYYY-MM-DD", p)
		}
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(date))
		if err != nil {
			return nil, eris.Wrapf(err, "manual date %q", p)
		}
		out[strings.ToLower(id)] = d
	}
	return out, nil
}
