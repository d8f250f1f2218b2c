package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconbot/beacon/internal/core/store"
	"github.com/beaconbot/beacon/internal/output"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted gateway resume sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the resume session saved for each shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []store.SessionEntry{}
		}

		tbl := output.Table{
			Title:  "Resume Sessions",
			Header: []string{"Shard", "Session", "Sequence", "Resume URL", "Saved"},
			Empty:  "(no saved sessions)",
		}
		for _, entry := range entries {
			resumeURL := entry.ResumeURL
			if resumeURL == "" {
				resumeURL = "-"
			}
			tbl.Rows = append(tbl.Rows, []any{
				strconv.Itoa(entry.ShardID),
				entry.SessionID,
				entry.Sequence,
				resumeURL,
				entry.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		return render(cmd, entries, tbl)
	},
}

func init() {
	addOutputFlags(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}
