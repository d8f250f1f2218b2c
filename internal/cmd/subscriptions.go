package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/store"
	"github.com/beaconbot/beacon/internal/core/tracking"
	"github.com/beaconbot/beacon/internal/output"
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "Manage persisted tracking subscriptions",
	Long: `Inspect and edit the subscriptions stored in the bot database.

A running bot loads subscriptions at startup; changes made here take effect
on the next start. Use the track/untrack commands in chat for live changes.`,
}

var (
	subsResource string
	subsChannel  string
	subsGuild    string
	subsAll      bool
	subsMention  bool
	subsQuiet    bool
	subsYes      bool
	subsDryRun   bool
)

func subscriptionQuery() (store.SubscriptionQuery, error) {
	q := store.SubscriptionQuery{All: subsAll, Resource: strings.TrimSpace(subsResource)}
	var err error
	if q.ChannelID, err = parseIDFlag("channel", subsChannel); err != nil {
		return q, err
	}
	if q.GuildID, err = parseIDFlag("guild", subsGuild); err != nil {
		return q, err
	}
	return q, nil
}

func parseIDFlag(name, value string) (core.ID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	id, err := core.ParseID(value)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: --%s must be a numeric id, got %q", core.ErrValidation, name, value)
	}
	return id, nil
}

func flagLabels(flags core.SubscriptionFlags) string {
	var labels []string
	if flags&core.FlagMentionEveryone != 0 {
		labels = append(labels, "mention")
	}
	if flags&core.FlagQuiet != 0 {
		labels = append(labels, "quiet")
	}
	if len(labels) == 0 {
		return "-"
	}
	return strings.Join(labels, ",")
}

func subscriptionsTable(subs []core.Subscription) output.Table {
	tbl := output.Table{
		Title:  "Subscriptions",
		Header: []string{"Resource", "Channel", "Guild", "Flags", "Created By", "Created"},
		Empty:  "(no subscriptions)",
	}
	for _, sub := range subs {
		createdBy := "-"
		if sub.CreatedBy != 0 {
			createdBy = sub.CreatedBy.String()
		}
		tbl.Rows = append(tbl.Rows, []any{
			sub.Resource,
			sub.ChannelID.String(),
			sub.GuildID.String(),
			flagLabels(sub.Flags),
			createdBy,
			sub.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	if len(subs) > 0 {
		tbl.Footer = []any{fmt.Sprintf("%d total", len(subs)), "", "", "", "", ""}
	}
	return tbl
}

var subscriptionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := subscriptionQuery()
		if err != nil {
			return err
		}
		if query.Validate() != nil {
			query.All = true
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		subs, err := db.ListSubscriptions(cmd.Context(), query)
		if err != nil {
			return err
		}
		if subs == nil {
			subs = []core.Subscription{}
		}
		return render(cmd, subs, subscriptionsTable(subs))
	},
}

var subscriptionsAddCmd = &cobra.Command{
	Use:   "add <resource>",
	Short: "Subscribe a channel to a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resource, err := tracking.NormalizeResource(args[0])
		if err != nil {
			return err
		}
		channelID, err := parseIDFlag("channel", subsChannel)
		if err != nil {
			return err
		}
		if channelID == 0 {
			return fmt.Errorf("%w: --channel is required", core.ErrValidation)
		}
		guildID, err := parseIDFlag("guild", subsGuild)
		if err != nil {
			return err
		}

		sub := core.Subscription{
			Resource:  resource,
			ChannelID: channelID,
			GuildID:   guildID,
			CreatedAt: time.Now().UTC(),
		}
		if subsMention {
			sub.Flags |= core.FlagMentionEveryone
		}
		if subsQuiet {
			sub.Flags |= core.FlagQuiet
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		if err := db.SaveSubscription(cmd.Context(), sub); err != nil {
			return err
		}
		return render(cmd, sub, subscriptionsTable([]core.Subscription{sub}))
	},
}

// removeResult is the outcome of subscriptions remove.
type removeResult struct {
	Matched int   `json:"matched" yaml:"matched"`
	Deleted int64 `json:"deleted" yaml:"deleted"`
	DryRun  bool  `json:"dry_run" yaml:"dry_run"`
}

var subscriptionsRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove subscriptions matching a selector",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := subscriptionQuery()
		if err != nil {
			return err
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !subsYes && !subsDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountSubscriptions(cmd.Context(), query)
		if err != nil {
			return err
		}

		result := removeResult{Matched: matched, DryRun: subsDryRun}
		if !subsDryRun {
			if result.Deleted, err = db.DeleteSubscriptions(cmd.Context(), query); err != nil {
				return err
			}
		}

		summary := fmt.Sprintf("Deleted %d/%d subscription(s)", result.Deleted, result.Matched)
		if result.DryRun {
			summary = fmt.Sprintf("Would delete %d subscription(s)", result.Matched)
		}
		return render(cmd, result, output.Table{Empty: summary})
	},
}

func init() {
	for _, c := range []*cobra.Command{subscriptionsListCmd, subscriptionsRemoveCmd} {
		c.Flags().StringVar(&subsResource, "resource", "", "Match a resource (exact)")
		c.Flags().StringVar(&subsChannel, "channel", "", "Match a destination channel id")
		c.Flags().StringVar(&subsGuild, "guild", "", "Match a guild id")
	}
	subscriptionsRemoveCmd.Flags().BoolVar(&subsAll, "all", false, "Remove every subscription")
	subscriptionsRemoveCmd.Flags().BoolVar(&subsYes, "yes", false, "Confirm destructive removal")
	subscriptionsRemoveCmd.Flags().BoolVar(&subsDryRun, "dry-run", false, "Show what would be deleted")

	subscriptionsAddCmd.Flags().StringVar(&subsChannel, "channel", "", "Destination channel id (required)")
	subscriptionsAddCmd.Flags().StringVar(&subsGuild, "guild", "", "Guild id of the channel")
	subscriptionsAddCmd.Flags().BoolVar(&subsMention, "mention", false, "Mention everyone on each notification")
	subscriptionsAddCmd.Flags().BoolVar(&subsQuiet, "quiet", false, "Send one-line notices without item lists")

	for _, c := range []*cobra.Command{subscriptionsListCmd, subscriptionsAddCmd, subscriptionsRemoveCmd} {
		addOutputFlags(c)
		subscriptionsCmd.AddCommand(c)
	}
	rootCmd.AddCommand(subscriptionsCmd)
}
