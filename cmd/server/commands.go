package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/AnshRaj112/clara-backend/internal/config"
	"github.com/AnshRaj112/clara-backend/internal/store"
	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

const commandTimeout = time.Minute

// openForCommand builds an app with just the conversation store.
func openForCommand(cmd *cobra.Command) (*app, context.Context, context.CancelFunc, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	a := &app{cfg: cfg, log: log}
	if err := a.openStore(ctx, false); err != nil {
		cancel()
		a.Close()
		return nil, nil, nil, err
	}
	return a, ctx, cancel, nil
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Print the anonymous topic counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, ctx, cancel, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "COUNTER\tTOPIC\tCOUNT")
		for _, counter := range []string{store.TopicCounterHeuristic, store.TopicCounterModel} {
			counts := a.store.Topics(ctx, counter)
			labels := make([]string, 0, len(counts))
			for label := range counts {
				labels = append(labels, label)
			}
			sort.Slice(labels, func(i, j int) bool {
				if counts[labels[i]] != counts[labels[j]] {
					return counts[labels[i]] > counts[labels[j]]
				}
				return labels[i] < labels[j]
			})
			for _, label := range labels {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", counter, label, counts[label])
			}
		}
		return tw.Flush()
	},
}

var (
	migrateEmail string
	migrateNewID string
)

var migrateLegacyCmd = &cobra.Command{
	Use:   "migrate-legacy",
	Short: "Move a legacy email-keyed chat to a new user id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if strings.TrimSpace(migrateEmail) == "" || strings.TrimSpace(migrateNewID) == "" {
			return errors.New("--email and --new-id are required")
		}
		a, ctx, cancel, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		legacyID := utils.LegacyUserID(migrateEmail, a.cfg.UserIDSalt)
		if a.store.MigrateLegacyChat(ctx, legacyID, migrateNewID, utils.NormalizeEmail(migrateEmail)) {
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s -> %s\n", legacyID, migrateNewID)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to migrate")
		return nil
	},
}

var (
	deleteUserID    string
	deleteKeepCreds bool
)

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Erase a user's chat, profile and memories",
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID := strings.TrimSpace(deleteUserID)
		if userID == "" {
			return errors.New("--user is required")
		}
		a, ctx, cancel, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		a.store.DeleteAccount(ctx, userID)
		if err := a.openMemories(ctx); err != nil {
			return err
		}
		if err := a.memories.DeleteUser(ctx, userID); err != nil {
			return errors.Wrap(err, "delete memories")
		}
		if !deleteKeepCreds {
			if err := a.openAuth(ctx); err != nil {
				return err
			}
			if err := a.auth.DeleteCredentials(ctx, userID); err != nil {
				return errors.Wrap(err, "delete credentials")
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (driver %s, vectors %s)\n", userID, a.cfg.DBDriver, vectorName(a.cfg))
		return nil
	},
}

func vectorName(cfg *config.Config) string {
	if cfg.VectorStore == config.VectorStoreWeaviate {
		return cfg.WeaviateURL
	}
	return cfg.VectorStore
}

func init() {
	migrateLegacyCmd.Flags().StringVar(&migrateEmail, "email", "", "email the legacy chat was keyed by")
	migrateLegacyCmd.Flags().StringVar(&migrateNewID, "new-id", "", "user id to move the chat to")
	deleteAccountCmd.Flags().StringVar(&deleteUserID, "user", "", "user id to erase")
	deleteAccountCmd.Flags().BoolVar(&deleteKeepCreds, "keep-credentials", false, "leave the sign-in credentials in place")
}
