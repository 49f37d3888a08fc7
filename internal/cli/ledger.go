package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	service "github.com/surahj/ai-interviewer/internal/services"
	"github.com/surahj/ai-interviewer/internal/worker"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(grantBonusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reconcileCmd)

	historyCmd.Flags().IntP("limit", "n", service.DefaultHistoryLimit, "Number of transactions to show")
	historyCmd.Flags().Bool("json", false, "Print transactions as JSON")

	grantBonusCmd.Flags().Int64("credits", 50, "Credits to grant")
	grantBonusCmd.Flags().String("description", service.DefaultBonusDescription, "Ledger description")
	grantBonusCmd.Flags().Bool("force", false, "Grant even when the account already has credits")

	reconcileCmd.Flags().Duration("older-than", 0, "Only reconcile purchases pending longer than this (default PENDING_PURCHASE_TTL)")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ledger schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger schema is up to date")
			return nil
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			account, err := a.credits.GetBalance(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user:      %s\navailable: %d\nearned:    %d\nused:      %d\n",
				account.UserID, account.AvailableCredits, account.TotalCreditsEarned, account.TotalCreditsUsed)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List a user's ledger transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			txs, err := a.credits.ListTransactions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(txs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tTYPE\tCREDITS\tREFERENCE\tDESCRIPTION")
			for _, tx := range txs {
				ref := tx.Reference
				if tx.ExternalRef != "" {
					ref = tx.ExternalRef
				}
				fmt.Fprintf(w, "%s\t%s\t%+d\t%s\t%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Type, tx.Credits, ref, tx.Description)
			}
			return w.Flush()
		})
	},
}

var grantBonusCmd = &cobra.Command{
	Use:   "grant-bonus USER_ID",
	Short: "Grant signup bonus credits",
	Long: `Grant bonus credits to a user. Without --force the grant is skipped when the
account already has credits, the same rule the signup flow applies.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credits, _ := cmd.Flags().GetInt64("credits")
		description, _ := cmd.Flags().GetString("description")
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if force {
				tx, err := a.credits.Grant(ctx, args[0], credits, description)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s (transaction %s)\n", credits, args[0], tx.ID)
				return nil
			}

			account, granted, err := a.credits.InitializeAccount(ctx, args[0], credits, description)
			if err != nil {
				return err
			}
			if !granted {
				fmt.Fprintf(cmd.OutOrStdout(), "account %s already initialized with %d credits\n", args[0], account.AvailableCredits)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s\n", credits, args[0])
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify USER_ID",
	Short: "Check a user's balance against the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			v, err := a.credits.VerifyAccount(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "available: %d\nearned:    %d\nused:      %d\nledger:    %d\n",
				v.Account.AvailableCredits, v.Account.TotalCreditsEarned, v.Account.TotalCreditsUsed, v.LedgerSum)
			if !v.Consistent {
				return fmt.Errorf("account %s is inconsistent with its ledger", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync stale pending purchases with Stripe once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if olderThan <= 0 {
				olderThan = a.cfg.PendingPurchaseTTL
			}
			summary, err := worker.NewReconciler(a.purchases, a.cfg.ReconcileInterval, olderThan).RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d: %d confirmed, %d failed, %d unchanged, %d already processed, %d errors\n",
				summary.Scanned, summary.Confirmed, summary.Failed, summary.Unchanged, summary.AlreadyProcessed, summary.Errors)
			if summary.Errors > 0 {
				return fmt.Errorf("%d purchases could not be reconciled", summary.Errors)
			}
			return nil
		})
	},
}
