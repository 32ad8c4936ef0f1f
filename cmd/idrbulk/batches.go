package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/storage"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect and retry recorded batches",
}

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent batches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		audit, err := openAudit()
		if err != nil {
			return err
		}
		defer audit.Close()

		batches, err := audit.ListBatches(limit)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			printWarning("No batches recorded")
			return nil
		}

		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "ID\tCREATED\tSOURCE\tSTATE\tTOTAL\tOK\tPARTIAL\tFAILED\tSKIPPED\tCHANGE")
		for _, b := range batches {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				b.ID, formatTime(b.CreatedAt), b.Source, colorize(stateColor(b.State), b.State),
				b.Total, b.Succeeded, b.Partial, b.Failed, b.Skipped, describeBatch(b))
		}
		return tw.Flush()
	},
}

var batchesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a batch and its outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")

		audit, err := openAudit()
		if err != nil {
			return err
		}
		defer audit.Close()

		b, err := audit.GetBatch(args[0])
		if err != nil {
			return fmt.Errorf("batch %s: %w", args[0], err)
		}
		recs, err := audit.ListOutcomes(b.ID, statuses...)
		if err != nil {
			return err
		}

		printStatus("Batch", "%s", b.ID)
		printStatus("State", "%s", colorize(stateColor(b.State), b.State))
		printStatus("Created", "%s (%s)", formatTime(b.CreatedAt), b.Source)
		printStatus("Change", "%s", describeBatch(b))
		printStatus("Tally", "%d total, %d succeeded, %d partial, %d failed, %d skipped",
			b.Total, b.Succeeded, b.Partial, b.Failed, b.Skipped)
		if b.Error != "" {
			printStatus("Error", "%s", b.Error)
		}

		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "INVESTIGATION\tSTATUS\tKIND\tREASON")
		for _, r := range recs {
			kind := r.Kind
			if kind == "none" {
				kind = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.InvestigationID, r.Status, kind, truncate(r.Reason, 100))
		}
		return tw.Flush()
	},
}

var batchesRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-run the failed, partial and skipped items of a batch",
	Long: `Re-run the failed, partial and skipped items of a batch as a new batch.

Partial items only had their comment fail, so only the comment is posted
again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		rt, err := newRuntime(runtimeOpts{audit: true, concurrency: concurrency})
		if err != nil {
			return err
		}
		defer rt.Close()

		reqs, err := rt.audit.RetryRequests(args[0])
		if err != nil {
			return fmt.Errorf("batch %s: %w", args[0], err)
		}
		if len(reqs) == 0 {
			printSuccess("Nothing to retry in batch %s", args[0])
			return nil
		}

		out := cmd.OutOrStdout()
		printStep("Retrying %d investigations from batch %s", len(reqs), args[0])
		id, rep, runErr := rt.batches.Run(cmd.Context(), "cli", reqs, func(o bulk.Outcome) {
			printOutcome(out, o)
		})
		if id != "" {
			printSummary(out, id, rep)
		}
		if runErr != nil {
			return runErr
		}
		return rep.Err()
	},
}

func init() {
	batchesListCmd.Flags().Int("limit", 20, "maximum number of batches")
	batchesShowCmd.Flags().StringSlice("status", nil, "only outcomes with these statuses (succeeded, partial, failed, skipped)")
	batchesRetryCmd.Flags().Int("concurrency", 0, "parallel requests (default from config)")
	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	batchesCmd.AddCommand(batchesRetryCmd)
}

func stateColor(state string) string {
	switch state {
	case storage.StateCompleted:
		return colorGreen
	case storage.StateRunning:
		return colorCyan
	case storage.StateCancelled, storage.StateInterrupted:
		return colorYellow
	default:
		return colorRed
	}
}

func describeBatch(b storage.Batch) string {
	var parts []string
	if b.Status != "" {
		parts = append(parts, "status="+b.Status)
	}
	if b.Disposition != "" {
		parts = append(parts, "disposition="+b.Disposition)
	}
	if b.Assignee != "" {
		parts = append(parts, "assignee="+b.Assignee)
	}
	if b.Comment != "" {
		parts = append(parts, fmt.Sprintf("comment=%q", truncate(b.Comment, 30)))
	}
	return strings.Join(parts, " ")
}
