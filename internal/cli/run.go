package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunSubmitCmd(clientFn, outputFn),
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func runRow(r RunResponse) []string {
	return []string{r.ID, formatTags(r.Tags), r.Status, r.FailureReason, r.SubmittedAt}
}

var runHeaders = []string{"ID", "TAGS", "STATUS", "REASON", "SUBMITTED"}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func newRunSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var tags []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := SubmitRunRequest{IdempotencyKey: idempotencyKey}

			if len(tags) > 0 {
				req.Tags = make(map[string]string)
				for _, kv := range tags {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid tag format %q, expected KEY=VALUE", kv)
					}
					req.Tags[parts[0]] = parts[1]
				}
			}

			run, err := client.SubmitRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run submitted: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Run tags as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for safe resubmission")

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (QUEUED, STARTING, STARTED, SUCCEEDED, FAILED, CANCELED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "TAGS", "STATUS", "REASON", "ERROR", "SUBMITTED", "ENDED"},
				[][]string{{run.ID, formatTags(run.Tags), run.Status, run.FailureReason, run.Error, run.SubmittedAt, run.EndedAt}},
				run,
			)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			if run.Status == "CANCELED" {
				out.Success(fmt.Sprintf("Run canceled: %s", run.ID))
			} else {
				out.Success(fmt.Sprintf("Cancellation requested: %s", run.ID))
			}
			return nil
		},
	}
}
