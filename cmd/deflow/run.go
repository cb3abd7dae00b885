package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/deflow/pkg/schema"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		trigger string
		userID  string
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "Execute a workflow file and print its execution record",
		Example: `  deflow run swap.json --trigger '{"amount": 100}'
  deflow run swap.json --trigger @trigger.json --summary`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			payload, err := readPayload(trigger)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			exec := a.engine.ExecuteWorkflow(cmd.Context(), wf, payload, userID)
			if summary {
				err = writeSummary(cmd.OutOrStdout(), exec)
			} else {
				err = writeJSON(cmd.OutOrStdout(), exec)
			}
			if err != nil {
				return err
			}
			if exec.Status == schema.ExecutionStatusFailed {
				return fmt.Errorf("execution %s failed: %s", exec.ID, exec.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger payload as JSON, or @file")
	cmd.Flags().StringVar(&userID, "user", "", "user the execution runs for")
	cmd.Flags().BoolVar(&summary, "summary", false, "print a node table instead of JSON")
	return cmd
}

// writeSummary prints one line per node execution in run order.
func writeSummary(w io.Writer, exec *schema.WorkflowExecution) error {
	fmt.Fprintf(w, "execution %s  workflow %s  %s  %dms\n", exec.ID, exec.WorkflowID, exec.Status, exec.Duration)
	if exec.ErrorMessage != "" {
		fmt.Fprintf(w, "error: %s\n", exec.ErrorMessage)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tTYPE\tSTATUS\tMS\tFEE\tERROR")
	for _, ne := range exec.NodeExecutions {
		status := string(ne.Status)
		if ne.Degraded {
			status += " (degraded)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%g\t%s\n", ne.NodeID, ne.NodeType, status, ne.Duration, ne.Fee, ne.ErrorMessage)
	}
	return tw.Flush()
}
