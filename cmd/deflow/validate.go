package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rendis/deflow/internal/validation"
)

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.json>",
		Short: "Check a workflow file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}

			sv, err := validation.NewJSONSchemaValidator()
			if err != nil {
				return err
			}
			if err := sv.ValidateWorkflow(wf); err != nil {
				return err
			}

			// Validation never touches the archive.
			cfg := c.cfg
			cfg.DBPath = ""
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			result := a.engine.ValidateWorkflow(wf)

			out := cmd.OutOrStdout()
			for _, issue := range slices.Concat(result.Errors, result.Warnings) {
				fmt.Fprintln(out, issue)
			}
			if err := result.ToError(); err != nil {
				return err
			}
			fmt.Fprintf(out, "workflow %s is valid\n", wf.ID)
			return nil
		},
	}
}
