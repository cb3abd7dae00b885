package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/deflow/internal/diagram"
	"github.com/rendis/deflow/pkg/schema"
)

func newDiagramCmd(c *cli) *cobra.Command {
	var (
		format  string
		outPath string
		execute bool
		trigger string
		userID  string
	)
	cmd := &cobra.Command{
		Use:   "diagram <workflow.json>",
		Short: "Render a workflow as ASCII, Mermaid, PNG or SVG",
		Example: `  deflow diagram swap.json
  deflow diagram swap.json --format png --out swap.png
  deflow diagram swap.json --run --trigger '{"amount": 100}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			binary := format == "png" || format == "svg"
			if format == "png" && outPath == "" {
				return fmt.Errorf("--out is required for png output")
			}
			switch format {
			case "ascii", "mermaid", "png", "svg":
			default:
				return fmt.Errorf("unknown format %q: want ascii, mermaid, png or svg", format)
			}

			cfg := c.cfg
			cfg.DBPath = ""
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var exec *schema.WorkflowExecution
			if execute {
				payload, err := readPayload(trigger)
				if err != nil {
					return err
				}
				exec = a.engine.ExecuteWorkflow(cmd.Context(), wf, payload, userID)
			}

			model, err := diagram.Build(wf, a.engine.Catalog(), exec)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			default:
				out, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
				if err != nil {
					return err
				}
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, out, 0o644); err != nil {
					return fmt.Errorf("write diagram: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", outPath)
				return nil
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if !binary {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "ascii, mermaid, png or svg")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&execute, "run", false, "execute the workflow first and overlay node status")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger payload for --run, as JSON or @file")
	cmd.Flags().StringVar(&userID, "user", "", "user for --run")
	return cmd
}
