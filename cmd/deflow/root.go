package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// cli carries state shared by every subcommand once flags are parsed.
type cli struct {
	cfgFile string
	v       *viper.Viper
	cfg     Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "deflow",
		Short: "DeFi workflow execution engine",
		Long: `deflow executes directed graphs of DeFi automation nodes: triggers,
market data, swaps, lending, transforms and notifications.

Workflows are JSON documents. Run one directly with "deflow run", or start
the MCP server with "deflow serve" to define, execute and inspect workflows
from an agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(c.cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := decodeConfig(v)
			if err != nil {
				return err
			}
			c.v, c.cfg = v, cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ~/.deflow/settings.json)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("db-path", "", "libSQL execution archive; empty string disables it")
	pf.Int("pool-size", 0, "max concurrent node executions")
	pf.Duration("node-timeout", 0, "per-node execution timeout")
	pf.Int("max-depth", 0, "max traversal depth per branch")
	pf.String("join-mode", "", "fan-in behaviour: none or all")
	pf.Bool("enforce-tiers", false, "reject nodes above the user's subscription tier")
	pf.String("default-tier", "", "subscription tier assumed for every user")
	pf.String("protocol-url", "", "base URL of the protocol data API; static data when empty")

	root.AddCommand(
		newRunCmd(c),
		newValidateCmd(c),
		newDiagramCmd(c),
		newServeCmd(c),
		newVersionCmd(),
	)
	return root
}

// loadWorkflow reads a workflow document from path, or stdin when path is "-".
func loadWorkflow(path string) (*schema.Workflow, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf schema.Workflow
	if err := xjson.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	return &wf, nil
}

// readPayload accepts inline JSON or @file. Empty yields nil.
func readPayload(arg string) (xjson.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read trigger: %w", err)
		}
		data = b
	}
	if _, err := xjson.Decode(data); err != nil {
		return nil, fmt.Errorf("trigger is not valid JSON: %w", err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	b, err := xjson.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
