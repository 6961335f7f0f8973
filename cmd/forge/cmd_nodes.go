package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var nodesInput string

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect and run registered nodes",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	RunE:  runNodesList,
}

var nodesRunCmd = &cobra.Command{
	Use:   "run [id]",
	Short: "Execute a node directly",
	Long: `Runs a registered node as a subprocess. --input supplies the JSON
input document; without it an empty object is sent.

Example:
  forge nodes run reverse-string-3f2a91cc --input '{"input": "hello"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runNodesRun,
}

func init() {
	nodesRunCmd.Flags().StringVarP(&nodesInput, "input", "i", "{}", "JSON input document")
	nodesCmd.AddCommand(nodesListCmd, nodesRunCmd)
}

func runNodesList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	nodes := a.registry.List()
	if len(nodes) == 0 {
		fmt.Println("no registered nodes")
		return nil
	}
	for _, n := range nodes {
		tags := ""
		if len(n.Tags) > 0 {
			tags = "  [" + strings.Join(n.Tags, ",") + "]"
		}
		fmt.Printf("%-40s  %s  score=%.2f%s\n", n.ID, n.Interface.OperationType, n.Score.Composite, tags)
	}
	return nil
}

func runNodesRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	var input map[string]any
	if err := json.Unmarshal([]byte(nodesInput), &input); err != nil {
		return fmt.Errorf("invalid --input JSON: %w", err)
	}

	res, err := a.runner.Run(cmd.Context(), args[0], input)
	if err != nil {
		return err
	}
	if res.Metrics.ExitCode != 0 {
		return fmt.Errorf("node exited %d: %s", res.Metrics.ExitCode, strings.TrimSpace(res.Stderr))
	}
	fmt.Println(strings.TrimSpace(res.Stdout))
	fmt.Fprintf(cmd.ErrOrStderr(), "wall=%s exit=%d\n", res.Metrics.Wall, res.Metrics.ExitCode)
	return nil
}
