package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// toolCallCmd is the shim's entry point. Generated nodes invoke
// "forge tool-call <name>" with a JSON payload on stdin; the result goes
// back as a single JSON line on stdout.
var toolCallCmd = &cobra.Command{
	Use:    "tool-call [name]",
	Short:  "Execute a registered tool (used by the node shim)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runToolCall,
}

type toolCallPayload struct {
	Prompt string         `json:"prompt"`
	Kwargs map[string]any `json:"kwargs"`
}

func runToolCall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	// Workflow tools execute their steps through the scheduler.
	a.startScheduler(cmd.Context())

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	var payload toolCallPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	res, err := a.tools.Execute(cmd.Context(), args[0], payload.Prompt, payload.Kwargs)
	if err != nil {
		// The shim reads the error from the JSON body, not the exit code.
		doc, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintln(out, string(doc))
		return nil
	}

	doc, err := json.Marshal(map[string]string{"result": res.Result})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(doc))
	return nil
}
