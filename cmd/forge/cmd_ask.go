package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask [request]",
	Short: "Run one request through the full pipeline",
	Long: `Processes a natural-language request end to end: exact-match replay,
semantic reuse, or cold generation with decomposition, synthesis,
testing and repair. Prints the final result to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startScheduler(ctx)

	request := strings.Join(args, " ")
	resp, err := a.pipeline.Generate(ctx, request)
	if err != nil {
		return err
	}

	fmt.Printf("[%s] %v\n", resp.Source, resp.Result)
	return nil
}
