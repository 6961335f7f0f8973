package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"codeforge/internal/types"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show workspace counters",
	Long: `Prints artifact store counts per kind, registered node totals and
scheduled task state for the workspace.`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	fmt.Println("artifacts:")
	for _, kind := range []types.ArtifactKind{
		types.KindWorkflow, types.KindFunction, types.KindPlan,
		types.KindPattern, types.KindTool, types.KindFixPattern,
	} {
		n, err := a.artifacts.Count(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Printf("  %-12s %d\n", kind, n)
	}

	fmt.Printf("nodes:       %d\n", len(a.registry.List()))

	enabled := len(a.tasks.List(true))
	total := len(a.tasks.List(false))
	fmt.Printf("cron tasks:  %d enabled / %d total\n", enabled, total)

	st := a.sched.Stats()
	fmt.Printf("scheduler:   workers=%d queue=%d submitted=%d completed=%d failed=%d\n",
		a.cfg.Scheduler.Workers, st.QueueLength, st.Submitted, st.Completed, st.Failed)

	fmt.Printf("tools:       %d registered\n", a.tools.Count())
	return nil
}
