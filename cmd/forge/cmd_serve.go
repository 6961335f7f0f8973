package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeforge/internal/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background service loop",
	Long: `Starts the scheduler worker pool, the cron dispatcher and the
registry file watcher, then blocks until SIGINT or SIGTERM. Scheduled
tasks fire through the same pipeline as forge ask.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.healthCheck(ctx); err != nil {
		return err
	}
	a.startScheduler(ctx)

	watcher, err := registry.NewWatcher(a.registry, time.Second)
	if err != nil {
		return fmt.Errorf("failed to start registry watcher: %w", err)
	}
	defer watcher.Stop()

	d := a.newDispatcher()
	d.Start(ctx)
	defer d.Stop()

	fmt.Printf("forge serving: %d scheduled tasks, %d nodes (ctrl-c to stop)\n",
		len(a.tasks.List(true)), len(a.registry.List()))

	<-ctx.Done()
	ds := d.Stats()
	fmt.Printf("shutting down: ticks=%d dispatched=%d completed=%d failed=%d\n",
		ds.Ticks, ds.Dispatched, ds.Completed, ds.Failed)
	return nil
}
