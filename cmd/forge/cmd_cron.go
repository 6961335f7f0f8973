package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codeforge/internal/cron"
)

var (
	cronSchedule string
	cronFuncRef  string
	cronAll      bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled tasks",
}

var cronAddCmd = &cobra.Command{
	Use:   "add [name] [description]",
	Short: "Create a scheduled task",
	Long: `Creates a scheduled task. --schedule accepts standard cron syntax
("*/5 * * * *"), shorthand ("@daily", "every 10 minutes") or a natural
phrase, which is converted via the LLM when configured.

Example:
  forge cron add digest "summarize the inbox" --schedule "every morning at 9"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCronAdd,
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE:  runCronList,
}

var cronRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRm,
}

var cronSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search tasks by name, description or schedule",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCronSearch,
}

func init() {
	cronAddCmd.Flags().StringVarP(&cronSchedule, "schedule", "s", "", "cron expression or natural phrase (required)")
	cronAddCmd.Flags().StringVar(&cronFuncRef, "run", "", "request to execute when due (defaults to the description)")
	cronAddCmd.MarkFlagRequired("schedule")
	cronListCmd.Flags().BoolVarP(&cronAll, "all", "a", false, "include disabled tasks")
	cronSearchCmd.Flags().BoolVarP(&cronAll, "all", "a", false, "include disabled tasks")

	cronCmd.AddCommand(cronAddCmd, cronListCmd, cronRmCmd, cronSearchCmd)
}

func runCronAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	name := args[0]
	description := strings.Join(args[1:], " ")
	task, err := a.tasks.Create(cmd.Context(), name, description, cronSchedule, cronFuncRef, nil)
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s) schedule %q\n", task.ID, task.Name, task.Expression)
	return nil
}

func runCronList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	printTasks(a.tasks.List(!cronAll))
	return nil
}

func runCronRm(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.tasks.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runCronSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	printTasks(a.tasks.Search(cmd.Context(), strings.Join(args, " "), !cronAll))
	return nil
}

func printTasks(tasks []*cron.ScheduledTask) {
	if len(tasks) == 0 {
		fmt.Println("no scheduled tasks")
		return
	}
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		last := "never"
		if !t.LastRun.IsZero() {
			last = t.LastRun.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-20s  %-16s  %s  runs=%d  last=%s\n",
			t.ID, t.Name, t.Expression, state, t.RunCount, last)
		if t.LastError != "" {
			fmt.Printf("    last error: %s\n", t.LastError)
		}
	}
}
