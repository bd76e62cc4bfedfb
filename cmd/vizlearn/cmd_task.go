package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/vizlearn/internal/scheduler"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "prompt text (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression; empty means webhook only")
	taskAddCmd.Flags().String("session", "", "session id the turn runs in, e.g. telegram:<chat id> (required)")
	taskAddCmd.Flags().String("provider", "", "preferred provider")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
	_ = taskAddCmd.MarkFlagRequired("session")
}

func taskStore() *state.TaskStore {
	return taskStoreFor(loadConfig())
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook prompts",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		session, _ := cmd.Flags().GetString("session")
		providerName, _ := cmd.Flags().GetString("provider")

		if schedule != "" {
			if err := scheduler.ValidateSchedule(schedule); err != nil {
				return err
			}
		}
		task := &state.Task{
			Name:      name,
			Prompt:    prompt,
			Schedule:  schedule,
			SessionID: types.SessionID(session),
			Provider:  providerName,
			Enabled:   true,
		}
		if err := taskStore().Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q added. Run `vizlearn reload` to schedule it in a running server.\n", name)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tSESSION\tLAST RUN")
		for _, t := range tasks {
			lastRun := "-"
			if t.LastRunAt != nil {
				lastRun = t.LastRunAt.Local().Format("2006-01-02 15:04:05")
			}
			schedule := t.Schedule
			if schedule == "" {
				schedule = "(webhook)"
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", t.Name, schedule, t.Enabled, t.SessionID, lastRun)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], true)
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], false)
	},
}

func setTaskEnabled(name string, enabled bool) error {
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	if err := taskStore().SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Task %q %s.\n", name, verb)
	return nil
}
