package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/agentplane/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Submit a task to an agent",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskTransition("cancel"),
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause [task-id]",
	Short: "Pause a pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskTransition("pause"),
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskTransition("resume"),
}

var taskExecCmd = &cobra.Command{
	Use:   "exec [task-id]",
	Short: "Execute a pending task now",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskExec,
}

var taskSchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "List recurring task schedules",
	RunE:  runTaskSchedules,
}

var (
	taskAgent      string
	taskType       string
	taskPayload    string
	taskPriority   int
	taskMaxRetries int
	taskAt         string
	taskSchedule   string
	taskInterval   int
	taskStatus     string
	taskFilterName string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskPauseCmd, taskResumeCmd, taskExecCmd, taskSchedulesCmd)

	taskAddCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent name (required)")
	taskAddCmd.Flags().StringVar(&taskType, "type", "", "Task type, e.g. post_product (required)")
	taskAddCmd.Flags().StringVar(&taskPayload, "payload", "", "JSON payload")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "Priority 1-10 (default 5)")
	taskAddCmd.Flags().IntVar(&taskMaxRetries, "max-retries", -1, "Retry limit (default from scheduler config)")
	taskAddCmd.Flags().StringVar(&taskAt, "at", "", "Earliest run time, RFC3339")
	taskAddCmd.Flags().StringVar(&taskSchedule, "schedule", "", "Recurrence: once, hourly, daily, weekly, monthly, custom")
	taskAddCmd.Flags().IntVar(&taskInterval, "interval", 0, "Minutes between runs for custom schedules")
	taskAddCmd.MarkFlagRequired("agent")
	taskAddCmd.MarkFlagRequired("type")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, running, completed, failed, cancelled, paused)")
	taskListCmd.Flags().StringVar(&taskFilterName, "agent", "", "Filter by agent")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"agent_name": taskAgent,
		"task_type":  taskType,
	}
	if taskPayload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(taskPayload), &payload); err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
		body["payload"] = payload
	}
	if taskPriority > 0 {
		body["priority"] = taskPriority
	}
	if taskMaxRetries >= 0 {
		body["max_retries"] = taskMaxRetries
	}
	if taskAt != "" {
		at, err := time.Parse(time.RFC3339, taskAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		body["scheduled_at"] = at
	}
	if taskSchedule != "" {
		body["schedule"] = taskSchedule
		body["interval_minutes"] = taskInterval
	}

	var task models.Task
	if err := apiPost("/tasks", body, &task); err != nil {
		return err
	}
	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskFilterName != "" {
		q.Set("agent", taskFilterName)
	}

	var tasks []models.Task
	if err := apiGet("/tasks?"+q.Encode(), &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tERROR")
	for _, t := range tasks {
		errMsg := t.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			truncateID(t.ID), t.AgentName, t.TaskType, t.Status, t.Priority, t.RetryCount, t.MaxRetries, errMsg)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var task models.Task
	if err := apiGet("/tasks/"+args[0], &task); err != nil {
		return err
	}

	fmt.Printf("ID:        %s\n", task.ID)
	fmt.Printf("Agent:     %s\n", task.AgentName)
	fmt.Printf("Type:      %s\n", task.TaskType)
	fmt.Printf("Status:    %s\n", task.Status)
	fmt.Printf("Priority:  %d\n", task.Priority)
	fmt.Printf("Retries:   %d/%d\n", task.RetryCount, task.MaxRetries)
	fmt.Printf("Created:   %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Scheduled: %s\n", task.ScheduledAt.Format(time.RFC3339))
	if task.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", task.CompletedAt.Format(time.RFC3339))
	}
	if task.Error != "" {
		fmt.Printf("Error:     %s\n", task.Error)
	}
	if len(task.Payload) > 0 {
		data, _ := json.MarshalIndent(task.Payload, "           ", "  ")
		fmt.Printf("Payload:   %s\n", data)
	}
	if len(task.Result) > 0 {
		data, _ := json.MarshalIndent(task.Result, "           ", "  ")
		fmt.Printf("Result:    %s\n", data)
	}
	return nil
}

func taskTransition(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var task models.Task
		if err := apiPost("/tasks/"+args[0]+"/"+action, nil, &task); err != nil {
			return err
		}
		fmt.Printf("Task %s: %s\n", truncateID(task.ID), task.Status)
		return nil
	}
}

func runTaskExec(cmd *cobra.Command, args []string) error {
	var res models.TaskResult
	if err := apiPost("/tasks/"+args[0]+"/execute", nil, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("task failed: %s", res.Error)
	}
	fmt.Println("Task completed")
	if len(res.Data) > 0 {
		data, _ := json.MarshalIndent(res.Data, "", "  ")
		fmt.Println(string(data))
	}
	return nil
}

func runTaskSchedules(cmd *cobra.Command, args []string) error {
	var entries []models.ScheduleEntry
	if err := apiGet("/tasks/schedules", &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No schedules")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTYPE\tINTERVAL\tNEXT RUN\tRUNS")
	for _, e := range entries {
		next := "-"
		if e.NextRunAt != nil {
			next = e.NextRunAt.Local().Format(time.DateTime)
		}
		interval := "-"
		if e.IntervalMinutes > 0 {
			interval = fmt.Sprintf("%dm", e.IntervalMinutes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", truncateID(e.TaskID), e.ScheduleType, interval, next, e.RunCount)
	}
	return w.Flush()
}
