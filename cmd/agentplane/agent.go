package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/agentplane/internal/models"
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"agents"},
	Short:   "Manage agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents and their status",
	RunE:  runAgentList,
}

var agentStartCmd = &cobra.Command{
	Use:   "start [name]",
	Short: "Start an agent, or every agent with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAgentStart,
}

var agentStopCmd = &cobra.Command{
	Use:   "stop [name]",
	Short: "Stop an agent, or every running agent with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAgentStop,
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and orchestrator status",
	RunE:  runAgentStatus,
}

var allAgents bool

func init() {
	agentCmd.AddCommand(agentListCmd, agentStartCmd, agentStopCmd, agentStatusCmd)
	agentStartCmd.Flags().BoolVar(&allAgents, "all", false, "Apply to every agent")
	agentStopCmd.Flags().BoolVar(&allAgents, "all", false, "Apply to every agent")
}

func runAgentList(cmd *cobra.Command, args []string) error {
	var agents []models.AgentSnapshot
	if err := apiGet("/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPLATFORM\tTYPE\tSTATUS\tAUTH\tERRORS")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\n", a.Name, a.Platform, a.Type, a.Status, a.Authenticated, a.ErrorCount)
	}
	return w.Flush()
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	return agentAction("start", args)
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	return agentAction("stop", args)
}

func agentAction(action string, args []string) error {
	if allAgents {
		results := map[string]bool{}
		if err := apiPost("/agents/"+action+"-all", nil, &results); err != nil {
			return err
		}
		printResults(results)
		return nil
	}
	if len(args) != 1 {
		return fmt.Errorf("agent name required (or --all)")
	}

	var out struct {
		Success bool                 `json:"success"`
		Agent   models.AgentSnapshot `json:"agent"`
	}
	if err := apiPost("/agents/"+args[0]+"/"+action, nil, &out); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", out.Agent.Name, out.Agent.Status)
	return nil
}

func printResults(results map[string]bool) {
	names := make([]string, 0, len(results))
	for n := range results {
		names = append(names, n)
	}
	sort.Strings(names)

	failed := 0
	for _, n := range names {
		mark := "✓"
		if !results[n] {
			mark = "✗"
			failed++
		}
		fmt.Printf("  %s %s\n", mark, n)
	}
	fmt.Printf("%d ok, %d failed\n", len(names)-failed, failed)
}

func runAgentStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if err != nil {
		return err
	}
	var status struct {
		Orchestrator models.OrchestratorStatus `json:"orchestrator"`
		Scheduler    models.SchedulerStatus    `json:"scheduler"`
		Events       models.EventStatistics    `json:"events"`
	}
	if err := apiGet("/status", &status); err != nil {
		return err
	}

	fmt.Printf("Daemon:     ok (v%s, db %s)\n", health.Version, health.DB)
	fmt.Printf("Agents:     %d running of %d\n", status.Orchestrator.RunningAgents, status.Orchestrator.TotalAgents)
	if status.Orchestrator.IsRunning {
		fmt.Printf("Uptime:     %.0fs\n", status.Orchestrator.UptimeSeconds)
	}
	fmt.Printf("Scheduler:  running=%v tasks=%d schedules=%d\n", status.Scheduler.IsRunning, status.Scheduler.TotalTasks, status.Scheduler.ScheduledTasks)
	fmt.Printf("Events:     %d in history (capacity %d)\n", status.Events.TotalEvents, status.Events.HistoryCapacity)
	return nil
}
